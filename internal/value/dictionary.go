package value

import (
	"errors"
	"fmt"
)

// ErrDuplicateField indicates two data dictionary entries with the same name.
var ErrDuplicateField = errors.New("duplicate field name")

// Dictionary is the global field-name → field-type mapping declared by a
// model document's data dictionary. It is read-only after construction and
// outlives every model bound against it.
type Dictionary struct {
	types map[string]*Type
	order []string
}

// NewDictionary returns an empty dictionary.
func NewDictionary() *Dictionary {
	return &Dictionary{types: make(map[string]*Type)}
}

// Define registers a field. Names must be unique.
func (d *Dictionary) Define(name string, t *Type) error {
	if _, ok := d.types[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateField, name)
	}
	d.types[name] = t
	d.order = append(d.order, name)
	return nil
}

// Lookup returns the type of a field, if declared.
func (d *Dictionary) Lookup(name string) (*Type, bool) {
	t, ok := d.types[name]
	return t, ok
}

// Names returns the field names in declaration order.
func (d *Dictionary) Names() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// Len returns the number of declared fields.
func (d *Dictionary) Len() int { return len(d.order) }
