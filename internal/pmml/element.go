// Package pmml provides the model document: parsing the XML into a typed
// tree, validating it, and binding it into ready-to-evaluate plans. The
// bind pass does all schema work up front; evaluation afterwards is pure
// reads over compiled closures.
package pmml

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Sentinel errors for document parsing and validation.
var (
	// ErrSchemaValidation indicates the document violates the expected
	// structure or cross-element constraints. Fatal.
	ErrSchemaValidation = errors.New("model document validation failed")

	// ErrUnsupportedVersion indicates a document targeting another major
	// version of the markup.
	ErrUnsupportedVersion = errors.New("unsupported document version")
)

// element is one parsed XML element with enough position information to
// report useful validation errors.
type element struct {
	name     string
	attrs    map[string]string
	children []*element
	text     string
	line     int
}

// attr returns an attribute value, or the fallback when absent.
func (e *element) attr(name, fallback string) string {
	if v, ok := e.attrs[name]; ok {
		return v
	}
	return fallback
}

// has reports whether the attribute is present at all.
func (e *element) has(name string) bool {
	_, ok := e.attrs[name]
	return ok
}

// optAttr returns a pointer to the attribute value when present.
func (e *element) optAttr(name string) *string {
	if v, ok := e.attrs[name]; ok {
		return &v
	}
	return nil
}

// child returns the first child with the given name.
func (e *element) child(name string) *element {
	for _, c := range e.children {
		if c.name == name {
			return c
		}
	}
	return nil
}

// each returns every child with the given name, in document order.
func (e *element) each(name string) []*element {
	var out []*element
	for _, c := range e.children {
		if c.name == name {
			out = append(out, c)
		}
	}
	return out
}

// errf builds a validation error carrying the element name and line.
func (e *element) errf(format string, args ...any) error {
	return fmt.Errorf("%w: <%s> line %d: %s", ErrSchemaValidation, e.name, e.line, fmt.Sprintf(format, args...))
}

// parseTree reads a whole XML document into the generic element tree,
// recording the line of each start element.
func parseTree(r io.Reader) (*element, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	lines := newLineIndex(raw)
	decoder := xml.NewDecoder(bytes.NewReader(raw))

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			return nil, fmt.Errorf("%w: empty document", ErrSchemaValidation)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSchemaValidation, err)
		}
		if start, ok := tok.(xml.StartElement); ok {
			return decodeElement(decoder, start, lines)
		}
	}
}

func decodeElement(decoder *xml.Decoder, start xml.StartElement, lines lineIndex) (*element, error) {
	e := &element{
		name:  start.Name.Local,
		attrs: make(map[string]string, len(start.Attr)),
		line:  lines.at(decoder.InputOffset()),
	}
	for _, a := range start.Attr {
		e.attrs[a.Name.Local] = a.Value
	}

	var text strings.Builder
	for {
		tok, err := decoder.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSchemaValidation, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := decodeElement(decoder, t, lines)
			if err != nil {
				return nil, err
			}
			e.children = append(e.children, child)
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			e.text = text.String()
			return e, nil
		}
	}
}

// lineIndex maps byte offsets to 1-based line numbers.
type lineIndex []int64

func newLineIndex(raw []byte) lineIndex {
	var idx lineIndex
	for i, b := range raw {
		if b == '\n' {
			idx = append(idx, int64(i))
		}
	}
	return idx
}

func (idx lineIndex) at(offset int64) int {
	line := 1
	for _, nl := range idx {
		if nl >= offset {
			break
		}
		line++
	}
	return line
}
