package pmml

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/scoreflow-io/scoreflow/internal/value"
)

// Array is the whitespace-separated list element. Entries of string
// arrays may be double-quoted to carry embedded spaces.
type Array struct {
	Type   string // int, real, string
	Values []string
}

// parseArray reads an Array element: the type attribute selects the entry
// parser, the optional n attribute must match the entry count.
func parseArray(e *element) (Array, error) {
	arrayType := e.attr("type", "")
	switch arrayType {
	case "int", "real", "string":
	default:
		return Array{}, e.errf("array type %q", arrayType)
	}

	entries, err := splitArrayText(e.text)
	if err != nil {
		return Array{}, e.errf("%v", err)
	}

	for _, entry := range entries {
		switch arrayType {
		case "int":
			if _, err := strconv.ParseInt(entry, 10, 64); err != nil {
				return Array{}, e.errf("bad int entry %q", entry)
			}
		case "real":
			if _, err := strconv.ParseFloat(entry, 64); err != nil {
				return Array{}, e.errf("bad real entry %q", entry)
			}
		}
	}

	if n := e.attr("n", ""); n != "" {
		want, err := strconv.Atoi(n)
		if err != nil || want != len(entries) {
			return Array{}, e.errf("n=%q does not match %d entries", n, len(entries))
		}
	}

	return Array{Type: arrayType, Values: entries}, nil
}

// splitArrayText tokenizes whitespace-separated entries, honoring
// double-quoted strings with backslash escapes.
func splitArrayText(text string) ([]string, error) {
	var out []string
	i := 0
	for i < len(text) {
		switch text[i] {
		case ' ', '\t', '\n', '\r':
			i++
		case '"':
			var sb strings.Builder
			j := i + 1
			for j < len(text) && text[j] != '"' {
				if text[j] == '\\' && j+1 < len(text) {
					j++
				}
				sb.WriteByte(text[j])
				j++
			}
			if j >= len(text) {
				return nil, fmt.Errorf("unterminated quoted entry")
			}
			out = append(out, sb.String())
			i = j + 1
		default:
			j := i
			for j < len(text) && !isSpace(text[j]) {
				j++
			}
			out = append(out, text[i:j])
			i = j
		}
	}
	return out, nil
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// FormatArray renders entries back to the document form; string entries
// containing whitespace or quotes are quoted.
func FormatArray(a Array) string {
	parts := make([]string, len(a.Values))
	for i, v := range a.Values {
		if a.Type == "string" && (strings.ContainsAny(v, " \t\n\r\"") || v == "") {
			parts[i] = `"` + strings.ReplaceAll(strings.ReplaceAll(v, `\`, `\\`), `"`, `\"`) + `"`
		} else {
			parts[i] = v
		}
	}
	return strings.Join(parts, " ")
}

// typedValues converts array entries into typed values.
func (a Array) typedValues() []value.Value {
	out := make([]value.Value, 0, len(a.Values))
	for _, s := range a.Values {
		switch a.Type {
		case "int":
			i, _ := strconv.ParseInt(s, 10, 64)
			out = append(out, value.Int(i))
		case "real":
			f, _ := strconv.ParseFloat(s, 64)
			out = append(out, value.Float(f))
		default:
			out = append(out, value.String(s))
		}
	}
	return out
}
