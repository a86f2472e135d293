package pmml

import (
	"encoding/xml"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/scoreflow-io/scoreflow/internal/producer"
	"github.com/scoreflow-io/scoreflow/internal/schema"
	"github.com/scoreflow-io/scoreflow/internal/value"
)

// WriteDocument re-emits a model document with freshly produced bodies.
// bodies maps a model's position in the document to its produced tree or
// rule set; models without an entry are written with their original raw
// body omitted (the producer replaces it on the next checkpoint anyway).
func WriteDocument(w io.Writer, doc *Document, bodies map[int]*producer.Emitted) error {
	sw := &xmlWriter{w: w}
	sw.openf(`PMML`, `version=%q xmlns="http://www.dmg.org/PMML-4_1"`, doc.Version)

	sw.openf("Header", "copyright=%q", doc.Header.Copyright)
	if doc.Header.Application != "" {
		sw.selff("Application", "name=%q", doc.Header.Application)
	}
	sw.close("Header")

	writeDataDictionary(sw, doc.Dictionary)

	for i, m := range doc.Models {
		writeModel(sw, m, bodies[i])
	}

	sw.close("PMML")
	return sw.err
}

func writeDataDictionary(sw *xmlWriter, dict *value.Dictionary) {
	names := dict.Names()
	sw.openf("DataDictionary", "numberOfFields=%q", strconv.Itoa(len(names)))
	for _, name := range names {
		t, _ := dict.Lookup(name)
		attrs := fmt.Sprintf("name=%q optype=%q dataType=%q", name, t.Optype.String(), t.DataType.String())
		if t.Cyclic {
			attrs += ` isCyclic="1"`
		}
		if len(t.Values) == 0 && len(t.Intervals) == 0 {
			sw.selff("DataField", "%s", attrs)
			continue
		}
		sw.openf("DataField", "%s", attrs)
		for _, iv := range t.Intervals {
			ivAttrs := fmt.Sprintf("closure=%q", closureName(iv.Closure))
			if iv.Left != nil {
				ivAttrs += fmt.Sprintf(" leftMargin=%q", formatFloat(*iv.Left))
			}
			if iv.Right != nil {
				ivAttrs += fmt.Sprintf(" rightMargin=%q", formatFloat(*iv.Right))
			}
			sw.selff("Interval", "%s", ivAttrs)
		}
		for _, v := range t.Values {
			sw.selff("Value", "value=%q", v)
		}
		sw.close("DataField")
	}
	sw.close("DataDictionary")
}

func closureName(c value.Closure) string {
	switch c {
	case value.OpenOpen:
		return "openOpen"
	case value.OpenClosed:
		return "openClosed"
	case value.ClosedOpen:
		return "closedOpen"
	default:
		return "closedClosed"
	}
}

func writeModel(sw *xmlWriter, m *ModelDoc, body *producer.Emitted) {
	attrs := fmt.Sprintf("functionName=%q", m.FunctionName)
	if m.Name != "" {
		attrs = fmt.Sprintf("modelName=%q ", m.Name) + attrs
	}
	sw.openf(m.Kind.String(), "%s", attrs)

	sw.open("MiningSchema")
	for _, mf := range m.MiningFields {
		fieldAttrs := fmt.Sprintf("name=%q", mf.Name)
		if mf.Usage != schema.Active {
			fieldAttrs += fmt.Sprintf(" usageType=%q", mf.Usage.String())
		}
		sw.selff("MiningField", "%s", fieldAttrs)
	}
	sw.close("MiningSchema")

	if body != nil {
		switch m.Kind {
		case TreeModelKind:
			writeNode(sw, body)
		case RuleSetModelKind:
			sw.openf("RuleSet", `defaultScore=%q`, "")
			sw.selff("RuleSelectionMethod", `criterion=%q`, "firstHit")
			writeRule(sw, body)
			sw.close("RuleSet")
		}
	}

	sw.close(m.Kind.String())
}

func writeNode(sw *xmlWriter, e *producer.Emitted) {
	attrs := fmt.Sprintf("score=%q id=%q", e.Score.Format(), e.ID)
	if e.RecordCount > 0 {
		attrs += fmt.Sprintf(" recordCount=%q", formatFloat(e.RecordCount))
	}
	sw.openf("Node", "%s", attrs)
	writeTest(sw, e.Test)
	for _, sc := range e.Distribution {
		sdAttrs := fmt.Sprintf("value=%q recordCount=%q", sc.Value, formatFloat(sc.RecordCount))
		if !math.IsNaN(sc.Probability) {
			sdAttrs += fmt.Sprintf(" probability=%q", formatFloat(sc.Probability))
		}
		sw.selff("ScoreDistribution", "%s", sdAttrs)
	}
	for _, child := range e.Children {
		writeNode(sw, child)
	}
	sw.close("Node")
}

func writeRule(sw *xmlWriter, e *producer.Emitted) {
	if len(e.Children) == 0 {
		sw.openf("SimpleRule", "score=%q id=%q", e.Score.Format(), e.ID)
		writeTest(sw, e.Test)
		sw.close("SimpleRule")
		return
	}
	sw.open("CompoundRule")
	writeTest(sw, e.Test)
	for _, child := range e.Children {
		writeRule(sw, child)
	}
	sw.close("CompoundRule")
}

func writeTest(sw *xmlWriter, t *producer.SplitTest) {
	if t == nil {
		sw.self("True")
		return
	}
	switch t.Op {
	case "isIn", "isNotIn":
		sw.openf("SimpleSetPredicate", "field=%q booleanOperator=%q", t.Field, t.Op)
		entries := make([]string, len(t.Members))
		arrayType := "string"
		for i, m := range t.Members {
			entries[i] = m.Format()
			switch m.Kind() {
			case value.KindInt:
				arrayType = "int"
			case value.KindFloat:
				arrayType = "real"
			}
		}
		sw.textf("Array", fmt.Sprintf("type=%q n=%q", arrayType, strconv.Itoa(len(entries))),
			FormatArray(Array{Type: arrayType, Values: entries}))
		sw.close("SimpleSetPredicate")
	default:
		sw.selff("SimplePredicate", "field=%q operator=%q value=%q", t.Field, t.Op, t.Value.Format())
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// xmlWriter emits indented XML, remembering the first write error.
type xmlWriter struct {
	w     io.Writer
	depth int
	err   error
}

func (sw *xmlWriter) writef(format string, args ...any) {
	if sw.err != nil {
		return
	}
	_, sw.err = fmt.Fprintf(sw.w, strings.Repeat("  ", sw.depth)+format+"\n", args...)
}

func (sw *xmlWriter) open(name string) {
	sw.writef("<%s>", name)
	sw.depth++
}

func (sw *xmlWriter) openf(name, attrFormat string, args ...any) {
	sw.writef("<%s %s>", name, fmt.Sprintf(attrFormat, args...))
	sw.depth++
}

func (sw *xmlWriter) close(name string) {
	sw.depth--
	sw.writef("</%s>", name)
}

func (sw *xmlWriter) self(name string) {
	sw.writef("<%s/>", name)
}

func (sw *xmlWriter) selff(name, attrFormat string, args ...any) {
	sw.writef("<%s %s/>", name, fmt.Sprintf(attrFormat, args...))
}

func (sw *xmlWriter) textf(name, attrs, text string) {
	var escaped strings.Builder
	_ = xml.EscapeText(&escaped, []byte(text))
	sw.writef("<%s %s>%s</%s>", name, attrs, escaped.String(), name)
}
