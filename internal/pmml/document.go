package pmml

import (
	"fmt"
	"io"
	"strconv"

	"github.com/scoreflow-io/scoreflow/internal/schema"
	"github.com/scoreflow-io/scoreflow/internal/value"
)

// ModelKind identifies the model body element.
type ModelKind uint8

const (
	// TreeModelKind is a decision tree body.
	TreeModelKind ModelKind = iota
	// RuleSetModelKind is a rule set body.
	RuleSetModelKind
)

// String returns the document element name of the kind.
func (k ModelKind) String() string {
	if k == RuleSetModelKind {
		return "RuleSetModel"
	}
	return "TreeModel"
}

type (
	// Header carries the document header metadata.
	Header struct {
		Copyright   string
		Description string
		Application string
	}

	// Document is the parsed model document: the global dictionaries plus
	// the model bodies, structurally checked but not yet bound.
	Document struct {
		Version    string
		Header     Header
		Dictionary *value.Dictionary
		Models     []*ModelDoc

		// raw transformation dictionary content, bound later
		derived   []*element
		functions []*element
	}

	// ModelDoc is one parsed model body. The predicate, expression, node
	// and rule elements stay in raw form here; Bind compiles them.
	ModelDoc struct {
		Kind         ModelKind
		Name         string
		FunctionName string
		IsScorable   bool

		MiningFields []schema.MiningField

		// tree attributes
		MissingValueStrategy string
		MissingValuePenalty  float64
		NoTrueChildStrategy  string

		root    *element // Node for trees, RuleSet for rule sets
		local   []*element
		output  []*element
		element *element
	}
)

// Parse reads and structurally validates a model document. The
// implementation targets one major version of the markup and rejects
// others.
func Parse(r io.Reader) (*Document, error) {
	root, err := parseTree(r)
	if err != nil {
		return nil, err
	}
	if root.name != "PMML" {
		return nil, root.errf("expected PMML document root")
	}

	version := root.attr("version", "")
	if len(version) < 2 || version[:2] != "4." {
		return nil, fmt.Errorf("%w: %q (this engine targets 4.x)", ErrUnsupportedVersion, version)
	}

	doc := &Document{Version: version, Dictionary: value.NewDictionary()}

	if h := root.child("Header"); h != nil {
		doc.Header.Copyright = h.attr("copyright", "")
		doc.Header.Description = h.attr("description", "")
		if app := h.child("Application"); app != nil {
			doc.Header.Application = app.attr("name", "")
		}
	} else {
		return nil, root.errf("missing Header")
	}

	dd := root.child("DataDictionary")
	if dd == nil {
		return nil, root.errf("missing DataDictionary")
	}
	if err := parseDataDictionary(dd, doc.Dictionary); err != nil {
		return nil, err
	}

	if td := root.child("TransformationDictionary"); td != nil {
		doc.derived = td.each("DerivedField")
		doc.functions = td.each("DefineFunction")
	}

	for _, child := range root.children {
		switch child.name {
		case "TreeModel":
			m, err := parseModel(child, TreeModelKind)
			if err != nil {
				return nil, err
			}
			doc.Models = append(doc.Models, m)
		case "RuleSetModel":
			m, err := parseModel(child, RuleSetModelKind)
			if err != nil {
				return nil, err
			}
			doc.Models = append(doc.Models, m)
		}
	}

	return doc, nil
}

func parseDataDictionary(dd *element, dict *value.Dictionary) error {
	for _, df := range dd.each("DataField") {
		name := df.attr("name", "")
		if name == "" {
			return df.errf("DataField without name")
		}

		optype, err := value.ParseOptype(df.attr("optype", ""))
		if err != nil {
			return df.errf("%v", err)
		}
		dataType, err := value.ParseDataType(df.attr("dataType", ""))
		if err != nil {
			return df.errf("%v", err)
		}

		var intervals []value.Interval
		for _, iv := range df.each("Interval") {
			parsed, err := parseInterval(iv)
			if err != nil {
				return err
			}
			intervals = append(intervals, parsed)
		}

		var values []string
		for _, v := range df.each("Value") {
			values = append(values, v.attr("value", ""))
		}

		cyclic := df.attr("isCyclic", "0") == "1"

		t, err := value.NewType(optype, dataType, intervals, values, cyclic)
		if err != nil {
			return df.errf("%v", err)
		}
		if err := dict.Define(name, t); err != nil {
			return df.errf("%v", err)
		}
	}
	return nil
}

func parseInterval(iv *element) (value.Interval, error) {
	closure, err := value.ParseClosure(iv.attr("closure", ""))
	if err != nil {
		return value.Interval{}, iv.errf("%v", err)
	}
	out := value.Interval{Closure: closure}

	if s := iv.attr("leftMargin", ""); s != "" {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return value.Interval{}, iv.errf("leftMargin %q", s)
		}
		out.Left = &f
	}
	if s := iv.attr("rightMargin", ""); s != "" {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return value.Interval{}, iv.errf("rightMargin %q", s)
		}
		out.Right = &f
	}
	return out, nil
}

func parseModel(e *element, kind ModelKind) (*ModelDoc, error) {
	m := &ModelDoc{
		Kind:         kind,
		Name:         e.attr("modelName", ""),
		FunctionName: e.attr("functionName", ""),
		IsScorable:   e.attr("isScorable", "true") != "false",
		element:      e,
	}

	switch m.FunctionName {
	case "classification", "regression":
	case "associationRules", "sequences", "clustering", "timeSeries", "mixed":
		// structurally accepted; bind rejects what this engine cannot score
	default:
		return nil, e.errf("functionName %q", m.FunctionName)
	}

	ms := e.child("MiningSchema")
	if ms == nil {
		return nil, e.errf("missing MiningSchema")
	}
	for _, mf := range ms.each("MiningField") {
		field, err := parseMiningField(mf)
		if err != nil {
			return nil, err
		}
		m.MiningFields = append(m.MiningFields, field)
	}

	if lt := e.child("LocalTransformations"); lt != nil {
		m.local = lt.each("DerivedField")
	}
	if out := e.child("Output"); out != nil {
		m.output = out.each("OutputField")
	}

	switch kind {
	case TreeModelKind:
		m.MissingValueStrategy = e.attr("missingValueStrategy", "none")
		m.NoTrueChildStrategy = e.attr("noTrueChildStrategy", "returnNullPrediction")
		if s := e.attr("missingValuePenalty", ""); s != "" {
			penalty, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, e.errf("missingValuePenalty %q", s)
			}
			m.MissingValuePenalty = penalty
		}
		m.root = e.child("Node")
	case RuleSetModelKind:
		m.root = e.child("RuleSet")
		if m.root == nil {
			return nil, e.errf("missing RuleSet")
		}
	}

	return m, nil
}

func parseMiningField(mf *element) (schema.MiningField, error) {
	name := mf.attr("name", "")
	if name == "" {
		return schema.MiningField{}, mf.errf("MiningField without name")
	}

	usage, err := schema.ParseUsageType(mf.attr("usageType", ""))
	if err != nil {
		return schema.MiningField{}, mf.errf("%v", err)
	}
	invalid, err := schema.ParseInvalidTreatment(mf.attr("invalidValueTreatment", ""))
	if err != nil {
		return schema.MiningField{}, mf.errf("%v", err)
	}
	outliers, err := schema.ParseOutlierTreatment(mf.attr("outliers", ""))
	if err != nil {
		return schema.MiningField{}, mf.errf("%v", err)
	}

	field := schema.MiningField{
		Name:               name,
		Usage:              usage,
		InvalidTreatment:   invalid,
		Outliers:           outliers,
		MissingReplacement: mf.optAttr("missingValueReplacement"),
	}

	if s := mf.attr("lowValue", ""); s != "" {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return schema.MiningField{}, mf.errf("lowValue %q", s)
		}
		field.LowValue = &f
	}
	if s := mf.attr("highValue", ""); s != "" {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return schema.MiningField{}, mf.errf("highValue %q", s)
		}
		field.HighValue = &f
	}

	return field, nil
}
