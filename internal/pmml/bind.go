package pmml

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/scoreflow-io/scoreflow/internal/datactx"
	"github.com/scoreflow-io/scoreflow/internal/expr"
	"github.com/scoreflow-io/scoreflow/internal/predicate"
	"github.com/scoreflow-io/scoreflow/internal/schema"
	"github.com/scoreflow-io/scoreflow/internal/tree"
	"github.com/scoreflow-io/scoreflow/internal/value"
)

// ErrNotScorable indicates a model body this engine cannot evaluate.
var ErrNotScorable = errors.New("model body is not scorable by this engine")

type (
	// OutputField is one bound output declaration.
	OutputField struct {
		Name        string
		DisplayName string
		Feature     string
		Value       string // class key for per-class lookups
		Expr        expr.Func
		// Decisions maps transformed values through the Decision table.
		Decisions map[string]string
	}

	// BoundModel is a ready-to-evaluate plan for one model body. The
	// caller supplies the raw input provider when constructing the
	// per-event context.
	BoundModel struct {
		Doc *ModelDoc
		// Index is the model's position among the document's model
		// bodies, for body replacement at serialization time.
		Index int

		Schema     *schema.Schema
		Derived    map[string]datactx.Derived
		Tree       *tree.Tree
		Rules      *tree.RuleSet
		Output     []OutputField
		Reductions []*expr.Reduction

		Active      []string
		Predicted   []string
		ActiveTypes map[string]*value.Type
	}

	// Bound is the fully bound document.
	Bound struct {
		Doc    *Document
		Models []*BoundModel
	}
)

// NewContext builds a root data context for this model over a raw input
// provider.
func (m *BoundModel) NewContext(provider datactx.Provider) *datactx.Context {
	return datactx.New(provider, m.Schema.Treatments(), m.Derived)
}

// Bind compiles the parsed document into evaluation plans: treatments,
// derived-field closures, predicates, tree and rule-set bodies, output
// fields. All schema validation happens here; scoring afterwards does no
// schema work.
func Bind(doc *Document) (*Bound, error) {
	bound := &Bound{Doc: doc}

	userFuncs, err := bindFunctions(doc)
	if err != nil {
		return nil, err
	}

	for i, m := range doc.Models {
		if !m.IsScorable {
			continue
		}
		bm, err := bindModel(doc, m, userFuncs)
		if errors.Is(err, ErrNotScorable) {
			// model families outside this engine's scorable set are left
			// to external collaborators
			continue
		}
		if err != nil {
			return nil, err
		}
		bm.Index = i
		bound.Models = append(bound.Models, bm)
	}

	return bound, nil
}

func bindFunctions(doc *Document) (map[string]*expr.UserFunc, error) {
	funcs := make(map[string]*expr.UserFunc, len(doc.functions))
	for _, fe := range doc.functions {
		name := fe.attr("name", "")
		if name == "" {
			return nil, fe.errf("DefineFunction without name")
		}

		var params []string
		for _, pf := range fe.each("ParameterField") {
			params = append(params, pf.attr("name", ""))
		}

		bodyEl := firstExpression(fe)
		if bodyEl == nil {
			return nil, fe.errf("DefineFunction %q without body expression", name)
		}

		known := func(field string) bool {
			for _, p := range params {
				if p == field {
					return true
				}
			}
			_, ok := doc.Dictionary.Lookup(field)
			return ok
		}
		body, err := expressionFrom(bodyEl, known)
		if err != nil {
			return nil, err
		}
		funcs[name] = &expr.UserFunc{Params: params, Body: body}
	}
	return funcs, nil
}

func bindModel(doc *Document, m *ModelDoc, userFuncs map[string]*expr.UserFunc) (*BoundModel, error) {
	switch m.FunctionName {
	case "classification", "regression":
	default:
		return nil, fmt.Errorf("%w: functionName %q", ErrNotScorable, m.FunctionName)
	}

	boundSchema, err := schema.NewSchema(m.MiningFields, doc.Dictionary)
	if err != nil {
		return nil, m.element.errf("%v", err)
	}

	bm := &BoundModel{
		Doc:         m,
		Schema:      boundSchema,
		Derived:     make(map[string]datactx.Derived),
		Active:      boundSchema.ByUsage(schema.Active),
		Predicted:   boundSchema.ByUsage(schema.Predicted),
		ActiveTypes: make(map[string]*value.Type),
	}
	for _, name := range bm.Active {
		if t, ok := boundSchema.Type(name); ok {
			bm.ActiveTypes[name] = t
		}
	}

	// Field names in the mining schema and both transformation scopes
	// must be pairwise disjoint.
	derivedNames := make(map[string]*element)
	var derivedOrder []string
	for _, d := range append(append([]*element{}, doc.derived...), m.local...) {
		name := d.attr("name", "")
		if name == "" {
			return nil, d.errf("DerivedField without name")
		}
		if prev, dup := derivedNames[name]; dup {
			return nil, d.errf("derived field %q already defined at line %d", name, prev.line)
		}
		if _, clash := boundSchema.Field(name); clash {
			return nil, d.errf("derived field %q collides with a mining field", name)
		}
		derivedNames[name] = d
		derivedOrder = append(derivedOrder, name)
	}

	known := func(field string) bool {
		if _, ok := doc.Dictionary.Lookup(field); ok {
			return true
		}
		_, ok := derivedNames[field]
		return ok
	}
	typeOf := func(field string) *value.Type {
		t, ok := doc.Dictionary.Lookup(field)
		if !ok {
			return nil
		}
		return t
	}

	compiler := &expr.Compiler{TypeOf: typeOf, Funcs: userFuncs}

	for _, name := range derivedOrder {
		d := derivedNames[name]
		exprEl := firstExpression(d)
		if exprEl == nil {
			return nil, d.errf("DerivedField %q without expression", name)
		}
		node, err := expressionFrom(exprEl, known)
		if err != nil {
			return nil, err
		}
		compiled, err := compiler.Compile(node)
		if err != nil {
			return nil, d.errf("%v", err)
		}
		bm.Derived[name] = func(c *datactx.Context) value.Value { return compiled(c) }
	}

	switch m.Kind {
	case TreeModelKind:
		if m.root == nil {
			return nil, m.element.errf("missing root Node")
		}
		if err := bindTree(bm, m, typeOf); err != nil {
			return nil, err
		}
	case RuleSetModelKind:
		if err := bindRuleSet(bm, m, typeOf); err != nil {
			return nil, err
		}
	}

	if err := bindOutput(bm, m, compiler, known); err != nil {
		return nil, err
	}

	bm.Reductions = compiler.Reductions()
	return bm, nil
}

func bindTree(bm *BoundModel, m *ModelDoc, typeOf func(string) *value.Type) error {
	missing, err := tree.ParseMissingStrategy(m.MissingValueStrategy)
	if err != nil {
		return m.element.errf("%v", err)
	}
	noTrueChild, err := tree.ParseNoTrueChildStrategy(m.NoTrueChildStrategy)
	if err != nil {
		return m.element.errf("%v", err)
	}

	// The root node's predicate must be the constant True.
	if p := firstPredicate(m.root); p == nil || p.name != "True" {
		return m.root.errf("root Node predicate must be True")
	}

	root, err := nodeFrom(m.root, typeOf)
	if err != nil {
		return err
	}

	t := &tree.Tree{
		Root:                root,
		Missing:             missing,
		NoTrueChild:         noTrueChild,
		MissingValuePenalty: m.MissingValuePenalty,
	}
	if err := t.Bind(); err != nil {
		return m.root.errf("%v", err)
	}
	bm.Tree = t
	return nil
}

func nodeFrom(e *element, typeOf func(string) *value.Type) (*tree.Node, error) {
	pe := firstPredicate(e)
	if pe == nil {
		return nil, e.errf("Node without predicate")
	}
	p, err := predicateFrom(pe, typeOf)
	if err != nil {
		return nil, err
	}

	n := &tree.Node{
		ID:           e.attr("id", ""),
		Predicate:    p,
		DefaultChild: e.attr("defaultChild", ""),
	}
	if s := e.attr("score", ""); s != "" {
		n.Score = expr.Literal(s)
	} else {
		n.Score = value.Missing()
	}
	if s := e.attr("recordCount", ""); s != "" {
		rc, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, e.errf("recordCount %q", s)
		}
		n.RecordCount = rc
	}

	for _, sd := range e.each("ScoreDistribution") {
		entry := tree.ScoreCount{Value: sd.attr("value", ""), Probability: math.NaN()}
		if s := sd.attr("recordCount", ""); s != "" {
			rc, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, sd.errf("recordCount %q", s)
			}
			entry.RecordCount = rc
		}
		if s := sd.attr("probability", ""); s != "" {
			pr, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, sd.errf("probability %q", s)
			}
			entry.Probability = pr
		}
		n.Distribution = append(n.Distribution, entry)
	}

	for _, child := range e.each("Node") {
		cn, err := nodeFrom(child, typeOf)
		if err != nil {
			return nil, err
		}
		n.Children = append(n.Children, cn)
	}
	return n, nil
}

func bindRuleSet(bm *BoundModel, m *ModelDoc, typeOf func(string) *value.Type) error {
	rs := &tree.RuleSet{DefaultScore: value.Missing()}

	if s := m.root.attr("defaultScore", ""); s != "" {
		rs.DefaultScore = expr.Literal(s)
	}
	if s := m.root.attr("defaultConfidence", ""); s != "" {
		c, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return m.root.errf("defaultConfidence %q", s)
		}
		rs.DefaultConfidence = c
	}

	method := m.root.child("RuleSelectionMethod")
	if method == nil {
		return m.root.errf("missing RuleSelectionMethod")
	}
	criterion, err := tree.ParseSelectionCriterion(method.attr("criterion", ""))
	if err != nil {
		return method.errf("%v", err)
	}
	rs.Criterion = criterion

	for _, child := range m.root.children {
		switch child.name {
		case "SimpleRule", "CompoundRule":
			r, err := ruleFrom(child, typeOf)
			if err != nil {
				return err
			}
			rs.Rules = append(rs.Rules, r)
		}
	}

	bm.Rules = rs
	return nil
}

func ruleFrom(e *element, typeOf func(string) *value.Type) (tree.Rule, error) {
	pe := firstPredicate(e)
	if pe == nil {
		return nil, e.errf("rule without predicate")
	}
	p, err := predicateFrom(pe, typeOf)
	if err != nil {
		return nil, err
	}

	if e.name == "CompoundRule" {
		compound := &tree.CompoundRule{Predicate: p}
		for _, child := range e.children {
			switch child.name {
			case "SimpleRule", "CompoundRule":
				r, err := ruleFrom(child, typeOf)
				if err != nil {
					return nil, err
				}
				compound.Rules = append(compound.Rules, r)
			}
		}
		return compound, nil
	}

	rule := &tree.SimpleRule{
		ID:        e.attr("id", ""),
		Predicate: p,
		Score:     expr.Literal(e.attr("score", "")),
		Weight:    1,
	}
	if s := e.attr("weight", ""); s != "" {
		w, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, e.errf("weight %q", s)
		}
		rule.Weight = w
	}
	if s := e.attr("confidence", ""); s != "" {
		c, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, e.errf("confidence %q", s)
		}
		rule.Confidence = c
	}
	return rule, nil
}

func bindOutput(bm *BoundModel, m *ModelDoc, compiler *expr.Compiler, known func(string) bool) error {
	outputNames := make(map[string]bool, len(m.output))
	for _, oe := range m.output {
		outputNames[oe.attr("name", "")] = true
	}
	knownWithOutput := func(field string) bool {
		return known(field) || outputNames[field]
	}

	for _, oe := range m.output {
		of := OutputField{
			Name:        oe.attr("name", ""),
			DisplayName: oe.attr("displayName", ""),
			Feature:     oe.attr("feature", "predictedValue"),
			Value:       oe.attr("value", ""),
		}
		if of.Name == "" {
			return oe.errf("OutputField without name")
		}
		if of.DisplayName == "" {
			of.DisplayName = of.Name
		}

		if exprEl := firstExpression(oe); exprEl != nil {
			node, err := expressionFrom(exprEl, knownWithOutput)
			if err != nil {
				return err
			}
			compiled, err := compiler.Compile(node)
			if err != nil {
				return oe.errf("%v", err)
			}
			of.Expr = compiled
		}

		if decisions := oe.child("Decisions"); decisions != nil {
			of.Decisions = make(map[string]string)
			for _, d := range decisions.each("Decision") {
				of.Decisions[d.attr("value", "")] = d.attr("displayValue", d.attr("value", ""))
			}
		}

		bm.Output = append(bm.Output, of)
	}
	return nil
}

// expressionNames is the closed set of expression element names.
var expressionNames = map[string]bool{
	"Constant": true, "FieldRef": true, "NormContinuous": true,
	"NormDiscrete": true, "Discretize": true, "MapValues": true,
	"Aggregate": true, "Apply": true,
}

func firstExpression(e *element) *element {
	for _, c := range e.children {
		if expressionNames[c.name] {
			return c
		}
	}
	return nil
}

// predicateNames is the closed set of predicate element names.
var predicateNames = map[string]bool{
	"SimplePredicate": true, "CompoundPredicate": true,
	"SimpleSetPredicate": true, "True": true, "False": true,
}

func firstPredicate(e *element) *element {
	for _, c := range e.children {
		if predicateNames[c.name] {
			return c
		}
	}
	return nil
}

// expressionFrom converts a raw expression element into the evaluator's
// AST, checking that every FieldRef resolves to a known name.
func expressionFrom(e *element, known func(string) bool) (expr.Node, error) {
	switch e.name {
	case "Constant":
		return expr.Constant{Value: e.text, DataType: e.attr("dataType", "")}, nil

	case "FieldRef":
		field := e.attr("field", "")
		if !known(field) {
			return nil, e.errf("FieldRef to unknown field %q", field)
		}
		return expr.FieldRef{Field: field, MapMissingTo: e.optAttr("mapMissingTo")}, nil

	case "NormContinuous":
		mode, err := expr.ParseOutlierMode(e.attr("outliers", ""))
		if err != nil {
			return nil, e.errf("%v", err)
		}
		n := expr.NormContinuous{
			Field:        e.attr("field", ""),
			MapMissingTo: e.optAttr("mapMissingTo"),
			Outliers:     mode,
		}
		for _, ln := range e.each("LinearNorm") {
			orig, err1 := strconv.ParseFloat(ln.attr("orig", ""), 64)
			norm, err2 := strconv.ParseFloat(ln.attr("norm", ""), 64)
			if err1 != nil || err2 != nil {
				return nil, ln.errf("bad LinearNorm")
			}
			n.Knots = append(n.Knots, expr.LinearNorm{Orig: orig, Norm: norm})
		}
		return n, nil

	case "NormDiscrete":
		return expr.NormDiscrete{
			Field:        e.attr("field", ""),
			Value:        e.attr("value", ""),
			MapMissingTo: e.optAttr("mapMissingTo"),
		}, nil

	case "Discretize":
		n := expr.Discretize{
			Field:        e.attr("field", ""),
			MapMissingTo: e.optAttr("mapMissingTo"),
			DefaultValue: e.optAttr("defaultValue"),
			DataType:     e.attr("dataType", ""),
		}
		for _, bin := range e.each("DiscretizeBin") {
			iv := bin.child("Interval")
			if iv == nil {
				return nil, bin.errf("DiscretizeBin without Interval")
			}
			parsed, err := parseInterval(iv)
			if err != nil {
				return nil, err
			}
			n.Bins = append(n.Bins, expr.DiscretizeBin{Interval: parsed, BinValue: bin.attr("binValue", "")})
		}
		return n, nil

	case "MapValues":
		n := expr.MapValues{
			OutputColumn: e.attr("outputColumn", ""),
			MapMissingTo: e.optAttr("mapMissingTo"),
			DefaultValue: e.optAttr("defaultValue"),
			DataType:     e.attr("dataType", ""),
		}
		for _, pair := range e.each("FieldColumnPair") {
			field := pair.attr("field", "")
			if !known(field) {
				return nil, pair.errf("FieldColumnPair to unknown field %q", field)
			}
			n.FieldColumns = append(n.FieldColumns, [2]string{field, pair.attr("column", "")})
		}
		if table := e.child("InlineTable"); table != nil {
			for _, row := range table.each("row") {
				cells := make(map[string]string, len(row.children))
				for _, cell := range row.children {
					cells[cell.name] = cell.text
				}
				n.Rows = append(n.Rows, cells)
			}
		}
		return n, nil

	case "Aggregate":
		fn, err := expr.ParseAggFunc(e.attr("function", ""))
		if err != nil {
			return nil, e.errf("%v", err)
		}
		return expr.Aggregate{
			Field:      e.attr("field", ""),
			Function:   fn,
			GroupField: e.attr("groupField", ""),
			SQLWhere:   e.attr("sqlWhere", ""),
		}, nil

	case "Apply":
		policy, err := expr.ParseInvalidPolicy(e.attr("invalidValueTreatment", ""))
		if err != nil {
			return nil, e.errf("%v", err)
		}
		n := expr.Apply{
			Function:      e.attr("function", ""),
			MapMissingTo:  e.optAttr("mapMissingTo"),
			InvalidPolicy: policy,
		}
		for _, child := range e.children {
			if expressionNames[child.name] {
				arg, err := expressionFrom(child, known)
				if err != nil {
					return nil, err
				}
				n.Args = append(n.Args, arg)
			}
		}
		return n, nil

	default:
		return nil, e.errf("unknown expression element")
	}
}

// predicateFrom compiles a raw predicate element.
func predicateFrom(e *element, typeOf func(string) *value.Type) (predicate.Func, error) {
	switch e.name {
	case "True":
		return predicate.AlwaysTrue(), nil

	case "False":
		return predicate.AlwaysFalse(), nil

	case "SimplePredicate":
		op, err := predicate.ParseSimpleOp(e.attr("operator", ""))
		if err != nil {
			return nil, e.errf("%v", err)
		}
		field := e.attr("field", "")
		p, err := predicate.Simple(field, op, e.attr("value", ""), typeOf(field))
		if err != nil {
			return nil, e.errf("%v", err)
		}
		return p, nil

	case "CompoundPredicate":
		op, err := predicate.ParseCompoundOp(e.attr("booleanOperator", ""))
		if err != nil {
			return nil, e.errf("%v", err)
		}
		var children []predicate.Func
		for _, child := range e.children {
			if predicateNames[child.name] {
				cp, err := predicateFrom(child, typeOf)
				if err != nil {
					return nil, err
				}
				children = append(children, cp)
			}
		}
		p, err := predicate.Compound(op, children)
		if err != nil {
			return nil, e.errf("%v", err)
		}
		return p, nil

	case "SimpleSetPredicate":
		op := e.attr("booleanOperator", "")
		if op != "isIn" && op != "isNotIn" {
			return nil, e.errf("booleanOperator %q", op)
		}
		arrayEl := e.child("Array")
		if arrayEl == nil {
			return nil, e.errf("SimpleSetPredicate without Array")
		}
		array, err := parseArray(arrayEl)
		if err != nil {
			return nil, err
		}
		return predicate.SimpleSet(e.attr("field", ""), op == "isIn", array.typedValues()), nil

	default:
		return nil, e.errf("unknown predicate element")
	}
}
