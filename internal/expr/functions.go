package expr

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/scoreflow-io/scoreflow/internal/value"
)

// InvalidPolicy selects how Apply treats an INVALID argument.
type InvalidPolicy uint8

const (
	// InvalidPropagate surfaces INVALID to the caller (returnInvalid and
	// asIs both propagate; they differ only at treatment boundaries).
	InvalidPropagate InvalidPolicy = iota
	// InvalidToMissing substitutes mapMissingTo (or MISSING).
	InvalidToMissing
)

// ParseInvalidPolicy maps the invalidValueTreatment attribute of an Apply.
func ParseInvalidPolicy(s string) (InvalidPolicy, error) {
	switch s {
	case "", "returnInvalid", "asIs":
		return InvalidPropagate, nil
	case "asMissing":
		return InvalidToMissing, nil
	default:
		return 0, fmt.Errorf("%w: invalidValueTreatment %q", ErrBadExpression, s)
	}
}

// Apply invokes a built-in or user-defined function over argument
// expressions, evaluated in order.
type Apply struct {
	Function      string
	Args          []Node
	MapMissingTo  *string
	InvalidPolicy InvalidPolicy
}

func (n Apply) compile(c *Compiler) (Func, error) {
	args := make([]Func, len(n.Args))
	for i, arg := range n.Args {
		compiled, err := c.Compile(arg)
		if err != nil {
			return nil, err
		}
		args[i] = compiled
	}

	mapMissing, err := compileMapMissing(n.MapMissingTo, nil)
	if err != nil {
		return nil, err
	}
	onMissing := func() value.Value {
		if mapMissing != nil {
			return *mapMissing
		}
		return value.Missing()
	}

	if user, ok := c.Funcs[n.Function]; ok {
		return compileUserCall(c, user, n.Function, args, onMissing, n.InvalidPolicy)
	}

	b, ok := builtins[n.Function]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFunction, n.Function)
	}
	if len(args) < b.minArgs || (b.maxArgs >= 0 && len(args) > b.maxArgs) {
		return nil, fmt.Errorf("%w: %q takes %d..%d, got %d", ErrArity, n.Function, b.minArgs, b.maxArgs, len(args))
	}

	fn := b.fn
	policy := n.InvalidPolicy
	if b.missingAllowed {
		return func(env Env) value.Value {
			vals := make([]value.Value, len(args))
			for i, arg := range args {
				vals[i] = arg(env)
			}
			return fn(vals)
		}, nil
	}

	return func(env Env) value.Value {
		vals := make([]value.Value, len(args))
		for i, arg := range args {
			v := arg(env)
			if v.IsMissing() {
				return onMissing()
			}
			if v.IsInvalid() {
				if policy == InvalidToMissing {
					return onMissing()
				}
				return value.Invalid()
			}
			vals[i] = v
		}
		return fn(vals)
	}, nil
}

// compileUserCall binds a user-defined function invocation: arguments are
// evaluated in order, bound to the parameter names through an override
// frame (uncached), and the body is evaluated under that frame.
func compileUserCall(c *Compiler, user *UserFunc, name string, args []Func, onMissing func() value.Value, policy InvalidPolicy) (Func, error) {
	if len(args) != len(user.Params) {
		return nil, fmt.Errorf("%w: %q takes %d, got %d", ErrArity, name, len(user.Params), len(args))
	}

	body, err := c.Compile(user.Body)
	if err != nil {
		return nil, fmt.Errorf("defineFunction %q: %w", name, err)
	}

	params := append([]string(nil), user.Params...)
	return func(env Env) value.Value {
		bound := make(map[string]value.Value, len(params))
		for i, arg := range args {
			v := arg(env)
			if v.IsMissing() {
				return onMissing()
			}
			if v.IsInvalid() {
				if policy == InvalidToMissing {
					return onMissing()
				}
				return value.Invalid()
			}
			bound[params[i]] = v
		}

		env.PushOverride(bound, false)
		out := body(env)
		env.PopOverride()
		return out
	}, nil
}

type builtin struct {
	fn             func(args []value.Value) value.Value
	minArgs        int
	maxArgs        int // -1 = variadic
	missingAllowed bool
}

// builtins is the built-in function table. Arithmetic follows the integer
// rule: when both operands are integers, "/" is integer division;
// otherwise IEEE-754. NaN/Inf results collapse to INVALID.
var builtins = map[string]builtin{
	"+": {fn: arith(func(a, b float64) float64 { return a + b }, func(a, b int64) (int64, bool) { return a + b, true }), minArgs: 2, maxArgs: 2},
	"-": {fn: arith(func(a, b float64) float64 { return a - b }, func(a, b int64) (int64, bool) { return a - b, true }), minArgs: 2, maxArgs: 2},
	"*": {fn: arith(func(a, b float64) float64 { return a * b }, func(a, b int64) (int64, bool) { return a * b, true }), minArgs: 2, maxArgs: 2},
	"/": {fn: divide, minArgs: 2, maxArgs: 2},

	"and": {fn: kleeneAnd, minArgs: 2, maxArgs: -1, missingAllowed: true},
	"or":  {fn: kleeneOr, minArgs: 2, maxArgs: -1, missingAllowed: true},
	"not": {fn: kleeneNot, minArgs: 1, maxArgs: 1, missingAllowed: true},

	"equal":          {fn: compareFn(func(c int) bool { return c == 0 }, true), minArgs: 2, maxArgs: 2},
	"notEqual":       {fn: compareFn(func(c int) bool { return c != 0 }, true), minArgs: 2, maxArgs: 2},
	"lessThan":       {fn: compareFn(func(c int) bool { return c < 0 }, false), minArgs: 2, maxArgs: 2},
	"lessOrEqual":    {fn: compareFn(func(c int) bool { return c <= 0 }, false), minArgs: 2, maxArgs: 2},
	"greaterThan":    {fn: compareFn(func(c int) bool { return c > 0 }, false), minArgs: 2, maxArgs: 2},
	"greaterOrEqual": {fn: compareFn(func(c int) bool { return c >= 0 }, false), minArgs: 2, maxArgs: 2},

	"log10":     {fn: unary(math.Log10), minArgs: 1, maxArgs: 1},
	"ln":        {fn: unary(math.Log), minArgs: 1, maxArgs: 1},
	"sqrt":      {fn: unary(math.Sqrt), minArgs: 1, maxArgs: 1},
	"abs":       {fn: unary(math.Abs), minArgs: 1, maxArgs: 1},
	"exp":       {fn: unary(math.Exp), minArgs: 1, maxArgs: 1},
	"floor":     {fn: unary(math.Floor), minArgs: 1, maxArgs: 1},
	"ceil":      {fn: unary(math.Ceil), minArgs: 1, maxArgs: 1},
	"round":     {fn: unary(math.Round), minArgs: 1, maxArgs: 1},
	"pow":       {fn: binaryFloat(math.Pow), minArgs: 2, maxArgs: 2},
	"threshold": {fn: binaryFloat(func(x, y float64) float64 { return boolTo01(x > y) }), minArgs: 2, maxArgs: 2},

	"isMissing":    {fn: func(a []value.Value) value.Value { return value.Bool(a[0].IsMissing()) }, minArgs: 1, maxArgs: 1, missingAllowed: true},
	"isNotMissing": {fn: func(a []value.Value) value.Value { return value.Bool(!a[0].IsMissing()) }, minArgs: 1, maxArgs: 1, missingAllowed: true},

	"min": {fn: reduce(math.Min), minArgs: 1, maxArgs: -1},
	"max": {fn: reduce(math.Max), minArgs: 1, maxArgs: -1},
	"sum": {fn: reduce(func(a, b float64) float64 { return a + b }), minArgs: 1, maxArgs: -1},
	"avg": {fn: average, minArgs: 1, maxArgs: -1},

	"isIn":    {fn: setMember(true), minArgs: 2, maxArgs: -1},
	"isNotIn": {fn: setMember(false), minArgs: 2, maxArgs: -1},

	"lowercase":  {fn: stringFn(strings.ToLower), minArgs: 1, maxArgs: 1},
	"uppercase":  {fn: stringFn(strings.ToUpper), minArgs: 1, maxArgs: 1},
	"trimBlanks": {fn: stringFn(strings.TrimSpace), minArgs: 1, maxArgs: 1},
	"substring":  {fn: substring, minArgs: 3, maxArgs: 3},

	"formatNumber":   {fn: formatNumber, minArgs: 2, maxArgs: 2},
	"formatDatetime": {fn: formatDatetime, minArgs: 2, maxArgs: 2},

	"dateDaysSinceYear":       {fn: dateSince(value.DaysSinceYear), minArgs: 2, maxArgs: 2},
	"dateSecondsSinceYear":    {fn: dateSince(value.SecondsSinceYear), minArgs: 2, maxArgs: 2},
	"dateSecondsSinceMidnight": {fn: secondsSinceMidnight, minArgs: 1, maxArgs: 1},

	"if": {fn: ifThenElse, minArgs: 2, maxArgs: 3, missingAllowed: true},
}

func boolTo01(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func arith(ff func(a, b float64) float64, fi func(a, b int64) (int64, bool)) func([]value.Value) value.Value {
	return func(args []value.Value) value.Value {
		a, b := args[0], args[1]
		if a.Kind() == value.KindInt && b.Kind() == value.KindInt {
			if out, ok := fi(a.Int64(), b.Int64()); ok {
				return value.Int(out)
			}
			return value.Invalid()
		}
		x, okA := number(a)
		y, okB := number(b)
		if !okA || !okB {
			return value.Invalid()
		}
		return finite(ff(x, y))
	}
}

func divide(args []value.Value) value.Value {
	a, b := args[0], args[1]
	if a.Kind() == value.KindInt && b.Kind() == value.KindInt {
		if b.Int64() == 0 {
			return value.Invalid()
		}
		return value.Int(a.Int64() / b.Int64())
	}
	x, okA := number(a)
	y, okB := number(b)
	if !okA || !okB || y == 0 {
		return value.Invalid()
	}
	return finite(x / y)
}

func unary(f func(float64) float64) func([]value.Value) value.Value {
	return func(args []value.Value) value.Value {
		x, ok := number(args[0])
		if !ok {
			return value.Invalid()
		}
		return finite(f(x))
	}
}

func binaryFloat(f func(a, b float64) float64) func([]value.Value) value.Value {
	return func(args []value.Value) value.Value {
		x, okA := number(args[0])
		y, okB := number(args[1])
		if !okA || !okB {
			return value.Invalid()
		}
		return finite(f(x, y))
	}
}

// compareFn builds a comparison. Equality compares any matching kinds
// (string equality ignores trailing whitespace); ordering requires
// numbers, strings, or ordinals.
func compareFn(accept func(int) bool, equality bool) func([]value.Value) value.Value {
	return func(args []value.Value) value.Value {
		a, b := args[0], args[1]
		if equality {
			if a.Equal(b) {
				return value.Bool(accept(0))
			}
			return value.Bool(accept(1))
		}
		cmp, ok := order(a, b)
		if !ok {
			return value.Invalid()
		}
		return value.Bool(accept(cmp))
	}
}

func order(a, b value.Value) (int, bool) {
	switch {
	case a.IsNumeric() && b.IsNumeric():
		x, y := a.Float64(), b.Float64()
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		default:
			return 0, true
		}
	case a.Kind() == value.KindOrdinal && b.Kind() == value.KindOrdinal:
		return int(int64(a.OrdinalIndex()) - int64(b.OrdinalIndex())), true
	case (a.Kind() == value.KindString || a.Kind() == value.KindOrdinal) &&
		(b.Kind() == value.KindString || b.Kind() == value.KindOrdinal):
		return strings.Compare(a.Str(), b.Str()), true
	default:
		return 0, false
	}
}

// Kleene three-valued logic: MISSING (and any other sentinel) acts as
// "unknown", and an undecided result surfaces as MISSING.
func kleeneAnd(args []value.Value) value.Value {
	sawUnknown := false
	for _, v := range args {
		switch {
		case v.IsSentinel():
			sawUnknown = true
		case v.Kind() != value.KindBool:
			return value.Invalid()
		case !v.Boolean():
			return value.Bool(false)
		}
	}
	if sawUnknown {
		return value.Missing()
	}
	return value.Bool(true)
}

func kleeneOr(args []value.Value) value.Value {
	sawUnknown := false
	for _, v := range args {
		switch {
		case v.IsSentinel():
			sawUnknown = true
		case v.Kind() != value.KindBool:
			return value.Invalid()
		case v.Boolean():
			return value.Bool(true)
		}
	}
	if sawUnknown {
		return value.Missing()
	}
	return value.Bool(false)
}

func kleeneNot(args []value.Value) value.Value {
	v := args[0]
	if v.IsSentinel() {
		return value.Missing()
	}
	if v.Kind() != value.KindBool {
		return value.Invalid()
	}
	return value.Bool(!v.Boolean())
}

func reduce(f func(a, b float64) float64) func([]value.Value) value.Value {
	return func(args []value.Value) value.Value {
		acc, ok := number(args[0])
		if !ok {
			return value.Invalid()
		}
		for _, v := range args[1:] {
			x, ok := number(v)
			if !ok {
				return value.Invalid()
			}
			acc = f(acc, x)
		}
		return finite(acc)
	}
}

func average(args []value.Value) value.Value {
	total := 0.0
	for _, v := range args {
		x, ok := number(v)
		if !ok {
			return value.Invalid()
		}
		total += x
	}
	return finite(total / float64(len(args)))
}

func setMember(want bool) func([]value.Value) value.Value {
	return func(args []value.Value) value.Value {
		needle := args[0]
		found := false
		for _, v := range args[1:] {
			if needle.Equal(v) {
				found = true
				break
			}
		}
		return value.Bool(found == want)
	}
}

func stringFn(f func(string) string) func([]value.Value) value.Value {
	return func(args []value.Value) value.Value {
		v := args[0]
		if v.Kind() != value.KindString && v.Kind() != value.KindOrdinal {
			return value.Invalid()
		}
		return value.String(f(v.Str()))
	}
}

// substring uses a 1-based start and a length, clamped to the input.
func substring(args []value.Value) value.Value {
	s := args[0]
	if s.Kind() != value.KindString && s.Kind() != value.KindOrdinal {
		return value.Invalid()
	}
	start, okS := number(args[1])
	length, okL := number(args[2])
	if !okS || !okL || start < 1 || length < 0 {
		return value.Invalid()
	}

	text := s.Str()
	from := int(start) - 1
	if from >= len(text) {
		return value.String("")
	}
	to := from + int(length)
	if to > len(text) {
		to = len(text)
	}
	return value.String(text[from:to])
}

// formatNumber applies a printf-style pattern to a numeric value.
func formatNumber(args []value.Value) value.Value {
	x, ok := number(args[0])
	if !ok {
		return value.Invalid()
	}
	pattern := args[1]
	if pattern.Kind() != value.KindString {
		return value.Invalid()
	}
	p := pattern.Str()
	if strings.Contains(p, "%d") {
		return value.String(fmt.Sprintf(strings.ReplaceAll(p, "%d", "%.0f"), x))
	}
	return value.String(fmt.Sprintf(p, x))
}

// strftimeReplacer translates the strftime codes the format function
// accepts into Go reference-time layouts.
var strftimeReplacer = strings.NewReplacer(
	"%Y", "2006",
	"%y", "06",
	"%m", "01",
	"%d", "02",
	"%H", "15",
	"%M", "04",
	"%S", "05",
)

func formatDatetime(args []value.Value) value.Value {
	v := args[0]
	switch v.Kind() {
	case value.KindDate, value.KindDateTime:
	default:
		return value.Invalid()
	}
	pattern := args[1]
	if pattern.Kind() != value.KindString {
		return value.Invalid()
	}
	t := time.UnixMilli(v.Int64()).UTC()
	return value.String(t.Format(strftimeReplacer.Replace(pattern.Str())))
}

func dateSince(f func(ms int64, year int) int64) func([]value.Value) value.Value {
	return func(args []value.Value) value.Value {
		d := args[0]
		switch d.Kind() {
		case value.KindDate, value.KindDateTime:
		default:
			return value.Invalid()
		}
		year, ok := number(args[1])
		if !ok || year != math.Trunc(year) || year < 1 {
			return value.Invalid()
		}
		return value.Int(f(d.Int64(), int(year)))
	}
}

func secondsSinceMidnight(args []value.Value) value.Value {
	v := args[0]
	switch v.Kind() {
	case value.KindTime:
		return value.Int(value.SecondsSinceMidnight(v.Int64()))
	case value.KindDateTime:
		return value.Int(value.SecondsSinceMidnight(v.Int64() % (24 * 60 * 60 * 1000)))
	default:
		return value.Invalid()
	}
}

// ifThenElse: if(cond, then[, else]). An undecided condition propagates
// MISSING; a non-boolean condition is INVALID.
func ifThenElse(args []value.Value) value.Value {
	cond := args[0]
	if cond.IsSentinel() {
		return value.Missing()
	}
	if cond.Kind() != value.KindBool {
		return value.Invalid()
	}
	if cond.Boolean() {
		return args[1]
	}
	if len(args) == 3 {
		return args[2]
	}
	return value.Missing()
}
