package binstore

import (
	"fmt"
	"strings"
	"time"
)

// Expression is a boolean filter evaluated against a stored record. Backends
// apply it next to (or instead of) an index filter; the runner never returns
// a record for which it evaluates to false.
type Expression interface {
	Eval(r *Record, now time.Time) bool
	String() string
}

// TargetKind selects what a comparison reads from a record.
type TargetKind int

const (
	TargetBin TargetKind = iota
	TargetKey
	TargetMeta
)

// Target addresses the value a CompareExpr reads.
type Target struct {
	Kind       TargetKind
	Path       []string
	Meta       MetadataField
	Collection CollectionContext
	MapKey     any
}

// BinPath targets a bin, descending through nested maps for dotted paths.
func BinPath(path string) Target {
	return Target{Kind: TargetBin, Path: strings.Split(path, ".")}
}

// RecordKey targets the record's user key.
func RecordKey() Target { return Target{Kind: TargetKey} }

// Metadata targets a piece of record metadata.
func Metadata(m MetadataField) Target { return Target{Kind: TargetMeta, Meta: m} }

// List makes the target match when any list element satisfies the comparison.
func (t Target) List() Target { t.Collection = CollectionList; return t }

// MapKeys makes the target match over the map keys.
func (t Target) MapKeys() Target { t.Collection = CollectionMapKeys; return t }

// MapValues makes the target match over the map values.
func (t Target) MapValues() Target { t.Collection = CollectionMapValues; return t }

// At makes the target read the map value stored under key.
func (t Target) At(key any) Target {
	t.Collection = CollectionMapValues
	t.MapKey = key
	return t
}

func (t Target) bin() string { return strings.Join(t.Path, ".") }

func (t Target) String() string {
	var base string
	switch t.Kind {
	case TargetKey:
		base = "key"
	case TargetMeta:
		base = "meta(" + t.Meta.String() + ")"
	default:
		base = t.bin()
	}
	switch {
	case t.MapKey != nil:
		return fmt.Sprintf("%s[%s]", base, formatValue(t.MapKey))
	case t.Collection == CollectionList:
		return "any(" + base + ")"
	case t.Collection == CollectionMapKeys:
		return "any(keys(" + base + "))"
	case t.Collection == CollectionMapValues:
		return "any(values(" + base + "))"
	}
	return base
}

func (t Target) resolve(r *Record, now time.Time) (any, bool) {
	switch t.Kind {
	case TargetKey:
		return r.Key.ID, true
	case TargetMeta:
		return metadataValue(r, t.Meta, now), true
	}
	return r.Value(t.Path...)
}

func metadataValue(r *Record, m MetadataField, now time.Time) int64 {
	switch m {
	case MetaLastUpdate:
		return r.LastUpdate.UnixMilli()
	case MetaSinceUpdate:
		return now.Sub(r.LastUpdate).Milliseconds()
	case MetaVoidTime:
		if r.VoidTime.IsZero() {
			return 0
		}
		return r.VoidTime.UnixMilli()
	case MetaTTL:
		if r.VoidTime.IsZero() {
			return -1
		}
		return int64(r.VoidTime.Sub(now) / time.Second)
	case MetaGeneration:
		return r.Generation
	}
	return 0
}

// CompareExpr applies one operator to the value a Target reads.
type CompareExpr struct {
	Target     Target
	Op         Operator
	Values     []any
	IgnoreCase bool
}

// Cmp builds a comparison expression.
func Cmp(t Target, op Operator, values ...any) *CompareExpr {
	return &CompareExpr{Target: t, Op: op, Values: values}
}

// Fold returns a copy comparing strings case-insensitively.
func (c *CompareExpr) Fold() *CompareExpr {
	cp := *c
	cp.IgnoreCase = true
	return &cp
}

func (c *CompareExpr) Eval(r *Record, now time.Time) bool {
	v, present := c.Target.resolve(r, now)
	if c.Target.Collection == CollectionNone || c.Target.MapKey != nil {
		if c.Target.MapKey != nil && present {
			v, present = mapLookup(v, c.Target.MapKey)
		}
		return evalScalar(v, present && v != nil, c.Op, c.Values, c.IgnoreCase)
	}

	positive, neg := c.Op.negated()
	if positive == OpContaining {
		// Inside a collection, CONTAINING is membership.
		positive = OpEq
	}
	elems, ok := elements(v, c.Target.Collection)
	if !ok {
		return neg
	}
	for _, e := range elems {
		if evalScalar(e, e != nil, positive, c.Values, c.IgnoreCase) {
			return !neg
		}
	}
	return neg
}

func evalScalar(v any, present bool, op Operator, values []any, fold bool) bool {
	if !present {
		switch op {
		case OpIsNull, OpNotEq, OpNotIn, OpNotContaining:
			return true
		}
		return false
	}
	switch op {
	case OpEq:
		return valuesEqual(v, values[0], fold)
	case OpNotEq:
		return !valuesEqual(v, values[0], fold)
	case OpLt, OpLtEq, OpGt, OpGtEq:
		c, ok := compareValues(v, values[0], fold)
		if !ok {
			return false
		}
		switch op {
		case OpLt:
			return c < 0
		case OpLtEq:
			return c <= 0
		case OpGt:
			return c > 0
		}
		return c >= 0
	case OpBetween:
		lo, ok1 := compareValues(v, values[0], fold)
		hi, ok2 := compareValues(v, values[1], fold)
		return ok1 && ok2 && lo >= 0 && hi <= 0
	case OpStartsWith, OpEndsWith, OpContaining, OpNotContaining:
		s, ok := v.(string)
		needle, nok := values[0].(string)
		if !ok || !nok {
			return op == OpNotContaining
		}
		if fold {
			s, needle = strings.ToLower(s), strings.ToLower(needle)
		}
		switch op {
		case OpStartsWith:
			return strings.HasPrefix(s, needle)
		case OpEndsWith:
			return strings.HasSuffix(s, needle)
		case OpContaining:
			return strings.Contains(s, needle)
		}
		return !strings.Contains(s, needle)
	case OpIn:
		for _, x := range values {
			if valuesEqual(v, x, fold) {
				return true
			}
		}
		return false
	case OpNotIn:
		for _, x := range values {
			if valuesEqual(v, x, fold) {
				return false
			}
		}
		return true
	case OpIsNull:
		return false
	case OpIsNotNull:
		return true
	}
	return false
}

func (c *CompareExpr) String() string {
	target := c.Target.String()
	if c.IgnoreCase {
		target = "lower(" + target + ")"
	}
	switch c.Op {
	case OpEq:
		return fmt.Sprintf("%s = %s", target, formatValue(c.Values[0]))
	case OpNotEq:
		return fmt.Sprintf("%s != %s", target, formatValue(c.Values[0]))
	case OpLt:
		return fmt.Sprintf("%s < %s", target, formatValue(c.Values[0]))
	case OpLtEq:
		return fmt.Sprintf("%s <= %s", target, formatValue(c.Values[0]))
	case OpGt:
		return fmt.Sprintf("%s > %s", target, formatValue(c.Values[0]))
	case OpGtEq:
		return fmt.Sprintf("%s >= %s", target, formatValue(c.Values[0]))
	case OpBetween:
		return fmt.Sprintf("%s BETWEEN %s AND %s", target, formatValue(c.Values[0]), formatValue(c.Values[1]))
	case OpIsNull:
		return target + " IS NULL"
	case OpIsNotNull:
		return target + " IS NOT NULL"
	case OpIn, OpNotIn:
		return fmt.Sprintf("%s %s (%s)", target, strings.ReplaceAll(c.Op.String(), "_", " "), formatValues(c.Values))
	}
	return fmt.Sprintf("%s %s %s", target, c.Op, formatValues(c.Values))
}

// AndExpr is true when every term is true.
type AndExpr struct {
	Terms []Expression
}

// AllExpr joins expressions with AND.
func AllExpr(terms ...Expression) *AndExpr { return &AndExpr{Terms: terms} }

func (a *AndExpr) Eval(r *Record, now time.Time) bool {
	for _, t := range a.Terms {
		if !t.Eval(r, now) {
			return false
		}
	}
	return true
}

func (a *AndExpr) String() string { return joinTerms(a.Terms, " AND ") }

// OrExpr is true when any term is true.
type OrExpr struct {
	Terms []Expression
}

// AnyExpr joins expressions with OR.
func AnyExpr(terms ...Expression) *OrExpr { return &OrExpr{Terms: terms} }

func (o *OrExpr) Eval(r *Record, now time.Time) bool {
	for _, t := range o.Terms {
		if t.Eval(r, now) {
			return true
		}
	}
	return false
}

func (o *OrExpr) String() string { return joinTerms(o.Terms, " OR ") }

// NotExpr negates its term.
type NotExpr struct {
	Term Expression
}

// NotOf negates an expression.
func NotOf(e Expression) *NotExpr { return &NotExpr{Term: e} }

func (n *NotExpr) Eval(r *Record, now time.Time) bool { return !n.Term.Eval(r, now) }

func (n *NotExpr) String() string { return "NOT " + n.Term.String() }

func joinTerms(terms []Expression, sep string) string {
	parts := make([]string, len(terms))
	for i, t := range terms {
		parts[i] = t.String()
	}
	return "(" + strings.Join(parts, sep) + ")"
}

// expr restates a predicate as an expression over a bin or metadata.
func (p *Predicate) expr() *CompareExpr {
	var t Target
	if p.Metadata != MetaNone {
		t = Metadata(p.Metadata)
	} else {
		t = Target{Kind: TargetBin, Path: p.Path()}
	}
	t.Collection = p.Collection
	t.MapKey = p.MapKey
	return &CompareExpr{Target: t, Op: p.Operator, Values: append([]any(nil), p.Values...), IgnoreCase: p.IgnoreCase}
}

// toExpression restates a whole criteria tree as one expression. Predicates
// on keyField read the record key instead of a bin.
func toExpression(n Node, keyField string) Expression {
	switch t := n.(type) {
	case *Predicate:
		e := t.expr()
		if isKeyPredicate(t, keyField) {
			e.Target = RecordKey()
		}
		return e
	case *Combinator:
		terms := make([]Expression, len(t.Children))
		for i, ch := range t.Children {
			terms[i] = toExpression(ch, keyField)
		}
		if len(terms) == 1 {
			return terms[0]
		}
		if t.Op == Or {
			return &OrExpr{Terms: terms}
		}
		return &AndExpr{Terms: terms}
	case *RawExpression:
		return t.Expr
	}
	return nil
}

func isKeyPredicate(p *Predicate, keyField string) bool {
	return keyField != "" && p.Metadata == MetaNone && p.Field == keyField &&
		len(p.NestedPath) == 0 && p.Collection == CollectionNone
}
