package executor

import (
	"strings"

	"github.com/adrianmcphee/binstore"
	"github.com/xwb1989/sqlparser"
)

var metadataColumns = func() map[string]binstore.MetadataField {
	out := make(map[string]binstore.MetadataField)
	for m := binstore.MetaLastUpdate; m <= binstore.MetaGeneration; m++ {
		out[m.String()] = m
	}
	return out
}()

// translator turns a WHERE expression into a criteria tree. NOT is pushed
// down to the leaves: comparison operators are inverted and AND/OR swap.
type translator struct {
	table    string
	keyCol   string
	keyField string
}

// fieldRef is the left-hand side of a condition.
type fieldRef struct {
	path       []string
	meta       binstore.MetadataField
	key        bool
	ignoreCase bool
	mapKey     any
}

func (t *translator) translate(expr sqlparser.Expr) (binstore.Node, error) {
	if expr == nil {
		return nil, nil
	}
	return t.node(expr, false)
}

func (t *translator) node(expr sqlparser.Expr, negate bool) (binstore.Node, error) {
	switch e := expr.(type) {
	case *sqlparser.ParenExpr:
		return t.node(e.Expr, negate)
	case *sqlparser.NotExpr:
		return t.node(e.Expr, !negate)
	case *sqlparser.AndExpr:
		if negate {
			return t.combine(binstore.Or, true, e.Left, e.Right)
		}
		return t.combine(binstore.And, false, e.Left, e.Right)
	case *sqlparser.OrExpr:
		if negate {
			return t.combine(binstore.And, true, e.Left, e.Right)
		}
		return t.combine(binstore.Or, false, e.Left, e.Right)
	case *sqlparser.ComparisonExpr:
		return t.comparison(e, negate)
	case *sqlparser.RangeCond:
		return t.between(e, negate)
	case *sqlparser.IsExpr:
		return t.isNull(e, negate)
	case *sqlparser.FuncExpr:
		return t.collection(e, negate)
	}
	return nil, unsupported("condition %s", sqlparser.String(expr))
}

func (t *translator) combine(op binstore.BoolOp, negate bool, exprs ...sqlparser.Expr) (binstore.Node, error) {
	c := &binstore.Combinator{Op: op}
	for _, x := range exprs {
		n, err := t.node(x, negate)
		if err != nil {
			return nil, err
		}
		if inner, ok := n.(*binstore.Combinator); ok && inner.Op == op {
			c.Children = append(c.Children, inner.Children...)
			continue
		}
		c.Children = append(c.Children, n)
	}
	return c, nil
}

var comparisonOps = map[string]binstore.Operator{
	sqlparser.EqualStr:        binstore.OpEq,
	sqlparser.NotEqualStr:     binstore.OpNotEq,
	sqlparser.LessThanStr:     binstore.OpLt,
	sqlparser.LessEqualStr:    binstore.OpLtEq,
	sqlparser.GreaterThanStr:  binstore.OpGt,
	sqlparser.GreaterEqualStr: binstore.OpGtEq,
}

var inverse = map[binstore.Operator]binstore.Operator{
	binstore.OpEq:            binstore.OpNotEq,
	binstore.OpNotEq:         binstore.OpEq,
	binstore.OpLt:            binstore.OpGtEq,
	binstore.OpGtEq:          binstore.OpLt,
	binstore.OpGt:            binstore.OpLtEq,
	binstore.OpLtEq:          binstore.OpGt,
	binstore.OpIn:            binstore.OpNotIn,
	binstore.OpNotIn:         binstore.OpIn,
	binstore.OpContaining:    binstore.OpNotContaining,
	binstore.OpNotContaining: binstore.OpContaining,
	binstore.OpIsNull:        binstore.OpIsNotNull,
	binstore.OpIsNotNull:     binstore.OpIsNull,
}

// mirrored is the operator that keeps a comparison true when its sides swap.
var mirrored = map[string]string{
	sqlparser.LessThanStr:     sqlparser.GreaterThanStr,
	sqlparser.GreaterThanStr:  sqlparser.LessThanStr,
	sqlparser.LessEqualStr:    sqlparser.GreaterEqualStr,
	sqlparser.GreaterEqualStr: sqlparser.LessEqualStr,
}

func (t *translator) comparison(e *sqlparser.ComparisonExpr, negate bool) (binstore.Node, error) {
	left, right, op := e.Left, e.Right, e.Operator
	if !isFieldExpr(left) && isFieldExpr(right) {
		left, right = right, left
		if m, ok := mirrored[op]; ok {
			op = m
		}
	}
	ref, err := t.field(left)
	if err != nil {
		return nil, err
	}

	switch op {
	case sqlparser.InStr, sqlparser.NotInStr:
		tuple, ok := right.(sqlparser.ValTuple)
		if !ok {
			return nil, unsupported("IN requires a list of constants")
		}
		values := make([]any, 0, len(tuple))
		for _, x := range tuple {
			v, err := t.value(ref, x)
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		}
		bop := binstore.OpIn
		if op == sqlparser.NotInStr {
			bop = binstore.OpNotIn
		}
		return ref.predicate(invert(bop, negate), values...), nil

	case sqlparser.LikeStr, sqlparser.NotLikeStr:
		if e.Escape != nil {
			return nil, unsupported("LIKE ... ESCAPE")
		}
		v, err := literal(right)
		if err != nil {
			return nil, err
		}
		pattern, ok := v.(string)
		if !ok {
			return nil, unsupported("LIKE requires a string pattern")
		}
		return ref.like(pattern, (op == sqlparser.NotLikeStr) != negate)
	}

	bop, ok := comparisonOps[op]
	if !ok {
		return nil, unsupported("operator %s", op)
	}
	v, err := t.value(ref, right)
	if err != nil {
		return nil, err
	}
	return ref.predicate(invert(bop, negate), v), nil
}

func (t *translator) between(e *sqlparser.RangeCond, negate bool) (binstore.Node, error) {
	ref, err := t.field(e.Left)
	if err != nil {
		return nil, err
	}
	lo, err := t.value(ref, e.From)
	if err != nil {
		return nil, err
	}
	hi, err := t.value(ref, e.To)
	if err != nil {
		return nil, err
	}
	if (e.Operator == sqlparser.NotBetweenStr) != negate {
		return binstore.AnyOf(ref.predicate(binstore.OpLt, lo), ref.predicate(binstore.OpGt, hi)), nil
	}
	return ref.predicate(binstore.OpBetween, lo, hi), nil
}

func (t *translator) isNull(e *sqlparser.IsExpr, negate bool) (binstore.Node, error) {
	ref, err := t.field(e.Expr)
	if err != nil {
		return nil, err
	}
	switch e.Operator {
	case sqlparser.IsNullStr:
		return ref.predicate(invert(binstore.OpIsNull, negate)), nil
	case sqlparser.IsNotNullStr:
		return ref.predicate(invert(binstore.OpIsNotNull, negate)), nil
	}
	return nil, unsupported("IS %s", strings.ToUpper(e.Operator))
}

// collection handles contains(list, v), contains_key(map, k) and
// contains_value(map, v).
func (t *translator) collection(e *sqlparser.FuncExpr, negate bool) (binstore.Node, error) {
	var coll binstore.CollectionContext
	switch e.Name.Lowered() {
	case "contains":
		coll = binstore.CollectionList
	case "contains_key":
		coll = binstore.CollectionMapKeys
	case "contains_value":
		coll = binstore.CollectionMapValues
	default:
		return nil, unsupported("function %s in WHERE", e.Name.String())
	}
	args, err := funcArgs(e, 2)
	if err != nil {
		return nil, err
	}
	ref, err := t.field(args[0])
	if err != nil {
		return nil, err
	}
	if ref.meta != binstore.MetaNone || ref.key || ref.mapKey != nil || ref.ignoreCase {
		return nil, unsupported("%s requires a plain column", e.Name.String())
	}
	v, err := literal(args[1])
	if err != nil {
		return nil, err
	}
	p := ref.predicate(invert(binstore.OpContaining, negate), v)
	p.Collection = coll
	return p, nil
}

// field resolves a column reference. Qualified names address nested map
// fields; a leading table qualifier is ignored.
func (t *translator) field(expr sqlparser.Expr) (*fieldRef, error) {
	switch e := expr.(type) {
	case *sqlparser.ColName:
		var path []string
		q := e.Qualifier
		if !q.Qualifier.IsEmpty() {
			path = append(path, q.Qualifier.String())
		}
		if !q.Name.IsEmpty() && !(len(path) == 0 && q.Name.String() == t.table) {
			path = append(path, q.Name.String())
		}
		path = append(path, e.Name.String())
		if len(path) == 1 {
			if path[0] == t.keyCol {
				return &fieldRef{path: []string{t.keyField}, key: true}, nil
			}
			if m, ok := metadataColumns[path[0]]; ok {
				return &fieldRef{meta: m}, nil
			}
		}
		return &fieldRef{path: path}, nil

	case *sqlparser.FuncExpr:
		switch e.Name.Lowered() {
		case "lower", "upper":
			args, err := funcArgs(e, 1)
			if err != nil {
				return nil, err
			}
			ref, err := t.field(args[0])
			if err != nil {
				return nil, err
			}
			ref.ignoreCase = true
			return ref, nil
		case "map_value":
			args, err := funcArgs(e, 2)
			if err != nil {
				return nil, err
			}
			ref, err := t.field(args[0])
			if err != nil {
				return nil, err
			}
			k, err := literal(args[1])
			if err != nil {
				return nil, err
			}
			if k == nil {
				return nil, unsupported("map_value key cannot be NULL")
			}
			ref.mapKey = k
			return ref, nil
		}
	}
	return nil, unsupported("%s is not a column reference", sqlparser.String(expr))
}

// value evaluates the right-hand side of a comparison against ref. Primary
// key values are rendered as strings.
func (t *translator) value(ref *fieldRef, expr sqlparser.Expr) (any, error) {
	v, err := literal(expr)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, unsupported("comparison with NULL; use IS NULL or IS NOT NULL")
	}
	if ref.key {
		return keyString(v)
	}
	return v, nil
}

func (r *fieldRef) predicate(op binstore.Operator, values ...any) *binstore.Predicate {
	if r.meta != binstore.MetaNone {
		return binstore.Meta(r.meta, op, values...)
	}
	p := &binstore.Predicate{Field: r.path[0], Operator: op, Values: values, IgnoreCase: r.ignoreCase}
	if len(r.path) > 1 {
		p.NestedPath = append([]string(nil), r.path[1:]...)
	}
	if r.mapKey != nil {
		p.Collection = binstore.CollectionMapValues
		p.MapKey = r.mapKey
	}
	return p
}

// like maps the LIKE shapes that have a direct operator: 'x%', '%x', '%x%'
// and patterns without wildcards.
func (r *fieldRef) like(pattern string, negate bool) (binstore.Node, error) {
	if strings.Contains(pattern, "_") {
		return nil, unsupported("LIKE pattern %q: single-character wildcards", pattern)
	}
	core := pattern
	lead := strings.HasPrefix(core, "%")
	core = strings.TrimPrefix(core, "%")
	trail := strings.HasSuffix(core, "%")
	core = strings.TrimSuffix(core, "%")
	if strings.Contains(core, "%") {
		return nil, unsupported("LIKE pattern %q: inner wildcards", pattern)
	}

	switch {
	case lead && trail:
		return r.predicate(invert(binstore.OpContaining, negate), core), nil
	case !lead && !trail:
		return r.predicate(invert(binstore.OpEq, negate), core), nil
	case negate:
		return nil, unsupported("NOT LIKE %q: only substring patterns can be negated", pattern)
	case trail:
		return r.predicate(binstore.OpStartsWith, core), nil
	default:
		return r.predicate(binstore.OpEndsWith, core), nil
	}
}

func invert(op binstore.Operator, negate bool) binstore.Operator {
	if !negate {
		return op
	}
	return inverse[op]
}

func isFieldExpr(expr sqlparser.Expr) bool {
	switch e := expr.(type) {
	case *sqlparser.ColName:
		return true
	case *sqlparser.FuncExpr:
		switch e.Name.Lowered() {
		case "lower", "upper", "map_value":
			return true
		}
	}
	return false
}

func funcArgs(e *sqlparser.FuncExpr, n int) ([]sqlparser.Expr, error) {
	if len(e.Exprs) != n {
		return nil, unsupported("%s takes %d arguments, got %d", e.Name.String(), n, len(e.Exprs))
	}
	out := make([]sqlparser.Expr, n)
	for i, se := range e.Exprs {
		ae, ok := se.(*sqlparser.AliasedExpr)
		if !ok {
			return nil, unsupported("%s: invalid argument %s", e.Name.String(), sqlparser.String(se))
		}
		out[i] = ae.Expr
	}
	return out, nil
}

// splitVersion removes a top-level `_version = n` conjunct from expr and
// returns n. The remaining expression is nil when nothing else is left.
func splitVersion(expr sqlparser.Expr) (sqlparser.Expr, int64, error) {
	switch e := expr.(type) {
	case *sqlparser.AndExpr:
		left, lv, err := splitVersion(e.Left)
		if err != nil {
			return nil, 0, err
		}
		right, rv, err := splitVersion(e.Right)
		if err != nil {
			return nil, 0, err
		}
		if lv > 0 && rv > 0 {
			return nil, 0, unsupported("more than one _version condition")
		}
		v := max(lv, rv)
		switch {
		case left == nil:
			return right, v, nil
		case right == nil:
			return left, v, nil
		}
		return &sqlparser.AndExpr{Left: left, Right: right}, v, nil
	case *sqlparser.ParenExpr:
		if _, ok := e.Expr.(*sqlparser.AndExpr); ok {
			return splitVersion(e.Expr)
		}
	case *sqlparser.ComparisonExpr:
		col, ok := e.Left.(*sqlparser.ColName)
		if !ok || e.Operator != sqlparser.EqualStr || !col.Qualifier.IsEmpty() || !col.Name.EqualString(binstore.MetaGeneration.String()) {
			break
		}
		v, err := literal(e.Right)
		if err != nil {
			return nil, 0, err
		}
		n, ok := v.(int64)
		if !ok || n <= 0 {
			return nil, 0, unsupported("_version must be a positive integer")
		}
		return nil, n, nil
	}
	return expr, 0, nil
}
