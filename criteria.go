package binstore

import (
	"fmt"
	"strings"
)

// Node is one node of a criteria tree. The set of implementations is closed:
// *Predicate, *Combinator and *RawExpression.
type Node interface {
	criteriaNode()
	String() string
}

// Operator is a predicate operator.
type Operator int

const (
	OpEq Operator = iota + 1
	OpNotEq
	OpLt
	OpLtEq
	OpGt
	OpGtEq
	OpBetween
	OpStartsWith
	OpEndsWith
	OpContaining
	OpNotContaining
	OpIn
	OpNotIn
	OpIsNull
	OpIsNotNull
)

var operatorNames = map[Operator]string{
	OpEq:            "EQ",
	OpNotEq:         "NOT_EQ",
	OpLt:            "LT",
	OpLtEq:          "LTEQ",
	OpGt:            "GT",
	OpGtEq:          "GTEQ",
	OpBetween:       "BETWEEN",
	OpStartsWith:    "STARTS_WITH",
	OpEndsWith:      "ENDS_WITH",
	OpContaining:    "CONTAINING",
	OpNotContaining: "NOT_CONTAINING",
	OpIn:            "IN",
	OpNotIn:         "NOT_IN",
	OpIsNull:        "IS_NULL",
	OpIsNotNull:     "IS_NOT_NULL",
}

func (o Operator) String() string {
	if s, ok := operatorNames[o]; ok {
		return s
	}
	return fmt.Sprintf("Operator(%d)", int(o))
}

// negated reports whether o is the negative form of another operator and
// returns that positive form.
func (o Operator) negated() (Operator, bool) {
	switch o {
	case OpNotEq:
		return OpEq, true
	case OpNotIn:
		return OpIn, true
	case OpNotContaining:
		return OpContaining, true
	}
	return o, false
}

func (o Operator) ordered() bool {
	switch o {
	case OpLt, OpLtEq, OpGt, OpGtEq, OpBetween:
		return true
	}
	return false
}

func (o Operator) stringSearch() bool {
	switch o {
	case OpStartsWith, OpEndsWith, OpContaining, OpNotContaining:
		return true
	}
	return false
}

// CollectionContext says how a predicate addresses a collection bin.
type CollectionContext int

const (
	CollectionNone CollectionContext = iota
	CollectionList
	CollectionMapKeys
	CollectionMapValues
)

func (c CollectionContext) String() string {
	switch c {
	case CollectionList:
		return "LIST"
	case CollectionMapKeys:
		return "MAPKEYS"
	case CollectionMapValues:
		return "MAPVALUES"
	}
	return "NONE"
}

// MetadataField names record metadata that predicates may compare against.
type MetadataField int

const (
	MetaNone MetadataField = iota
	// MetaLastUpdate is the last write time in unix milliseconds.
	MetaLastUpdate
	// MetaSinceUpdate is the number of milliseconds since the last write.
	MetaSinceUpdate
	// MetaVoidTime is the expiry time in unix milliseconds, 0 when the
	// record never expires.
	MetaVoidTime
	// MetaTTL is the remaining lifetime in seconds, -1 when the record never
	// expires.
	MetaTTL
	// MetaGeneration is the record version.
	MetaGeneration
)

func (m MetadataField) String() string {
	switch m {
	case MetaLastUpdate:
		return "_last_update"
	case MetaSinceUpdate:
		return "_since_update"
	case MetaVoidTime:
		return "_void_time"
	case MetaTTL:
		return "_ttl"
	case MetaGeneration:
		return "_version"
	}
	return ""
}

// Predicate compares one field (or one piece of record metadata) against
// zero or more values.
type Predicate struct {
	Field      string
	NestedPath []string
	Operator   Operator
	Values     []any
	IgnoreCase bool
	Collection CollectionContext
	// MapKey selects the value stored under one map key. Only valid with
	// CollectionMapValues.
	MapKey   any
	Metadata MetadataField
}

func (*Predicate) criteriaNode() {}

// Path returns the field followed by the nested path segments.
func (p *Predicate) Path() []string {
	out := make([]string, 0, 1+len(p.NestedPath))
	out = append(out, p.Field)
	return append(out, p.NestedPath...)
}

// Bin returns the dotted path used to match index descriptors.
func (p *Predicate) Bin() string {
	return strings.Join(p.Path(), ".")
}

func (p *Predicate) clone() *Predicate {
	cp := *p
	cp.NestedPath = append([]string(nil), p.NestedPath...)
	cp.Values = append([]any(nil), p.Values...)
	return &cp
}

// WithIgnoreCase returns a copy that compares strings case-insensitively.
func (p *Predicate) WithIgnoreCase() *Predicate {
	cp := p.clone()
	cp.IgnoreCase = true
	return cp
}

// AtPath returns a copy addressing a field nested inside p.Field.
func (p *Predicate) AtPath(segments ...string) *Predicate {
	cp := p.clone()
	cp.NestedPath = append(cp.NestedPath, segments...)
	return cp
}

// InList returns a copy that matches when any list element satisfies it.
func (p *Predicate) InList() *Predicate {
	cp := p.clone()
	cp.Collection = CollectionList
	return cp
}

// InMapKeys returns a copy that matches when any map key satisfies it.
func (p *Predicate) InMapKeys() *Predicate {
	cp := p.clone()
	cp.Collection = CollectionMapKeys
	return cp
}

// InMapValues returns a copy that matches when any map value satisfies it.
func (p *Predicate) InMapValues() *Predicate {
	cp := p.clone()
	cp.Collection = CollectionMapValues
	return cp
}

// AtMapKey returns a copy that compares the value stored under key.
func (p *Predicate) AtMapKey(key any) *Predicate {
	cp := p.clone()
	cp.Collection = CollectionMapValues
	cp.MapKey = key
	return cp
}

func (p *Predicate) name() string {
	if p.Metadata != MetaNone {
		return p.Metadata.String()
	}
	return p.Bin()
}

func (p *Predicate) String() string {
	return p.expr().String()
}

// BoolOp is the operator of a Combinator.
type BoolOp int

const (
	And BoolOp = iota + 1
	Or
)

func (b BoolOp) String() string {
	if b == Or {
		return "OR"
	}
	return "AND"
}

// Combinator joins child nodes with AND or OR.
type Combinator struct {
	Op       BoolOp
	Children []Node
}

func (*Combinator) criteriaNode() {}

func (c *Combinator) String() string {
	parts := make([]string, len(c.Children))
	for i, ch := range c.Children {
		parts[i] = ch.String()
	}
	return "(" + strings.Join(parts, " "+c.Op.String()+" ") + ")"
}

// RawExpression wraps a pre-built residual expression. It must be the root of
// its tree. IndexHint optionally names the index to narrow with.
type RawExpression struct {
	Expr      Expression
	IndexHint string
}

func (*RawExpression) criteriaNode() {}

func (r *RawExpression) String() string {
	if r.Expr == nil {
		return "RAW(<nil>)"
	}
	if r.IndexHint != "" {
		return fmt.Sprintf("RAW[%s](%s)", r.IndexHint, r.Expr)
	}
	return "RAW(" + r.Expr.String() + ")"
}

func pred(field string, op Operator, values ...any) *Predicate {
	return &Predicate{Field: field, Operator: op, Values: values}
}

func Eq(field string, v any) *Predicate            { return pred(field, OpEq, v) }
func NotEq(field string, v any) *Predicate         { return pred(field, OpNotEq, v) }
func Lt(field string, v any) *Predicate            { return pred(field, OpLt, v) }
func LtEq(field string, v any) *Predicate          { return pred(field, OpLtEq, v) }
func Gt(field string, v any) *Predicate            { return pred(field, OpGt, v) }
func GtEq(field string, v any) *Predicate          { return pred(field, OpGtEq, v) }
func Between(field string, lo, hi any) *Predicate  { return pred(field, OpBetween, lo, hi) }
func StartsWith(field, prefix string) *Predicate   { return pred(field, OpStartsWith, prefix) }
func EndsWith(field, suffix string) *Predicate     { return pred(field, OpEndsWith, suffix) }
func Containing(field string, v any) *Predicate    { return pred(field, OpContaining, v) }
func NotContaining(field string, v any) *Predicate { return pred(field, OpNotContaining, v) }
func In(field string, vs ...any) *Predicate        { return pred(field, OpIn, vs...) }
func NotIn(field string, vs ...any) *Predicate     { return pred(field, OpNotIn, vs...) }
func IsNull(field string) *Predicate               { return pred(field, OpIsNull) }
func IsNotNull(field string) *Predicate            { return pred(field, OpIsNotNull) }

// Meta builds a predicate over record metadata.
func Meta(field MetadataField, op Operator, values ...any) *Predicate {
	return &Predicate{Field: field.String(), Operator: op, Values: values, Metadata: field}
}

// AllOf joins nodes with AND.
func AllOf(children ...Node) *Combinator { return &Combinator{Op: And, Children: children} }

// AnyOf joins nodes with OR.
func AnyOf(children ...Node) *Combinator { return &Combinator{Op: Or, Children: children} }

// Raw wraps a residual expression as a criteria tree root.
func Raw(expr Expression, indexHint string) *RawExpression {
	return &RawExpression{Expr: expr, IndexHint: indexHint}
}

// Validate checks a whole tree and reports the first violation as an
// *InvalidQueryError.
func Validate(root Node) error {
	if root == nil {
		return nil
	}
	return validateNode(root, true)
}

const rawMixMessage = "raw expressions cannot be combined with predicates or combinators; fold the whole condition into one raw expression or use only structured predicates"

func validateNode(n Node, isRoot bool) error {
	switch t := n.(type) {
	case *Predicate:
		if t == nil {
			return &InvalidQueryError{Reason: "nil predicate"}
		}
		return t.validate()
	case *Combinator:
		if t == nil {
			return &InvalidQueryError{Reason: "nil combinator"}
		}
		if t.Op != And && t.Op != Or {
			return &InvalidQueryError{Reason: fmt.Sprintf("unknown combinator %d", int(t.Op))}
		}
		if len(t.Children) == 0 {
			return &InvalidQueryError{Reason: t.Op.String() + " requires at least one child"}
		}
		for _, ch := range t.Children {
			if ch == nil {
				return &InvalidQueryError{Reason: t.Op.String() + " has a nil child"}
			}
			if _, ok := ch.(*RawExpression); ok {
				return &InvalidQueryError{Reason: rawMixMessage}
			}
			if err := validateNode(ch, false); err != nil {
				return err
			}
		}
		return nil
	case *RawExpression:
		if !isRoot {
			return &InvalidQueryError{Reason: rawMixMessage}
		}
		if t == nil || t.Expr == nil {
			return &InvalidQueryError{Reason: "raw expression is empty"}
		}
		return validateExpr(t.Expr)
	}
	return &InvalidQueryError{Reason: fmt.Sprintf("unsupported node type %T", n)}
}

// validateExpr applies the predicate rules to every comparison of a raw
// expression. Expression types defined outside this package are opaque.
func validateExpr(e Expression) error {
	switch t := e.(type) {
	case nil:
		return &InvalidQueryError{Reason: "raw expression has a nil term"}
	case *AndExpr:
		if t == nil {
			return &InvalidQueryError{Reason: "raw expression has a nil term"}
		}
		return validateTerms(t.Terms)
	case *OrExpr:
		if t == nil {
			return &InvalidQueryError{Reason: "raw expression has a nil term"}
		}
		return validateTerms(t.Terms)
	case *NotExpr:
		if t == nil {
			return &InvalidQueryError{Reason: "raw expression has a nil term"}
		}
		return validateExpr(t.Term)
	case *CompareExpr:
		if t == nil {
			return &InvalidQueryError{Reason: "raw expression has a nil term"}
		}
		return t.predicate().validate()
	}
	return nil
}

func validateTerms(terms []Expression) error {
	for _, term := range terms {
		if err := validateExpr(term); err != nil {
			return err
		}
	}
	return nil
}

// predicate restates a comparison as the predicate it is checked as.
func (c *CompareExpr) predicate() *Predicate {
	p := &Predicate{
		Operator:   c.Op,
		Values:     c.Values,
		IgnoreCase: c.IgnoreCase,
		Collection: c.Target.Collection,
		MapKey:     c.Target.MapKey,
	}
	switch c.Target.Kind {
	case TargetMeta:
		p.Metadata = c.Target.Meta
		if p.Metadata == MetaNone {
			// Forces the unknown metadata field error.
			p.Metadata = MetadataField(-1)
		}
	case TargetKey:
		p.Field = "key"
	default:
		if len(c.Target.Path) > 0 {
			p.Field = c.Target.Path[0]
			p.NestedPath = c.Target.Path[1:]
		}
	}
	return p
}

func (p *Predicate) validate() error {
	field := p.name()
	fail := func(format string, args ...any) error {
		return &InvalidQueryError{Field: field, Reason: fmt.Sprintf(format, args...)}
	}
	if _, ok := operatorNames[p.Operator]; !ok {
		return fail("unknown operator %d", int(p.Operator))
	}
	if p.Metadata != MetaNone {
		return p.validateMetadata(fail)
	}
	if p.Field == "" {
		return fail("predicate requires a field")
	}
	for _, seg := range p.NestedPath {
		if seg == "" {
			return fail("nested path contains an empty segment")
		}
	}
	if p.MapKey != nil && p.Collection != CollectionMapValues {
		return fail("a map key selector requires the MAPVALUES collection context")
	}
	if p.Collection < CollectionNone || p.Collection > CollectionMapValues {
		return fail("unknown collection context %d", int(p.Collection))
	}
	for i, v := range p.Values {
		if v == nil {
			return fail("%s value %d is null; use IS_NULL instead", p.Operator, i+1)
		}
	}

	switch p.Operator {
	case OpEq, OpNotEq:
		if len(p.Values) != 1 {
			return fail("%s requires exactly one value, got %d", p.Operator, len(p.Values))
		}
	case OpLt, OpLtEq, OpGt, OpGtEq:
		if len(p.Values) != 1 {
			return fail("%s requires exactly one value, got %d", p.Operator, len(p.Values))
		}
		if !orderable(p.Values[0]) {
			return fail("%s requires a numeric or string value, got %T", p.Operator, p.Values[0])
		}
	case OpBetween:
		if len(p.Values) != 2 {
			return fail("BETWEEN requires exactly two values, got %d", len(p.Values))
		}
		if !orderable(p.Values[0]) || !sameFamily(p.Values[0], p.Values[1]) {
			return fail("BETWEEN requires two values of the same comparable type, got %T and %T", p.Values[0], p.Values[1])
		}
	case OpStartsWith, OpEndsWith:
		if len(p.Values) != 1 {
			return fail("%s requires exactly one string value, got %d values", p.Operator, len(p.Values))
		}
		if _, ok := p.Values[0].(string); !ok {
			return fail("%s requires a string value, got %T", p.Operator, p.Values[0])
		}
	case OpContaining, OpNotContaining:
		if len(p.Values) != 1 {
			return fail("%s requires exactly one value, got %d", p.Operator, len(p.Values))
		}
		if p.Collection == CollectionNone {
			if _, ok := p.Values[0].(string); !ok {
				return fail("%s requires a string value, got %T", p.Operator, p.Values[0])
			}
		}
	case OpIn, OpNotIn:
		if len(p.Values) == 0 {
			return fail("%s requires at least one value", p.Operator)
		}
	case OpIsNull, OpIsNotNull:
		if len(p.Values) != 0 {
			return fail("%s takes no values, got %d", p.Operator, len(p.Values))
		}
		if p.Collection != CollectionNone {
			return fail("%s is not supported in collection context %s", p.Operator, p.Collection)
		}
	}

	if p.IgnoreCase {
		if p.Operator.ordered() || p.Operator == OpIsNull || p.Operator == OpIsNotNull {
			return fail("ignoreCase is not supported with %s", p.Operator)
		}
		for _, v := range p.Values {
			if _, ok := v.(string); !ok {
				return fail("ignoreCase requires string values, got %T", v)
			}
		}
	}
	return nil
}

func (p *Predicate) validateMetadata(fail func(string, ...any) error) error {
	if p.Metadata < MetaLastUpdate || p.Metadata > MetaGeneration {
		return fail("unknown metadata field %d", int(p.Metadata))
	}
	switch p.Operator {
	case OpEq, OpNotEq, OpLt, OpLtEq, OpGt, OpGtEq:
		if len(p.Values) != 1 {
			return fail("%s requires exactly one value, got %d", p.Operator, len(p.Values))
		}
	case OpBetween:
		if len(p.Values) != 2 {
			return fail("BETWEEN requires exactly two values, got %d", len(p.Values))
		}
	case OpIn, OpNotIn:
		if len(p.Values) == 0 {
			return fail("%s requires at least one value", p.Operator)
		}
	default:
		return fail("metadata fields only support numeric comparisons, not %s", p.Operator)
	}
	if p.IgnoreCase || p.Collection != CollectionNone || len(p.NestedPath) > 0 {
		return fail("metadata predicates cannot use ignoreCase, collection contexts or nested paths")
	}
	for _, v := range p.Values {
		if !isInteger(v) {
			return fail("metadata fields require integer values, got %T", v)
		}
	}
	return nil
}

func orderable(v any) bool {
	if isNumber(v) {
		return true
	}
	_, ok := v.(string)
	return ok
}

func sameFamily(a, b any) bool {
	if isNumber(a) {
		return isNumber(b)
	}
	_, as := a.(string)
	_, bs := b.(string)
	return as && bs
}
