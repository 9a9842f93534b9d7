package binstore

import (
	"fmt"
	"math"
	"sort"
)

// DefaultKeyField is the field name that addresses the primary key in
// criteria trees.
const DefaultKeyField = "id"

// CompileOptions carries per-query inputs to Compile.
type CompileOptions struct {
	Namespace string
	Set       string
	// IndexName forces a specific index when a conjunct can use it.
	IndexName string
	// KeyField names the primary key field. Defaults to DefaultKeyField.
	KeyField string
}

// candidate is one (conjunct, index) pairing the compiler may narrow with.
type candidate struct {
	desc     IndexDescriptor
	filter   *IndexFilter
	opRank   int
	position int
}

// Compile turns a criteria tree into an execution plan using the indexes in
// snap. A nil tree selects every record of the set. Compile is deterministic:
// the same tree and snapshot always produce equal plans.
func Compile(tree Node, snap *CatalogSnapshot, opts CompileOptions) (*Plan, error) {
	if opts.Set == "" {
		return nil, &InvalidQueryError{Reason: "query requires a set"}
	}
	if opts.KeyField == "" {
		opts.KeyField = DefaultKeyField
	}
	if err := Validate(tree); err != nil {
		return nil, err
	}
	if opts.IndexName != "" {
		if _, ok := snap.Lookup(opts.IndexName); !ok {
			return nil, &InvalidQueryError{Reason: fmt.Sprintf("index %q does not exist", opts.IndexName)}
		}
	}

	identities := collectIdentity(tree, opts.KeyField, nil)
	if len(identities) > 1 {
		return nil, &InvalidQueryError{
			Field:  opts.KeyField,
			Reason: fmt.Sprintf("at most one primary key predicate is allowed, found %d", len(identities)),
		}
	}
	for _, p := range identities {
		for _, v := range p.Values {
			if _, ok := v.(string); !ok {
				return nil, &InvalidQueryError{Field: opts.KeyField, Reason: fmt.Sprintf("primary key values must be strings, got %T", v)}
			}
		}
	}

	plan := &Plan{Namespace: opts.Namespace, Set: opts.Set}
	if tree != nil {
		plan.Residual = toExpression(tree, opts.KeyField)
	}

	switch root := tree.(type) {
	case nil:
	case *RawExpression:
		if err := compileRaw(plan, root, snap, opts); err != nil {
			return nil, err
		}
	case *Combinator:
		if root.Op == And {
			compileConjunction(plan, flattenAnd(root), snap, opts)
		}
	case *Predicate:
		compileConjunction(plan, []*Predicate{root}, snap, opts)
	}

	plan.FullScan = plan.IndexFilter == nil && plan.Identity == nil
	return plan, nil
}

// collectIdentity gathers every EQ or IN predicate on the primary key,
// wherever it appears in the tree.
func collectIdentity(n Node, keyField string, acc []*Predicate) []*Predicate {
	switch t := n.(type) {
	case *Predicate:
		if isKeyPredicate(t, keyField) && (t.Operator == OpEq || t.Operator == OpIn) {
			acc = append(acc, t)
		}
	case *Combinator:
		for _, ch := range t.Children {
			acc = collectIdentity(ch, keyField, acc)
		}
	}
	return acc
}

// flattenAnd returns the predicates that are direct conjuncts of c. Nested
// ANDs are flattened; anything under an OR is skipped.
func flattenAnd(c *Combinator) []*Predicate {
	var out []*Predicate
	for _, ch := range c.Children {
		switch t := ch.(type) {
		case *Predicate:
			out = append(out, t)
		case *Combinator:
			if t.Op == And {
				out = append(out, flattenAnd(t)...)
			}
		}
	}
	return out
}

func compileConjunction(plan *Plan, conjuncts []*Predicate, snap *CatalogSnapshot, opts CompileOptions) {
	for _, p := range conjuncts {
		if isKeyPredicate(p, opts.KeyField) && !p.IgnoreCase && (p.Operator == OpEq || p.Operator == OpIn) {
			plan.Identity = &IdentityFilter{Field: opts.KeyField, IDs: uniqueIDs(p.Values)}
			return
		}
	}

	var cands []candidate
	for i, p := range conjuncts {
		if p.Metadata != MetaNone || p.IgnoreCase || isKeyPredicate(p, opts.KeyField) {
			continue
		}
		for _, d := range snap.ForBin(opts.Namespace, opts.Set, p.Bin(), p.Collection) {
			if f, rank, ok := buildIndexFilter(d, p.Operator, p.Collection, p.Values); ok {
				cands = append(cands, candidate{desc: d, filter: f, opRank: rank, position: i})
			}
		}
	}
	plan.IndexFilter = chooseCandidate(plan, cands, opts.IndexName)
}

func compileRaw(plan *Plan, raw *RawExpression, snap *CatalogSnapshot, opts CompileOptions) error {
	hint := raw.IndexHint
	if hint == "" {
		hint = opts.IndexName
	}
	if hint == "" {
		return nil
	}
	desc, ok := snap.Lookup(hint)
	if !ok {
		return &InvalidQueryError{Reason: fmt.Sprintf("index %q named by the raw expression does not exist", hint)}
	}
	if _, isOr := raw.Expr.(*OrExpr); isOr {
		plan.Notes = append(plan.Notes, fmt.Sprintf("index %q not used: expression is disjunctive", hint))
		return nil
	}
	if desc.Set != opts.Set {
		plan.Notes = append(plan.Notes, fmt.Sprintf("index %q belongs to set %q", hint, desc.Set))
		return nil
	}
	if desc.Namespace != "" && desc.Namespace != opts.Namespace {
		plan.Notes = append(plan.Notes, fmt.Sprintf("index %q belongs to namespace %q", hint, desc.Namespace))
		return nil
	}

	var cands []candidate
	for i, c := range flattenAndExpr(raw.Expr) {
		if c.Target.Kind != TargetBin || c.IgnoreCase || c.Target.bin() != desc.Bin {
			continue
		}
		coll := c.Target.Collection
		if coll != desc.Collection {
			continue
		}
		if f, rank, ok := buildIndexFilter(desc, c.Op, coll, c.Values); ok {
			cands = append(cands, candidate{desc: desc, filter: f, opRank: rank, position: i})
		}
	}
	if len(cands) == 0 {
		plan.Notes = append(plan.Notes, fmt.Sprintf("index %q not used: no top-level conjunct is a single range on %s", hint, desc.Bin))
		return nil
	}
	plan.IndexFilter = chooseCandidate(plan, cands, "")
	return nil
}

func flattenAndExpr(e Expression) []*CompareExpr {
	switch t := e.(type) {
	case *CompareExpr:
		return []*CompareExpr{t}
	case *AndExpr:
		var out []*CompareExpr
		for _, term := range t.Terms {
			out = append(out, flattenAndExpr(term)...)
		}
		return out
	}
	return nil
}

// chooseCandidate prefers the caller's index, then the most selective index,
// breaking ties by field name, then by operator (equality before two-sided
// before one-sided ranges), then by index name and conjunct position.
func chooseCandidate(plan *Plan, cands []candidate, indexName string) *IndexFilter {
	if len(cands) == 0 {
		if indexName != "" {
			plan.Notes = append(plan.Notes, fmt.Sprintf("index %q cannot serve this query", indexName))
		}
		return nil
	}
	if indexName != "" {
		var forced []candidate
		for _, c := range cands {
			if c.desc.Name == indexName {
				forced = append(forced, c)
			}
		}
		if len(forced) > 0 {
			cands = forced
		} else {
			plan.Notes = append(plan.Notes, fmt.Sprintf("index %q cannot serve this query; chose by selectivity", indexName))
		}
	}
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.desc.Selectivity != b.desc.Selectivity {
			return a.desc.Selectivity < b.desc.Selectivity
		}
		if a.desc.Bin != b.desc.Bin {
			return a.desc.Bin < b.desc.Bin
		}
		if a.opRank != b.opRank {
			return a.opRank < b.opRank
		}
		if a.desc.Name != b.desc.Name {
			return a.desc.Name < b.desc.Name
		}
		return a.position < b.position
	})
	return cands[0].filter
}

// buildIndexFilter translates one comparison into a native filter on d.
// Only equality and ordered ranges qualify; string indexes support equality
// only. Inside a collection context, CONTAINING is element equality.
func buildIndexFilter(d IndexDescriptor, op Operator, coll CollectionContext, values []any) (*IndexFilter, int, bool) {
	if len(values) == 0 {
		return nil, 0, false
	}
	if op == OpContaining && coll != CollectionNone {
		op = OpEq
	}
	f := &IndexFilter{
		Index:      d.Name,
		Namespace:  d.Namespace,
		Set:        d.Set,
		Bin:        d.Bin,
		Type:       d.Type,
		Collection: d.Collection,
		Min:        math.Inf(-1),
		Max:        math.Inf(1),
	}
	if d.Type == IndexString {
		s, ok := values[0].(string)
		if op != OpEq || !ok {
			return nil, 0, false
		}
		f.Equals = s
		f.Min, f.Max = 0, 0
		return f, 0, true
	}

	for _, v := range values {
		if !isNumber(v) {
			return nil, 0, false
		}
	}
	first, _ := toFloat(values[0])
	switch op {
	case OpEq:
		f.Min, f.Max = first, first
		return f, 0, true
	case OpBetween:
		second, _ := toFloat(values[1])
		f.Min, f.Max = first, second
		return f, 1, true
	case OpLt, OpLtEq:
		f.Max = first
		return f, 2, true
	case OpGt, OpGtEq:
		f.Min = first
		return f, 2, true
	}
	return nil, 0, false
}

func uniqueIDs(values []any) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		s := v.(string)
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
