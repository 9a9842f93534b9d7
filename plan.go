package binstore

import (
	"fmt"
	"math"
	"strings"
)

// Strategy is the way a plan reads candidate records.
type Strategy int

const (
	StrategyFullScan Strategy = iota
	StrategyIndexScan
	StrategyIdentity
)

func (s Strategy) String() string {
	switch s {
	case StrategyIndexScan:
		return "index-scan"
	case StrategyIdentity:
		return "identity"
	}
	return "full-scan"
}

// IndexFilter is a single-index equality or range filter. String indexes
// filter on Equals; numeric indexes on the inclusive range [Min, Max], with
// infinities for open ends. Strict bounds are enforced by the residual.
type IndexFilter struct {
	Index      string
	Namespace  string
	Set        string
	Bin        string
	Type       IndexType
	Collection CollectionContext
	Equals     string
	Min        float64
	Max        float64
}

// Matches reports whether an indexed value falls inside the filter.
func (f *IndexFilter) Matches(v any) bool {
	if f.Type == IndexString {
		s, ok := v.(string)
		return ok && s == f.Equals
	}
	n, ok := toFloat(v)
	return ok && n >= f.Min && n <= f.Max
}

func (f *IndexFilter) String() string {
	bin := f.Bin
	if f.Collection != CollectionNone {
		bin = fmt.Sprintf("%s[%s]", f.Bin, f.Collection)
	}
	if f.Type == IndexString {
		return fmt.Sprintf("%s: %s = %q", f.Index, bin, f.Equals)
	}
	if f.Min == f.Max {
		return fmt.Sprintf("%s: %s = %s", f.Index, bin, formatBound(f.Min))
	}
	return fmt.Sprintf("%s: %s in [%s, %s]", f.Index, bin, formatBound(f.Min), formatBound(f.Max))
}

func formatBound(f float64) string {
	switch {
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsInf(f, 1):
		return "+inf"
	}
	return fmt.Sprintf("%g", f)
}

// IdentityFilter narrows a query to a known set of primary keys.
type IdentityFilter struct {
	Field string
	IDs   []string
}

// Plan is the compiled form of a criteria tree. Residual always restates the
// entire tree, including whatever the index or identity filter covers.
type Plan struct {
	Namespace   string
	Set         string
	IndexFilter *IndexFilter
	Identity    *IdentityFilter
	Residual    Expression
	FullScan    bool
	Notes       []string
}

// Strategy reports how the plan reads candidate records.
func (p *Plan) Strategy() Strategy {
	switch {
	case p.Identity != nil:
		return StrategyIdentity
	case p.IndexFilter != nil:
		return StrategyIndexScan
	}
	return StrategyFullScan
}

// Explain renders the plan one step per line.
func (p *Plan) Explain() []string {
	steps := []string{fmt.Sprintf("strategy: %s on %s", p.Strategy(), p.target())}
	switch p.Strategy() {
	case StrategyIdentity:
		steps = append(steps, fmt.Sprintf("batch get %s in (%s)", p.Identity.Field, strings.Join(quoteAll(p.Identity.IDs), ", ")))
	case StrategyIndexScan:
		steps = append(steps, "index filter "+p.IndexFilter.String())
	default:
		steps = append(steps, "scan every record in the set")
	}
	if p.Residual != nil {
		steps = append(steps, "filter "+p.Residual.String())
	}
	for _, n := range p.Notes {
		steps = append(steps, "note: "+n)
	}
	return steps
}

func (p *Plan) target() string {
	if p.Namespace == "" {
		return p.Set
	}
	return p.Namespace + "." + p.Set
}

func quoteAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = fmt.Sprintf("%q", s)
	}
	return out
}
