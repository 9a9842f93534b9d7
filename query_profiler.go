package binstore

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// QueryProfile records how one query was planned and executed.
type QueryProfile struct {
	Set         string
	Strategy    Strategy
	IndexUsed   string // empty unless the plan used an index filter
	HintIgnored bool   // a requested index could not be used
	Fields      []string
	StartTime   time.Time
	Duration    time.Duration
	ResultCount int
	Err         error
}

// FullScan reports whether the query read every record of its set.
func (q QueryProfile) FullScan() bool {
	return q.Strategy == StrategyFullScan
}

// QueryProfiler collects query profiles. Attach one to a context with
// WithProfiler; the store records every query run with that context.
type QueryProfiler struct {
	mu                 sync.RWMutex
	profiles           []QueryProfile
	slowQueryThreshold time.Duration
}

// NewQueryProfiler creates a new query profiler
func NewQueryProfiler() *QueryProfiler {
	return &QueryProfiler{slowQueryThreshold: DefaultSlowQueryThreshold}
}

// SetSlowQueryThreshold sets the duration threshold for slow queries
func (p *QueryProfiler) SetSlowQueryThreshold(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slowQueryThreshold = d
}

// Record stores a completed profile.
func (p *QueryProfiler) Record(profile QueryProfile) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.profiles = append(p.profiles, profile)
}

// Profiles returns every recorded profile in recording order.
func (p *QueryProfiler) Profiles() []QueryProfile {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]QueryProfile(nil), p.profiles...)
}

func (p *QueryProfiler) filter(keep func(QueryProfile) bool) []QueryProfile {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []QueryProfile
	for _, q := range p.profiles {
		if keep(q) {
			out = append(out, q)
		}
	}
	return out
}

// SlowQueries returns queries that exceeded the slow query threshold
func (p *QueryProfiler) SlowQueries() []QueryProfile {
	p.mu.RLock()
	threshold := p.slowQueryThreshold
	p.mu.RUnlock()
	return p.filter(func(q QueryProfile) bool { return q.Duration > threshold })
}

// FullScans returns queries that read every record of their set
func (p *QueryProfiler) FullScans() []QueryProfile {
	return p.filter(QueryProfile.FullScan)
}

// Clear clears all recorded profiles
func (p *QueryProfiler) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.profiles = nil
}

// ProfileSummary aggregates recorded profiles.
type ProfileSummary struct {
	TotalQueries    int
	SlowQueries     int
	FullScans       int
	Errors          int
	AverageDuration time.Duration
	P50Duration     time.Duration
	P95Duration     time.Duration
	ByStrategy      map[Strategy]int
	BySet           map[string]SetStats
}

// SetStats aggregates the profiles of one set.
type SetStats struct {
	Count         int
	TotalDuration time.Duration
	MaxDuration   time.Duration
	FullScans     int
	Indexes       map[string]int
}

// Summary returns a statistical summary of all profiles
func (p *QueryProfiler) Summary() ProfileSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()

	summary := ProfileSummary{
		TotalQueries: len(p.profiles),
		ByStrategy:   make(map[Strategy]int),
		BySet:        make(map[string]SetStats),
	}
	if len(p.profiles) == 0 {
		return summary
	}

	var total time.Duration
	durations := make([]time.Duration, 0, len(p.profiles))
	for _, q := range p.profiles {
		total += q.Duration
		durations = append(durations, q.Duration)
		if q.Duration > p.slowQueryThreshold {
			summary.SlowQueries++
		}
		if q.FullScan() {
			summary.FullScans++
		}
		if q.Err != nil {
			summary.Errors++
		}
		summary.ByStrategy[q.Strategy]++

		stats := summary.BySet[q.Set]
		stats.Count++
		stats.TotalDuration += q.Duration
		if q.Duration > stats.MaxDuration {
			stats.MaxDuration = q.Duration
		}
		if q.FullScan() {
			stats.FullScans++
		}
		if q.IndexUsed != "" {
			if stats.Indexes == nil {
				stats.Indexes = make(map[string]int)
			}
			stats.Indexes[q.IndexUsed]++
		}
		summary.BySet[q.Set] = stats
	}

	summary.AverageDuration = total / time.Duration(len(p.profiles))
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	summary.P50Duration = durations[len(durations)*50/100]
	summary.P95Duration = durations[len(durations)*95/100]
	return summary
}

// WriteSummary prints a formatted summary to w.
func (p *QueryProfiler) WriteSummary(w io.Writer) {
	s := p.Summary()
	fmt.Fprintf(w, "queries=%d slow=%d full_scans=%d errors=%d avg=%v p50=%v p95=%v\n",
		s.TotalQueries, s.SlowQueries, s.FullScans, s.Errors, s.AverageDuration, s.P50Duration, s.P95Duration)

	sets := make([]string, 0, len(s.BySet))
	for set := range s.BySet {
		sets = append(sets, set)
	}
	sort.Strings(sets)
	for _, set := range sets {
		st := s.BySet[set]
		fmt.Fprintf(w, "  %-24s count=%4d max=%8v full_scans=%3d indexes=%v\n",
			set, st.Count, st.MaxDuration, st.FullScans, st.Indexes)
	}
}

// Context key for query profiler
type profilerKey struct{}

// WithProfiler attaches a profiler to the context
func WithProfiler(ctx context.Context, profiler *QueryProfiler) context.Context {
	return context.WithValue(ctx, profilerKey{}, profiler)
}

// ProfilerFromContext returns the profiler attached to ctx, or nil.
func ProfilerFromContext(ctx context.Context) *QueryProfiler {
	profiler, _ := ctx.Value(profilerKey{}).(*QueryProfiler)
	return profiler
}
