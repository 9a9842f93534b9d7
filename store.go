package binstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Store is the entry point of binstore. It compiles criteria against the
// current index catalog, runs the plans on its Backend and applies versioned
// writes, one at a time or in batches.
type Store struct {
	backend   Backend
	namespace string
	policy    Policy
	catalog   *IndexCatalog
	runner    *Runner
	versions  *VersionController
	batches   *BatchCoordinator
	schema    SchemaRegistry
	logger    Logger
	metrics   Metrics
}

// NewStore creates a store with no-op logger and metrics and the default
// policy.
func NewStore(backend Backend) *Store {
	return NewStoreWithObservability(backend, &NoOpLogger{}, &NoOpMetrics{})
}

// NewStoreWithLogger creates a new store with a custom logger
func NewStoreWithLogger(backend Backend, logger Logger) *Store {
	return NewStoreWithObservability(backend, logger, &NoOpMetrics{})
}

// NewStoreWithObservability creates a new store with logging and metrics
func NewStoreWithObservability(backend Backend, logger Logger, metrics Metrics) *Store {
	var source CatalogSource
	if src, ok := backend.(CatalogSource); ok {
		source = src
	}
	s := &Store{
		backend: backend,
		policy:  DefaultPolicy(),
		catalog: NewIndexCatalog(source, WithCatalogObservability(logger, metrics)),
		runner:  NewRunner(backend),
		logger:  logger,
		metrics: metrics,
	}
	s.rebuildWriters()
	return s
}

func (s *Store) rebuildWriters() {
	s.versions = NewVersionController(s.backend, s.schema)
	s.batches = NewBatchCoordinator(s.backend, s.versions, s.policy)
	s.batches.SetObservability(s.logger, s.metrics)
}

// SetLogger updates the logger for this store
func (s *Store) SetLogger(logger Logger) {
	s.logger = logger
	s.batches.SetObservability(s.logger, s.metrics)
}

// SetMetrics updates the metrics collector for this store
func (s *Store) SetMetrics(metrics Metrics) {
	s.metrics = metrics
	s.batches.SetObservability(s.logger, s.metrics)
}

// SetSchema registers the schema consulted by field-subset writes.
func (s *Store) SetSchema(schema SchemaRegistry) {
	s.schema = schema
	s.rebuildWriters()
}

// WithPolicy replaces the store policy. Invalid policies are rejected.
func (s *Store) WithPolicy(policy Policy) (*Store, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	s.policy = policy
	s.rebuildWriters()
	return s, nil
}

// WithNamespace sets the namespace used by Find, Count and Explain.
func (s *Store) WithNamespace(namespace string) *Store {
	s.namespace = namespace
	return s
}

// Namespace returns the default query namespace.
func (s *Store) Namespace() string { return s.namespace }

// Policy returns the current policy.
func (s *Store) Policy() Policy { return s.policy }

// Catalog returns the store's index catalog.
func (s *Store) Catalog() *IndexCatalog { return s.catalog }

// Backend returns the underlying backend
func (s *Store) Backend() Backend { return s.backend }

type queryConfig struct {
	index     string
	scans     *bool
	namespace string
	now       time.Time
}

// QueryOption adjusts a single query.
type QueryOption func(*queryConfig)

// WithIndex asks the compiler to narrow with the named index.
func WithIndex(name string) QueryOption {
	return func(c *queryConfig) { c.index = name }
}

// WithScans overrides the policy's full-scan permission for one query.
func WithScans(allowed bool) QueryOption {
	return func(c *queryConfig) { c.scans = &allowed }
}

// InNamespace runs one query in another namespace.
func InNamespace(namespace string) QueryOption {
	return func(c *queryConfig) { c.namespace = namespace }
}

// At evaluates metadata predicates at t instead of the current time.
func At(t time.Time) QueryOption {
	return func(c *queryConfig) { c.now = t }
}

func (s *Store) queryConfig(opts []QueryOption) queryConfig {
	cfg := queryConfig{namespace: s.namespace}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Explain compiles criteria for set without running the plan.
func (s *Store) Explain(ctx context.Context, set string, criteria Node, opts ...QueryOption) (*Plan, error) {
	return s.compile(ctx, set, criteria, s.queryConfig(opts))
}

// compile builds a plan from the current snapshot. A request for an index the
// snapshot does not know triggers one rate-limited catalog refresh first.
func (s *Store) compile(ctx context.Context, set string, criteria Node, cfg queryConfig) (*Plan, error) {
	copts := CompileOptions{
		Namespace: cfg.namespace,
		Set:       set,
		IndexName: cfg.index,
		KeyField:  s.policy.KeyField,
	}
	snap := s.catalog.Snapshot()
	if cfg.index != "" && s.catalog.source != nil {
		if _, known := snap.Lookup(cfg.index); !known {
			if refreshed, err := s.catalog.RefreshIfDue(ctx); refreshed && err != nil {
				s.logger.Warn("on-demand catalog refresh failed", "index", cfg.index, "error", err)
			}
			snap = s.catalog.Snapshot()
		}
	}
	plan, err := Compile(criteria, snap, copts)
	if err != nil {
		return nil, err
	}
	s.metrics.Increment(MetricQueryPlan, "strategy", plan.Strategy().String())
	return plan, nil
}

// Find runs criteria against set and returns a lazy record stream. The
// caller must Close it.
func (s *Store) Find(ctx context.Context, set string, criteria Node, opts ...QueryOption) (*RecordSet, error) {
	cfg := s.queryConfig(opts)
	start := time.Now()

	plan, err := s.compile(ctx, set, criteria, cfg)
	if err != nil {
		s.metrics.Increment(MetricQueryError, "set", set)
		s.profile(ctx, QueryProfile{Set: set, Fields: criteriaFields(criteria), StartTime: start, Err: err})
		return nil, err
	}

	scans := s.policy.ScansAllowed
	if cfg.scans != nil {
		scans = *cfg.scans
	}
	profile := QueryProfile{
		Set:         set,
		Strategy:    plan.Strategy(),
		HintIgnored: cfg.index != "" && (plan.IndexFilter == nil || plan.IndexFilter.Index != cfg.index),
		Fields:      criteriaFields(criteria),
		StartTime:   start,
	}
	if plan.IndexFilter != nil {
		profile.IndexUsed = plan.IndexFilter.Index
	}

	rs, err := s.runner.Run(ctx, plan, RunOptions{ScansAllowed: scans, Now: cfg.now})
	if err != nil {
		var scanErr *ScansDisabledError
		if errors.As(err, &scanErr) {
			s.metrics.Increment(MetricScanRejected, "set", set)
		} else {
			s.metrics.Increment(MetricQueryError, "set", set)
			s.logger.Error("query failed", "set", set, "strategy", plan.Strategy().String(), "error", err)
		}
		profile.Err = err
		profile.Duration = time.Since(start)
		s.profile(ctx, profile)
		return nil, err
	}

	strategy := plan.Strategy().String()
	rs.onClose = func(count int, err error) {
		profile.Duration = time.Since(start)
		profile.ResultCount = count
		profile.Err = err
		s.profile(ctx, profile)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.metrics.Increment(MetricQueryError, "set", set)
			return
		}
		s.metrics.Increment(MetricQuerySuccess, "set", set, "strategy", strategy)
		s.metrics.Timing(MetricQueryDuration, profile.Duration, "set", set, "strategy", strategy)
		s.metrics.Histogram(MetricQueryResults, float64(count), "set", set)
		if profile.Duration > s.policy.SlowQueryThreshold {
			s.logger.Warn("slow query", "set", set, "strategy", strategy, "duration", profile.Duration, "results", count)
		}
	}
	return rs, nil
}

// Count returns the number of records of set matching criteria.
func (s *Store) Count(ctx context.Context, set string, criteria Node, opts ...QueryOption) (int, error) {
	rs, err := s.Find(ctx, set, criteria, opts...)
	if err != nil {
		return 0, err
	}
	defer rs.Close()
	for rs.Next() {
	}
	return rs.Count(), rs.Err()
}

func (s *Store) profile(ctx context.Context, p QueryProfile) {
	if profiler := ProfilerFromContext(ctx); profiler != nil {
		profiler.Record(p)
	}
}

// Get fetches one record.
func (s *Store) Get(ctx context.Context, key Key) (*Record, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}
	rec, err := s.backend.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &RecordNotFoundError{Key: key}
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return rec, nil
}

// Insert creates a record and returns its version, which is always 1.
func (s *Store) Insert(ctx context.Context, key Key, bins map[string]any) (int64, error) {
	out, err := s.Execute(ctx, Insert(key, bins))
	return out.Version, err
}

// Update replaces an existing record. A positive version must match the
// stored version.
func (s *Store) Update(ctx context.Context, key Key, bins map[string]any, version int64) (int64, error) {
	out, err := s.Execute(ctx, Update(key, bins, version))
	return out.Version, err
}

// Save creates or replaces a record. A positive version must match the
// stored version when the record exists.
func (s *Store) Save(ctx context.Context, key Key, bins map[string]any, version int64) (int64, error) {
	out, err := s.Execute(ctx, Save(key, bins, version))
	return out.Version, err
}

// Delete removes a record and reports whether it existed. A positive
// version must match the stored version.
func (s *Store) Delete(ctx context.Context, key Key, version int64) (bool, error) {
	out, err := s.Execute(ctx, Remove(key, version))
	return out.Deleted, err
}

// Execute applies one write intent.
func (s *Store) Execute(ctx context.Context, intent WriteIntent) (Outcome, error) {
	start := time.Now()
	out, err := s.versions.Execute(ctx, intent)
	s.metrics.Timing(MetricWriteDuration, time.Since(start), "kind", intent.Kind.String())
	s.recordOutcome(out)
	return out, err
}

// SubmitBatch applies intents as one batch. See BatchCoordinator.Submit.
func (s *Store) SubmitBatch(ctx context.Context, intents []WriteIntent, opts ...BatchOption) ([]Outcome, error) {
	outcomes, err := s.batches.Submit(ctx, intents, opts...)
	for _, out := range outcomes {
		s.recordOutcome(out)
	}
	return outcomes, err
}

func (s *Store) recordOutcome(out Outcome) {
	kind := out.Kind.String()
	switch {
	case out.Err == nil:
		s.metrics.Increment(MetricWriteSuccess, "kind", kind)
	case errors.Is(out.Err, ErrConflict):
		s.metrics.Increment(MetricWriteConflict, "kind", kind)
		s.logger.Debug("write conflict", "key", out.Key.String(), "kind", kind, "error", out.Err)
	default:
		s.metrics.Increment(MetricWriteError, "kind", kind)
		if !IsPermanent(out.Err) {
			s.logger.Error("write failed", "key", out.Key.String(), "kind", kind, "error", out.Err)
		}
	}
}

// CreateIndex registers an index on the backend and refreshes the catalog.
func (s *Store) CreateIndex(ctx context.Context, desc IndexDescriptor) error {
	ib, ok := s.backend.(IndexBackend)
	if !ok {
		return fmt.Errorf("create index %s: %w", desc.Name, errors.ErrUnsupported)
	}
	if err := ib.CreateIndex(ctx, desc); err != nil {
		return err
	}
	s.logger.Info("index created", "index", desc.Name, "set", desc.Set, "bin", desc.Bin, "type", desc.Type.String())
	return s.catalog.Refresh(ctx)
}

// DropIndex removes an index from the backend and refreshes the catalog.
func (s *Store) DropIndex(ctx context.Context, name string) error {
	ib, ok := s.backend.(IndexBackend)
	if !ok {
		return fmt.Errorf("drop index %s: %w", name, errors.ErrUnsupported)
	}
	if err := ib.DropIndex(ctx, name); err != nil {
		return err
	}
	s.logger.Info("index dropped", "index", name)
	return s.catalog.Refresh(ctx)
}

// Ping checks backend connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// Close stops the catalog refresh loop and closes the backend.
func (s *Store) Close() error {
	s.catalog.Stop()
	return s.backend.Close()
}

// criteriaFields returns the sorted distinct field paths a tree filters on.
func criteriaFields(n Node) []string {
	seen := make(map[string]bool)
	var walk func(Node)
	walk = func(n Node) {
		switch v := n.(type) {
		case *Predicate:
			seen[v.Bin()] = true
		case *Combinator:
			for _, c := range v.Children {
				walk(c)
			}
		}
	}
	if n != nil {
		walk(n)
	}
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
