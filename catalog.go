package binstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// IndexType is the value type a secondary index holds.
type IndexType int

const (
	IndexNumeric IndexType = iota + 1
	IndexString
)

func (t IndexType) String() string {
	switch t {
	case IndexNumeric:
		return "NUMERIC"
	case IndexString:
		return "STRING"
	}
	return "UNKNOWN"
}

// IndexDescriptor describes one secondary index. Bin is the dotted path of
// the indexed field. Selectivity is the fraction of records an equality
// lookup is expected to return; lower is more selective.
type IndexDescriptor struct {
	Name        string            `msgpack:"name"`
	Namespace   string            `msgpack:"ns"`
	Set         string            `msgpack:"set"`
	Bin         string            `msgpack:"bin"`
	Type        IndexType         `msgpack:"type"`
	Collection  CollectionContext `msgpack:"coll"`
	Selectivity float64           `msgpack:"sel"`
}

// Validate checks that the descriptor can be published.
func (d IndexDescriptor) Validate() error {
	fail := func(field, reason string) error {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"index":  d.Name,
			"field":  field,
			"reason": reason,
		})
	}
	if d.Name == "" {
		return fail("Name", "must not be empty")
	}
	if d.Set == "" {
		return fail("Set", "must not be empty")
	}
	if d.Bin == "" {
		return fail("Bin", "must not be empty")
	}
	if d.Type != IndexNumeric && d.Type != IndexString {
		return fail("Type", "must be NUMERIC or STRING")
	}
	if d.Collection < CollectionNone || d.Collection > CollectionMapValues {
		return fail("Collection", "unknown collection context")
	}
	return nil
}

// accepts reports whether v can be stored in an index of this type.
func (d IndexDescriptor) accepts(v any) bool {
	if d.Type == IndexNumeric {
		return isNumber(v)
	}
	_, ok := v.(string)
	return ok
}

// indexValues lists the values r contributes to the index, deduplicated.
func (d IndexDescriptor) indexValues(r *Record) []any {
	v, ok := r.Value(d.Bin)
	if !ok || v == nil {
		return nil
	}
	var candidates []any
	if d.Collection == CollectionNone {
		candidates = []any{v}
	} else if elems, ok := elements(v, d.Collection); ok {
		candidates = elems
	}
	out := make([]any, 0, len(candidates))
	for _, c := range candidates {
		if !d.accepts(c) {
			continue
		}
		dup := false
		for _, seen := range out {
			if valuesEqual(seen, c, false) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, c)
		}
	}
	return out
}

// CatalogSnapshot is an immutable view of the known indexes. A snapshot is
// never modified after publication.
type CatalogSnapshot struct {
	Version  uint64
	LoadedAt time.Time

	indexes []IndexDescriptor
	byName  map[string]int
}

// NewCatalogSnapshot builds a snapshot from descriptors. Selectivities outside
// (0,1] are treated as unknown and stored as 1.
func NewCatalogSnapshot(descs []IndexDescriptor) (*CatalogSnapshot, error) {
	indexes := make([]IndexDescriptor, len(descs))
	copy(indexes, descs)
	sortDescriptors(indexes)

	byName := make(map[string]int, len(indexes))
	for i := range indexes {
		d := &indexes[i]
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := byName[d.Name]; dup {
			return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
				"index":  d.Name,
				"reason": "duplicate index name",
			})
		}
		if d.Selectivity <= 0 || d.Selectivity > 1 {
			d.Selectivity = 1
		}
		byName[d.Name] = i
	}
	return &CatalogSnapshot{LoadedAt: time.Now(), indexes: indexes, byName: byName}, nil
}

// Lookup returns the index with the given name.
func (s *CatalogSnapshot) Lookup(name string) (IndexDescriptor, bool) {
	if s == nil {
		return IndexDescriptor{}, false
	}
	i, ok := s.byName[name]
	if !ok {
		return IndexDescriptor{}, false
	}
	return s.indexes[i], true
}

// ForBin returns the indexes on set/bin with the given collection context,
// ordered by name.
func (s *CatalogSnapshot) ForBin(namespace, set, bin string, ctx CollectionContext) []IndexDescriptor {
	if s == nil {
		return nil
	}
	var out []IndexDescriptor
	for _, d := range s.indexes {
		if d.Set == set && d.Bin == bin && d.Collection == ctx && (d.Namespace == "" || d.Namespace == namespace) {
			out = append(out, d)
		}
	}
	return out
}

// Indexes returns a copy of every descriptor, ordered by name.
func (s *CatalogSnapshot) Indexes() []IndexDescriptor {
	if s == nil {
		return nil
	}
	return append([]IndexDescriptor(nil), s.indexes...)
}

func (s *CatalogSnapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.indexes)
}

// CatalogSource loads the current index descriptors, usually from the store.
type CatalogSource interface {
	Indexes(ctx context.Context) ([]IndexDescriptor, error)
}

// IndexCatalog holds the most recently published snapshot. Readers load it
// with one atomic read and never wait for a refresh in progress.
type IndexCatalog struct {
	current atomic.Pointer[CatalogSnapshot]
	version atomic.Uint64

	source  CatalogSource
	limiter *rate.Limiter
	logger  Logger
	metrics Metrics

	refreshMu sync.Mutex
	loopMu    sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
}

// CatalogOption configures an IndexCatalog.
type CatalogOption func(*IndexCatalog)

// WithRefreshLimit caps on-demand refreshes to every per interval with the
// given burst.
func WithRefreshLimit(every time.Duration, burst int) CatalogOption {
	return func(c *IndexCatalog) {
		c.limiter = rate.NewLimiter(rate.Every(every), burst)
	}
}

// WithCatalogObservability sets the logger and metrics of the catalog.
func WithCatalogObservability(logger Logger, metrics Metrics) CatalogOption {
	return func(c *IndexCatalog) {
		if logger != nil {
			c.logger = logger
		}
		if metrics != nil {
			c.metrics = metrics
		}
	}
}

// NewIndexCatalog creates a catalog with an empty snapshot. source may be nil
// when descriptors are only ever published directly.
func NewIndexCatalog(source CatalogSource, opts ...CatalogOption) *IndexCatalog {
	c := &IndexCatalog{
		source:  source,
		limiter: rate.NewLimiter(rate.Every(DefaultCatalogRefreshMinInterval), 1),
		logger:  &NoOpLogger{},
		metrics: &NoOpMetrics{},
	}
	for _, opt := range opts {
		opt(c)
	}
	empty, _ := NewCatalogSnapshot(nil)
	c.current.Store(empty)
	return c
}

// Snapshot returns the current snapshot. It never blocks.
func (c *IndexCatalog) Snapshot() *CatalogSnapshot {
	return c.current.Load()
}

// Publish validates descs and atomically replaces the current snapshot.
func (c *IndexCatalog) Publish(descs []IndexDescriptor) (*CatalogSnapshot, error) {
	snap, err := NewCatalogSnapshot(descs)
	if err != nil {
		return nil, err
	}
	snap.Version = c.version.Add(1)
	c.current.Store(snap)
	c.metrics.Gauge(MetricCatalogIndexes, float64(snap.Len()))
	c.logger.Debug("index catalog published", "version", snap.Version, "indexes", snap.Len())
	return snap, nil
}

// Refresh loads descriptors from the source and publishes them. Concurrent
// refreshes are serialized; readers keep using the previous snapshot until
// the new one is stored.
func (c *IndexCatalog) Refresh(ctx context.Context) error {
	if c.source == nil {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"reason": "index catalog has no source",
		})
	}
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	start := time.Now()
	descs, err := c.source.Indexes(ctx)
	if err != nil {
		c.metrics.Increment(MetricCatalogRefreshError)
		c.logger.Error("index catalog refresh failed", "error", err)
		return fmt.Errorf("refresh index catalog: %w", err)
	}
	if _, err := c.Publish(descs); err != nil {
		c.metrics.Increment(MetricCatalogRefreshError)
		c.logger.Error("index catalog refresh rejected", "error", err)
		return err
	}
	c.metrics.Increment(MetricCatalogRefresh)
	c.metrics.Timing(MetricCatalogRefreshDuration, time.Since(start))
	return nil
}

// RefreshIfDue refreshes unless the on-demand rate limit has been reached.
// It reports whether a refresh was attempted.
func (c *IndexCatalog) RefreshIfDue(ctx context.Context) (bool, error) {
	if !c.limiter.Allow() {
		return false, nil
	}
	return true, c.Refresh(ctx)
}

// Start refreshes the catalog every interval until Stop is called or ctx is
// done. The first refresh happens immediately.
func (c *IndexCatalog) Start(ctx context.Context, interval time.Duration) {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("scheduled index catalog refresh failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}(c.done)
}

// Stop ends the refresh loop started by Start and waits for it to exit.
func (c *IndexCatalog) Stop() {
	c.loopMu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.loopMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func sortDescriptors(descs []IndexDescriptor) {
	sort.Slice(descs, func(i, j int) bool { return descs[i].Name < descs[j].Name })
}
