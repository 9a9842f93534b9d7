package binstore

import (
	"context"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultMemoryMaxBatchSize is the BatchWrite limit of a MemoryBackend.
const DefaultMemoryMaxBatchSize = 500

// MemoryBackend keeps records in process. Writes to one key are serialized
// by a striped lock so that the precondition check and the store happen as
// one step; different keys proceed in parallel.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[Key]*Record
	indexes map[string]*memoryIndex

	locks    *StripedLocks
	clock    func() time.Time
	maxBatch int
	closed   atomic.Bool
}

type memoryIndex struct {
	desc    IndexDescriptor
	pinned  bool
	entries map[Key][]any
}

// MemoryOption configures a MemoryBackend.
type MemoryOption func(*MemoryBackend)

// WithClock replaces the wall clock used for update times and expiry.
func WithClock(clock func() time.Time) MemoryOption {
	return func(b *MemoryBackend) { b.clock = clock }
}

// WithMemoryMaxBatchSize sets the BatchWrite limit.
func WithMemoryMaxBatchSize(n int) MemoryOption {
	return func(b *MemoryBackend) {
		if n > 0 {
			b.maxBatch = n
		}
	}
}

// NewMemoryBackend creates an empty in-process backend.
func NewMemoryBackend(opts ...MemoryOption) *MemoryBackend {
	b := &MemoryBackend{
		records:  make(map[Key]*Record),
		indexes:  make(map[string]*memoryIndex),
		locks:    NewStripedLocks(DefaultLockStripes),
		clock:    time.Now,
		maxBatch: DefaultMemoryMaxBatchSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *MemoryBackend) checkOpen() error {
	if b.closed.Load() {
		return WithContext(ErrBackendUnavailable, map[string]interface{}{
			"reason": "memory backend is closed",
		})
	}
	return nil
}

// live returns the stored record for key unless it is missing or expired.
// Callers hold b.mu.
func (b *MemoryBackend) live(key Key, now time.Time) *Record {
	r := b.records[key]
	if r == nil || r.Expired(now) {
		return nil
	}
	return r
}

func (b *MemoryBackend) Get(ctx context.Context, key Key) (*Record, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	r := b.live(key, b.clock())
	if r == nil {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (b *MemoryBackend) GetMany(ctx context.Context, keys []Key) ([]*Record, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := b.clock()
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Record, len(keys))
	for i, k := range keys {
		out[i] = b.live(k, now).Clone()
	}
	return out, nil
}

func (b *MemoryBackend) Write(ctx context.Context, req WriteRequest) (int64, error) {
	if err := b.checkOpen(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := validateWrite(req); err != nil {
		return 0, err
	}

	unlock := b.locks.Lock(req.Key.String())
	defer unlock()

	now := b.clock()
	b.mu.RLock()
	cur := b.live(req.Key, now)
	b.mu.RUnlock()

	next, err := applyWrite(cur, req, now)
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	b.records[req.Key] = next
	for _, idx := range b.indexes {
		idx.update(next)
	}
	b.mu.Unlock()
	return next.Generation, nil
}

func (b *MemoryBackend) Delete(ctx context.Context, req DeleteRequest) (bool, error) {
	if err := b.checkOpen(); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	unlock := b.locks.Lock(req.Key.String())
	defer unlock()

	b.mu.RLock()
	cur := b.live(req.Key, b.clock())
	b.mu.RUnlock()

	ok, err := checkDelete(cur, req)
	if err != nil || !ok {
		return false, err
	}

	b.mu.Lock()
	delete(b.records, req.Key)
	for _, idx := range b.indexes {
		delete(idx.entries, req.Key)
	}
	b.mu.Unlock()
	return true, nil
}

// BatchWrite applies each entry independently; a failing entry does not
// affect the others.
func (b *MemoryBackend) BatchWrite(ctx context.Context, entries []BatchEntry) []BatchResult {
	results := make([]BatchResult, len(entries))
	for i, e := range entries {
		switch {
		case e.Write != nil:
			gen, err := b.Write(ctx, *e.Write)
			results[i] = BatchResult{Generation: gen, Err: err}
		case e.Delete != nil:
			deleted, err := b.Delete(ctx, *e.Delete)
			results[i] = BatchResult{Deleted: deleted, Err: err}
		default:
			results[i] = BatchResult{Err: ErrInvalidBatch}
		}
	}
	return results
}

func (b *MemoryBackend) MaxBatchSize() int { return b.maxBatch }

func (b *MemoryBackend) Scan(ctx context.Context, req ScanRequest) (Cursor, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	var keys []Key
	if req.Index != nil {
		idx, ok := b.indexes[req.Index.Index]
		if !ok {
			b.mu.RUnlock()
			return nil, WithContext(ErrIndexNotFound, map[string]interface{}{"index": req.Index.Index})
		}
		for k, vals := range idx.entries {
			if k.Namespace != req.Namespace || k.Set != req.Set {
				continue
			}
			for _, v := range vals {
				if req.Index.Matches(v) {
					keys = append(keys, k)
					break
				}
			}
		}
	} else {
		for k := range b.records {
			if k.Namespace == req.Namespace && k.Set == req.Set {
				keys = append(keys, k)
			}
		}
	}
	b.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].ID < keys[j].ID })
	return &memoryCursor{backend: b, keys: keys, req: req}, nil
}

type memoryCursor struct {
	backend *MemoryBackend
	keys    []Key
	pos     int
	req     ScanRequest
	closed  bool
}

func (c *memoryCursor) Next(ctx context.Context) (*Record, error) {
	for {
		if c.closed || c.pos >= len(c.keys) {
			return nil, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key := c.keys[c.pos]
		c.pos++

		now := c.req.Now
		if now.IsZero() {
			now = c.backend.clock()
		}
		c.backend.mu.RLock()
		r := c.backend.live(key, now).Clone()
		c.backend.mu.RUnlock()
		if r == nil {
			continue
		}
		if c.req.Filter != nil && !c.req.Filter.Eval(r, now) {
			continue
		}
		return r, nil
	}
}

func (c *memoryCursor) Close() error {
	c.closed = true
	c.keys = nil
	return nil
}

// CreateIndex registers a secondary index and indexes the existing records.
// A descriptor with a selectivity in (0,1] keeps it; otherwise selectivity is
// derived from the indexed data.
func (b *MemoryBackend) CreateIndex(ctx context.Context, desc IndexDescriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.indexes[desc.Name]; exists {
		return WithContext(ErrAlreadyExists, map[string]interface{}{"index": desc.Name})
	}
	idx := &memoryIndex{
		desc:    desc,
		pinned:  desc.Selectivity > 0 && desc.Selectivity <= 1,
		entries: make(map[Key][]any),
	}
	for _, r := range b.records {
		idx.update(r)
	}
	b.indexes[desc.Name] = idx
	return nil
}

func (b *MemoryBackend) DropIndex(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.indexes[name]; !ok {
		return WithContext(ErrIndexNotFound, map[string]interface{}{"index": name})
	}
	delete(b.indexes, name)
	return nil
}

// Indexes lists the registered indexes with their current selectivity.
func (b *MemoryBackend) Indexes(ctx context.Context) ([]IndexDescriptor, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]IndexDescriptor, 0, len(b.indexes))
	for _, idx := range b.indexes {
		d := idx.desc
		if !idx.pinned {
			d.Selectivity = idx.selectivity()
		}
		out = append(out, d)
	}
	sortDescriptors(out)
	return out, nil
}

func (b *MemoryBackend) Ping(ctx context.Context) error {
	return b.checkOpen()
}

func (b *MemoryBackend) Close() error {
	b.closed.Store(true)
	return nil
}

// Len returns the number of stored records, expired ones included.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.records)
}

func (idx *memoryIndex) update(r *Record) {
	if r.Key.Set != idx.desc.Set || (idx.desc.Namespace != "" && r.Key.Namespace != idx.desc.Namespace) {
		return
	}
	vals := idx.desc.indexValues(r)
	if len(vals) == 0 {
		delete(idx.entries, r.Key)
		return
	}
	idx.entries[r.Key] = vals
}

// selectivity is the expected fraction of entries an equality lookup
// returns: one over the number of distinct indexed values.
func (idx *memoryIndex) selectivity() float64 {
	distinct := make(map[any]struct{})
	for _, vals := range idx.entries {
		for _, v := range vals {
			if f, ok := toFloat(v); ok {
				distinct[f] = struct{}{}
			} else {
				distinct[v] = struct{}{}
			}
		}
	}
	if len(distinct) == 0 {
		return 1
	}
	return 1 / float64(len(distinct))
}
