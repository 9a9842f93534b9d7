package binstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	fieldGeneration = "@gen"
	fieldLastUpdate = "@lut"
	fieldVoidTime   = "@void"
	binFieldPrefix  = "b:"
)

// RedisBackend stores each record as a hash and maintains secondary indexes
// next to it: sorted sets for numeric indexes and one set per value for
// string indexes.
//
// Conditional writes use WATCH/MULTI/EXEC on the record key and the index
// registry: the precondition is evaluated on the watched state and the write
// commits only if neither changed in between. Index entries are updated in
// the same transaction as the record.
//
// Expiry is logical: the void time is a hash field, never a Redis TTL, so an
// expired record keeps the values its index entries were derived from. Scans
// reap the expired records they meet.
type RedisBackend struct {
	client     *redis.Client
	prefix     string
	retry      RetryConfig
	breaker    *CircuitBreaker
	logger     Logger
	clock      func() time.Time
	pageSize   int64
	maxBatch   int
	ownsClient bool
}

// RedisOption configures a RedisBackend.
type RedisOption func(*RedisBackend)

// WithRedisPrefix sets the prefix of every key the backend writes.
func WithRedisPrefix(prefix string) RedisOption {
	return func(b *RedisBackend) { b.prefix = prefix }
}

// WithRedisRetry sets the retry policy for transactions aborted by a
// concurrent modification of a watched key.
func WithRedisRetry(cfg RetryConfig) RedisOption {
	return func(b *RedisBackend) { b.retry = cfg }
}

// WithRedisCircuitBreaker makes the backend fail fast with
// ErrBackendUnavailable while Redis keeps failing.
func WithRedisCircuitBreaker(cb *CircuitBreaker) RedisOption {
	return func(b *RedisBackend) {
		b.breaker = cb.WithFailureClassifier(isInfrastructureError)
	}
}

// WithRedisLogger sets the backend logger.
func WithRedisLogger(logger Logger) RedisOption {
	return func(b *RedisBackend) { b.logger = logger }
}

// WithRedisClock replaces the wall clock used for update times and expiry.
func WithRedisClock(clock func() time.Time) RedisOption {
	return func(b *RedisBackend) { b.clock = clock }
}

// WithRedisPageSize sets how many records a scan fetches per round trip.
func WithRedisPageSize(n int) RedisOption {
	return func(b *RedisBackend) {
		if n > 0 {
			b.pageSize = int64(n)
		}
	}
}

// WithOwnedClient makes Close also close the Redis client.
func WithOwnedClient() RedisOption {
	return func(b *RedisBackend) { b.ownsClient = true }
}

// NewRedisBackend creates a backend over an existing client.
func NewRedisBackend(client *redis.Client, opts ...RedisOption) *RedisBackend {
	b := &RedisBackend{
		client:   client,
		prefix:   DefaultRedisPrefix,
		retry:    DefaultTxRetryConfig(),
		logger:   &NoOpLogger{},
		clock:    time.Now,
		pageSize: DefaultScanPageSize,
		maxBatch: DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *RedisBackend) recordKey(k Key) string {
	return fmt.Sprintf("%s:rec:%s:%s:%s", b.prefix, k.Namespace, k.Set, k.ID)
}

func (b *RedisBackend) idsKey(namespace, set string) string {
	return fmt.Sprintf("%s:ids:%s:%s", b.prefix, namespace, set)
}

func (b *RedisBackend) registryKey() string {
	return b.prefix + ":indexes"
}

func (b *RedisBackend) numericIndexKey(name, namespace string) string {
	return fmt.Sprintf("%s:idx:%s:%s:n", b.prefix, name, namespace)
}

func (b *RedisBackend) stringIndexKey(name, namespace, value string) string {
	return fmt.Sprintf("%s:idx:%s:%s:s:%s", b.prefix, name, namespace, value)
}

func (b *RedisBackend) cardinalityKey(name string) string {
	return fmt.Sprintf("%s:idx:%s:hll", b.prefix, name)
}

// numericMember makes one sorted-set member per (record, value) so that a
// list bin with several values keeps one entry each.
func numericMember(id string, v float64) string {
	return id + "\x00" + strconv.FormatFloat(v, 'g', -1, 64)
}

func memberID(member string) string {
	if i := strings.LastIndexByte(member, 0); i >= 0 {
		return member[:i]
	}
	return member
}

// execute runs fn through the circuit breaker when one is configured.
func (b *RedisBackend) execute(ctx context.Context, fn func() error) error {
	if b.breaker == nil {
		return fn()
	}
	return b.breaker.Execute(ctx, fn)
}

// transact runs a WATCH transaction, retrying with backoff when a watched key
// changes before EXEC.
func (b *RedisBackend) transact(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	backoff := b.retry.InitialBackoff
	for attempt := 0; ; attempt++ {
		err := b.execute(ctx, func() error {
			return b.client.Watch(ctx, fn, keys...)
		})
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		if attempt >= b.retry.MaxRetries {
			b.logger.Warn("redis transaction retries exhausted", "keys", keys, "attempts", attempt+1)
			return WithContext(ErrTimeout, map[string]interface{}{
				"keys":   keys,
				"reason": "write contention retries exhausted",
			})
		}
		sleep := backoff + time.Duration(rand.Float64()*b.retry.JitterPercent*float64(backoff))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		backoff *= time.Duration(b.retry.BackoffMultiple)
	}
}

func (b *RedisBackend) Get(ctx context.Context, key Key) (*Record, error) {
	var fields map[string]string
	err := b.execute(ctx, func() error {
		var err error
		fields, err = b.client.HGetAll(ctx, b.recordKey(key)).Result()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	r, err := decodeRecord(key, fields)
	if err != nil {
		return nil, err
	}
	if r == nil || r.Expired(b.clock()) {
		return nil, ErrNotFound
	}
	return r, nil
}

func (b *RedisBackend) GetMany(ctx context.Context, keys []Key) ([]*Record, error) {
	recs, err := b.fetch(ctx, keys)
	if err != nil {
		return nil, err
	}
	now := b.clock()
	for i, r := range recs {
		if r != nil && r.Expired(now) {
			recs[i] = nil
		}
	}
	return recs, nil
}

// fetch reads records with one pipelined round trip.
func (b *RedisBackend) fetch(ctx context.Context, keys []Key) ([]*Record, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	err := b.execute(ctx, func() error {
		_, err := b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, k := range keys {
				cmds[i] = pipe.HGetAll(ctx, b.recordKey(k))
			}
			return nil
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get %d records: %w", len(keys), err)
	}
	out := make([]*Record, len(keys))
	for i, cmd := range cmds {
		r, err := decodeRecord(keys[i], cmd.Val())
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

func (b *RedisBackend) Write(ctx context.Context, req WriteRequest) (int64, error) {
	if err := validateWrite(req); err != nil {
		return 0, err
	}
	recKey := b.recordKey(req.Key)
	var gen int64
	err := b.transact(ctx, func(tx *redis.Tx) error {
		stored, defs, err := b.loadForUpdate(ctx, tx, req.Key)
		if err != nil {
			return err
		}
		now := b.clock()
		cur := stored
		if cur != nil && cur.Expired(now) {
			cur = nil
		}
		next, err := applyWrite(cur, req, now)
		if err != nil {
			return err
		}
		fields, err := encodeRecord(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, recKey)
			pipe.HSet(ctx, recKey, fields)
			pipe.SAdd(ctx, b.idsKey(req.Key.Namespace, req.Key.Set), req.Key.ID)
			b.reindex(ctx, pipe, defs, req.Key, stored, next)
			return nil
		})
		gen = next.Generation
		return err
	}, recKey, b.registryKey())
	if err != nil {
		return 0, err
	}
	return gen, nil
}

func (b *RedisBackend) Delete(ctx context.Context, req DeleteRequest) (bool, error) {
	if err := req.Key.validate(); err != nil {
		return false, err
	}
	recKey := b.recordKey(req.Key)
	var deleted bool
	err := b.transact(ctx, func(tx *redis.Tx) error {
		deleted = false
		stored, defs, err := b.loadForUpdate(ctx, tx, req.Key)
		if err != nil {
			return err
		}
		cur := stored
		if cur != nil && cur.Expired(b.clock()) {
			cur = nil
		}
		ok, err := checkDelete(cur, req)
		if err != nil || !ok {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, recKey)
			pipe.SRem(ctx, b.idsKey(req.Key.Namespace, req.Key.Set), req.Key.ID)
			b.reindex(ctx, pipe, defs, req.Key, stored, nil)
			return nil
		})
		deleted = err == nil
		return err
	}, recKey, b.registryKey())
	if err != nil {
		return false, err
	}
	return deleted, nil
}

// loadForUpdate reads the stored record (expired or not) and the index
// registry inside a WATCH.
func (b *RedisBackend) loadForUpdate(ctx context.Context, tx *redis.Tx, key Key) (*Record, []IndexDescriptor, error) {
	fields, err := tx.HGetAll(ctx, b.recordKey(key)).Result()
	if err != nil {
		return nil, nil, err
	}
	stored, err := decodeRecord(key, fields)
	if err != nil {
		return nil, nil, err
	}
	raw, err := tx.HGetAll(ctx, b.registryKey()).Result()
	if err != nil {
		return nil, nil, err
	}
	defs, err := decodeRegistry(raw)
	if err != nil {
		return nil, nil, err
	}
	return stored, defs, nil
}

// reindex replaces the index entries of key: entries derived from prev are
// removed and entries derived from next are added. Either may be nil.
func (b *RedisBackend) reindex(ctx context.Context, pipe redis.Pipeliner, defs []IndexDescriptor, key Key, prev, next *Record) {
	for _, d := range defs {
		if d.Set != key.Set || (d.Namespace != "" && d.Namespace != key.Namespace) {
			continue
		}
		if prev != nil {
			b.removeEntries(ctx, pipe, d, key, d.indexValues(prev))
		}
		if next != nil {
			b.addEntries(ctx, pipe, d, key, d.indexValues(next))
		}
	}
}

func (b *RedisBackend) removeEntries(ctx context.Context, pipe redis.Pipeliner, d IndexDescriptor, key Key, vals []any) {
	for _, v := range vals {
		if d.Type == IndexNumeric {
			f, _ := toFloat(v)
			pipe.ZRem(ctx, b.numericIndexKey(d.Name, key.Namespace), numericMember(key.ID, f))
		} else {
			pipe.SRem(ctx, b.stringIndexKey(d.Name, key.Namespace, v.(string)), key.ID)
		}
	}
}

func (b *RedisBackend) addEntries(ctx context.Context, pipe redis.Pipeliner, d IndexDescriptor, key Key, vals []any) {
	for _, v := range vals {
		if d.Type == IndexNumeric {
			f, _ := toFloat(v)
			pipe.ZAdd(ctx, b.numericIndexKey(d.Name, key.Namespace), redis.Z{Score: f, Member: numericMember(key.ID, f)})
			pipe.PFAdd(ctx, b.cardinalityKey(d.Name), strconv.FormatFloat(f, 'g', -1, 64))
		} else {
			pipe.SAdd(ctx, b.stringIndexKey(d.Name, key.Namespace, v.(string)), key.ID)
			pipe.PFAdd(ctx, b.cardinalityKey(d.Name), v)
		}
	}
}

// BatchWrite applies each entry as its own conditional transaction.
func (b *RedisBackend) BatchWrite(ctx context.Context, entries []BatchEntry) []BatchResult {
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

func (b *RedisBackend) MaxBatchSize() int { return b.maxBatch }

func (b *RedisBackend) Scan(ctx context.Context, req ScanRequest) (Cursor, error) {
	c := &redisCursor{backend: b, req: req, seen: make(map[string]bool)}
	switch {
	case req.Index == nil:
		c.source = b.setPages(b.idsKey(req.Namespace, req.Set))
	case req.Index.Type == IndexString:
		c.source = b.setPages(b.stringIndexKey(req.Index.Index, req.Namespace, req.Index.Equals))
	default:
		c.source = b.rangePages(b.numericIndexKey(req.Index.Index, req.Namespace), req.Index.Min, req.Index.Max)
	}
	if req.Index != nil {
		exists, err := b.client.HExists(ctx, b.registryKey(), req.Index.Index).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", req.Set, err)
		}
		if !exists {
			return nil, WithContext(ErrIndexNotFound, map[string]interface{}{"index": req.Index.Index})
		}
	}
	return c, nil
}

// pageSource returns the next page of candidate member strings; done is true
// once the source is exhausted.
type pageSource func(ctx context.Context) (members []string, done bool, err error)

func (b *RedisBackend) setPages(key string) pageSource {
	var cursor uint64
	return func(ctx context.Context) ([]string, bool, error) {
		var members []string
		err := b.execute(ctx, func() error {
			var err error
			members, cursor, err = b.client.SScan(ctx, key, cursor, "", b.pageSize).Result()
			return err
		})
		if err != nil {
			return nil, true, err
		}
		return members, cursor == 0, nil
	}
}

func (b *RedisBackend) rangePages(key string, min, max float64) pageSource {
	var offset int64
	return func(ctx context.Context) ([]string, bool, error) {
		var members []string
		err := b.execute(ctx, func() error {
			var err error
			members, err = b.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
				Min:    scoreBound(min),
				Max:    scoreBound(max),
				Offset: offset,
				Count:  b.pageSize,
			}).Result()
			return err
		})
		if err != nil {
			return nil, true, err
		}
		offset += int64(len(members))
		return members, int64(len(members)) < b.pageSize, nil
	}
}

func scoreBound(f float64) string {
	switch {
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsInf(f, 1):
		return "+inf"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

type redisCursor struct {
	backend *RedisBackend
	req     ScanRequest
	source  pageSource
	seen    map[string]bool
	buf     []*Record
	reaps   []reapEntry
	done    bool
	closed  bool
}

type reapEntry struct {
	key    Key
	member string
}

func (c *redisCursor) Next(ctx context.Context) (*Record, error) {
	for {
		if c.closed {
			return nil, io.EOF
		}
		if len(c.buf) > 0 {
			r := c.buf[0]
			c.buf = c.buf[1:]
			return r, nil
		}
		if c.done {
			return nil, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := c.fill(ctx); err != nil {
			return nil, err
		}
	}
}

// fill loads the next page of candidates and keeps the live ones that pass
// the filter.
func (c *redisCursor) fill(ctx context.Context) error {
	members, done, err := c.source(ctx)
	if err != nil {
		return fmt.Errorf("scan %s: %w", c.req.Set, err)
	}
	c.done = done

	keys := make([]Key, 0, len(members))
	sourced := make([]string, 0, len(members))
	for _, m := range members {
		id := memberID(m)
		if c.seen[id] {
			continue
		}
		c.seen[id] = true
		keys = append(keys, Key{Namespace: c.req.Namespace, Set: c.req.Set, ID: id})
		sourced = append(sourced, m)
	}
	recs, err := c.backend.fetch(ctx, keys)
	if err != nil {
		return err
	}
	now := c.req.Now
	if now.IsZero() {
		now = c.backend.clock()
	}
	wall := c.backend.clock()
	for i, r := range recs {
		if r == nil || r.Expired(wall) {
			c.reaps = append(c.reaps, reapEntry{key: keys[i], member: sourced[i]})
		}
		if r == nil || r.Expired(now) {
			continue
		}
		if c.req.Filter != nil && !c.req.Filter.Eval(r, now) {
			continue
		}
		c.buf = append(c.buf, r)
	}
	// Range pages are read by offset, so removals wait for the last page.
	if c.done {
		for _, e := range c.reaps {
			c.backend.reap(ctx, c.req, e.key, e.member)
		}
		c.reaps = nil
	}
	return nil
}

// reap removes an expired record together with its index entries, and the
// scanned member when no record backs it any more. A record written again
// since it was read is left alone.
func (b *RedisBackend) reap(ctx context.Context, req ScanRequest, key Key, member string) {
	recKey := b.recordKey(key)
	err := b.transact(ctx, func(tx *redis.Tx) error {
		stored, defs, err := b.loadForUpdate(ctx, tx, key)
		if err != nil {
			return err
		}
		if stored != nil && !stored.Expired(b.clock()) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, recKey)
			pipe.SRem(ctx, b.idsKey(key.Namespace, key.Set), key.ID)
			b.reindex(ctx, pipe, defs, key, stored, nil)
			switch {
			case req.Index == nil:
			case req.Index.Type == IndexString:
				pipe.SRem(ctx, b.stringIndexKey(req.Index.Index, key.Namespace, req.Index.Equals), key.ID)
			default:
				pipe.ZRem(ctx, b.numericIndexKey(req.Index.Index, key.Namespace), member)
			}
			return nil
		})
		return err
	}, recKey, b.registryKey())
	if err != nil {
		b.logger.Warn("reaping expired record failed", "key", key.String(), "error", err)
	}
}

func (c *redisCursor) Close() error {
	c.closed = true
	c.buf = nil
	c.reaps = nil
	c.seen = nil
	return nil
}

// CreateIndex registers an index and backfills entries for existing records.
// Writers that start after registration maintain the index themselves.
func (b *RedisBackend) CreateIndex(ctx context.Context, desc IndexDescriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	data, err := encodeDescriptor(desc)
	if err != nil {
		return err
	}
	created, err := b.client.HSetNX(ctx, b.registryKey(), desc.Name, data).Result()
	if err != nil {
		return fmt.Errorf("create index %s: %w", desc.Name, err)
	}
	if !created {
		return WithContext(ErrAlreadyExists, map[string]interface{}{"index": desc.Name})
	}

	idsKeys, err := b.idsKeysFor(ctx, desc)
	if err != nil {
		return err
	}
	for _, idsKey := range idsKeys {
		namespace := strings.TrimSuffix(strings.TrimPrefix(idsKey, b.prefix+":ids:"), ":"+desc.Set)
		next := b.setPages(idsKey)
		for {
			ids, done, err := next(ctx)
			if err != nil {
				return fmt.Errorf("backfill index %s: %w", desc.Name, err)
			}
			for _, id := range ids {
				if err := b.backfill(ctx, desc, Key{Namespace: namespace, Set: desc.Set, ID: id}); err != nil {
					return err
				}
			}
			if done {
				break
			}
		}
	}
	b.logger.Info("index created", "index", desc.Name, "set", desc.Set, "bin", desc.Bin)
	return nil
}

func (b *RedisBackend) idsKeysFor(ctx context.Context, desc IndexDescriptor) ([]string, error) {
	if desc.Namespace != "" {
		return []string{b.idsKey(desc.Namespace, desc.Set)}, nil
	}
	var out []string
	var cursor uint64
	for {
		keys, next, err := b.client.Scan(ctx, cursor, b.prefix+":ids:*", b.pageSize).Result()
		if err != nil {
			return nil, fmt.Errorf("list sets: %w", err)
		}
		for _, k := range keys {
			if strings.HasSuffix(k, ":"+desc.Set) {
				out = append(out, k)
			}
		}
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

func (b *RedisBackend) backfill(ctx context.Context, desc IndexDescriptor, key Key) error {
	recKey := b.recordKey(key)
	return b.transact(ctx, func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, recKey).Result()
		if err != nil {
			return err
		}
		stored, err := decodeRecord(key, fields)
		if err != nil || stored == nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			b.addEntries(ctx, pipe, desc, key, desc.indexValues(stored))
			return nil
		})
		return err
	}, recKey)
}

// DropIndex unregisters an index and removes its entries.
func (b *RedisBackend) DropIndex(ctx context.Context, name string) error {
	removed, err := b.client.HDel(ctx, b.registryKey(), name).Result()
	if err != nil {
		return fmt.Errorf("drop index %s: %w", name, err)
	}
	if removed == 0 {
		return WithContext(ErrIndexNotFound, map[string]interface{}{"index": name})
	}
	var cursor uint64
	for {
		keys, next, err := b.client.Scan(ctx, cursor, fmt.Sprintf("%s:idx:%s:*", b.prefix, name), b.pageSize).Result()
		if err != nil {
			return fmt.Errorf("drop index %s: %w", name, err)
		}
		if len(keys) > 0 {
			if err := b.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("drop index %s: %w", name, err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Indexes lists registered indexes. Unless a descriptor was registered with
// a fixed selectivity, selectivity is one over the estimated number of
// distinct indexed values.
func (b *RedisBackend) Indexes(ctx context.Context) ([]IndexDescriptor, error) {
	raw, err := b.client.HGetAll(ctx, b.registryKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list indexes: %w", err)
	}
	defs, err := decodeRegistry(raw)
	if err != nil {
		return nil, err
	}
	for i := range defs {
		if defs[i].Selectivity > 0 && defs[i].Selectivity <= 1 {
			continue
		}
		distinct, err := b.client.PFCount(ctx, b.cardinalityKey(defs[i].Name)).Result()
		if err != nil {
			return nil, fmt.Errorf("estimate cardinality of %s: %w", defs[i].Name, err)
		}
		defs[i].Selectivity = 1
		if distinct > 0 {
			defs[i].Selectivity = 1 / float64(distinct)
		}
	}
	return defs, nil
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.execute(ctx, func() error {
		return b.client.Ping(ctx).Err()
	})
}

func (b *RedisBackend) Close() error {
	if b.ownsClient {
		return b.client.Close()
	}
	return nil
}

func decodeRegistry(raw map[string]string) ([]IndexDescriptor, error) {
	defs := make([]IndexDescriptor, 0, len(raw))
	for _, data := range raw {
		d, err := decodeDescriptor([]byte(data))
		if err != nil {
			return nil, err
		}
		defs = append(defs, d)
	}
	sortDescriptors(defs)
	return defs, nil
}

func encodeRecord(r *Record) (map[string]interface{}, error) {
	fields := make(map[string]interface{}, len(r.Bins)+3)
	fields[fieldGeneration] = r.Generation
	fields[fieldLastUpdate] = r.LastUpdate.UnixMilli()
	if !r.VoidTime.IsZero() {
		fields[fieldVoidTime] = r.VoidTime.UnixMilli()
	}
	for name, v := range r.Bins {
		data, err := encodeValue(v)
		if err != nil {
			return nil, err
		}
		fields[binFieldPrefix+name] = data
	}
	return fields, nil
}

// decodeRecord returns nil for an empty hash.
func decodeRecord(key Key, fields map[string]string) (*Record, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	r := &Record{Key: key, Bins: make(map[string]any, len(fields))}
	for name, raw := range fields {
		switch {
		case name == fieldGeneration:
			gen, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: generation of %s: %v", ErrInvalidData, key, err)
			}
			r.Generation = gen
		case name == fieldLastUpdate:
			ms, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: update time of %s: %v", ErrInvalidData, key, err)
			}
			r.LastUpdate = time.UnixMilli(ms)
		case name == fieldVoidTime:
			ms, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: void time of %s: %v", ErrInvalidData, key, err)
			}
			if ms > 0 {
				r.VoidTime = time.UnixMilli(ms)
			}
		case strings.HasPrefix(name, binFieldPrefix):
			v, err := decodeValue([]byte(raw))
			if err != nil {
				return nil, fmt.Errorf("bin %s of %s: %w", strings.TrimPrefix(name, binFieldPrefix), key, err)
			}
			r.Bins[strings.TrimPrefix(name, binFieldPrefix)] = v
		}
	}
	return r, nil
}

// isInfrastructureError separates Redis and network failures from the
// conditions a healthy store reports.
func isInfrastructureError(err error) bool {
	if err == nil {
		return false
	}
	var genErr *GenerationError
	switch {
	case errors.As(err, &genErr),
		errors.Is(err, ErrAlreadyExists),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInvalidData),
		errors.Is(err, redis.TxFailedErr),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}
