package binstore

import (
	"context"
	"errors"
	"io"
	"iter"
	"time"
)

// RunOptions controls a single plan execution.
type RunOptions struct {
	ScansAllowed bool
	// Now is the evaluation time for metadata predicates. Zero means the
	// runner's clock.
	Now time.Time
}

// Runner executes compiled plans against a backend.
type Runner struct {
	backend Backend
	clock   func() time.Time
}

// NewRunner creates a runner over backend.
func NewRunner(backend Backend) *Runner {
	return &Runner{backend: backend, clock: time.Now}
}

// Run opens a record stream for plan. A full scan is refused with
// *ScansDisabledError before any backend call when scans are not allowed.
func (r *Runner) Run(ctx context.Context, plan *Plan, opts RunOptions) (*RecordSet, error) {
	if plan == nil {
		return nil, &InvalidQueryError{Reason: "nil plan"}
	}
	if plan.FullScan && !opts.ScansAllowed {
		return nil, &ScansDisabledError{Set: plan.Set}
	}
	now := opts.Now
	if now.IsZero() {
		now = r.clock()
	}

	if plan.Identity != nil {
		keys := make([]Key, len(plan.Identity.IDs))
		for i, id := range plan.Identity.IDs {
			keys[i] = Key{Namespace: plan.Namespace, Set: plan.Set, ID: id}
		}
		recs, err := r.backend.GetMany(ctx, keys)
		if err != nil {
			return nil, err
		}
		return newRecordSet(ctx, &sliceCursor{records: recs, filter: plan.Residual, now: now}), nil
	}

	cur, err := r.backend.Scan(ctx, ScanRequest{
		Namespace: plan.Namespace,
		Set:       plan.Set,
		Index:     plan.IndexFilter,
		Filter:    plan.Residual,
		Now:       now,
	})
	if err != nil {
		return nil, err
	}
	return newRecordSet(ctx, cur), nil
}

// RecordSet is a lazy, single-consumer stream of query results.
//
//	rs, err := store.Find(ctx, "users", criteria)
//	if err != nil { ... }
//	defer rs.Close()
//	for rs.Next() {
//	    rec := rs.Record()
//	}
//	if err := rs.Err(); err != nil { ... }
type RecordSet struct {
	ctx     context.Context
	cursor  Cursor
	current *Record
	err     error
	done    bool
	count   int
	onClose func(count int, err error)
}

func newRecordSet(ctx context.Context, cur Cursor) *RecordSet {
	return &RecordSet{ctx: ctx, cursor: cur}
}

// Next advances to the next record. It returns false at the end of the
// stream, on error, or once the context is cancelled; the cursor is released
// in each case.
func (rs *RecordSet) Next() bool {
	if rs.done {
		return false
	}
	if err := rs.ctx.Err(); err != nil {
		rs.finish(err)
		return false
	}
	rec, err := rs.cursor.Next(rs.ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		rs.finish(err)
		return false
	}
	rs.current = rec
	rs.count++
	return true
}

// Record returns the record Next advanced to.
func (rs *RecordSet) Record() *Record {
	return rs.current
}

// Err returns the error that ended the stream, if any.
func (rs *RecordSet) Err() error {
	return rs.err
}

// Count returns the number of records delivered so far.
func (rs *RecordSet) Count() int {
	return rs.count
}

// Close releases the underlying cursor. It is safe to call more than once.
func (rs *RecordSet) Close() error {
	if rs.done {
		return nil
	}
	return rs.finish(nil)
}

func (rs *RecordSet) finish(err error) error {
	rs.done = true
	rs.current = nil
	if rs.err == nil {
		rs.err = err
	}
	cerr := rs.cursor.Close()
	if rs.onClose != nil {
		rs.onClose(rs.count, rs.err)
		rs.onClose = nil
	}
	return cerr
}

// All returns an iterator over the remaining records. Breaking out of the
// loop closes the set. A terminal error is yielded once as (nil, err).
func (rs *RecordSet) All() iter.Seq2[*Record, error] {
	return func(yield func(*Record, error) bool) {
		defer rs.Close()
		for rs.Next() {
			if !yield(rs.current, nil) {
				return
			}
		}
		if rs.err != nil {
			yield(nil, rs.err)
		}
	}
}

// Collect drains the set into a slice and closes it.
func (rs *RecordSet) Collect() ([]*Record, error) {
	var out []*Record
	for rec, err := range rs.All() {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// sliceCursor serves identity lookups. Absent records are skipped and the
// residual filter is applied.
type sliceCursor struct {
	records []*Record
	filter  Expression
	now     time.Time
	pos     int
}

func (c *sliceCursor) Next(ctx context.Context) (*Record, error) {
	for c.pos < len(c.records) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec := c.records[c.pos]
		c.pos++
		if rec == nil || rec.Expired(c.now) {
			continue
		}
		if c.filter != nil && !c.filter.Eval(rec, c.now) {
			continue
		}
		return rec, nil
	}
	return nil, io.EOF
}

func (c *sliceCursor) Close() error {
	c.records = nil
	c.pos = 0
	return nil
}
