package binstore

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// BatchCoordinator applies many write intents as one logical batch. Intents
// are split into sub-batches no larger than the effective maximum, dispatched
// concurrently, and reported back in input order. A failing intent never
// undoes its siblings.
type BatchCoordinator struct {
	backend     Backend
	versions    *VersionController
	logger      Logger
	metrics     Metrics
	maxBatch    int
	concurrency int
}

// NewBatchCoordinator creates a coordinator over backend.
func NewBatchCoordinator(backend Backend, versions *VersionController, policy Policy) *BatchCoordinator {
	return &BatchCoordinator{
		backend:     backend,
		versions:    versions,
		logger:      &NoOpLogger{},
		metrics:     &NoOpMetrics{},
		maxBatch:    policy.MaxBatchSize,
		concurrency: policy.BatchConcurrency,
	}
}

// SetObservability replaces the logger and metrics.
func (c *BatchCoordinator) SetObservability(logger Logger, metrics Metrics) {
	c.logger = logger
	c.metrics = metrics
}

type batchConfig struct {
	maxBatch    int
	concurrency int
}

// BatchOption adjusts a single Submit call.
type BatchOption func(*batchConfig)

// WithMaxBatchSize caps the sub-batch size for one submission.
func WithMaxBatchSize(n int) BatchOption {
	return func(c *batchConfig) {
		if n > 0 {
			c.maxBatch = n
		}
	}
}

// WithConcurrency caps the number of sub-batches in flight for one
// submission.
func WithConcurrency(n int) BatchOption {
	return func(c *batchConfig) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// Submit applies intents and returns one outcome per intent in input order.
//
// A key that appears twice rejects the whole batch with *InvalidBatchError
// before anything is sent. When at least one intent fails, the outcomes are
// also returned inside a *PartialBatchFailureError; the successful intents
// stay applied.
func (c *BatchCoordinator) Submit(ctx context.Context, intents []WriteIntent, opts ...BatchOption) ([]Outcome, error) {
	if len(intents) == 0 {
		return nil, nil
	}
	if err := checkDuplicateKeys(intents); err != nil {
		c.metrics.Increment(MetricBatchRejected)
		return nil, err
	}

	cfg := batchConfig{maxBatch: c.maxBatch, concurrency: c.concurrency}
	for _, opt := range opts {
		opt(&cfg)
	}
	native, _ := c.backend.(BatchBackend)
	if native != nil && native.MaxBatchSize() > 0 && native.MaxBatchSize() < cfg.maxBatch {
		cfg.maxBatch = native.MaxBatchSize()
	}
	if cfg.maxBatch < 1 {
		cfg.maxBatch = DefaultBatchSize
	}
	if cfg.concurrency < 1 {
		cfg.concurrency = 1
	}

	start := time.Now()
	batchID := NewID()
	outcomes := make([]Outcome, len(intents))
	entries := make([]BatchEntry, len(intents))
	var pending []int
	for i, intent := range intents {
		entry, err := c.versions.Prepare(intent)
		if err != nil {
			outcomes[i] = Outcome{Key: intent.Key, Kind: intent.Kind, Err: err}
			continue
		}
		entries[i] = entry
		pending = append(pending, i)
	}

	chunks := partition(pending, cfg.maxBatch)
	c.logger.Debug("batch dispatch",
		"batch", batchID,
		"intents", len(intents),
		"sub_batches", len(chunks),
		"max_batch_size", cfg.maxBatch)

	// Failures are recorded in the outcome slots; the group error only
	// reports that the context ended before every chunk was sent.
	var g errgroup.Group
	g.SetLimit(cfg.concurrency)
	for _, chunk := range chunks {
		g.Go(func() error {
			return c.dispatch(ctx, native, intents, entries, outcomes, chunk)
		})
	}
	if err := g.Wait(); err != nil {
		c.logger.Warn("batch interrupted", "batch", batchID, "error", err)
	}

	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
		}
	}
	c.metrics.Histogram(MetricBatchSize, float64(len(intents)))
	c.metrics.Timing(MetricBatchDuration, time.Since(start))
	if failed == 0 {
		return outcomes, nil
	}
	c.metrics.Increment(MetricBatchPartial)
	c.logger.Warn("batch partially failed", "batch", batchID, "failed", failed, "total", len(intents))
	return outcomes, &PartialBatchFailureError{Outcomes: outcomes, Failed: failed}
}

// dispatch sends one sub-batch. Each goroutine writes only the outcome slots
// of its own chunk. It returns the context error when the chunk was not sent.
func (c *BatchCoordinator) dispatch(ctx context.Context, native BatchBackend, intents []WriteIntent, entries []BatchEntry, outcomes []Outcome, chunk []int) error {
	if err := ctx.Err(); err != nil {
		for _, i := range chunk {
			outcomes[i] = Outcome{Key: intents[i].Key, Kind: intents[i].Kind, Err: err}
		}
		return err
	}

	if native != nil {
		sub := make([]BatchEntry, len(chunk))
		for j, i := range chunk {
			sub[j] = entries[i]
		}
		results := native.BatchWrite(ctx, sub)
		for j, i := range chunk {
			outcomes[i] = c.versions.Interpret(intents[i], results[j])
		}
		return nil
	}

	for _, i := range chunk {
		var res BatchResult
		if e := entries[i]; e.Delete != nil {
			res.Deleted, res.Err = c.backend.Delete(ctx, *e.Delete)
		} else {
			res.Generation, res.Err = c.backend.Write(ctx, *e.Write)
		}
		outcomes[i] = c.versions.Interpret(intents[i], res)
	}
	return nil
}

func checkDuplicateKeys(intents []WriteIntent) error {
	seen := make(map[Key]int, len(intents))
	for i, intent := range intents {
		first, dup := seen[intent.Key]
		if !dup {
			seen[intent.Key] = i
			continue
		}
		positions := []int{first, i}
		for j := i + 1; j < len(intents); j++ {
			if intents[j].Key == intent.Key {
				positions = append(positions, j)
			}
		}
		return &InvalidBatchError{Key: intent.Key, Positions: positions}
	}
	return nil
}

func partition(idx []int, size int) [][]int {
	var out [][]int
	for len(idx) > 0 {
		n := min(size, len(idx))
		out = append(out, idx[:n])
		idx = idx[n:]
	}
	return out
}
