package binstore

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
)

// countingBackend records how the coordinator splits work.
type countingBackend struct {
	*MemoryBackend
	mu      sync.Mutex
	batches []int
	max     int
}

func (c *countingBackend) BatchWrite(ctx context.Context, entries []BatchEntry) []BatchResult {
	c.mu.Lock()
	c.batches = append(c.batches, len(entries))
	c.mu.Unlock()
	return c.MemoryBackend.BatchWrite(ctx, entries)
}

func (c *countingBackend) MaxBatchSize() int { return c.max }

// plainBackend hides the native batch primitive.
type plainBackend struct {
	Backend
}

func newCoordinator(backend Backend) *BatchCoordinator {
	return NewBatchCoordinator(backend, NewVersionController(backend, nil), DefaultPolicy())
}

func TestBatchCoordinator_DuplicateKeyRejectedBeforeIO(t *testing.T) {
	backend := &countingBackend{MemoryBackend: NewMemoryBackend(), max: 100}
	metrics := NewInMemoryMetrics()
	bc := newCoordinator(backend)
	bc.SetObservability(&NoOpLogger{}, metrics)

	a, b := NewKey("app", "s", "a"), NewKey("app", "s", "b")
	outcomes, err := bc.Submit(context.Background(), []WriteIntent{
		Insert(a, map[string]any{"v": 1}),
		Insert(b, map[string]any{"v": 1}),
		Update(a, map[string]any{"v": 2}, 0),
	})

	var ib *InvalidBatchError
	if !errors.As(err, &ib) {
		t.Fatalf("expected InvalidBatchError, got %v", err)
	}
	if ib.Key != a || !reflect.DeepEqual(ib.Positions, []int{0, 2}) {
		t.Errorf("unexpected error details: %+v", ib)
	}
	if outcomes != nil {
		t.Error("a rejected batch has no outcomes")
	}
	if len(backend.batches) != 0 || backend.Len() != 0 {
		t.Error("a rejected batch must not reach the backend")
	}
	if metrics.Count(MetricBatchRejected) != 1 {
		t.Error("expected a rejected batch metric")
	}
}

func TestBatchCoordinator_PartialFailure(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	bc := newCoordinator(backend)
	vc := NewVersionController(backend, nil)

	a, b, c := NewKey("app", "s", "a"), NewKey("app", "s", "b"), NewKey("app", "s", "c")
	for _, k := range []Key{a, b, c} {
		if _, err := vc.Execute(ctx, Insert(k, map[string]any{"v": 0})); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	if _, err := vc.Execute(ctx, Update(b, map[string]any{"v": 1}, 1)); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	outcomes, err := bc.Submit(ctx, []WriteIntent{
		Update(a, map[string]any{"v": 9}, 1),
		Update(b, map[string]any{"v": 9}, 1),
		Update(c, map[string]any{"v": 9}, 1),
	})

	var partial *PartialBatchFailureError
	if !errors.As(err, &partial) || partial.Failed != 1 {
		t.Fatalf("expected one failed intent, got %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(outcomes))
	}
	if !outcomes[0].OK() || outcomes[0].Version != 2 {
		t.Errorf("outcome 0: %+v", outcomes[0])
	}
	var conflict *OptimisticLockConflictError
	if !errors.As(outcomes[1].Err, &conflict) || conflict.Actual != 2 {
		t.Errorf("outcome 1: expected conflict with actual 2, got %v", outcomes[1].Err)
	}
	if !outcomes[2].OK() || outcomes[2].Version != 2 {
		t.Errorf("outcome 2: %+v", outcomes[2])
	}

	r, _ := backend.Get(ctx, a)
	if r.Bins["v"] != 9 {
		t.Error("successful intents must stay applied")
	}
}

func TestBatchCoordinator_SplitsBySmallestLimit(t *testing.T) {
	backend := &countingBackend{MemoryBackend: NewMemoryBackend(), max: 4}
	bc := newCoordinator(backend)

	intents := make([]WriteIntent, 10)
	for i := range intents {
		intents[i] = Insert(NewKey("app", "s", fmt.Sprintf("k%02d", i)), map[string]any{"i": i})
	}
	outcomes, err := bc.Submit(context.Background(), intents, WithMaxBatchSize(5), WithConcurrency(2))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	for i, o := range outcomes {
		if o.Key != intents[i].Key || o.Version != 1 {
			t.Errorf("outcome %d out of order or failed: %+v", i, o)
		}
	}

	total := 0
	for _, n := range backend.batches {
		if n > 4 {
			t.Errorf("sub-batch of %d exceeds the backend limit", n)
		}
		total += n
	}
	if total != 10 || len(backend.batches) != 3 {
		t.Errorf("expected 3 sub-batches covering 10 intents, got %v", backend.batches)
	}
}

func TestBatchCoordinator_WithoutNativeBatch(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryBackend()
	backend := plainBackend{Backend: mem}
	bc := newCoordinator(backend)

	a := NewKey("app", "s", "a")
	if _, err := NewVersionController(mem, nil).Execute(ctx, Insert(a, map[string]any{"v": 1})); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	outcomes, err := bc.Submit(ctx, []WriteIntent{
		Remove(a, 1),
		Insert(NewKey("app", "s", "b"), map[string]any{"v": 1}),
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if !outcomes[0].Deleted || outcomes[1].Version != 1 {
		t.Errorf("unexpected outcomes: %+v", outcomes)
	}
}

func TestBatchCoordinator_PrepareFailureIsPerIntent(t *testing.T) {
	backend := NewMemoryBackend()
	bc := NewBatchCoordinator(backend, NewVersionController(backend, StaticSchema{"s": {"v"}}), DefaultPolicy())

	outcomes, err := bc.Submit(context.Background(), []WriteIntent{
		Insert(NewKey("app", "s", "a"), map[string]any{"v": 1}),
		Save(NewKey("app", "s", "b"), map[string]any{"w": 1}, 0).Only("w"),
	})
	if !errors.Is(err, ErrPartialBatch) {
		t.Fatalf("expected partial failure, got %v", err)
	}
	if !outcomes[0].OK() || !errors.Is(outcomes[1].Err, ErrUnknownField) {
		t.Errorf("unexpected outcomes: %+v", outcomes)
	}
}

func TestBatchCoordinator_CancelledContext(t *testing.T) {
	backend := NewMemoryBackend()
	bc := newCoordinator(backend)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcomes, err := bc.Submit(ctx, []WriteIntent{Insert(NewKey("app", "s", "a"), map[string]any{"v": 1})})
	if !errors.Is(err, ErrPartialBatch) {
		t.Fatalf("expected partial failure, got %v", err)
	}
	if !errors.Is(outcomes[0].Err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", outcomes[0].Err)
	}
	if backend.Len() != 0 {
		t.Error("nothing should be written after cancellation")
	}
}

// cancellingBackend cancels the submission after its first sub-batch.
type cancellingBackend struct {
	*MemoryBackend
	cancel context.CancelFunc
}

func (c *cancellingBackend) BatchWrite(ctx context.Context, entries []BatchEntry) []BatchResult {
	defer c.cancel()
	return c.MemoryBackend.BatchWrite(ctx, entries)
}

func (c *cancellingBackend) MaxBatchSize() int { return 100 }

func TestBatchCoordinator_CancelledBetweenSubBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	backend := &cancellingBackend{MemoryBackend: NewMemoryBackend(), cancel: cancel}
	bc := newCoordinator(backend)

	intents := make([]WriteIntent, 3)
	for i := range intents {
		intents[i] = Insert(NewKey("app", "s", fmt.Sprintf("k%d", i)), map[string]any{"i": i})
	}
	outcomes, err := bc.Submit(ctx, intents, WithMaxBatchSize(1), WithConcurrency(1))
	var partial *PartialBatchFailureError
	if !errors.As(err, &partial) || partial.Failed != 2 {
		t.Fatalf("expected 2 failed intents, got %v", err)
	}
	if !outcomes[0].OK() || outcomes[0].Version != 1 {
		t.Errorf("first sub-batch should be applied, got %+v", outcomes[0])
	}
	for _, o := range outcomes[1:] {
		if !errors.Is(o.Err, context.Canceled) {
			t.Errorf("unsent intent %s: expected context.Canceled, got %v", o.Key.ID, o.Err)
		}
	}
	if backend.Len() != 1 {
		t.Errorf("expected 1 stored record, got %d", backend.Len())
	}
}

func TestBatchCoordinator_Empty(t *testing.T) {
	outcomes, err := newCoordinator(NewMemoryBackend()).Submit(context.Background(), nil)
	if err != nil || outcomes != nil {
		t.Errorf("empty batch = %v, %v", outcomes, err)
	}
}
