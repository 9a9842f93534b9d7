package binstore

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

func drain(t *testing.T, cur Cursor) []*Record {
	t.Helper()
	defer cur.Close()
	var out []*Record
	for {
		r, err := cur.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("cursor failed: %v", err)
		}
		out = append(out, r)
	}
}

func TestMemoryBackend_WriteConditions(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	key := NewKey("app", "users", "u1")

	gen, err := b.Write(ctx, WriteRequest{Key: key, Bins: map[string]any{"age": 30}, Exists: ExistsCreateOnly})
	if err != nil || gen != 1 {
		t.Fatalf("create = %d, %v; want 1, nil", gen, err)
	}
	if _, err := b.Write(ctx, WriteRequest{Key: key, Bins: map[string]any{"age": 31}, Exists: ExistsCreateOnly}); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("second create: expected ErrAlreadyExists, got %v", err)
	}
	if _, err := b.Write(ctx, WriteRequest{Key: NewKey("app", "users", "nope"), Exists: ExistsUpdateOnly}); !errors.Is(err, ErrNotFound) {
		t.Errorf("update of absent: expected ErrNotFound, got %v", err)
	}

	_, err = b.Write(ctx, WriteRequest{Key: key, Bins: map[string]any{"age": 31}, Generation: GenerationEqual, ExpectedGeneration: 5})
	var genErr *GenerationError
	if !errors.As(err, &genErr) || genErr.Actual != 1 || genErr.Expected != 5 {
		t.Fatalf("expected generation error 5/1, got %v", err)
	}

	gen, err = b.Write(ctx, WriteRequest{Key: key, Bins: map[string]any{"age": 31}, Generation: GenerationEqual, ExpectedGeneration: 1})
	if err != nil || gen != 2 {
		t.Fatalf("versioned write = %d, %v; want 2, nil", gen, err)
	}

	gen, err = b.Write(ctx, WriteRequest{Key: NewKey("app", "users", "u2"), Bins: map[string]any{"age": 1}, Generation: GenerationEqualIfExists, ExpectedGeneration: 9})
	if err != nil || gen != 1 {
		t.Errorf("equal-if-exists on absent record should create it, got %d, %v", gen, err)
	}
}

func TestMemoryBackend_MergeAndRemoveBins(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	key := NewKey("app", "users", "u1")

	if _, err := b.Write(ctx, WriteRequest{Key: key, Bins: map[string]any{"a": 1, "b": 2, "c": 3}}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := b.Write(ctx, WriteRequest{Key: key, Mode: WriteMerge, Bins: map[string]any{"a": 10, "c": nil}}); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	r, err := b.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if r.Bins["a"] != 10 || r.Bins["b"] != 2 {
		t.Errorf("unexpected bins after merge: %v", r.Bins)
	}
	if _, ok := r.Bins["c"]; ok {
		t.Error("a nil bin value should remove the bin")
	}

	if _, err := b.Write(ctx, WriteRequest{Key: key, Bins: map[string]any{"z": 1}}); err != nil {
		t.Fatalf("replace failed: %v", err)
	}
	r, _ = b.Get(ctx, key)
	if len(r.Bins) != 1 {
		t.Errorf("replace should drop other bins, got %v", r.Bins)
	}
}

func TestMemoryBackend_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	key := NewKey("app", "users", "u1")
	bins := map[string]any{"tags": []any{"a"}}
	if _, err := b.Write(ctx, WriteRequest{Key: key, Bins: bins}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	bins["tags"].([]any)[0] = "mutated"

	r, _ := b.Get(ctx, key)
	r.Bins["tags"].([]any)[0] = "changed"

	again, _ := b.Get(ctx, key)
	if again.Bins["tags"].([]any)[0] != "a" {
		t.Errorf("stored record was mutated: %v", again.Bins)
	}
}

func TestMemoryBackend_TTL(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	b := NewMemoryBackend(WithClock(clock.Now))
	key := NewKey("app", "sessions", "s1")

	if _, err := b.Write(ctx, WriteRequest{Key: key, Bins: map[string]any{"v": 1}, TTL: time.Minute}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	r, err := b.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !r.VoidTime.Equal(clock.Now().Add(time.Minute)) {
		t.Errorf("VoidTime = %v", r.VoidTime)
	}

	clock.Advance(2 * time.Minute)
	if _, err := b.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired record should be not found, got %v", err)
	}
	gen, err := b.Write(ctx, WriteRequest{Key: key, Bins: map[string]any{"v": 2}, Exists: ExistsCreateOnly})
	if err != nil || gen != 1 {
		t.Errorf("an expired record counts as absent, got %d, %v", gen, err)
	}
}

func TestMemoryBackend_Delete(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	key := NewKey("app", "users", "u1")
	if _, err := b.Write(ctx, WriteRequest{Key: key, Bins: map[string]any{"v": 1}}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if _, err := b.Delete(ctx, DeleteRequest{Key: key, Generation: GenerationEqual, ExpectedGeneration: 2}); !IsConflict(err) {
		t.Errorf("expected conflict, got %v", err)
	}
	deleted, err := b.Delete(ctx, DeleteRequest{Key: key, Generation: GenerationEqual, ExpectedGeneration: 1})
	if err != nil || !deleted {
		t.Fatalf("Delete = %v, %v", deleted, err)
	}
	deleted, err = b.Delete(ctx, DeleteRequest{Key: key})
	if err != nil || deleted {
		t.Errorf("delete of absent record = %v, %v; want false, nil", deleted, err)
	}
}

func TestMemoryBackend_ConcurrentCAS(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	key := NewKey("app", "counters", "c")
	if _, err := b.Write(ctx, WriteRequest{Key: key, Bins: map[string]any{"n": 0}}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := b.Write(ctx, WriteRequest{Key: key, Bins: map[string]any{"n": i}, Generation: GenerationEqual, ExpectedGeneration: 1})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("exactly one writer should win, got %d", wins)
	}
}

func TestMemoryBackend_ScanWithIndex(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	for i, age := range []int{10, 20, 30, 40} {
		key := NewKey("app", "users", string(rune('a'+i)))
		if _, err := b.Write(ctx, WriteRequest{Key: key, Bins: map[string]any{"age": age}}); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	if _, err := b.Write(ctx, WriteRequest{Key: NewKey("other", "users", "x"), Bins: map[string]any{"age": 20}}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := b.CreateIndex(ctx, IndexDescriptor{Name: "users_age", Set: "users", Bin: "age", Type: IndexNumeric}); err != nil {
		t.Fatalf("CreateIndex failed: %v", err)
	}

	cur, err := b.Scan(ctx, ScanRequest{
		Namespace: "app",
		Set:       "users",
		Index:     &IndexFilter{Index: "users_age", Type: IndexNumeric, Min: 15, Max: 35},
		Filter:    Cmp(BinPath("age"), OpNotEq, 30),
	})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	recs := drain(t, cur)
	if len(recs) != 1 || recs[0].Key.ID != "b" {
		t.Fatalf("expected only record b, got %d records", len(recs))
	}

	if _, err := b.Scan(ctx, ScanRequest{Set: "users", Index: &IndexFilter{Index: "missing"}}); !errors.Is(err, ErrIndexNotFound) {
		t.Errorf("expected ErrIndexNotFound, got %v", err)
	}
}

func TestMemoryBackend_IndexSelectivity(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	for i, color := range []string{"red", "red", "blue", "green"} {
		key := NewKey("app", "users", string(rune('a'+i)))
		if _, err := b.Write(ctx, WriteRequest{Key: key, Bins: map[string]any{"color": color}}); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	if err := b.CreateIndex(ctx, IndexDescriptor{Name: "by_color", Set: "users", Bin: "color", Type: IndexString}); err != nil {
		t.Fatalf("CreateIndex failed: %v", err)
	}
	if err := b.CreateIndex(ctx, IndexDescriptor{Name: "pinned", Set: "users", Bin: "age", Type: IndexNumeric, Selectivity: 0.5}); err != nil {
		t.Fatalf("CreateIndex failed: %v", err)
	}
	if err := b.CreateIndex(ctx, IndexDescriptor{Name: "by_color", Set: "users", Bin: "color", Type: IndexString}); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate index: expected ErrAlreadyExists, got %v", err)
	}

	descs, err := b.Indexes(ctx)
	if err != nil {
		t.Fatalf("Indexes failed: %v", err)
	}
	if len(descs) != 2 || descs[0].Name != "by_color" {
		t.Fatalf("unexpected descriptors: %+v", descs)
	}
	if got := descs[0].Selectivity; got < 0.33 || got > 0.34 {
		t.Errorf("selectivity = %f, want 1/3", got)
	}
	if descs[1].Selectivity != 0.5 {
		t.Errorf("pinned selectivity = %f, want 0.5", descs[1].Selectivity)
	}

	if err := b.DropIndex(ctx, "pinned"); err != nil {
		t.Fatalf("DropIndex failed: %v", err)
	}
	if err := b.DropIndex(ctx, "pinned"); !errors.Is(err, ErrIndexNotFound) {
		t.Errorf("expected ErrIndexNotFound, got %v", err)
	}
}

func TestMemoryBackend_BatchWrite(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	key := NewKey("app", "users", "u1")
	if _, err := b.Write(ctx, WriteRequest{Key: key, Bins: map[string]any{"v": 1}}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	results := b.BatchWrite(ctx, []BatchEntry{
		{Write: &WriteRequest{Key: NewKey("app", "users", "u2"), Bins: map[string]any{"v": 1}, Exists: ExistsCreateOnly}},
		{Write: &WriteRequest{Key: key, Bins: map[string]any{"v": 2}, Exists: ExistsCreateOnly}},
		{Delete: &DeleteRequest{Key: key}},
		{},
	})
	if results[0].Err != nil || results[0].Generation != 1 {
		t.Errorf("entry 0: %+v", results[0])
	}
	if !errors.Is(results[1].Err, ErrAlreadyExists) {
		t.Errorf("entry 1: expected ErrAlreadyExists, got %v", results[1].Err)
	}
	if results[2].Err != nil || !results[2].Deleted {
		t.Errorf("entry 2: %+v", results[2])
	}
	if !errors.Is(results[3].Err, ErrInvalidBatch) {
		t.Errorf("entry 3: expected ErrInvalidBatch, got %v", results[3].Err)
	}
}

func TestMemoryBackend_Closed(t *testing.T) {
	b := NewMemoryBackend()
	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := b.Ping(context.Background()); !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("expected ErrBackendUnavailable, got %v", err)
	}
}
