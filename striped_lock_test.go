package binstore

import (
	"sync"
	"testing"
)

func TestStripedLocksDefaultCount(t *testing.T) {
	locks := NewStripedLocks(0)
	if locks.count != DefaultLockStripes {
		t.Errorf("default stripe count = %d, want %d", locks.count, DefaultLockStripes)
	}

	locks2 := NewStripedLocks(-1)
	if locks2.count != DefaultLockStripes {
		t.Errorf("default stripe count = %d, want %d", locks2.count, DefaultLockStripes)
	}
}

func TestStripedLocksSameKeySameStripe(t *testing.T) {
	locks := NewStripedLocks(16)
	key := NewKey("app", "users", "42").String()
	if locks.stripe(key) != locks.stripe(key) {
		t.Error("a key must always map to the same stripe")
	}
	if s := locks.stripe(key); s >= 16 {
		t.Errorf("stripe %d out of range", s)
	}
}

func TestStripedLocksSerializeSameKey(t *testing.T) {
	locks := NewStripedLocks(8)
	key := "counter"
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock(key)
			defer unlock()
			v := counter
			v++
			counter = v
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("counter = %d, want 50", counter)
	}
}
