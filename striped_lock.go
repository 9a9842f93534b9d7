package binstore

import (
	"hash/fnv"
	"sync"
)

// StripedLocks serializes work per key without one mutex per key: a key
// always hashes to the same stripe, and different keys usually land on
// different stripes.
//
// The memory backend holds a key's stripe across the generation check and
// the store of the new record, which makes each conditional write atomic.
type StripedLocks struct {
	stripes []sync.Mutex
	count   uint32
}

// NewStripedLocks creates a new striped lock with the specified number of
// stripes. Non-positive counts use DefaultLockStripes.
func NewStripedLocks(stripeCount int) *StripedLocks {
	if stripeCount <= 0 {
		stripeCount = DefaultLockStripes
	}
	return &StripedLocks{
		stripes: make([]sync.Mutex, stripeCount),
		count:   uint32(stripeCount),
	}
}

// Lock acquires the stripe of key and returns its unlock function.
//
//	unlock := locks.Lock(key.String())
//	defer unlock()
func (sl *StripedLocks) Lock(key string) func() {
	m := &sl.stripes[sl.stripe(key)]
	m.Lock()
	return m.Unlock
}

func (sl *StripedLocks) stripe(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % sl.count
}
