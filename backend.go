package binstore

import (
	"context"
	"time"
)

// Backend is the store abstraction the core executes against. Every
// precondition carried by a request is checked atomically by the backend
// together with the write itself.
//
// Error conditions:
//   - Get returns ErrNotFound for absent or expired records.
//   - Write returns ErrAlreadyExists (create-only on an existing record),
//     ErrNotFound (update-only on an absent record) or *GenerationError
//     (generation precondition failed).
//   - Delete returns *GenerationError when the generation precondition fails.
type Backend interface {
	Get(ctx context.Context, key Key) (*Record, error)
	// GetMany returns one entry per key, nil for absent records.
	GetMany(ctx context.Context, keys []Key) ([]*Record, error)
	// Write applies req and returns the new generation.
	Write(ctx context.Context, req WriteRequest) (int64, error)
	// Delete removes the record and reports whether it existed.
	Delete(ctx context.Context, req DeleteRequest) (bool, error)
	// Scan opens a cursor over a set. The request filter is applied by the
	// backend before records are returned.
	Scan(ctx context.Context, req ScanRequest) (Cursor, error)

	// Health check
	Ping(ctx context.Context) error

	// Resource cleanup
	Close() error
}

// BatchBackend is implemented by backends with a native multi-record write
// primitive. Each entry succeeds or fails on its own.
type BatchBackend interface {
	Backend
	BatchWrite(ctx context.Context, entries []BatchEntry) []BatchResult
	// MaxBatchSize is the largest number of entries BatchWrite accepts.
	MaxBatchSize() int
}

// IndexBackend is implemented by backends that maintain secondary indexes.
type IndexBackend interface {
	CatalogSource
	CreateIndex(ctx context.Context, desc IndexDescriptor) error
	DropIndex(ctx context.Context, name string) error
}

// Cursor is a forward-only, single-reader record stream. Next returns io.EOF
// after the last record. Close must be called and is idempotent.
type Cursor interface {
	Next(ctx context.Context) (*Record, error)
	Close() error
}

// ExistsAction is the record-existence precondition of a write.
type ExistsAction int

const (
	// ExistsUpsert writes whether or not the record exists.
	ExistsUpsert ExistsAction = iota
	// ExistsCreateOnly fails with ErrAlreadyExists when the record exists.
	ExistsCreateOnly
	// ExistsUpdateOnly fails with ErrNotFound when the record is absent.
	ExistsUpdateOnly
)

// GenerationPolicy is the generation precondition of a write or delete.
type GenerationPolicy int

const (
	GenerationNone GenerationPolicy = iota
	// GenerationEqual requires the stored generation to equal Expected.
	GenerationEqual
	// GenerationEqualIfExists checks the generation only when the record
	// exists; an absent record is created.
	GenerationEqualIfExists
)

// WriteMode says whether a write replaces all bins or merges named bins.
type WriteMode int

const (
	WriteReplace WriteMode = iota
	WriteMerge
)

// WriteRequest is one atomic conditional write.
type WriteRequest struct {
	Key                Key
	Bins               map[string]any
	Mode               WriteMode
	Exists             ExistsAction
	Generation         GenerationPolicy
	ExpectedGeneration int64
	// TTL sets the record expiry relative to the write; zero means the
	// record never expires.
	TTL time.Duration
}

// DeleteRequest is one atomic conditional delete.
type DeleteRequest struct {
	Key                Key
	Generation         GenerationPolicy
	ExpectedGeneration int64
}

// BatchEntry holds exactly one of Write or Delete.
type BatchEntry struct {
	Write  *WriteRequest
	Delete *DeleteRequest
}

// BatchResult is the outcome of one BatchEntry.
type BatchResult struct {
	Generation int64
	Deleted    bool
	Err        error
}

// ScanRequest selects the records of one set. Index narrows candidates and
// Filter decides which of them are returned.
type ScanRequest struct {
	Namespace string
	Set       string
	Index     *IndexFilter
	Filter    Expression
	// Now is the evaluation time for metadata predicates; zero means the
	// backend's clock.
	Now time.Time
}

// BackendConfig holds configuration for any backend
type BackendConfig struct {
	Type      string            // "memory" or "redis"
	Namespace string            // default namespace for keys
	Addr      string            // redis address (redis only)
	Prefix    string            // optional prefix for all redis keys
	Options   map[string]string // backend-specific options
}

// Validate checks if the BackendConfig is valid
func (c BackendConfig) Validate() error {
	if c.Type == "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Type",
			"reason": "backend type is required",
		})
	}
	if c.Namespace == "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Namespace",
			"reason": "namespace is required",
		})
	}

	switch c.Type {
	case "redis":
		if c.Addr == "" {
			return WithContext(ErrInvalidConfig, map[string]interface{}{
				"field":  "Addr",
				"reason": "redis backend requires an address",
			})
		}
	case "memory":
	default:
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Type",
			"value":  c.Type,
			"reason": "unknown backend type",
		})
	}
	return nil
}
