package binstore

import "time"

// Configuration constants for binstore operations
const (
	// Batch operation configuration
	DefaultBatchSize        = 100
	DefaultBatchConcurrency = 4

	// Redis backend configuration
	DefaultRedisPrefix  = "binstore"
	DefaultScanPageSize = 100

	// Transaction retry configuration (WATCH conflicts)
	DefaultTxMaxRetries     = 10
	DefaultTxInitialBackoff = 2 * time.Millisecond
	DefaultBackoffMultiple  = 2
	DefaultJitterPercent    = 0.5 // 50% jitter to avoid thundering herd

	// Index catalog configuration
	DefaultCatalogRefreshInterval    = 30 * time.Second
	DefaultCatalogRefreshMinInterval = time.Second

	// Query configuration
	DefaultSlowQueryThreshold = 100 * time.Millisecond

	DefaultLockStripes = 32
)

// Policy holds the knobs the store consults but does not own.
type Policy struct {
	// ScansAllowed permits plans that read every record of a set.
	ScansAllowed bool
	// MaxBatchSize caps the number of intents per backend sub-batch.
	MaxBatchSize int
	// BatchConcurrency caps how many sub-batches are in flight at once.
	BatchConcurrency int
	// KeyField names the primary key field in criteria trees.
	KeyField string
	// SlowQueryThreshold marks queries for the profiler's slow list.
	SlowQueryThreshold time.Duration
}

// DefaultPolicy returns the default policy. Full scans are allowed.
func DefaultPolicy() Policy {
	return Policy{
		ScansAllowed:       true,
		MaxBatchSize:       DefaultBatchSize,
		BatchConcurrency:   DefaultBatchConcurrency,
		KeyField:           DefaultKeyField,
		SlowQueryThreshold: DefaultSlowQueryThreshold,
	}
}

// Validate checks if the Policy is valid
func (p Policy) Validate() error {
	if p.MaxBatchSize < 1 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "MaxBatchSize",
			"value":  p.MaxBatchSize,
			"reason": "must be >= 1",
		})
	}
	if p.BatchConcurrency < 1 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "BatchConcurrency",
			"value":  p.BatchConcurrency,
			"reason": "must be >= 1",
		})
	}
	if p.KeyField == "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "KeyField",
			"reason": "must not be empty",
		})
	}
	if p.SlowQueryThreshold < 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "SlowQueryThreshold",
			"value":  p.SlowQueryThreshold,
			"reason": "must be non-negative",
		})
	}
	return nil
}

// RetryConfig holds configuration for retry operations with exponential backoff
type RetryConfig struct {
	MaxRetries      int
	InitialBackoff  time.Duration
	BackoffMultiple int
	JitterPercent   float64
}

// DefaultTxRetryConfig returns the retry configuration for transactions
// aborted by a concurrent change to a watched key.
func DefaultTxRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      DefaultTxMaxRetries,
		InitialBackoff:  DefaultTxInitialBackoff,
		BackoffMultiple: DefaultBackoffMultiple,
		JitterPercent:   DefaultJitterPercent,
	}
}

// Validate checks if the RetryConfig is valid
func (c RetryConfig) Validate() error {
	if c.MaxRetries < 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "MaxRetries",
			"value":  c.MaxRetries,
			"reason": "must be non-negative",
		})
	}
	if c.InitialBackoff <= 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "InitialBackoff",
			"value":  c.InitialBackoff,
			"reason": "must be positive",
		})
	}
	if c.BackoffMultiple < 1 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "BackoffMultiple",
			"value":  c.BackoffMultiple,
			"reason": "must be >= 1",
		})
	}
	if c.JitterPercent < 0 || c.JitterPercent > 1 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "JitterPercent",
			"value":  c.JitterPercent,
			"reason": "must be between 0 and 1",
		})
	}
	return nil
}
