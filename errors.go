package binstore

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinel errors for common conditions
var (
	// Query errors
	ErrInvalidQuery  = errors.New("invalid query")
	ErrScansDisabled = errors.New("full scans are disabled")
	ErrIndexNotFound = errors.New("index not found")

	// Data errors
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
	ErrConflict      = errors.New("generation mismatch")
	ErrUnknownField  = errors.New("unknown field")
	ErrInvalidData   = errors.New("invalid data format")

	// Batch errors
	ErrInvalidBatch = errors.New("invalid batch")
	ErrPartialBatch = errors.New("batch partially failed")

	// Backend errors
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrTimeout            = errors.New("operation timed out")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ErrorWithContext adds additional context to errors for better debugging and logging
type ErrorWithContext struct {
	Err     error
	Context map[string]interface{}
}

func (e *ErrorWithContext) Error() string {
	if len(e.Context) == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v (context: %+v)", e.Err, e.Context)
}

func (e *ErrorWithContext) Unwrap() error {
	return e.Err
}

// WithContext adds context to an error
func WithContext(err error, context map[string]interface{}) error {
	if err == nil {
		return nil
	}
	return &ErrorWithContext{
		Err:     err,
		Context: context,
	}
}

// InvalidQueryError reports a malformed or unsupported criteria tree. It is
// always raised while compiling, before any store access.
type InvalidQueryError struct {
	Field  string
	Reason string
}

func (e *InvalidQueryError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid query: %s", e.Reason)
	}
	return fmt.Sprintf("invalid query on field %q: %s", e.Field, e.Reason)
}

func (e *InvalidQueryError) Unwrap() error { return ErrInvalidQuery }

// ScansDisabledError is returned when a plan needs a full scan of Set but the
// policy forbids it.
type ScansDisabledError struct {
	Set string
}

func (e *ScansDisabledError) Error() string {
	return fmt.Sprintf("query on set %q requires a full scan but scans are disabled", e.Set)
}

func (e *ScansDisabledError) Unwrap() error { return ErrScansDisabled }

// DuplicateKeyError is returned when an insert targets an existing key.
type DuplicateKeyError struct {
	Key Key
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate key %s", e.Key)
}

func (e *DuplicateKeyError) Unwrap() error { return ErrAlreadyExists }

// RecordNotFoundError is returned when an update or a must-exist delete
// targets an absent key.
type RecordNotFoundError struct {
	Key Key
}

func (e *RecordNotFoundError) Error() string {
	return fmt.Sprintf("record %s not found", e.Key)
}

func (e *RecordNotFoundError) Unwrap() error { return ErrNotFound }

// OptimisticLockConflictError carries both sides of a failed generation check.
type OptimisticLockConflictError struct {
	Key      Key
	Expected int64
	Actual   int64
}

func (e *OptimisticLockConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: expected %d, actual %d", e.Key, e.Expected, e.Actual)
}

func (e *OptimisticLockConflictError) Unwrap() error { return ErrConflict }

// RecoverableFieldError is returned when a field-subset write names a field
// that is not part of the record schema. The record is left untouched.
type RecoverableFieldError struct {
	Key   Key
	Field string
}

func (e *RecoverableFieldError) Error() string {
	return fmt.Sprintf("field %q does not exist in schema of %s", e.Field, e.Key)
}

func (e *RecoverableFieldError) Unwrap() error { return ErrUnknownField }

// InvalidBatchError rejects a batch in which one key appears more than once.
// Positions holds the input indexes of the repeated key.
type InvalidBatchError struct {
	Key       Key
	Positions []int
}

func (e *InvalidBatchError) Error() string {
	return fmt.Sprintf("invalid batch: key %s appears at positions %v", e.Key, e.Positions)
}

func (e *InvalidBatchError) Unwrap() error { return ErrInvalidBatch }

// PartialBatchFailureError is the aggregate error of a batch where at least
// one intent failed. Outcomes holds every outcome in input order, successful
// ones included.
type PartialBatchFailureError struct {
	Outcomes []Outcome
	Failed   int
}

func (e *PartialBatchFailureError) Error() string {
	keys := make([]string, 0, e.Failed)
	for _, o := range e.Outcomes {
		if o.Err != nil {
			keys = append(keys, o.Key.String())
		}
	}
	sort.Strings(keys)
	return fmt.Sprintf("%d of %d batch operations failed: %s", e.Failed, len(e.Outcomes), strings.Join(keys, ", "))
}

func (e *PartialBatchFailureError) Unwrap() error { return ErrPartialBatch }

// Succeeded returns the keys whose intents were applied.
func (e *PartialBatchFailureError) Succeeded() []Key {
	var out []Key
	for _, o := range e.Outcomes {
		if o.Err == nil {
			out = append(out, o.Key)
		}
	}
	return out
}

// Errors returns the per-key failures.
func (e *PartialBatchFailureError) Errors() map[Key]error {
	out := make(map[Key]error, e.Failed)
	for _, o := range e.Outcomes {
		if o.Err != nil {
			out[o.Key] = o.Err
		}
	}
	return out
}

// GenerationError is the condition a Backend reports when a write or delete
// precondition on the record generation fails. Actual is zero when the
// record does not exist.
type GenerationError struct {
	Expected int64
	Actual   int64
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation mismatch: expected %d, actual %d", e.Expected, e.Actual)
}

func (e *GenerationError) Unwrap() error { return ErrConflict }

// Common error checking helpers

// IsNotFound checks if an error is a "not found" error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict checks if an error is a version conflict
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsRetryable checks if an error is safe to retry as-is.
// Version conflicts are excluded: the caller must re-read before retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrBackendUnavailable)
}

// IsPermanent checks if an error is permanent (not retryable)
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrInvalidQuery) ||
		errors.Is(err, ErrInvalidBatch) ||
		errors.Is(err, ErrUnknownField) ||
		errors.Is(err, ErrInvalidData) ||
		errors.Is(err, ErrInvalidConfig)
}
