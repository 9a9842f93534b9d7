package binstore

import (
	"context"
	"errors"
	"fmt"
)

// SchemaRegistry reports the known bins of a set. Field-subset writes are
// checked against it.
type SchemaRegistry interface {
	Bins(set string) ([]string, bool)
}

// StaticSchema is a SchemaRegistry backed by a map of set to bin names.
type StaticSchema map[string][]string

func (s StaticSchema) Bins(set string) ([]string, bool) {
	bins, ok := s[set]
	return bins, ok
}

// VersionController turns write intents into single conditional backend
// requests and maps the backend's answer to typed errors. It never reads
// before writing: the generation precondition travels with the request.
type VersionController struct {
	backend Backend
	schema  SchemaRegistry
}

// NewVersionController creates a controller. schema may be nil.
func NewVersionController(backend Backend, schema SchemaRegistry) *VersionController {
	return &VersionController{backend: backend, schema: schema}
}

// Prepare builds the backend request for an intent.
//
//	INSERT: create-only; the version hint is ignored and the result is 1
//	UPDATE: update-only; versioned intents require generation == Version
//	SAVE:   upsert; versioned intents require generation == Version when
//	        the record exists and create it otherwise
//	DELETE: versioned intents require generation == Version
func (v *VersionController) Prepare(intent WriteIntent) (BatchEntry, error) {
	if err := intent.Key.validate(); err != nil {
		return BatchEntry{}, err
	}
	if intent.Kind == KindDelete {
		req := &DeleteRequest{Key: intent.Key}
		if intent.Versioned {
			req.Generation = GenerationEqual
			req.ExpectedGeneration = intent.Version
		}
		return BatchEntry{Delete: req}, nil
	}

	bins, err := v.bins(intent)
	if err != nil {
		return BatchEntry{}, err
	}
	req := &WriteRequest{Key: intent.Key, Bins: bins, TTL: intent.TTL}
	if len(intent.Fields) > 0 && intent.Kind != KindInsert {
		req.Mode = WriteMerge
	}
	switch intent.Kind {
	case KindInsert:
		req.Exists = ExistsCreateOnly
	case KindUpdate:
		req.Exists = ExistsUpdateOnly
		if intent.Versioned {
			req.Generation = GenerationEqual
			req.ExpectedGeneration = intent.Version
		}
	case KindSave:
		req.Exists = ExistsUpsert
		if intent.Versioned {
			req.Generation = GenerationEqualIfExists
			req.ExpectedGeneration = intent.Version
		}
	default:
		return BatchEntry{}, WithContext(ErrInvalidData, map[string]interface{}{
			"key":    intent.Key.String(),
			"reason": fmt.Sprintf("unknown intent kind %d", int(intent.Kind)),
		})
	}
	return BatchEntry{Write: req}, nil
}

// bins selects the bins to send. For a field subset every named field must
// be part of the set schema (or, without a registered schema, present in the
// intent); a named field without a value is removed from the record.
func (v *VersionController) bins(intent WriteIntent) (map[string]any, error) {
	if len(intent.Fields) == 0 {
		return intent.Bins, nil
	}
	var known map[string]bool
	if v.schema != nil {
		if names, ok := v.schema.Bins(intent.Key.Set); ok {
			known = make(map[string]bool, len(names))
			for _, n := range names {
				known[n] = true
			}
		}
	}
	out := make(map[string]any, len(intent.Fields))
	for _, f := range intent.Fields {
		val, provided := intent.Bins[f]
		if known != nil && !known[f] || known == nil && !provided {
			return nil, &RecoverableFieldError{Key: intent.Key, Field: f}
		}
		out[f] = val
	}
	return out, nil
}

// Execute applies one intent and returns its outcome. The returned error is
// the outcome's error.
func (v *VersionController) Execute(ctx context.Context, intent WriteIntent) (Outcome, error) {
	entry, err := v.Prepare(intent)
	if err != nil {
		out := Outcome{Key: intent.Key, Kind: intent.Kind, Err: err}
		return out, err
	}
	var res BatchResult
	if entry.Delete != nil {
		res.Deleted, res.Err = v.backend.Delete(ctx, *entry.Delete)
	} else {
		res.Generation, res.Err = v.backend.Write(ctx, *entry.Write)
	}
	out := v.Interpret(intent, res)
	return out, out.Err
}

// Interpret maps a backend result for intent to an outcome with a typed
// error.
func (v *VersionController) Interpret(intent WriteIntent, res BatchResult) Outcome {
	out := Outcome{Key: intent.Key, Kind: intent.Kind}
	if res.Err != nil {
		out.Err = mapWriteError(intent, res.Err)
		return out
	}
	if intent.Kind == KindDelete {
		out.Deleted = res.Deleted
		if !res.Deleted && intent.MustExist {
			out.Err = &RecordNotFoundError{Key: intent.Key}
		}
		return out
	}
	out.Version = res.Generation
	return out
}

func mapWriteError(intent WriteIntent, err error) error {
	var genErr *GenerationError
	switch {
	case errors.As(err, &genErr):
		return &OptimisticLockConflictError{Key: intent.Key, Expected: genErr.Expected, Actual: genErr.Actual}
	case errors.Is(err, ErrAlreadyExists):
		return &DuplicateKeyError{Key: intent.Key}
	case errors.Is(err, ErrNotFound):
		return &RecordNotFoundError{Key: intent.Key}
	}
	return fmt.Errorf("%s %s: %w", intent.Kind, intent.Key, err)
}
