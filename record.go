package binstore

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Key identifies a record: namespace, set and user key.
type Key struct {
	Namespace string
	Set       string
	ID        string
}

// NewKey builds a Key.
func NewKey(namespace, set, id string) Key {
	return Key{Namespace: namespace, Set: set, ID: id}
}

func (k Key) String() string {
	return k.Namespace + "/" + k.Set + "/" + k.ID
}

func (k Key) validate() error {
	if k.Set == "" || k.ID == "" {
		return WithContext(ErrInvalidData, map[string]interface{}{
			"key":    k.String(),
			"reason": "key requires a set and an id",
		})
	}
	return nil
}

// Record is a stored record together with its store-maintained metadata.
// VoidTime is zero for records that never expire.
type Record struct {
	Key        Key
	Bins       map[string]any
	Generation int64
	LastUpdate time.Time
	VoidTime   time.Time
}

// Value resolves a dotted or segmented path into the record bins,
// descending through nested maps.
func (r *Record) Value(path ...string) (any, bool) {
	if r == nil || len(path) == 0 {
		return nil, false
	}
	if len(path) == 1 && strings.Contains(path[0], ".") {
		path = strings.Split(path[0], ".")
	}
	var cur any = r.Bins
	for _, seg := range path {
		next, ok := mapLookup(cur, seg)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// Expired reports whether the record's void time has passed at now.
func (r *Record) Expired(now time.Time) bool {
	return !r.VoidTime.IsZero() && !now.Before(r.VoidTime)
}

// Meta reads one metadata field of the record as of now.
func (r *Record) Meta(m MetadataField, now time.Time) int64 {
	return metadataValue(r, m, now)
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Bins = cloneBins(r.Bins)
	return &cp
}

// Decode materializes the record bins into out, matching struct fields by
// their `bin` tag. The key id and generation are available to out through
// the pseudo-bins "_id" and "_version".
func (r *Record) Decode(out any) error {
	input := make(map[string]any, len(r.Bins)+2)
	for k, v := range r.Bins {
		input[k] = v
	}
	input["_id"] = r.Key.ID
	input["_version"] = r.Generation

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "bin",
		WeaklyTypedInput: true,
		Result:           out,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return fmt.Errorf("decode %s: %w", r.Key, err)
	}
	if err := dec.Decode(input); err != nil {
		return fmt.Errorf("decode %s: %w: %v", r.Key, ErrInvalidData, err)
	}
	return nil
}

func cloneBins(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneBins(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
