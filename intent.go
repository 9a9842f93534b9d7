package binstore

import (
	"fmt"
	"time"
)

// IntentKind is the kind of a write intent.
type IntentKind int

const (
	KindInsert IntentKind = iota + 1
	KindUpdate
	KindSave
	KindDelete
)

func (k IntentKind) String() string {
	switch k {
	case KindInsert:
		return "insert"
	case KindUpdate:
		return "update"
	case KindSave:
		return "save"
	case KindDelete:
		return "delete"
	}
	return fmt.Sprintf("IntentKind(%d)", int(k))
}

// WriteIntent describes one record mutation.
type WriteIntent struct {
	Key  Key
	Kind IntentKind
	// Bins holds the record content. Ignored for deletes.
	Bins map[string]any
	// Fields restricts the write to the named bins; the others keep their
	// stored values. Empty means every bin is replaced.
	Fields []string
	// Versioned marks that Version carries the version the caller last read.
	Versioned bool
	Version   int64
	// TTL sets the record expiry; zero means never.
	TTL time.Duration
	// MustExist makes a delete of an absent record an error.
	MustExist bool
}

// Insert builds an intent that creates a record.
func Insert(key Key, bins map[string]any) WriteIntent {
	return WriteIntent{Key: key, Kind: KindInsert, Bins: bins}
}

// Update builds an intent that replaces an existing record. A zero version
// skips the version check.
func Update(key Key, bins map[string]any, version int64) WriteIntent {
	return WriteIntent{Key: key, Kind: KindUpdate, Bins: bins, Versioned: version > 0, Version: version}
}

// Save builds an upsert intent. A zero version skips the version check.
func Save(key Key, bins map[string]any, version int64) WriteIntent {
	return WriteIntent{Key: key, Kind: KindSave, Bins: bins, Versioned: version > 0, Version: version}
}

// Remove builds a delete intent. A zero version skips the version check.
func Remove(key Key, version int64) WriteIntent {
	return WriteIntent{Key: key, Kind: KindDelete, Versioned: version > 0, Version: version}
}

// Only returns a copy restricted to the named bins.
func (w WriteIntent) Only(fields ...string) WriteIntent {
	w.Fields = append([]string(nil), fields...)
	return w
}

// Outcome is the result of one write intent. Version is the record version
// after the write; it is zero for deletes and failures.
type Outcome struct {
	Key     Key
	Kind    IntentKind
	Version int64
	Deleted bool
	Err     error
}

// OK reports whether the intent was applied.
func (o Outcome) OK() bool { return o.Err == nil }
