package binstore

import (
	"github.com/google/uuid"
)

// NewID generates a UUIDv7 (time-ordered) identifier. The store uses it for
// batch correlation ids and callers may use it for record ids.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fall back to UUIDv4 if NewV7 fails (extremely rare)
		id = uuid.New()
	}
	return id.String()
}

// IsValidID checks if a string is a valid UUID
func IsValidID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
