package workflow

import (
	"github.com/google/uuid"
)

// RefGenerator produces execution references.
type RefGenerator interface {
	Generate() string
}

// UUIDv7Refs generates time-sortable UUIDv7 execution references, so that
// references sort by start time in listings and logs.
//
// Thread-safety: UUIDv7Refs is stateless and safe for concurrent use.
type UUIDv7Refs struct{}

// Generate returns a new hyphenated UUIDv7.
//
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Refs) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
