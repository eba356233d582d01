package coordinator

import "github.com/google/uuid"

// SessionGenerator produces coordinator session IDs. Checkpoint IDs are
// derived from the session, so tests pin it for stable IDs.
type SessionGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable session IDs.
type UUIDv7Generator struct{}

// Generate panics if the system random source fails.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
