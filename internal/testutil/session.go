package testutil

// DefaultSession is the session identifier used when a scenario names none.
const DefaultSession = "session-fixed"

// FixedSession hands out the same coordinator session identifier every
// time, so checkpoint identifiers are stable across runs.
//
// It satisfies coordinator.SessionGenerator and is stateless.
type FixedSession struct {
	id string
}

// NewFixedSession creates a generator for id, or DefaultSession if id is
// empty.
func NewFixedSession(id string) *FixedSession {
	if id == "" {
		id = DefaultSession
	}
	return &FixedSession{id: id}
}

// Generate returns the fixed session identifier.
func (g *FixedSession) Generate() string {
	return g.id
}
