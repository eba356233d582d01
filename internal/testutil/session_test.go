package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFixedSession_ReturnsSameID(t *testing.T) {
	g := NewFixedSession("session-123")

	assert.Equal(t, "session-123", g.Generate())
	assert.Equal(t, "session-123", g.Generate())
}

func TestFixedSession_EmptyUsesDefault(t *testing.T) {
	assert.Equal(t, DefaultSession, NewFixedSession("").Generate())
}
