package nameservice

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_RegisterLookup(t *testing.T) {
	ns := NewMemory()
	ctx := context.Background()

	require.NoError(t, ns.Register(ctx, "worker-1", "10.0.0.1:9777"))
	ep, err := ns.Lookup(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:9777", ep)

	// Re-registration after a restart replaces the endpoint.
	require.NoError(t, ns.Register(ctx, "worker-1", "10.0.0.2:9778"))
	ep, err = ns.Lookup(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:9778", ep)
}

func TestMemory_LookupUnknown(t *testing.T) {
	_, err := NewMemory().Lookup(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_RejectsEmpty(t *testing.T) {
	ns := NewMemory()
	ctx := context.Background()
	assert.Error(t, ns.Register(ctx, "", "x:1"))
	assert.Error(t, ns.Register(ctx, "p", " "))
	_, err := ns.Lookup(ctx, "  ")
	assert.Error(t, err)
}

func TestMemory_NormalizesProcessID(t *testing.T) {
	ns := NewMemory()
	ctx := context.Background()

	// "é" composed vs decomposed.
	require.NoError(t, ns.Register(ctx, "cafe\u0301", "h:1"))
	ep, err := ns.Lookup(ctx, "caf\u00e9")
	require.NoError(t, err)
	assert.Equal(t, "h:1", ep)
}
