package nameservice

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *Redis {
	t.Helper()

	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	prefix := "lockstep-test-" + uuid.NewString()

	r, err := NewRedis(addr, WithPrefix(prefix), WithTTL(5*time.Minute))
	if err != nil {
		t.Skipf("redis unavailable at %s: %v", addr, err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		keys, _ := r.client.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			_ = r.client.Del(ctx, keys...).Err()
		}
		_ = r.Close()
	})
	return r
}

func TestRedis_RegisterLookup(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "worker-1", "10.0.0.1:9777"))
	ep, err := r.Lookup(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:9777", ep)

	ttl, err := r.client.TTL(ctx, r.key("worker-1")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestRedis_LookupUnknown(t *testing.T) {
	r := newTestRedis(t)
	_, err := r.Lookup(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewRedis_RequiresAddr(t *testing.T) {
	_, err := NewRedis(" ")
	assert.Error(t, err)
}
