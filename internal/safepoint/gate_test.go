package safepoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_SuspendWithNothingInFlight(t *testing.T) {
	g := New()
	require.NoError(t, g.Suspend(context.Background()))
	assert.True(t, g.Suspended())

	g.Resume()
	assert.False(t, g.Suspended())
}

func TestGate_SuspendWaitsForInFlight(t *testing.T) {
	g := New()
	ctx := context.Background()
	require.NoError(t, g.Enter(ctx, 1))

	done := make(chan error, 1)
	go func() { done <- g.Suspend(ctx) }()

	select {
	case <-done:
		t.Fatal("suspend returned while a thread was mid-interception")
	case <-time.After(50 * time.Millisecond):
	}

	g.Exit(1)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("suspend did not complete after the thread exited")
	}
	assert.Equal(t, 0, g.InFlight())
}

func TestGate_EnterBlocksWhileSuspended(t *testing.T) {
	g := New()
	ctx := context.Background()
	require.NoError(t, g.Suspend(ctx))

	entered := make(chan struct{})
	go func() {
		_ = g.Enter(ctx, 2)
		close(entered)
	}()

	select {
	case <-entered:
		t.Fatal("thread entered the boundary while suspended")
	case <-time.After(50 * time.Millisecond):
	}

	g.Resume()
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("thread was not released by resume")
	}
	assert.Equal(t, 1, g.InFlight())
}

func TestGate_ReentrantEnterAdmittedWhileSuspending(t *testing.T) {
	g := New()
	ctx := context.Background()
	require.NoError(t, g.Enter(ctx, 1))

	done := make(chan error, 1)
	go func() { done <- g.Suspend(ctx) }()
	time.Sleep(20 * time.Millisecond)

	// Signal handler re-enters on the same thread: must not block.
	enterCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, g.Enter(enterCtx, 1))
	g.Exit(1)

	select {
	case <-done:
		t.Fatal("suspend completed while the outer call is still open")
	default:
	}

	g.Exit(1)
	require.NoError(t, <-done)
}

func TestGate_EnterHonorsContext(t *testing.T) {
	g := New()
	require.NoError(t, g.Suspend(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := g.Enter(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, g.InFlight())
}

func TestGate_SuspendHonorsContext(t *testing.T) {
	g := New()
	require.NoError(t, g.Enter(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := g.Suspend(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, g.Suspended(), "gate stays closed until the abort resumes it")

	g.Resume()
	assert.False(t, g.Suspended())
}

func TestGate_ResumeIdempotent(t *testing.T) {
	g := New()
	g.Resume()
	require.NoError(t, g.Suspend(context.Background()))
	g.Resume()
	g.Resume()
	assert.False(t, g.Suspended())
}

func TestGate_ExitWithoutEnterIsNoop(t *testing.T) {
	g := New()
	g.Exit(5)
	assert.Equal(t, 0, g.InFlight())
}
