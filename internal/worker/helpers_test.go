package worker

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/coordinator"
	"github.com/roach88/lockstep/internal/drain"
	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/protocol"
	"github.com/roach88/lockstep/internal/store"
	"github.com/roach88/lockstep/internal/testutil"
)

const waitFor = 5 * time.Second

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func fastPolicy() drain.Policy {
	return drain.Policy{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, Deadline: 2 * time.Second, WarnEvery: 100}
}

func openStore(t *testing.T, name string) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), name+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func startCoordinator(t *testing.T, opts ...coordinator.Option) *coordinator.Coordinator {
	t.Helper()
	base := []coordinator.Option{
		coordinator.WithLogger(quiet),
		coordinator.WithSessionGenerator(testutil.NewFixedSession("session-worker")),
		coordinator.WithStore(openStore(t, "coordinator")),
	}
	c := coordinator.New(append(base, opts...)...)
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-c.Done()
	})
	return c
}

// running is a worker attached to a coordinator over an in-process pipe.
type running struct {
	*Worker
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// stop deregisters the worker and waits for Run to return.
func (r *running) stop(t *testing.T) {
	t.Helper()
	r.cancel()
	select {
	case <-r.done:
	case <-time.After(waitFor):
		t.Fatal("worker did not stop")
	}
	r.Worker.Close()
}

func attach(t *testing.T, c *coordinator.Coordinator, w *Worker) *running {
	t.Helper()
	coordEnd, workerEnd := protocol.Pipe(nil)
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{Worker: w, cancel: cancel, done: make(chan struct{})}
	go func() {
		r.err = w.Run(ctx, workerEnd)
		close(r.done)
	}()
	require.NoError(t, c.Attach(context.Background(), coordEnd))
	t.Cleanup(func() {
		cancel()
		<-r.done
		w.Close()
	})
	return r
}

func newWorker(t *testing.T, pid string, opts ...Option) *Worker {
	t.Helper()
	base := []Option{WithLogger(quiet), WithDrainPolicy(fastPolicy()), WithStore(openStore(t, pid))}
	w, err := New(context.Background(), ir.ProcessID(pid), append(base, opts...)...)
	require.NoError(t, err)
	return w
}

func waitParticipants(t *testing.T, c *coordinator.Coordinator, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.Status().Participants) == n }, waitFor, 5*time.Millisecond)
}
