package coordinator

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/protocol"
	"github.com/roach88/lockstep/internal/store"
	"github.com/roach88/lockstep/internal/testutil"
)

const waitFor = 2 * time.Second

func pidOf(s string) ir.ProcessID { return ir.ProcessID(s) }

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "coord.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// startCoordinator runs a coordinator with a pinned session until the test
// ends.
func startCoordinator(t *testing.T, opts ...Option) *Coordinator {
	t.Helper()
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithSessionGenerator(testutil.NewFixedSession("session-test")),
	}
	c := New(append(base, opts...)...)
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-c.Done()
	})
	return c
}

// fakeWorker is the worker end of a control connection.
type fakeWorker struct {
	t    *testing.T
	pid  ir.ProcessID
	conn protocol.Conn
}

// join registers pid and consumes the Welcome.
func join(t *testing.T, c *Coordinator, pid string, restart bool) *fakeWorker {
	t.Helper()
	coordEnd, workerEnd := protocol.Pipe(nil)
	w := &fakeWorker{t: t, pid: pidOf(pid), conn: workerEnd}
	ctx := context.Background()
	require.NoError(t, workerEnd.Send(ctx, protocol.Hello(w.pid, restart)))
	require.NoError(t, c.Attach(ctx, coordEnd))
	welcome := w.recv()
	require.Equal(t, protocol.KindWelcome, welcome.Kind)
	require.Equal(t, w.pid, welcome.ProcessID)
	return w
}

func (w *fakeWorker) recv() protocol.Message {
	w.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	m, err := w.conn.Recv(ctx)
	require.NoError(w.t, err, "%s: waiting for message", w.pid)
	return m
}

// expect receives the next message and checks its kind and phase.
func (w *fakeWorker) expect(kind protocol.Kind, phase ir.Phase) protocol.Message {
	w.t.Helper()
	m := w.recv()
	require.Equal(w.t, kind, m.Kind, "%s got %s", w.pid, m)
	if kind == protocol.KindRequest {
		require.Equal(w.t, phase, m.Phase, "%s got %s", w.pid, m)
	}
	return m
}

func (w *fakeWorker) send(m protocol.Message) {
	w.t.Helper()
	require.NoError(w.t, w.conn.Send(context.Background(), m))
}

// ackRequest waits for a request of phase and acks it.
func (w *fakeWorker) ackRequest(phase ir.Phase) protocol.Message {
	w.t.Helper()
	m := w.expect(protocol.KindRequest, phase)
	w.send(protocol.Ack(w.pid, m.Phase, m.Epoch))
	return m
}

// autoAck acks every request until a Commit or Abort, which it returns.
func (w *fakeWorker) autoAck() <-chan protocol.Message {
	out := make(chan protocol.Message, 1)
	go func() {
		for {
			m, err := w.conn.Recv(context.Background())
			if err != nil {
				close(out)
				return
			}
			switch m.Kind {
			case protocol.KindRequest:
				_ = w.conn.Send(context.Background(), protocol.Ack(w.pid, m.Phase, m.Epoch))
			case protocol.KindCommit, protocol.KindAbort:
				out <- m
				return
			}
		}
	}()
	return out
}

type asyncResult struct {
	res Result
	err error
}

func checkpointAsync(c *Coordinator) <-chan asyncResult {
	out := make(chan asyncResult, 1)
	go func() {
		res, err := c.Checkpoint(context.Background())
		out <- asyncResult{res, err}
	}()
	return out
}

func restartAsync(c *Coordinator, opts RestartOptions) <-chan asyncResult {
	out := make(chan asyncResult, 1)
	go func() {
		res, err := c.Restart(context.Background(), opts)
		out <- asyncResult{res, err}
	}()
	return out
}

func await(t *testing.T, ch <-chan asyncResult) asyncResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(waitFor):
		t.Fatal("barrier did not finish")
		return asyncResult{}
	}
}
