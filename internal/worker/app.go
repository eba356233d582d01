package worker

import (
	"context"
	"net"

	"github.com/roach88/lockstep/internal/drain"
	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/replay"
)

// Thread returns the interception handle of an application thread. The
// handle owns that thread's log; the same handle is returned on every call.
func (w *Worker) Thread(id ir.ThreadID) *replay.Thread {
	w.threadsMu.Lock()
	defer w.threadsMu.Unlock()
	if th, ok := w.threads[id]; ok {
		return th
	}
	th := replay.NewThread(w.logs.Thread(id))
	w.threads[id] = th
	return th
}

// Intercept runs a nondeterministic operation for th through the boundary:
// executed and recorded, or satisfied from the log in replay mode.
func (w *Worker) Intercept(ctx context.Context, th *replay.Thread, op replay.Op, exec replay.Exec) (replay.Outcome, error) {
	return w.boundary.Intercept(ctx, th, op, exec)
}

// AddConn wraps an established transport to peer so it takes part in
// checkpoints.
func (w *Worker) AddConn(name string, peer ir.ProcessID, nc net.Conn) (*drain.Conn, error) {
	c := drain.New(name, w.pid, peer, nc, drain.WithLogger(w.logger))
	if err := w.conns.Add(c); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Conn returns the connection named name to peer, including one restored
// from a checkpoint.
func (w *Worker) Conn(name string, peer ir.ProcessID) (*drain.Conn, bool) {
	return w.conns.Get(ir.ConnectionKey(name, w.pid, peer))
}
