// Package safepoint parks application threads outside the interception
// boundary while a checkpoint is in progress.
//
// A thread is at a safe point whenever it is not inside an intercepted call.
// Suspend closes the gate to new interceptions and waits until every
// in-flight one has exited, so no thread is ever stopped between reserving
// a log slot and committing it. A thread that is already inside the
// boundary (a signal handler interrupting an intercepted call) may re-enter
// while the gate is closed; blocking it would deadlock the suspension.
package safepoint

import (
	"context"
	"sync"

	"github.com/roach88/lockstep/internal/ir"
)

// Gate tracks in-flight interceptions per thread.
type Gate struct {
	mu        sync.Mutex
	depth     map[ir.ThreadID]int
	inFlight  int
	suspended bool
	resumed   chan struct{} // closed on Resume
	idle      chan struct{} // closed when inFlight drops to 0 while suspended
}

// New returns an open gate.
func New() *Gate {
	return &Gate{depth: make(map[ir.ThreadID]int)}
}

// Enter marks thread as inside the interception boundary, blocking while
// the gate is suspended unless the thread is already inside.
func (g *Gate) Enter(ctx context.Context, thread ir.ThreadID) error {
	g.mu.Lock()
	if g.depth[thread] > 0 {
		g.depth[thread]++
		g.mu.Unlock()
		return nil
	}
	for g.suspended {
		wait := g.resumed
		g.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
		g.mu.Lock()
	}
	g.depth[thread] = 1
	g.inFlight++
	g.mu.Unlock()
	return nil
}

// Exit marks the end of the innermost interception of thread.
func (g *Gate) Exit(thread ir.ThreadID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	d := g.depth[thread]
	if d == 0 {
		return
	}
	if d > 1 {
		g.depth[thread] = d - 1
		return
	}
	delete(g.depth, thread)
	g.inFlight--
	if g.inFlight == 0 && g.idle != nil {
		close(g.idle)
		g.idle = nil
	}
}

// Suspend closes the gate and waits until no interception is in flight.
// If ctx ends first the gate stays closed; the caller reports the failure
// and the abort path calls Resume.
func (g *Gate) Suspend(ctx context.Context) error {
	g.mu.Lock()
	if !g.suspended {
		g.suspended = true
		g.resumed = make(chan struct{})
	}
	if g.inFlight == 0 {
		g.mu.Unlock()
		return nil
	}
	if g.idle == nil {
		g.idle = make(chan struct{})
	}
	idle := g.idle
	g.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-idle:
		return nil
	}
}

// Resume reopens the gate and releases parked threads. Idempotent.
func (g *Gate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.suspended {
		return
	}
	g.suspended = false
	close(g.resumed)
	g.idle = nil
}

// Suspended reports whether the gate is closed.
func (g *Gate) Suspended() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.suspended
}

// InFlight returns the number of threads currently inside the boundary.
func (g *Gate) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}
