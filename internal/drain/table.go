package drain

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/lockstep/internal/ir"
)

// Table holds every drainable connection of one process.
type Table struct {
	mu     sync.Mutex
	conns  map[string]*Conn
	logger *slog.Logger
}

// NewTable returns an empty table.
func NewTable(logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{conns: make(map[string]*Conn), logger: logger}
}

// Add registers a connection. Keys must be unique within the process.
func (t *Table) Add(c *Conn) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.conns[c.Key()]; ok {
		return fmt.Errorf("connection %s already registered", c.Key())
	}
	t.conns[c.Key()] = c
	c.setOnGone(t.forget)
	return nil
}

// forget drops a torn-down connection so later checkpoints no longer wait
// on it.
func (t *Table) forget(c *Conn) {
	t.mu.Lock()
	cur, ok := t.conns[c.Key()]
	if ok && cur == c {
		delete(t.conns, c.Key())
	}
	t.mu.Unlock()
	if ok && cur == c {
		t.logger.Info("connection torn down", "event", "conn_removed", "conn", c.Key())
	}
}

// Remove closes and forgets a connection.
func (t *Table) Remove(key string) {
	t.mu.Lock()
	c, ok := t.conns[key]
	delete(t.conns, key)
	t.mu.Unlock()
	if ok {
		c.Close()
	}
}

// Get returns the connection with key.
func (t *Table) Get(key string) (*Conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[key]
	return c, ok
}

// List returns connections ordered by key.
func (t *Table) List() []*Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Conn, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// IDs returns the identity and state of every connection, ordered by key.
func (t *Table) IDs() []ir.ConnectionID {
	conns := t.List()
	out := make([]ir.ConnectionID, len(conns))
	for i, c := range conns {
		out[i] = c.ID()
	}
	return out
}

// DrainAll drains every connection concurrently. The first failure is
// returned after all drains finish; connections that did drain stay
// Drained until ResumeAll.
func (t *Table) DrainAll(ctx context.Context, epoch uint64, policy Policy) error {
	var g errgroup.Group
	for _, c := range t.List() {
		c := c
		g.Go(func() error {
			if err := c.Drain(ctx, epoch, policy); err != nil {
				event := "drain_failed"
				if IsTimeout(err) {
					event = "drain_timeout"
				}
				t.logger.Warn("drain failed", "event", event, "conn", c.Key(), "error", err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// ResumeAll returns every Draining or Drained connection to Live.
// Safe to call repeatedly; this is the abort path.
func (t *Table) ResumeAll() error {
	var first error
	for _, c := range t.List() {
		if err := c.Resume(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Snapshot returns the checkpoint state of every connection. Every
// connection must be Drained.
func (t *Table) Snapshot() ([]ConnState, error) {
	conns := t.List()
	out := make([]ConnState, 0, len(conns))
	for _, c := range conns {
		if s := c.State(); s != ir.DrainDrained {
			return nil, fmt.Errorf("connection %s is %s, not Drained", c.Key(), s)
		}
		out = append(out, c.Snapshot())
	}
	return out, nil
}

// RestoreAll re-establishes the transport of every Restoring connection.
// Connections stay Restoring until ReleaseAll.
func (t *Table) RestoreAll(ctx context.Context, r *Restorer) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range t.List() {
		if c.State() != ir.DrainRestoring {
			continue
		}
		c := c
		g.Go(func() error {
			return r.Restore(gctx, c)
		})
	}
	return g.Wait()
}

// ReleaseAll flips every restored connection to Live.
func (t *Table) ReleaseAll() error {
	for _, c := range t.List() {
		if err := c.Release(); err != nil {
			return err
		}
	}
	return nil
}

// CloseAll closes every connection.
func (t *Table) CloseAll() {
	for _, c := range t.List() {
		c.Close()
	}
}
