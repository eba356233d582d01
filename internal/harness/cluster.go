package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"time"

	"github.com/roach88/lockstep/internal/coordinator"
	"github.com/roach88/lockstep/internal/drain"
	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/nameservice"
	"github.com/roach88/lockstep/internal/protocol"
	"github.com/roach88/lockstep/internal/snapshot"
	"github.com/roach88/lockstep/internal/store"
	"github.com/roach88/lockstep/internal/testutil"
	"github.com/roach88/lockstep/internal/worker"
)

// settleTimeout bounds waits for asynchronous cluster changes.
const settleTimeout = 10 * time.Second

// member is a worker attached to the cluster coordinator.
type member struct {
	w      *worker.Worker
	store  *store.Store
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// stop deregisters the worker and waits for it to exit.
func (m *member) stop() error {
	if m.closed {
		return nil
	}
	m.closed = true
	if m.cancel == nil {
		return m.w.Close()
	}
	m.cancel()
	select {
	case <-m.done:
	case <-time.After(settleTimeout):
		return fmt.Errorf("worker %s did not stop", m.w.ProcessID())
	}
	return m.w.Close()
}

// cluster is an in-process deployment: a coordinator, one worker per
// scenario entry, and net.Pipe transports for every declared connection.
type cluster struct {
	scenario *Scenario
	dir      string
	logger   *slog.Logger
	policy   drain.Policy

	coord     *coordinator.Coordinator
	coordStop context.CancelFunc
	catalog   *store.Store
	snapshots *snapshot.Dir
	names     *nameservice.Memory

	members   map[string]*member
	silent    []net.Conn
	committed []string
}

func newCluster(ctx context.Context, s *Scenario, dir string, logger *slog.Logger, observer func(ir.BarrierEvent)) (*cluster, error) {
	policy := drain.Policy{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond}
	if s.DrainDeadlineMS > 0 {
		policy.Deadline = time.Duration(s.DrainDeadlineMS) * time.Millisecond
	}

	catalog, err := store.Open(filepath.Join(dir, "coordinator.db"))
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	c := &cluster{
		scenario:  s,
		dir:       dir,
		logger:    logger,
		policy:    drain.NormalizePolicy(policy),
		catalog:   catalog,
		snapshots: snapshot.NewDir(filepath.Join(dir, "snapshots")),
		names:     nameservice.NewMemory(),
		members:   make(map[string]*member, len(s.Workers)),
	}
	c.coord = coordinator.New(
		coordinator.WithStore(catalog),
		coordinator.WithLogger(logger),
		coordinator.WithSessionGenerator(testutil.NewFixedSession("session-"+s.Name)),
		coordinator.WithObserver(observer),
	)
	cctx, cancel := context.WithCancel(context.Background())
	c.coordStop = cancel
	go c.coord.Run(cctx)

	for _, ws := range s.Workers {
		st, err := store.Open(filepath.Join(dir, ws.ID+".db"))
		if err != nil {
			c.close()
			return nil, fmt.Errorf("open log store for %s: %w", ws.ID, err)
		}
		w, err := worker.New(ctx, ir.ProcessID(ws.ID), c.workerOptions(st)...)
		if err != nil {
			st.Close()
			c.close()
			return nil, err
		}
		c.members[ws.ID] = &member{w: w, store: st}
	}
	if err := c.connect(); err != nil {
		c.close()
		return nil, err
	}
	for _, ws := range s.Workers {
		if err := c.attach(ctx, c.members[ws.ID]); err != nil {
			c.close()
			return nil, err
		}
	}
	if err := c.waitParticipants(len(s.Workers)); err != nil {
		c.close()
		return nil, err
	}
	return c, nil
}

func (c *cluster) workerOptions(st *store.Store, extra ...worker.Option) []worker.Option {
	opts := []worker.Option{
		worker.WithLogger(c.logger),
		worker.WithStore(st),
		worker.WithSnapshotter(c.snapshots),
		worker.WithNameService(c.names),
		worker.WithDrainPolicy(c.policy),
		worker.WithRestoreRange("127.0.0.1", 0, 0),
	}
	return append(opts, extra...)
}

// connect wires every declared connection over an in-memory pipe.
func (c *cluster) connect() error {
	for _, cs := range c.scenario.Connections {
		a, b := net.Pipe()
		left := c.members[cs.Between[0]]
		if _, err := left.w.AddConn(cs.Name, ir.ProcessID(cs.Between[1]), a); err != nil {
			return fmt.Errorf("connection %s: %w", cs.Name, err)
		}
		if cs.Silent {
			go io.Copy(io.Discard, b)
			c.silent = append(c.silent, b)
			continue
		}
		right := c.members[cs.Between[1]]
		if _, err := right.w.AddConn(cs.Name, ir.ProcessID(cs.Between[0]), b); err != nil {
			return fmt.Errorf("connection %s: %w", cs.Name, err)
		}
	}
	return nil
}

func (c *cluster) attach(ctx context.Context, m *member) error {
	coordEnd, workerEnd := protocol.Pipe(nil)
	rctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		if err := m.w.Run(rctx, workerEnd); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Debug("worker exited", "process", m.w.ProcessID(), "error", err)
		}
	}()
	if err := c.coord.Attach(ctx, coordEnd); err != nil {
		cancel()
		<-m.done
		return fmt.Errorf("attach %s: %w", m.w.ProcessID(), err)
	}
	return nil
}

func (c *cluster) waitParticipants(n int) error {
	deadline := time.Now().Add(settleTimeout)
	for len(c.coord.Status().Participants) != n {
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for %d participants", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}

// checkpoint runs one checkpoint barrier and remembers committed ones.
func (c *cluster) checkpoint(ctx context.Context) (coordinator.Result, error) {
	res, err := c.coord.Checkpoint(ctx)
	if err == nil {
		c.committed = append(c.committed, res.CheckpointID)
	}
	return res, err
}

// restart stops every worker and brings the cluster back from the
// index-th committed checkpoint (1-based, 0 for the latest).
func (c *cluster) restart(ctx context.Context, index int, mode ir.Mode) (coordinator.Result, error) {
	if len(c.committed) == 0 {
		return coordinator.Result{}, fmt.Errorf("restart: no committed checkpoint")
	}
	if index == 0 {
		index = len(c.committed)
	}
	if index > len(c.committed) {
		return coordinator.Result{}, fmt.Errorf("restart: checkpoint %d of %d", index, len(c.committed))
	}
	cpID := c.committed[index-1]

	for _, ws := range c.scenario.Workers {
		if err := c.members[ws.ID].stop(); err != nil {
			return coordinator.Result{}, err
		}
	}
	if err := c.waitParticipants(0); err != nil {
		return coordinator.Result{}, err
	}

	for _, ws := range c.scenario.Workers {
		old := c.members[ws.ID]
		m, err := c.snapshots.Load(cpID, ir.ProcessID(ws.ID))
		if err != nil {
			return coordinator.Result{}, err
		}
		w, err := worker.New(ctx, ir.ProcessID(ws.ID), c.workerOptions(old.store, worker.WithRestart(m, mode))...)
		if err != nil {
			return coordinator.Result{}, err
		}
		c.members[ws.ID] = &member{w: w, store: old.store}
	}

	type reply struct {
		res coordinator.Result
		err error
	}
	done := make(chan reply, 1)
	go func() {
		res, err := c.coord.Restart(ctx, coordinator.RestartOptions{CheckpointID: cpID, Mode: mode})
		done <- reply{res, err}
	}()
	for _, ws := range c.scenario.Workers {
		if err := c.attach(ctx, c.members[ws.ID]); err != nil {
			return coordinator.Result{}, err
		}
	}
	r := <-done
	return r.res, r.err
}

// conn returns worker's end of the named connection.
func (c *cluster) conn(workerID, name string) (*drain.Conn, error) {
	for _, cs := range c.scenario.Connections {
		if cs.Name != name {
			continue
		}
		peer := cs.Between[1]
		if workerID == cs.Between[1] {
			peer = cs.Between[0]
		}
		conn, ok := c.members[workerID].w.Conn(name, ir.ProcessID(peer))
		if !ok {
			return nil, fmt.Errorf("worker %s has no connection %s", workerID, name)
		}
		return conn, nil
	}
	return nil, fmt.Errorf("unknown connection %s", name)
}

func (c *cluster) close() {
	for _, m := range c.members {
		m.stop()
		m.store.Close()
	}
	for _, nc := range c.silent {
		nc.Close()
	}
	c.coordStop()
	<-c.coord.Done()
	c.catalog.Close()
}

func (c *cluster) connection(name string) ConnectionSpec {
	for _, cs := range c.scenario.Connections {
		if cs.Name == name {
			return cs
		}
	}
	return ConnectionSpec{}
}
