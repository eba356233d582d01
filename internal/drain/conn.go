package drain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/roach88/lockstep/internal/ir"
)

// ConnState is the checkpoint-visible state of a drained connection: what
// a restarted process needs to rebuild it.
type ConnState struct {
	Name          string       `json:"name"`
	Key           string       `json:"key"`
	PeerProcessID ir.ProcessID `json:"peer_process_id"`
	LocalEndpoint string       `json:"local_endpoint"`
	PeerEndpoint  string       `json:"peer_endpoint"`
	Inbound       []byte       `json:"inbound,omitempty"`
	Queued        [][]byte     `json:"queued,omitempty"`
}

// Conn is an application connection to a peer process that can be drained
// for a checkpoint and re-established after restart.
//
// State machine:
//
//	Live -> Draining -> Drained -> Live         (checkpoint committed)
//	Live -> Draining -> Live                    (attempt aborted)
//	Restoring -> Live                           (after restart)
//
// Outbound writes made while not Live are queued in order and released when
// the connection returns to Live; they are never dropped. Reads while
// Restoring block until Live.
type Conn struct {
	name   string
	key    string
	self   ir.ProcessID
	peer   ir.ProcessID
	logger *slog.Logger

	// wmu serializes frame writes on the transport. Lock order: wmu, then mu.
	wmu sync.Mutex

	mu         sync.Mutex
	cond       *sync.Cond
	tr         *transport
	state      ir.DrainState
	local      string
	remote     string
	sent       uint64
	received   uint64
	inbound    bytes.Buffer
	queued     [][]byte
	epoch      uint64 // epoch of our current drain round
	stopAcked  bool
	peerEpoch  uint64 // latest epoch the peer sent STOP for
	ackedEpoch uint64 // latest peer epoch whose STOP we acknowledged
	closed     bool
	err        error
	onGone     func(*Conn)

	goneOnce sync.Once
	changed  chan struct{}
}

type transport struct {
	nc       net.Conn
	ctrl     chan frame
	stop     chan struct{}
	stopOnce sync.Once
}

func newTransport(nc net.Conn) *transport {
	return &transport{nc: nc, ctrl: make(chan frame, 16), stop: make(chan struct{})}
}

func (t *transport) shutdown() {
	t.stopOnce.Do(func() {
		close(t.stop)
		t.nc.Close()
	})
}

// Option configures a Conn.
type Option func(*Conn)

// WithLogger sets the connection's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Conn) {
		if l != nil {
			c.logger = l
		}
	}
}

func newConn(name string, self, peer ir.ProcessID, opts []Option) *Conn {
	c := &Conn{
		name:    name,
		key:     ir.ConnectionKey(name, self, peer),
		self:    self,
		peer:    peer,
		logger:  slog.Default(),
		changed: make(chan struct{}, 1),
	}
	c.cond = sync.NewCond(&c.mu)
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("conn", c.key)
	return c
}

// New wraps an established transport to peer. The connection starts Live.
// name identifies the logical connection; both ends must use the same name.
func New(name string, self, peer ir.ProcessID, nc net.Conn, opts ...Option) *Conn {
	c := newConn(name, self, peer, opts)
	c.mu.Lock()
	c.attachLocked(nc)
	c.mu.Unlock()
	return c
}

// NewRestoring rebuilds a connection from its checkpointed state. It has no
// transport until Attach and stays Restoring until Release.
func NewRestoring(self ir.ProcessID, st ConnState, opts ...Option) *Conn {
	c := newConn(st.Name, self, st.PeerProcessID, opts)
	c.state = ir.DrainRestoring
	c.local = st.LocalEndpoint
	c.remote = st.PeerEndpoint
	c.inbound.Write(st.Inbound)
	for _, q := range st.Queued {
		c.queued = append(c.queued, clone(q))
	}
	return c
}

func (c *Conn) attachLocked(nc net.Conn) {
	tr := newTransport(nc)
	c.tr = tr
	c.err = nil
	c.sent, c.received = 0, 0
	c.epoch, c.peerEpoch, c.ackedEpoch = 0, 0, 0
	c.stopAcked = false
	if a := nc.LocalAddr(); a != nil {
		c.local = a.String()
	}
	if a := nc.RemoteAddr(); a != nil {
		c.remote = a.String()
	}
	go c.readLoop(tr)
	go c.ctrlLoop(tr)
}

// Name returns the logical connection name.
func (c *Conn) Name() string { return c.name }

// Key returns the symmetric connection key shared by both ends.
func (c *Conn) Key() string { return c.key }

// Peer returns the remote process.
func (c *Conn) Peer() ir.ProcessID { return c.peer }

// State returns the current drain state.
func (c *Conn) State() ir.DrainState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ID returns the connection's identity and state.
func (c *Conn) ID() ir.ConnectionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ir.ConnectionID{
		LocalEndpoint: c.local,
		PeerProcessID: c.peer,
		PeerEndpoint:  c.remote,
		DrainState:    c.state,
	}
}

// Write sends p to the peer, or queues it while the connection is not Live.
func (c *Conn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	if c.state != ir.DrainLive || c.tr == nil {
		c.queued = append(c.queued, clone(p))
		c.mu.Unlock()
		return len(p), nil
	}
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return 0, err
	}
	tr := c.tr
	c.sent += uint64(len(p))
	c.mu.Unlock()

	if err := writeData(tr.nc, p); err != nil {
		c.transportDown(tr, err)
		return 0, err
	}
	return len(p), nil
}

func writeData(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n := len(p)
		if n > maxFrame {
			n = maxFrame
		}
		if err := writeFrame(w, frameData, p[:n]); err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// Read reads buffered inbound data, blocking until data arrives. While the
// connection is Restoring, reads block until it is released.
func (c *Conn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if c.state != ir.DrainRestoring && c.inbound.Len() > 0 {
			return c.inbound.Read(p)
		}
		if c.closed {
			return 0, io.EOF
		}
		if c.err != nil && c.state != ir.DrainRestoring {
			return 0, c.err
		}
		c.cond.Wait()
	}
}

// Close tears down the connection. Blocked readers return io.EOF.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	tr := c.tr
	c.mu.Unlock()
	c.cond.Broadcast()
	c.notify()
	if tr != nil {
		tr.shutdown()
	}
	c.gone()
	return nil
}

// gone runs the teardown hook once, after a local Close or once the peer
// has closed a connection that is not being restored.
func (c *Conn) gone() {
	c.mu.Lock()
	fn := c.onGone
	c.mu.Unlock()
	if fn == nil {
		return
	}
	c.goneOnce.Do(func() { fn(c) })
}

func (c *Conn) setOnGone(fn func(*Conn)) {
	c.mu.Lock()
	c.onGone = fn
	c.mu.Unlock()
}

func (c *Conn) notify() {
	select {
	case c.changed <- struct{}{}:
	default:
	}
}

func (c *Conn) transportDown(tr *transport, err error) {
	tr.shutdown()
	c.mu.Lock()
	if c.tr != tr {
		c.mu.Unlock()
		return
	}
	if c.err == nil {
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
			c.err = io.EOF
		} else {
			c.err = err
		}
	}
	peerClosed := c.err == io.EOF && c.state != ir.DrainRestoring
	c.mu.Unlock()
	c.cond.Broadcast()
	c.notify()
	if peerClosed {
		c.gone()
	}
}

func (c *Conn) readLoop(tr *transport) {
	for {
		f, err := readFrame(tr.nc)
		if err != nil {
			c.transportDown(tr, err)
			return
		}

		switch f.typ {
		case frameData:
			c.mu.Lock()
			c.inbound.Write(f.body)
			c.received += uint64(len(f.body))
			c.mu.Unlock()
			c.cond.Broadcast()

		case frameStop:
			c.mu.Lock()
			received := c.received
			if f.count != received {
				c.mu.Unlock()
				c.logger.Warn("peer stop count mismatch",
					"epoch", f.epoch,
					"peer_sent", f.count,
					"received", received)
				continue
			}
			if f.epoch > c.peerEpoch {
				c.peerEpoch = f.epoch
			}
			c.mu.Unlock()
			c.notify()
			select {
			case tr.ctrl <- frame{typ: frameStopAck, epoch: f.epoch, count: received}:
			case <-tr.stop:
				return
			}

		case frameStopAck:
			c.mu.Lock()
			if c.state == ir.DrainDraining && f.epoch == c.epoch && f.count == c.sent {
				c.stopAcked = true
			}
			c.mu.Unlock()
			c.notify()

		case frameHello:
			// Only meaningful on the restore listener before attach.
		}
	}
}

func (c *Conn) ctrlLoop(tr *transport) {
	for {
		select {
		case <-tr.stop:
			return
		case f := <-tr.ctrl:
			c.wmu.Lock()
			err := writeFrame(tr.nc, f.typ, controlBody(f.epoch, f.count))
			c.wmu.Unlock()
			if err != nil {
				c.transportDown(tr, err)
				return
			}
			c.mu.Lock()
			if f.epoch > c.ackedEpoch {
				c.ackedEpoch = f.epoch
			}
			c.mu.Unlock()
			c.notify()
		}
	}
}

// Drain pauses outbound writes and runs the STOP/STOP-ACK handshake for
// epoch. It returns nil once the connection is Drained, a *TimeoutError when
// the policy deadline passes first, or the transport error if the peer goes
// away. On failure the connection stays Draining until Resume.
func (c *Conn) Drain(ctx context.Context, epoch uint64, policy Policy) error {
	p := NormalizePolicy(policy)

	c.wmu.Lock()
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		c.wmu.Unlock()
		return ErrClosed
	case c.state == ir.DrainDrained && c.epoch == epoch:
		c.mu.Unlock()
		c.wmu.Unlock()
		return nil
	case c.state == ir.DrainRestoring || c.tr == nil:
		c.mu.Unlock()
		c.wmu.Unlock()
		return fmt.Errorf("drain %s: connection is %s", c.key, c.state)
	}
	c.state = ir.DrainDraining
	c.epoch = epoch
	c.stopAcked = false
	sent := c.sent
	tr := c.tr
	c.mu.Unlock()
	err := writeFrame(tr.nc, frameStop, controlBody(epoch, sent))
	c.wmu.Unlock()
	if err != nil {
		c.transportDown(tr, err)
		return fmt.Errorf("drain %s: send stop: %w", c.key, err)
	}

	start := time.Now()
	deadline := time.NewTimer(p.Deadline)
	defer deadline.Stop()

	attempt := 0
	for {
		done, err := c.checkDrained()
		if err != nil {
			return fmt.Errorf("drain %s: %w", c.key, err)
		}
		if done {
			c.logger.Debug("connection drained", "epoch", epoch, "polls", attempt)
			return nil
		}

		wait := time.NewTimer(p.Backoff(attempt + 1))
		select {
		case <-ctx.Done():
			wait.Stop()
			return ctx.Err()
		case <-deadline.C:
			wait.Stop()
			return c.timeout(time.Since(start), attempt)
		case <-c.changed:
			wait.Stop()
		case <-wait.C:
			attempt++
			if attempt%p.WarnEvery == 0 {
				c.logger.Warn("still waiting for drain handshake",
					"epoch", epoch,
					"polls", attempt,
					"waited", time.Since(start))
			}
			// STOP is idempotent; resend in case the first was lost with
			// a transport the peer has since replaced.
			c.wmu.Lock()
			err := writeFrame(tr.nc, frameStop, controlBody(epoch, sent))
			c.wmu.Unlock()
			if err != nil {
				c.transportDown(tr, err)
			}
		}
	}
}

func (c *Conn) checkDrained() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == ir.DrainDrained {
		return true, nil
	}
	if c.closed {
		return false, ErrClosed
	}
	if c.state != ir.DrainDraining {
		return false, fmt.Errorf("drain interrupted: connection is %s", c.state)
	}
	if c.stopAcked && c.peerEpoch == c.epoch && c.ackedEpoch >= c.epoch {
		c.state = ir.DrainDrained
		return true, nil
	}
	if c.err != nil {
		return false, fmt.Errorf("peer connection lost: %w", c.err)
	}
	return false, nil
}

func (c *Conn) timeout(waited time.Duration, polls int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &TimeoutError{
		Key:      c.key,
		Peer:     c.peer,
		Waited:   waited,
		Polls:    polls,
		StopAck:  c.stopAcked,
		PeerStop: c.peerEpoch == c.epoch,
	}
}

// Resume returns a Draining or Drained connection to Live and releases
// queued writes in order. Calling it on a Live connection is a no-op.
func (c *Conn) Resume() error {
	return c.goLive(ir.DrainDraining, ir.DrainDrained)
}

// Release completes restoration: a Restoring connection with a transport
// becomes Live and queued writes are sent in order.
func (c *Conn) Release() error {
	return c.goLive(ir.DrainRestoring)
}

func (c *Conn) goLive(from ...ir.DrainState) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.mu.Lock()
	ok := false
	for _, s := range from {
		if c.state == s {
			ok = true
		}
	}
	if !ok {
		c.mu.Unlock()
		return nil
	}
	if c.tr == nil {
		c.mu.Unlock()
		return fmt.Errorf("release %s: no transport attached", c.key)
	}
	c.state = ir.DrainLive
	c.stopAcked = false
	queued := c.queued
	c.queued = nil
	for _, q := range queued {
		c.sent += uint64(len(q))
	}
	tr := c.tr
	c.mu.Unlock()
	c.cond.Broadcast()

	for _, q := range queued {
		if err := writeData(tr.nc, q); err != nil {
			c.transportDown(tr, err)
			return fmt.Errorf("release %s: %w", c.key, err)
		}
	}
	return nil
}

// Attach installs a re-established transport on a Restoring connection.
func (c *Conn) Attach(nc net.Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ir.DrainRestoring {
		return fmt.Errorf("attach %s: connection is %s", c.key, c.state)
	}
	if c.tr != nil {
		c.tr.shutdown()
	}
	c.attachLocked(nc)
	return nil
}

// Snapshot returns the checkpoint-visible state. It is only meaningful while
// the connection is Drained.
func (c *Conn) Snapshot() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := ConnState{
		Name:          c.name,
		Key:           c.key,
		PeerProcessID: c.peer,
		LocalEndpoint: c.local,
		PeerEndpoint:  c.remote,
		Inbound:       clone(c.inbound.Bytes()),
	}
	for _, q := range c.queued {
		st.Queued = append(st.Queued, clone(q))
	}
	return st
}

func clone(p []byte) []byte {
	if p == nil {
		return nil
	}
	out := make([]byte, len(p))
	copy(out, p)
	return out
}
