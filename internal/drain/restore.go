package drain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/roach88/lockstep/internal/ir"
)

// Resolver maps process IDs to restore endpoints.
type Resolver interface {
	Register(ctx context.Context, process ir.ProcessID, endpoint string) error
	Lookup(ctx context.Context, process ir.ProcessID) (string, error)
}

// Restorer re-establishes peer transports after a restart.
//
// For every connection, the end whose process ID sorts lower dials and the
// other end accepts, so exactly one new transport is created per
// connection. The dialer finds its peer's restore listener through the
// Resolver and opens the transport with a HELLO frame carrying the
// connection key; the acceptor matches that key to its Restoring
// connection.
type Restorer struct {
	self   ir.ProcessID
	names  Resolver
	ln     net.Listener
	policy Policy
	dialer net.Dialer
	logger *slog.Logger

	mu      sync.Mutex
	arrived map[string]net.Conn
	waiting map[string]chan net.Conn
	closed  bool
}

// NewRestorer creates a restorer accepting on ln.
func NewRestorer(self ir.ProcessID, names Resolver, ln net.Listener, policy Policy, logger *slog.Logger) *Restorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Restorer{
		self:    self,
		names:   names,
		ln:      ln,
		policy:  NormalizePolicy(policy),
		logger:  logger,
		arrived: make(map[string]net.Conn),
		waiting: make(map[string]chan net.Conn),
	}
}

// ListenRange listens on the first free port of [start, stop] on host.
// A zero start picks an ephemeral port.
func ListenRange(host string, start, stop int) (net.Listener, error) {
	if start == 0 {
		return net.Listen("tcp", net.JoinHostPort(host, "0"))
	}
	var lastErr error
	for port := start; port <= stop; port++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			return ln, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("no free restore port in %d-%d: %w", start, stop, lastErr)
}

// Endpoint returns the address peers dial.
func (r *Restorer) Endpoint() string {
	return r.ln.Addr().String()
}

// Start registers the endpoint and begins accepting restore transports.
func (r *Restorer) Start(ctx context.Context) error {
	if err := r.names.Register(ctx, r.self, r.Endpoint()); err != nil {
		return fmt.Errorf("register restore endpoint: %w", err)
	}
	go r.acceptLoop()
	return nil
}

// Close stops accepting and closes unclaimed transports.
func (r *Restorer) Close() error {
	r.mu.Lock()
	r.closed = true
	for k, nc := range r.arrived {
		nc.Close()
		delete(r.arrived, k)
	}
	r.mu.Unlock()
	return r.ln.Close()
}

func (r *Restorer) acceptLoop() {
	for {
		nc, err := r.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				r.logger.Warn("restore accept failed", "error", err)
			}
			return
		}
		go r.handshake(nc)
	}
}

func (r *Restorer) handshake(nc net.Conn) {
	_ = nc.SetReadDeadline(time.Now().Add(r.policy.Deadline))
	f, err := readFrame(nc)
	if err != nil || f.typ != frameHello {
		r.logger.Warn("rejecting restore transport", "remote", nc.RemoteAddr(), "error", err)
		nc.Close()
		return
	}
	_ = nc.SetReadDeadline(time.Time{})
	r.deliver(string(f.body), nc)
}

func (r *Restorer) deliver(key string, nc net.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		nc.Close()
		return
	}
	if ch, ok := r.waiting[key]; ok {
		delete(r.waiting, key)
		ch <- nc
		return
	}
	if old, ok := r.arrived[key]; ok {
		old.Close()
	}
	r.arrived[key] = nc
}

func (r *Restorer) claim(ctx context.Context, key string) (net.Conn, error) {
	r.mu.Lock()
	if nc, ok := r.arrived[key]; ok {
		delete(r.arrived, key)
		r.mu.Unlock()
		return nc, nil
	}
	ch := make(chan net.Conn, 1)
	r.waiting[key] = ch
	r.mu.Unlock()

	select {
	case nc := <-ch:
		return nc, nil
	case <-ctx.Done():
		r.mu.Lock()
		if r.waiting[key] == ch {
			delete(r.waiting, key)
		}
		r.mu.Unlock()
		// deliver may have raced the cancellation.
		select {
		case nc := <-ch:
			nc.Close()
		default:
		}
		return nil, ctx.Err()
	}
}

// Restore re-establishes c's transport and attaches it. c stays Restoring.
func (r *Restorer) Restore(ctx context.Context, c *Conn) error {
	var (
		nc  net.Conn
		err error
	)
	if r.self < c.Peer() {
		nc, err = r.dial(ctx, c)
	} else {
		nc, err = r.claim(ctx, c.Key())
	}
	if err != nil {
		return fmt.Errorf("restore %s: %w", c.Key(), err)
	}
	if err := c.Attach(nc); err != nil {
		nc.Close()
		return err
	}
	r.logger.Debug("connection restored", "conn", c.Key(), "peer", c.Peer())
	return nil
}

func (r *Restorer) dial(ctx context.Context, c *Conn) (net.Conn, error) {
	for attempt := 1; ; attempt++ {
		endpoint, err := r.names.Lookup(ctx, c.Peer())
		if err == nil {
			nc, derr := r.dialer.DialContext(ctx, "tcp", endpoint)
			if derr == nil {
				if werr := writeFrame(nc, frameHello, []byte(c.Key())); werr != nil {
					nc.Close()
					return nil, werr
				}
				return nc, nil
			}
			err = derr
		}
		if attempt%r.policy.WarnEvery == 0 {
			r.logger.Warn("peer not reachable yet", "peer", c.Peer(), "attempts", attempt, "error", err)
		}
		t := time.NewTimer(r.policy.Backoff(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("reach %s: %w (last error: %v)", c.Peer(), ctx.Err(), err)
		case <-t.C:
		}
	}
}
