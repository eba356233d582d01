package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/lockstep/internal/barrier"
	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/protocol"
)

const checkpointListLimit = 20

// errorBody is the JSON error returned by the control endpoints.
type errorBody struct {
	Error   string `json:"error"`
	Aborted bool   `json:"aborted,omitempty"`
}

// Handler exposes the coordinator over HTTP:
//
//	GET  /ws          worker control connection (WebSocket)
//	POST /checkpoint  run a checkpoint barrier
//	POST /restart     run a restart barrier (?checkpoint=ID&mode=replay)
//	GET  /status      coordinator snapshot
func (c *Coordinator) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", c.serveWS)
	mux.Handle("POST /checkpoint", c.tel.Handler(http.HandlerFunc(c.serveCheckpoint), "checkpoint"))
	mux.Handle("POST /restart", c.tel.Handler(http.HandlerFunc(c.serveRestart), "restart"))
	mux.Handle("GET /status", c.tel.Handler(http.HandlerFunc(c.serveStatus), "status"))
	return mux
}

func (c *Coordinator) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := protocol.Upgrade(w, r, protocol.DefaultCodec)
	if err != nil {
		c.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	// The handshake must not be tied to the request context, which ends
	// when this handler returns.
	if err := c.Attach(context.Background(), conn); err != nil {
		c.logger.Warn("worker registration failed", "remote", r.RemoteAddr, "error", err)
	}
}

func (c *Coordinator) serveCheckpoint(w http.ResponseWriter, r *http.Request) {
	res, err := c.Checkpoint(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (c *Coordinator) serveRestart(w http.ResponseWriter, r *http.Request) {
	mode, err := ir.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	opts := RestartOptions{CheckpointID: r.URL.Query().Get("checkpoint"), Mode: mode}
	if ps := r.URL.Query().Get("participants"); ps != "" {
		for _, p := range strings.Split(ps, ",") {
			opts.Participants = append(opts.Participants, ir.ProcessID(strings.TrimSpace(p)))
		}
	}
	res, err := c.Restart(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (c *Coordinator) serveStatus(w http.ResponseWriter, r *http.Request) {
	st := c.Status()
	if c.store != nil {
		cps, err := c.store.ListCheckpoints(r.Context(), checkpointListLimit)
		if err != nil {
			c.logger.Error("failed to list checkpoints", "error", err)
		}
		st.Checkpoints = cps
	}
	writeJSON(w, http.StatusOK, st)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case IsAbort(err), errors.Is(err, barrier.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, barrier.ErrNoParticipants):
		status = http.StatusPreconditionFailed
	case errors.Is(err, ErrUnknownCheckpoint):
		status = http.StatusNotFound
	case errors.Is(err, ErrStopped):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Aborted: IsAbort(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Serve runs the coordinator loop and its HTTP server on addr until ctx is
// cancelled. ready, if non-nil, receives the bound address.
func (c *Coordinator) Serve(ctx context.Context, addr string, ready func(net.Addr)) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	c.logger.Info("coordinator listening", "addr", ln.Addr().String())
	if ready != nil {
		ready(ln.Addr())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := c.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
