package protocol

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/ir"
)

func TestPipe_SendRecv(t *testing.T) {
	a, b := Pipe(nil)
	defer a.Close()
	ctx := context.Background()

	require.NoError(t, a.Send(ctx, Hello("w1", false)))
	require.NoError(t, b.Send(ctx, Message{Kind: KindWelcome, Epoch: 2}))

	got, err := b.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, KindHello, got.Kind)
	assert.Equal(t, ir.ProcessID("w1"), got.ProcessID)
	assert.Equal(t, ir.ProtocolVersion, got.Version)

	got, err = a.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, KindWelcome, got.Kind)
	assert.Equal(t, uint64(2), got.Epoch)
}

func TestPipe_PreservesOrder(t *testing.T) {
	a, b := Pipe(nil)
	defer a.Close()
	ctx := context.Background()

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, a.Send(ctx, Message{Kind: KindRequest, Epoch: i}))
	}
	for i := uint64(1); i <= 5; i++ {
		got, err := b.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, got.Epoch)
	}
}

func TestPipe_CloseDeliversPendingThenErrClosed(t *testing.T) {
	a, b := Pipe(nil)
	ctx := context.Background()

	require.NoError(t, a.Send(ctx, Message{Kind: KindBye}))
	require.NoError(t, a.Close())

	got, err := b.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, KindBye, got.Kind)

	_, err = b.Recv(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.Send(ctx, Message{Kind: KindBye}), ErrClosed)
}

func TestPipe_RecvHonorsContext(t *testing.T) {
	a, b := Pipe(nil)
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := b.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWebsocket_RoundTrip(t *testing.T) {
	serverConn := make(chan Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverConn <- c
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := Dial(ctx, url, nil)
	require.NoError(t, err)
	defer client.Close()

	server := <-serverConn
	defer server.Close()

	require.NoError(t, client.Send(ctx, Hello("w1", true)))
	got, err := server.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, KindHello, got.Kind)
	assert.True(t, got.Restart)

	require.NoError(t, server.Send(ctx, Message{Kind: KindRequest, Phase: ir.PhaseSuspending, Epoch: 1}))
	got, err = client.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, ir.PhaseSuspending, got.Phase)

	require.NoError(t, client.Close())
	_, err = server.Recv(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWebsocket_RecvCanceled(t *testing.T) {
	serverConn := make(chan Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverConn <- c
	}))
	defer srv.Close()

	client, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer client.Close()
	server := <-serverConn
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = client.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
