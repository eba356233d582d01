package drain

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/ir"
)

func fastPolicy() Policy {
	return Policy{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, Deadline: 2 * time.Second, WarnEvery: 100}
}

func connPair(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	left, right := net.Pipe()
	a := New("data", "a", "b", left)
	b := New("data", "b", "a", right)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func readN(t *testing.T, c *Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := io.ReadFull(c, buf)
	require.NoError(t, err)
	return buf
}

func drainBoth(t *testing.T, a, b *Conn, epoch uint64) {
	t.Helper()
	errs := make(chan error, 2)
	go func() { errs <- a.Drain(context.Background(), epoch, fastPolicy()) }()
	go func() { errs <- b.Drain(context.Background(), epoch, fastPolicy()) }()
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
}

func TestConn_KeyIsSymmetric(t *testing.T) {
	a, b := connPair(t)
	assert.Equal(t, a.Key(), b.Key())
	assert.Equal(t, ir.ProcessID("b"), a.Peer())
	assert.Equal(t, ir.DrainLive, a.State())
}

func TestConn_WriteRead(t *testing.T) {
	a, b := connPair(t)

	_, err := a.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), readN(t, b, 5))
}

func TestConn_DrainBothEnds(t *testing.T) {
	a, b := connPair(t)

	_, err := a.Write([]byte("in flight"))
	require.NoError(t, err)

	drainBoth(t, a, b, 1)

	assert.Equal(t, ir.DrainDrained, a.State())
	assert.Equal(t, ir.DrainDrained, b.State())

	// Bytes sent before the drain are captured on the receiving side.
	st := b.Snapshot()
	assert.Equal(t, []byte("in flight"), st.Inbound)
	assert.Equal(t, ir.ProcessID("a"), st.PeerProcessID)
	assert.Equal(t, "data", st.Name)
}

func TestConn_DrainIsIdempotentPerEpoch(t *testing.T) {
	a, b := connPair(t)
	drainBoth(t, a, b, 1)

	require.NoError(t, a.Drain(context.Background(), 1, fastPolicy()))
	assert.Equal(t, ir.DrainDrained, a.State())
}

func TestConn_WritesQueuedWhileDrainedThenReleasedInOrder(t *testing.T) {
	a, b := connPair(t)
	drainBoth(t, a, b, 1)

	_, err := a.Write([]byte("one "))
	require.NoError(t, err)
	_, err = a.Write([]byte("two"))
	require.NoError(t, err)

	st := a.Snapshot()
	assert.Equal(t, [][]byte{[]byte("one "), []byte("two")}, st.Queued)

	require.NoError(t, a.Resume())
	require.NoError(t, b.Resume())
	assert.Equal(t, ir.DrainLive, a.State())
	assert.Equal(t, []byte("one two"), readN(t, b, 7))
}

func TestConn_SecondRoundAfterResume(t *testing.T) {
	a, b := connPair(t)
	drainBoth(t, a, b, 1)
	require.NoError(t, a.Resume())
	require.NoError(t, b.Resume())

	_, err := b.Write([]byte("xyz"))
	require.NoError(t, err)
	assert.Equal(t, []byte("xyz"), readN(t, a, 3))

	drainBoth(t, a, b, 2)
	assert.Equal(t, ir.DrainDrained, b.State())
}

func TestConn_DrainTimeout(t *testing.T) {
	left, right := net.Pipe()
	a := New("data", "a", "b", left)
	defer a.Close()
	// The peer reads frames but never answers.
	go io.Copy(io.Discard, right)
	defer right.Close()

	p := Policy{Initial: 5 * time.Millisecond, Max: 10 * time.Millisecond, Deadline: 60 * time.Millisecond, WarnEvery: 2}
	err := a.Drain(context.Background(), 1, p)
	require.Error(t, err)
	require.True(t, IsTimeout(err))

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.False(t, te.StopAck)
	assert.False(t, te.PeerStop)
	assert.Contains(t, err.Error(), "DRAIN_TIMEOUT")

	// Aborting the attempt returns the connection to Live.
	require.NoError(t, a.Resume())
	assert.Equal(t, ir.DrainLive, a.State())
}

func TestConn_DrainContextCanceled(t *testing.T) {
	left, right := net.Pipe()
	a := New("data", "a", "b", left)
	defer a.Close()
	go io.Copy(io.Discard, right)
	defer right.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := a.Drain(ctx, 1, fastPolicy())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConn_DrainPeerGone(t *testing.T) {
	left, right := net.Pipe()
	a := New("data", "a", "b", left)
	defer a.Close()
	go func() {
		buf := make([]byte, 64)
		right.Read(buf)
		right.Close()
	}()

	err := a.Drain(context.Background(), 1, fastPolicy())
	require.Error(t, err)
	assert.False(t, IsTimeout(err))
}

func TestConn_DrainClosed(t *testing.T) {
	a, _ := connPair(t)
	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Drain(context.Background(), 1, fastPolicy()), ErrClosed)

	_, err := a.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConn_ReadAfterCloseReturnsEOF(t *testing.T) {
	a, _ := connPair(t)
	require.NoError(t, a.Close())
	_, err := a.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestConn_RestoringBlocksReadsUntilRelease(t *testing.T) {
	st := ConnState{
		Name:          "data",
		PeerProcessID: "b",
		Inbound:       []byte("buffered"),
		Queued:        [][]byte{[]byte("pending")},
	}
	a := NewRestoring("a", st)
	defer a.Close()
	assert.Equal(t, ir.DrainRestoring, a.State())

	// No transport yet.
	require.Error(t, a.Release())

	left, right := net.Pipe()
	require.NoError(t, a.Attach(left))
	b := New("data", "b", "a", right)
	defer b.Close()

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 8)
		n, _ := io.ReadFull(a, buf)
		got <- buf[:n]
	}()

	select {
	case <-got:
		t.Fatal("read returned while restoring")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, a.Release())
	assert.Equal(t, ir.DrainLive, a.State())

	select {
	case data := <-got:
		assert.Equal(t, []byte("buffered"), data)
	case <-time.After(2 * time.Second):
		t.Fatal("read did not resume after release")
	}

	assert.Equal(t, []byte("pending"), readN(t, b, 7))
}

func TestConn_AttachRequiresRestoring(t *testing.T) {
	a, _ := connPair(t)
	left, right := net.Pipe()
	defer left.Close()
	defer right.Close()
	assert.Error(t, a.Attach(left))
}

// rawPeer speaks the frame protocol directly: it acknowledges every STOP it
// reads and lets the test inject arbitrary frames.
type rawPeer struct {
	nc net.Conn
}

func newRawPeer(t *testing.T) (*Conn, *rawPeer) {
	t.Helper()
	left, right := net.Pipe()
	a := New("data", "a", "b", left)
	t.Cleanup(func() {
		a.Close()
		right.Close()
	})
	go func() {
		for {
			f, err := readFrame(right)
			if err != nil {
				return
			}
			if f.typ != frameStop {
				continue
			}
			if err := writeFrame(right, frameStopAck, controlBody(f.epoch, f.count)); err != nil {
				return
			}
		}
	}()
	return a, &rawPeer{nc: right}
}

func (p *rawPeer) send(t *testing.T, typ byte, body []byte) {
	t.Helper()
	require.NoError(t, writeFrame(p.nc, typ, body))
}

func shortPolicy() Policy {
	return Policy{Initial: 5 * time.Millisecond, Max: 10 * time.Millisecond, Deadline: 80 * time.Millisecond, WarnEvery: 100}
}

func TestConn_PeerStopAheadOfReceivedBytesDoesNotDrain(t *testing.T) {
	ctx := context.Background()
	a, peer := newRawPeer(t)

	peer.send(t, frameData, []byte("hello"))
	// The peer claims 11 bytes but only 5 have arrived.
	peer.send(t, frameStop, controlBody(1, 11))

	err := a.Drain(ctx, 1, shortPolicy())
	require.True(t, IsTimeout(err), "got %v", err)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.True(t, te.StopAck)
	assert.False(t, te.PeerStop)
	assert.Equal(t, ir.DrainDraining, a.State())

	done := make(chan error, 1)
	go func() { done <- a.Drain(ctx, 1, fastPolicy()) }()
	select {
	case err := <-done:
		t.Fatalf("drained before the missing bytes arrived: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, ir.DrainDraining, a.State())

	peer.send(t, frameData, []byte(" world"))
	peer.send(t, frameStop, controlBody(1, 11))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not complete once the bytes arrived")
	}
	assert.Equal(t, ir.DrainDrained, a.State())
	assert.Equal(t, "hello world", string(readN(t, a, 11)))
}

func TestConn_PeerStopForAnotherEpochDoesNotDrain(t *testing.T) {
	a, peer := newRawPeer(t)

	peer.send(t, frameStop, controlBody(2, 0))

	err := a.Drain(context.Background(), 1, shortPolicy())
	require.True(t, IsTimeout(err), "got %v", err)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.True(t, te.StopAck)
	assert.False(t, te.PeerStop)
	assert.Equal(t, ir.DrainDraining, a.State())
}

func TestConn_PeerCloseRunsTeardownOnce(t *testing.T) {
	a, b := connPair(t)
	calls := make(chan *Conn, 2)
	b.setOnGone(func(c *Conn) { calls <- c })

	require.NoError(t, a.Close())
	select {
	case c := <-calls:
		assert.Same(t, b, c)
	case <-time.After(2 * time.Second):
		t.Fatal("peer close not noticed")
	}

	require.NoError(t, b.Close())
	select {
	case <-calls:
		t.Fatal("teardown ran twice")
	case <-time.After(20 * time.Millisecond):
	}
}
