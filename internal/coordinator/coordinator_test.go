package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/barrier"
	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/protocol"
)

func TestCheckpoint_TwoParticipantsCommit(t *testing.T) {
	st := testStore(t)
	var (
		mu     sync.Mutex
		events []ir.BarrierEvent
	)
	c := startCoordinator(t, WithStore(st), WithObserver(func(ev ir.BarrierEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}))
	w1 := join(t, c, "w1", false)
	w2 := join(t, c, "w2", false)

	done := checkpointAsync(c)

	for _, phase := range []ir.Phase{ir.PhaseSuspending, ir.PhaseDraining} {
		m1 := w1.ackRequest(phase)
		m2 := w2.ackRequest(phase)
		assert.Equal(t, uint64(1), m1.Epoch)
		assert.Equal(t, uint64(1), m2.Epoch)
	}
	cp1 := w1.ackRequest(ir.PhaseCheckpointing)
	cp2 := w2.ackRequest(ir.PhaseCheckpointing)
	require.NotEmpty(t, cp1.CheckpointID)
	assert.Equal(t, cp1.CheckpointID, cp2.CheckpointID)

	commit1 := w1.expect(protocol.KindCommit, ir.PhaseIdle)
	commit2 := w2.expect(protocol.KindCommit, ir.PhaseIdle)
	assert.Equal(t, cp1.CheckpointID, commit1.CheckpointID)
	assert.Equal(t, cp1.CheckpointID, commit2.CheckpointID)

	r := await(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, "checkpoint", r.res.Kind)
	assert.Equal(t, uint64(1), r.res.Epoch)
	assert.Equal(t, []ir.ProcessID{"w1", "w2"}, r.res.Participants)

	wantID, err := ir.CheckpointID("session-test", 1, []ir.ProcessID{"w1", "w2"})
	require.NoError(t, err)
	assert.Equal(t, wantID, r.res.CheckpointID)

	rec, err := st.GetCheckpoint(context.Background(), wantID)
	require.NoError(t, err)
	assert.Equal(t, ir.CheckpointCommitted, rec.Status)
	assert.Equal(t, int64(1), rec.Epoch)

	mu.Lock()
	defer mu.Unlock()
	var path []string
	for _, ev := range events {
		path = append(path, ev.From.String()+"->"+ev.To.String())
	}
	assert.Equal(t, []string{
		"Idle->Suspending",
		"Suspending->Draining",
		"Draining->Checkpointing",
		"Checkpointing->Idle",
	}, path)

	assert.Equal(t, ir.PhaseIdle, c.Status().Phase)
}

func TestCheckpoint_FailureInDrainingAbortsEveryone(t *testing.T) {
	st := testStore(t)
	c := startCoordinator(t, WithStore(st))
	w1 := join(t, c, "w1", false)
	w2 := join(t, c, "w2", false)

	done := checkpointAsync(c)
	w1.ackRequest(ir.PhaseSuspending)
	w2.ackRequest(ir.PhaseSuspending)

	w1.ackRequest(ir.PhaseDraining)
	m := w2.expect(protocol.KindRequest, ir.PhaseDraining)
	w2.send(protocol.Fail(w2.pid, ir.PhaseDraining, m.Epoch, "peer unreachable"))

	a1 := w1.expect(protocol.KindAbort, ir.PhaseIdle)
	a2 := w2.expect(protocol.KindAbort, ir.PhaseIdle)
	assert.Equal(t, "peer unreachable", a1.Reason)
	assert.Equal(t, a1.Epoch, a2.Epoch)

	r := await(t, done)
	require.Error(t, r.err)
	var ae *AbortError
	require.ErrorAs(t, r.err, &ae)
	assert.Equal(t, ir.PhaseDraining, ae.Phase)
	assert.Equal(t, ir.ProcessID("w2"), ae.ProcessID)
	assert.Contains(t, r.err.Error(), "BARRIER_ABORTED")

	cps, err := st.ListCheckpoints(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, ir.CheckpointAborted, cps[0].Status)
	assert.Equal(t, "peer unreachable", cps[0].Reason)

	_, err = st.LatestCommitted(context.Background())
	assert.Error(t, err, "an aborted checkpoint is never committed")

	// A late ack of the aborted epoch changes nothing; the next barrier
	// starts at the next epoch.
	w1.send(protocol.Ack(w1.pid, ir.PhaseDraining, 1))
	done = checkpointAsync(c)
	c1, c2 := w1.autoAck(), w2.autoAck()
	r = await(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, uint64(2), r.res.Epoch)
	assert.Equal(t, protocol.KindCommit, (<-c1).Kind)
	assert.Equal(t, protocol.KindCommit, (<-c2).Kind)
}

func TestCheckpoint_DisconnectAborts(t *testing.T) {
	c := startCoordinator(t)
	w1 := join(t, c, "w1", false)
	w2 := join(t, c, "w2", false)

	done := checkpointAsync(c)
	w1.ackRequest(ir.PhaseSuspending)
	w2.expect(protocol.KindRequest, ir.PhaseSuspending)
	require.NoError(t, w2.conn.Close())

	w1.expect(protocol.KindAbort, ir.PhaseIdle)
	r := await(t, done)
	assert.True(t, IsAbort(r.err), "got %v", r.err)

	require.Eventually(t, func() bool { return len(c.Status().Participants) == 1 }, waitFor, 5*time.Millisecond)
}

func TestCheckpoint_PhaseTimeout(t *testing.T) {
	c := startCoordinator(t, WithPhaseTimeout(50*time.Millisecond))
	w1 := join(t, c, "w1", false)

	done := checkpointAsync(c)
	w1.expect(protocol.KindRequest, ir.PhaseSuspending)

	abort := w1.expect(protocol.KindAbort, ir.PhaseIdle)
	assert.Contains(t, abort.Reason, "timed out")

	r := await(t, done)
	var ae *AbortError
	require.ErrorAs(t, r.err, &ae)
	assert.Equal(t, ir.PhaseSuspending, ae.Phase)
	assert.Equal(t, ir.ProcessID("w1"), ae.ProcessID)
}

func TestCoordinator_HeartbeatTimeoutDropsParticipant(t *testing.T) {
	c := startCoordinator(t, WithHeartbeatTimeout(50*time.Millisecond))
	quiet := join(t, c, "quiet", false)
	chatty := join(t, c, "chatty", false)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				_ = chatty.conn.Send(context.Background(), protocol.Heartbeat(chatty.pid))
			}
		}
	}()

	require.Eventually(t, func() bool {
		ps := c.Status().Participants
		return len(ps) == 1 && ps[0].ProcessID == "chatty"
	}, waitFor, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	_, err := quiet.conn.Recv(ctx)
	assert.ErrorIs(t, err, protocol.ErrClosed)
}

func TestCheckpoint_BusyAndNoParticipants(t *testing.T) {
	c := startCoordinator(t)

	_, err := c.Checkpoint(context.Background())
	assert.ErrorIs(t, err, barrier.ErrNoParticipants)

	w1 := join(t, c, "w1", false)
	done := checkpointAsync(c)
	w1.expect(protocol.KindRequest, ir.PhaseSuspending)

	_, err = c.Checkpoint(context.Background())
	assert.ErrorIs(t, err, barrier.ErrBusy)

	w1.send(protocol.Ack(w1.pid, ir.PhaseSuspending, 1))
	w1.ackRequest(ir.PhaseDraining)
	w1.ackRequest(ir.PhaseCheckpointing)
	w1.expect(protocol.KindCommit, ir.PhaseIdle)
	require.NoError(t, await(t, done).err)
}

func TestCoordinator_AckRecordsParticipantState(t *testing.T) {
	c := startCoordinator(t)
	w1 := join(t, c, "w1", false)

	done := checkpointAsync(c)
	w1.ackRequest(ir.PhaseSuspending)
	m := w1.expect(protocol.KindRequest, ir.PhaseDraining)
	ack := protocol.Ack(w1.pid, ir.PhaseDraining, m.Epoch)
	ack.Threads = []ir.ThreadID{1, 2}
	ack.Connections = []ir.ConnectionID{{LocalEndpoint: "ctl", PeerProcessID: "w2", PeerEndpoint: "ctl", DrainState: ir.DrainDrained}}
	w1.send(ack)
	w1.ackRequest(ir.PhaseCheckpointing)
	w1.expect(protocol.KindCommit, ir.PhaseIdle)
	require.NoError(t, await(t, done).err)

	ps := c.Status().Participants
	require.Len(t, ps, 1)
	assert.Equal(t, []ir.ThreadID{1, 2}, ps[0].Threads)
	require.Len(t, ps[0].Connections, 1)
	assert.Equal(t, ir.DrainDrained, ps[0].Connections[0].DrainState)
}

func TestRestart_RestoredParticipantsRejoin(t *testing.T) {
	st := testStore(t)
	c := startCoordinator(t, WithStore(st))
	w1 := join(t, c, "w1", false)
	w2 := join(t, c, "w2", false)

	done := checkpointAsync(c)
	c1, c2 := w1.autoAck(), w2.autoAck()
	cp := await(t, done)
	require.NoError(t, cp.err)
	<-c1
	<-c2

	// The original processes go away.
	w1.send(protocol.Message{Kind: protocol.KindBye, ProcessID: w1.pid})
	w2.send(protocol.Message{Kind: protocol.KindBye, ProcessID: w2.pid})
	require.Eventually(t, func() bool { return len(c.Status().Participants) == 0 }, waitFor, 5*time.Millisecond)

	restarted := restartAsync(c, RestartOptions{Mode: ir.ModeReplay})
	require.Eventually(t, func() bool { return c.Status().Phase == ir.PhaseRestarting }, waitFor, 5*time.Millisecond)

	r1 := join(t, c, "w1", true)
	req := r1.ackRequest(ir.PhaseRestarting)
	assert.Equal(t, cp.res.CheckpointID, req.CheckpointID)
	assert.Equal(t, ir.ModeReplay, req.Mode)
	assert.Equal(t, uint64(2), req.Epoch)

	r2 := join(t, c, "w2", true)
	r2.ackRequest(ir.PhaseRestarting)

	r1.ackRequest(ir.PhaseResuming)
	r2.ackRequest(ir.PhaseResuming)
	r1.expect(protocol.KindCommit, ir.PhaseIdle)
	r2.expect(protocol.KindCommit, ir.PhaseIdle)

	res := await(t, restarted)
	require.NoError(t, res.err)
	assert.Equal(t, "restart", res.res.Kind)
	assert.Equal(t, cp.res.CheckpointID, res.res.CheckpointID)
}

func TestRestart_UnknownCheckpoint(t *testing.T) {
	c := startCoordinator(t, WithStore(testStore(t)))

	_, err := c.Restart(context.Background(), RestartOptions{})
	assert.ErrorIs(t, err, ErrUnknownCheckpoint)

	_, err = c.Restart(context.Background(), RestartOptions{CheckpointID: "nope"})
	assert.ErrorIs(t, err, ErrUnknownCheckpoint)
}

func TestRestart_WithoutStoreNeedsParticipants(t *testing.T) {
	c := startCoordinator(t)

	_, err := c.Restart(context.Background(), RestartOptions{CheckpointID: "cp"})
	assert.ErrorIs(t, err, ErrUnknownCheckpoint)

	done := restartAsync(c, RestartOptions{CheckpointID: "cp", Participants: []ir.ProcessID{"w1"}})
	require.Eventually(t, func() bool { return c.Status().Phase == ir.PhaseRestarting }, waitFor, 5*time.Millisecond)
	w1 := join(t, c, "w1", true)
	w1.ackRequest(ir.PhaseRestarting)
	w1.ackRequest(ir.PhaseResuming)
	w1.expect(protocol.KindCommit, ir.PhaseIdle)
	require.NoError(t, await(t, done).err)
}

func TestAttach_RejectsWrongVersion(t *testing.T) {
	c := startCoordinator(t)
	coordEnd, workerEnd := protocol.Pipe(nil)

	hello := protocol.Hello("w1", false)
	hello.Version = ir.ProtocolVersion + 1
	require.NoError(t, workerEnd.Send(context.Background(), hello))

	err := c.Attach(context.Background(), coordEnd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "protocol")

	m, err := workerEnd.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, protocol.KindAbort, m.Kind)
}

func TestStop_AbortsBarrierInProgress(t *testing.T) {
	c := New(WithLogger(nil))
	go c.Run(context.Background())

	w1 := join(t, c, "w1", false)
	done := checkpointAsync(c)
	w1.expect(protocol.KindRequest, ir.PhaseSuspending)

	c.Stop()
	<-c.Done()

	r := await(t, done)
	assert.True(t, IsAbort(r.err) || errors.Is(r.err, ErrStopped), "got %v", r.err)

	_, err := c.Checkpoint(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}
