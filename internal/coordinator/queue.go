package coordinator

import (
	"sync"

	"github.com/roach88/lockstep/internal/barrier"
	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/protocol"
)

// eventType distinguishes the inputs of the event loop.
type eventType int

const (
	// eventJoin registers a participant after its Hello.
	eventJoin eventType = iota + 1
	// eventMessage carries a message read from a participant.
	eventMessage
	// eventDisconnect reports a participant's control connection failed.
	eventDisconnect
	// eventTrigger starts a checkpoint or restart.
	eventTrigger
)

// event is one input to the loop. Reader goroutines, Attach and the
// trigger API produce events; only the loop consumes them.
type event struct {
	typ     eventType
	pid     ir.ProcessID
	gen     uint64
	part    *participant
	msg     protocol.Message
	err     error
	trigger *trigger
}

// trigger is an operator request awaiting its barrier's outcome.
type trigger struct {
	kind         barrier.Kind
	checkpointID string
	mode         ir.Mode
	participants []ir.ProcessID
	reply        chan triggerResult
}

type triggerResult struct {
	res Result
	err error
}

// eventQueue is an unbounded, thread-safe FIFO of loop events.
//
// Unbounded so that reader goroutines never block on a slow loop; a
// blocked reader would stop draining its connection and turn loop latency
// into a participant timeout.
type eventQueue struct {
	mu     sync.Mutex
	events []event
	closed bool
	signal chan struct{} // buffered, size 1
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]event, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds e to the back of the queue. Returns false once closed.
func (q *eventQueue) Enqueue(e event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.events = append(q.events, e)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front event without blocking.
func (q *eventQueue) TryDequeue() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return event{}, false
	}
	e := q.events[0]
	// Clear the slot so the backing array does not pin participants.
	q.events[0] = event{}
	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}
	return e, true
}

// Wait returns a channel that signals when events may be available. It is
// closed when the queue closes.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close stops accepting events and wakes the waiter. Queued events are
// returned to the caller so pending triggers can be answered.
func (q *eventQueue) Close() []event {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	close(q.signal)
	rest := q.events
	q.events = nil
	return rest
}
