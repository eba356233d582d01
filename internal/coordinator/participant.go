package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/protocol"
)

const (
	outboxSize  = 64
	sendTimeout = 5 * time.Second
)

// participant is the coordinator's handle on one registered worker. Its
// reader and writer goroutines only move messages; all decisions are made
// by the loop. Fields below the divider are loop-owned.
type participant struct {
	pid    ir.ProcessID
	gen    uint64
	conn   protocol.Conn
	outbox chan protocol.Message
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	// loop-owned
	restart  bool
	lastSeen time.Time
	record   ir.ProcessRecord
}

func newParticipant(pid ir.ProcessID, gen uint64, conn protocol.Conn, restart bool) *participant {
	ctx, cancel := context.WithCancel(context.Background())
	return &participant{
		pid:     pid,
		gen:     gen,
		conn:    conn,
		outbox:  make(chan protocol.Message, outboxSize),
		ctx:     ctx,
		cancel:  cancel,
		restart: restart,
		record:  ir.ProcessRecord{ProcessID: pid},
	}
}

// start launches the reader and writer goroutines.
func (p *participant) start(q *eventQueue) {
	go p.readLoop(q)
	go p.writeLoop(q)
}

// send queues m for the writer. It reports false if the outbox is full,
// which the loop treats as a lost participant.
func (p *participant) send(m protocol.Message) bool {
	select {
	case p.outbox <- m:
		return true
	default:
		return false
	}
}

func (p *participant) close() {
	p.once.Do(func() {
		p.cancel()
		p.conn.Close()
	})
}

func (p *participant) readLoop(q *eventQueue) {
	for {
		m, err := p.conn.Recv(p.ctx)
		if err != nil {
			q.Enqueue(event{typ: eventDisconnect, pid: p.pid, gen: p.gen, err: err})
			return
		}
		if !q.Enqueue(event{typ: eventMessage, pid: p.pid, gen: p.gen, msg: m}) {
			return
		}
	}
}

func (p *participant) writeLoop(q *eventQueue) {
	for {
		select {
		case <-p.ctx.Done():
			return
		case m := <-p.outbox:
			ctx, cancel := context.WithTimeout(p.ctx, sendTimeout)
			err := p.conn.Send(ctx, m)
			cancel()
			if err != nil {
				q.Enqueue(event{typ: eventDisconnect, pid: p.pid, gen: p.gen, err: err})
				p.close()
				return
			}
		}
	}
}
