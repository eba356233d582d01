// Package seq provides the per-thread sequence counter used to stamp log
// entries.
package seq

import (
	"fmt"
	"math"
	"sync/atomic"
)

// Sequencer hands out strictly increasing, gapless sequence numbers for one
// thread's log. The first value is 0.
//
// Each Sequencer is owned by exactly one thread, so there is no cross-thread
// contention; the counter is still atomic so that a checkpoint can read
// Current() from the worker's control goroutine while the owner is parked at
// a safe point.
//
// Values are never reused. Reaching the int64 limit is a fatal configuration
// error and panics.
type Sequencer struct {
	next atomic.Int64
}

// New creates a sequencer whose first Next() returns 0.
func New() *Sequencer {
	return &Sequencer{}
}

// NewAt creates a sequencer whose first Next() returns start.
// Used on restart to resume from a recovered log position.
func NewAt(start int64) *Sequencer {
	if start < 0 {
		panic(fmt.Sprintf("seq: negative start position %d", start))
	}
	s := &Sequencer{}
	s.next.Store(start)
	return s
}

// Next returns the next sequence number and advances the counter.
func (s *Sequencer) Next() int64 {
	n := s.next.Add(1)
	if n <= 0 {
		// Wrapped past MaxInt64.
		panic(fmt.Sprintf("seq: sequence space exhausted at %d", int64(math.MaxInt64)))
	}
	return n - 1
}

// Current returns the value the next call to Next will return, without
// advancing. This is the thread's log position for checkpointing.
func (s *Sequencer) Current() int64 {
	return s.next.Load()
}
