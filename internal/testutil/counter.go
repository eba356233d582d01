// Package testutil holds deterministic stand-ins used by the scenario
// harness and tests.
package testutil

import "sync"

// Counter is a resettable logical clock for trace sequence numbers.
//
// Unlike seq.Sequencer, which must never reuse a value, Counter can be reset
// so the same scenario yields identical trace numbering on every run.
//
// All methods are safe for concurrent use.
type Counter struct {
	mu  sync.Mutex
	seq int64
}

// NewCounter creates a counter whose first Next returns 1.
func NewCounter() *Counter {
	return &Counter{}
}

// Next increments and returns the next sequence number.
func (c *Counter) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// Current returns the last value handed out, or 0.
func (c *Counter) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Reset rewinds the counter; the next call to Next returns 1.
func (c *Counter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq = 0
}
