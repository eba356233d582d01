package drain

import "time"

// Policy bounds the drain handshake wait.
type Policy struct {
	// Initial is the first poll interval.
	Initial time.Duration
	// Max caps the escalating poll interval.
	Max time.Duration
	// Deadline is the total time a connection may take to drain.
	Deadline time.Duration
	// WarnEvery logs a warning after this many unanswered polls.
	WarnEvery int
}

// DefaultPolicy returns the standard drain policy: poll every 100ms,
// doubling to 1s, warn every 10 polls, give up after 10s.
func DefaultPolicy() Policy {
	return Policy{
		Initial:   100 * time.Millisecond,
		Max:       time.Second,
		Deadline:  10 * time.Second,
		WarnEvery: 10,
	}
}

// NormalizePolicy fills zero fields with defaults.
func NormalizePolicy(p Policy) Policy {
	def := DefaultPolicy()
	if p.Initial <= 0 {
		p.Initial = def.Initial
	}
	if p.Max <= 0 {
		p.Max = def.Max
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	if p.Deadline <= 0 {
		p.Deadline = def.Deadline
	}
	if p.WarnEvery <= 0 {
		p.WarnEvery = def.WarnEvery
	}
	return p
}

// Backoff returns the poll interval before the given attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	p = NormalizePolicy(p)
	if attempt <= 0 {
		attempt = 1
	}
	backoff := p.Initial
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= p.Max {
			return p.Max
		}
	}
	return backoff
}
