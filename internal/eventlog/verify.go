package eventlog

import (
	"fmt"

	"github.com/roach88/lockstep/internal/ir"
)

// Problem is one integrity violation found by Verify.
type Problem struct {
	ThreadID ir.ThreadID `json:"thread_id"`
	Seq      int64       `json:"seq"`
	Message  string      `json:"message"`
}

func (p Problem) String() string {
	return fmt.Sprintf("thread %d seq %d: %s", p.ThreadID, p.Seq, p.Message)
}

// Verify checks that entries form gapless, strictly increasing sequences per
// thread, each starting at the thread's entry in from (0 when absent), and
// that every kind is known. Entries of different threads may interleave.
func Verify(entries []ir.LogEntry, from map[ir.ThreadID]int64) []Problem {
	next := make(map[ir.ThreadID]int64)
	var problems []Problem
	for _, e := range entries {
		want, seen := next[e.ThreadID]
		if !seen {
			want = from[e.ThreadID]
		}
		if !e.Kind.Valid() {
			problems = append(problems, Problem{e.ThreadID, e.Seq, fmt.Sprintf("unknown kind %d", uint8(e.Kind))})
		}
		switch {
		case e.Seq == want:
		case e.Seq > want:
			problems = append(problems, Problem{e.ThreadID, e.Seq, fmt.Sprintf("gap: expected seq %d", want)})
		default:
			problems = append(problems, Problem{e.ThreadID, e.Seq, fmt.Sprintf("out of order: expected seq %d", want)})
		}
		if e.Seq >= want {
			next[e.ThreadID] = e.Seq + 1
		} else {
			next[e.ThreadID] = want
		}
	}
	return problems
}
