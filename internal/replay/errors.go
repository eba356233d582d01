package replay

import (
	"errors"
	"fmt"

	"github.com/roach88/lockstep/internal/ir"
)

// DivergenceError reports that replayed execution asked for a different kind
// of event than the one recorded at this position. It is fatal to the replay
// session: the engine never guesses a substitute value.
type DivergenceError struct {
	ThreadID ir.ThreadID
	Seq      int64
	Expected ir.EventKind
	Observed ir.EventKind
	Op       string
}

// Error implements the error interface.
func (e *DivergenceError) Error() string {
	msg := fmt.Sprintf("REPLAY_DIVERGENCE: thread %d seq %d: expected %s, observed %s",
		e.ThreadID, e.Seq, e.Expected, e.Observed)
	if e.Op != "" {
		msg += fmt.Sprintf(" (op=%s)", e.Op)
	}
	return msg
}

// IsDivergence returns true if err is a replay divergence.
// Uses errors.As to handle wrapped errors.
func IsDivergence(err error) bool {
	var de *DivergenceError
	return errors.As(err, &de)
}
