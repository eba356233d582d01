package coordinator

import (
	"errors"
	"fmt"

	"github.com/roach88/lockstep/internal/ir"
)

// AbortError reports that a barrier was aborted to Idle. No participant
// retains any effect of the attempt.
type AbortError struct {
	Kind      string
	Epoch     uint64
	Phase     ir.Phase // phase the barrier was in when it aborted
	ProcessID ir.ProcessID
	Reason    string
}

// Error implements the error interface.
func (e *AbortError) Error() string {
	if e.ProcessID != "" {
		return fmt.Sprintf("BARRIER_ABORTED: %s epoch %d aborted in %s by %s: %s",
			e.Kind, e.Epoch, e.Phase, e.ProcessID, e.Reason)
	}
	return fmt.Sprintf("BARRIER_ABORTED: %s epoch %d aborted in %s: %s", e.Kind, e.Epoch, e.Phase, e.Reason)
}

// IsAbort returns true if err is a barrier abort.
func IsAbort(err error) bool {
	var ae *AbortError
	return errors.As(err, &ae)
}

// ErrStopped is returned to triggers when the coordinator shuts down.
var ErrStopped = errors.New("coordinator stopped")

// ErrUnknownCheckpoint is returned when a restart names no committed
// checkpoint.
var ErrUnknownCheckpoint = errors.New("no such committed checkpoint")
