package drain

import (
	"errors"
	"fmt"
	"time"

	"github.com/roach88/lockstep/internal/ir"
)

// TimeoutError reports that a connection did not finish the drain handshake
// before the policy deadline. It is recoverable: the checkpoint attempt is
// aborted and the connection returns to Live.
type TimeoutError struct {
	Key      string
	Peer     ir.ProcessID
	Waited   time.Duration
	Polls    int
	StopAck  bool // our STOP was acknowledged
	PeerStop bool // the peer's STOP arrived
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("DRAIN_TIMEOUT: connection %s to %s not drained after %s (%d polls, stop_acked=%t, peer_stopped=%t)",
		e.Key, e.Peer, e.Waited, e.Polls, e.StopAck, e.PeerStop)
}

// IsTimeout returns true if err is a drain timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("drain: connection closed")

// ErrBadFrame is returned when the data stream does not carry a valid frame.
var ErrBadFrame = errors.New("drain: malformed frame")
