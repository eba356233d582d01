package eventlog

import (
	"errors"
	"fmt"

	"github.com/roach88/lockstep/internal/ir"
)

// LogError is a failure of a thread log operation.
type LogError struct {
	// Code identifies the error category.
	Code LogErrorCode

	// Message is a human-readable description.
	Message string

	// ThreadID identifies the affected thread log.
	ThreadID ir.ThreadID

	// Seq is the sequence position at which the failure was detected.
	Seq int64

	// Details contains additional context.
	Details map[string]string
}

// LogErrorCode categorizes log errors.
type LogErrorCode string

const (
	// ErrCodeLogExhausted indicates a replay consume past the last entry.
	ErrCodeLogExhausted LogErrorCode = "LOG_EXHAUSTED"

	// ErrCodeLogCorruption indicates a sequence gap, reordering, foreign
	// thread entry, or checksum mismatch.
	ErrCodeLogCorruption LogErrorCode = "LOG_CORRUPTION"

	// ErrCodeNotSafePoint indicates a flush while an interception is still
	// open on the thread.
	ErrCodeNotSafePoint LogErrorCode = "LOG_NOT_AT_SAFE_POINT"

	// ErrCodeWrongMode indicates a record operation on a replay log or the
	// reverse.
	ErrCodeWrongMode LogErrorCode = "LOG_WRONG_MODE"
)

// Error implements the error interface.
func (e *LogError) Error() string {
	return fmt.Sprintf("%s: %s (thread=%d, seq=%d)", e.Code, e.Message, e.ThreadID, e.Seq)
}

func isLogError(err error, code LogErrorCode) bool {
	var le *LogError
	if errors.As(err, &le) {
		return le.Code == code
	}
	return false
}

// IsLogExhausted returns true if err is a replay exhaustion error.
func IsLogExhausted(err error) bool { return isLogError(err, ErrCodeLogExhausted) }

// IsLogCorruption returns true if err is a log corruption error.
func IsLogCorruption(err error) bool { return isLogError(err, ErrCodeLogCorruption) }

// IsNotSafePoint returns true if err reports a flush outside a safe point.
func IsNotSafePoint(err error) bool { return isLogError(err, ErrCodeNotSafePoint) }

// NewExhaustedError creates a LogError for replay past the end of the log.
func NewExhaustedError(thread ir.ThreadID, seq int64) *LogError {
	return &LogError{
		Code:     ErrCodeLogExhausted,
		Message:  "replay log exhausted",
		ThreadID: thread,
		Seq:      seq,
	}
}

// NewCorruptionError creates a LogError for a monotonicity or integrity
// violation.
func NewCorruptionError(thread ir.ThreadID, seq int64, msg string, details map[string]string) *LogError {
	return &LogError{
		Code:     ErrCodeLogCorruption,
		Message:  msg,
		ThreadID: thread,
		Seq:      seq,
		Details:  details,
	}
}
