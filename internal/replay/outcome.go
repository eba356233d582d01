package replay

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/roach88/lockstep/internal/ir"
)

// Op describes an intercepted call.
type Op struct {
	Kind ir.EventKind
	Name string
}

// Outcome is what a nondeterministic call produced: a return value, an
// errno, and optionally bytes the call filled in (a read buffer, a
// timestamp struct).
type Outcome struct {
	Value int64  `msgpack:"v"`
	Errno int32  `msgpack:"e,omitempty"`
	Data  []byte `msgpack:"d,omitempty"`
}

// EncodeOutcome serializes an Outcome as a log payload.
func EncodeOutcome(o Outcome) ([]byte, error) {
	b, err := msgpack.Marshal(&o)
	if err != nil {
		return nil, fmt.Errorf("encode outcome: %w", err)
	}
	return b, nil
}

// DecodeOutcome parses a log payload written by EncodeOutcome.
func DecodeOutcome(payload []byte) (Outcome, error) {
	var o Outcome
	if err := msgpack.Unmarshal(payload, &o); err != nil {
		return Outcome{}, fmt.Errorf("decode outcome: %w", err)
	}
	return o, nil
}
