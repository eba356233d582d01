package protocol

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Send and Recv on a closed connection.
var ErrClosed = errors.New("protocol: connection closed")

// Conn is a point-to-point control connection. Send and Recv may be called
// concurrently with each other, but each from one goroutine at a time.
type Conn interface {
	Send(ctx context.Context, m Message) error
	Recv(ctx context.Context) (Message, error)
	Close() error
}

// Pipe returns the two ends of an in-memory control connection. Messages
// pass through codec, so each end sees its own copy.
func Pipe(codec Codec) (Conn, Conn) {
	if codec == nil {
		codec = DefaultCodec
	}
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	shared := &pipeShared{done: make(chan struct{})}
	return &pipeEnd{in: ba, out: ab, shared: shared, codec: codec},
		&pipeEnd{in: ab, out: ba, shared: shared, codec: codec}
}

type pipeShared struct {
	once sync.Once
	done chan struct{}
}

type pipeEnd struct {
	in     <-chan []byte
	out    chan<- []byte
	shared *pipeShared
	codec  Codec
}

func (p *pipeEnd) Send(ctx context.Context, m Message) error {
	b, err := encodeMessage(p.codec, m)
	if err != nil {
		return err
	}
	select {
	case <-p.shared.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- b:
		return nil
	case <-p.shared.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Recv(ctx context.Context) (Message, error) {
	select {
	case b := <-p.in:
		return decodeMessage(p.codec, b)
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-p.shared.done:
		// Deliver what was sent before the close.
		select {
		case b := <-p.in:
			return decodeMessage(p.codec, b)
		default:
			return Message{}, ErrClosed
		}
	}
}

// Close closes both ends.
func (p *pipeEnd) Close() error {
	p.shared.once.Do(func() { close(p.shared.done) })
	return nil
}
