package drain

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Wire format on a data connection. Every write is framed so that drain
// control messages can travel in-band, behind the data they account for:
//
//	type    uint8
//	length  uint32 big-endian
//	body    [length]byte
//
// STOP and STOP-ACK bodies are the magic cookie followed by the barrier
// epoch and a byte count (both uint64 big-endian). HELLO carries the
// connection key on a freshly restored transport.
const (
	frameData    byte = 1
	frameStop    byte = 2
	frameStopAck byte = 3
	frameHello   byte = 4

	// Cookie marks drain control frames.
	Cookie = "[lockstep<DRAIN!"

	maxFrame = 1 << 20
)

type frame struct {
	typ   byte
	body  []byte
	epoch uint64
	count uint64
}

func controlBody(epoch, count uint64) []byte {
	b := make([]byte, len(Cookie)+16)
	copy(b, Cookie)
	binary.BigEndian.PutUint64(b[len(Cookie):], epoch)
	binary.BigEndian.PutUint64(b[len(Cookie)+8:], count)
	return b
}

func writeFrame(w io.Writer, typ byte, body []byte) error {
	if len(body) > maxFrame {
		return fmt.Errorf("%w: %d byte body", ErrBadFrame, len(body))
	}
	buf := make([]byte, 5+len(body))
	buf[0] = typ
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(body)))
	copy(buf[5:], body)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) (frame, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return frame{}, err
	}
	n := binary.BigEndian.Uint32(hdr[1:5])
	if n > maxFrame {
		return frame{}, fmt.Errorf("%w: length %d", ErrBadFrame, n)
	}
	f := frame{typ: hdr[0], body: make([]byte, n)}
	if _, err := io.ReadFull(r, f.body); err != nil {
		return frame{}, err
	}

	switch f.typ {
	case frameData, frameHello:
	case frameStop, frameStopAck:
		if len(f.body) != len(Cookie)+16 || string(f.body[:len(Cookie)]) != Cookie {
			return frame{}, fmt.Errorf("%w: bad drain cookie", ErrBadFrame)
		}
		f.epoch = binary.BigEndian.Uint64(f.body[len(Cookie):])
		f.count = binary.BigEndian.Uint64(f.body[len(Cookie)+8:])
	default:
		return frame{}, fmt.Errorf("%w: type %d", ErrBadFrame, f.typ)
	}
	return f, nil
}
