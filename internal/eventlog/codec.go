package eventlog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"

	"github.com/roach88/lockstep/internal/ir"
)

// Persisted layout.
//
// A log stream starts with an 8-byte header: the magic "LSLOG" followed by
// a zero byte and the big-endian uint16 format version. Records follow back
// to back:
//
//	thread_id   int64   big-endian
//	seq         int64   big-endian
//	kind        uint8
//	payload_len uint32  big-endian
//	payload     [payload_len]byte
//	checksum    uint64  xxhash64 of every preceding byte of the record
//
// Records are self-describing, so a reader needs no index. A stream that
// ends mid-record or fails its checksum is LogCorruption.
const (
	headerMagic     = "LSLOG\x00"
	recordFixedSize = 8 + 8 + 1 + 4
	checksumSize    = 8

	// MaxPayload bounds a single record's payload.
	MaxPayload = 16 << 20
)

// Checksum returns the xxhash64 of the record encoding of e, excluding the
// checksum trailer itself.
func Checksum(e ir.LogEntry) uint64 {
	var hdr [recordFixedSize]byte
	putRecordHeader(hdr[:], e)
	d := xxhash.New()
	_, _ = d.Write(hdr[:])
	_, _ = d.Write(e.Payload)
	return d.Sum64()
}

func putRecordHeader(b []byte, e ir.LogEntry) {
	binary.BigEndian.PutUint64(b[0:8], uint64(e.ThreadID))
	binary.BigEndian.PutUint64(b[8:16], uint64(e.Seq))
	b[16] = byte(e.Kind)
	binary.BigEndian.PutUint32(b[17:21], uint32(len(e.Payload)))
}

// Encoder writes entries in the persisted layout.
type Encoder struct {
	w           *bufio.Writer
	wroteHeader bool
}

// NewEncoder returns an encoder writing to w. Call Flush when done.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Encode appends one record.
func (e *Encoder) Encode(entry ir.LogEntry) error {
	if len(entry.Payload) > MaxPayload {
		return fmt.Errorf("encode: payload of %d bytes exceeds limit", len(entry.Payload))
	}
	if !e.wroteHeader {
		var hdr [8]byte
		copy(hdr[:], headerMagic)
		binary.BigEndian.PutUint16(hdr[6:8], ir.LogFormatVersion)
		if _, err := e.w.Write(hdr[:]); err != nil {
			return fmt.Errorf("encode header: %w", err)
		}
		e.wroteHeader = true
	}

	var hdr [recordFixedSize]byte
	putRecordHeader(hdr[:], entry)
	var sum [checksumSize]byte
	binary.BigEndian.PutUint64(sum[:], Checksum(entry))

	for _, chunk := range [][]byte{hdr[:], entry.Payload, sum[:]} {
		if _, err := e.w.Write(chunk); err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
	}
	return nil
}

// Flush writes buffered records to the underlying writer.
func (e *Encoder) Flush() error {
	return e.w.Flush()
}

// Decoder reads entries in the persisted layout.
type Decoder struct {
	r          *bufio.Reader
	readHeader bool
	offset     int64
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Decode returns the next record, or io.EOF at a clean end of stream.
func (d *Decoder) Decode() (ir.LogEntry, error) {
	if !d.readHeader {
		var hdr [8]byte
		if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return ir.LogEntry{}, io.EOF
			}
			return ir.LogEntry{}, d.corrupt("truncated header", 0, 0)
		}
		if string(hdr[:6]) != headerMagic {
			return ir.LogEntry{}, d.corrupt("bad magic", 0, 0)
		}
		if v := binary.BigEndian.Uint16(hdr[6:8]); v != ir.LogFormatVersion {
			return ir.LogEntry{}, d.corrupt(fmt.Sprintf("unsupported format version %d", v), 0, 0)
		}
		d.readHeader = true
		d.offset = 8
	}

	var hdr [recordFixedSize]byte
	n, err := io.ReadFull(d.r, hdr[:])
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return ir.LogEntry{}, io.EOF
		}
		return ir.LogEntry{}, d.corrupt("truncated record header", 0, 0)
	}

	e := ir.LogEntry{
		ThreadID: ir.ThreadID(binary.BigEndian.Uint64(hdr[0:8])),
		Seq:      int64(binary.BigEndian.Uint64(hdr[8:16])),
		Kind:     ir.EventKind(hdr[16]),
	}
	size := binary.BigEndian.Uint32(hdr[17:21])
	if size > MaxPayload {
		return ir.LogEntry{}, d.corrupt("payload length out of range", e.ThreadID, e.Seq)
	}
	e.Payload = make([]byte, size)
	if _, err := io.ReadFull(d.r, e.Payload); err != nil {
		return ir.LogEntry{}, d.corrupt("truncated payload", e.ThreadID, e.Seq)
	}

	var sum [checksumSize]byte
	if _, err := io.ReadFull(d.r, sum[:]); err != nil {
		return ir.LogEntry{}, d.corrupt("truncated checksum", e.ThreadID, e.Seq)
	}
	if binary.BigEndian.Uint64(sum[:]) != Checksum(e) {
		return ir.LogEntry{}, d.corrupt("checksum mismatch", e.ThreadID, e.Seq)
	}
	if !e.Kind.Valid() {
		return ir.LogEntry{}, d.corrupt(fmt.Sprintf("unknown event kind %d", uint8(e.Kind)), e.ThreadID, e.Seq)
	}

	d.offset += int64(recordFixedSize) + int64(size) + checksumSize
	return e, nil
}

func (d *Decoder) corrupt(msg string, thread ir.ThreadID, seq int64) error {
	return NewCorruptionError(thread, seq, msg, map[string]string{
		"offset": fmt.Sprintf("%d", d.offset),
	})
}

// DecodeAll reads every record from r.
func DecodeAll(r io.Reader) ([]ir.LogEntry, error) {
	dec := NewDecoder(r)
	var out []ir.LogEntry
	for {
		e, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
}
