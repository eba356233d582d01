package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec serializes control messages.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Name() string
}

// MsgpackCodec is the wire codec.
type MsgpackCodec struct{}

func (MsgpackCodec) Encode(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (MsgpackCodec) Decode(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

func (MsgpackCodec) Name() string { return "msgpack" }

// JSONCodec is a readable codec for debugging transports.
type JSONCodec struct{}

func (JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (JSONCodec) Name() string { return "json" }

// DefaultCodec is used when a transport is given a nil codec.
var DefaultCodec Codec = MsgpackCodec{}

func encodeMessage(c Codec, m Message) ([]byte, error) {
	if m.Kind == 0 {
		return nil, fmt.Errorf("encode %s: message kind is required", c.Name())
	}
	b, err := c.Encode(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", c.Name(), err)
	}
	return b, nil
}

func decodeMessage(c Codec, b []byte) (Message, error) {
	var m Message
	if err := c.Decode(b, &m); err != nil {
		return Message{}, fmt.Errorf("decode %s: %w", c.Name(), err)
	}
	if m.Kind == 0 {
		return Message{}, fmt.Errorf("decode %s: message without kind", c.Name())
	}
	return m, nil
}
