package signal

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec encodes signaling messages for one websocket frame type. Text frames
// carry JSON, binary frames carry MessagePack with the same field names.
type Codec interface {
	Name() string
	FrameType() int
	Marshal(v any) ([]byte, error)
	// DecodeRequest splits an inbound envelope, keeping data undecoded.
	DecodeRequest(b []byte) (*Request, error)

	unmarshal(b []byte, v any) error
}

// Request is one inbound signaling message.
type Request struct {
	Type  string
	ID    uint64
	data  []byte
	codec Codec
}

// Bind decodes the request data into v. Missing data leaves v untouched.
func (r *Request) Bind(v any) error {
	if len(r.data) == 0 {
		return nil
	}
	if err := r.codec.unmarshal(r.data, v); err != nil {
		return fmt.Errorf("%w: %s data: %w", core.ErrBadRequest, r.Type, err)
	}
	return nil
}

var (
	JSON    Codec = jsonCodec{}
	MsgPack Codec = msgpackCodec{}
)

// codecFor picks the codec of an inbound websocket frame.
func codecFor(frameType int) Codec {
	if frameType == websocket.BinaryMessage {
		return MsgPack
	}
	return JSON
}

// frameTypeOf tells text from binary frames. Every JSON message is an object
// and every MessagePack message is a map, which never starts with '{'.
func frameTypeOf(f core.Frame) int {
	if len(f) > 0 && f[0] == '{' {
		return websocket.TextMessage
	}
	return websocket.BinaryMessage
}

type jsonCodec struct{}

func (jsonCodec) Name() string                  { return "json" }
func (jsonCodec) FrameType() int                { return websocket.TextMessage }
func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }

func (c jsonCodec) DecodeRequest(b []byte) (*Request, error) {
	var env struct {
		Type string          `json:"type"`
		ID   uint64          `json:"id"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrBadRequest, err)
	}
	data := []byte(env.Data)
	if bytes.Equal(data, []byte("null")) {
		data = nil
	}
	return &Request{Type: env.Type, ID: env.ID, data: data, codec: c}, nil
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string   { return "msgpack" }
func (msgpackCodec) FrameType() int { return websocket.BinaryMessage }

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (msgpackCodec) unmarshal(b []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}

func (c msgpackCodec) DecodeRequest(b []byte) (*Request, error) {
	var env struct {
		Type string             `json:"type"`
		ID   uint64             `json:"id"`
		Data msgpack.RawMessage `json:"data"`
	}
	if err := c.unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrBadRequest, err)
	}
	data := []byte(env.Data)
	if len(data) == 1 && data[0] == msgpackNil {
		data = nil
	}
	return &Request{Type: env.Type, ID: env.ID, data: data, codec: c}, nil
}

const msgpackNil = 0xc0
