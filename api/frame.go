package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// FrameType identifies the frame category on the event feed.
type FrameType string

const (
	FrameRequest  FrameType = "request"
	FrameResponse FrameType = "response"
	FrameEvent    FrameType = "event"
	FrameErr      FrameType = "error"
	FramePing     FrameType = "ping"
	FramePong     FrameType = "pong"
)

// Feed methods a client may send in request frames.
const (
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"
	MethodTopics      = "topics"
)

// Frame is the envelope of every message exchanged on the event feed.
type Frame struct {
	ID        string          `json:"id" msgpack:"id"`
	Type      FrameType       `json:"type" msgpack:"type"`
	Method    string          `json:"method,omitempty" msgpack:"method,omitempty"`
	CorrelID  string          `json:"correl_id,omitempty" msgpack:"correl_id,omitempty"`
	Channel   string          `json:"channel,omitempty" msgpack:"channel,omitempty"`
	Data      json.RawMessage `json:"data,omitempty" msgpack:"data,omitempty"`
	Error     *ErrorDetail    `json:"error,omitempty" msgpack:"error,omitempty"`
	Credits   int             `json:"credits,omitempty" msgpack:"credits,omitempty"`
	Timestamp time.Time       `json:"ts" msgpack:"ts"`
}

// ErrorDetail describes a rejected request frame.
type ErrorDetail struct {
	Code    int    `json:"code" msgpack:"code"`
	Message string `json:"message" msgpack:"message"`
}

// WelcomeData is the payload of the first frame of every session.
type WelcomeData struct {
	SessionID string   `json:"session_id"`
	Format    string   `json:"format"`
	Topics    []string `json:"topics"`
}

func newFrame(t FrameType) *Frame {
	return &Frame{ID: uuid.NewString(), Type: t, Timestamp: time.Now().UTC()}
}

// NewResponseFrame creates a response to the request correlID.
func NewResponseFrame(correlID string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	f := newFrame(FrameResponse)
	f.CorrelID = correlID
	f.Data = raw
	return f, nil
}

// NewErrorFrame creates an error response to the request correlID.
func NewErrorFrame(correlID string, code int, message string) *Frame {
	f := newFrame(FrameErr)
	f.CorrelID = correlID
	f.Error = &ErrorDetail{Code: code, Message: message}
	return f
}

// NewEventFrame wraps a broker event published on channel.
func NewEventFrame(channel string, evt any) (*Frame, error) {
	raw, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	f := newFrame(FrameEvent)
	f.Channel = channel
	f.Data = raw
	return f, nil
}

// ── Codecs ──────────────────────────────────────────

// Codec serializes frames for one wire format.
type Codec interface {
	Encode(f *Frame) ([]byte, error)
	Decode(data []byte) (*Frame, error)
	Name() string

	// Binary reports whether frames travel in binary WebSocket messages.
	Binary() bool
}

// Codec names accepted in the "format" query parameter.
const (
	CodecJSON    = "json"
	CodecMsgpack = "msgpack"
)

// CodecByName returns the codec for name, defaulting to JSON.
func CodecByName(name string) Codec {
	if name == CodecMsgpack {
		return msgpackCodec{}
	}
	return jsonCodec{}
}

type jsonCodec struct{}

func (jsonCodec) Encode(f *Frame) ([]byte, error) { return json.Marshal(f) }

func (jsonCodec) Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (jsonCodec) Name() string { return CodecJSON }
func (jsonCodec) Binary() bool { return false }

type msgpackCodec struct{}

func (msgpackCodec) Encode(f *Frame) ([]byte, error) { return msgpack.Marshal(f) }

func (msgpackCodec) Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (msgpackCodec) Name() string { return CodecMsgpack }
func (msgpackCodec) Binary() bool { return true }
