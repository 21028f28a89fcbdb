package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
)

var (
	ErrMalformedPayload = errors.New("malformed payload")
	ErrSchemaViolation  = errors.New("schema violation")
)

// DecodeError reports why an inbound frame was rejected. Kind is
// ErrMalformedPayload or ErrSchemaViolation.
type DecodeError struct {
	Kind error
	Msg  string
}

func (e *DecodeError) Error() string { return e.Kind.Error() + ": " + e.Msg }

func (e *DecodeError) Unwrap() error { return e.Kind }

func malformed(format string, args ...interface{}) error {
	return &DecodeError{Kind: ErrMalformedPayload, Msg: fmt.Sprintf(format, args...)}
}

func schema(format string, args ...interface{}) error {
	return &DecodeError{Kind: ErrSchemaViolation, Msg: fmt.Sprintf(format, args...)}
}

type envelope struct {
	Type  *string         `json:"type"`
	Event *string         `json:"event"`
	Data  json.RawMessage `json:"data"`

	// legacy firmware sends the coordinates at top level without a tag
	X       json.RawMessage `json:"x"`
	Y       json.RawMessage `json:"y"`
	Heading json.RawMessage `json:"heading"`
}

type positionFields struct {
	X         json.RawMessage `json:"x"`
	Y         json.RawMessage `json:"y"`
	Heading   json.RawMessage `json:"heading"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// Decode parses one inbound frame. Unrecognized tags yield Unknown and a
// nil error.
func Decode(raw []byte) (Event, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, malformed("expected a JSON object")
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, schema("field %q has the wrong type", typeErr.Field)
		}
		return nil, malformed("%v", err)
	}

	tag := ""
	switch {
	case env.Event != nil:
		tag = *env.Event
	case env.Type != nil:
		tag = *env.Type
	case env.X != nil || env.Y != nil || env.Heading != nil:
		return decodePosition(positionFields{X: env.X, Y: env.Y, Heading: env.Heading})
	default:
		return nil, schema("missing type or event tag")
	}

	switch tag {
	case TypePositionUpdate:
		if isNull(env.Data) {
			return nil, schema("position_update requires a data object")
		}
		var fields positionFields
		if err := json.Unmarshal(env.Data, &fields); err != nil {
			return nil, schema("data must be an object")
		}
		return decodePosition(fields)
	case TypeHeartbeat:
		return Heartbeat{}, nil
	case TypeHandshake:
		return Handshake{}, nil
	default:
		return Unknown{Name: tag}, nil
	}
}

func decodePosition(f positionFields) (Event, error) {
	x, err := requireNumber("x", f.X)
	if err != nil {
		return nil, err
	}
	y, err := requireNumber("y", f.Y)
	if err != nil {
		return nil, err
	}
	heading, err := requireNumber("heading", f.Heading)
	if err != nil {
		return nil, err
	}

	pu := PositionUpdate{X: x, Y: y, Heading: heading}
	if !isNull(f.Timestamp) {
		ts, err := requireNumber("timestamp", f.Timestamp)
		if err != nil {
			return nil, err
		}
		if ts != math.Trunc(ts) || math.Abs(ts) > math.MaxInt64/2 {
			return nil, schema("timestamp must be an integer")
		}
		v := int64(ts)
		pu.Timestamp = &v
	}
	return pu, nil
}

func requireNumber(name string, raw json.RawMessage) (float64, error) {
	if isNull(raw) {
		return 0, schema("missing required field %q", name)
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, schema("field %q must be a number", name)
	}
	return v, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

var bufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 256))
	},
}

// internalErrorFrame is sent if an outbound value somehow fails to marshal.
var internalErrorFrame = []byte(`{"type":"error","code":500,"message":"internal encoding error"}`)

// Encode serializes an outbound event. It never fails: every outbound type
// is a plain struct of JSON-safe fields.
func Encode(o Outbound) []byte {
	var v interface{}
	switch e := o.(type) {
	case Command:
		if e.Text != "" {
			return []byte(e.Text)
		}
		v = struct {
			Type    string          `json:"type"`
			Command json.RawMessage `json:"command"`
		}{TypeCommand, e.Payload}
	case Welcome:
		e.Type = TypeWelcome
		v = e
	case PositionAck:
		e.Type = TypePositionAck
		v = e
	case ErrorEvent:
		e.Type = TypeError
		v = e
	case HeartbeatAck:
		e.Type = TypeHeartbeatAck
		v = e
	case Shutdown:
		e.Type = TypeShutdown
		v = e
	default:
		return internalErrorFrame
	}

	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	if err := json.NewEncoder(buf).Encode(v); err != nil {
		return internalErrorFrame
	}
	out := bytes.TrimRight(buf.Bytes(), "\n")
	return append([]byte(nil), out...)
}

// NewError builds an error event for a device.
func NewError(code int, message string) ErrorEvent {
	return ErrorEvent{Code: code, Message: message}
}
