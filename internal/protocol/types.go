package protocol

import "encoding/json"

// Inbound tags
const (
	TypeHandshake      = "handshake"
	TypeHeartbeat      = "heartbeat"
	TypePositionUpdate = "position_update"
)

// Outbound tags
const (
	TypeWelcome      = "welcome"
	TypePositionAck  = "position_ack"
	TypeError        = "error"
	TypeHeartbeatAck = "heartbeat_ack"
	TypeShutdown     = "shutdown"
	TypeCommand      = "command"
)

// Event is an inbound device message. The concrete types are
// PositionUpdate, Heartbeat, Handshake and Unknown.
type Event interface {
	isEvent()
}

type PositionUpdate struct {
	X       float64
	Y       float64
	Heading float64
	// Timestamp is the device clock in milliseconds, nil when omitted.
	Timestamp *int64
}

type Heartbeat struct{}

type Handshake struct{}

// Unknown carries a tag the gateway does not recognize.
type Unknown struct {
	Name string
}

func (PositionUpdate) isEvent() {}
func (Heartbeat) isEvent()      {}
func (Handshake) isEvent()      {}
func (Unknown) isEvent()        {}

// Outbound is anything the gateway sends to a device.
type Outbound interface {
	isOutbound()
}

type Welcome struct {
	Type              string `json:"type"`
	ClientID          string `json:"clientId"`
	Timestamp         int64  `json:"timestamp"`
	HeartbeatInterval int64  `json:"heartbeatInterval"`
}

type PositionAck struct {
	Type      string `json:"type"`
	Timestamp *int64 `json:"timestamp"`
	Received  int64  `json:"received"`
}

type ErrorEvent struct {
	Type    string `json:"type"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type HeartbeatAck struct {
	Type string `json:"type"`
}

type Shutdown struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// Command is an operator instruction for a device. Text commands go out
// verbatim; Payload is wrapped in a {"type":"command"} envelope.
type Command struct {
	Text    string
	Payload json.RawMessage
}

func (Welcome) isOutbound()      {}
func (PositionAck) isOutbound()  {}
func (ErrorEvent) isOutbound()   {}
func (HeartbeatAck) isOutbound() {}
func (Shutdown) isOutbound()     {}
func (Command) isOutbound()      {}

// IsZero reports whether the command carries nothing to send.
func (c Command) IsZero() bool {
	return c.Text == "" && len(c.Payload) == 0
}

// String is the human readable form used in logs and API responses.
func (c Command) String() string {
	if c.Text != "" {
		return c.Text
	}
	return string(c.Payload)
}

// ParseCommand interprets a JSON value from an operator: a JSON string
// becomes a text command, any other non-null value a structured payload.
func ParseCommand(raw json.RawMessage) (Command, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return Command{}, false
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if text == "" {
			return Command{}, false
		}
		return Command{Text: text}, true
	}
	if !json.Valid(raw) {
		return Command{}, false
	}
	return Command{Payload: append(json.RawMessage(nil), raw...)}, true
}
