package types

import "encoding/json"

// CommandRequest is the body of POST /api/command. Command is either a
// JSON string or an object; an empty Target broadcasts.
type CommandRequest struct {
	Command json.RawMessage `json:"command"`
	Target  string          `json:"target,omitempty"`
}
