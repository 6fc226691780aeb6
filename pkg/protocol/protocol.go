// Package protocol defines the JSON messages exchanged with remote front
// ends over the websocket transport.
package protocol

import (
	"encoding/json"
)

const Version = "1.0"

// Command types (client -> host).
const (
	TypeApply  = "APPLY"
	TypeStart  = "START"
	TypeStop   = "STOP"
	TypeStatus = "STATUS"
)

// Reply types (host -> client).
const (
	TypeResult = "RESULT"
	TypeError  = "ERROR"
	TypeState  = "STATE"
)

// Row carries the four textual fields of one input row exactly as typed.
// Missing or unparsable values fall back to the module defaults.
type Row struct {
	RX string `json:"rx,omitempty" jsonschema:"maxLength=64"`
	RY string `json:"ry,omitempty" jsonschema:"maxLength=64"`
	W  string `json:"w,omitempty" jsonschema:"maxLength=64"`
	S  string `json:"s,omitempty" jsonschema:"maxLength=64"`
}

// Command is a request from a client.
type Command struct {
	Type string `json:"type" jsonschema:"enum=APPLY,enum=START,enum=STOP,enum=STATUS"`
	// ID is echoed in the reply.
	ID   string `json:"id,omitempty" jsonschema:"maxLength=128"`
	Rows []Row  `json:"rows,omitempty" jsonschema:"maxItems=15"`
}

// Reply answers a command, or announces a state change when ID is empty.
type Reply struct {
	Type  string  `json:"type"`
	ID    string  `json:"id,omitempty"`
	Code  int32   `json:"code,omitempty"`
	Error string  `json:"error,omitempty"`
	State *Status `json:"state,omitempty"`
}

// Status describes the host and, once ready, the module.
type Status struct {
	Readiness string `json:"readiness"`
	Attempts  int    `json:"attempts"`
	Module    string `json:"module,omitempty"`
	Stats     *Stats `json:"stats,omitempty"`
	Bodies    []Body `json:"bodies,omitempty"`
}

// Stats mirrors what the module reports about itself.
type Stats struct {
	Bodies          int32 `json:"bodies"`
	Running         bool  `json:"running"`
	LiveAllocations int32 `json:"live_allocations"`
	CanvasWidth     int32 `json:"canvas_width"`
	CanvasHeight    int32 `json:"canvas_height"`
}

// Body is one entry of the module's body table.
type Body struct {
	RX    float64 `json:"rx"`
	RY    float64 `json:"ry"`
	Angle float64 `json:"angle"`
	Omega float64 `json:"omega"`
	Size  int32   `json:"size"`
}

// DecodeCommand unmarshals a command without validating it.
func DecodeCommand(b []byte) (Command, error) {
	var c Command
	err := json.Unmarshal(b, &c)
	return c, err
}

// Result builds the reply to a successful command.
func Result(id string, code int32) Reply {
	return Reply{Type: TypeResult, ID: id, Code: code}
}

// Failure builds the reply to a failed command.
func Failure(id string, err error) Reply {
	return Reply{Type: TypeError, ID: id, Error: err.Error()}
}

// State builds a status reply.
func State(id string, s Status) Reply {
	return Reply{Type: TypeState, ID: id, State: &s}
}
