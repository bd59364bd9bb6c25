package protocol

import (
	"encoding/json"
	"math"
)

// Command names carried in the "command" field of a control message.
const (
	CommandInit    = "init"
	CommandOpen    = "open"
	CommandReady   = "ready"
	CommandDone    = "done"
	CommandClose   = "close"
	CommandPing    = "ping"
	CommandPong    = "pong"
	CommandHint    = "hint"
	CommandKill    = "kill"
	CommandOptions = "options"
	CommandLogout  = "logout"
)

// Problem codes carried in the "problem" field of close and init messages.
const (
	ProblemDisconnected   = "disconnected"
	ProblemProtocolError  = "protocol-error"
	ProblemNotSupported   = "not-supported"
	ProblemTimeout        = "timeout"
	ProblemTerminated     = "terminated"
	ProblemNoConnection   = "no-connection"
	ProblemInternalError  = "internal-error"
	ProblemAuthentication = "authentication-failed"
	ProblemNotFound       = "not-found"
)

// Well-known control fields.
const (
	FieldCommand     = "command"
	FieldChannel     = "channel"
	FieldProblem     = "problem"
	FieldMessage     = "message"
	FieldVersion     = "version"
	FieldHost        = "host"
	FieldSeed        = "channel-seed"
	FieldFlowControl = "flow-control"
	FieldBinary      = "binary"
	FieldPayload     = "payload"
	FieldGroup       = "group"
	FieldHint        = "hint"
	FieldData        = "data"
	FieldHidden      = "hidden"
	FieldAddress     = "address"
	FieldPort        = "port"
	FieldDisconnect  = "disconnect"
)

// Version is the only protocol version this package speaks.
const Version = 1

// HintIgnoreHealthCheck suppresses the transport liveness timeout while a
// known long-blocking operation is in progress.
const HintIgnoreHealthCheck = "ignore_transport_health_check"

// Control is a decoded control message: a JSON object whose "command"
// field names the operation. Numbers decode as float64, as with any
// json.Unmarshal into map[string]any.
type Control map[string]any

// NewControl returns a control message for command with the given fields
// merged in.
func NewControl(command string, fields Control) Control {
	c := make(Control, len(fields)+1)
	for k, v := range fields {
		c[k] = v
	}
	c[FieldCommand] = command
	return c
}

// Command returns the command name, or "" when absent.
func (c Control) Command() string { return c.String(FieldCommand) }

// Channel returns the channel id the message targets and whether the
// field was present at all. An explicitly empty channel is reported as
// present.
func (c Control) Channel() (string, bool) {
	v, ok := c[FieldChannel]
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, true
}

// Problem returns the problem code, or "" when absent.
func (c Control) Problem() string { return c.String(FieldProblem) }

// String returns a string field, or "" when absent or of another type.
func (c Control) String(key string) string {
	s, _ := c[key].(string)
	return s
}

// Bool returns a boolean field, or false when absent or of another type.
func (c Control) Bool(key string) bool {
	b, _ := c[key].(bool)
	return b
}

// Int returns an integral numeric field. The second result is false when
// the field is missing, not a number, or not a whole number.
func (c Control) Int(key string) (int, bool) {
	switch v := c[key].(type) {
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int(v), true
	case int:
		return v, true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	}
	return 0, false
}

// Has reports whether key is present.
func (c Control) Has(key string) bool {
	_, ok := c[key]
	return ok
}

// Clone returns a shallow copy.
func (c Control) Clone() Control {
	out := make(Control, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Merge copies every field of other into c, overwriting existing keys.
func (c Control) Merge(other Control) Control {
	for k, v := range other {
		c[k] = v
	}
	return c
}
