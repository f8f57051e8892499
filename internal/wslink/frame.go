package wslink

import (
	"statusmon/internal/value"
)

// Frame ops.
const (
	OpHello       = "hello"
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpUpdate      = "update"
)

// Frame is the single JSON message type exchanged over a link.
//
// hello carries Name. subscribe/unsubscribe carry Channels and mean "send
// me (or stop sending me) what you publish on these". update carries the
// payload with the names it has passed through.
type Frame struct {
	Op       string      `json:"op"`
	Name     string      `json:"name,omitempty"`
	Names    []string    `json:"names,omitempty"`
	Channels []string    `json:"channels,omitempty"`
	Payload  value.Value `json:"payload"`
}
