// Package transport delivers framed MSNP commands over a connection. The
// protocol layers above depend only on the Conn contract: one framed unit
// per receiver call, arrival order preserved, and the receiver runs to
// completion before the next unit is delivered.
package transport

import "github.com/escargot-im/msn/internal/msnp"

// State is a connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Conn is the narrow transport contract the session state machines consume.
// A disconnect is terminal for the Conn; recovery means constructing a new
// one, never resuming a dead socket.
type Conn interface {
	// Connect establishes the connection and starts delivering inbound
	// commands to the receiver. Receiver and state handler must be set
	// before calling Connect.
	Connect() error

	// Send writes one framed command. Returns an error when disconnected.
	Send(cmd *msnp.Command) error

	// Close tears the connection down. Idempotent.
	Close() error

	// Connected reports whether the connection is currently established.
	Connected() bool

	// SetReceiver installs the inbound command callback.
	SetReceiver(fn func(*msnp.Command))

	// SetStateHandler installs the connect/disconnect notification callback.
	SetStateHandler(fn func(State))
}
