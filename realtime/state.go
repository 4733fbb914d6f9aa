package realtime

// State represents the current state of the client's persistent connection.
type State int

const (
	// StateIdle means no credential is set or no handler is registered;
	// the client intentionally holds no connection.
	StateIdle State = iota

	// StateConnecting means a connection attempt is in flight.
	StateConnecting

	// StateOpen means the connection is established and subscriptions
	// have been replayed.
	StateOpen

	// StateDisconnected means the connection dropped; a reconnect is
	// scheduled if a credential and at least one handler remain.
	StateDisconnected
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}
