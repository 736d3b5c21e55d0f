package core

// SessionState is the lifecycle stage of a RoomSession.
type SessionState int

const (
	// StateUnconnected means no broker resources are held.
	StateUnconnected SessionState = iota

	// StateConnecting means topology is being declared and history replayed.
	StateConnecting

	// StateActive means both consumers are running and sends are accepted.
	StateActive

	// StateDraining means the room consumer is cancelled and the leave notice
	// is being flushed.
	StateDraining

	// StateClosed is terminal; the session cannot be reconnected.
	StateClosed
)

// String returns the string representation of a SessionState.
func (s SessionState) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StateEvent represents a state change of a session.
type StateEvent struct {
	Room     string
	OldState SessionState
	NewState SessionState
	Error    error // set when a failed connect rolls back
}
