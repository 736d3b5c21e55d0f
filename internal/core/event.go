package core

// MessageEvent is a message delivered to the user.
type MessageEvent struct {
	Room string
	Text string
	// Private is set for messages read from the private queue.
	Private bool
	// Replayed is set for messages drained from the backlog during connect.
	Replayed bool
}

// RoomEvent announces a room learned from another participant.
type RoomEvent struct {
	Name string
}

// DeliveryFailure reports a private message the broker could not route.
type DeliveryFailure struct {
	Recipient string
	Text      string
	Error     error
}
