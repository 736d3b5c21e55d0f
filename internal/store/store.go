package store

import (
	"context"
	"time"
)

// Room is a room name remembered across runs.
type Room struct {
	Name      string
	CreatedAt time.Time
}

// TranscriptEntry is a message delivered to a user, kept locally.
type TranscriptEntry struct {
	ID        int64
	Nickname  string
	Room      string
	Text      string
	Private   bool
	CreatedAt time.Time
}

// RoomStore handles room persistence.
type RoomStore interface {
	// SaveRoom records a room name. Saving a known name is a no-op.
	SaveRoom(ctx context.Context, name string) error

	// ListRooms returns every saved room ordered by name.
	ListRooms(ctx context.Context) ([]*Room, error)
}

// TranscriptStore handles delivered message persistence.
type TranscriptStore interface {
	// AppendTranscript appends a delivered message.
	AppendTranscript(ctx context.Context, entry *TranscriptEntry) error

	// ListTranscript returns up to limit of the newest messages nickname
	// received in room, oldest first. Private messages are included.
	ListTranscript(ctx context.Context, nickname, room string, limit int) ([]*TranscriptEntry, error)
}

// Store aggregates all storage interfaces.
type Store interface {
	RoomStore
	TranscriptStore

	// Close closes the underlying database connection.
	Close() error
}
