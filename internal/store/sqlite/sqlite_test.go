package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sou1ence/RabbitSimpleChat/internal/store"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := NewWithSetup(":memory:", applySchema)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveAndListRooms(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"room2", "general", "room2", "random"} {
		require.NoError(t, s.SaveRoom(ctx, name))
	}

	rooms, err := s.ListRooms(ctx)
	require.NoError(t, err)

	var names []string
	for _, r := range rooms {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"general", "random", "room2"}, names)
}

func TestTranscriptNewestWindowOldestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		entry := &store.TranscriptEntry{
			Nickname:  "alice",
			Room:      "general",
			Text:      fmt.Sprintf("msg %d", i),
			CreatedAt: at.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.AppendTranscript(ctx, entry))
		assert.NotZero(t, entry.ID)
	}
	require.NoError(t, s.AppendTranscript(ctx, &store.TranscriptEntry{
		Nickname: "alice", Room: "random", Text: "elsewhere", CreatedAt: at,
	}))
	require.NoError(t, s.AppendTranscript(ctx, &store.TranscriptEntry{
		Nickname: "bob", Room: "general", Text: "not alice", CreatedAt: at,
	}))

	entries, err := s.ListTranscript(ctx, "alice", "general", 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "msg 2", entries[0].Text)
	assert.Equal(t, "msg 4", entries[2].Text)
}

func TestTranscriptKeepsPrivateFlag(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendTranscript(ctx, &store.TranscriptEntry{
		Nickname:  "bob",
		Room:      "general",
		Text:      "[10:00:00] [Private from alice] hi",
		Private:   true,
		CreatedAt: time.Now(),
	}))

	entries, err := s.ListTranscript(ctx, "bob", "general", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Private)
}
