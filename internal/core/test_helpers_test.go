package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Sou1ence/RabbitSimpleChat/internal/broker/memory"
	"github.com/Sou1ence/RabbitSimpleChat/internal/store"
)

var testClock = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return testClock }

// events collects everything a Dispatcher fires.
type events struct {
	messages chan MessageEvent
	rooms    chan RoomEvent
	failures chan DeliveryFailure
	states   chan StateEvent
}

func watch(d *Dispatcher) *events {
	ev := &events{
		messages: make(chan MessageEvent, 256),
		rooms:    make(chan RoomEvent, 256),
		failures: make(chan DeliveryFailure, 256),
		states:   make(chan StateEvent, 256),
	}
	d.SetOnMessage(func(m MessageEvent) { ev.messages <- m })
	d.SetOnRoomDiscovered(func(r RoomEvent) { ev.rooms <- r })
	d.SetOnDeliveryFailure(func(f DeliveryFailure) { ev.failures <- f })
	d.SetOnStateChange(func(s StateEvent) { ev.states <- s })
	return ev
}

func mustEvent[T any](t *testing.T, ch <-chan T, match func(T) bool) T {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case ev := <-ch:
			if match(ev) {
				return ev
			}
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	t.Fatalf("expected event not received")
	var zero T
	return zero
}

func noEvent[T any](t *testing.T, ch <-chan T, match func(T) bool, within time.Duration) {
	t.Helper()

	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		select {
		case ev := <-ch:
			if match(ev) {
				t.Fatalf("unexpected event %+v", ev)
			}
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func text(want string) func(MessageEvent) bool {
	return func(m MessageEvent) bool { return m.Text == want }
}

func newTestSession(t *testing.T, b *memory.Broker, nick, room string) (*RoomSession, *events) {
	t.Helper()

	s, err := NewSession(b.Dialer(), nick, room, SessionOptions{
		LeaveGrace: -1,
		Now:        fixedNow,
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	ev := watch(s.Dispatcher())
	t.Cleanup(func() { <-s.Close() })
	return s, ev
}

func closeAndWait(t *testing.T, s *RoomSession) {
	t.Helper()

	select {
	case <-s.Close():
	case <-time.After(2 * time.Second):
		t.Fatalf("session %s/%s did not stop", s.Nickname(), s.Room())
	}
}

type fakeTranscript struct {
	mu      sync.Mutex
	entries []store.TranscriptEntry
}

func (f *fakeTranscript) AppendTranscript(_ context.Context, entry *store.TranscriptEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, *entry)
	return nil
}

func (f *fakeTranscript) snapshot() []store.TranscriptEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.TranscriptEntry(nil), f.entries...)
}

type fakeRooms struct {
	mu    sync.Mutex
	saved []string
}

func (f *fakeRooms) SaveRoom(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, name)
	return nil
}

func (f *fakeRooms) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.saved...)
}
