package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Sou1ence/RabbitSimpleChat/internal/broker/memory"
	"github.com/Sou1ence/RabbitSimpleChat/internal/proto"
)

func newTestChat(t *testing.T, b *memory.Broker, nick string) (*Chat, *events) {
	t.Helper()

	dir := NewDirectory(b.Dialer(), DirectoryOptions{})
	if err := dir.Connect(context.Background()); err != nil {
		t.Fatalf("connect directory: %v", err)
	}
	c, err := NewChat(b.Dialer(), nick, dir, SessionOptions{LeaveGrace: -1, Now: fixedNow})
	if err != nil {
		t.Fatalf("new chat: %v", err)
	}
	ev := watch(c.Dispatcher())
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c, ev
}

func countText(msgs []MessageEvent, want string) int {
	n := 0
	for _, m := range msgs {
		if m.Text == want {
			n++
		}
	}
	return n
}

func drain(ch <-chan MessageEvent, quiet time.Duration) []MessageEvent {
	var out []MessageEvent
	for {
		select {
		case m := <-ch:
			out = append(out, m)
		case <-time.After(quiet):
			return out
		}
	}
}

func TestChatEndToEnd(t *testing.T) {
	b := memory.New()
	ctx := context.Background()

	// bob has been in general before, so his durable queue keeps collecting.
	bob, _ := newTestChat(t, b, "bob")
	if err := bob.Join(ctx, "general"); err != nil {
		t.Fatalf("bob join: %v", err)
	}
	if err := bob.Close(ctx); err != nil {
		t.Fatalf("bob close: %v", err)
	}

	alice, aliceEv := newTestChat(t, b, "alice")
	if err := alice.Join(ctx, "general"); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	if err := alice.Send(ctx, "hi"); err != nil {
		t.Fatalf("alice send: %v", err)
	}
	aliceMsgs := drain(aliceEv.messages, 200*time.Millisecond)
	if n := countText(aliceMsgs, "[12:00:00] alice: hi"); n != 1 {
		t.Fatalf("expected alice to see her message once, got %d in %+v", n, aliceMsgs)
	}

	bobAgain, bobEv := newTestChat(t, b, "bob")
	if err := bobAgain.Join(ctx, "general"); err != nil {
		t.Fatalf("bob rejoin: %v", err)
	}
	bobMsgs := drain(bobEv.messages, 200*time.Millisecond)

	for _, want := range []string{"[12:00:00] System: alice joined the chat", "[12:00:00] alice: hi"} {
		if n := countText(bobMsgs, want); n != 1 {
			t.Fatalf("expected %q exactly once, got %d in %+v", want, n, bobMsgs)
		}
		for _, m := range bobMsgs {
			if m.Text == want && !m.Replayed {
				t.Fatalf("expected %q to come from history replay", want)
			}
		}
	}
	if got := bobAgain.History(); len(got) != len(bobMsgs) {
		t.Fatalf("history %v does not match deliveries %+v", got, bobMsgs)
	}
}

func TestChatSwitchStopsPreviousSession(t *testing.T) {
	b := memory.New()
	ctx := context.Background()

	watcher, watcherEv := newTestChat(t, b, "bob")
	if err := watcher.Join(ctx, "room1"); err != nil {
		t.Fatalf("bob join: %v", err)
	}

	alice, _ := newTestChat(t, b, "alice")
	if err := alice.Join(ctx, "room1"); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	first := alice.Current()

	if err := alice.Join(ctx, "room1"); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if alice.Current() != first {
		t.Fatalf("joining the current room must keep the session")
	}

	if err := alice.Join(ctx, "side-room"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if first.State() != StateClosed {
		t.Fatalf("previous session must be closed before the switch returns, got %v", first.State())
	}
	if n := b.ConsumerCount(proto.RoomQueueName("alice", "room1")); n != 0 {
		t.Fatalf("expected no consumers left on the old room queue, got %d", n)
	}
	if cur := alice.Current(); cur == nil || cur.Room() != "side-room" || cur.State() != StateActive {
		t.Fatalf("unexpected current session %+v", cur)
	}

	mustEvent(t, watcherEv.messages, text("[12:00:00] System: alice left the chat"))
	mustEvent(t, watcherEv.rooms, roomNamed("side-room"))
	if !watcher.Directory().Known("side-room") {
		t.Fatalf("switching must announce the new room")
	}
	if got := alice.Rooms(); len(got) != 4 {
		t.Fatalf("expected the new room listed, got %v", got)
	}
}

func TestChatRequiresRoom(t *testing.T) {
	b := memory.New()
	ctx := context.Background()
	c, _ := newTestChat(t, b, "alice")

	if err := c.Send(ctx, "hello"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected not connected, got %v", err)
	}
	if err := c.SendPrivate(ctx, "bob", "hello"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected not connected, got %v", err)
	}
	if err := c.Join(ctx, "  "); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected bad request, got %v", err)
	}
	if c.History() != nil {
		t.Fatalf("expected no history outside a room")
	}
}

func TestChatCloseIsIdempotent(t *testing.T) {
	b := memory.New()
	ctx := context.Background()
	c, _ := newTestChat(t, b, "alice")

	if err := c.Join(ctx, "room2"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := c.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if n := b.OpenConnections(); n != 0 {
		t.Fatalf("expected no open connections, got %d", n)
	}
	if err := c.Join(ctx, "room2"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed, got %v", err)
	}
}

func TestNewChatValidates(t *testing.T) {
	b := memory.New()
	dir := NewDirectory(b.Dialer(), DirectoryOptions{})

	if _, err := NewChat(b.Dialer(), "", dir, SessionOptions{}); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected bad request, got %v", err)
	}
	if _, err := NewChat(b.Dialer(), "alice", nil, SessionOptions{}); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected bad request, got %v", err)
	}
}

func TestChatRejoinAfterBrokerDrop(t *testing.T) {
	b := memory.New()
	ctx := context.Background()
	c, ev := newTestChat(t, b, "alice")

	if err := c.Join(ctx, "general"); err != nil {
		t.Fatalf("join: %v", err)
	}
	first := c.Current()

	b.Restart()
	mustEvent(t, ev.states, func(e StateEvent) bool { return e.NewState == StateUnconnected })

	if err := c.Join(ctx, "general"); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	second := c.Current()
	if second == first {
		t.Fatal("expected a fresh session after the broker dropped the old one")
	}
	if first.State() != StateClosed {
		t.Fatalf("expected old session closed, got %v", first.State())
	}
	if second.State() != StateActive {
		t.Fatalf("expected new session active, got %v", second.State())
	}
	if n := b.ConsumerCount(second.QueueName()); n != 1 {
		t.Fatalf("expected 1 room consumer, got %d", n)
	}
}
