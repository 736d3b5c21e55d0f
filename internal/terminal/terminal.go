// Package terminal is a line-oriented chat frontend: it reads commands from
// an input stream and prints core events as they arrive.
package terminal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Sou1ence/RabbitSimpleChat/internal/core"
	"github.com/Sou1ence/RabbitSimpleChat/internal/proto"
	"github.com/Sou1ence/RabbitSimpleChat/internal/store"
)

const defaultHistoryLimit = 50

// Chat is the part of core.Chat the terminal drives.
type Chat interface {
	Nickname() string
	Room() string
	Dispatcher() *core.Dispatcher
	Join(ctx context.Context, room string) error
	Send(ctx context.Context, body string) error
	SendPrivate(ctx context.Context, recipient, body string) error
	Announce(ctx context.Context, room string) (bool, error)
	Rooms() []string
	History() []string
}

// Options tunes a Terminal.
type Options struct {
	// Transcript backs /history when the live session has nothing yet.
	Transcript   store.TranscriptStore
	HistoryLimit int
	Logger       *zerolog.Logger
}

// Terminal bridges a Chat to a pair of text streams.
type Terminal struct {
	chat         Chat
	transcript   store.TranscriptStore
	historyLimit int
	in           io.Reader
	log          *zerolog.Logger

	mu       sync.Mutex
	out      io.Writer
	presence map[string]map[string]struct{}
}

// New builds a terminal and registers it for chat's events.
func New(chat Chat, in io.Reader, out io.Writer, opts Options) *Terminal {
	limit := opts.HistoryLimit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	logger := opts.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	t := &Terminal{
		chat:         chat,
		transcript:   opts.Transcript,
		historyLimit: limit,
		in:           in,
		out:          out,
		log:          logger,
		presence:     make(map[string]map[string]struct{}),
	}

	d := chat.Dispatcher()
	d.SetOnMessage(t.onMessage)
	d.SetOnRoomDiscovered(func(ev core.RoomEvent) {
		t.printf("* new room available: %s", ev.Name)
	})
	d.SetOnDeliveryFailure(func(ev core.DeliveryFailure) {
		t.printf("! %s is not reachable, message not delivered", ev.Recipient)
	})
	d.SetOnStateChange(func(ev core.StateEvent) {
		if ev.Error != nil {
			t.log.Warn().Err(ev.Error).Str("room", ev.Room).Str("state", ev.NewState.String()).Msg("session state changed")
		}
	})
	return t
}

// Run reads commands until /quit, end of input or ctx is done.
func (t *Terminal) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go t.readLoop(ctx, lines, readErr)

	t.printf("Connected as %s. Type /help for commands.", t.chat.Nickname())
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			quit, err := t.handle(ctx, line)
			if err != nil {
				t.printf("! %v", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func (t *Terminal) readLoop(ctx context.Context, lines chan<- string, readErr chan<- error) {
	scanner := bufio.NewScanner(t.in)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		readErr <- fmt.Errorf("read input: %w", err)
		return
	}
	readErr <- nil
}

func (t *Terminal) handle(ctx context.Context, line string) (bool, error) {
	cmd, err := parseCommand(line)
	if err != nil {
		return false, err
	}

	switch cmd.Kind {
	case CommandNone:
	case CommandSay:
		return false, t.chat.Send(ctx, cmd.Text)
	case CommandPrivate:
		if err := t.chat.SendPrivate(ctx, cmd.Target, cmd.Text); err != nil {
			return false, err
		}
		t.printf("(to %s) %s", cmd.Target, cmd.Text)
	case CommandJoin:
		if err := t.chat.Join(ctx, cmd.Target); err != nil {
			return false, err
		}
		t.printf("* you are in %s", t.chat.Room())
	case CommandNew:
		added, err := t.chat.Announce(ctx, cmd.Target)
		switch {
		case !added && err == nil:
			t.printf("* room %s already exists", strings.TrimSpace(cmd.Target))
		case errors.Is(err, core.ErrNotConnected):
			t.printf("* room %s added locally, not broadcast", strings.TrimSpace(cmd.Target))
		case err != nil:
			return false, err
		default:
			t.printf("* room %s created", strings.TrimSpace(cmd.Target))
		}
	case CommandRooms:
		t.printRooms()
	case CommandHistory:
		return false, t.printHistory(ctx)
	case CommandUsers:
		t.printUsers()
	case CommandHelp:
		t.printf("%s", helpText)
	case CommandQuit:
		return true, nil
	}
	return false, nil
}

func (t *Terminal) onMessage(ev core.MessageEvent) {
	if env, ok := proto.Parse(ev.Text); ok {
		t.track(ev.Room, env)
	}
	t.printf("%s", ev.Text)
}

// track keeps a best-effort roster from join and leave notices and from chat
// senders.
func (t *Terminal) track(room string, env proto.Envelope) {
	t.mu.Lock()
	defer t.mu.Unlock()

	users, ok := t.presence[room]
	if !ok {
		users = make(map[string]struct{})
		t.presence[room] = users
	}
	if nick, joined, ok := proto.Presence(env); ok {
		if joined {
			users[nick] = struct{}{}
		} else {
			delete(users, nick)
		}
		return
	}
	if env.Kind == proto.KindChat {
		users[env.Sender] = struct{}{}
	}
}

func (t *Terminal) printRooms() {
	current := t.chat.Room()
	var b strings.Builder
	b.WriteString("Rooms:")
	for _, name := range t.chat.Rooms() {
		marker := " "
		if name == current {
			marker = "*"
		}
		fmt.Fprintf(&b, "\n %s %s", marker, name)
	}
	t.printf("%s", b.String())
}

func (t *Terminal) printUsers() {
	room := t.chat.Room()
	if room == "" {
		t.printf("! not in a room")
		return
	}

	t.mu.Lock()
	users := make([]string, 0, len(t.presence[room]))
	for nick := range t.presence[room] {
		users = append(users, nick)
	}
	t.mu.Unlock()
	slices.Sort(users)

	if len(users) == 0 {
		t.printf("* nobody seen in %s yet", room)
		return
	}
	t.printf("* in %s: %s", room, strings.Join(users, ", "))
}

func (t *Terminal) printHistory(ctx context.Context) error {
	room := t.chat.Room()
	if room == "" {
		return &core.CoreError{Code: core.ErrCodeNotConnected, Op: "/history", Message: "not in a room"}
	}

	lines := t.chat.History()
	if len(lines) == 0 && t.transcript != nil {
		entries, err := t.transcript.ListTranscript(ctx, t.chat.Nickname(), room, t.historyLimit)
		if err != nil {
			return fmt.Errorf("load transcript: %w", err)
		}
		for _, e := range entries {
			lines = append(lines, e.Text)
		}
	}
	if len(lines) > t.historyLimit {
		lines = lines[len(lines)-t.historyLimit:]
	}

	if len(lines) == 0 {
		t.printf("* no messages in %s yet", room)
		return nil
	}
	t.printf("--- history of %s ---\n%s\n---", room, strings.Join(lines, "\n"))
	return nil
}

func (t *Terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format+"\n", args...)
}
