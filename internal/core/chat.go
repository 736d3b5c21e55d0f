package core

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Sou1ence/RabbitSimpleChat/internal/broker"
)

// Chat coordinates one user's room switches: at most one RoomSession is live
// and a new one is only connected after the previous one has fully stopped.
type Chat struct {
	dialer     broker.Dialer
	nickname   string
	directory  *RoomDirectory
	opts       SessionOptions
	dispatcher *Dispatcher
	log        *zerolog.Logger

	// switchMu serializes Join and Close.
	switchMu sync.Mutex

	mu      sync.Mutex
	current *RoomSession
	closed  bool
}

// NewChat builds a coordinator for nickname. Sessions share the directory's
// dispatcher unless opts names another one.
func NewChat(dialer broker.Dialer, nickname string, directory *RoomDirectory, opts SessionOptions) (*Chat, error) {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		return nil, coreError(ErrCodeBadRequest, "new chat", "nickname cannot be empty")
	}
	if directory == nil {
		return nil, coreError(ErrCodeBadRequest, "new chat", "no room directory")
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = directory.Dispatcher()
	}
	logger := orNop(opts.Logger).With().Str("nick", nickname).Logger()
	opts.Logger = orNop(opts.Logger)

	return &Chat{
		dialer:     dialer,
		nickname:   nickname,
		directory:  directory,
		opts:       opts,
		dispatcher: opts.Dispatcher,
		log:        &logger,
	}, nil
}

// Nickname returns the user's nickname.
func (c *Chat) Nickname() string { return c.nickname }

// Dispatcher returns the callback registry shared by the directory and sessions.
func (c *Chat) Dispatcher() *Dispatcher { return c.dispatcher }

// Directory returns the room directory.
func (c *Chat) Directory() *RoomDirectory { return c.directory }

// Current returns the live session, or nil.
func (c *Chat) Current() *RoomSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Room returns the current room, or "" outside a room.
func (c *Chat) Room() string {
	if s := c.Current(); s != nil {
		return s.Room()
	}
	return ""
}

// Join enters room. The room is announced, the previous session is closed and
// awaited, then a new session connects. Joining the current room is a no-op.
func (c *Chat) Join(ctx context.Context, room string) error {
	room = strings.TrimSpace(room)
	if room == "" {
		return coreError(ErrCodeBadRequest, "join", "room cannot be empty")
	}

	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return coreError(ErrCodeClosed, "join", "chat closed")
	}
	prev := c.current
	c.mu.Unlock()

	if prev != nil && prev.Room() == room && prev.State() == StateActive {
		return nil
	}

	if _, err := c.directory.Announce(ctx, room); err != nil {
		c.log.Warn().Err(err).Str("room", room).Msg("room announce failed")
	}

	if prev != nil {
		if err := c.await(ctx, prev); err != nil {
			return err
		}
		c.mu.Lock()
		c.current = nil
		c.mu.Unlock()
	}

	next, err := NewSession(c.dialer, c.nickname, room, c.opts)
	if err != nil {
		return err
	}
	if err := next.Connect(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.current = next
	c.mu.Unlock()
	c.log.Info().Str("room", room).Msg("switched room")
	return nil
}

// await closes s and blocks until it has fully stopped or ctx ends.
func (c *Chat) await(ctx context.Context, s *RoomSession) error {
	select {
	case <-s.Close():
		return nil
	case <-ctx.Done():
		return coreError(ErrCodeConnectivity, "leave "+s.Room(), ctx.Err().Error())
	}
}

// Send publishes a chat message to the current room.
func (c *Chat) Send(ctx context.Context, body string) error {
	s := c.Current()
	if s == nil {
		return coreError(ErrCodeNotConnected, "send message", "not in a room")
	}
	return s.SendMessage(ctx, body)
}

// SendPrivate publishes a private message to recipient.
func (c *Chat) SendPrivate(ctx context.Context, recipient, body string) error {
	s := c.Current()
	if s == nil {
		return coreError(ErrCodeNotConnected, "send private message", "not in a room")
	}
	return s.SendPrivateMessage(ctx, recipient, body)
}

// Announce broadcasts a new room without entering it.
func (c *Chat) Announce(ctx context.Context, room string) (bool, error) {
	return c.directory.Announce(ctx, room)
}

// Rooms returns the known rooms.
func (c *Chat) Rooms() []string {
	return c.directory.Rooms()
}

// History returns the current session's delivered messages.
func (c *Chat) History() []string {
	s := c.Current()
	if s == nil {
		return nil
	}
	return s.History()
}

// Close leaves the current room and then shuts the directory down. It is
// idempotent.
func (c *Chat) Close(ctx context.Context) error {
	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	s := c.current
	c.current = nil
	c.mu.Unlock()

	var err error
	if s != nil {
		err = c.await(ctx, s)
	}
	if cerr := c.directory.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
