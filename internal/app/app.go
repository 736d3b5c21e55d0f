package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Sou1ence/RabbitSimpleChat/internal/broker"
	"github.com/Sou1ence/RabbitSimpleChat/internal/broker/amqp"
	"github.com/Sou1ence/RabbitSimpleChat/internal/broker/memory"
	"github.com/Sou1ence/RabbitSimpleChat/internal/config"
	"github.com/Sou1ence/RabbitSimpleChat/internal/core"
	"github.com/Sou1ence/RabbitSimpleChat/internal/store"
	"github.com/Sou1ence/RabbitSimpleChat/internal/store/sqlite"
	"github.com/Sou1ence/RabbitSimpleChat/internal/terminal"
)

const shutdownTimeout = 5 * time.Second

// Options carries the per-run choices that are not part of the config file.
type Options struct {
	Nickname string
	Room     string
	// InMemory replaces the AMQP broker with a process-local one.
	InMemory bool
	In       io.Reader
	Out      io.Writer
}

// App wires together storage, the chat core and the terminal.
type App struct {
	room      string
	directory *core.RoomDirectory
	chat      *core.Chat
	term      *terminal.Terminal
	store     store.Store
	log       *zerolog.Logger
}

// New constructs the application with provided configuration.
func New(cfg *config.Config, opts Options, logger *zerolog.Logger) (*App, error) {
	a := &App{room: opts.Room, log: logger}

	seeds := append([]string(nil), cfg.Rooms.Defaults...)
	if cfg.Store.Enabled {
		st, err := sqlite.New(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("init store: %w", err)
		}
		a.store = st
		logger.Info().Str("db_path", cfg.Store.Path).Msg("database initialized")

		stored, err := st.ListRooms(context.Background())
		if err != nil {
			a.cleanup()
			return nil, fmt.Errorf("load rooms: %w", err)
		}
		for _, r := range stored {
			seeds = append(seeds, r.Name)
		}
	}

	var dialer broker.Dialer
	if opts.InMemory {
		dialer = memory.New().Dialer()
		logger.Warn().Msg("using in-process broker, messages stay on this machine")
	} else {
		dialer = amqp.NewDialer(amqp.Config{
			URL:            cfg.Broker.URL,
			Heartbeat:      cfg.Broker.Heartbeat,
			DialTimeout:    cfg.Broker.DialTimeout,
			ConnectionName: cfg.Broker.ConnectionName,
		})
	}

	dirOpts := core.DirectoryOptions{Seeds: seeds, Logger: logger}
	sessOpts := core.SessionOptions{
		LeaveGrace:   cfg.Session.LeaveGrace,
		HistoryLimit: cfg.Session.HistoryLimit,
		Logger:       logger,
	}
	termOpts := terminal.Options{HistoryLimit: cfg.Session.HistoryLimit, Logger: logger}
	if a.store != nil {
		dirOpts.Recorder = a.store
		sessOpts.Transcript = a.store
		termOpts.Transcript = a.store
	}

	a.directory = core.NewDirectory(dialer, dirOpts)
	chat, err := core.NewChat(dialer, opts.Nickname, a.directory, sessOpts)
	if err != nil {
		a.cleanup()
		return nil, err
	}
	a.chat = chat
	a.term = terminal.New(chat, opts.In, opts.Out, termOpts)
	return a, nil
}

// Run connects to the broker, enters the initial room and serves the terminal
// until it exits or ctx is cancelled. The current room is always left cleanly.
func (a *App) Run(ctx context.Context) error {
	defer a.cleanup()

	if err := a.directory.Connect(ctx); err != nil {
		_ = a.directory.Close()
		return fmt.Errorf("connect room directory: %w", err)
	}
	if a.room != "" {
		if err := a.chat.Join(ctx, a.room); err != nil {
			a.shutdown()
			return fmt.Errorf("join %s: %w", a.room, err)
		}
	}

	runCtx, stop := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer stop()
		return a.term.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	a.log.Info().Msg("leaving chat")
	if err := a.chat.Close(ctx); err != nil {
		a.log.Warn().Err(err).Msg("chat did not close cleanly")
		return err
	}
	return nil
}

// cleanup closes database and other resources.
func (a *App) cleanup() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
