package core

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sou1ence/RabbitSimpleChat/internal/broker"
	"github.com/Sou1ence/RabbitSimpleChat/internal/proto"
	"github.com/Sou1ence/RabbitSimpleChat/internal/utils"
)

// DefaultRooms seed every directory.
var DefaultRooms = []string{"room1", "room2", "room3"}

const saveRoomTimeout = 2 * time.Second

// RoomRecorder persists learned room names.
type RoomRecorder interface {
	SaveRoom(ctx context.Context, name string) error
}

// DirectoryOptions tunes a RoomDirectory.
type DirectoryOptions struct {
	// Seeds are the rooms known before any broadcast; nil selects DefaultRooms.
	Seeds      []string
	Recorder   RoomRecorder
	Logger     *zerolog.Logger
	Dispatcher *Dispatcher
}

// RoomDirectory is the process-local view of every room ever announced. The
// set only grows.
type RoomDirectory struct {
	dialer     broker.Dialer
	recorder   RoomRecorder
	dispatcher *Dispatcher
	log        *zerolog.Logger

	mu         sync.Mutex
	rooms      map[string]struct{}
	conn       broker.Connection
	ch         broker.Channel
	tag        string
	connecting bool
	closed     bool

	wg sync.WaitGroup
}

// NewDirectory returns a directory seeded from opts.
func NewDirectory(dialer broker.Dialer, opts DirectoryOptions) *RoomDirectory {
	logger := orNop(opts.Logger).With().Str("component", "directory").Logger()
	dispatcher := opts.Dispatcher
	if dispatcher == nil {
		dispatcher = NewDispatcher(&logger)
	}
	seeds := opts.Seeds
	if seeds == nil {
		seeds = DefaultRooms
	}

	d := &RoomDirectory{
		dialer:     dialer,
		recorder:   opts.Recorder,
		dispatcher: dispatcher,
		log:        &logger,
		rooms:      make(map[string]struct{}, len(seeds)),
	}
	for _, name := range seeds {
		if name = strings.TrimSpace(name); name != "" {
			d.rooms[name] = struct{}{}
		}
	}
	return d
}

// Dispatcher returns the callback registry discoveries are delivered through.
func (d *RoomDirectory) Dispatcher() *Dispatcher { return d.dispatcher }

// Connect subscribes to room announcements. On failure no broker resources are
// held and the known rooms are left untouched.
func (d *RoomDirectory) Connect(ctx context.Context) error {
	d.mu.Lock()
	switch {
	case d.closed:
		d.mu.Unlock()
		return coreError(ErrCodeClosed, "connect directory", "directory closed")
	case d.conn != nil || d.connecting:
		d.mu.Unlock()
		return coreError(ErrCodeAlreadyConnected, "connect directory", "directory already connected")
	}
	d.connecting = true
	d.mu.Unlock()

	conn, ch, tag, deliveries, err := d.subscribe(ctx)

	d.mu.Lock()
	d.connecting = false
	if err != nil {
		d.mu.Unlock()
		d.log.Error().Err(err).Msg("connect failed")
		return err
	}
	if d.closed {
		d.mu.Unlock()
		_ = ch.Close()
		_ = conn.Close()
		return coreError(ErrCodeClosed, "connect directory", "directory closed")
	}
	d.conn, d.ch, d.tag = conn, ch, tag
	d.mu.Unlock()

	d.wg.Add(1)
	go d.listen(conn, ch, deliveries)
	d.log.Info().Str("exchange", proto.RoomListExchange).Msg("listening for rooms")
	return nil
}

func (d *RoomDirectory) subscribe(ctx context.Context) (broker.Connection, broker.Channel, string, <-chan broker.Delivery, error) {
	conn, err := d.dialer.Dial(ctx)
	if err != nil {
		return nil, nil, "", nil, brokerError("dial", err)
	}
	fail := func(op string, err error) (broker.Connection, broker.Channel, string, <-chan broker.Delivery, error) {
		_ = conn.Close()
		return nil, nil, "", nil, brokerError(op, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		return fail("open channel", err)
	}
	if err := ch.ExchangeDeclare(proto.RoomListExchange, broker.ExchangeFanout, true); err != nil {
		return fail("declare exchange", err)
	}
	queue, err := ch.QueueDeclare(broker.QueueSpec{Exclusive: true, AutoDelete: true})
	if err != nil {
		return fail("declare queue", err)
	}
	if err := ch.QueueBind(queue, "", proto.RoomListExchange); err != nil {
		return fail("bind queue", err)
	}
	tag := utils.NewTag("rooms")
	deliveries, err := ch.Consume(broker.ConsumeSpec{Queue: queue, Tag: tag, AutoAck: true, Exclusive: true})
	if err != nil {
		return fail("consume", err)
	}
	return conn, ch, tag, deliveries, nil
}

func (d *RoomDirectory) listen(conn broker.Connection, ch broker.Channel, deliveries <-chan broker.Delivery) {
	defer d.wg.Done()
	for msg := range deliveries {
		name := strings.TrimSpace(string(msg.Body))
		if name == "" || !d.learn(name) {
			continue
		}
		d.log.Debug().Str("room", name).Msg("room discovered")
		d.save(name)
		d.dispatcher.roomDiscovered(RoomEvent{Name: name})
	}

	// The subscription ended without Close: the broker dropped it. Release it so
	// Connect can subscribe again.
	d.mu.Lock()
	lost := !d.closed && d.ch == ch
	if lost {
		d.conn, d.ch, d.tag = nil, nil, ""
	}
	d.mu.Unlock()
	if lost {
		d.log.Error().Msg("room listener stopped: broker connection lost")
		_ = conn.Close()
	}
}

// learn adds name and reports whether it was previously unknown.
func (d *RoomDirectory) learn(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, known := d.rooms[name]; known {
		return false
	}
	d.rooms[name] = struct{}{}
	return true
}

func (d *RoomDirectory) save(name string) {
	if d.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), saveRoomTimeout)
	defer cancel()
	if err := d.recorder.SaveRoom(ctx, name); err != nil {
		d.log.Warn().Err(err).Str("room", name).Msg("save room failed")
	}
}

// Announce records name locally and broadcasts it to every participant. Blank
// and already known names are ignored. The name stays known even when the
// broadcast fails. It reports whether name was new.
func (d *RoomDirectory) Announce(ctx context.Context, name string) (bool, error) {
	name = strings.TrimSpace(name)
	if name == "" || !d.learn(name) {
		return false, nil
	}
	d.save(name)

	d.mu.Lock()
	ch := d.ch
	d.mu.Unlock()
	if ch == nil {
		return true, coreError(ErrCodeNotConnected, "announce room", "directory not connected")
	}

	err := ch.Publish(ctx, broker.Publishing{
		Exchange:    proto.RoomListExchange,
		Body:        []byte(name),
		ContentType: contentType,
		MessageID:   utils.NewID(),
		Timestamp:   time.Now(),
	})
	if err != nil {
		d.log.Warn().Err(err).Str("room", name).Msg("announce failed")
		return true, brokerError("announce room", err)
	}
	d.log.Info().Str("room", name).Msg("room announced")
	return true, nil
}

// Connected reports whether the directory is subscribed to room announcements.
func (d *RoomDirectory) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ch != nil
}

// Known reports whether name is in the directory.
func (d *RoomDirectory) Known(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.rooms[strings.TrimSpace(name)]
	return ok
}

// Rooms returns a sorted snapshot of the known rooms.
func (d *RoomDirectory) Rooms() []string {
	d.mu.Lock()
	out := make([]string, 0, len(d.rooms))
	for name := range d.rooms {
		out = append(out, name)
	}
	d.mu.Unlock()
	slices.Sort(out)
	return out
}

// Close stops the listener and releases the subscription. It is idempotent.
func (d *RoomDirectory) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	conn, ch, tag := d.conn, d.ch, d.tag
	d.conn, d.ch, d.tag = nil, nil, ""
	d.mu.Unlock()

	if ch != nil {
		if err := ch.Cancel(tag); err != nil {
			d.log.Debug().Err(err).Msg("cancel listener failed")
		}
		if err := ch.Close(); err != nil {
			d.log.Warn().Err(err).Msg("close channel failed")
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			d.log.Warn().Err(err).Msg("close connection failed")
		}
	}
	d.wg.Wait()
	return nil
}
