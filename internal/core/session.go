package core

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sou1ence/RabbitSimpleChat/internal/broker"
	"github.com/Sou1ence/RabbitSimpleChat/internal/proto"
	"github.com/Sou1ence/RabbitSimpleChat/internal/store"
	"github.com/Sou1ence/RabbitSimpleChat/internal/utils"
)

const (
	// DefaultLeaveGrace is how long Close waits for the leave notice to flush.
	DefaultLeaveGrace = 200 * time.Millisecond

	contentType       = "text/plain; charset=utf-8"
	transcriptTimeout = 2 * time.Second
)

// TranscriptRecorder persists delivered messages.
type TranscriptRecorder interface {
	AppendTranscript(ctx context.Context, entry *store.TranscriptEntry) error
}

// SessionOptions tunes a RoomSession. Zero values select defaults.
type SessionOptions struct {
	// LeaveGrace is the flush window after the leave notice. Negative disables it.
	LeaveGrace time.Duration
	// HistoryLimit bounds the delivered log; 0 keeps everything.
	HistoryLimit int
	Now          func() time.Time
	Transcript   TranscriptRecorder
	Logger       *zerolog.Logger
	Dispatcher   *Dispatcher
}

// RoomSession is one user's membership in one room over its own broker
// connection.
type RoomSession struct {
	dialer       broker.Dialer
	nickname     string
	room         string
	queue        string
	privateQueue string

	leaveGrace time.Duration
	now        func() time.Time
	transcript TranscriptRecorder
	dispatcher *Dispatcher
	log        *zerolog.Logger
	history    *deliveredLog

	// opMu serializes Connect and the shutdown sequence.
	opMu sync.Mutex

	mu      sync.Mutex
	state   SessionState
	closing bool
	conn    broker.Connection
	ch      broker.Channel
	roomTag string
	privTag string
	// gen counts connections so consumers of an old one cannot tear down a newer one.
	gen uint64

	wg        sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
}

// NewSession builds an unconnected session for nickname in room.
func NewSession(dialer broker.Dialer, nickname, room string, opts SessionOptions) (*RoomSession, error) {
	nickname = strings.TrimSpace(nickname)
	room = strings.TrimSpace(room)
	if nickname == "" || room == "" {
		return nil, coreError(ErrCodeBadRequest, "new session", "nickname and room cannot be empty")
	}
	if dialer == nil {
		return nil, coreError(ErrCodeBadRequest, "new session", "no broker dialer")
	}

	grace := opts.LeaveGrace
	if grace == 0 {
		grace = DefaultLeaveGrace
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := orNop(opts.Logger).With().Str("nick", nickname).Str("room", room).Logger()
	dispatcher := opts.Dispatcher
	if dispatcher == nil {
		dispatcher = NewDispatcher(&logger)
	}

	return &RoomSession{
		dialer:       dialer,
		nickname:     nickname,
		room:         room,
		queue:        proto.RoomQueueName(nickname, room),
		privateQueue: proto.PrivateQueueName(nickname),
		leaveGrace:   grace,
		now:          now,
		transcript:   opts.Transcript,
		dispatcher:   dispatcher,
		log:          &logger,
		history:      newDeliveredLog(opts.HistoryLimit),
		done:         make(chan struct{}),
	}, nil
}

// Nickname returns the session's user.
func (s *RoomSession) Nickname() string { return s.nickname }

// Room returns the session's room.
func (s *RoomSession) Room() string { return s.room }

// QueueName returns the durable room backlog queue.
func (s *RoomSession) QueueName() string { return s.queue }

// PrivateQueueName returns the user's private inbox queue.
func (s *RoomSession) PrivateQueueName() string { return s.privateQueue }

// Dispatcher returns the callback registry events are delivered through.
func (s *RoomSession) Dispatcher() *Dispatcher { return s.dispatcher }

// State returns the current lifecycle stage.
func (s *RoomSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// History returns a copy of the messages delivered in this session, oldest first.
func (s *RoomSession) History() []string {
	return s.history.snapshot()
}

// Connect declares the topology, replays the room backlog, starts the room and
// private consumers and announces the join. On failure every resource is
// released and the session returns to StateUnconnected.
func (s *RoomSession) Connect(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	switch {
	case s.closing || s.state == StateClosed:
		s.mu.Unlock()
		return coreError(ErrCodeClosed, "connect", "session closed")
	case s.state != StateUnconnected:
		s.mu.Unlock()
		return coreError(ErrCodeAlreadyConnected, "connect", "session already connected")
	}
	s.mu.Unlock()

	s.setState(StateConnecting, nil)
	if err := s.open(ctx); err != nil {
		s.teardown()
		s.setState(StateUnconnected, err)
		s.log.Error().Err(err).Msg("connect failed")
		return err
	}
	s.setState(StateActive, nil)
	s.log.Info().Str("queue", s.queue).Msg("joined room")

	s.mu.Lock()
	conn, gen := s.conn, s.gen
	s.mu.Unlock()
	if conn != nil && conn.IsClosed() {
		go s.dropConnection(gen, "connection")
	}
	return nil
}

func (s *RoomSession) open(ctx context.Context) error {
	conn, err := s.dialer.Dial(ctx)
	if err != nil {
		return brokerError("dial", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	ch, err := conn.Channel()
	if err != nil {
		return brokerError("open channel", err)
	}
	s.mu.Lock()
	s.ch = ch
	s.mu.Unlock()

	if err := ch.ExchangeDeclare(proto.ChatExchange, broker.ExchangeTopic, true); err != nil {
		return brokerError("declare exchange", err)
	}
	if _, err := ch.QueueDeclare(broker.QueueSpec{Name: s.queue, Durable: true}); err != nil {
		return brokerError("declare room queue", err)
	}
	if err := ch.QueueBind(s.queue, s.room, proto.ChatExchange); err != nil {
		return brokerError("bind room queue", err)
	}
	if _, err := ch.QueueDeclare(broker.QueueSpec{Name: s.privateQueue, Durable: true}); err != nil {
		return brokerError("declare private queue", err)
	}

	returns := ch.NotifyReturn()
	s.wg.Add(1)
	go s.watchReturns(returns)

	replayed, err := s.replay(ctx, ch)
	if err != nil {
		return err
	}
	s.log.Debug().Int("count", replayed).Msg("history replayed")

	roomTag := utils.NewTag("room-" + s.nickname)
	roomDeliveries, err := ch.Consume(broker.ConsumeSpec{Queue: s.queue, Tag: roomTag})
	if err != nil {
		return brokerError("consume room queue", err)
	}
	s.mu.Lock()
	s.roomTag = roomTag
	s.mu.Unlock()
	s.wg.Add(1)
	go s.consumeRoom(gen, roomDeliveries)

	privTag := utils.NewTag("private-" + s.nickname)
	privDeliveries, err := ch.Consume(broker.ConsumeSpec{Queue: s.privateQueue, Tag: privTag, AutoAck: true})
	if err != nil {
		return brokerError("consume private queue", err)
	}
	s.mu.Lock()
	s.privTag = privTag
	s.mu.Unlock()
	s.wg.Add(1)
	go s.consumePrivate(gen, privDeliveries)

	if err := s.publishRoom(ctx, ch, proto.System(s.now(), proto.Joined(s.nickname))); err != nil {
		return brokerError("announce join", err)
	}
	return nil
}

// replay drains the backlog with basic.get until the queue is observed empty.
func (s *RoomSession) replay(ctx context.Context, ch broker.Channel) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, coreError(ErrCodeConnectivity, "replay history", err.Error())
		}
		d, ok, err := ch.Get(s.queue, false)
		if err != nil {
			return n, brokerError("replay history", err)
		}
		if !ok {
			return n, nil
		}
		s.acceptRoom(d, true)
		n++
	}
}

func (s *RoomSession) consumeRoom(gen uint64, deliveries <-chan broker.Delivery) {
	defer s.wg.Done()
	for d := range deliveries {
		s.acceptRoom(d, false)
	}
	s.consumerStopped(gen, "room consumer")
}

// acceptRoom is the single dedup path for room traffic, shared by replay and
// live consumption.
func (s *RoomSession) acceptRoom(d broker.Delivery, replayed bool) {
	text := string(d.Body)
	fresh := s.history.addRoom(text)
	if err := d.Ack(); err != nil {
		s.log.Warn().Err(err).Uint64("tag", d.DeliveryTag).Msg("ack failed")
	}
	if !fresh {
		s.log.Debug().Bool("redelivered", d.Redelivered).Msg("duplicate dropped")
		return
	}
	s.record(text, false)
	s.dispatcher.message(MessageEvent{Room: s.room, Text: text, Replayed: replayed})
}

func (s *RoomSession) consumePrivate(gen uint64, deliveries <-chan broker.Delivery) {
	defer s.wg.Done()
	for d := range deliveries {
		text := string(d.Body)
		s.history.addPrivate(text)
		s.record(text, true)
		s.dispatcher.message(MessageEvent{Room: s.room, Text: text, Private: true})
	}
	s.consumerStopped(gen, "private consumer")
}

// consumerStopped handles a delivery channel that closed while the session was
// active and nobody asked it to: the broker dropped the channel or connection.
func (s *RoomSession) consumerStopped(gen uint64, which string) {
	s.mu.Lock()
	unexpected := !s.closing && s.state == StateActive && s.gen == gen
	s.mu.Unlock()
	if unexpected {
		// teardown waits for this goroutine, so the drop runs on its own.
		go s.dropConnection(gen, which)
	}
}

// dropConnection releases a connection the broker closed underneath an active
// session and returns the session to StateUnconnected so it can be connected
// again.
func (s *RoomSession) dropConnection(gen uint64, which string) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	stale := s.closing || s.state != StateActive || s.gen != gen
	s.mu.Unlock()
	if stale {
		return
	}

	err := coreError(ErrCodeConnectivity, "consume", which+" stopped: broker connection lost")
	s.log.Error().Err(err).Msg("connection lost")
	s.teardown()
	s.setState(StateUnconnected, err)
}

func (s *RoomSession) watchReturns(returns <-chan broker.Return) {
	defer s.wg.Done()
	for r := range returns {
		recipient, ok := proto.RecipientFromQueue(r.RoutingKey)
		if !ok {
			recipient = r.RoutingKey
		}
		err := &CoreError{
			Code:    ErrCodeRecipientUnreachable,
			Op:      "send private message",
			Message: "recipient " + recipient + " not reachable: " + r.ReplyText,
		}
		s.log.Warn().Str("recipient", recipient).Uint16("code", r.ReplyCode).Msg("private message returned")
		s.dispatcher.deliveryFailure(DeliveryFailure{Recipient: recipient, Text: string(r.Body), Error: err})
	}
}

func (s *RoomSession) record(text string, private bool) {
	if s.transcript == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), transcriptTimeout)
	defer cancel()
	err := s.transcript.AppendTranscript(ctx, &store.TranscriptEntry{
		Nickname:  s.nickname,
		Room:      s.room,
		Text:      text,
		Private:   private,
		CreatedAt: s.now(),
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("transcript append failed")
	}
}

// SendMessage publishes a chat message to the room. The sender sees it once it
// comes back through their own room queue.
func (s *RoomSession) SendMessage(ctx context.Context, body string) error {
	ch, err := s.activeChannel("send message")
	if err != nil {
		return err
	}
	if err := s.publishRoom(ctx, ch, proto.Chat(s.now(), s.nickname, body)); err != nil {
		return brokerError("send message", err)
	}
	return nil
}

// SendPrivateMessage publishes directly to recipient's private queue. An
// unknown recipient is reported asynchronously through OnDeliveryFailure.
func (s *RoomSession) SendPrivateMessage(ctx context.Context, recipient, body string) error {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return coreError(ErrCodeBadRequest, "send private message", "recipient cannot be empty")
	}
	ch, err := s.activeChannel("send private message")
	if err != nil {
		return err
	}
	err = ch.Publish(ctx, broker.Publishing{
		Exchange:    broker.DefaultExchange,
		RoutingKey:  proto.PrivateQueueName(recipient),
		Body:        []byte(proto.Private(s.now(), s.nickname, body)),
		ContentType: contentType,
		MessageID:   utils.NewID(),
		Timestamp:   s.now(),
		Persistent:  true,
		Mandatory:   true,
	})
	if err != nil {
		return brokerError("send private message", err)
	}
	return nil
}

// SendSystemMessage publishes a system notice through the room path.
func (s *RoomSession) SendSystemMessage(ctx context.Context, body string) error {
	ch, err := s.activeChannel("send system message")
	if err != nil {
		return err
	}
	if err := s.publishRoom(ctx, ch, proto.System(s.now(), body)); err != nil {
		return brokerError("send system message", err)
	}
	return nil
}

func (s *RoomSession) activeChannel(op string) (broker.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive || s.ch == nil {
		return nil, coreError(ErrCodeNotConnected, op, "session is "+s.state.String())
	}
	return s.ch, nil
}

func (s *RoomSession) publishRoom(ctx context.Context, ch broker.Channel, text string) error {
	return ch.Publish(ctx, broker.Publishing{
		Exchange:    proto.ChatExchange,
		RoutingKey:  s.room,
		Body:        []byte(text),
		ContentType: contentType,
		MessageID:   utils.NewID(),
		Timestamp:   s.now(),
		Persistent:  true,
	})
}

// Close leaves the room: it cancels the room consumer, publishes the leave
// notice, waits for the flush window and disconnects. The returned channel is
// closed once the session is fully stopped. Close is idempotent.
func (s *RoomSession) Close() <-chan struct{} {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()
		go s.shutdown()
	})
	return s.done
}

func (s *RoomSession) shutdown() {
	defer close(s.done)
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	state, ch, roomTag := s.state, s.ch, s.roomTag
	s.mu.Unlock()

	if state != StateActive {
		s.teardown()
		s.setState(StateClosed, nil)
		return
	}

	s.setState(StateDraining, nil)
	if err := ch.Cancel(roomTag); err != nil {
		s.log.Warn().Err(err).Msg("cancel room consumer failed")
	}
	s.mu.Lock()
	s.roomTag = ""
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), max(s.leaveGrace, time.Second))
	err := s.publishRoom(ctx, ch, proto.System(s.now(), proto.Left(s.nickname)))
	cancel()
	if err != nil {
		s.log.Warn().Err(err).Msg("leave notice not sent")
	} else if s.leaveGrace > 0 {
		time.Sleep(s.leaveGrace)
	}

	s.teardown()
	s.setState(StateClosed, nil)
	s.log.Info().Msg("left room")
}

// teardown releases the channel and connection and waits for every consumer
// goroutine to exit.
func (s *RoomSession) teardown() {
	s.mu.Lock()
	conn, ch := s.conn, s.ch
	s.conn, s.ch = nil, nil
	s.roomTag, s.privTag = "", ""
	s.mu.Unlock()

	if ch != nil {
		if err := ch.Close(); err != nil {
			s.log.Warn().Err(err).Msg("close channel failed")
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			s.log.Warn().Err(err).Msg("close connection failed")
		}
	}
	s.wg.Wait()
}

func (s *RoomSession) setState(next SessionState, cause error) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev == next {
		return
	}
	s.dispatcher.stateChange(StateEvent{Room: s.room, OldState: prev, NewState: next, Error: cause})
}
