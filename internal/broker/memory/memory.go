// Package memory is an in-process broker implementing the AMQP semantics the
// chat core depends on: topic/fanout/direct and default-exchange routing,
// durable and server-named queues, basic.get, manual and automatic
// acknowledgment, redelivery of unacked messages when a channel closes, and
// mandatory returns.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/Sou1ence/RabbitSimpleChat/internal/broker"
)

// Operation names accepted by FailNext.
const (
	OpDial            = "dial"
	OpChannel         = "channel.open"
	OpExchangeDeclare = "exchange.declare"
	OpQueueDeclare    = "queue.declare"
	OpQueueBind       = "queue.bind"
	OpPublish         = "basic.publish"
	OpGet             = "basic.get"
	OpConsume         = "basic.consume"
	OpCancel          = "basic.cancel"
)

// Broker is a process-local message broker. The zero value is not usable;
// create one with New.
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]*exchange
	queues    map[string]*queue
	conns     map[*Connection]struct{}
	faults    map[string][]error
	seq       int
}

type exchange struct {
	name     string
	kind     broker.ExchangeKind
	durable  bool
	bindings []binding
}

type binding struct {
	queue string
	key   string
}

type message struct {
	exchange    string
	routingKey  string
	messageID   string
	body        []byte
	persistent  bool
	redelivered bool
}

type queue struct {
	name       string
	durable    bool
	exclusive  bool
	autoDelete bool
	owner      *Connection
	ready      []message
	consumers  []*consumer
	next       int
	// everConsumed tracks whether an auto-delete queue has had a consumer.
	everConsumed bool
}

// New returns an empty broker.
func New() *Broker {
	return &Broker{
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
		conns:     make(map[*Connection]struct{}),
		faults:    make(map[string][]error),
	}
}

// Dialer returns a broker.Dialer producing connections to b.
func (b *Broker) Dialer() broker.Dialer {
	return dialer{b: b}
}

type dialer struct {
	b *Broker
}

func (d dialer) Dial(ctx context.Context) (broker.Connection, error) {
	return d.b.Connect(ctx)
}

// Connect opens a connection.
func (b *Broker) Connect(ctx context.Context) (*Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("dial: %w: %w", broker.ErrConnectivity, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFault(OpDial); err != nil {
		return nil, err
	}
	c := &Connection{b: b, channels: make(map[*Channel]struct{})}
	b.conns[c] = struct{}{}
	return c, nil
}

// FailNext makes the next call of op fail with err wrapped as a protocol error
// (or a connectivity error for OpDial and OpChannel).
func (b *Broker) FailNext(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults[op] = append(b.faults[op], err)
}

func (b *Broker) takeFault(op string) error {
	errs := b.faults[op]
	if len(errs) == 0 {
		return nil
	}
	err := errs[0]
	b.faults[op] = errs[1:]
	kind := broker.ErrProtocol
	if op == OpDial || op == OpChannel {
		kind = broker.ErrConnectivity
	}
	return fmt.Errorf("%s: %w: %w", op, kind, err)
}

// Restart simulates a broker restart: every connection is dropped, non-durable
// exchanges and queues vanish and durable queues keep only persistent messages.
func (b *Broker) Restart() {
	b.mu.Lock()
	conns := make([]*Connection, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for name, ex := range b.exchanges {
		if !ex.durable {
			delete(b.exchanges, name)
		}
	}
	for name, q := range b.queues {
		if !q.durable {
			b.deleteQueueLocked(name)
			continue
		}
		kept := q.ready[:0]
		for _, m := range q.ready {
			if m.persistent {
				kept = append(kept, m)
			}
		}
		q.ready = kept
	}
}

// QueueDepth reports the number of ready messages in queue and whether it exists.
func (b *Broker) QueueDepth(name string) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return 0, false
	}
	return len(q.ready), true
}

// ConsumerCount reports the number of active consumers on queue.
func (b *Broker) ConsumerCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return 0
	}
	return len(q.consumers)
}

// HasQueue reports whether queue exists.
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// Bindings returns the routing keys binding queue to exchange.
func (b *Broker) Bindings(exchangeName, queueName string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return nil
	}
	var keys []string
	for _, bd := range ex.bindings {
		if bd.queue == queueName {
			keys = append(keys, bd.key)
		}
	}
	return keys
}

// Exchange reports the kind and durability of a declared exchange.
func (b *Broker) Exchange(name string) (broker.ExchangeKind, bool, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[name]
	if !ok {
		return "", false, false
	}
	return ex.kind, ex.durable, true
}

// OpenConnections reports the number of connections not yet closed.
func (b *Broker) OpenConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Seed enqueues body directly onto queue, bypassing exchanges.
func (b *Broker) Seed(queueName string, bodies ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return fmt.Errorf("seed %s: %w: no queue", queueName, broker.ErrProtocol)
	}
	for _, body := range bodies {
		q.ready = append(q.ready, message{routingKey: queueName, body: []byte(body), persistent: true})
	}
	b.dispatchLocked(q)
	return nil
}

func (b *Broker) deleteQueueLocked(name string) {
	q, ok := b.queues[name]
	if !ok {
		return
	}
	for _, c := range q.consumers {
		c.stop()
	}
	q.consumers = nil
	delete(b.queues, name)
	for _, ex := range b.exchanges {
		kept := ex.bindings[:0]
		for _, bd := range ex.bindings {
			if bd.queue != name {
				kept = append(kept, bd)
			}
		}
		ex.bindings = kept
	}
}

func (b *Broker) route(ex *exchange, key string) []*queue {
	seen := make(map[string]struct{})
	var out []*queue
	for _, bd := range ex.bindings {
		if _, dup := seen[bd.queue]; dup {
			continue
		}
		var match bool
		switch ex.kind {
		case broker.ExchangeFanout:
			match = true
		case broker.ExchangeDirect:
			match = bd.key == key
		case broker.ExchangeTopic:
			match = TopicMatch(bd.key, key)
		}
		if !match {
			continue
		}
		if q, ok := b.queues[bd.queue]; ok {
			seen[bd.queue] = struct{}{}
			out = append(out, q)
		}
	}
	return out
}

// dispatchLocked hands ready messages to consumers in round-robin order.
func (b *Broker) dispatchLocked(q *queue) {
	for len(q.ready) > 0 && len(q.consumers) > 0 {
		if q.next >= len(q.consumers) {
			q.next = 0
		}
		c := q.consumers[q.next]
		q.next++

		m := q.ready[0]
		q.ready = q.ready[1:]
		c.push(c.ch.deliveryLocked(q.name, m, c.autoAck))
	}
}

// TopicMatch reports whether routing key matches an AMQP topic binding
// pattern, where "*" matches one word and "#" matches zero or more words.
func TopicMatch(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			rest := pattern[1:]
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(rest, key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}

// Connection is a connection to a memory Broker.
type Connection struct {
	b        *Broker
	closed   bool
	channels map[*Channel]struct{}
}

// Channel opens a channel on the connection.
func (c *Connection) Channel() (broker.Channel, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("open channel: %w", broker.ErrClosed)
	}
	if err := c.b.takeFault(OpChannel); err != nil {
		return nil, err
	}
	ch := &Channel{
		conn:    c,
		unacked: make(map[uint64]pending),
		tags:    make(map[string]*consumer),
	}
	c.channels[ch] = struct{}{}
	return ch, nil
}

// IsClosed reports whether Close has been called.
func (c *Connection) IsClosed() bool {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	return c.closed
}

// Close closes every channel and deletes the exclusive queues owned by c.
func (c *Connection) Close() error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		return nil
	}
	for ch := range c.channels {
		ch.closeLocked()
	}
	c.closed = true
	for name, q := range c.b.queues {
		if q.exclusive && q.owner == c {
			c.b.deleteQueueLocked(name)
		}
	}
	delete(c.b.conns, c)
	return nil
}

type pending struct {
	queue string
	msg   message
}

// Channel is a channel on a memory Connection.
type Channel struct {
	conn    *Connection
	closed  bool
	seq     uint64
	unacked map[uint64]pending
	tags    map[string]*consumer
	returns []chan broker.Return
}

func (ch *Channel) deliveryLocked(queueName string, m message, autoAck bool) broker.Delivery {
	ch.seq++
	d := broker.Delivery{
		DeliveryTag: ch.seq,
		Redelivered: m.redelivered,
		Exchange:    m.exchange,
		RoutingKey:  m.routingKey,
		MessageID:   m.messageID,
		Body:        append([]byte(nil), m.body...),
	}
	if !autoAck {
		ch.unacked[ch.seq] = pending{queue: queueName, msg: m}
		d.Acknowledger = ch
	}
	return d
}

func (ch *Channel) broker() *Broker { return ch.conn.b }

func (ch *Channel) ExchangeDeclare(name string, kind broker.ExchangeKind, durable bool) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return fmt.Errorf("exchange declare %s: %w", name, broker.ErrClosed)
	}
	if err := b.takeFault(OpExchangeDeclare); err != nil {
		return err
	}
	if name == "" || strings.HasPrefix(name, "amq.") {
		return fmt.Errorf("exchange declare %q: %w: access refused", name, broker.ErrProtocol)
	}
	switch kind {
	case broker.ExchangeTopic, broker.ExchangeFanout, broker.ExchangeDirect:
	default:
		return fmt.Errorf("exchange declare %s: %w: unknown kind %q", name, broker.ErrProtocol, kind)
	}
	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind || ex.durable != durable {
			return fmt.Errorf("exchange declare %s: %w: inequivalent arguments", name, broker.ErrProtocol)
		}
		return nil
	}
	b.exchanges[name] = &exchange{name: name, kind: kind, durable: durable}
	return nil
}

func (ch *Channel) QueueDeclare(spec broker.QueueSpec) (string, error) {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return "", fmt.Errorf("queue declare %s: %w", spec.Name, broker.ErrClosed)
	}
	if err := b.takeFault(OpQueueDeclare); err != nil {
		return "", err
	}
	name := spec.Name
	if name == "" {
		b.seq++
		name = "amq.gen-" + strconv.Itoa(b.seq)
	}
	if q, ok := b.queues[name]; ok {
		if q.exclusive && q.owner != ch.conn {
			return "", fmt.Errorf("queue declare %s: %w: resource locked", name, broker.ErrProtocol)
		}
		if q.durable != spec.Durable || q.exclusive != spec.Exclusive || q.autoDelete != spec.AutoDelete {
			return "", fmt.Errorf("queue declare %s: %w: inequivalent arguments", name, broker.ErrProtocol)
		}
		return name, nil
	}
	q := &queue{
		name:       name,
		durable:    spec.Durable,
		exclusive:  spec.Exclusive,
		autoDelete: spec.AutoDelete,
	}
	if spec.Exclusive {
		q.owner = ch.conn
	}
	b.queues[name] = q
	return name, nil
}

func (ch *Channel) QueueBind(queueName, key, exchangeName string) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return fmt.Errorf("queue bind %s: %w", queueName, broker.ErrClosed)
	}
	if err := b.takeFault(OpQueueBind); err != nil {
		return err
	}
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return fmt.Errorf("queue bind %s: %w: no exchange %q", queueName, broker.ErrProtocol, exchangeName)
	}
	if _, ok := b.queues[queueName]; !ok {
		return fmt.Errorf("queue bind %s: %w: no queue", queueName, broker.ErrProtocol)
	}
	for _, bd := range ex.bindings {
		if bd.queue == queueName && bd.key == key {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, binding{queue: queueName, key: key})
	return nil
}

func (ch *Channel) Publish(ctx context.Context, msg broker.Publishing) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return fmt.Errorf("publish: %w", broker.ErrClosed)
	}
	if err := b.takeFault(OpPublish); err != nil {
		return err
	}

	var targets []*queue
	if msg.Exchange == broker.DefaultExchange {
		if q, ok := b.queues[msg.RoutingKey]; ok {
			targets = append(targets, q)
		}
	} else {
		ex, ok := b.exchanges[msg.Exchange]
		if !ok {
			return fmt.Errorf("publish: %w: no exchange %q", broker.ErrProtocol, msg.Exchange)
		}
		targets = b.route(ex, msg.RoutingKey)
	}

	if len(targets) == 0 {
		if msg.Mandatory {
			ret := broker.Return{
				ReplyCode:  312,
				ReplyText:  "NO_ROUTE",
				Exchange:   msg.Exchange,
				RoutingKey: msg.RoutingKey,
				Body:       append([]byte(nil), msg.Body...),
			}
			for _, r := range ch.returns {
				select {
				case r <- ret:
				default:
				}
			}
		}
		return nil
	}

	for _, q := range targets {
		q.ready = append(q.ready, message{
			exchange:   msg.Exchange,
			routingKey: msg.RoutingKey,
			messageID:  msg.MessageID,
			body:       append([]byte(nil), msg.Body...),
			persistent: msg.Persistent,
		})
		b.dispatchLocked(q)
	}
	return nil
}

func (ch *Channel) Get(queueName string, autoAck bool) (broker.Delivery, bool, error) {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return broker.Delivery{}, false, fmt.Errorf("get %s: %w", queueName, broker.ErrClosed)
	}
	if err := b.takeFault(OpGet); err != nil {
		return broker.Delivery{}, false, err
	}
	q, ok := b.queues[queueName]
	if !ok {
		return broker.Delivery{}, false, fmt.Errorf("get %s: %w: no queue", queueName, broker.ErrProtocol)
	}
	if len(q.ready) == 0 {
		return broker.Delivery{}, false, nil
	}
	m := q.ready[0]
	q.ready = q.ready[1:]
	return ch.deliveryLocked(queueName, m, autoAck), true, nil
}

func (ch *Channel) Consume(spec broker.ConsumeSpec) (<-chan broker.Delivery, error) {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return nil, fmt.Errorf("consume %s: %w", spec.Queue, broker.ErrClosed)
	}
	if err := b.takeFault(OpConsume); err != nil {
		return nil, err
	}
	q, ok := b.queues[spec.Queue]
	if !ok {
		return nil, fmt.Errorf("consume %s: %w: no queue", spec.Queue, broker.ErrProtocol)
	}
	if spec.Exclusive && len(q.consumers) > 0 {
		return nil, fmt.Errorf("consume %s: %w: exclusive consumer refused", spec.Queue, broker.ErrProtocol)
	}
	tag := spec.Tag
	if tag == "" {
		b.seq++
		tag = "ctag-" + strconv.Itoa(b.seq)
	}
	if _, dup := ch.tags[tag]; dup {
		return nil, fmt.Errorf("consume %s: %w: duplicate consumer tag %q", spec.Queue, broker.ErrProtocol, tag)
	}

	c := newConsumer(ch, q.name, tag, spec.AutoAck)
	ch.tags[tag] = c
	q.consumers = append(q.consumers, c)
	q.everConsumed = true
	b.dispatchLocked(q)
	return c.out, nil
}

func (ch *Channel) Cancel(tag string) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return fmt.Errorf("cancel %s: %w", tag, broker.ErrClosed)
	}
	if err := b.takeFault(OpCancel); err != nil {
		return err
	}
	c, ok := ch.tags[tag]
	if !ok {
		return nil
	}
	ch.cancelLocked(c)
	return nil
}

func (ch *Channel) cancelLocked(c *consumer) {
	b := ch.broker()
	delete(ch.tags, c.tag)
	c.stop()
	q, ok := b.queues[c.queue]
	if !ok {
		return
	}
	for i, other := range q.consumers {
		if other == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if q.autoDelete && q.everConsumed && len(q.consumers) == 0 {
		b.deleteQueueLocked(q.name)
	}
}

// Ack acknowledges tag, or every outstanding tag up to it when multiple is set.
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return fmt.Errorf("ack %d: %w", tag, broker.ErrClosed)
	}
	if _, ok := ch.unacked[tag]; !ok {
		return fmt.Errorf("ack %d: %w: unknown delivery tag", tag, broker.ErrProtocol)
	}
	if multiple {
		for t := range ch.unacked {
			if t <= tag {
				delete(ch.unacked, t)
			}
		}
		return nil
	}
	delete(ch.unacked, tag)
	return nil
}

func (ch *Channel) NotifyReturn() <-chan broker.Return {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	r := make(chan broker.Return, 16)
	if ch.closed {
		close(r)
		return r
	}
	ch.returns = append(ch.returns, r)
	return r
}

// Close cancels the channel's consumers and requeues its unacked deliveries
// at the head of their queues, flagged as redelivered.
func (ch *Channel) Close() error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	ch.closeLocked()
	return nil
}

func (ch *Channel) closeLocked() {
	if ch.closed {
		return
	}
	b := ch.broker()
	for _, c := range ch.tags {
		ch.cancelLocked(c)
	}

	tags := make([]uint64, 0, len(ch.unacked))
	for t := range ch.unacked {
		tags = append(tags, t)
	}
	slices.Sort(tags)
	requeued := make(map[string][]message)
	for _, t := range tags {
		p := ch.unacked[t]
		p.msg.redelivered = true
		requeued[p.queue] = append(requeued[p.queue], p.msg)
	}
	ch.unacked = nil
	for name, msgs := range requeued {
		q, ok := b.queues[name]
		if !ok {
			continue
		}
		q.ready = append(msgs, q.ready...)
		b.dispatchLocked(q)
	}

	for _, r := range ch.returns {
		close(r)
	}
	ch.returns = nil
	ch.closed = true
	delete(ch.conn.channels, ch)
}
