// Package broker describes the subset of an AMQP 0-9-1 client the chat core
// relies on. Implementations live in broker/amqp (RabbitMQ) and broker/memory
// (in-process, used by tests and offline mode).
package broker

import (
	"context"
	"errors"
	"time"
)

// ExchangeKind is the routing type of an exchange.
type ExchangeKind string

const (
	// ExchangeTopic routes by dotted routing-key patterns.
	ExchangeTopic ExchangeKind = "topic"
	// ExchangeFanout copies every publish to all bound queues.
	ExchangeFanout ExchangeKind = "fanout"
	// ExchangeDirect routes by exact routing key.
	ExchangeDirect ExchangeKind = "direct"
)

// DefaultExchange is the nameless exchange that routes to a queue by its name.
const DefaultExchange = ""

var (
	// ErrConnectivity marks failures to reach or stay connected to the broker.
	ErrConnectivity = errors.New("broker unreachable")
	// ErrProtocol marks operations the broker rejected (declare, bind, consume).
	ErrProtocol = errors.New("broker rejected operation")
	// ErrClosed is returned by operations on a closed channel or connection.
	ErrClosed = errors.New("broker channel closed")
)

// QueueSpec describes a queue declaration. An empty Name asks the broker to
// generate one.
type QueueSpec struct {
	Name       string
	Durable    bool
	Exclusive  bool
	AutoDelete bool
}

// ConsumeSpec describes a subscription on a queue.
type ConsumeSpec struct {
	Queue     string
	Tag       string
	AutoAck   bool
	Exclusive bool
}

// Publishing is an outbound message.
type Publishing struct {
	Exchange    string
	RoutingKey  string
	Body        []byte
	ContentType string
	MessageID   string
	Timestamp   time.Time
	// Persistent requests that the broker store the message on disk.
	Persistent bool
	// Mandatory asks the broker to return the message if no queue receives it.
	Mandatory bool
}

// Acknowledger confirms deliveries by tag.
type Acknowledger interface {
	Ack(tag uint64, multiple bool) error
}

// Delivery is an inbound message from a consumer or a basic.get.
type Delivery struct {
	Acknowledger Acknowledger
	DeliveryTag  uint64
	Redelivered  bool
	Exchange     string
	RoutingKey   string
	MessageID    string
	Body         []byte
}

// Ack confirms this single delivery. Deliveries received with auto-ack have no
// acknowledger and Ack is a no-op.
func (d Delivery) Ack() error {
	if d.Acknowledger == nil {
		return nil
	}
	return d.Acknowledger.Ack(d.DeliveryTag, false)
}

// Return is a mandatory publish the broker could not route.
type Return struct {
	ReplyCode  uint16
	ReplyText  string
	Exchange   string
	RoutingKey string
	Body       []byte
}

// Dialer opens broker connections.
type Dialer interface {
	Dial(ctx context.Context) (Connection, error)
}

// Connection is a broker connection that multiplexes channels.
type Connection interface {
	Channel() (Channel, error)
	IsClosed() bool
	Close() error
}

// Channel is a single AMQP channel. Implementations must be safe for
// concurrent Publish and Ack from different goroutines.
type Channel interface {
	ExchangeDeclare(name string, kind ExchangeKind, durable bool) error
	// QueueDeclare returns the effective queue name.
	QueueDeclare(spec QueueSpec) (string, error)
	QueueBind(queue, key, exchange string) error
	Publish(ctx context.Context, msg Publishing) error
	// Get pulls one message without subscribing; ok is false when the queue is empty.
	Get(queue string, autoAck bool) (d Delivery, ok bool, err error)
	// Consume starts a subscription. The returned channel is closed when the
	// consumer is cancelled or the channel closes.
	Consume(spec ConsumeSpec) (<-chan Delivery, error)
	Cancel(tag string) error
	// NotifyReturn registers for unroutable mandatory publishes. The returned
	// channel is closed when the channel closes.
	NotifyReturn() <-chan Return
	Close() error
}
