// Package amqp adapts github.com/rabbitmq/amqp091-go to the broker interfaces.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Sou1ence/RabbitSimpleChat/internal/broker"
)

const opDial = "dial"

// Config holds connection parameters for a RabbitMQ broker.
type Config struct {
	URL            string
	Heartbeat      time.Duration
	DialTimeout    time.Duration
	ConnectionName string
}

// Dialer connects to RabbitMQ.
type Dialer struct {
	cfg Config
}

// NewDialer returns a dialer for the given config.
func NewDialer(cfg Config) *Dialer {
	return &Dialer{cfg: cfg}
}

// Dial opens a new connection. The context bounds the TCP dial and handshake.
func (d *Dialer) Dial(ctx context.Context) (broker.Connection, error) {
	timeout := d.cfg.DialTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	props := amqp.NewConnectionProperties()
	if d.cfg.ConnectionName != "" {
		props.SetClientConnectionName(d.cfg.ConnectionName)
	}

	conn, err := amqp.DialConfig(d.cfg.URL, amqp.Config{
		Heartbeat:  d.cfg.Heartbeat,
		Properties: props,
		Dial: func(network, addr string) (net.Conn, error) {
			dialer := net.Dialer{Timeout: timeout}
			c, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			// amqp091 clears the deadline once the handshake completes.
			if err := c.SetDeadline(time.Now().Add(timeout)); err != nil {
				_ = c.Close()
				return nil, err
			}
			return c, nil
		},
	})
	if err != nil {
		return nil, wrap(opDial, err)
	}
	return &connection{conn: conn}, nil
}

type connection struct {
	conn *amqp.Connection
}

func (c *connection) Channel() (broker.Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, wrap("open channel", err)
	}
	return &channel{ch: ch}, nil
}

func (c *connection) IsClosed() bool {
	return c.conn.IsClosed()
}

func (c *connection) Close() error {
	if c.conn.IsClosed() {
		return nil
	}
	if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return wrap("close connection", err)
	}
	return nil
}

type channel struct {
	ch *amqp.Channel

	returnsOnce sync.Once
	returns     chan broker.Return
}

func (c *channel) ExchangeDeclare(name string, kind broker.ExchangeKind, durable bool) error {
	if err := c.ch.ExchangeDeclare(name, string(kind), durable, false, false, false, nil); err != nil {
		return wrap("exchange declare "+name, err)
	}
	return nil
}

func (c *channel) QueueDeclare(spec broker.QueueSpec) (string, error) {
	q, err := c.ch.QueueDeclare(spec.Name, spec.Durable, spec.AutoDelete, spec.Exclusive, false, nil)
	if err != nil {
		return "", wrap("queue declare "+spec.Name, err)
	}
	return q.Name, nil
}

func (c *channel) QueueBind(queue, key, exchange string) error {
	if err := c.ch.QueueBind(queue, key, exchange, false, nil); err != nil {
		return wrap("queue bind "+queue, err)
	}
	return nil
}

func (c *channel) Publish(ctx context.Context, msg broker.Publishing) error {
	mode := amqp.Transient
	if msg.Persistent {
		mode = amqp.Persistent
	}
	err := c.ch.PublishWithContext(ctx, msg.Exchange, msg.RoutingKey, msg.Mandatory, false, amqp.Publishing{
		ContentType:  msg.ContentType,
		DeliveryMode: mode,
		MessageId:    msg.MessageID,
		Timestamp:    msg.Timestamp,
		Body:         msg.Body,
	})
	if err != nil {
		return wrap("publish", err)
	}
	return nil
}

func (c *channel) Get(queue string, autoAck bool) (broker.Delivery, bool, error) {
	d, ok, err := c.ch.Get(queue, autoAck)
	if err != nil {
		return broker.Delivery{}, false, wrap("get "+queue, err)
	}
	if !ok {
		return broker.Delivery{}, false, nil
	}
	return convert(d, autoAck), true, nil
}

func (c *channel) Consume(spec broker.ConsumeSpec) (<-chan broker.Delivery, error) {
	src, err := c.ch.Consume(spec.Queue, spec.Tag, spec.AutoAck, spec.Exclusive, false, false, nil)
	if err != nil {
		return nil, wrap("consume "+spec.Queue, err)
	}

	out := make(chan broker.Delivery)
	go func() {
		defer close(out)
		for d := range src {
			out <- convert(d, spec.AutoAck)
		}
	}()
	return out, nil
}

func (c *channel) Cancel(tag string) error {
	if err := c.ch.Cancel(tag, false); err != nil {
		return wrap("cancel "+tag, err)
	}
	return nil
}

func (c *channel) NotifyReturn() <-chan broker.Return {
	c.returnsOnce.Do(func() {
		src := c.ch.NotifyReturn(make(chan amqp.Return, 16))
		c.returns = make(chan broker.Return, 16)
		go func() {
			defer close(c.returns)
			for r := range src {
				c.returns <- broker.Return{
					ReplyCode:  r.ReplyCode,
					ReplyText:  r.ReplyText,
					Exchange:   r.Exchange,
					RoutingKey: r.RoutingKey,
					Body:       r.Body,
				}
			}
		}()
	})
	return c.returns
}

func (c *channel) Close() error {
	if c.ch.IsClosed() {
		return nil
	}
	if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return wrap("close channel", err)
	}
	return nil
}

func convert(d amqp.Delivery, autoAck bool) broker.Delivery {
	out := broker.Delivery{
		DeliveryTag: d.DeliveryTag,
		Redelivered: d.Redelivered,
		Exchange:    d.Exchange,
		RoutingKey:  d.RoutingKey,
		MessageID:   d.MessageId,
		Body:        d.Body,
	}
	if !autoAck {
		out.Acknowledger = d.Acknowledger
	}
	return out
}

// wrap tags err with broker.ErrProtocol when the broker refused the request on
// the channel and broker.ErrConnectivity otherwise. Every dial failure,
// refused credentials included, is a connectivity error.
func wrap(op string, err error) error {
	if op == opDial {
		return fmt.Errorf("%s: %w: %w", op, broker.ErrConnectivity, err)
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.AccessRefused, amqp.NotFound, amqp.ResourceLocked, amqp.PreconditionFailed:
			return fmt.Errorf("%s: %w: %w", op, broker.ErrProtocol, err)
		case amqp.ChannelError:
			if errors.Is(err, amqp.ErrClosed) {
				return fmt.Errorf("%s: %w: %w", op, broker.ErrClosed, err)
			}
		}
	}
	return fmt.Errorf("%s: %w: %w", op, broker.ErrConnectivity, err)
}
