package memory

import (
	"sync"

	"github.com/Sou1ence/RabbitSimpleChat/internal/broker"
)

// consumer buffers deliveries without bound so the broker never blocks on a
// slow reader while holding its lock.
type consumer struct {
	ch      *Channel
	queue   string
	tag     string
	autoAck bool

	mu      sync.Mutex
	buf     []broker.Delivery
	wake    chan struct{}
	done    chan struct{}
	stopped bool

	out chan broker.Delivery
}

func newConsumer(ch *Channel, queue, tag string, autoAck bool) *consumer {
	c := &consumer{
		ch:      ch,
		queue:   queue,
		tag:     tag,
		autoAck: autoAck,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		out:     make(chan broker.Delivery),
	}
	go c.pump()
	return c
}

func (c *consumer) push(d broker.Delivery) {
	c.mu.Lock()
	c.buf = append(c.buf, d)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// stop ends the subscription. Buffered deliveries that were not handed to the
// reader are dropped; manual-ack ones stay unacked on the channel and are
// requeued when it closes.
func (c *consumer) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.done)
}

func (c *consumer) pump() {
	defer close(c.out)
	for {
		c.mu.Lock()
		if len(c.buf) == 0 {
			c.mu.Unlock()
			select {
			case <-c.wake:
				continue
			case <-c.done:
				return
			}
		}
		d := c.buf[0]
		c.buf = c.buf[1:]
		c.mu.Unlock()

		select {
		case c.out <- d:
		case <-c.done:
			return
		}
	}
}
