package core

import (
	"sync"

	"github.com/rs/zerolog"
)

// Dispatcher routes core events to registered callbacks. Callbacks run on
// broker delivery goroutines; a panicking callback is recovered and logged so
// the consumer keeps processing.
type Dispatcher struct {
	mu                sync.RWMutex
	onMessage         func(MessageEvent)
	onRoomDiscovered  func(RoomEvent)
	onDeliveryFailure func(DeliveryFailure)
	onStateChange     func(StateEvent)

	log *zerolog.Logger
}

// NewDispatcher returns a dispatcher that logs recovered panics to logger.
func NewDispatcher(logger *zerolog.Logger) *Dispatcher {
	return &Dispatcher{log: orNop(logger)}
}

// SetOnMessage registers the handler for room, system and private messages.
func (d *Dispatcher) SetOnMessage(fn func(MessageEvent)) {
	d.mu.Lock()
	d.onMessage = fn
	d.mu.Unlock()
}

// SetOnRoomDiscovered registers the handler for rooms announced by other participants.
func (d *Dispatcher) SetOnRoomDiscovered(fn func(RoomEvent)) {
	d.mu.Lock()
	d.onRoomDiscovered = fn
	d.mu.Unlock()
}

// SetOnDeliveryFailure registers the handler for private messages the broker returned.
func (d *Dispatcher) SetOnDeliveryFailure(fn func(DeliveryFailure)) {
	d.mu.Lock()
	d.onDeliveryFailure = fn
	d.mu.Unlock()
}

// SetOnStateChange registers the handler for session lifecycle transitions.
func (d *Dispatcher) SetOnStateChange(fn func(StateEvent)) {
	d.mu.Lock()
	d.onStateChange = fn
	d.mu.Unlock()
}

func (d *Dispatcher) message(ev MessageEvent) {
	d.mu.RLock()
	fn := d.onMessage
	d.mu.RUnlock()
	if fn != nil {
		d.safely("message", func() { fn(ev) })
	}
}

func (d *Dispatcher) roomDiscovered(ev RoomEvent) {
	d.mu.RLock()
	fn := d.onRoomDiscovered
	d.mu.RUnlock()
	if fn != nil {
		d.safely("room_discovered", func() { fn(ev) })
	}
}

func (d *Dispatcher) deliveryFailure(ev DeliveryFailure) {
	d.mu.RLock()
	fn := d.onDeliveryFailure
	d.mu.RUnlock()
	if fn != nil {
		d.safely("delivery_failure", func() { fn(ev) })
	}
}

func (d *Dispatcher) stateChange(ev StateEvent) {
	d.mu.RLock()
	fn := d.onStateChange
	d.mu.RUnlock()
	if fn != nil {
		d.safely("state_change", func() { fn(ev) })
	}
}

func (d *Dispatcher) safely(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Str("event", event).Interface("panic", r).Msg("callback panicked")
		}
	}()
	fn()
}

func orNop(logger *zerolog.Logger) *zerolog.Logger {
	if logger != nil {
		return logger
	}
	nop := zerolog.Nop()
	return &nop
}
