package emit

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
)

// Handler processes a single event.
type Handler func(Event)

// Bus is the synchronous in-process publish/subscribe hub for
// lifecycle events.
//
// Delivery contract:
//   - handlers run in registration order, on the publishing goroutine
//   - delivery happens after the durable state write (the engine
//     publishes only once persistence has succeeded)
//   - a panicking handler is recovered and logged; it never reaches
//     the engine and never prevents later handlers from firing
//
// The Bus itself implements Emitter, so it can sit wherever a single
// emitter is expected.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID int

	// errw receives one line per recovered handler panic.
	errw io.Writer
}

type subscription struct {
	id      string
	kind    Type
	all     bool
	handler Handler
}

// NewBus creates an event bus. Handler panics are reported to errw;
// nil defaults to os.Stderr.
func NewBus(errw io.Writer) *Bus {
	if errw == nil {
		errw = os.Stderr
	}
	return &Bus{errw: errw}
}

// Subscribe registers a handler for one event type and returns the
// subscription id.
func (b *Bus) Subscribe(kind Type, handler Handler) string {
	return b.add(subscription{kind: kind, handler: handler})
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) string {
	return b.add(subscription{all: true, handler: handler})
}

// Attach subscribes an Emitter to every event. This is how the log,
// null, and OTel emitters plug into the bus.
func (b *Bus) Attach(e Emitter) string {
	return b.SubscribeAll(e.Emit)
}

// Unsubscribe removes a subscription by id. Unknown ids are ignored.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit publishes an event to every matching subscriber, in
// registration order, synchronously.
func (b *Bus) Emit(event Event) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		if !s.all && s.kind != event.Type {
			continue
		}
		b.deliver(s, event)
	}
}

// deliver invokes one handler with panic isolation.
func (b *Bus) deliver(s subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(b.errw, "[event-bus] handler %s panicked on %s: %v\n", s.id, event.Type, r)
		}
	}()
	s.handler(event)
}

func (b *Bus) add(s subscription) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s.id = "sub-" + strconv.Itoa(b.nextID)
	b.subs = append(b.subs, s)
	return s.id
}
