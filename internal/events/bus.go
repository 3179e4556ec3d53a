package events

import (
	"sync"

	"github.com/rs/zerolog"
)

// Handler receives one published Event. Handlers must not block for long —
// the bus delivers synchronously to in-process subscribers (typically a
// channel-forwarding closure) and a slow handler holds up every other
// subscriber of the same topic.
type Handler func(Event)

// Bus is a simple in-process pub/sub fan-out of Event values, keyed by
// EventType. Delivery is best-effort, at-least-once over a subscriber's
// lifetime: Publish never returns an error and recovers a panicking handler
// without skipping the rest, but it waits for each handler to return.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Handler
	log         zerolog.Logger
}

// New creates an empty Bus.
func New(log zerolog.Logger) *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Handler),
		log:         log.With().Str("component", "events.Bus").Logger(),
	}
}

// Subscribe registers handler to be invoked for every future Publish of eventType.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType EventType, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
	idx := len(b.subscribers[eventType]) - 1

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		handlers := b.subscribers[eventType]
		if idx < len(handlers) {
			handlers[idx] = nil // leave a hole rather than reindex concurrent subscribers
		}
	}
}

// Publish delivers event to every subscriber of event.Type. Handlers run
// synchronously on the publishing goroutine; a handler that wants
// fire-and-forget semantics (e.g. forwarding to an SSE connection's buffered
// channel) must do its own non-blocking send.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		if h == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.log.Error().Interface("panic", r).Str("event_type", string(event.Type)).Msg("event handler panicked")
				}
			}()
			h(event)
		}()
	}
}
