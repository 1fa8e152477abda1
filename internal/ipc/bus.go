package ipc

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/flakeos/kernel/internal/infrastructure/logging"
	"github.com/flakeos/kernel/internal/infrastructure/monitoring"
	"github.com/flakeos/kernel/internal/shared/id"
	"github.com/flakeos/kernel/internal/shared/kerr"
)

// Category classifies an event's source.
type Category uint8

const (
	CategorySystem Category = iota
	CategoryHardware
	CategoryUser
	CategoryTimer
	CategoryError
)

// Event is one bus notification. Timestamp is the kernel tick at which
// the event was posted.
type Event struct {
	Name      string
	Category  Category
	Payload   []byte
	Timestamp uint64
}

// Handler receives dispatched events. Handlers run on the kernel
// maintenance thread and must return quickly.
type Handler func(Event)

type subscription struct {
	id      id.SubscriptionID
	pattern string
	handler Handler
}

// Bus is the kernel event bus. Events are buffered on Publish and
// delivered to matching subscribers on the next Dispatch, in
// subscription order.
type Bus struct {
	mu     sync.Mutex
	buffer []Event
	cap    int
	subs   []subscription

	ids        *id.Generator
	tick       func() uint64
	maxPayload int
	log        *logging.Logger
	metrics    *monitoring.Metrics
}

// NewBus creates an event bus buffering at most capacity events, each
// with a payload of at most maxPayload bytes.
func NewBus(capacity, maxPayload int, ids *id.Generator, tick func() uint64, log *logging.Logger, metrics *monitoring.Metrics) (*Bus, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("bus capacity %d: %w", capacity, kerr.ErrInvalidParam)
	}
	if maxPayload <= 0 {
		return nil, fmt.Errorf("bus max payload %d: %w", maxPayload, kerr.ErrInvalidParam)
	}
	return &Bus{
		buffer:     make([]Event, 0, capacity),
		cap:        capacity,
		ids:        ids,
		tick:       tick,
		maxPayload: maxPayload,
		log:        log.Named("bus"),
		metrics:    metrics,
	}, nil
}

// Publish queues an event for the next dispatch. When the buffer is
// full the oldest pending event is dropped to make room and the call
// reports kerr.ErrTimeout so the producer can notice backpressure.
func (b *Bus) Publish(name string, category Category, payload []byte) error {
	if name == "" {
		return fmt.Errorf("event name: %w", kerr.ErrInvalidParam)
	}
	if len(payload) > b.maxPayload {
		return fmt.Errorf("event %q: payload %d exceeds %d: %w",
			name, len(payload), b.maxPayload, kerr.ErrInvalidParam)
	}

	ev := Event{Name: name, Category: category, Payload: payload, Timestamp: b.tick()}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.buffer) >= b.cap {
		copy(b.buffer, b.buffer[1:])
		b.buffer[len(b.buffer)-1] = ev
		b.metrics.EventsDropped.Inc()
		b.log.Warn("event buffer full, oldest dropped", zap.String("event", name))
		return fmt.Errorf("event %q: buffer full: %w", name, kerr.ErrTimeout)
	}

	b.buffer = append(b.buffer, ev)
	b.metrics.EventsPosted.Inc()
	return nil
}

// Subscribe registers a handler for events matching pattern. A
// pattern is either an exact event name or a prefix followed by ".*",
// which matches every event under that prefix.
func (b *Bus) Subscribe(pattern string, handler Handler) (id.SubscriptionID, error) {
	if pattern == "" || handler == nil {
		return 0, fmt.Errorf("subscribe: %w", kerr.ErrInvalidParam)
	}

	sub := subscription{
		id:      id.SubscriptionID(b.ids.Next()),
		pattern: pattern,
		handler: handler,
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.log.Debug("subscription added",
		zap.Uint32("sub", uint32(sub.id)),
		zap.String("pattern", pattern))
	return sub.id, nil
}

// Unsubscribe removes a subscription. Removing an unknown id reports
// kerr.ErrNotFound.
func (b *Bus) Unsubscribe(sid id.SubscriptionID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub.id == sid {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("subscription %d: %w", sid, kerr.ErrNotFound)
}

// Dispatch delivers every pending event to its matching subscribers.
// Called from the kernel maintenance loop.
func (b *Bus) Dispatch() {
	b.mu.Lock()
	pending := b.buffer
	b.buffer = make([]Event, 0, b.cap)
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, ev := range pending {
		for _, sub := range subs {
			if matches(sub.pattern, ev.Name) {
				sub.handler(ev)
				b.metrics.EventsDelivery.Inc()
			}
		}
	}
}

// Pending returns the number of buffered events.
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func matches(pattern, name string) bool {
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(name, prefix+".")
	}
	return pattern == name
}
