// Package ipc provides message queues and the kernel event bus.
//
// Queues are named, bounded, and registered centrally so broadcast and
// diagnostics can walk them. The timeout convention matches ksync:
// negative blocks forever, zero polls, positive is a deadline.
package ipc

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/flakeos/kernel/internal/infrastructure/logging"
	"github.com/flakeos/kernel/internal/infrastructure/monitoring"
	"github.com/flakeos/kernel/internal/shared/id"
	"github.com/flakeos/kernel/internal/shared/kerr"
)

// Priority hints at message urgency. Delivery stays FIFO; receivers
// use it to triage.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Message is one queued IPC payload. ID and Timestamp are stamped by
// Send; senders fill Type, Sender, Priority, and Payload.
type Message struct {
	ID        id.MessageID
	Type      uint32
	Sender    id.PID
	Priority  Priority
	Payload   []byte
	Timestamp uint64
}

// Queue is a named bounded message queue.
type Queue struct {
	name     string
	public   bool
	owner    id.PID
	ch       chan Message
	done     chan struct{}
	closed   atomic.Bool
	registry *Registry
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Public reports whether the queue receives broadcasts.
func (q *Queue) Public() bool { return q.public }

// Owner returns the pid the queue is attributed to, 0 for the kernel.
func (q *Queue) Owner() id.PID { return q.owner }

// Capacity returns the maximum number of queued messages.
func (q *Queue) Capacity() int { return cap(q.ch) }

// Depth returns the number of messages currently queued.
func (q *Queue) Depth() int { return len(q.ch) }

// Send enqueues a message, waiting up to timeout for space. The
// message id and tick timestamp are stamped on acceptance.
func (q *Queue) Send(msg Message, timeout time.Duration) error {
	if q.closed.Load() {
		return fmt.Errorf("queue %q destroyed: %w", q.name, kerr.ErrNotFound)
	}
	if len(msg.Payload) > q.registry.maxPayload {
		return fmt.Errorf("queue %q: payload %d exceeds %d: %w",
			q.name, len(msg.Payload), q.registry.maxPayload, kerr.ErrInvalidParam)
	}

	msg.ID = id.MessageID(q.registry.ids.Next())
	msg.Timestamp = q.registry.tick()

	switch {
	case timeout < 0:
		select {
		case q.ch <- msg:
		case <-q.done:
			return fmt.Errorf("queue %q destroyed: %w", q.name, kerr.ErrNotFound)
		}
	case timeout == 0:
		select {
		case q.ch <- msg:
		default:
			return fmt.Errorf("queue %q full: %w", q.name, kerr.ErrTimeout)
		}
	default:
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case q.ch <- msg:
		case <-q.done:
			return fmt.Errorf("queue %q destroyed: %w", q.name, kerr.ErrNotFound)
		case <-timer.C:
			return fmt.Errorf("queue %q full: %w", q.name, kerr.ErrTimeout)
		}
	}

	q.registry.metrics.MessagesSent.Inc()
	q.registry.metrics.QueueDepth.WithLabelValues(q.name).Set(float64(len(q.ch)))
	return nil
}

// SendFromISR enqueues from interrupt context. Never blocks; a full
// queue drops the message with kerr.ErrTimeout.
func (q *Queue) SendFromISR(msg Message) error {
	if q.closed.Load() {
		return kerr.ErrNotFound
	}
	if len(msg.Payload) > q.registry.maxPayload {
		return kerr.ErrInvalidParam
	}

	msg.ID = id.MessageID(q.registry.ids.Next())
	msg.Timestamp = q.registry.tick()

	select {
	case q.ch <- msg:
		return nil
	default:
		return kerr.ErrTimeout
	}
}

// Receive dequeues the oldest message, waiting up to timeout.
func (q *Queue) Receive(timeout time.Duration) (Message, error) {
	var msg Message
	switch {
	case timeout < 0:
		select {
		case msg = <-q.ch:
		case <-q.done:
			return Message{}, fmt.Errorf("queue %q destroyed: %w", q.name, kerr.ErrNotFound)
		}
	case timeout == 0:
		select {
		case msg = <-q.ch:
		default:
			return Message{}, fmt.Errorf("queue %q empty: %w", q.name, kerr.ErrTimeout)
		}
	default:
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case msg = <-q.ch:
		case <-q.done:
			return Message{}, fmt.Errorf("queue %q destroyed: %w", q.name, kerr.ErrNotFound)
		case <-timer.C:
			return Message{}, fmt.Errorf("queue %q empty: %w", q.name, kerr.ErrTimeout)
		}
	}

	q.registry.metrics.MessagesRecv.Inc()
	q.registry.metrics.QueueDepth.WithLabelValues(q.name).Set(float64(len(q.ch)))
	return msg, nil
}

// ReceiveFromISR dequeues from interrupt context. Never blocks.
func (q *Queue) ReceiveFromISR() (Message, error) {
	select {
	case msg := <-q.ch:
		return msg, nil
	default:
		return Message{}, kerr.ErrTimeout
	}
}

// Registry owns all named queues.
type Registry struct {
	mu     sync.Mutex
	queues map[string]*Queue
	order  []string

	ids        *id.Generator
	tick       func() uint64
	maxPayload int

	log     *logging.Logger
	metrics *monitoring.Metrics
}

// NewRegistry creates an empty queue registry. tick supplies the
// current kernel tick for message timestamps; maxPayload caps the
// message payload size on every queue.
func NewRegistry(ids *id.Generator, tick func() uint64, maxPayload int, log *logging.Logger, metrics *monitoring.Metrics) *Registry {
	return &Registry{
		queues:     make(map[string]*Queue),
		ids:        ids,
		tick:       tick,
		maxPayload: maxPayload,
		log:        log.Named("ipc"),
		metrics:    metrics,
	}
}

// CreateQueue registers a new bounded queue attributed to owner (0
// for kernel-owned). Names are unique; public queues additionally
// receive broadcasts.
func (r *Registry) CreateQueue(name string, capacity int, public bool, owner id.PID) (*Queue, error) {
	if name == "" || capacity <= 0 {
		return nil, fmt.Errorf("queue create %q cap %d: %w", name, capacity, kerr.ErrInvalidParam)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.queues[name]; exists {
		return nil, fmt.Errorf("queue %q already exists: %w", name, kerr.ErrInvalidParam)
	}

	q := &Queue{
		name:     name,
		public:   public,
		owner:    owner,
		ch:       make(chan Message, capacity),
		done:     make(chan struct{}),
		registry: r,
	}
	r.queues[name] = q
	r.order = append(r.order, name)

	r.log.Info("queue created",
		zap.String("name", name),
		zap.Int("capacity", capacity),
		zap.Bool("public", public))
	return q, nil
}

// Lookup finds a queue by name.
func (r *Registry) Lookup(name string) (*Queue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	q, ok := r.queues[name]
	if !ok {
		return nil, fmt.Errorf("queue %q: %w", name, kerr.ErrNotFound)
	}
	return q, nil
}

// Destroy removes a queue. Blocked senders and receivers are released
// with kerr.ErrNotFound; queued messages are discarded.
func (r *Registry) Destroy(name string) error {
	r.mu.Lock()
	q, ok := r.queues[name]
	if ok {
		delete(r.queues, name)
		for i, n := range r.order {
			if n == name {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("queue %q: %w", name, kerr.ErrNotFound)
	}

	q.closed.Store(true)
	close(q.done)
	r.log.Info("queue destroyed", zap.String("name", name))
	return nil
}

// Broadcast sends a copy of msg to every public queue without
// blocking. Full queues are skipped. Returns the number of queues
// that accepted the message.
func (r *Registry) Broadcast(msg Message) (int, error) {
	if len(msg.Payload) > r.maxPayload {
		return 0, fmt.Errorf("broadcast payload %d exceeds %d: %w",
			len(msg.Payload), r.maxPayload, kerr.ErrInvalidParam)
	}

	r.mu.Lock()
	targets := make([]*Queue, 0, len(r.order))
	for _, name := range r.order {
		q := r.queues[name]
		if q.public {
			targets = append(targets, q)
		}
	}
	r.mu.Unlock()

	delivered := 0
	for _, q := range targets {
		if err := q.SendFromISR(msg); err == nil {
			delivered++
		}
	}
	return delivered, nil
}

// Count returns the number of registered queues.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues)
}
