// Package hub fans published values out to per-topic subscribers.
//
// Every subscriber owns a bounded queue. Publish never waits for a
// consumer: when a queue is full the hub either discards that
// subscriber's oldest message (drop-oldest) or closes the subscription
// with a subscriber_overflow error (disconnect). Messages on a topic carry
// a sequence number starting at 1, and each subscriber sees them in
// strictly increasing order.
//
// Topic state exists while the topic has subscribers. Publishing to a
// topic nobody listens on is a no-op that returns 0.
package hub

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/querygate/querygate/internal/metrics"
	"github.com/querygate/querygate/pkg/models"
)

const defaultQueueCapacity = 64

// OverflowPolicy decides what happens when a subscriber's queue is full.
type OverflowPolicy string

const (
	DropOldest OverflowPolicy = "drop-oldest"
	Disconnect OverflowPolicy = "disconnect"
)

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (OverflowPolicy, error) {
	switch OverflowPolicy(s) {
	case DropOldest, Disconnect:
		return OverflowPolicy(s), nil
	default:
		return "", fmt.Errorf("unknown overflow policy %q (want %s or %s)", s, DropOldest, Disconnect)
	}
}

var (
	// ErrClosed is returned by Subscribe after Close, and reported by
	// subscriptions the hub closed on shutdown.
	ErrClosed = errors.New("hub closed")
	// ErrTooManySubscribers is returned when a topic is at MaxSubscribers.
	ErrTooManySubscribers = errors.New("too many subscribers for topic")
)

// Options configures a Hub.
type Options struct {
	Name           string
	QueueCapacity  int
	Overflow       OverflowPolicy
	MaxSubscribers int
	Metrics        *metrics.Collector
	Now            func() time.Time
}

// Message is one delivered value.
type Message[T any] struct {
	Topic     string    `json:"topic"`
	Seq       uint64    `json:"seq"`
	Payload   T         `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Subscription is a live attachment to one topic. Read from C until it is
// closed, then consult Err.
type Subscription[T any] struct {
	ID    string
	Topic string

	ch      chan Message[T]
	closed  bool // guarded by the topic lock
	dropped atomic.Int64

	errMu sync.Mutex
	err   error
}

// C is the delivery channel. It is closed when the subscription ends.
func (s *Subscription[T]) C() <-chan Message[T] {
	return s.ch
}

// Err reports why the subscription ended: nil after Unsubscribe,
// ErrClosed on hub shutdown, or a subscriber_overflow error.
func (s *Subscription[T]) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Dropped counts messages discarded for this subscriber.
func (s *Subscription[T]) Dropped() int64 {
	return s.dropped.Load()
}

type topic[T any] struct {
	mu   sync.Mutex
	seq  uint64
	subs map[string]*Subscription[T]
}

// Hub is safe for concurrent use. Lock order is hub then topic.
type Hub[T any] struct {
	opts Options

	mu     sync.RWMutex
	topics map[string]*topic[T]
	closed bool

	closeOnce sync.Once
}

// New creates a hub.
func New[T any](opts Options) *Hub[T] {
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = defaultQueueCapacity
	}
	if opts.Overflow == "" {
		opts.Overflow = DropOldest
	}
	if opts.Name == "" {
		opts.Name = "hub"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Hub[T]{
		opts:   opts,
		topics: make(map[string]*topic[T]),
	}
}

// Subscribe attaches a new subscriber to name.
func (h *Hub[T]) Subscribe(name string) (*Subscription[T], error) {
	if name == "" {
		return nil, models.NewError(models.ErrValidation, "topic is required")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}

	t, ok := h.topics[name]
	if !ok {
		t = &topic[T]{subs: make(map[string]*Subscription[T])}
		h.topics[name] = t
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if h.opts.MaxSubscribers > 0 && len(t.subs) >= h.opts.MaxSubscribers {
		return nil, fmt.Errorf("%w: %s", ErrTooManySubscribers, name)
	}

	sub := &Subscription[T]{
		ID:    uuid.NewString(),
		Topic: name,
		ch:    make(chan Message[T], h.opts.QueueCapacity),
	}
	t.subs[sub.ID] = sub
	h.opts.Metrics.AddSubscribers(1)

	log.Debug().Str("hub", h.opts.Name).Str("topic", name).Str("subscription", sub.ID).Msg("Subscriber attached")
	return sub, nil
}

// Unsubscribe detaches sub and closes its channel. Idempotent.
func (h *Hub[T]) Unsubscribe(sub *Subscription[T]) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[sub.Topic]
	if !ok {
		return
	}
	t.mu.Lock()
	if existing, ok := t.subs[sub.ID]; ok && existing == sub {
		delete(t.subs, sub.ID)
		h.closeLocked(sub, nil)
	}
	empty := len(t.subs) == 0
	t.mu.Unlock()

	if empty {
		delete(h.topics, sub.Topic)
	}
}

// Publish delivers payload to every current subscriber of name and
// returns the assigned sequence number, or 0 if the topic has no
// subscribers or the hub is closed.
func (h *Hub[T]) Publish(name string, payload T) uint64 {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return 0
	}
	t, ok := h.topics[name]
	if !ok {
		h.mu.RUnlock()
		return 0
	}

	t.mu.Lock()
	t.seq++
	msg := Message[T]{Topic: name, Seq: t.seq, Payload: payload, Timestamp: h.opts.Now()}
	for _, sub := range t.subs {
		h.deliverLocked(t, sub, msg)
	}
	empty := len(t.subs) == 0
	t.mu.Unlock()
	h.mu.RUnlock()

	h.opts.Metrics.RecordPublished()
	if empty {
		h.dropIfEmpty(name, t)
	}
	return msg.Seq
}

// deliverLocked enqueues msg without blocking. Called with t.mu held, so
// the publisher is the only sender on sub.ch.
func (h *Hub[T]) deliverLocked(t *topic[T], sub *Subscription[T], msg Message[T]) {
	select {
	case sub.ch <- msg:
		return
	default:
	}

	switch h.opts.Overflow {
	case Disconnect:
		delete(t.subs, sub.ID)
		h.closeLocked(sub, models.NewError(models.ErrSubscriberOverflow,
			"subscriber %s fell behind on topic %s (queue %d)", sub.ID, msg.Topic, h.opts.QueueCapacity))
		h.opts.Metrics.RecordOverflow()
		log.Warn().Str("hub", h.opts.Name).Str("topic", msg.Topic).Str("subscription", sub.ID).
			Uint64("seq", msg.Seq).Msg("Subscriber queue full, disconnecting")

	default:
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
			h.opts.Metrics.RecordDropped()
		default:
			// The consumer drained the queue meanwhile.
		}
		select {
		case sub.ch <- msg:
		default:
			sub.dropped.Add(1)
			h.opts.Metrics.RecordDropped()
		}
	}
}

func (h *Hub[T]) closeLocked(sub *Subscription[T], err error) {
	if sub.closed {
		return
	}
	sub.closed = true
	sub.errMu.Lock()
	sub.err = err
	sub.errMu.Unlock()
	close(sub.ch)
	h.opts.Metrics.AddSubscribers(-1)
}

func (h *Hub[T]) dropIfEmpty(name string, t *topic[T]) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.topics[name] != t {
		return
	}
	t.mu.Lock()
	empty := len(t.subs) == 0
	t.mu.Unlock()
	if empty {
		delete(h.topics, name)
	}
}

// SubscriberCount returns the live subscribers of name.
func (h *Hub[T]) SubscriberCount(name string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.topics[name]
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// TopicCount returns the number of topics with subscribers.
func (h *Hub[T]) TopicCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics)
}

// Close ends every subscription with ErrClosed. Later publishes are
// ignored and later subscribes fail.
func (h *Hub[T]) Close() {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.closed = true
		for _, t := range h.topics {
			t.mu.Lock()
			for id, sub := range t.subs {
				delete(t.subs, id)
				h.closeLocked(sub, ErrClosed)
			}
			t.mu.Unlock()
		}
		h.topics = make(map[string]*topic[T])
		log.Info().Str("hub", h.opts.Name).Msg("Hub closed")
	})
}
