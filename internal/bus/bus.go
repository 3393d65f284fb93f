// Package bus is the in-process publish/subscribe backbone. Components
// never call each other directly for cross-cutting signals (threat
// alerts, vote outcomes, audit writes) — they publish here.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Topics carried on the bus. Payload shapes are stable and documented on
// the publishing side; the core never requires its own notifications.
const (
	TopicMessageAccepted = "message:accepted"
	TopicSecurityAlert   = "security:alert"
	TopicArbiterRuling   = "arbiter:ruling"
	TopicOverseerGate    = "overseer:gate"
	TopicVoteCompleted   = "vote:completed"
	TopicAuditLog        = "audit:log"
)

// Event is a single published notification.
type Event struct {
	Topic     string
	Timestamp time.Time
	Payload   map[string]any
}

// defaultBuffer is the per-subscriber channel depth. A subscriber that
// falls this far behind starts losing events (at-least-once holds only
// for subscribers that keep up).
const defaultBuffer = 64

type subscriber struct {
	id int
	ch chan Event
}

// Bus fans events out to per-topic subscribers. Each subscriber owns a
// buffered channel and sees a topic's events in emission order; there is
// no ordering guarantee across subscribers.
type Bus struct {
	mu        sync.RWMutex
	nextID    int
	subs      map[string][]subscriber
	closed    bool
	logger    *slog.Logger
	published *prometheus.CounterVec
	dropped   *prometheus.CounterVec
}

// New creates a Bus. The registry may be nil, in which case metrics are
// collected but never exported.
func New(logger *slog.Logger, reg prometheus.Registerer) *Bus {
	published := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conclave_bus_events_published_total",
		Help: "Events published to the in-process bus, by topic.",
	}, []string{"topic"})
	dropped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conclave_bus_events_dropped_total",
		Help: "Events dropped because a subscriber buffer was full, by topic.",
	}, []string{"topic"})
	if reg != nil {
		reg.MustRegister(published, dropped)
	}
	return &Bus{
		subs:      make(map[string][]subscriber),
		logger:    logger,
		published: published,
		dropped:   dropped,
	}
}

// Subscribe registers a new subscriber for the topic and returns its
// channel plus an unsubscribe func. The channel is closed on
// unsubscribe and on Close.
func (b *Bus) Subscribe(topic string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	b.nextID++
	sub := subscriber{id: b.nextID, ch: make(chan Event, defaultBuffer)}
	b.subs[topic] = append(b.subs[topic], sub)

	id := sub.id
	return sub.ch, func() { b.unsubscribe(topic, id) }
}

func (b *Bus) unsubscribe(topic string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[topic]
	for i, s := range subs {
		if s.id == id {
			b.subs[topic] = append(subs[:i], subs[i+1:]...)
			close(s.ch)
			return
		}
	}
}

// Publish delivers the event to every subscriber of its topic. It never
// blocks: a subscriber whose buffer is full loses the event (logged).
func (b *Bus) Publish(topic string, payload map[string]any) {
	ev := Event{Topic: topic, Timestamp: time.Now().UTC(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.published.WithLabelValues(topic).Inc()

	for _, s := range b.subs[topic] {
		select {
		case s.ch <- ev:
		default:
			b.dropped.WithLabelValues(topic).Inc()
			b.logger.Warn("bus subscriber buffer full, dropping event", "topic", topic)
		}
	}
}

// Close shuts the bus down and closes every subscriber channel.
// Publishes after Close are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for topic, subs := range b.subs {
		for _, s := range subs {
			close(s.ch)
		}
		delete(b.subs, topic)
	}
}
