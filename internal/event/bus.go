// Package event provides the in-memory plugin.EventBus used to connect the
// probe and presence modules.
package event

import (
	"context"
	"slices"
	"sync"

	"github.com/HerbHall/fremen/pkg/plugin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fremen_events_published_total",
			Help: "Events published on the internal bus.",
		},
		[]string{"topic"},
	)
	handlerPanics = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fremen_event_handler_panics_total",
			Help: "Event handlers that panicked and were recovered.",
		},
		[]string{"topic"},
	)
)

func init() {
	prometheus.MustRegister(eventsPublished, handlerPanics)
}

var _ plugin.EventBus = (*Bus)(nil)

// Bus is an in-memory event bus. Publish runs handlers in the caller's
// goroutine; PublishAsync gives each handler its own goroutine.
type Bus struct {
	mu       sync.RWMutex
	byTopic  map[string][]entry
	wildcard []entry
	nextID   uint64
	logger   *zap.Logger
}

type entry struct {
	id      uint64
	handler plugin.EventHandler
}

func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		byTopic: make(map[string][]entry),
		logger:  logger,
	}
}

func (b *Bus) Publish(ctx context.Context, event plugin.Event) error {
	for _, h := range b.matching(event.Topic) {
		b.safeCall(ctx, h, event)
	}
	return nil
}

func (b *Bus) PublishAsync(ctx context.Context, event plugin.Event) {
	for _, h := range b.matching(event.Topic) {
		go b.safeCall(ctx, h, event)
	}
}

// matching snapshots the handlers for topic so none run under the lock.
func (b *Bus) matching(topic string) []plugin.EventHandler {
	eventsPublished.WithLabelValues(topic).Inc()

	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]plugin.EventHandler, 0, len(b.byTopic[topic])+len(b.wildcard))
	for _, e := range b.byTopic[topic] {
		out = append(out, e.handler)
	}
	for _, e := range b.wildcard {
		out = append(out, e.handler)
	}
	return out
}

func (b *Bus) Subscribe(topic string, handler plugin.EventHandler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.byTopic[topic] = append(b.byTopic[topic], entry{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.byTopic[topic] = slices.DeleteFunc(b.byTopic[topic], func(e entry) bool { return e.id == id })
	}
}

func (b *Bus) SubscribeAll(handler plugin.EventHandler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.wildcard = append(b.wildcard, entry{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.wildcard = slices.DeleteFunc(b.wildcard, func(e entry) bool { return e.id == id })
	}
}

func (b *Bus) safeCall(ctx context.Context, handler plugin.EventHandler, event plugin.Event) {
	defer func() {
		if r := recover(); r != nil {
			handlerPanics.WithLabelValues(event.Topic).Inc()
			b.logger.Error("event handler panicked",
				zap.String("topic", event.Topic),
				zap.String("source", event.Source),
				zap.Any("panic", r),
			)
		}
	}()
	handler(ctx, event)
}
