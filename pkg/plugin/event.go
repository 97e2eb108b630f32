package plugin

import (
	"context"
	"time"
)

// Event is a message on the bus. The Payload type is fixed per Topic.
type Event struct {
	Topic     string
	Source    string
	Timestamp time.Time
	Payload   any
}

// EventHandler consumes events. Handlers must not block for long: Publish
// runs them on the caller's goroutine.
type EventHandler func(ctx context.Context, event Event)

// EventBus is in-process publish/subscribe between modules.
type EventBus interface {
	// Publish delivers to every matching handler before returning.
	Publish(ctx context.Context, event Event) error
	// PublishAsync runs each handler on its own goroutine.
	PublishAsync(ctx context.Context, event Event)
	Subscribe(topic string, handler EventHandler) (unsubscribe func())
	// SubscribeAll receives every topic.
	SubscribeAll(handler EventHandler) (unsubscribe func())
}

// Subscription pairs a topic with its handler.
type Subscription struct {
	Topic   string
	Handler EventHandler
}

// EventSubscriber is implemented by modules whose subscriptions the
// registry should install after Init.
type EventSubscriber interface {
	Subscriptions() []Subscription
}
