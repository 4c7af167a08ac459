package plugin

import (
	"context"
	"time"
)

// Event is a message published on the in-process bus. Payload types are owned
// by the publishing module; subscribers type-assert.
type Event struct {
	Topic     string
	Source    string
	Timestamp time.Time
	Payload   any
}

// EventHandler processes a single event. Handlers must not block for long;
// long work should be dispatched to the handler's own goroutine.
type EventHandler func(ctx context.Context, event Event)

// EventBus decouples modules: publishers never know their subscribers.
type EventBus interface {
	// Publish delivers the event to all subscribers synchronously.
	Publish(ctx context.Context, event Event) error

	// PublishAsync delivers the event without waiting for subscribers.
	PublishAsync(ctx context.Context, event Event)

	// Subscribe registers a handler for one topic. The returned function
	// removes the subscription.
	Subscribe(topic string, handler EventHandler) func()

	// SubscribeAll registers a handler for every topic.
	SubscribeAll(handler EventHandler) func()
}

// Subscription declares a topic a module wants delivered to it at init time.
type Subscription struct {
	Topic   string
	Handler EventHandler
}
