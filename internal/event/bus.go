// Package event provides the in-process event bus connecting fleetd modules.
package event

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/branchops/fleetd/pkg/plugin"
)

// Compile-time interface guard.
var _ plugin.EventBus = (*Bus)(nil)

// Bus is a topic-based in-process event bus. Synchronous delivery runs
// handlers in subscription order; handler panics are recovered and logged so
// one bad subscriber cannot take down a publisher.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[string]map[int]plugin.EventHandler // topic -> id -> handler
	all      map[int]plugin.EventHandler            // wildcard subscribers
	logger   *zap.Logger
}

// NewBus creates an event bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		handlers: make(map[string]map[int]plugin.EventHandler),
		all:      make(map[int]plugin.EventHandler),
		logger:   logger,
	}
}

// Publish delivers the event to all matching subscribers synchronously.
func (b *Bus) Publish(ctx context.Context, event plugin.Event) error {
	for _, h := range b.snapshot(event.Topic) {
		b.invoke(ctx, h, event)
	}
	return nil
}

// PublishAsync delivers the event on a separate goroutine without waiting.
func (b *Bus) PublishAsync(ctx context.Context, event plugin.Event) {
	handlers := b.snapshot(event.Topic)
	go func() {
		for _, h := range handlers {
			b.invoke(ctx, h, event)
		}
	}()
}

// Subscribe registers a handler for one topic and returns an unsubscribe func.
func (b *Bus) Subscribe(topic string, handler plugin.EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	if b.handlers[topic] == nil {
		b.handlers[topic] = make(map[int]plugin.EventHandler)
	}
	b.handlers[topic][id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[topic], id)
	}
}

// SubscribeAll registers a handler for every topic and returns an unsubscribe func.
func (b *Bus) SubscribeAll(handler plugin.EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.all[id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.all, id)
	}
}

// snapshot copies the handlers matching topic so delivery happens outside the lock.
func (b *Bus) snapshot(topic string) []plugin.EventHandler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]plugin.EventHandler, 0, len(b.handlers[topic])+len(b.all))
	for _, h := range b.handlers[topic] {
		out = append(out, h)
	}
	for _, h := range b.all {
		out = append(out, h)
	}
	return out
}

func (b *Bus) invoke(ctx context.Context, h plugin.EventHandler, event plugin.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("topic", event.Topic),
				zap.Any("panic", r),
			)
		}
	}()
	h(ctx, event)
}
