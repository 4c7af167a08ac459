// Package notify defines the notification sink the core fires on
// operator-relevant events (command failures, devices going offline).
// Delivery transport is an external concern; fleetd only emits events.
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/branchops/fleetd/pkg/plugin"
)

// TopicNotification is the bus topic notification events are published on.
const TopicNotification = "notify.event"

// Event is one operator notification.
type Event struct {
	Title    string    `json:"title"`
	Message  string    `json:"message"`
	DeviceID string    `json:"device_id,omitempty"`
	BranchID string    `json:"branch_id,omitempty"`
	At       time.Time `json:"at"`
}

// Notifier accepts already-decided notification events. Implementations must
// not block the caller; slow transports buffer or drop.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// BusNotifier publishes notifications onto the event bus, where delivery
// adapters (telegram bridge, email relay) subscribe out-of-process concerns.
type BusNotifier struct {
	bus    plugin.EventBus
	source string
}

// NewBusNotifier creates a bus-backed Notifier.
func NewBusNotifier(bus plugin.EventBus, source string) *BusNotifier {
	return &BusNotifier{bus: bus, source: source}
}

// Notify publishes the event asynchronously.
func (n *BusNotifier) Notify(ctx context.Context, event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	n.bus.PublishAsync(ctx, plugin.Event{
		Topic:     TopicNotification,
		Source:    n.source,
		Timestamp: event.At,
		Payload:   event,
	})
}

// LogNotifier writes notifications to the log. Used as the default sink when
// no delivery adapter is configured, so events are never silently discarded.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a log-backed Notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs the event at warn level.
func (n *LogNotifier) Notify(_ context.Context, event Event) {
	n.logger.Warn("notification",
		zap.String("title", event.Title),
		zap.String("message", event.Message),
		zap.String("device_id", event.DeviceID),
		zap.String("branch_id", event.BranchID),
	)
}
