package message

import "github.com/charging-platform/balanz/internal/domain/events"

// EventProducer publishes integration events to a message broker.
type EventProducer interface {
	// PublishEvent enqueues an event for asynchronous delivery.
	PublishEvent(event events.Event) error
	// Close flushes pending messages and shuts the producer down.
	Close() error
}
