package queue

import (
	"context"
	"fmt"
	"strings"

	"github.com/kursadbilgin/hospital-bulk-engine/internal/domain"
)

// Publisher publishes batch event messages to the broker.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, msg BatchEventMessage) error
	Close() error
}

const (
	// ExchangeName is the topic exchange batch events are mirrored to.
	ExchangeName = "hospital.batches"
	// EventsQueueName is a durable queue bound to every batch event.
	EventsQueueName = "hospital.batch.events"
	// EventsBindingKey matches every routing key produced by RoutingKey.
	EventsBindingKey = "batch.#"
)

// RoutingKey returns the routing key for an event type, e.g. batch.row_update.
func RoutingKey(eventType domain.EventType) string {
	return fmt.Sprintf("batch.%s", strings.ToLower(eventType.String()))
}
