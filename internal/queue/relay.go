package queue

import (
	"context"
	"time"

	"github.com/kursadbilgin/hospital-bulk-engine/internal/domain"
	"github.com/kursadbilgin/hospital-bulk-engine/internal/observability"
	"go.uber.org/zap"
)

const (
	defaultRelayBuffer  = 256
	defaultRelayTimeout = 5 * time.Second
)

// EventRelay mirrors batch events to the broker from a single background
// goroutine. Enqueue never blocks the caller; events that do not fit in
// the buffer are dropped and counted.
type EventRelay struct {
	publisher Publisher
	events    chan BatchEventMessage
	timeout   time.Duration
	now       func() time.Time

	logger  *zap.Logger
	metrics *observability.Metrics
}

func NewEventRelay(publisher Publisher, bufferSize int, logger *zap.Logger) *EventRelay {
	if bufferSize <= 0 {
		bufferSize = defaultRelayBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &EventRelay{
		publisher: publisher,
		events:    make(chan BatchEventMessage, bufferSize),
		timeout:   defaultRelayTimeout,
		now:       time.Now,
		logger:    logger,
	}
}

func (r *EventRelay) SetMetrics(metrics *observability.Metrics) {
	r.metrics = metrics
}

// Enqueue schedules event for publishing and reports whether it was accepted.
func (r *EventRelay) Enqueue(batchID string, event domain.Event) bool {
	msg, err := NewBatchEventMessage(batchID, event, r.now())
	if err != nil {
		r.metrics.IncRelayDropped()
		r.logger.Error("failed to build batch event message",
			zap.String("batchId", batchID),
			zap.String("eventType", event.Type.String()),
			zap.Error(err),
		)
		return false
	}

	select {
	case r.events <- msg:
		return true
	default:
		r.metrics.IncRelayDropped()
		r.logger.Warn("event relay buffer full, dropping event",
			zap.String("batchId", batchID),
			zap.String("eventType", event.Type.String()),
		)
		return false
	}
}

// Run publishes queued events until ctx is canceled, then flushes what is
// already buffered.
func (r *EventRelay) Run(ctx context.Context) error {
	r.logger.Info("event relay started")
	defer r.logger.Info("event relay stopped")

	for {
		select {
		case <-ctx.Done():
			r.drain()
			return nil
		case msg := <-r.events:
			r.publish(ctx, msg)
		}
	}
}

func (r *EventRelay) drain() {
	flushCtx := context.Background()
	for {
		select {
		case msg := <-r.events:
			r.publish(flushCtx, msg)
		default:
			return
		}
	}
}

func (r *EventRelay) publish(ctx context.Context, msg BatchEventMessage) {
	publishCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.publisher.Publish(publishCtx, RoutingKey(msg.Type), msg); err != nil {
		r.metrics.IncRelayDropped()
		r.logger.Warn("failed to publish batch event",
			zap.String("batchId", msg.BatchID),
			zap.String("eventType", msg.Type.String()),
			zap.Error(err),
		)
	}
}
