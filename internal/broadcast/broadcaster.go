package broadcast

import (
	"sync"

	"github.com/google/uuid"
	"github.com/kursadbilgin/hospital-bulk-engine/internal/domain"
	"github.com/kursadbilgin/hospital-bulk-engine/internal/observability"
	"go.uber.org/zap"
)

const DefaultBufferSize = 64

// Subscription is one registered listener for a batch's events. Its channel
// is closed on Unsubscribe, on eviction for a full buffer and when the batch
// is dropped.
type Subscription struct {
	ID      string
	BatchID string

	events chan domain.Event
}

func (s *Subscription) Events() <-chan domain.Event {
	return s.events
}

// Broadcaster fans batch events out to every live subscriber. Publish never
// blocks: a subscriber that cannot keep up is removed.
type Broadcaster struct {
	mu          sync.Mutex
	bufferSize  int
	subscribers map[string]map[string]*Subscription
	closed      bool

	logger  *zap.Logger
	metrics *observability.Metrics
}

func NewBroadcaster(bufferSize int, logger *zap.Logger) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Broadcaster{
		bufferSize:  bufferSize,
		subscribers: make(map[string]map[string]*Subscription),
		logger:      logger,
	}
}

func (b *Broadcaster) SetMetrics(metrics *observability.Metrics) {
	b.metrics = metrics
}

func (b *Broadcaster) Subscribe(batchID string) *Subscription {
	sub := &Subscription{
		ID:      uuid.NewString(),
		BatchID: batchID,
		events:  make(chan domain.Event, b.bufferSize),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(sub.events)
		return sub
	}

	subs, ok := b.subscribers[batchID]
	if !ok {
		subs = make(map[string]*Subscription)
		b.subscribers[batchID] = subs
	}
	subs[sub.ID] = sub
	b.metrics.IncSubscribers()

	return sub
}

// Unsubscribe is safe to call more than once and after eviction.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sub)
}

// Publish delivers event to every subscriber of batchID and returns how many
// received it.
func (b *Broadcaster) Publish(batchID string, event domain.Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	delivered := 0
	for _, sub := range b.subscribers[batchID] {
		select {
		case sub.events <- event:
			delivered++
		default:
			b.removeLocked(sub)
			b.metrics.IncSubscriberEvicted()
			b.logger.Warn("dropping slow event subscriber",
				zap.String("batchId", batchID),
				zap.String("subscriptionId", sub.ID),
				zap.String("eventType", event.Type.String()),
			)
		}
	}
	return delivered
}

// Count returns the number of live subscribers for batchID.
func (b *Broadcaster) Count(batchID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[batchID])
}

// CloseBatch removes every subscriber of batchID.
func (b *Broadcaster) CloseBatch(batchID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subscribers[batchID] {
		b.removeLocked(sub)
	}
}

// Close ends every live subscription. Later Subscribe calls return an already
// closed subscription so no new stream outlives shutdown.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.subscribers {
		for _, sub := range subs {
			b.removeLocked(sub)
		}
	}
}

func (b *Broadcaster) removeLocked(sub *Subscription) {
	subs, ok := b.subscribers[sub.BatchID]
	if !ok {
		return
	}
	if _, ok := subs[sub.ID]; !ok {
		return
	}

	delete(subs, sub.ID)
	close(sub.events)
	b.metrics.DecSubscribers()
	if len(subs) == 0 {
		delete(b.subscribers, sub.BatchID)
	}
}
