package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/hospital-bulk-engine/internal/broadcast"
	"github.com/kursadbilgin/hospital-bulk-engine/internal/observability"
	"github.com/kursadbilgin/hospital-bulk-engine/internal/store"
	"go.uber.org/zap"
)

const defaultJanitorInterval = time.Minute

// Janitor periodically evicts completed batches past their retention.
type Janitor struct {
	batches     store.BatchStore
	broadcaster *broadcast.Broadcaster
	logger      *zap.Logger
	metrics     *observability.Metrics
	retention   time.Duration
	interval    time.Duration
	now         func() time.Time
}

func NewJanitor(
	batches store.BatchStore,
	broadcaster *broadcast.Broadcaster,
	retention time.Duration,
	interval time.Duration,
	logger *zap.Logger,
) (*Janitor, error) {
	if batches == nil {
		return nil, fmt.Errorf("batch store is required")
	}
	if retention < 0 {
		return nil, fmt.Errorf("retention must not be negative")
	}
	if interval <= 0 {
		interval = defaultJanitorInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Janitor{
		batches:     batches,
		broadcaster: broadcaster,
		logger:      logger,
		retention:   retention,
		interval:    interval,
		now:         time.Now,
	}, nil
}

func (j *Janitor) SetMetrics(metrics *observability.Metrics) {
	if j == nil {
		return
	}
	j.metrics = metrics
}

// Start blocks until ctx is done. A zero retention keeps batches forever.
func (j *Janitor) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if j.retention == 0 {
		j.logger.Info("batch retention disabled, janitor idle")
		<-ctx.Done()
		return nil
	}

	if _, err := j.Sweep(ctx); err != nil && ctx.Err() == nil {
		j.logger.Error("janitor initial sweep failed", zap.Error(err))
	}

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := j.Sweep(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				j.logger.Error("janitor sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep evicts every completed batch that finished before now minus the
// retention and closes any streams still attached to it.
func (j *Janitor) Sweep(ctx context.Context) ([]string, error) {
	cutoff := j.now().UTC().Add(-j.retention)

	evicted, err := j.batches.EvictCompleted(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to evict completed batches: %w", err)
	}

	for _, batchID := range evicted {
		if j.broadcaster != nil {
			j.broadcaster.CloseBatch(batchID)
		}
		j.logger.Debug("evicted completed batch", zap.String("batchId", batchID))
	}
	if len(evicted) > 0 {
		j.metrics.AddBatchesEvicted(len(evicted))
		j.logger.Info("janitor evicted completed batches", zap.Int("count", len(evicted)))
	}

	return evicted, nil
}
