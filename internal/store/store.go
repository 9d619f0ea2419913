package store

import (
	"context"
	"time"

	"github.com/kursadbilgin/hospital-bulk-engine/internal/domain"
)

// BatchStore holds one progress record per batch. Every method returns
// copies; callers never share memory with the stored record.
type BatchStore interface {
	Create(ctx context.Context, record domain.BatchRecord) error
	Get(ctx context.Context, batchID string) (domain.BatchRecord, error)
	ApplyRowOutcome(ctx context.Context, batchID string, outcome domain.RowOutcome, delta domain.CounterDelta) (domain.BatchRecord, error)
	ApplyFinalUpdate(ctx context.Context, batchID string, update domain.FinalUpdate) (domain.BatchRecord, error)
	// ClaimRetry moves a completed batch back to processing and returns the
	// rows to resubmit. It returns ErrConflict while a pass is in flight and
	// an empty slice, leaving the record untouched, when nothing is retryable.
	ClaimRetry(ctx context.Context, batchID string) ([]domain.RowOutcome, error)
	EvictCompleted(ctx context.Context, finishedBefore time.Time) ([]string, error)
}
