package service

import (
	"context"
	"fmt"

	"github.com/kursadbilgin/hospital-bulk-engine/internal/domain"
	"github.com/kursadbilgin/hospital-bulk-engine/internal/repository"
)

// AttemptHistory lists the audit trail of a batch.
type AttemptHistory interface {
	ListAttempts(ctx context.Context, batchID string) ([]domain.SubmissionAttempt, error)
	ListPasses(ctx context.Context, batchID string) ([]domain.PassSummary, error)
}

// RepositoryRecorder writes the audit trail through the repositories.
type RepositoryRecorder struct {
	attempts repository.AttemptRepository
	passes   repository.PassSummaryRepository
}

func NewRepositoryRecorder(
	attempts repository.AttemptRepository,
	passes repository.PassSummaryRepository,
) (*RepositoryRecorder, error) {
	if attempts == nil {
		return nil, fmt.Errorf("attempt repository is required")
	}
	if passes == nil {
		return nil, fmt.Errorf("pass summary repository is required")
	}

	return &RepositoryRecorder{attempts: attempts, passes: passes}, nil
}

func (r *RepositoryRecorder) RecordAttempt(ctx context.Context, attempt domain.SubmissionAttempt) error {
	if err := r.attempts.Create(ctx, &attempt); err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	return nil
}

func (r *RepositoryRecorder) RecordPass(ctx context.Context, summary domain.PassSummary) error {
	if err := r.passes.Create(ctx, &summary); err != nil {
		return fmt.Errorf("failed to record pass summary: %w", err)
	}
	return nil
}

func (r *RepositoryRecorder) ListAttempts(ctx context.Context, batchID string) ([]domain.SubmissionAttempt, error) {
	return r.attempts.ListByBatch(ctx, batchID)
}

func (r *RepositoryRecorder) ListPasses(ctx context.Context, batchID string) ([]domain.PassSummary, error) {
	return r.passes.ListByBatch(ctx, batchID)
}
