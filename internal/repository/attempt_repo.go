package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/kursadbilgin/hospital-bulk-engine/internal/domain"
	"gorm.io/gorm"
)

type AttemptRepository interface {
	Create(ctx context.Context, a *domain.SubmissionAttempt) error
	ListByBatch(ctx context.Context, batchID string) ([]domain.SubmissionAttempt, error)
}

type GormAttemptRepo struct {
	db *gorm.DB
}

func NewGormAttemptRepo(db *gorm.DB) *GormAttemptRepo {
	return &GormAttemptRepo{db: db}
}

func (r *GormAttemptRepo) Create(ctx context.Context, a *domain.SubmissionAttempt) error {
	if a == nil {
		return fmt.Errorf("%w: attempt is required", domain.ErrValidation)
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}

	model := attemptModelFromDomain(a)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	*a = *attemptModelToDomain(model)
	return nil
}

// ListByBatch returns attempts in row order, oldest first within a row.
func (r *GormAttemptRepo) ListByBatch(ctx context.Context, batchID string) ([]domain.SubmissionAttempt, error) {
	var models []SubmissionAttemptModel
	err := r.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("row_number ASC").
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	attempts := make([]domain.SubmissionAttempt, 0, len(models))
	for i := range models {
		attempts = append(attempts, *attemptModelToDomain(&models[i]))
	}

	return attempts, nil
}
