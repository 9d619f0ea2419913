package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/kursadbilgin/hospital-bulk-engine/internal/domain"
	"gorm.io/gorm"
)

type PassSummaryRepository interface {
	Create(ctx context.Context, p *domain.PassSummary) error
	ListByBatch(ctx context.Context, batchID string) ([]domain.PassSummary, error)
}

type GormPassSummaryRepo struct {
	db *gorm.DB
}

func NewGormPassSummaryRepo(db *gorm.DB) *GormPassSummaryRepo {
	return &GormPassSummaryRepo{db: db}
}

func (r *GormPassSummaryRepo) Create(ctx context.Context, p *domain.PassSummary) error {
	if p == nil {
		return fmt.Errorf("%w: pass summary is required", domain.ErrValidation)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	model := passSummaryModelFromDomain(p)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	*p = *passSummaryModelToDomain(model)
	return nil
}

func (r *GormPassSummaryRepo) ListByBatch(ctx context.Context, batchID string) ([]domain.PassSummary, error) {
	var models []PassSummaryModel
	err := r.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("finished_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	summaries := make([]domain.PassSummary, 0, len(models))
	for i := range models {
		summaries = append(summaries, *passSummaryModelToDomain(&models[i]))
	}

	return summaries, nil
}
