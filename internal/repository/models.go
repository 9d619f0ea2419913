package repository

import (
	"time"

	"github.com/kursadbilgin/hospital-bulk-engine/internal/domain"
)

// SubmissionAttemptModel is the persistence model for submission_attempts.
type SubmissionAttemptModel struct {
	ID         string           `gorm:"type:uuid;primaryKey"`
	BatchID    string           `gorm:"type:uuid;not null"`
	Row        int              `gorm:"column:row_number;not null"`
	Pass       domain.PassKind  `gorm:"type:varchar(10);not null"`
	Status     domain.RowStatus `gorm:"type:varchar(30);not null"`
	StatusCode *int             `gorm:"type:int"`
	HospitalID *int64           `gorm:"type:bigint"`
	Error      *string          `gorm:"type:text"`
	DurationMs int64            `gorm:"not null;default:0"`
	CreatedAt  time.Time
}

func (SubmissionAttemptModel) TableName() string {
	return "submission_attempts"
}

// PassSummaryModel is the persistence model for batch_pass_summaries.
type PassSummaryModel struct {
	ID             string          `gorm:"type:uuid;primaryKey"`
	BatchID        string          `gorm:"type:uuid;not null"`
	Pass           domain.PassKind `gorm:"type:varchar(10);not null"`
	RowCount       int             `gorm:"not null"`
	ProcessedCount int             `gorm:"not null"`
	FailedCount    int             `gorm:"not null"`
	InvalidCount   int             `gorm:"not null"`
	Activated      bool            `gorm:"not null;default:false"`
	StartedAt      time.Time       `gorm:"type:timestamptz;not null"`
	FinishedAt     time.Time       `gorm:"type:timestamptz;not null"`
}

func (PassSummaryModel) TableName() string {
	return "batch_pass_summaries"
}

func attemptModelFromDomain(a *domain.SubmissionAttempt) *SubmissionAttemptModel {
	if a == nil {
		return nil
	}

	return &SubmissionAttemptModel{
		ID:         a.ID,
		BatchID:    a.BatchID,
		Row:        a.Row,
		Pass:       a.Pass,
		Status:     a.Status,
		StatusCode: a.StatusCode,
		HospitalID: a.HospitalID,
		Error:      a.Error,
		DurationMs: a.DurationMs,
		CreatedAt:  a.CreatedAt,
	}
}

func attemptModelToDomain(m *SubmissionAttemptModel) *domain.SubmissionAttempt {
	if m == nil {
		return nil
	}

	return &domain.SubmissionAttempt{
		ID:         m.ID,
		BatchID:    m.BatchID,
		Row:        m.Row,
		Pass:       m.Pass,
		Status:     m.Status,
		StatusCode: m.StatusCode,
		HospitalID: m.HospitalID,
		Error:      m.Error,
		DurationMs: m.DurationMs,
		CreatedAt:  m.CreatedAt,
	}
}

func passSummaryModelFromDomain(p *domain.PassSummary) *PassSummaryModel {
	if p == nil {
		return nil
	}

	return &PassSummaryModel{
		ID:             p.ID,
		BatchID:        p.BatchID,
		Pass:           p.Pass,
		RowCount:       p.RowCount,
		ProcessedCount: p.ProcessedCount,
		FailedCount:    p.FailedCount,
		InvalidCount:   p.InvalidCount,
		Activated:      p.Activated,
		StartedAt:      p.StartedAt,
		FinishedAt:     p.FinishedAt,
	}
}

func passSummaryModelToDomain(m *PassSummaryModel) *domain.PassSummary {
	if m == nil {
		return nil
	}

	return &domain.PassSummary{
		ID:             m.ID,
		BatchID:        m.BatchID,
		Pass:           m.Pass,
		RowCount:       m.RowCount,
		ProcessedCount: m.ProcessedCount,
		FailedCount:    m.FailedCount,
		InvalidCount:   m.InvalidCount,
		Activated:      m.Activated,
		StartedAt:      m.StartedAt,
		FinishedAt:     m.FinishedAt,
	}
}
