package provider

import (
	"context"

	"github.com/kursadbilgin/hospital-bulk-engine/internal/domain"
)

// HospitalClient is the outbound port to the hospital directory.
type HospitalClient interface {
	CreateHospital(ctx context.Context, batchID string, payload domain.HospitalPayload) (*CreateResult, error)
	ActivateBatch(ctx context.Context, batchID string) error
}

// CreateResult stores create call metadata for audit and row outcomes.
type CreateResult struct {
	StatusCode int
	HospitalID *int64
	Body       string
}
