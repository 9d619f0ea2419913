package ratelimit

import "context"

// ScopeHospitalCreate throttles create calls to the hospital directory
// across every batch and every process sharing the limiter backend.
const ScopeHospitalCreate = "hospital_create"

// RateLimiter controls outbound call throughput per scope.
type RateLimiter interface {
	Allow(ctx context.Context, scope string) (bool, error)
	Wait(ctx context.Context, scope string) error
}

// Unlimited admits every call.
type Unlimited struct{}

var _ RateLimiter = Unlimited{}

func (Unlimited) Allow(context.Context, string) (bool, error) { return true, nil }

func (Unlimited) Wait(ctx context.Context, _ string) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}
