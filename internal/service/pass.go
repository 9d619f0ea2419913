package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/hospital-bulk-engine/internal/domain"
	"github.com/kursadbilgin/hospital-bulk-engine/internal/observability"
	"github.com/kursadbilgin/hospital-bulk-engine/internal/provider"
	"github.com/kursadbilgin/hospital-bulk-engine/internal/ratelimit"
	"go.uber.org/zap"
)

type passState struct {
	batchID   string
	kind      domain.PassKind
	startedAt time.Time
	rowCount  int
	logger    *zap.Logger
}

func (s *BatchService) newPassState(ctx context.Context, batchID string, kind domain.PassKind, rowCount int) *passState {
	return &passState{
		batchID:   batchID,
		kind:      kind,
		startedAt: s.now().UTC(),
		rowCount:  rowCount,
		logger:    observability.WithContextLogger(s.logger, ctx).With(zap.String("pass", kind.String())),
	}
}

func (s *BatchService) runInitialPass(ctx context.Context, batchID string, rows []domain.RawRow) {
	pass := s.newPassState(ctx, batchID, domain.PassInitial, len(rows))

	for i, row := range rows {
		position := i + 1

		payload, err := domain.ValidateRow(row)
		if err != nil {
			outcome := domain.RowOutcome{
				Row:    position,
				Name:   optionalString(row.Field("name")),
				Status: domain.RowStatusInvalid,
			}
			s.metrics.IncRow(pass.kind.String(), outcome.Status.String())
			if !s.applyOutcome(ctx, pass, outcome, domain.CounterDelta{Invalid: 1}) {
				return
			}
			continue
		}

		outcome := s.submit(ctx, pass, position, payload)
		delta := domain.CounterDelta{Failed: 1}
		if outcome.Status.IsCreated() {
			delta = domain.CounterDelta{Processed: 1}
		}
		if !s.applyOutcome(ctx, pass, outcome, delta) {
			return
		}
	}

	s.finishPass(ctx, pass)
}

func (s *BatchService) runRetryPass(ctx context.Context, batchID string, candidates []domain.RowOutcome) {
	pass := s.newPassState(ctx, batchID, domain.PassRetry, len(candidates))

	for _, candidate := range candidates {
		if candidate.Payload == nil {
			continue
		}

		outcome := s.submit(ctx, pass, candidate.Row, *candidate.Payload)
		var delta domain.CounterDelta
		if outcome.Status.IsCreated() {
			delta = domain.CounterDelta{Processed: 1, Failed: -1}
		}
		if !s.applyOutcome(ctx, pass, outcome, delta) {
			return
		}
	}

	s.finishPass(ctx, pass)
}

// submit performs one create call and classifies the result.
func (s *BatchService) submit(ctx context.Context, pass *passState, row int, payload domain.HospitalPayload) domain.RowOutcome {
	if err := s.rateLimiter.Wait(ctx, ratelimit.ScopeHospitalCreate); err != nil && ctx.Err() == nil {
		pass.logger.Warn("rate limiter unavailable, continuing without throttle",
			zap.Int("row", row),
			zap.Error(err),
		)
	}

	name := payload.Name
	retained := payload
	outcome := domain.RowOutcome{
		Row:     row,
		Name:    &name,
		Payload: &retained,
	}

	started := s.now()
	result, err := s.client.CreateHospital(ctx, pass.batchID, payload)
	duration := s.now().Sub(started)

	switch {
	case err == nil:
		outcome.Status = domain.RowStatusCreated
		if result != nil {
			outcome.HospitalID = result.HospitalID
		}
	case provider.IsRequestError(err):
		outcome.Status = domain.RowStatusRequestError
		outcome.Error = provider.ErrorBody(err)
	default:
		outcome.Status = domain.RowStatusCreateFailed
		outcome.Error = provider.ErrorBody(err)
	}

	if err != nil {
		pass.logger.Warn("hospital create failed",
			zap.Int("row", row),
			zap.String("status", outcome.Status.String()),
			zap.Bool("transient", provider.IsTransient(err)),
			zap.Error(err),
		)
	}

	s.metrics.ObserveCreateCall(outcome.Status.String(), duration)
	s.metrics.IncRow(pass.kind.String(), outcome.Status.String())
	s.recordAttempt(ctx, pass, outcome, result, err, duration)

	return outcome
}

// applyOutcome stores the outcome and publishes the merged row. It reports
// false when the pass cannot continue.
func (s *BatchService) applyOutcome(ctx context.Context, pass *passState, outcome domain.RowOutcome, delta domain.CounterDelta) bool {
	record, err := s.batches.ApplyRowOutcome(ctx, pass.batchID, outcome, delta)
	if err != nil {
		pass.logger.Error("failed to store row outcome, abandoning pass",
			zap.Int("row", outcome.Row),
			zap.Error(err),
		)
		return false
	}

	stored, ok := record.Outcome(outcome.Row)
	if !ok {
		stored = outcome
	}
	s.publish(pass.batchID, domain.RowUpdateEvent(stored))
	return true
}

func (s *BatchService) finishPass(ctx context.Context, pass *passState) {
	record, err := s.batches.Get(ctx, pass.batchID)
	if err != nil {
		pass.logger.Error("failed to load batch before completion", zap.Error(err))
		return
	}

	if record.ReadyForActivation() {
		if err := s.client.ActivateBatch(ctx, pass.batchID); err != nil {
			s.metrics.IncActivation(false)
			pass.logger.Warn("batch activation failed", zap.Error(err))
		} else {
			s.metrics.IncActivation(true)
			if _, err := s.batches.ApplyFinalUpdate(ctx, pass.batchID, domain.FinalUpdate{Activated: true}); err != nil {
				pass.logger.Error("failed to store batch activation", zap.Error(err))
				return
			}
			s.publish(pass.batchID, domain.BatchActivatedEvent())
		}
	}

	finishedAt := s.now().UTC()
	record, err = s.batches.ApplyFinalUpdate(ctx, pass.batchID, domain.FinalUpdate{FinishedAt: &finishedAt})
	if err != nil {
		pass.logger.Error("failed to complete batch", zap.Error(err))
		return
	}
	s.publish(pass.batchID, domain.CompletedEvent(record))

	pass.logger.Info("batch pass completed",
		zap.Int("rows", pass.rowCount),
		zap.Int("processed", record.ProcessedCount),
		zap.Int("failed", record.FailedCount),
		zap.Int("invalid", record.InvalidCount),
		zap.Bool("activated", record.Activated),
	)

	s.recordPass(ctx, pass, record, finishedAt)
}

func (s *BatchService) publish(batchID string, event domain.Event) {
	s.broadcaster.Publish(batchID, event)
	if s.sink != nil {
		s.sink.Enqueue(batchID, event)
	}
}

func (s *BatchService) recordAttempt(
	ctx context.Context,
	pass *passState,
	outcome domain.RowOutcome,
	result *provider.CreateResult,
	callErr error,
	duration time.Duration,
) {
	if s.recorder == nil {
		return
	}

	attempt := domain.SubmissionAttempt{
		ID:         uuid.NewString(),
		BatchID:    pass.batchID,
		Row:        outcome.Row,
		Pass:       pass.kind,
		Status:     outcome.Status,
		DurationMs: duration.Milliseconds(),
		CreatedAt:  s.now().UTC(),
	}
	if outcome.HospitalID != nil {
		id := *outcome.HospitalID
		attempt.HospitalID = &id
	}
	if result != nil && result.StatusCode > 0 {
		statusCode := result.StatusCode
		attempt.StatusCode = &statusCode
	}
	if callErr != nil {
		message := callErr.Error()
		attempt.Error = &message

		var providerErr *provider.ProviderError
		if errors.As(callErr, &providerErr) && providerErr.StatusCode > 0 {
			statusCode := providerErr.StatusCode
			attempt.StatusCode = &statusCode
		}
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditWriteTimeout)
	defer cancel()

	if err := s.recorder.RecordAttempt(writeCtx, attempt); err != nil {
		pass.logger.Warn("failed to record submission attempt",
			zap.Int("row", outcome.Row),
			zap.Error(err),
		)
	}
}

func (s *BatchService) recordPass(ctx context.Context, pass *passState, record domain.BatchRecord, finishedAt time.Time) {
	if s.recorder == nil {
		return
	}

	summary := domain.PassSummary{
		ID:             uuid.NewString(),
		BatchID:        pass.batchID,
		Pass:           pass.kind,
		RowCount:       pass.rowCount,
		ProcessedCount: record.ProcessedCount,
		FailedCount:    record.FailedCount,
		InvalidCount:   record.InvalidCount,
		Activated:      record.Activated,
		StartedAt:      pass.startedAt,
		FinishedAt:     finishedAt,
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditWriteTimeout)
	defer cancel()

	if err := s.recorder.RecordPass(writeCtx, summary); err != nil {
		pass.logger.Warn("failed to record pass summary", zap.Error(err))
	}
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
