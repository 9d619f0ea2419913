package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/hospital-bulk-engine/internal/broadcast"
	"github.com/kursadbilgin/hospital-bulk-engine/internal/domain"
	"github.com/kursadbilgin/hospital-bulk-engine/internal/observability"
	"github.com/kursadbilgin/hospital-bulk-engine/internal/provider"
	"github.com/kursadbilgin/hospital-bulk-engine/internal/ratelimit"
	"github.com/kursadbilgin/hospital-bulk-engine/internal/store"
	"go.uber.org/zap"
)

const (
	defaultMaxRows     = 20
	auditWriteTimeout  = 2 * time.Second
	ResumeScheduled    = "retry_scheduled"
	ResumeNothingToRun = "nothing_to_retry"
)

// ErrShuttingDown is returned when work is submitted after Shutdown began.
var ErrShuttingDown = fmt.Errorf("%w: batch service is shutting down", domain.ErrUnavailable)

// AttemptRecorder persists the audit trail of processing passes.
type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, attempt domain.SubmissionAttempt) error
	RecordPass(ctx context.Context, summary domain.PassSummary) error
}

// EventSink receives a copy of every batch event published to subscribers.
type EventSink interface {
	Enqueue(batchID string, event domain.Event) bool
}

type StartResult struct {
	BatchID    string
	TotalCount int
	Status     domain.BatchStatus
}

type ResumeResult struct {
	BatchID    string
	RetryCount int
	Status     string
}

// PassHandle tracks one running pass. A batch left in processing with no
// handle is stuck and needs recovery.
type PassHandle struct {
	BatchID   string
	Kind      domain.PassKind
	StartedAt time.Time

	done chan struct{}
}

// Done is closed when the pass goroutine exits, normally or by panic.
func (h *PassHandle) Done() <-chan struct{} {
	return h.done
}

// BatchService drives uploads from creation to completion and re-drives
// the failed subset on request.
type BatchService struct {
	batches     store.BatchStore
	client      provider.HospitalClient
	broadcaster *broadcast.Broadcaster
	rateLimiter ratelimit.RateLimiter
	recorder    AttemptRecorder
	sink        EventSink
	logger      *zap.Logger
	metrics     *observability.Metrics
	maxRows     int
	now         func() time.Time
	newID       func() string

	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	passes map[string]*PassHandle
	closed bool
	wg     sync.WaitGroup
}

func NewBatchService(
	batches store.BatchStore,
	client provider.HospitalClient,
	broadcaster *broadcast.Broadcaster,
	maxRows int,
	logger *zap.Logger,
) (*BatchService, error) {
	if batches == nil {
		return nil, fmt.Errorf("batch store is required")
	}
	if client == nil {
		return nil, fmt.Errorf("hospital client is required")
	}
	if broadcaster == nil {
		return nil, fmt.Errorf("broadcaster is required")
	}
	if maxRows <= 0 {
		maxRows = defaultMaxRows
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	baseCtx, cancel := context.WithCancel(context.Background())

	return &BatchService{
		batches:     batches,
		client:      client,
		broadcaster: broadcaster,
		rateLimiter: ratelimit.Unlimited{},
		logger:      logger,
		maxRows:     maxRows,
		now:         time.Now,
		newID:       uuid.NewString,
		baseCtx:     baseCtx,
		cancel:      cancel,
		passes:      make(map[string]*PassHandle),
	}, nil
}

func (s *BatchService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

func (s *BatchService) SetRateLimiter(limiter ratelimit.RateLimiter) {
	if s == nil || limiter == nil {
		return
	}
	s.rateLimiter = limiter
}

func (s *BatchService) SetAttemptRecorder(recorder AttemptRecorder) {
	if s == nil {
		return
	}
	s.recorder = recorder
}

func (s *BatchService) SetEventSink(sink EventSink) {
	if s == nil {
		return
	}
	s.sink = sink
}

// StartBatch registers a new batch and schedules its first pass. Oversized
// or empty uploads are rejected before any batch id is generated.
func (s *BatchService) StartBatch(ctx context.Context, rows []domain.RawRow) (*StartResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: CSV is empty or missing header row", domain.ErrValidation)
	}
	if len(rows) > s.maxRows {
		return nil, fmt.Errorf("%w: maximum %d hospitals allowed per upload", domain.ErrRowLimitExceeded, s.maxRows)
	}
	if err := s.reserve(); err != nil {
		return nil, err
	}

	batchID := s.newID()
	record := domain.NewBatchRecord(batchID, len(rows), s.now().UTC())
	if err := s.batches.Create(ctx, record); err != nil {
		s.wg.Done()
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}

	pending := make([]domain.RawRow, len(rows))
	copy(pending, rows)

	s.launch(ctx, batchID, domain.PassInitial, func(passCtx context.Context) {
		s.runInitialPass(passCtx, batchID, pending)
	})

	return &StartResult{
		BatchID:    batchID,
		TotalCount: len(rows),
		Status:     domain.BatchStatusProcessing,
	}, nil
}

func (s *BatchService) GetStatus(ctx context.Context, batchID string) (*domain.BatchRecord, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	record, err := s.batches.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// ResumeBatch re-drives every failed row that still has a payload. The
// store's processing guard makes concurrent calls for one batch conflict.
func (s *BatchService) ResumeBatch(ctx context.Context, batchID string) (*ResumeResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.reserve(); err != nil {
		return nil, err
	}

	candidates, err := s.batches.ClaimRetry(ctx, batchID)
	if err != nil {
		s.wg.Done()
		return nil, err
	}
	if len(candidates) == 0 {
		s.wg.Done()
		return &ResumeResult{BatchID: batchID, Status: ResumeNothingToRun}, nil
	}

	s.launch(ctx, batchID, domain.PassRetry, func(passCtx context.Context) {
		s.runRetryPass(passCtx, batchID, candidates)
	})

	return &ResumeResult{
		BatchID:    batchID,
		RetryCount: len(candidates),
		Status:     ResumeScheduled,
	}, nil
}

// Subscribe registers for live events and returns the snapshot to replay
// first. Registration happens before the read, so no event falls between
// the two; a row already in the snapshot may also arrive as a row_update.
func (s *BatchService) Subscribe(ctx context.Context, batchID string) (*broadcast.Subscription, *domain.BatchRecord, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	sub := s.broadcaster.Subscribe(batchID)
	record, err := s.batches.Get(ctx, batchID)
	if err != nil {
		s.broadcaster.Unsubscribe(sub)
		return nil, nil, err
	}
	return sub, &record, nil
}

func (s *BatchService) Unsubscribe(sub *broadcast.Subscription) {
	s.broadcaster.Unsubscribe(sub)
}

// Pass returns the handle of the pass currently running for batchID.
func (s *BatchService) Pass(batchID string) (*PassHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	handle, ok := s.passes[batchID]
	return handle, ok
}

// Wait blocks until no pass is running for batchID or ctx ends.
func (s *BatchService) Wait(ctx context.Context, batchID string) error {
	for {
		handle, ok := s.Pass(batchID)
		if !ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-handle.Done():
		}
	}
}

// Shutdown stops accepting work and waits for running passes. If ctx ends
// first, in-flight remote calls are canceled and their rows fail with a
// request error.
func (s *BatchService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

// reserve counts a pass against the shutdown wait group before any batch
// state changes. Callers release it with wg.Done when no pass is launched.
func (s *BatchService) reserve() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrShuttingDown
	}
	s.wg.Add(1)
	return nil
}

// launch runs pass in its own goroutine with a context detached from the
// request that scheduled it. The caller must hold a reservation.
func (s *BatchService) launch(ctx context.Context, batchID string, kind domain.PassKind, pass func(context.Context)) {
	passCtx := observability.WithBatchID(s.baseCtx, batchID)
	if requestID, ok := observability.RequestIDFromContext(ctx); ok {
		passCtx = observability.WithRequestID(passCtx, requestID)
	}

	handle := &PassHandle{
		BatchID:   batchID,
		Kind:      kind,
		StartedAt: s.now().UTC(),
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	s.passes[batchID] = handle
	s.mu.Unlock()

	s.metrics.IncPassStarted(kind.String())
	s.metrics.IncPassInFlight(kind.String())

	go func() {
		logger := observability.WithContextLogger(s.logger, passCtx)
		defer func() {
			if recovered := recover(); recovered != nil {
				logger.Error("batch pass panicked, batch left in processing",
					zap.String("pass", kind.String()),
					zap.Any("panic", recovered),
				)
			}

			s.mu.Lock()
			if s.passes[batchID] == handle {
				delete(s.passes, batchID)
			}
			s.mu.Unlock()

			s.metrics.DecPassInFlight(kind.String())
			close(handle.done)
			s.wg.Done()
		}()

		logger.Info("batch pass started", zap.String("pass", kind.String()))
		pass(passCtx)
	}()
}
