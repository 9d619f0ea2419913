package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kursadbilgin/hospital-bulk-engine/internal/broadcast"
	"github.com/kursadbilgin/hospital-bulk-engine/internal/domain"
	"github.com/kursadbilgin/hospital-bulk-engine/internal/provider"
	"github.com/kursadbilgin/hospital-bulk-engine/internal/ratelimit"
	"github.com/kursadbilgin/hospital-bulk-engine/internal/store"
	"go.uber.org/zap"
)

func TestBatchServiceAllRowsCreatedAndActivated(t *testing.T) {
	t.Parallel()

	var nextID atomic.Int64
	var activations atomic.Int32
	client := &fakeHospitalClient{
		createFn: func(ctx context.Context, batchID string, payload domain.HospitalPayload) (*provider.CreateResult, error) {
			id := nextID.Add(1)
			return &provider.CreateResult{StatusCode: 201, HospitalID: &id}, nil
		},
		activateFn: func(ctx context.Context, batchID string) error {
			activations.Add(1)
			return nil
		},
	}
	svc, _, _ := newTestService(t, client)

	result, err := svc.StartBatch(context.Background(), hospitalRows("Alpha", "Beta", "Gamma"))
	if err != nil {
		t.Fatalf("StartBatch() error = %v", err)
	}
	if result.TotalCount != 3 || result.Status != domain.BatchStatusProcessing {
		t.Fatalf("StartBatch() = %+v, want 3 rows processing", result)
	}

	record := waitForBatch(t, svc, result.BatchID)

	if record.Status != domain.BatchStatusCompleted {
		t.Fatalf("status = %s, want completed", record.Status)
	}
	if record.ProcessedCount != 3 || record.FailedCount != 0 || record.InvalidCount != 0 {
		t.Fatalf("counters = %d/%d/%d, want 3/0/0", record.ProcessedCount, record.FailedCount, record.InvalidCount)
	}
	if !record.Activated {
		t.Fatal("expected batch to be activated")
	}
	if got := activations.Load(); got != 1 {
		t.Fatalf("activate calls = %d, want 1", got)
	}
	if record.FinishedAt == nil || record.ProcessingTimeSeconds == nil {
		t.Fatal("expected finished time and processing time")
	}
	if len(record.Outcomes) != 3 {
		t.Fatalf("outcomes = %d, want 3", len(record.Outcomes))
	}
	for i, outcome := range record.Outcomes {
		if outcome.Row != i+1 {
			t.Fatalf("outcome[%d].Row = %d, want %d", i, outcome.Row, i+1)
		}
		if outcome.Status != domain.RowStatusCreatedAndActivated {
			t.Fatalf("row %d status = %s, want created_and_activated", outcome.Row, outcome.Status)
		}
		if outcome.HospitalID == nil {
			t.Fatalf("row %d missing hospital id", outcome.Row)
		}
	}
}

func TestBatchServicePartialFailureThenResume(t *testing.T) {
	t.Parallel()

	var failBeta atomic.Bool
	failBeta.Store(true)
	var activations atomic.Int32
	client := &fakeHospitalClient{
		createFn: func(ctx context.Context, batchID string, payload domain.HospitalPayload) (*provider.CreateResult, error) {
			if payload.Name == "Beta" && failBeta.Load() {
				return nil, &provider.ProviderError{
					StatusCode: 500,
					Body:       json.RawMessage(`{"detail":"boom"}`),
					Message:    "create hospital failed",
					Transient:  true,
				}
			}
			id := int64(len(payload.Name))
			return &provider.CreateResult{StatusCode: 200, HospitalID: &id}, nil
		},
		activateFn: func(ctx context.Context, batchID string) error {
			activations.Add(1)
			return nil
		},
	}
	svc, _, _ := newTestService(t, client)

	result, err := svc.StartBatch(context.Background(), hospitalRows("Alpha", "Beta", "Gamma"))
	if err != nil {
		t.Fatalf("StartBatch() error = %v", err)
	}

	record := waitForBatch(t, svc, result.BatchID)
	if record.ProcessedCount != 2 || record.FailedCount != 1 {
		t.Fatalf("counters = %d/%d, want 2/1", record.ProcessedCount, record.FailedCount)
	}
	if record.Activated {
		t.Fatal("batch must not activate with a failed row")
	}
	if activations.Load() != 0 {
		t.Fatal("activate should not be called")
	}

	failed, _ := record.Outcome(2)
	if failed.Status != domain.RowStatusCreateFailed {
		t.Fatalf("row 2 status = %s, want create_failed", failed.Status)
	}
	if string(failed.Error) != `{"detail":"boom"}` {
		t.Fatalf("row 2 error = %s, want provider body", failed.Error)
	}
	for _, row := range []int{1, 3} {
		outcome, _ := record.Outcome(row)
		if outcome.Status != domain.RowStatusCreated {
			t.Fatalf("row %d status = %s, want created", row, outcome.Status)
		}
	}

	failBeta.Store(false)

	resume, err := svc.ResumeBatch(context.Background(), result.BatchID)
	if err != nil {
		t.Fatalf("ResumeBatch() error = %v", err)
	}
	if resume.Status != ResumeScheduled || resume.RetryCount != 1 {
		t.Fatalf("ResumeBatch() = %+v, want 1 retry scheduled", resume)
	}

	record = waitForBatch(t, svc, result.BatchID)
	if record.ProcessedCount != 3 || record.FailedCount != 0 {
		t.Fatalf("counters after resume = %d/%d, want 3/0", record.ProcessedCount, record.FailedCount)
	}
	if !record.Activated || activations.Load() != 1 {
		t.Fatalf("activated = %v calls = %d, want true/1", record.Activated, activations.Load())
	}
	if len(record.Outcomes) != 3 {
		t.Fatalf("outcomes = %d, want 3", len(record.Outcomes))
	}
	for _, outcome := range record.Outcomes {
		if outcome.Status != domain.RowStatusCreatedAndActivated {
			t.Fatalf("row %d status = %s, want created_and_activated", outcome.Row, outcome.Status)
		}
	}
	retried, _ := record.Outcome(2)
	if retried.Name == nil || *retried.Name != "Beta" || retried.Error != nil {
		t.Fatalf("retried row = %+v, want name kept and error cleared", retried)
	}

	again, err := svc.ResumeBatch(context.Background(), result.BatchID)
	if err != nil {
		t.Fatalf("second ResumeBatch() error = %v", err)
	}
	if again.Status != ResumeNothingToRun {
		t.Fatalf("second ResumeBatch() status = %q, want nothing_to_retry", again.Status)
	}
}

func TestBatchServiceProcessingTimeSpansRetry(t *testing.T) {
	t.Parallel()

	var failBeta atomic.Bool
	failBeta.Store(true)
	client := &fakeHospitalClient{
		createFn: func(ctx context.Context, batchID string, payload domain.HospitalPayload) (*provider.CreateResult, error) {
			if payload.Name == "Beta" && failBeta.Load() {
				return nil, &provider.ProviderError{StatusCode: 502, Message: "create hospital failed", Transient: true}
			}
			id := int64(7)
			return &provider.CreateResult{StatusCode: 201, HospitalID: &id}, nil
		},
	}
	svc, _, _ := newTestService(t, client)

	t0 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: t0}
	svc.now = clock.Now

	result, err := svc.StartBatch(context.Background(), hospitalRows("Alpha", "Beta"))
	if err != nil {
		t.Fatalf("StartBatch() error = %v", err)
	}
	record := waitForBatch(t, svc, result.BatchID)
	if record.ProcessingTimeSeconds == nil || *record.ProcessingTimeSeconds != 0 {
		t.Fatalf("first pass processing time = %v, want 0", record.ProcessingTimeSeconds)
	}

	failBeta.Store(false)
	clock.Set(t0.Add(100 * time.Second))

	if _, err := svc.ResumeBatch(context.Background(), result.BatchID); err != nil {
		t.Fatalf("ResumeBatch() error = %v", err)
	}
	record = waitForBatch(t, svc, result.BatchID)

	if !record.StartedAt.Equal(t0) {
		t.Fatalf("started_at = %s, want %s", record.StartedAt, t0)
	}
	if record.FinishedAt == nil || !record.FinishedAt.Equal(t0.Add(100*time.Second)) {
		t.Fatalf("finished_at = %v, want t0+100s", record.FinishedAt)
	}
	if record.ProcessingTimeSeconds == nil || *record.ProcessingTimeSeconds != 100 {
		t.Fatalf("processing time = %v, want 100", record.ProcessingTimeSeconds)
	}
}

func TestBatchServiceRetryThatFailsAgain(t *testing.T) {
	t.Parallel()

	var betaCalls atomic.Int32
	client := &fakeHospitalClient{
		createFn: func(ctx context.Context, batchID string, payload domain.HospitalPayload) (*provider.CreateResult, error) {
			if payload.Name == "Beta" {
				call := betaCalls.Add(1)
				return nil, &provider.ProviderError{
					StatusCode: 503,
					Body:       json.RawMessage(fmt.Sprintf(`{"attempt":%d}`, call)),
					Message:    "create hospital failed",
					Transient:  true,
				}
			}
			id := int64(1)
			return &provider.CreateResult{StatusCode: 201, HospitalID: &id}, nil
		},
	}
	svc, _, _ := newTestService(t, client)

	result, err := svc.StartBatch(context.Background(), hospitalRows("Alpha", "Beta"))
	if err != nil {
		t.Fatalf("StartBatch() error = %v", err)
	}
	record := waitForBatch(t, svc, result.BatchID)
	if record.ProcessedCount != 1 || record.FailedCount != 1 {
		t.Fatalf("counters = %d/%d, want 1/1", record.ProcessedCount, record.FailedCount)
	}

	resume, err := svc.ResumeBatch(context.Background(), result.BatchID)
	if err != nil {
		t.Fatalf("ResumeBatch() error = %v", err)
	}
	if resume.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", resume.RetryCount)
	}
	record = waitForBatch(t, svc, result.BatchID)

	if record.Status != domain.BatchStatusCompleted {
		t.Fatalf("status = %s, want completed", record.Status)
	}
	if record.ProcessedCount != 1 || record.FailedCount != 1 {
		t.Fatalf("counters after failed retry = %d/%d, want 1/1", record.ProcessedCount, record.FailedCount)
	}
	if record.Activated {
		t.Fatal("batch must not activate while a row is still failing")
	}
	failed, _ := record.Outcome(2)
	if failed.Status != domain.RowStatusCreateFailed {
		t.Fatalf("row 2 status = %s, want create_failed", failed.Status)
	}
	if string(failed.Error) != `{"attempt":2}` {
		t.Fatalf("row 2 error = %s, want latest provider body", failed.Error)
	}
	if failed.Payload == nil {
		t.Fatal("failed row must keep its payload for the next resume")
	}

	again, err := svc.ResumeBatch(context.Background(), result.BatchID)
	if err != nil {
		t.Fatalf("third ResumeBatch() error = %v", err)
	}
	if again.Status != ResumeScheduled || again.RetryCount != 1 {
		t.Fatalf("third ResumeBatch() = %+v, want 1 retry scheduled", again)
	}
	waitForBatch(t, svc, result.BatchID)
	if got := betaCalls.Load(); got != 3 {
		t.Fatalf("create calls for failing row = %d, want 3", got)
	}
}

func TestBatchServiceInvalidRowsAreSkipped(t *testing.T) {
	t.Parallel()

	var creates atomic.Int32
	client := &fakeHospitalClient{
		createFn: func(ctx context.Context, batchID string, payload domain.HospitalPayload) (*provider.CreateResult, error) {
			creates.Add(1)
			id := int64(creates.Load())
			return &provider.CreateResult{StatusCode: 201, HospitalID: &id}, nil
		},
	}
	svc, _, _ := newTestService(t, client)

	rows := hospitalRows("Alpha", "Beta", "Gamma")
	rows[1]["address"] = "   "

	result, err := svc.StartBatch(context.Background(), rows)
	if err != nil {
		t.Fatalf("StartBatch() error = %v", err)
	}
	record := waitForBatch(t, svc, result.BatchID)

	if creates.Load() != 2 {
		t.Fatalf("create calls = %d, want 2", creates.Load())
	}
	if record.InvalidCount != 1 || record.ProcessedCount != 2 || record.FailedCount != 0 {
		t.Fatalf("counters = %d/%d/%d, want 2/0/1", record.ProcessedCount, record.FailedCount, record.InvalidCount)
	}
	if !record.Activated {
		t.Fatal("expected activation when every valid row was created")
	}

	invalid, _ := record.Outcome(2)
	if invalid.Status != domain.RowStatusInvalid {
		t.Fatalf("row 2 status = %s, want invalid_row", invalid.Status)
	}
	if invalid.Name == nil || *invalid.Name != "Beta" {
		t.Fatalf("row 2 name = %v, want Beta", invalid.Name)
	}
	if invalid.Payload != nil || invalid.HospitalID != nil {
		t.Fatalf("invalid row carries payload or id: %+v", invalid)
	}

	resume, err := svc.ResumeBatch(context.Background(), result.BatchID)
	if err != nil {
		t.Fatalf("ResumeBatch() error = %v", err)
	}
	if resume.Status != ResumeNothingToRun {
		t.Fatalf("ResumeBatch() status = %q, want nothing_to_retry", resume.Status)
	}
}

func TestBatchServiceRequestErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		err         error
		wantMessage string
	}{
		{
			name: "provider transport error",
			err: &provider.ProviderError{
				Message:   "create hospital request failed",
				Transient: true,
				Cause:     errors.New("dial tcp: connection refused"),
			},
			wantMessage: "connection refused",
		},
		{
			name:        "plain error",
			err:         errors.New("network unreachable"),
			wantMessage: "network unreachable",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client := &fakeHospitalClient{
				createFn: func(ctx context.Context, batchID string, payload domain.HospitalPayload) (*provider.CreateResult, error) {
					return nil, tt.err
				},
			}
			svc, _, _ := newTestService(t, client)

			result, err := svc.StartBatch(context.Background(), hospitalRows("Alpha"))
			if err != nil {
				t.Fatalf("StartBatch() error = %v", err)
			}
			record := waitForBatch(t, svc, result.BatchID)

			if record.FailedCount != 1 || record.ProcessedCount != 0 {
				t.Fatalf("counters = %d/%d, want 0/1", record.ProcessedCount, record.FailedCount)
			}
			outcome, _ := record.Outcome(1)
			if outcome.Status != domain.RowStatusRequestError {
				t.Fatalf("status = %s, want request_error", outcome.Status)
			}

			var body map[string]string
			if err := json.Unmarshal(outcome.Error, &body); err != nil {
				t.Fatalf("error body is not JSON: %v", err)
			}
			if !strings.Contains(body["message"], tt.wantMessage) {
				t.Fatalf("error message = %q, want it to contain %q", body["message"], tt.wantMessage)
			}
			if !outcome.Retryable() {
				t.Fatal("request error must be retryable")
			}
		})
	}
}

func TestBatchServiceStartBatchRejectsRowCount(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		rows    []domain.RawRow
		wantErr error
	}{
		{name: "empty upload", rows: nil, wantErr: domain.ErrValidation},
		{name: "over the limit", rows: hospitalRows(numberedNames(21)...), wantErr: domain.ErrRowLimitExceeded},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client := &fakeHospitalClient{}
			svc, batches, _ := newTestService(t, client)

			var generated atomic.Int32
			svc.newID = func() string {
				generated.Add(1)
				return "unused"
			}

			_, err := svc.StartBatch(context.Background(), tt.rows)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("StartBatch() error = %v, want %v", err, tt.wantErr)
			}
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("StartBatch() error = %v, want validation error", err)
			}
			if generated.Load() != 0 {
				t.Fatal("batch id must not be generated for rejected uploads")
			}
			if batches.Len() != 0 {
				t.Fatalf("store holds %d batches, want 0", batches.Len())
			}
		})
	}
}

func TestBatchServiceStartBatchAcceptsExactLimit(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t, &fakeHospitalClient{})

	result, err := svc.StartBatch(context.Background(), hospitalRows(numberedNames(20)...))
	if err != nil {
		t.Fatalf("StartBatch() error = %v", err)
	}
	record := waitForBatch(t, svc, result.BatchID)
	if record.TotalCount != 20 || len(record.Outcomes) != 20 {
		t.Fatalf("total = %d outcomes = %d, want 20/20", record.TotalCount, len(record.Outcomes))
	}
}

func TestBatchServiceUnknownBatch(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t, &fakeHospitalClient{})

	if _, err := svc.GetStatus(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetStatus() error = %v, want ErrNotFound", err)
	}
	if _, err := svc.ResumeBatch(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("ResumeBatch() error = %v, want ErrNotFound", err)
	}
	if _, _, err := svc.Subscribe(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Subscribe() error = %v, want ErrNotFound", err)
	}
}

func TestBatchServiceResumeWhileProcessingConflicts(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	client := &fakeHospitalClient{
		createFn: func(ctx context.Context, batchID string, payload domain.HospitalPayload) (*provider.CreateResult, error) {
			select {
			case entered <- struct{}{}:
			default:
			}
			<-release
			return &provider.CreateResult{StatusCode: 201}, nil
		},
	}
	svc, _, _ := newTestService(t, client)

	result, err := svc.StartBatch(context.Background(), hospitalRows("Alpha"))
	if err != nil {
		t.Fatalf("StartBatch() error = %v", err)
	}
	<-entered

	handle, ok := svc.Pass(result.BatchID)
	if !ok || handle.Kind != domain.PassInitial {
		t.Fatalf("Pass() = %+v, %v, want running initial pass", handle, ok)
	}

	if _, err := svc.ResumeBatch(context.Background(), result.BatchID); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("ResumeBatch() error = %v, want ErrConflict", err)
	}

	close(release)
	record := waitForBatch(t, svc, result.BatchID)
	if record.Status != domain.BatchStatusCompleted {
		t.Fatalf("status = %s, want completed", record.Status)
	}
	if _, ok := svc.Pass(result.BatchID); ok {
		t.Fatal("pass handle should be released after completion")
	}
}

func TestBatchServiceGetStatusIsRepeatable(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t, &fakeHospitalClient{})

	result, err := svc.StartBatch(context.Background(), hospitalRows("Alpha", "Beta"))
	if err != nil {
		t.Fatalf("StartBatch() error = %v", err)
	}
	waitForBatch(t, svc, result.BatchID)

	first, err := svc.GetStatus(context.Background(), result.BatchID)
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	second, err := svc.GetStatus(context.Background(), result.BatchID)
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("GetStatus() not repeatable:\n%+v\n%+v", first, second)
	}
}

func TestBatchServicePublishesEventsInOrder(t *testing.T) {
	t.Parallel()

	svc, _, broadcaster := newTestService(t, &fakeHospitalClient{})
	svc.newID = func() string { return "batch-events" }

	sink := &fakeEventSink{}
	svc.SetEventSink(sink)

	sub := broadcaster.Subscribe("batch-events")
	defer broadcaster.Unsubscribe(sub)

	if _, err := svc.StartBatch(context.Background(), hospitalRows("Alpha", "Beta", "Gamma")); err != nil {
		t.Fatalf("StartBatch() error = %v", err)
	}

	var got []domain.EventType
	var rows []int
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				t.Fatal("subscription closed early")
			}
			got = append(got, event.Type)
			if event.Type == domain.EventRowUpdate {
				rows = append(rows, event.Data.(domain.RowOutcome).Row)
			}
			done = event.Terminal()
		case <-timeout:
			t.Fatalf("timed out waiting for completed event, got %v", got)
		}
	}

	want := []domain.EventType{
		domain.EventRowUpdate,
		domain.EventRowUpdate,
		domain.EventRowUpdate,
		domain.EventBatchActivated,
		domain.EventCompleted,
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if !reflect.DeepEqual(rows, []int{1, 2, 3}) {
		t.Fatalf("row order = %v, want [1 2 3]", rows)
	}

	waitForBatch(t, svc, "batch-events")
	if sink.count() != len(want) {
		t.Fatalf("sink received %d events, want %d", sink.count(), len(want))
	}
}

func TestBatchServiceSubscribeReturnsSnapshot(t *testing.T) {
	t.Parallel()

	svc, _, broadcaster := newTestService(t, &fakeHospitalClient{})

	result, err := svc.StartBatch(context.Background(), hospitalRows("Alpha"))
	if err != nil {
		t.Fatalf("StartBatch() error = %v", err)
	}
	waitForBatch(t, svc, result.BatchID)

	sub, snapshot, err := svc.Subscribe(context.Background(), result.BatchID)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if snapshot.Status != domain.BatchStatusCompleted || len(snapshot.Outcomes) != 1 {
		t.Fatalf("snapshot = %+v, want completed with one row", snapshot)
	}
	if broadcaster.Count(result.BatchID) != 1 {
		t.Fatalf("subscribers = %d, want 1", broadcaster.Count(result.BatchID))
	}

	svc.Unsubscribe(sub)
	if broadcaster.Count(result.BatchID) != 0 {
		t.Fatalf("subscribers after unsubscribe = %d, want 0", broadcaster.Count(result.BatchID))
	}
}

func TestBatchServiceActivationFailureLeavesBatchInactive(t *testing.T) {
	t.Parallel()

	client := &fakeHospitalClient{
		activateFn: func(ctx context.Context, batchID string) error {
			return &provider.ProviderError{StatusCode: 503, Message: "activate batch failed", Transient: true}
		},
	}
	svc, _, _ := newTestService(t, client)

	result, err := svc.StartBatch(context.Background(), hospitalRows("Alpha", "Beta"))
	if err != nil {
		t.Fatalf("StartBatch() error = %v", err)
	}
	record := waitForBatch(t, svc, result.BatchID)

	if record.Status != domain.BatchStatusCompleted {
		t.Fatalf("status = %s, want completed", record.Status)
	}
	if record.Activated {
		t.Fatal("batch must stay inactive when activation fails")
	}
	for _, outcome := range record.Outcomes {
		if outcome.Status != domain.RowStatusCreated {
			t.Fatalf("row %d status = %s, want created", outcome.Row, outcome.Status)
		}
	}
}

func TestBatchServiceRateLimiterFailsOpen(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var scopes []string
	limiter := &fakeRateLimiter{
		waitFn: func(ctx context.Context, scope string) error {
			mu.Lock()
			scopes = append(scopes, scope)
			mu.Unlock()
			return errors.New("redis unavailable")
		},
	}
	svc, _, _ := newTestService(t, &fakeHospitalClient{})
	svc.SetRateLimiter(limiter)

	result, err := svc.StartBatch(context.Background(), hospitalRows("Alpha", "Beta"))
	if err != nil {
		t.Fatalf("StartBatch() error = %v", err)
	}
	record := waitForBatch(t, svc, result.BatchID)

	if record.ProcessedCount != 2 {
		t.Fatalf("processed = %d, want 2", record.ProcessedCount)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(scopes) != 2 {
		t.Fatalf("limiter waits = %d, want 2", len(scopes))
	}
	for _, scope := range scopes {
		if scope != ratelimit.ScopeHospitalCreate {
			t.Fatalf("scope = %q, want %q", scope, ratelimit.ScopeHospitalCreate)
		}
	}
}

func TestBatchServiceRecordsAttempts(t *testing.T) {
	t.Parallel()

	client := &fakeHospitalClient{
		createFn: func(ctx context.Context, batchID string, payload domain.HospitalPayload) (*provider.CreateResult, error) {
			if payload.Name == "Beta" {
				return nil, &provider.ProviderError{StatusCode: 422, Body: json.RawMessage(`{"detail":"bad"}`)}
			}
			id := int64(7)
			return &provider.CreateResult{StatusCode: 201, HospitalID: &id}, nil
		},
	}
	svc, _, _ := newTestService(t, client)
	recorder := &fakeRecorder{}
	svc.SetAttemptRecorder(recorder)

	result, err := svc.StartBatch(context.Background(), hospitalRows("Alpha", "Beta"))
	if err != nil {
		t.Fatalf("StartBatch() error = %v", err)
	}
	waitForBatch(t, svc, result.BatchID)

	attempts, passes := recorder.snapshot()
	if len(attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(attempts))
	}
	if attempts[0].Status != domain.RowStatusCreated || attempts[0].StatusCode == nil || *attempts[0].StatusCode != 201 {
		t.Fatalf("first attempt = %+v, want created with 201", attempts[0])
	}
	if attempts[1].Status != domain.RowStatusCreateFailed || attempts[1].StatusCode == nil || *attempts[1].StatusCode != 422 {
		t.Fatalf("second attempt = %+v, want create_failed with 422", attempts[1])
	}
	if attempts[1].Error == nil {
		t.Fatal("failed attempt should carry the error message")
	}
	for _, attempt := range attempts {
		if attempt.BatchID != result.BatchID || attempt.Pass != domain.PassInitial || attempt.ID == "" {
			t.Fatalf("attempt = %+v, want initial pass of %s", attempt, result.BatchID)
		}
	}

	if len(passes) != 1 {
		t.Fatalf("passes = %d, want 1", len(passes))
	}
	if passes[0].RowCount != 2 || passes[0].ProcessedCount != 1 || passes[0].FailedCount != 1 {
		t.Fatalf("pass summary = %+v, want 2 rows 1 processed 1 failed", passes[0])
	}
}

func TestBatchServiceRecorderErrorsDoNotFailPass(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t, &fakeHospitalClient{})
	svc.SetAttemptRecorder(&fakeRecorder{err: errors.New("database down")})

	result, err := svc.StartBatch(context.Background(), hospitalRows("Alpha"))
	if err != nil {
		t.Fatalf("StartBatch() error = %v", err)
	}
	record := waitForBatch(t, svc, result.BatchID)
	if record.Status != domain.BatchStatusCompleted || record.ProcessedCount != 1 {
		t.Fatalf("record = %+v, want completed with one processed row", record)
	}
}

func TestBatchServicePanicLeavesBatchProcessing(t *testing.T) {
	t.Parallel()

	client := &fakeHospitalClient{
		createFn: func(ctx context.Context, batchID string, payload domain.HospitalPayload) (*provider.CreateResult, error) {
			panic("unexpected")
		},
	}
	svc, _, _ := newTestService(t, client)

	result, err := svc.StartBatch(context.Background(), hospitalRows("Alpha"))
	if err != nil {
		t.Fatalf("StartBatch() error = %v", err)
	}
	record := waitForBatch(t, svc, result.BatchID)

	if record.Status != domain.BatchStatusProcessing {
		t.Fatalf("status = %s, want processing", record.Status)
	}
	if _, err := svc.ResumeBatch(context.Background(), result.BatchID); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("ResumeBatch() error = %v, want ErrConflict", err)
	}
}

func TestBatchServiceShutdown(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t, &fakeHospitalClient{})

	result, err := svc.StartBatch(context.Background(), hospitalRows("Alpha"))
	if err != nil {
		t.Fatalf("StartBatch() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	record, err := svc.GetStatus(context.Background(), result.BatchID)
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if record.Status != domain.BatchStatusCompleted {
		t.Fatalf("status after shutdown = %s, want completed", record.Status)
	}

	if _, err := svc.StartBatch(context.Background(), hospitalRows("Beta")); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("StartBatch() after shutdown error = %v, want ErrShuttingDown", err)
	}
	if _, err := svc.ResumeBatch(context.Background(), result.BatchID); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("ResumeBatch() after shutdown error = %v, want ErrShuttingDown", err)
	}
	if !errors.Is(ErrShuttingDown, domain.ErrUnavailable) {
		t.Fatal("ErrShuttingDown must wrap domain.ErrUnavailable")
	}
}

func TestBatchServiceShutdownDuringSubmissions(t *testing.T) {
	t.Parallel()

	svc, batches, _ := newTestService(t, &fakeHospitalClient{})

	const submitters = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted []string
	)
	start := make(chan struct{})
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			result, err := svc.StartBatch(context.Background(), hospitalRows("Alpha"))
			if err != nil {
				if !errors.Is(err, ErrShuttingDown) {
					t.Errorf("StartBatch() error = %v, want ErrShuttingDown", err)
				}
				return
			}
			mu.Lock()
			accepted = append(accepted, result.BatchID)
			mu.Unlock()
		}()
	}

	close(start)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	wg.Wait()

	for _, batchID := range accepted {
		record, err := batches.Get(context.Background(), batchID)
		if err != nil {
			t.Fatalf("Get(%s) error = %v", batchID, err)
		}
		if record.Status != domain.BatchStatusCompleted {
			t.Fatalf("batch %s status = %s after shutdown, want completed", batchID, record.Status)
		}
	}
}

func TestNewBatchServiceValidation(t *testing.T) {
	t.Parallel()

	batches := store.NewMemoryStore()
	broadcaster := broadcast.NewBroadcaster(8, nil)
	client := &fakeHospitalClient{}

	if _, err := NewBatchService(nil, client, broadcaster, 20, nil); err == nil {
		t.Fatal("expected error for nil store")
	}
	if _, err := NewBatchService(batches, nil, broadcaster, 20, nil); err == nil {
		t.Fatal("expected error for nil client")
	}
	if _, err := NewBatchService(batches, client, nil, 20, nil); err == nil {
		t.Fatal("expected error for nil broadcaster")
	}

	svc, err := NewBatchService(batches, client, broadcaster, 0, nil)
	if err != nil {
		t.Fatalf("NewBatchService() error = %v", err)
	}
	if svc.maxRows != defaultMaxRows {
		t.Fatalf("maxRows = %d, want %d", svc.maxRows, defaultMaxRows)
	}
}

func newTestService(t *testing.T, client provider.HospitalClient) (*BatchService, *store.MemoryStore, *broadcast.Broadcaster) {
	t.Helper()

	batches := store.NewMemoryStore()
	broadcaster := broadcast.NewBroadcaster(broadcast.DefaultBufferSize, zap.NewNop())

	svc, err := NewBatchService(batches, client, broadcaster, 20, zap.NewNop())
	if err != nil {
		t.Fatalf("NewBatchService() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})

	return svc, batches, broadcaster
}

func waitForBatch(t *testing.T, svc *BatchService, batchID string) domain.BatchRecord {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := svc.Wait(ctx, batchID); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	record, err := svc.GetStatus(context.Background(), batchID)
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	return *record
}

func hospitalRows(names ...string) []domain.RawRow {
	rows := make([]domain.RawRow, 0, len(names))
	for _, name := range names {
		rows = append(rows, domain.RawRow{
			"name":    name,
			"address": name + " Street 1",
			"phone":   "555-0100",
		})
	}
	return rows
}

func numberedNames(count int) []string {
	names := make([]string, 0, count)
	for i := 1; i <= count; i++ {
		names = append(names, fmt.Sprintf("Hospital %d", i))
	}
	return names
}

type fakeHospitalClient struct {
	createFn   func(ctx context.Context, batchID string, payload domain.HospitalPayload) (*provider.CreateResult, error)
	activateFn func(ctx context.Context, batchID string) error
}

func (f *fakeHospitalClient) CreateHospital(ctx context.Context, batchID string, payload domain.HospitalPayload) (*provider.CreateResult, error) {
	if f.createFn != nil {
		return f.createFn(ctx, batchID, payload)
	}
	id := int64(1)
	return &provider.CreateResult{StatusCode: 201, HospitalID: &id}, nil
}

func (f *fakeHospitalClient) ActivateBatch(ctx context.Context, batchID string) error {
	if f.activateFn != nil {
		return f.activateFn(ctx, batchID)
	}
	return nil
}

var _ provider.HospitalClient = (*fakeHospitalClient)(nil)

type fakeRateLimiter struct {
	allowFn func(ctx context.Context, scope string) (bool, error)
	waitFn  func(ctx context.Context, scope string) error
}

func (f *fakeRateLimiter) Allow(ctx context.Context, scope string) (bool, error) {
	if f.allowFn != nil {
		return f.allowFn(ctx, scope)
	}
	return true, nil
}

func (f *fakeRateLimiter) Wait(ctx context.Context, scope string) error {
	if f.waitFn != nil {
		return f.waitFn(ctx, scope)
	}
	return nil
}

var _ ratelimit.RateLimiter = (*fakeRateLimiter)(nil)

type fakeRecorder struct {
	mu       sync.Mutex
	err      error
	attempts []domain.SubmissionAttempt
	passes   []domain.PassSummary
}

func (f *fakeRecorder) RecordAttempt(ctx context.Context, attempt domain.SubmissionAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.attempts = append(f.attempts, attempt)
	return nil
}

func (f *fakeRecorder) RecordPass(ctx context.Context, summary domain.PassSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.passes = append(f.passes, summary)
	return nil
}

func (f *fakeRecorder) snapshot() ([]domain.SubmissionAttempt, []domain.PassSummary) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.SubmissionAttempt(nil), f.attempts...), append([]domain.PassSummary(nil), f.passes...)
}

type fakeEventSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (f *fakeEventSink) Enqueue(batchID string, event domain.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return true
}

func (f *fakeEventSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}
