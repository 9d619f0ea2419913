package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/hospital-bulk-engine/internal/broadcast"
	"github.com/kursadbilgin/hospital-bulk-engine/internal/domain"
	"github.com/kursadbilgin/hospital-bulk-engine/internal/ingest"
	"github.com/kursadbilgin/hospital-bulk-engine/internal/observability"
	"github.com/kursadbilgin/hospital-bulk-engine/internal/service"
	"go.uber.org/zap"
)

const (
	uploadField       = "file"
	defaultKeepAlive  = 15 * time.Second
	nothingToRetryMsg = "nothing_to_retry"
)

type BatchService interface {
	StartBatch(ctx context.Context, rows []domain.RawRow) (*service.StartResult, error)
	GetStatus(ctx context.Context, batchID string) (*domain.BatchRecord, error)
	ResumeBatch(ctx context.Context, batchID string) (*service.ResumeResult, error)
	Subscribe(ctx context.Context, batchID string) (*broadcast.Subscription, *domain.BatchRecord, error)
	Unsubscribe(sub *broadcast.Subscription)
}

type HospitalHandler struct {
	service   BatchService
	history   service.AttemptHistory
	logger    *zap.Logger
	keepAlive time.Duration
}

func NewHospitalHandler(svc BatchService, history service.AttemptHistory, logger *zap.Logger) (*HospitalHandler, error) {
	if svc == nil {
		return nil, fmt.Errorf("batch service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HospitalHandler{
		service:   svc,
		history:   history,
		logger:    logger,
		keepAlive: defaultKeepAlive,
	}, nil
}

// RegisterHospitalRoutes mounts the bulk import API. The attempts route is
// only available when an audit history is configured.
func RegisterHospitalRoutes(router fiber.Router, svc BatchService, history service.AttemptHistory, logger *zap.Logger) error {
	h, err := NewHospitalHandler(svc, history, logger)
	if err != nil {
		return err
	}

	hospitals := router.Group("/hospitals")
	hospitals.Post("/bulk", h.BulkCreate)
	hospitals.Get("/batch/:batchId/status", h.GetStatus)
	hospitals.Post("/batch/:batchId/resume", h.Resume)
	hospitals.Get("/batch/:batchId/events", h.StreamEvents)
	if history != nil {
		hospitals.Get("/batch/:batchId/attempts", h.ListAttempts)
	}

	return nil
}

type bulkCreateResponse struct {
	BatchID    string `json:"batch_id"`
	TotalCount int    `json:"total_hospitals"`
	Status     string `json:"status"`
}

type resumeResponse struct {
	BatchID    string `json:"batch_id"`
	RetryCount int    `json:"retry_count,omitempty"`
	Status     string `json:"status,omitempty"`
	Message    string `json:"message,omitempty"`
}

type attemptResponse struct {
	ID         string    `json:"id"`
	Row        int       `json:"row"`
	Pass       string    `json:"pass"`
	Status     string    `json:"status"`
	StatusCode *int      `json:"status_code,omitempty"`
	HospitalID *int64    `json:"hospital_id,omitempty"`
	Error      *string   `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

type passResponse struct {
	ID             string    `json:"id"`
	Pass           string    `json:"pass"`
	RowCount       int       `json:"row_count"`
	ProcessedCount int       `json:"processed_hospitals"`
	FailedCount    int       `json:"failed_hospitals"`
	InvalidCount   int       `json:"invalid_hospitals"`
	Activated      bool      `json:"batch_activated"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

type attemptsResponse struct {
	BatchID  string            `json:"batch_id"`
	Attempts []attemptResponse `json:"attempts"`
	Passes   []passResponse    `json:"passes"`
}

func (h *HospitalHandler) BulkCreate(c *fiber.Ctx) error {
	file, err := c.FormFile(uploadField)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "file is required")
	}
	if !strings.HasSuffix(strings.ToLower(file.Filename), ".csv") {
		return fiber.NewError(fiber.StatusBadRequest, "Only CSV files are accepted")
	}

	content, err := file.Open()
	if err != nil {
		return fmt.Errorf("failed to open upload: %w", err)
	}
	defer content.Close()

	rows, err := ingest.ParseCSV(content)
	if err != nil {
		return err
	}

	result, err := h.service.StartBatch(requestContext(c), rows)
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusAccepted).JSON(bulkCreateResponse{
		BatchID:    result.BatchID,
		TotalCount: result.TotalCount,
		Status:     result.Status.String(),
	})
}

func (h *HospitalHandler) GetStatus(c *fiber.Ctx) error {
	record, err := h.service.GetStatus(requestContext(c), batchIDParam(c))
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusOK).JSON(record)
}

func (h *HospitalHandler) Resume(c *fiber.Ctx) error {
	batchID := batchIDParam(c)
	result, err := h.service.ResumeBatch(requestContext(c), batchID)
	if err != nil {
		return err
	}

	if result.Status == service.ResumeNothingToRun {
		return c.Status(fiber.StatusOK).JSON(resumeResponse{
			BatchID: batchID,
			Message: nothingToRetryMsg,
		})
	}

	return c.Status(fiber.StatusAccepted).JSON(resumeResponse{
		BatchID:    batchID,
		RetryCount: result.RetryCount,
		Status:     result.Status,
	})
}

// StreamEvents replays the current snapshot, then relays live events as
// Server-Sent Events until the batch completes or the client goes away.
func (h *HospitalHandler) StreamEvents(c *fiber.Ctx) error {
	ctx := requestContext(c)
	batchID := batchIDParam(c)

	sub, snapshot, err := h.service.Subscribe(ctx, batchID)
	if err != nil {
		return err
	}

	logger := observability.WithContextLogger(h.logger, observability.WithBatchID(ctx, batchID))
	keepAlive := h.keepAlive

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer h.service.Unsubscribe(sub)

		if err := writeEvent(w, domain.CurrentEvent(*snapshot)); err != nil {
			logger.Debug("event stream closed", zap.Error(err))
			return
		}
		if snapshot.Status == domain.BatchStatusCompleted {
			return
		}

		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()

		for {
			select {
			case event, ok := <-sub.Events():
				if !ok {
					return
				}
				if err := writeEvent(w, event); err != nil {
					logger.Debug("event stream closed", zap.Error(err))
					return
				}
				if event.Terminal() {
					return
				}
			case <-ticker.C:
				if _, err := w.WriteString(": keepalive\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	})

	return nil
}

func (h *HospitalHandler) ListAttempts(c *fiber.Ctx) error {
	ctx := requestContext(c)
	batchID := batchIDParam(c)

	attempts, err := h.history.ListAttempts(ctx, batchID)
	if err != nil {
		return err
	}
	passes, err := h.history.ListPasses(ctx, batchID)
	if err != nil {
		return err
	}
	if len(attempts) == 0 && len(passes) == 0 {
		if _, err := h.service.GetStatus(ctx, batchID); err != nil {
			return err
		}
	}

	resp := attemptsResponse{
		BatchID:  batchID,
		Attempts: make([]attemptResponse, 0, len(attempts)),
		Passes:   make([]passResponse, 0, len(passes)),
	}
	for _, a := range attempts {
		resp.Attempts = append(resp.Attempts, attemptResponse{
			ID:         a.ID,
			Row:        a.Row,
			Pass:       a.Pass.String(),
			Status:     a.Status.String(),
			StatusCode: a.StatusCode,
			HospitalID: a.HospitalID,
			Error:      a.Error,
			DurationMs: a.DurationMs,
			CreatedAt:  a.CreatedAt,
		})
	}
	for _, p := range passes {
		resp.Passes = append(resp.Passes, passResponse{
			ID:             p.ID,
			Pass:           p.Pass.String(),
			RowCount:       p.RowCount,
			ProcessedCount: p.ProcessedCount,
			FailedCount:    p.FailedCount,
			InvalidCount:   p.InvalidCount,
			Activated:      p.Activated,
			StartedAt:      p.StartedAt,
			FinishedAt:     p.FinishedAt,
		})
	}

	return c.Status(fiber.StatusOK).JSON(resp)
}

func writeEvent(w *bufio.Writer, event domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload); err != nil {
		return err
	}
	return w.Flush()
}

func batchIDParam(c *fiber.Ctx) string {
	return strings.TrimSpace(c.Params("batchId"))
}

// requestContext carries the request id into work that outlives the request.
func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if requestID := requestID(c); requestID != "" {
		ctx = observability.WithRequestID(ctx, requestID)
	}
	return ctx
}

func requestID(c *fiber.Ctx) string {
	if value, ok := c.Locals("requestid").(string); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return strings.TrimSpace(c.Get(fiber.HeaderXRequestID))
}
