package domain

import "time"

// BatchStatus represents the processing state of a batch.
type BatchStatus string

const (
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
)

func (s BatchStatus) String() string { return string(s) }

func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchStatusProcessing, BatchStatusCompleted:
		return true
	}
	return false
}

// BatchRecord is the live progress snapshot of one upload.
type BatchRecord struct {
	BatchID               string       `json:"batch_id"`
	TotalCount            int          `json:"total_hospitals"`
	ProcessedCount        int          `json:"processed_hospitals"`
	FailedCount           int          `json:"failed_hospitals"`
	InvalidCount          int          `json:"invalid_hospitals"`
	Status                BatchStatus  `json:"status"`
	Activated             bool         `json:"batch_activated"`
	StartedAt             time.Time    `json:"started_at"`
	FinishedAt            *time.Time   `json:"finished_at"`
	ProcessingTimeSeconds *int64       `json:"processing_time_seconds"`
	Outcomes              []RowOutcome `json:"hospitals"`
}

// NewBatchRecord returns the initial record for a freshly started batch.
func NewBatchRecord(batchID string, total int, startedAt time.Time) BatchRecord {
	return BatchRecord{
		BatchID:    batchID,
		TotalCount: total,
		Status:     BatchStatusProcessing,
		StartedAt:  startedAt,
		Outcomes:   []RowOutcome{},
	}
}

// Clone returns a deep copy that shares no memory with b.
func (b BatchRecord) Clone() BatchRecord {
	if b.FinishedAt != nil {
		finished := *b.FinishedAt
		b.FinishedAt = &finished
	}
	if b.ProcessingTimeSeconds != nil {
		seconds := *b.ProcessingTimeSeconds
		b.ProcessingTimeSeconds = &seconds
	}
	outcomes := make([]RowOutcome, len(b.Outcomes))
	for i, o := range b.Outcomes {
		outcomes[i] = o.Clone()
	}
	b.Outcomes = outcomes
	return b
}

// Outcome returns the outcome stored for a row position.
func (b BatchRecord) Outcome(row int) (RowOutcome, bool) {
	for _, o := range b.Outcomes {
		if o.Row == row {
			return o, true
		}
	}
	return RowOutcome{}, false
}

// RetryCandidates returns the outcomes a resume pass would resubmit, in row order.
func (b BatchRecord) RetryCandidates() []RowOutcome {
	var candidates []RowOutcome
	for _, o := range b.Outcomes {
		if o.Retryable() {
			candidates = append(candidates, o.Clone())
		}
	}
	return candidates
}

// ReadyForActivation is true when every submittable row has been created,
// at least one row was created and the batch is not yet activated.
func (b BatchRecord) ReadyForActivation() bool {
	if b.Activated {
		return false
	}
	created := 0
	for _, o := range b.Outcomes {
		switch {
		case o.Status == RowStatusInvalid:
			continue
		case o.Status.IsCreated():
			created++
		default:
			return false
		}
	}
	return created > 0
}

// CounterDelta is applied to the batch counters together with a row outcome.
type CounterDelta struct {
	Processed int
	Failed    int
	Invalid   int
}

// FinalUpdate is applied at the end of a pass. Activated flips the batch
// and promotes created rows; FinishedAt completes the batch.
type FinalUpdate struct {
	Activated  bool
	FinishedAt *time.Time
}

// ApplyOutcome inserts the outcome or merges it into the stored row.
func (b *BatchRecord) ApplyOutcome(outcome RowOutcome, delta CounterDelta) {
	merged := false
	for i := range b.Outcomes {
		if b.Outcomes[i].Row == outcome.Row {
			b.Outcomes[i] = b.Outcomes[i].Merge(outcome)
			merged = true
			break
		}
	}
	if !merged {
		b.Outcomes = append(b.Outcomes, outcome.Clone())
	}

	b.ProcessedCount += delta.Processed
	b.FailedCount += delta.Failed
	b.InvalidCount += delta.Invalid
}

func (b *BatchRecord) ApplyFinal(update FinalUpdate) {
	if update.Activated && !b.Activated {
		b.Activated = true
		for i := range b.Outcomes {
			if b.Outcomes[i].Status == RowStatusCreated {
				b.Outcomes[i].Status = RowStatusCreatedAndActivated
			}
		}
	}

	if update.FinishedAt != nil {
		finished := *update.FinishedAt
		seconds := int64(finished.Sub(b.StartedAt) / time.Second)
		if seconds < 0 {
			seconds = 0
		}
		b.FinishedAt = &finished
		b.ProcessingTimeSeconds = &seconds
		b.Status = BatchStatusCompleted
	}
}

// BeginRetry moves a completed batch back to processing.
func (b *BatchRecord) BeginRetry() {
	b.Status = BatchStatusProcessing
	b.FinishedAt = nil
	b.ProcessingTimeSeconds = nil
}
