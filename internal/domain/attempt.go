package domain

import "time"

// PassKind distinguishes the first pass over an upload from a resume pass.
type PassKind string

const (
	PassInitial PassKind = "initial"
	PassRetry   PassKind = "retry"
)

func (k PassKind) String() string { return string(k) }

// SubmissionAttempt records a single create call made for a row.
type SubmissionAttempt struct {
	ID         string
	BatchID    string
	Row        int
	Pass       PassKind
	Status     RowStatus
	StatusCode *int
	HospitalID *int64
	Error      *string
	DurationMs int64
	CreatedAt  time.Time
}

// PassSummary records the counters of a batch at the end of one pass.
type PassSummary struct {
	ID             string
	BatchID        string
	Pass           PassKind
	RowCount       int
	ProcessedCount int
	FailedCount    int
	InvalidCount   int
	Activated      bool
	StartedAt      time.Time
	FinishedAt     time.Time
}
