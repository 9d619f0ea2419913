package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/hospital-bulk-engine/internal/domain"
)

// BatchEventMessage is the broker payload mirroring one batch event.
type BatchEventMessage struct {
	MessageID  string           `json:"messageId"`
	BatchID    string           `json:"batchId"`
	Type       domain.EventType `json:"type"`
	OccurredAt time.Time        `json:"occurredAt"`
	Data       json.RawMessage  `json:"data"`
}

func NewBatchEventMessage(batchID string, event domain.Event, occurredAt time.Time) (BatchEventMessage, error) {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return BatchEventMessage{}, fmt.Errorf("failed to marshal %s event data: %w", event.Type, err)
	}

	return BatchEventMessage{
		MessageID:  uuid.NewString(),
		BatchID:    batchID,
		Type:       event.Type,
		OccurredAt: occurredAt.UTC(),
		Data:       data,
	}, nil
}

func (m BatchEventMessage) Validate() error {
	if strings.TrimSpace(m.MessageID) == "" {
		return fmt.Errorf("messageId is required")
	}
	if strings.TrimSpace(m.BatchID) == "" {
		return fmt.Errorf("batchId is required")
	}
	switch m.Type {
	case domain.EventCurrent, domain.EventRowUpdate, domain.EventBatchActivated, domain.EventCompleted:
	default:
		return fmt.Errorf("invalid event type %q", m.Type)
	}
	return nil
}
