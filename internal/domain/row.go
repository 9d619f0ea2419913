package domain

import (
	"encoding/json"
	"strings"
)

// RawRow is one parsed CSV record keyed by normalized header name.
type RawRow map[string]string

// Field returns the trimmed value for key, or "" when the column is absent.
func (r RawRow) Field(key string) string {
	return strings.TrimSpace(r[key])
}

// HospitalPayload is the batch-agnostic body submitted for one row.
type HospitalPayload struct {
	Name    string  `json:"name"`
	Address string  `json:"address"`
	Phone   *string `json:"phone,omitempty"`
}

func (p HospitalPayload) clone() HospitalPayload {
	if p.Phone != nil {
		phone := *p.Phone
		p.Phone = &phone
	}
	return p
}

// ValidateRow normalizes a raw row into a submission payload.
func ValidateRow(row RawRow) (HospitalPayload, error) {
	payload := HospitalPayload{
		Name:    row.Field("name"),
		Address: row.Field("address"),
	}
	if payload.Name == "" || payload.Address == "" {
		return payload, ErrInvalidRow
	}
	if phone := row.Field("phone"); phone != "" {
		payload.Phone = &phone
	}
	return payload, nil
}

// RowStatus is the outcome of processing one row.
type RowStatus string

const (
	RowStatusInvalid             RowStatus = "invalid_row"
	RowStatusRequestError        RowStatus = "request_error"
	RowStatusCreateFailed        RowStatus = "create_failed"
	RowStatusCreated             RowStatus = "created"
	RowStatusCreatedAndActivated RowStatus = "created_and_activated"
)

func (s RowStatus) String() string { return string(s) }

func (s RowStatus) IsValid() bool {
	switch s {
	case RowStatusInvalid, RowStatusRequestError, RowStatusCreateFailed,
		RowStatusCreated, RowStatusCreatedAndActivated:
		return true
	}
	return false
}

func (s RowStatus) IsCreated() bool {
	return s == RowStatusCreated || s == RowStatusCreatedAndActivated
}

// IsRetryable reports whether a row in this status may be resubmitted.
func (s RowStatus) IsRetryable() bool {
	return s == RowStatusRequestError || s == RowStatusCreateFailed
}

// RowOutcome is the latest known result for a 1-based row position.
type RowOutcome struct {
	Row        int              `json:"row"`
	Name       *string          `json:"name"`
	HospitalID *int64           `json:"hospital_id"`
	Status     RowStatus        `json:"status"`
	Error      json.RawMessage  `json:"error,omitempty"`
	Payload    *HospitalPayload `json:"payload,omitempty"`
}

// Retryable reports whether the outcome belongs in a resume pass.
func (o RowOutcome) Retryable() bool {
	return o.Payload != nil && o.Status.IsRetryable()
}

// Clone returns a deep copy.
func (o RowOutcome) Clone() RowOutcome {
	if o.Name != nil {
		name := *o.Name
		o.Name = &name
	}
	if o.HospitalID != nil {
		id := *o.HospitalID
		o.HospitalID = &id
	}
	if o.Error != nil {
		o.Error = append(json.RawMessage(nil), o.Error...)
	}
	if o.Payload != nil {
		payload := o.Payload.clone()
		o.Payload = &payload
	}
	return o
}

// Merge overlays update on o. Row is kept. Status, hospital id and error
// always take the update's values; name and payload survive when omitted.
func (o RowOutcome) Merge(update RowOutcome) RowOutcome {
	merged := o.Clone()
	update = update.Clone()

	merged.Status = update.Status
	merged.HospitalID = update.HospitalID
	merged.Error = update.Error
	if update.Name != nil {
		merged.Name = update.Name
	}
	if update.Payload != nil {
		merged.Payload = update.Payload
	}
	return merged
}
