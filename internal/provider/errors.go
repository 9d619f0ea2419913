package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ProviderError classifies directory call failures. StatusCode is zero when
// the request never produced a response.
type ProviderError struct {
	StatusCode int
	Body       json.RawMessage
	Message    string
	Transient  bool
	Cause      error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	parts = append(parts, "provider error")

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsRequestError reports whether err happened before any response arrived.
func IsRequestError(err error) bool {
	if err == nil {
		return false
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.StatusCode == 0
	}
	return true
}

// ErrorBody renders err as the JSON stored on a failed row.
func ErrorBody(err error) json.RawMessage {
	if err == nil {
		return nil
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) && providerErr.StatusCode > 0 && len(providerErr.Body) > 0 {
		return providerErr.Body
	}

	raw, marshalErr := json.Marshal(map[string]string{"message": err.Error()})
	if marshalErr != nil {
		return json.RawMessage(`{"message":"request failed"}`)
	}
	return raw
}

// IsTransient reports whether an error is likely to clear on a later attempt.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}
