package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/hospital-bulk-engine/internal/domain"
)

const defaultDirectoryTimeout = 30 * time.Second

const (
	createHospitalPath = "/hospitals/"
	activateBatchPath  = "/hospitals/batch/{batchId}/activate"
)

type createHospitalRequest struct {
	domain.HospitalPayload
	CreationBatchID string `json:"creation_batch_id"`
}

type createHospitalResponse struct {
	ID json.Number `json:"id"`
}

type unstructuredErrorBody struct {
	StatusCode int    `json:"status_code"`
	Text       string `json:"text"`
}

// HospitalDirectoryClient talks to the remote hospital directory API.
type HospitalDirectoryClient struct {
	client  *resty.Client
	baseURL string
}

func NewHospitalDirectoryClient(baseURL string, timeout time.Duration) (*HospitalDirectoryClient, error) {
	client := resty.New()
	if timeout <= 0 {
		timeout = defaultDirectoryTimeout
	}
	client.SetTimeout(timeout)
	client.SetRetryCount(0)

	return NewHospitalDirectoryClientWithClient(baseURL, client)
}

func NewHospitalDirectoryClientWithClient(baseURL string, client *resty.Client) (*HospitalDirectoryClient, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("hospital API base URL is required")
	}
	if _, err := url.ParseRequestURI(trimmed); err != nil {
		return nil, fmt.Errorf("invalid hospital API base URL: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultDirectoryTimeout)
	}
	client.SetRetryCount(0)
	client.SetBaseURL(trimmed)

	return &HospitalDirectoryClient{
		client:  client,
		baseURL: trimmed,
	}, nil
}

func (c *HospitalDirectoryClient) CreateHospital(ctx context.Context, batchID string, payload domain.HospitalPayload) (*CreateResult, error) {
	if c == nil || c.client == nil {
		return nil, fmt.Errorf("hospital directory client is not initialized")
	}

	response, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(createHospitalRequest{HospitalPayload: payload, CreationBatchID: batchID}).
		Post(createHospitalPath)
	if err != nil {
		return nil, requestError("create hospital request failed", err)
	}

	statusCode := response.StatusCode()
	body := response.Body()

	if statusCode == http.StatusOK || statusCode == http.StatusCreated {
		return &CreateResult{
			StatusCode: statusCode,
			HospitalID: parseHospitalID(body),
			Body:       strings.TrimSpace(string(body)),
		}, nil
	}

	return nil, &ProviderError{
		StatusCode: statusCode,
		Body:       errorBody(statusCode, body),
		Message:    fmt.Sprintf("create hospital returned status %d", statusCode),
		Transient:  isTransientHTTPStatus(statusCode),
	}
}

func (c *HospitalDirectoryClient) ActivateBatch(ctx context.Context, batchID string) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("hospital directory client is not initialized")
	}

	response, err := c.client.R().
		SetContext(ctx).
		SetPathParam("batchId", batchID).
		Patch(activateBatchPath)
	if err != nil {
		return requestError("activate batch request failed", err)
	}

	statusCode := response.StatusCode()
	if statusCode == http.StatusOK || statusCode == http.StatusNoContent {
		return nil
	}

	return &ProviderError{
		StatusCode: statusCode,
		Body:       errorBody(statusCode, response.Body()),
		Message:    fmt.Sprintf("activate batch returned status %d", statusCode),
		Transient:  isTransientHTTPStatus(statusCode),
	}
}

func requestError(message string, err error) *ProviderError {
	return &ProviderError{
		Message:   message,
		Transient: !errors.Is(err, context.Canceled),
		Cause:     err,
	}
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

// parseHospitalID returns nil when the success body carries no numeric id.
func parseHospitalID(body []byte) *int64 {
	var decoded createHospitalResponse
	if err := json.Unmarshal(body, &decoded); err != nil || decoded.ID == "" {
		return nil
	}

	id, err := strconv.ParseInt(decoded.ID.String(), 10, 64)
	if err != nil {
		return nil
	}
	return &id
}

// errorBody keeps JSON error bodies verbatim and wraps anything else.
func errorBody(statusCode int, body []byte) json.RawMessage {
	trimmed := strings.TrimSpace(string(body))
	if trimmed != "" && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}

	raw, err := json.Marshal(unstructuredErrorBody{StatusCode: statusCode, Text: string(body)})
	if err != nil {
		return nil
	}
	return raw
}
