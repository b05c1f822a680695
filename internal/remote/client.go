// Package remote talks to the batch-analysis service over HTTP.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/timmy/caseboard/internal/domain"
)

// Config holds configuration for the analysis service client.
type Config struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	UserAgent string
}

// Client implements domain.Backend. It is safe for concurrent use.
type Client struct {
	client *resty.Client
}

var _ domain.Backend = (*Client)(nil)

// NewClient creates a new analysis service client.
func NewClient(cfg Config) *Client {
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json, text/csv, text/plain")

	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	if cfg.UserAgent != "" {
		client.SetHeader("User-Agent", cfg.UserAgent)
	}

	return &Client{client: client}
}

type submitRequest struct {
	Dataset    string            `json:"dataset"`
	Payload    string            `json:"payload"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// jobDocument is the status representation returned by the service.
type jobDocument struct {
	JobID            string  `json:"job_id"`
	ID               string  `json:"id"`
	Status           string  `json:"status"`
	Progress         float64 `json:"progress"`
	ProcessedRecords int     `json:"processed_records"`
	TotalRecords     int     `json:"total_records"`
	Error            string  `json:"error"`
	ErrorMessage     string  `json:"error_message"`
}

type errorDocument struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Detail  string `json:"detail"`
}

// SubmitJob posts a new batch job.
func (c *Client) SubmitJob(ctx context.Context, input domain.BatchInput) (*domain.JobHandle, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(submitRequest{
			Dataset:    input.Dataset,
			Payload:    input.Payload,
			Parameters: input.Parameters,
		}).
		Post("/jobs")
	if err != nil {
		return nil, &domain.TransportError{Op: "submit", Err: err}
	}
	if resp.IsError() {
		return nil, &domain.TransportError{Op: "submit", StatusCode: resp.StatusCode(), Err: apiError(resp)}
	}

	handle, err := decodeJob(resp.Body(), "", domain.JobStatusPending)
	if err != nil {
		return nil, &domain.TransportError{Op: "submit", StatusCode: resp.StatusCode(), Err: err}
	}
	if handle.ID == "" {
		return nil, &domain.TransportError{Op: "submit", StatusCode: resp.StatusCode(), Err: errors.New("response has no job id")}
	}
	return handle, nil
}

// GetJobStatus fetches the current status of jobID.
func (c *Client) GetJobStatus(ctx context.Context, jobID string) (*domain.JobHandle, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("id", jobID).
		Get("/jobs/{id}")
	if err != nil {
		return nil, &domain.TransportError{Op: "status", JobID: jobID, Err: err}
	}
	if resp.IsError() {
		return nil, &domain.TransportError{Op: "status", JobID: jobID, StatusCode: resp.StatusCode(), Err: apiError(resp)}
	}

	handle, err := decodeJob(resp.Body(), jobID, "")
	if err != nil {
		return nil, &domain.TransportError{Op: "status", JobID: jobID, StatusCode: resp.StatusCode(), Err: err}
	}
	return handle, nil
}

// GetJobResult fetches the CSV payload of a completed job. A JSON body with a
// "result" or "csv" string field is unwrapped.
func (c *Client) GetJobResult(ctx context.Context, jobID string) (string, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("id", jobID).
		Get("/jobs/{id}/result")
	if err != nil {
		return "", &domain.TransportError{Op: "result", JobID: jobID, Err: err}
	}
	if resp.IsError() {
		return "", &domain.TransportError{Op: "result", JobID: jobID, StatusCode: resp.StatusCode(), Err: apiError(resp)}
	}

	if strings.Contains(resp.Header().Get("Content-Type"), "json") {
		var wrapped struct {
			Result *string `json:"result"`
			CSV    *string `json:"csv"`
		}
		if err := json.Unmarshal(resp.Body(), &wrapped); err != nil {
			return "", &domain.TransportError{Op: "result", JobID: jobID, StatusCode: resp.StatusCode(), Err: fmt.Errorf("decode result: %w", err)}
		}
		switch {
		case wrapped.Result != nil:
			return *wrapped.Result, nil
		case wrapped.CSV != nil:
			return *wrapped.CSV, nil
		}
		return "", &domain.TransportError{Op: "result", JobID: jobID, StatusCode: resp.StatusCode(), Err: errors.New("result document has no result field")}
	}
	return string(resp.Body()), nil
}

// decodeJob reads a job document. A blank status takes fallback when one is
// given; submit acknowledgements may carry nothing but the job id.
func decodeJob(body []byte, jobID string, fallback domain.JobStatus) (*domain.JobHandle, error) {
	var doc jobDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode job document: %w", err)
	}

	status, ok := ParseStatus(doc.Status)
	if !ok && fallback != "" && strings.TrimSpace(doc.Status) == "" {
		status, ok = fallback, true
	}
	if !ok {
		return nil, fmt.Errorf("unknown job status %q", doc.Status)
	}

	id := doc.JobID
	if id == "" {
		id = doc.ID
	}
	if id == "" {
		id = jobID
	}

	handle := &domain.JobHandle{
		ID:               id,
		Status:           status,
		ProgressPercent:  doc.Progress,
		ProcessedRecords: doc.ProcessedRecords,
		TotalRecords:     doc.TotalRecords,
	}
	if status == domain.JobStatusFailed {
		handle.ErrorMessage = doc.Error
		if handle.ErrorMessage == "" {
			handle.ErrorMessage = doc.ErrorMessage
		}
	}
	return handle, nil
}

// ParseStatus maps a status string reported by the service to a JobStatus.
func ParseStatus(s string) (domain.JobStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending", "queued", "submitted", "waiting":
		return domain.JobStatusPending, true
	case "running", "processing", "in_progress", "started":
		return domain.JobStatusRunning, true
	case "completed", "complete", "done", "succeeded", "success", "finished":
		return domain.JobStatusCompleted, true
	case "failed", "error", "errored", "cancelled", "canceled":
		return domain.JobStatusFailed, true
	}
	return "", false
}

func apiError(resp *resty.Response) error {
	var doc errorDocument
	if err := json.Unmarshal(resp.Body(), &doc); err == nil {
		for _, msg := range []string{doc.Error, doc.Message, doc.Detail} {
			if msg != "" {
				return errors.New(msg)
			}
		}
	}
	body := strings.TrimSpace(resp.String())
	if len(body) > 200 {
		body = body[:200]
	}
	if body == "" {
		return errors.New(resp.Status())
	}
	return errors.New(body)
}
