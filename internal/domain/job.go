package domain

import (
	"fmt"
	"time"
)

// JobStatus represents the remote status of a batch-analysis job.
// Values include JobStatusPending, JobStatusRunning, JobStatusCompleted, and JobStatusFailed.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// IsTerminal reports whether no further status transitions are possible.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is one of the four known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// JobHandle is the local view of a remote job as last reported by the backend.
// ProgressPercent, ProcessedRecords and TotalRecords are informational and
// passed through exactly as the backend reported them.
type JobHandle struct {
	ID               string    `json:"job_id"`
	Status           JobStatus `json:"status"`
	ProgressPercent  float64   `json:"progress"`
	ProcessedRecords int       `json:"processed_records"`
	TotalRecords     int       `json:"total_records"`
	ErrorMessage     string    `json:"error,omitempty"`
}

// PollConfig tunes one adaptive polling loop.
type PollConfig struct {
	InitialInterval        time.Duration
	MaxInterval            time.Duration
	MaxConsecutiveFailures int
}

// DefaultPollConfig returns the intervals used when none are configured.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		InitialInterval:        2 * time.Second,
		MaxInterval:            30 * time.Second,
		MaxConsecutiveFailures: 5,
	}
}

// Validate checks the PollConfig invariants.
// Returns:
//   - error: wraps ErrInvalidPollConfig when an interval is non-positive,
//     the initial interval exceeds the maximum, or the failure budget is not positive.
func (c PollConfig) Validate() error {
	switch {
	case c.InitialInterval <= 0:
		return fmt.Errorf("%w: initial interval must be positive", ErrInvalidPollConfig)
	case c.MaxInterval <= 0:
		return fmt.Errorf("%w: max interval must be positive", ErrInvalidPollConfig)
	case c.InitialInterval > c.MaxInterval:
		return fmt.Errorf("%w: initial interval %s exceeds max interval %s",
			ErrInvalidPollConfig, c.InitialInterval, c.MaxInterval)
	case c.MaxConsecutiveFailures <= 0:
		return fmt.Errorf("%w: max consecutive failures must be positive", ErrInvalidPollConfig)
	}
	return nil
}

// BatchInput is the payload submitted to the analysis backend.
type BatchInput struct {
	Dataset    string            `json:"dataset"`
	Payload    string            `json:"payload"`
	Parameters map[string]string `json:"parameters,omitempty"`
}
