package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyPayload is returned when a result payload has no non-blank lines.
	ErrEmptyPayload = errors.New("empty payload")
	// ErrMalformedRecord is returned when a payload header yields no usable columns.
	ErrMalformedRecord = errors.New("malformed record")
	// ErrJobTerminal is returned when a status update arrives after a terminal state.
	ErrJobTerminal = errors.New("job already terminal")

	ErrInvalidPollConfig = errors.New("invalid poll config")

	ErrRunNotFound  = errors.New("batch run not found")
	ErrRunNotActive = errors.New("batch run not active")
	ErrInvalidInput = errors.New("invalid batch input")

	// ErrRunNotCompleted is returned when exporting a run that has no result yet.
	ErrRunNotCompleted = errors.New("batch run not completed")
	// ErrRunLimit is returned when too many runs are already active.
	ErrRunLimit = errors.New("active run limit reached")
	// ErrServiceClosed is returned when a run is started after shutdown began.
	ErrServiceClosed = errors.New("batch service is shutting down")
)

// TransportError is a single failed exchange with the analysis backend.
type TransportError struct {
	Op         string
	JobID      string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	msg := "transport error during " + e.Op
	if e.JobID != "" {
		msg += " for job " + e.JobID
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error { return e.Err }

// BackendUnavailableError reports that polling gave up after too many
// consecutive transport failures.
type BackendUnavailableError struct {
	JobID    string
	Op       string
	Attempts int
	Err      error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("backend unavailable for job %s after %d failed %s attempt(s): %v",
		e.JobID, e.Attempts, e.Op, e.Err)
}

func (e *BackendUnavailableError) Unwrap() error { return e.Err }

// JobFailedError reports a job that the backend marked as failed.
type JobFailedError struct {
	JobID   string
	Message string
}

func (e *JobFailedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("job %s failed", e.JobID)
	}
	return fmt.Sprintf("job %s failed: %s", e.JobID, e.Message)
}
