package domain

import "context"

// Backend is the remote analysis service.
//
// Implementations must be safe for concurrent use by several polling loops.
// Every failure to obtain a well-formed answer is reported as *TransportError.
type Backend interface {
	// SubmitJob hands the input to the service and returns the initial handle.
	SubmitJob(ctx context.Context, input BatchInput) (*JobHandle, error)
	// GetJobStatus queries the current status of jobID.
	GetJobStatus(ctx context.Context, jobID string) (*JobHandle, error)
	// GetJobResult fetches the raw CSV payload of a completed job.
	GetJobResult(ctx context.Context, jobID string) (string, error)
}
