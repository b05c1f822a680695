package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// Tracing fields, propagated through the call chain via context.
const (
	// FieldRequestID is the HTTP request ID (UUID)
	FieldRequestID = "request_id"

	// FieldRunID is the local batch run ID
	FieldRunID = "run_id"

	// FieldJobID is the remote job ID assigned by the analysis backend
	FieldJobID = "job_id"

	// FieldDataset is the dataset a batch was submitted for
	FieldDataset = "dataset"

	// FieldComponent is the component/module name
	FieldComponent = "component"
)

// Metric fields, attached per entry for aggregation.
const (
	FieldDurationMs = "duration_ms"
	FieldCount      = "count"
	FieldAttempt    = "attempt"
	FieldInterval   = "interval_ms"
	FieldStatus     = "status"
	FieldSize       = "size"
)
