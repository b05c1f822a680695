package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// RunStatus is the local lifecycle of one orchestration run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsActive reports whether the run may still change.
func (s RunStatus) IsActive() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// RunFilter narrows a run listing. Zero fields match everything.
type RunFilter struct {
	Status  RunStatus
	Dataset string
	Limit   int
	Offset  int
}

// Failure kinds stored on a failed run.
const (
	FailureBackendUnavailable = "backend_unavailable"
	FailureJobFailed          = "job_failed"
	FailureEmptyPayload       = "empty_payload"
	FailureMalformedRecord    = "malformed_record"
	FailureTransport          = "transport"
	FailureInterrupted        = "interrupted"
	FailureInternal           = "internal"
)

// StringArray is a custom type for storing string arrays as JSON in the database.
type StringArray []string

// Value implements the driver.Valuer interface for database serialization.
func (a StringArray) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (a *StringArray) Scan(value interface{}) error {
	b, err := scanBytes(value, "StringArray")
	if err != nil {
		return err
	}
	if b == nil {
		*a = StringArray{}
		return nil
	}
	return json.Unmarshal(b, a)
}

// StringMap stores a flat string map as a JSON column.
type StringMap map[string]string

// Value implements the driver.Valuer interface for database serialization.
func (m StringMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (m *StringMap) Scan(value interface{}) error {
	b, err := scanBytes(value, "StringMap")
	if err != nil {
		return err
	}
	if b == nil {
		*m = StringMap{}
		return nil
	}
	return json.Unmarshal(b, m)
}

func scanBytes(value interface{}, typ string) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, errors.New("failed to scan " + typ)
	}
}

// BatchRun is the persisted record of one submit-poll-reconcile run.
type BatchRun struct {
	ID                string      `gorm:"type:text;primaryKey" json:"id"`
	Dataset           string      `gorm:"type:text;index" json:"dataset"`
	JobID             string      `gorm:"type:text;index" json:"job_id,omitempty"`
	Status            RunStatus   `gorm:"type:text;default:pending;index" json:"status"`
	JobStatus         JobStatus   `gorm:"type:text" json:"job_status,omitempty"`
	Parameters        StringMap   `gorm:"type:text" json:"parameters,omitempty"`
	ProgressPercent   float64     `gorm:"default:0" json:"progress"`
	ProcessedRecords  int         `gorm:"default:0" json:"processed_records"`
	TotalRecords      int         `gorm:"default:0" json:"total_records"`
	TotalParsed       int         `gorm:"default:0" json:"total_parsed"`
	FilteredOutCount  int         `gorm:"default:0" json:"filtered_out_count"`
	KeptCount         int         `gorm:"default:0" json:"kept_count"`
	StatusColumnFound bool        `gorm:"default:false" json:"status_column_found"`
	StatusColumn      string      `gorm:"type:text" json:"status_column,omitempty"`
	Headers           StringArray `gorm:"type:text" json:"headers,omitempty"`
	ArchiveKey        string      `gorm:"type:text" json:"archive_key,omitempty"`
	FailureKind       string      `gorm:"type:text" json:"failure_kind,omitempty"`
	ErrorMessage      string      `gorm:"type:text" json:"error,omitempty"`
	SubmittedAt       *time.Time  `json:"submitted_at,omitempty"`
	CompletedAt       *time.Time  `json:"completed_at,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// TableName returns the database table name for BatchRun.
func (BatchRun) TableName() string {
	return "batch_runs"
}

// BatchRecord is one reconciled record kept by a completed run.
type BatchRecord struct {
	ID       uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	RunID    string    `gorm:"type:text;not null;index:idx_batch_records_run_seq,priority:1" json:"run_id"`
	Sequence int       `gorm:"not null;index:idx_batch_records_run_seq,priority:2" json:"id"`
	Values   StringMap `gorm:"type:text" json:"values"`
}

// TableName returns the database table name for BatchRecord.
func (BatchRecord) TableName() string {
	return "batch_records"
}
