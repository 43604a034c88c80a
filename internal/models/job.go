package models

import (
	"time"
)

// Status enumerates upload job lifecycle states persisted in Postgres.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusProcessing  Status = "processing"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
	StatusRateLimited Status = "rate_limited"
)

// Terminal reports whether the job record is frozen.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// TerminalStatuses lists the frozen states in a stable order.
func TerminalStatuses() []Status {
	return []Status{StatusCompleted, StatusFailed, StatusCancelled}
}

// Source identifies how a file entered the system.
type Source string

const (
	SourceHTTP    Source = "http"
	SourceMonitor Source = "monitor"
)

// ValidationStats summarises the structural validation of a file.
type ValidationStats struct {
	TotalRows     int `json:"total_rows"`
	ValidRows     int `json:"valid_rows"`
	InvalidRows   int `json:"invalid_rows"`
	DuplicateRows int `json:"duplicate_rows"`
}

// DatabaseStats summarises member writes performed for a job.
type DatabaseStats struct {
	RecordsInserted int `json:"records_inserted"`
	RecordsUpdated  int `json:"records_updated"`
	RecordsFailed   int `json:"records_failed"`
}

// UploadJob is one submitted spreadsheet tracked from enqueue to a terminal state.
type UploadJob struct {
	ID                   string           `json:"job_id"`
	FileName             string           `json:"file_name"`
	FileSize             int64            `json:"file_size"`
	FilePath             string           `json:"-"`
	UploadedBy           string           `json:"uploaded_by"`
	Source               Source           `json:"source"`
	UploadTimestamp      time.Time        `json:"upload_timestamp"`
	Status               Status           `json:"status"`
	Stage                Stage            `json:"stage"`
	ProgressPercentage   int              `json:"progress_percentage"`
	RowsTotal            int              `json:"rows_total"`
	RowsProcessed        int              `json:"rows_processed"`
	RowsSuccess          int              `json:"rows_success"`
	RowsFailed           int              `json:"rows_failed"`
	ErrorMessage         *string          `json:"error_message,omitempty"`
	ReportFilePath       *string          `json:"report_file_path,omitempty"`
	ValidationStats      *ValidationStats `json:"validation_stats,omitempty"`
	DatabaseStats        *DatabaseStats   `json:"database_stats,omitempty"`
	CancelRequested      bool             `json:"cancel_requested"`
	RetryOf              *string          `json:"retry_of,omitempty"`
	Attempts             int              `json:"attempts"`
	WorkerID             *string          `json:"worker_id,omitempty"`
	IdempotencyKey       *string          `json:"-"`
	RateLimitResetAt     *time.Time       `json:"rate_limit_reset_at,omitempty"`
	StartedAt            *time.Time       `json:"started_at,omitempty"`
	CompletedAt          *time.Time       `json:"completed_at,omitempty"`
	ProcessingDurationMS *int64           `json:"processing_duration_ms,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// ProgressUpdate is a patch applied by the worker. Counters and progress only
// move forward; an empty Stage leaves the recorded stage alone, nil stats are
// left untouched.
type ProgressUpdate struct {
	Stage           Stage
	Progress        int
	RowsTotal       int
	RowsProcessed   int
	RowsSuccess     int
	RowsFailed      int
	ValidationStats *ValidationStats
	DatabaseStats   *DatabaseStats
}

// Outcome describes a terminal transition.
type Outcome struct {
	Status         Status
	ErrorMessage   string
	ReportFilePath string
}

// JobFilter selects jobs for history listings.
type JobFilter struct {
	UploadedBy string
	Status     Status
	Limit      int
	Offset     int
}

// Statistics aggregates uploads over a date range.
type Statistics struct {
	From                  time.Time `json:"from"`
	To                    time.Time `json:"to"`
	TotalUploads          int64     `json:"total_uploads"`
	SuccessfulUploads     int64     `json:"successful_uploads"`
	FailedUploads         int64     `json:"failed_uploads"`
	CancelledUploads      int64     `json:"cancelled_uploads"`
	RateLimitedUploads    int64     `json:"rate_limited_uploads"`
	PendingUploads        int64     `json:"pending_uploads"`
	SuccessRate           float64   `json:"success_rate"`
	AverageProcessingMS   float64   `json:"average_processing_time_ms"`
	TotalRowsProcessed    int64     `json:"total_rows_processed"`
	TotalRowsSuccess      int64     `json:"total_rows_success"`
	TotalRowsFailed       int64     `json:"total_rows_failed"`
	TotalRecordsInserted  int64     `json:"total_records_inserted"`
	TotalRecordsUpdated   int64     `json:"total_records_updated"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
