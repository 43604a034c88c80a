package models

import "time"

// EventKind is the type of a progress event.
type EventKind string

const (
	EventProgress          EventKind = "progress"
	EventComplete          EventKind = "complete"
	EventFailed            EventKind = "failed"
	EventCancelled         EventKind = "cancelled"
	EventRateLimitWarning  EventKind = "rate_limit_warning"
	EventRateLimitExceeded EventKind = "rate_limit_exceeded"
)

// ProgressEvent is an ephemeral notification about one job.
type ProgressEvent struct {
	Kind           EventKind  `json:"kind"`
	JobID          string     `json:"job_id"`
	Stage          Stage      `json:"stage"`
	Progress       int        `json:"progress"`
	Message        string     `json:"message,omitempty"`
	Status         Status     `json:"status"`
	Timestamp      time.Time  `json:"timestamp"`
	RowsTotal      int        `json:"rows_total"`
	RowsProcessed  int        `json:"rows_processed"`
	RowsSuccess    int        `json:"rows_success"`
	RowsFailed     int        `json:"rows_failed"`
	Error          string     `json:"error,omitempty"`
	ReportFilePath string     `json:"report_file_path,omitempty"`
	ResetTime      *time.Time `json:"reset_time,omitempty"`
	CurrentCount   int        `json:"current_count,omitempty"`
	MaxLimit       int        `json:"max_limit,omitempty"`
}

// SocketName is the event name used on the real-time channel.
func (e ProgressEvent) SocketName() string {
	return "bulk_upload_" + string(e.Kind)
}

// EventFromJob builds an event carrying the job's current counters.
func EventFromJob(kind EventKind, job UploadJob, msg string) ProgressEvent {
	return ProgressEvent{
		Kind:          kind,
		JobID:         job.ID,
		Stage:         job.Stage,
		Progress:      job.ProgressPercentage,
		Message:       msg,
		Status:        job.Status,
		Timestamp:     time.Now().UTC(),
		RowsTotal:     job.RowsTotal,
		RowsProcessed: job.RowsProcessed,
		RowsSuccess:   job.RowsSuccess,
		RowsFailed:    job.RowsFailed,
	}
}
