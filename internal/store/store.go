package store

import (
	"context"
	"errors"
	"time"

	"membership-bulk-upload/internal/models"
)

var (
	ErrNotFound     = errors.New("upload job not found")
	ErrTerminal     = errors.New("upload job is in a terminal state")
	ErrNotClaimable = errors.New("upload job is not queued")
	ErrConflict     = errors.New("upload job is not in a state that allows this operation")
)

// Store is the durable record of every upload.
type Store interface {
	CreateJob(ctx context.Context, p CreateJobParams) (models.UploadJob, bool, error)
	GetJob(ctx context.Context, id string) (models.UploadJob, error)
	// ClaimJob moves a queued job to processing. Only one caller can win.
	ClaimJob(ctx context.Context, id, workerID string) (models.UploadJob, error)
	UpdateProgress(ctx context.Context, id string, u models.ProgressUpdate) (models.UploadJob, error)
	// RequestCancel cancels queued and rate limited jobs outright and flags
	// processing jobs for the worker to stop at its next check.
	RequestCancel(ctx context.Context, id string) (models.UploadJob, error)
	// FinishJob applies a terminal outcome. The first terminal write wins;
	// later calls return the frozen job and false.
	FinishJob(ctx context.Context, id string, o models.Outcome) (models.UploadJob, bool, error)
	MarkRateLimited(ctx context.Context, id string, resetAt time.Time, msg string) (models.UploadJob, error)
	// Requeue returns a processing or rate limited job to queued.
	Requeue(ctx context.Context, id string) (models.UploadJob, error)
	ListJobs(ctx context.Context, f models.JobFilter) ([]models.UploadJob, int, error)
	DeleteJob(ctx context.Context, id string) error
	ClearReport(ctx context.Context, id string) error
	Statistics(ctx context.Context, from, to time.Time) (models.Statistics, error)
	CountByStatus(ctx context.Context) (map[models.Status]int64, error)
	ReportsOlderThan(ctx context.Context, before time.Time) ([]models.UploadJob, error)
	ReportPaths(ctx context.Context) (map[string]string, error)
	SaveRowResults(ctx context.Context, rows []models.RowResult) error
	ListRowResults(ctx context.Context, jobID string) ([]models.RowResult, error)
	AppendAudit(ctx context.Context, jobID, event, detail string) error
	Close()
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	ID             string
	FileName       string
	FileSize       int64
	FilePath       string
	UploadedBy     string
	Source         models.Source
	RetryOf        string
	IdempotencyKey string
	IdempotencyTTL time.Duration
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
