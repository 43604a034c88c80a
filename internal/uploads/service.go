package uploads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"membership-bulk-upload/internal/config"
	"membership-bulk-upload/internal/events"
	"membership-bulk-upload/internal/intake"
	"membership-bulk-upload/internal/models"
	"membership-bulk-upload/internal/queue"
	"membership-bulk-upload/internal/ratelimit"
	"membership-bulk-upload/internal/reports"
	"membership-bulk-upload/internal/store"
	"membership-bulk-upload/internal/telemetry"
)

var (
	ErrRateLimited  = errors.New("IEC verification rate limit reached")
	ErrNotRetriable = errors.New("upload job cannot be retried in its current state")
	ErrNotDeletable = errors.New("upload job is still active")
)

// RateLimitedError carries the gate state that caused a rejection.
type RateLimitedError struct {
	Status ratelimit.Status
}

func (e *RateLimitedError) Error() string { return e.Status.Message() }

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// RetryAfter is the wait until the gate window resets.
func (e *RateLimitedError) RetryAfter(now time.Time) time.Duration {
	d := e.Status.ResetTime.Sub(now)
	if d < time.Second {
		return time.Second
	}
	return d
}

// SubmitRequest is a spreadsheet handed in by the HTTP API or the file monitor.
type SubmitRequest struct {
	Name           string
	Body           io.Reader
	UploadedBy     string
	Source         models.Source
	IdempotencyKey string
}

// Submission is the accepted job. Duplicate is set when the idempotency key
// matched an earlier submission and nothing new was enqueued.
type Submission struct {
	Job       models.UploadJob
	Duplicate bool
}

// QueueStats counts jobs per lifecycle bucket.
type QueueStats struct {
	Waiting     int64 `json:"waiting"`
	Active      int64 `json:"active"`
	Completed   int64 `json:"completed"`
	Failed      int64 `json:"failed"`
	Cancelled   int64 `json:"cancelled"`
	RateLimited int64 `json:"rate_limited"`
	Total       int64 `json:"total"`
}

// Service admits uploads and applies user commands to existing jobs.
type Service struct {
	cfg     config.Config
	rules   intake.Rules
	store   store.Store
	queue   *queue.RedisQueue
	gate    *ratelimit.Gate
	reports *reports.Manager
	pub     events.Publisher
	log     *zap.SugaredLogger
}

func NewService(cfg config.Config, st store.Store, q *queue.RedisQueue, gate *ratelimit.Gate, rm *reports.Manager, pub events.Publisher) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Service{
		cfg:     cfg,
		rules:   intake.Rules{MaxBytes: cfg.MaxUploadBytes, AllowedExtensions: cfg.AllowedExtensions},
		store:   st,
		queue:   q,
		gate:    gate,
		reports: rm,
		pub:     pub,
		log:     zap.S().Named("uploads"),
	}
}

// Rules exposes the intake limits so callers can reject early.
func (s *Service) Rules() intake.Rules { return s.rules }

// Submit stores the file, records a queued job and enqueues it.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (Submission, error) {
	return s.submit(ctx, req, "")
}

func (s *Service) submit(ctx context.Context, req SubmitRequest, retryOf string) (Submission, error) {
	if err := s.admit(ctx); err != nil {
		return Submission{}, err
	}

	id := uuid.NewString()
	dir := filepath.Join(s.cfg.UploadDir, id)
	saved, err := s.rules.Save(req.Body, dir, req.Name)
	if err != nil {
		os.RemoveAll(dir)
		telemetry.UploadRejections.WithLabelValues(rejectReason(err)).Inc()
		return Submission{}, err
	}

	source := req.Source
	if source == "" {
		source = models.SourceHTTP
	}
	user := req.UploadedBy
	if user == "" {
		user = "anonymous"
	}
	job, dup, err := s.store.CreateJob(ctx, store.CreateJobParams{
		ID:             id,
		FileName:       saved.Name,
		FileSize:       saved.Size,
		FilePath:       saved.Path,
		UploadedBy:     user,
		Source:         source,
		RetryOf:        retryOf,
		IdempotencyKey: req.IdempotencyKey,
		IdempotencyTTL: s.cfg.IdempotencyTTL,
	})
	if err != nil {
		os.RemoveAll(dir)
		return Submission{}, fmt.Errorf("create job: %w", err)
	}
	if dup {
		os.RemoveAll(dir)
		s.log.Infow("duplicate upload", "job_id", job.ID, "idempotency_key", req.IdempotencyKey)
		return Submission{Job: job, Duplicate: true}, nil
	}

	if err := s.queue.Enqueue(ctx, job.ID); err != nil {
		msg := fmt.Sprintf("enqueue failed: %v", err)
		_, _, _ = s.store.FinishJob(ctx, job.ID, models.Outcome{Status: models.StatusFailed, ErrorMessage: msg})
		return Submission{}, fmt.Errorf("enqueue job: %w", err)
	}

	detail := fmt.Sprintf("source=%s uploaded_by=%s file=%s size=%d", source, user, saved.Name, saved.Size)
	if retryOf != "" {
		detail += " retry_of=" + retryOf
	}
	_ = s.store.AppendAudit(ctx, job.ID, "enqueued", detail)
	telemetry.JobsEnqueued.Inc()
	s.log.Infow("upload queued", "job_id", job.ID, "file", saved.Name, "size", saved.Size, "source", source)
	return Submission{Job: job}, nil
}

func (s *Service) admit(ctx context.Context) error {
	st, err := s.RateLimitStatus(ctx)
	if err != nil {
		return err
	}
	if st.IsLimited {
		telemetry.UploadRejections.WithLabelValues("rate_limited").Inc()
		return &RateLimitedError{Status: st}
	}
	return nil
}

// Cancel stops a job. Queued and rate limited jobs end at once; a processing
// job is flagged and the worker stops at its next check.
func (s *Service) Cancel(ctx context.Context, id string) (models.UploadJob, error) {
	job, err := s.store.RequestCancel(ctx, id)
	if err != nil {
		return job, err
	}
	if job.Status != models.StatusCancelled {
		_ = s.store.AppendAudit(ctx, id, "cancel_requested", "worker will stop at the next checkpoint")
		return job, nil
	}
	if err := s.queue.Cancel(ctx, id); err != nil {
		s.log.Warnw("remove cancelled job from queue", "job_id", id, "err", err)
	}
	_ = s.store.AppendAudit(ctx, id, "cancelled", "cancelled before processing")
	telemetry.JobsCancelled.Inc()
	if err := s.pub.Publish(ctx, models.EventFromJob(models.EventCancelled, job, "Upload cancelled")); err != nil {
		s.log.Warnw("publish cancel event", "job_id", id, "err", err)
	}
	return job, nil
}

// Retry resumes a rate limited job in place, or resubmits the file of a
// failed or cancelled job as a new job.
func (s *Service) Retry(ctx context.Context, id, user string) (Submission, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return Submission{}, err
	}
	switch job.Status {
	case models.StatusRateLimited:
		if err := s.admit(ctx); err != nil {
			return Submission{}, err
		}
		resumed, err := s.store.Requeue(ctx, id)
		if err != nil {
			return Submission{}, err
		}
		// A worker may have scheduled an automatic resume.
		if err := s.queue.Cancel(ctx, id); err != nil {
			s.log.Warnw("clear scheduled resume", "job_id", id, "err", err)
		}
		if err := s.queue.Enqueue(ctx, id); err != nil {
			return Submission{}, fmt.Errorf("enqueue job: %w", err)
		}
		_ = s.store.AppendAudit(ctx, id, "resumed", "resumed by "+user)
		return Submission{Job: resumed}, nil

	case models.StatusFailed, models.StatusCancelled:
		f, err := os.Open(job.FilePath)
		if err != nil {
			return Submission{}, fmt.Errorf("%w: original upload is no longer available", ErrNotRetriable)
		}
		defer f.Close()
		if user == "" {
			user = job.UploadedBy
		}
		return s.submit(ctx, SubmitRequest{
			Name:       job.FileName,
			Body:       f,
			UploadedBy: user,
			Source:     job.Source,
		}, job.ID)
	}
	return Submission{}, ErrNotRetriable
}

// Delete removes a finished or paused job, its report and its upload.
func (s *Service) Delete(ctx context.Context, id string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if !job.Status.Terminal() && job.Status != models.StatusRateLimited {
		return ErrNotDeletable
	}
	if job.Status == models.StatusRateLimited {
		if err := s.queue.Cancel(ctx, id); err != nil {
			return fmt.Errorf("remove job from queue: %w", err)
		}
	}
	if job.ReportFilePath != nil && s.reports != nil {
		if err := s.reports.DeleteReport(ctx, id); err != nil && !errors.Is(err, reports.ErrNotFound) {
			return fmt.Errorf("delete report: %w", err)
		}
	}
	if err := s.store.DeleteJob(ctx, id); err != nil {
		return err
	}
	if dir := s.uploadDirOf(job); dir != "" {
		if err := os.RemoveAll(dir); err != nil {
			s.log.Warnw("remove upload", "job_id", id, "dir", dir, "err", err)
		}
	}
	s.log.Infow("upload deleted", "job_id", id, "status", job.Status)
	return nil
}

// uploadDirOf returns the per-job directory under UploadDir, or "" when the
// file lives elsewhere.
func (s *Service) uploadDirOf(job models.UploadJob) string {
	if job.FilePath == "" {
		return ""
	}
	dir := filepath.Dir(job.FilePath)
	rel, err := filepath.Rel(s.cfg.UploadDir, dir)
	if err != nil || rel != job.ID {
		return ""
	}
	return dir
}

// RateLimitStatus reads the gate without consuming budget.
func (s *Service) RateLimitStatus(ctx context.Context) (ratelimit.Status, error) {
	st, err := s.gate.Check(ctx)
	if err != nil {
		return st, err
	}
	telemetry.IECUsageGauge.Set(st.UsageRatio())
	return st, nil
}

// QueueStats combines the live queue depth with persisted job counts.
func (s *Service) QueueStats(ctx context.Context) (QueueStats, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return QueueStats{}, err
	}
	depth, err := s.queue.Depth(ctx)
	if err != nil {
		return QueueStats{}, fmt.Errorf("queue depth: %w", err)
	}
	telemetry.QueueDepthGauge.Set(float64(depth.Waiting))

	qs := QueueStats{
		Waiting:     counts[models.StatusQueued],
		Active:      counts[models.StatusProcessing],
		Completed:   counts[models.StatusCompleted],
		Failed:      counts[models.StatusFailed],
		Cancelled:   counts[models.StatusCancelled],
		RateLimited: counts[models.StatusRateLimited],
	}
	if depth.Waiting > qs.Waiting {
		qs.Waiting = depth.Waiting
	}
	for _, n := range counts {
		qs.Total += n
	}
	return qs, nil
}

// RecentJobs lists the newest jobs across all users.
func (s *Service) RecentJobs(ctx context.Context, limit int) ([]models.UploadJob, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	jobs, _, err := s.store.ListJobs(ctx, models.JobFilter{Limit: limit})
	return jobs, err
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, intake.ErrFileTooLarge):
		return "too_large"
	case errors.Is(err, intake.ErrUnsupportedType):
		return "unsupported_type"
	case errors.Is(err, intake.ErrEmptyFile):
		return "empty"
	}
	return "io_error"
}
