package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"membership-bulk-upload/internal/models"
)

// Memory is an in-process Store for tests and single-binary development runs.
// It mirrors the conditional semantics of the Postgres store.
type Memory struct {
	mu    sync.RWMutex
	jobs  map[string]*models.UploadJob
	rows  map[string]map[int]models.RowResult
	idem  map[string]idemEntry
	audit []models.AuditLog
	now   func() time.Time
}

type idemEntry struct {
	jobID   string
	expires time.Time
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		jobs: make(map[string]*models.UploadJob),
		rows: make(map[string]map[int]models.RowResult),
		idem: make(map[string]idemEntry),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) Close() {}

func (m *Memory) CreateJob(_ context.Context, p CreateJobParams) (models.UploadJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	if p.IdempotencyKey != "" {
		if e, ok := m.idem[p.IdempotencyKey]; ok && (e.expires.IsZero() || e.expires.After(now)) {
			if job, ok := m.jobs[e.jobID]; ok {
				return copyJob(job), true, nil
			}
		}
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if _, exists := m.jobs[p.ID]; exists {
		return models.UploadJob{}, false, ErrConflict
	}
	if p.Source == "" {
		p.Source = models.SourceHTTP
	}
	job := &models.UploadJob{
		ID:              p.ID,
		FileName:        p.FileName,
		FileSize:        p.FileSize,
		FilePath:        p.FilePath,
		UploadedBy:      p.UploadedBy,
		Source:          p.Source,
		UploadTimestamp: now,
		Status:          models.StatusQueued,
		Stage:           models.StageInitialization,
		RetryOf:         emptyToNil(p.RetryOf),
		IdempotencyKey:  emptyToNil(p.IdempotencyKey),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	m.jobs[job.ID] = job
	if p.IdempotencyKey != "" {
		e := idemEntry{jobID: job.ID}
		if p.IdempotencyTTL > 0 {
			e.expires = now.Add(p.IdempotencyTTL)
		}
		m.idem[p.IdempotencyKey] = e
	}
	return copyJob(job), false, nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.UploadJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.UploadJob{}, ErrNotFound
	}
	return copyJob(job), nil
}

func (m *Memory) ClaimJob(_ context.Context, id, workerID string) (models.UploadJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.UploadJob{}, ErrNotFound
	}
	if job.Status != models.StatusQueued {
		return models.UploadJob{}, ErrNotClaimable
	}
	now := m.now()
	job.Status = models.StatusProcessing
	job.Attempts++
	job.WorkerID = emptyToNil(workerID)
	job.RateLimitResetAt = nil
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	job.UpdatedAt = now
	return copyJob(job), nil
}

func (m *Memory) UpdateProgress(_ context.Context, id string, u models.ProgressUpdate) (models.UploadJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.UploadJob{}, ErrNotFound
	}
	if job.Status.Terminal() {
		return copyJob(job), ErrTerminal
	}
	if u.Stage.Rank() > job.Stage.Rank() {
		job.Stage = u.Stage
	}
	job.ProgressPercentage = max(job.ProgressPercentage, clampProgress(u.Progress))
	job.RowsTotal = max(job.RowsTotal, u.RowsTotal)
	job.RowsProcessed = max(job.RowsProcessed, u.RowsProcessed)
	job.RowsSuccess = max(job.RowsSuccess, u.RowsSuccess)
	job.RowsFailed = max(job.RowsFailed, u.RowsFailed)
	if u.ValidationStats != nil {
		v := *u.ValidationStats
		job.ValidationStats = &v
	}
	if u.DatabaseStats != nil {
		d := *u.DatabaseStats
		job.DatabaseStats = &d
	}
	job.UpdatedAt = m.now()
	return copyJob(job), nil
}

func (m *Memory) RequestCancel(_ context.Context, id string) (models.UploadJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.UploadJob{}, ErrNotFound
	}
	if job.Status.Terminal() {
		return copyJob(job), ErrTerminal
	}
	now := m.now()
	job.CancelRequested = true
	if job.Status != models.StatusProcessing {
		job.Status = models.StatusCancelled
		job.CompletedAt = &now
		job.ProcessingDurationMS = m.durationSince(job.StartedAt, now)
	}
	job.UpdatedAt = now
	return copyJob(job), nil
}

func (m *Memory) FinishJob(_ context.Context, id string, o models.Outcome) (models.UploadJob, bool, error) {
	if !o.Status.Terminal() {
		return models.UploadJob{}, false, ErrConflict
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.UploadJob{}, false, ErrNotFound
	}
	if job.Status.Terminal() {
		return copyJob(job), false, nil
	}
	now := m.now()
	job.Status = o.Status
	job.ErrorMessage = nil
	job.ReportFilePath = nil
	switch o.Status {
	case models.StatusFailed:
		job.Stage = models.StageError
		job.ErrorMessage = emptyToNil(o.ErrorMessage)
	case models.StatusCompleted:
		job.Stage = models.StageCompletion
		job.ProgressPercentage = 100
		job.ReportFilePath = emptyToNil(o.ReportFilePath)
	}
	job.CompletedAt = &now
	job.ProcessingDurationMS = m.durationSince(job.StartedAt, now)
	job.UpdatedAt = now
	return copyJob(job), true, nil
}

func (m *Memory) MarkRateLimited(_ context.Context, id string, resetAt time.Time, msg string) (models.UploadJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.UploadJob{}, ErrNotFound
	}
	if job.Status != models.StatusProcessing {
		return copyJob(job), m.stateErr(job)
	}
	now := m.now()
	reset := resetAt.UTC()
	job.Status = models.StatusRateLimited
	job.RateLimitResetAt = &reset
	job.ErrorMessage = nil
	job.WorkerID = nil
	job.UpdatedAt = now
	if msg != "" {
		m.audit = append(m.audit, models.AuditLog{JobID: id, Event: "rate_limited", Detail: msg, Recorded: now})
	}
	return copyJob(job), nil
}

func (m *Memory) Requeue(_ context.Context, id string) (models.UploadJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.UploadJob{}, ErrNotFound
	}
	if job.Status != models.StatusProcessing && job.Status != models.StatusRateLimited {
		return copyJob(job), m.stateErr(job)
	}
	job.Status = models.StatusQueued
	job.WorkerID = nil
	job.UpdatedAt = m.now()
	return copyJob(job), nil
}

func (m *Memory) ListJobs(_ context.Context, f models.JobFilter) ([]models.UploadJob, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []*models.UploadJob
	for _, job := range m.jobs {
		if f.UploadedBy != "" && job.UploadedBy != f.UploadedBy {
			continue
		}
		if f.Status != "" && job.Status != f.Status {
			continue
		}
		matched = append(matched, job)
	}
	sortNewestFirst(matched)
	total := len(matched)
	if f.Offset >= total {
		return []models.UploadJob{}, total, nil
	}
	end := min(f.Offset+limit, total)
	out := make([]models.UploadJob, 0, end-f.Offset)
	for _, job := range matched[f.Offset:end] {
		out = append(out, copyJob(job))
	}
	return out, total, nil
}

func (m *Memory) DeleteJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(m.jobs, id)
	delete(m.rows, id)
	for k, e := range m.idem {
		if e.jobID == id {
			delete(m.idem, k)
		}
	}
	return nil
}

func (m *Memory) ClearReport(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	job.ReportFilePath = nil
	job.UpdatedAt = m.now()
	return nil
}

func (m *Memory) Statistics(_ context.Context, from, to time.Time) (models.Statistics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := models.Statistics{From: from, To: to}
	var durationSum int64
	var durationCount int64
	for _, job := range m.jobs {
		if job.UploadTimestamp.Before(from) || !job.UploadTimestamp.Before(to) {
			continue
		}
		st.TotalUploads++
		switch job.Status {
		case models.StatusCompleted:
			st.SuccessfulUploads++
			if job.ProcessingDurationMS != nil {
				durationSum += *job.ProcessingDurationMS
				durationCount++
			}
		case models.StatusFailed:
			st.FailedUploads++
		case models.StatusCancelled:
			st.CancelledUploads++
		case models.StatusRateLimited:
			st.RateLimitedUploads++
		default:
			st.PendingUploads++
		}
		st.TotalRowsProcessed += int64(job.RowsProcessed)
		st.TotalRowsSuccess += int64(job.RowsSuccess)
		st.TotalRowsFailed += int64(job.RowsFailed)
		if job.DatabaseStats != nil {
			st.TotalRecordsInserted += int64(job.DatabaseStats.RecordsInserted)
			st.TotalRecordsUpdated += int64(job.DatabaseStats.RecordsUpdated)
		}
	}
	if durationCount > 0 {
		st.AverageProcessingMS = float64(durationSum) / float64(durationCount)
	}
	st.SuccessRate = successRate(st)
	return st, nil
}

func (m *Memory) CountByStatus(_ context.Context) (map[models.Status]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[models.Status]int64)
	for _, job := range m.jobs {
		out[job.Status]++
	}
	return out, nil
}

func (m *Memory) ReportsOlderThan(_ context.Context, before time.Time) ([]models.UploadJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.UploadJob
	for _, job := range m.jobs {
		if job.ReportFilePath != nil && job.CompletedAt != nil && job.CompletedAt.Before(before) {
			out = append(out, copyJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.Before(*out[j].CompletedAt) })
	return out, nil
}

func (m *Memory) ReportPaths(_ context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string)
	for _, job := range m.jobs {
		if job.ReportFilePath != nil {
			out[*job.ReportFilePath] = job.ID
		}
	}
	return out, nil
}

func (m *Memory) SaveRowResults(_ context.Context, results []models.RowResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, r := range results {
		byRow, ok := m.rows[r.JobID]
		if !ok {
			byRow = make(map[int]models.RowResult)
			m.rows[r.JobID] = byRow
		}
		if prev, ok := byRow[r.RowNumber]; ok && prev.Status.Final() {
			continue
		}
		r.UpdatedAt = now
		byRow[r.RowNumber] = r
	}
	return nil
}

func (m *Memory) ListRowResults(_ context.Context, jobID string) ([]models.RowResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byRow := m.rows[jobID]
	out := make([]models.RowResult, 0, len(byRow))
	for _, r := range byRow {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RowNumber < out[j].RowNumber })
	return out, nil
}

func (m *Memory) AppendAudit(_ context.Context, jobID, event, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, models.AuditLog{JobID: jobID, Event: event, Detail: detail, Recorded: m.now()})
	return nil
}

// Audit returns the audit trail recorded for a job.
func (m *Memory) Audit(jobID string) []models.AuditLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.AuditLog
	for _, a := range m.audit {
		if a.JobID == jobID {
			out = append(out, a)
		}
	}
	return out
}

func (m *Memory) stateErr(job *models.UploadJob) error {
	if job.Status.Terminal() {
		return ErrTerminal
	}
	return ErrConflict
}

func (m *Memory) durationSince(started *time.Time, now time.Time) *int64 {
	if started == nil {
		return nil
	}
	d := now.Sub(*started).Milliseconds()
	return &d
}

func sortNewestFirst(jobs []*models.UploadJob) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].UploadTimestamp.Equal(jobs[j].UploadTimestamp) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].UploadTimestamp.After(jobs[j].UploadTimestamp)
	})
}

func copyJob(j *models.UploadJob) models.UploadJob {
	out := *j
	if j.ValidationStats != nil {
		v := *j.ValidationStats
		out.ValidationStats = &v
	}
	if j.DatabaseStats != nil {
		d := *j.DatabaseStats
		out.DatabaseStats = &d
	}
	return out
}
