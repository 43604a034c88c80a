package reports

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"membership-bulk-upload/internal/models"
	"membership-bulk-upload/internal/store"
)

// orphanGrace protects a report written moments before its job is finalised.
const orphanGrace = 10 * time.Minute

// Stats summarises the stored report artifacts.
type Stats struct {
	Count      int        `json:"count"`
	TotalBytes int64      `json:"total_bytes"`
	Oldest     *time.Time `json:"oldest,omitempty"`
	Newest     *time.Time `json:"newest,omitempty"`
}

// CleanupResult counts the work done by a cleanup pass.
type CleanupResult struct {
	Deleted int      `json:"deleted"`
	Failed  int      `json:"failed"`
	Keys    []string `json:"keys,omitempty"`
}

// Manager ties report artifacts to the job records that reference them.
type Manager struct {
	store   store.Store
	storage Storage
	gen     *Generator
	now     func() time.Time
}

func NewManager(st store.Store, storage Storage) *Manager {
	return &Manager{store: st, storage: storage, gen: NewGenerator(), now: time.Now}
}

// Save renders and stores the report for job and returns its key.
func (m *Manager) Save(ctx context.Context, job models.UploadJob, rows []models.RowResult) (string, error) {
	body, err := m.gen.Build(job, rows)
	if err != nil {
		return "", err
	}
	key := KeyFor(job.ID)
	if err := m.storage.Put(ctx, key, body); err != nil {
		return "", fmt.Errorf("store report: %w", err)
	}
	return key, nil
}

// Open streams the report of a job.
func (m *Manager) Open(ctx context.Context, jobID string) (io.ReadCloser, int64, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, 0, err
	}
	if job.ReportFilePath == nil {
		return nil, 0, ErrNotFound
	}
	return m.storage.Open(ctx, *job.ReportFilePath)
}

// DeleteReport removes a job's artifact and clears its pointer.
func (m *Manager) DeleteReport(ctx context.Context, jobID string) error {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.ReportFilePath == nil {
		return ErrNotFound
	}
	return m.remove(ctx, job.ID, *job.ReportFilePath, "deleted on request")
}

func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	objs, err := m.storage.List(ctx)
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	for _, o := range objs {
		st.Count++
		st.TotalBytes += o.Size
		mod := o.ModTime
		if st.Oldest == nil || mod.Before(*st.Oldest) {
			st.Oldest = &mod
		}
		if st.Newest == nil || mod.After(*st.Newest) {
			st.Newest = &mod
		}
	}
	return st, nil
}

// Cleanup deletes reports of jobs that completed more than maxAge ago.
func (m *Manager) Cleanup(ctx context.Context, maxAge time.Duration) (CleanupResult, error) {
	if maxAge <= 0 {
		return CleanupResult{}, errors.New("max age must be positive")
	}
	jobs, err := m.store.ReportsOlderThan(ctx, m.now().Add(-maxAge))
	if err != nil {
		return CleanupResult{}, err
	}
	var res CleanupResult
	for _, job := range jobs {
		key := *job.ReportFilePath
		if err := m.remove(ctx, job.ID, key, "retention expired"); err != nil {
			zap.S().Named("reports").Warnf("cleanup report %s of job %s: %v", key, job.ID, err)
			res.Failed++
			continue
		}
		res.Deleted++
		res.Keys = append(res.Keys, key)
	}
	return res, nil
}

// CleanupOrphaned deletes stored reports that no job references.
func (m *Manager) CleanupOrphaned(ctx context.Context) (CleanupResult, error) {
	referenced, err := m.store.ReportPaths(ctx)
	if err != nil {
		return CleanupResult{}, err
	}
	objs, err := m.storage.List(ctx)
	if err != nil {
		return CleanupResult{}, err
	}
	cutoff := m.now().Add(-orphanGrace)
	var res CleanupResult
	for _, o := range objs {
		if _, ok := referenced[o.Key]; ok || o.ModTime.After(cutoff) {
			continue
		}
		if err := m.storage.Delete(ctx, o.Key); err != nil {
			zap.S().Named("reports").Warnf("delete orphaned report %s: %v", o.Key, err)
			res.Failed++
			continue
		}
		res.Deleted++
		res.Keys = append(res.Keys, o.Key)
	}
	return res, nil
}

func (m *Manager) remove(ctx context.Context, jobID, key, reason string) error {
	if err := m.storage.Delete(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := m.store.ClearReport(ctx, jobID); err != nil {
		return err
	}
	_ = m.store.AppendAudit(ctx, jobID, "report_deleted", reason)
	return nil
}
