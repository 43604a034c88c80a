package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"membership-bulk-upload/internal/models"
)

func newJob(t *testing.T, m *Memory, user string) models.UploadJob {
	t.Helper()
	job, reused, err := m.CreateJob(context.Background(), CreateJobParams{
		FileName: "members.xlsx", FileSize: 1024, FilePath: "/tmp/members.xlsx", UploadedBy: user,
	})
	require.NoError(t, err)
	require.False(t, reused)
	return job
}

func TestMemoryCreateAndClaim(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	job := newJob(t, m, "alice")
	assert.Equal(t, models.StatusQueued, job.Status)
	assert.Equal(t, models.StageInitialization, job.Stage)
	assert.Equal(t, models.SourceHTTP, job.Source)

	claimed, err := m.ClaimJob(ctx, job.ID, "w-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)
	require.NotNil(t, claimed.StartedAt)

	_, err = m.ClaimJob(ctx, job.ID, "w-2")
	assert.ErrorIs(t, err, ErrNotClaimable)

	_, err = m.ClaimJob(ctx, "missing", "w-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryConcurrentClaimSingleWinner(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	job := newJob(t, m, "alice")

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.ClaimJob(ctx, job.ID, "w"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestMemoryProgressIsMonotonic(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	job := newJob(t, m, "alice")
	_, err := m.ClaimJob(ctx, job.ID, "w-1")
	require.NoError(t, err)

	got, err := m.UpdateProgress(ctx, job.ID, models.ProgressUpdate{
		Stage: models.StageIECVerification, Progress: 40, RowsTotal: 10, RowsProcessed: 4, RowsSuccess: 3, RowsFailed: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StageIECVerification, got.Stage)
	assert.Equal(t, 40, got.ProgressPercentage)

	got, err = m.UpdateProgress(ctx, job.ID, models.ProgressUpdate{
		Stage: models.StageValidation, Progress: 20, RowsTotal: 10, RowsProcessed: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StageIECVerification, got.Stage)
	assert.Equal(t, 40, got.ProgressPercentage)
	assert.Equal(t, 4, got.RowsProcessed)
	assert.Equal(t, 3, got.RowsSuccess)
	assert.Equal(t, 1, got.RowsFailed)

	got, err = m.UpdateProgress(ctx, job.ID, models.ProgressUpdate{Progress: 500})
	require.NoError(t, err)
	assert.Equal(t, 100, got.ProgressPercentage)
	assert.Equal(t, models.StageIECVerification, got.Stage)
}

func TestMemoryTerminalIsFrozen(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	job := newJob(t, m, "alice")
	_, err := m.ClaimJob(ctx, job.ID, "w-1")
	require.NoError(t, err)

	done, applied, err := m.FinishJob(ctx, job.ID, models.Outcome{Status: models.StatusCompleted, ReportFilePath: "reports/x.xlsx"})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.Equal(t, 100, done.ProgressPercentage)
	require.NotNil(t, done.CompletedAt)
	require.NotNil(t, done.ProcessingDurationMS)

	again, applied, err := m.FinishJob(ctx, job.ID, models.Outcome{Status: models.StatusFailed, ErrorMessage: "late"})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, models.StatusCompleted, again.Status)
	assert.Nil(t, again.ErrorMessage)

	_, err = m.UpdateProgress(ctx, job.ID, models.ProgressUpdate{RowsProcessed: 99})
	assert.ErrorIs(t, err, ErrTerminal)
	_, err = m.RequestCancel(ctx, job.ID)
	assert.ErrorIs(t, err, ErrTerminal)
	_, err = m.Requeue(ctx, job.ID)
	assert.ErrorIs(t, err, ErrTerminal)

	require.NoError(t, m.ClearReport(ctx, job.ID))
	cleared, err := m.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, cleared.ReportFilePath)
	assert.Equal(t, models.StatusCompleted, cleared.Status)
}

func TestMemoryCancelSemantics(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	queued := newJob(t, m, "alice")
	got, err := m.RequestCancel(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.True(t, got.CancelRequested)

	running := newJob(t, m, "alice")
	_, err = m.ClaimJob(ctx, running.ID, "w-1")
	require.NoError(t, err)
	got, err = m.RequestCancel(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)
	assert.True(t, got.CancelRequested)

	limited := newJob(t, m, "alice")
	_, err = m.ClaimJob(ctx, limited.ID, "w-1")
	require.NoError(t, err)
	_, err = m.MarkRateLimited(ctx, limited.ID, time.Now().Add(time.Hour), "limit reached")
	require.NoError(t, err)
	got, err = m.RequestCancel(ctx, limited.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
}

func TestMemoryRateLimitedRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	job := newJob(t, m, "alice")

	_, err := m.MarkRateLimited(ctx, job.ID, time.Now(), "")
	assert.ErrorIs(t, err, ErrConflict)

	_, err = m.ClaimJob(ctx, job.ID, "w-1")
	require.NoError(t, err)
	reset := time.Now().Add(30 * time.Minute)
	got, err := m.MarkRateLimited(ctx, job.ID, reset, "IEC limit reached")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRateLimited, got.Status)
	require.NotNil(t, got.RateLimitResetAt)
	assert.WithinDuration(t, reset, *got.RateLimitResetAt, time.Millisecond)
	assert.Len(t, m.Audit(job.ID), 1)

	got, err = m.Requeue(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, got.Status)

	got, err = m.ClaimJob(ctx, job.ID, "w-2")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
	assert.Nil(t, got.RateLimitResetAt)
}

func TestMemoryIdempotency(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	p := CreateJobParams{FileName: "a.xlsx", FilePath: "/tmp/a", UploadedBy: "monitor", IdempotencyKey: "monitor:abc", IdempotencyTTL: time.Hour}
	first, reused, err := m.CreateJob(ctx, p)
	require.NoError(t, err)
	assert.False(t, reused)

	second, reused, err := m.CreateJob(ctx, p)
	require.NoError(t, err)
	assert.True(t, reused)
	assert.Equal(t, first.ID, second.ID)

	m.now = func() time.Time { return base.Add(2 * time.Hour) }
	third, reused, err := m.CreateJob(ctx, p)
	require.NoError(t, err)
	assert.False(t, reused)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestMemoryListJobs(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 5; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		m.now = func() time.Time { return ts }
		user := "alice"
		if i%2 == 1 {
			user = "bob"
		}
		ids = append(ids, newJob(t, m, user).ID)
	}

	all, total, err := m.ListJobs(ctx, models.JobFilter{})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, all, 5)
	assert.Equal(t, ids[4], all[0].ID)
	assert.Equal(t, ids[0], all[4].ID)

	page, total, err := m.ListJobs(ctx, models.JobFilter{UploadedBy: "alice", Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 2)
	assert.Equal(t, ids[2], page[0].ID)
	assert.Equal(t, ids[0], page[1].ID)

	empty, total, err := m.ListJobs(ctx, models.JobFilter{Offset: 10})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Empty(t, empty)

	_, err = m.RequestCancel(ctx, ids[1])
	require.NoError(t, err)
	cancelled, total, err := m.ListJobs(ctx, models.JobFilter{Status: models.StatusCancelled})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, ids[1], cancelled[0].ID)

	require.NoError(t, m.DeleteJob(ctx, ids[1]))
	assert.ErrorIs(t, m.DeleteJob(ctx, ids[1]), ErrNotFound)
	_, err = m.GetJob(ctx, ids[1])
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStatistics(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	finish := func(status models.Status, rows int) {
		job := newJob(t, m, "alice")
		_, err := m.ClaimJob(ctx, job.ID, "w")
		require.NoError(t, err)
		_, err = m.UpdateProgress(ctx, job.ID, models.ProgressUpdate{
			RowsTotal: rows, RowsProcessed: rows, RowsSuccess: rows - 1, RowsFailed: 1,
			DatabaseStats: &models.DatabaseStats{RecordsInserted: rows - 2, RecordsUpdated: 1},
		})
		require.NoError(t, err)
		_, _, err = m.FinishJob(ctx, job.ID, models.Outcome{Status: status})
		require.NoError(t, err)
	}
	finish(models.StatusCompleted, 10)
	finish(models.StatusCompleted, 4)
	finish(models.StatusFailed, 6)
	newJob(t, m, "alice")

	m.now = func() time.Time { return base.Add(48 * time.Hour) }
	newJob(t, m, "alice")

	st, err := m.Statistics(ctx, base.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(4), st.TotalUploads)
	assert.Equal(t, int64(2), st.SuccessfulUploads)
	assert.Equal(t, int64(1), st.FailedUploads)
	assert.Equal(t, int64(1), st.PendingUploads)
	assert.InDelta(t, 50.0, st.SuccessRate, 0.001)
	assert.Equal(t, int64(20), st.TotalRowsProcessed)
	assert.Equal(t, int64(17), st.TotalRowsSuccess)
	assert.Equal(t, int64(3), st.TotalRowsFailed)
	assert.Equal(t, int64(14), st.TotalRecordsInserted)
	assert.Equal(t, int64(3), st.TotalRecordsUpdated)

	counts, err := m.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[models.StatusQueued])
	assert.Equal(t, int64(2), counts[models.StatusCompleted])
}

func TestMemoryRowResultsKeepFinalStatus(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	job := newJob(t, m, "alice")

	require.NoError(t, m.SaveRowResults(ctx, []models.RowResult{
		{JobID: job.ID, RowNumber: 3, IDNumber: "8001015009087", Status: models.RowVerified},
		{JobID: job.ID, RowNumber: 2, Status: models.RowInvalid, Reason: "id number is required"},
	}))
	require.NoError(t, m.SaveRowResults(ctx, []models.RowResult{
		{JobID: job.ID, RowNumber: 3, IDNumber: "8001015009087", Status: models.RowImported},
		{JobID: job.ID, RowNumber: 2, Status: models.RowVerified},
	}))
	require.NoError(t, m.SaveRowResults(ctx, []models.RowResult{
		{JobID: job.ID, RowNumber: 3, Status: models.RowDBFailed},
	}))

	rows, err := m.ListRowResults(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 2, rows[0].RowNumber)
	assert.Equal(t, models.RowInvalid, rows[0].Status)
	assert.Equal(t, models.RowImported, rows[1].Status)
}

func TestMemoryReportQueries(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	job := newJob(t, m, "alice")
	_, err := m.ClaimJob(ctx, job.ID, "w")
	require.NoError(t, err)
	_, _, err = m.FinishJob(ctx, job.ID, models.Outcome{Status: models.StatusCompleted, ReportFilePath: "reports/" + job.ID + ".xlsx"})
	require.NoError(t, err)

	old, err := m.ReportsOlderThan(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, old, 1)
	none, err := m.ReportsOlderThan(ctx, base.Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, none)

	paths, err := m.ReportPaths(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.ID, paths["reports/"+job.ID+".xlsx"])
}
