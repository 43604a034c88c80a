package monitor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"membership-bulk-upload/internal/intake"
	"membership-bulk-upload/internal/models"
	"membership-bulk-upload/internal/ratelimit"
	"membership-bulk-upload/internal/uploads"
)

type fakeSubmitter struct {
	mu   sync.Mutex
	reqs []uploads.SubmitRequest
	body [][]byte
	err  error
}

func (f *fakeSubmitter) Submit(_ context.Context, req uploads.SubmitRequest) (uploads.Submission, error) {
	data, _ := io.ReadAll(req.Body)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	f.body = append(f.body, data)
	if f.err != nil {
		return uploads.Submission{}, f.err
	}
	return uploads.Submission{Job: models.UploadJob{ID: "job-1", Status: models.StatusQueued}}, nil
}

func (f *fakeSubmitter) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeSubmitter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

var rules = intake.Rules{AllowedExtensions: []string{".xlsx", ".xls"}}

func content() []byte {
	return append([]byte{'P', 'K', 3, 4}, []byte("member rows")...)
}

func TestProcessFileSubmitsAndMoves(t *testing.T) {
	dir := t.TempDir()
	sub := &fakeSubmitter{}
	m := New(dir, time.Second, "file-monitor", rules, sub)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "branch.xlsx"), content(), 0o644))

	res, err := m.ProcessFile(context.Background(), "branch.xlsx")
	require.NoError(t, err)
	assert.Equal(t, "job-1", res.Job.ID)

	require.Equal(t, 1, sub.calls())
	req := sub.reqs[0]
	sum := sha256.Sum256(content())
	assert.Equal(t, "monitor:"+hex.EncodeToString(sum[:]), req.IdempotencyKey)
	assert.Equal(t, models.SourceMonitor, req.Source)
	assert.Equal(t, "file-monitor", req.UploadedBy)
	assert.Equal(t, "branch.xlsx", req.Name)
	assert.Equal(t, content(), sub.body[0])

	assert.NoFileExists(t, filepath.Join(dir, "branch.xlsx"))
	assert.FileExists(t, filepath.Join(dir, processedDir, "branch.xlsx"))

	st := m.Status()
	assert.Equal(t, 1, st.FilesProcessed)
	assert.NotNil(t, st.LastProcessedAt)
	assert.False(t, st.Running)
}

func TestProcessFileRejectedGoesToFailed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, failedDir), 0o755))
	sub := &fakeSubmitter{err: intake.ErrFileTooLarge}
	m := New(dir, time.Second, "file-monitor", rules, sub)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "huge.xlsx"), content(), 0o644))

	_, err := m.ProcessFile(context.Background(), "huge.xlsx")
	assert.ErrorIs(t, err, intake.ErrFileTooLarge)
	assert.FileExists(t, filepath.Join(dir, failedDir, "huge.xlsx"))

	st := m.Status()
	assert.Equal(t, 1, st.FilesFailed)
	assert.Contains(t, st.LastError, "huge.xlsx")
}

func TestProcessFileChecksName(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, time.Second, "file-monitor", rules, &fakeSubmitter{})

	_, err := m.ProcessFile(context.Background(), "notes.txt")
	assert.ErrorIs(t, err, intake.ErrUnsupportedType)

	_, err = m.ProcessFile(context.Background(), "missing.xlsx")
	assert.True(t, errors.Is(err, ErrFileNotFound))

	_, err = m.ProcessFile(context.Background(), "../../etc/members.xlsx")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestWatcherSubmitsStableFiles(t *testing.T) {
	dir := t.TempDir()
	sub := &fakeSubmitter{}
	m := New(dir, 50*time.Millisecond, "file-monitor", rules, sub)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "existing.xlsx"), content(), 0o644))
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)
	assert.True(t, m.Status().Running)
	require.NoError(t, m.Start(context.Background()))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dropped.xlsx"), content(), 0o644))

	require.Eventually(t, func() bool { return sub.calls() == 2 }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return m.Status().FilesProcessed == 2 }, time.Second, 10*time.Millisecond)
	assert.FileExists(t, filepath.Join(dir, processedDir, "existing.xlsx"))
	assert.FileExists(t, filepath.Join(dir, processedDir, "dropped.xlsx"))
	assert.FileExists(t, filepath.Join(dir, "ignored.txt"))

	m.Stop()
	assert.False(t, m.Status().Running)
	assert.Zero(t, m.Status().Pending)
}

func rateLimited(reset time.Time) error {
	return &uploads.RateLimitedError{Status: ratelimit.Status{IsLimited: true, MaxLimit: 5, CurrentCount: 5, ResetTime: reset}}
}

func TestProcessFileRateLimitedStaysInPlace(t *testing.T) {
	dir := t.TempDir()
	sub := &fakeSubmitter{err: rateLimited(time.Now().Add(time.Hour))}
	m := New(dir, time.Second, "file-monitor", rules, sub)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "branch.xlsx"), content(), 0o644))

	_, err := m.ProcessFile(context.Background(), "branch.xlsx")
	require.ErrorIs(t, err, uploads.ErrRateLimited)
	assert.FileExists(t, filepath.Join(dir, "branch.xlsx"))
	assert.NoFileExists(t, filepath.Join(dir, failedDir, "branch.xlsx"))
	assert.Zero(t, m.Status().FilesFailed)
	assert.Contains(t, m.Status().LastError, "branch.xlsx")

	sub.setErr(nil)
	res, err := m.ProcessFile(context.Background(), "branch.xlsx")
	require.NoError(t, err)
	assert.Equal(t, "job-1", res.Job.ID)
	assert.FileExists(t, filepath.Join(dir, processedDir, "branch.xlsx"))
}

func TestProcessFileRequeuesFromFailed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, failedDir), 0o755))
	sub := &fakeSubmitter{err: errors.New("store unavailable")}
	m := New(dir, time.Second, "file-monitor", rules, sub)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "branch.xlsx"), content(), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ward.xlsx"), content(), 0o644))

	_, err := m.ProcessFile(context.Background(), "branch.xlsx")
	require.Error(t, err)
	_, err = m.ProcessFile(context.Background(), "ward.xlsx")
	require.Error(t, err)
	require.FileExists(t, filepath.Join(dir, failedDir, "branch.xlsx"))

	// A second failure leaves the file in failed/ under its own name.
	_, err = m.ProcessFile(context.Background(), "failed/branch.xlsx")
	require.Error(t, err)
	require.FileExists(t, filepath.Join(dir, failedDir, "branch.xlsx"))

	sub.setErr(nil)
	_, err = m.ProcessFile(context.Background(), "failed/branch.xlsx")
	require.NoError(t, err)
	_, err = m.ProcessFile(context.Background(), "ward.xlsx")
	require.NoError(t, err)

	assert.NoFileExists(t, filepath.Join(dir, failedDir, "branch.xlsx"))
	assert.NoFileExists(t, filepath.Join(dir, failedDir, "ward.xlsx"))
	assert.FileExists(t, filepath.Join(dir, processedDir, "branch.xlsx"))
	assert.FileExists(t, filepath.Join(dir, processedDir, "ward.xlsx"))
	assert.Equal(t, 5, sub.calls())
}

func TestWatcherRetriesAfterRateLimitReset(t *testing.T) {
	dir := t.TempDir()
	sub := &fakeSubmitter{err: rateLimited(time.Now())}
	m := New(dir, 50*time.Millisecond, "file-monitor", rules, sub)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "dropped.xlsx"), content(), 0o644))
	require.Eventually(t, func() bool { return sub.calls() >= 1 }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return m.Status().Pending == 1 }, time.Second, 10*time.Millisecond)
	assert.FileExists(t, filepath.Join(dir, "dropped.xlsx"))

	sub.setErr(nil)
	require.Eventually(t, func() bool { return m.Status().FilesProcessed == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.FileExists(t, filepath.Join(dir, processedDir, "dropped.xlsx"))
	assert.Zero(t, m.Status().FilesFailed)
}
