package monitor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"membership-bulk-upload/internal/intake"
	"membership-bulk-upload/internal/models"
	"membership-bulk-upload/internal/uploads"
)

const (
	processedDir = "processed"
	failedDir    = "failed"
)

var ErrFileNotFound = errors.New("file not found in watch directory")

// Submitter accepts spreadsheets picked up from the watch directory.
type Submitter interface {
	Submit(ctx context.Context, req uploads.SubmitRequest) (uploads.Submission, error)
}

// Status is a snapshot of the monitor for the API.
type Status struct {
	Running         bool       `json:"running"`
	WatchDir        string     `json:"watch_dir"`
	Pending         int        `json:"pending"`
	FilesProcessed  int        `json:"files_processed"`
	FilesFailed     int        `json:"files_failed"`
	LastProcessedAt *time.Time `json:"last_processed_at,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
}

type pending struct {
	timer *time.Timer
	size  int64
}

// Monitor watches a directory and submits spreadsheets once they stop
// changing. Submitted files are moved to processed/, rejected ones to failed/.
// A file refused by the IEC rate limit stays where it is and is retried once
// the window resets.
type Monitor struct {
	dir        string
	delay      time.Duration
	uploadedBy string
	rules      intake.Rules
	sub        Submitter
	log        *zap.SugaredLogger

	mu        sync.Mutex
	runCtx    context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	pending   map[string]*pending
	processed int
	failed    int
	lastAt    *time.Time
	lastErr   string
}

func New(dir string, delay time.Duration, uploadedBy string, rules intake.Rules, sub Submitter) *Monitor {
	if delay <= 0 {
		delay = 5 * time.Second
	}
	return &Monitor{
		dir:        dir,
		delay:      delay,
		uploadedBy: uploadedBy,
		rules:      rules,
		sub:        sub,
		log:        zap.S().Named("monitor"),
		pending:    make(map[string]*pending),
	}
}

// Start begins watching. Files already present are picked up too. Calling
// Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return nil
	}
	for _, d := range []string{m.dir, filepath.Join(m.dir, processedDir), filepath.Join(m.dir, failedDir)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create watch dir: %w", err)
		}
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(m.dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", m.dir, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	m.runCtx = ctx
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(ctx, w, m.done)

	entries, err := os.ReadDir(m.dir)
	if err == nil {
		for _, e := range entries {
			if !e.IsDir() {
				m.armLocked(ctx, filepath.Join(m.dir, e.Name()))
			}
		}
	}
	m.log.Infow("file monitor started", "dir", m.dir, "stabilize_delay", m.delay)
	return nil
}

// Stop halts the watcher and drops pending files. They are picked up again
// on the next Start.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.runCtx, m.cancel, m.done = nil, nil, nil
	for path, p := range m.pending {
		p.timer.Stop()
		delete(m.pending, path)
	}
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.log.Infow("file monitor stopped", "dir", m.dir)
}

func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		Running:        m.cancel != nil,
		WatchDir:       m.dir,
		Pending:        len(m.pending),
		FilesProcessed: m.processed,
		FilesFailed:    m.failed,
		LastError:      m.lastErr,
	}
	if m.lastAt != nil {
		t := *m.lastAt
		st.LastProcessedAt = &t
	}
	return st
}

// ProcessFile submits a file from the watch directory right away. Files
// moved to failed/ can be requeued by plain name or as "failed/<name>".
func (m *Monitor) ProcessFile(ctx context.Context, name string) (uploads.Submission, error) {
	path, err := m.resolve(name)
	if err != nil {
		return uploads.Submission{}, err
	}
	m.mu.Lock()
	if p, ok := m.pending[path]; ok {
		p.timer.Stop()
		delete(m.pending, path)
	}
	m.mu.Unlock()
	return m.process(ctx, path)
}

func (m *Monitor) resolve(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	dirs := []string{m.dir, filepath.Join(m.dir, failedDir)}
	if rest, ok := strings.CutPrefix(name, failedDir+"/"); ok {
		name = rest
		dirs = dirs[1:]
	}
	name = intake.SanitizeName(name)
	if err := m.rules.CheckName(name); err != nil {
		return "", err
	}
	for _, dir := range dirs {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrFileNotFound, name)
}

func (m *Monitor) loop(ctx context.Context, w *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	defer w.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			switch {
			case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
				m.mu.Lock()
				m.armLocked(ctx, ev.Name)
				m.mu.Unlock()
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				m.mu.Lock()
				if p, ok := m.pending[ev.Name]; ok {
					p.timer.Stop()
					delete(m.pending, ev.Name)
				}
				m.mu.Unlock()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			m.log.Warnw("watcher error", "err", err)
			m.mu.Lock()
			m.lastErr = err.Error()
			m.mu.Unlock()
		}
	}
}

// armLocked (re)starts the stabilization timer of path. m.mu must be held.
func (m *Monitor) armLocked(ctx context.Context, path string) {
	if m.rules.CheckName(path) != nil {
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	if p, ok := m.pending[path]; ok {
		p.timer.Stop()
	}
	size := info.Size()
	m.pending[path] = &pending{
		size:  size,
		timer: time.AfterFunc(m.delay, func() { m.settle(ctx, path, size) }),
	}
}

// settle runs when a file has been quiet for the stabilization delay. A file
// whose size moved since arming is given another delay.
func (m *Monitor) settle(ctx context.Context, path string, armedSize int64) {
	if ctx.Err() != nil {
		return
	}
	m.mu.Lock()
	if _, ok := m.pending[path]; !ok {
		m.mu.Unlock()
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		delete(m.pending, path)
		m.mu.Unlock()
		return
	}
	if info.Size() != armedSize {
		m.armLocked(ctx, path)
		m.mu.Unlock()
		return
	}
	delete(m.pending, path)
	m.mu.Unlock()

	if _, err := m.process(ctx, path); err != nil {
		m.log.Warnw("monitored file rejected", "file", path, "err", err)
	}
}

func (m *Monitor) process(ctx context.Context, path string) (uploads.Submission, error) {
	sub, err := m.submit(ctx, path)
	now := time.Now().UTC()

	var limited *uploads.RateLimitedError
	if errors.As(err, &limited) {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.lastErr = fmt.Sprintf("%s: %v", filepath.Base(path), err)
		m.parkLocked(path, limited.RetryAfter(now))
		return sub, err
	}

	target := filepath.Join(m.dir, processedDir)
	if err != nil {
		target = filepath.Join(m.dir, failedDir)
	}
	if filepath.Dir(path) != target {
		if moveErr := moveInto(path, target); moveErr != nil {
			m.log.Errorw("move monitored file", "file", path, "target", target, "err", moveErr)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.failed++
		m.lastErr = fmt.Sprintf("%s: %v", filepath.Base(path), err)
		return sub, err
	}
	m.processed++
	m.lastAt = &now
	m.log.Infow("monitored file submitted", "file", filepath.Base(path), "job_id", sub.Job.ID, "duplicate", sub.Duplicate)
	return sub, nil
}

// parkLocked leaves a rate limited file in place and settles it again after
// wait. Nothing is scheduled while the monitor is stopped. m.mu must be held.
func (m *Monitor) parkLocked(path string, wait time.Duration) {
	if m.runCtx == nil {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if p, ok := m.pending[path]; ok {
		p.timer.Stop()
	}
	ctx, size := m.runCtx, info.Size()
	m.pending[path] = &pending{
		size:  size,
		timer: time.AfterFunc(wait, func() { m.settle(ctx, path, size) }),
	}
	m.log.Infow("monitored file waiting for IEC rate limit reset", "file", filepath.Base(path), "retry_in", wait)
}

func (m *Monitor) submit(ctx context.Context, path string) (uploads.Submission, error) {
	f, err := os.Open(path)
	if err != nil {
		return uploads.Submission{}, fmt.Errorf("open monitored file: %w", err)
	}
	defer f.Close()

	sum, err := checksum(f)
	if err != nil {
		return uploads.Submission{}, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return uploads.Submission{}, fmt.Errorf("rewind monitored file: %w", err)
	}
	return m.sub.Submit(ctx, uploads.SubmitRequest{
		Name:           filepath.Base(path),
		Body:           f,
		UploadedBy:     m.uploadedBy,
		Source:         models.SourceMonitor,
		IdempotencyKey: "monitor:" + sum,
	})
}

func checksum(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hash monitored file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// moveInto renames path into dir, prefixing a timestamp when the name is taken.
func moveInto(path, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	name := filepath.Base(path)
	dst := filepath.Join(dir, name)
	if _, err := os.Stat(dst); err == nil {
		dst = filepath.Join(dir, time.Now().UTC().Format("20060102T150405.000")+"_"+name)
	}
	return os.Rename(path, dst)
}
