package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"

	"membership-bulk-upload/internal/events"
	"membership-bulk-upload/internal/iec"
	"membership-bulk-upload/internal/intake"
	"membership-bulk-upload/internal/members"
	"membership-bulk-upload/internal/models"
	"membership-bulk-upload/internal/ratelimit"
	"membership-bulk-upload/internal/store"
	"membership-bulk-upload/internal/telemetry"
)

// Verifier confirms an identity number with the electoral roll.
type Verifier interface {
	Verify(ctx context.Context, idNumber string) (iec.Verification, error)
}

// Limiter is the shared verification budget.
type Limiter interface {
	IncrementAndCheck(ctx context.Context) (ratelimit.Status, error)
}

// MemberWriter applies verified rows to the member registry.
type MemberWriter interface {
	UpsertBatch(ctx context.Context, jobID string, records []members.Record) (members.UpsertResult, error)
}

// ReportWriter renders and stores the job report, returning its key.
type ReportWriter interface {
	Save(ctx context.Context, job models.UploadJob, rows []models.RowResult) (string, error)
}

// PipelineConfig tunes a Pipeline. Zero values pick defaults.
type PipelineConfig struct {
	// MaxConsecutiveFailures escalates a streak of IEC errors to a job
	// failure. Zero disables escalation.
	MaxConsecutiveFailures int
	WarnRatio              float64
	MaxDuration            time.Duration
	BatchSize              int
	CheckEvery             int
}

// Result is what a pipeline run left the job as.
type Result struct {
	Status  models.Status
	ResetAt time.Time
	// Interrupted is set when the worker itself is shutting down; the job is
	// still processing and must be handed back to the queue.
	Interrupted bool
	Err         error
}

// Pipeline executes the upload stages for one job at a time.
type Pipeline struct {
	store     store.Store
	verifier  Verifier
	gate      Limiter
	members   MemberWriter
	reports   ReportWriter
	publisher events.Publisher
	validator *intake.Validator
	cfg       PipelineConfig
	now       func() time.Time
}

func NewPipeline(st store.Store, v Verifier, gate Limiter, mw MemberWriter, rw ReportWriter, pub events.Publisher, cfg PipelineConfig) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.CheckEvery <= 0 {
		cfg.CheckEvery = 10
	}
	if pub == nil {
		pub = events.Nop{}
	}
	return &Pipeline{
		store:     st,
		verifier:  v,
		gate:      gate,
		members:   mw,
		reports:   rw,
		publisher: pub,
		validator: intake.NewValidator(),
		cfg:       cfg,
		now:       time.Now,
	}
}

var errCancelled = errors.New("cancelled by user")

type stageError struct {
	stage models.Stage
	err   error
}

func (e *stageError) Error() string { return fmt.Sprintf("%s: %v", e.stage, e.err) }
func (e *stageError) Unwrap() error { return e.err }

type pauseError struct {
	status ratelimit.Status
}

func (e *pauseError) Error() string { return e.status.Message() }

// run is the state of one pipeline execution.
type run struct {
	p       *Pipeline
	job     models.UploadJob
	started time.Time
	log     *zap.SugaredLogger

	rows      []intake.MemberRow
	byRow     map[int]intake.MemberRow
	valid     []intake.MemberRow
	results   map[int]models.RowResult
	dirty     map[int]struct{}
	vstats    *models.ValidationStats
	dbStats   models.DatabaseStats
	reportKey string
	warned    bool
	streak    int
}

// Run drives a claimed job through every stage and applies the outcome to
// the store. It never panics on bad input; failures become job failures.
func (p *Pipeline) Run(ctx context.Context, job models.UploadJob) Result {
	r := &run{
		p:       p,
		job:     job,
		started: p.now(),
		log:     zap.S().Named("pipeline").With("job_id", job.ID),
		results: make(map[int]models.RowResult),
		dirty:   make(map[int]struct{}),
	}
	if job.DatabaseStats != nil {
		r.dbStats = *job.DatabaseStats
	}

	stages := []struct {
		stage models.Stage
		fn    func(context.Context) error
	}{
		{models.StageInitialization, r.initialize},
		{models.StageFileReading, r.readFile},
		{models.StageValidation, r.validate},
		{models.StageIECVerification, r.verify},
		{models.StageDatabaseOperations, r.persist},
		{models.StageReportGeneration, r.report},
	}
	for i, s := range stages {
		if i > 0 {
			if err := r.checkpoint(ctx); err != nil {
				return r.conclude(ctx, s.stage, err)
			}
		}
		start := time.Now()
		err := s.fn(ctx)
		telemetry.StageDuration.WithLabelValues(string(s.stage)).Observe(time.Since(start).Seconds())
		if err != nil {
			return r.conclude(ctx, s.stage, err)
		}
	}
	if err := r.checkpoint(ctx); err != nil {
		return r.conclude(ctx, models.StageCompletion, err)
	}
	return r.complete(ctx)
}

func (r *run) initialize(ctx context.Context) error {
	existing, err := r.p.store.ListRowResults(ctx, r.job.ID)
	if err != nil {
		return fmt.Errorf("load row results: %w", err)
	}
	for _, res := range existing {
		r.results[res.RowNumber] = res
	}
	if len(existing) > 0 {
		r.log.Infof("resuming with %d recorded row outcomes", len(existing))
	}
	_ = r.p.store.AppendAudit(ctx, r.job.ID, "started", fmt.Sprintf("attempt %d", r.job.Attempts))
	return r.progress(ctx, models.StageInitialization, 100, "Processing started")
}

func (r *run) readFile(ctx context.Context) error {
	if err := r.progress(ctx, models.StageFileReading, 0, "Reading spreadsheet"); err != nil {
		return err
	}
	f, err := os.Open(r.job.FilePath)
	if err != nil {
		return fmt.Errorf("open uploaded file: %w", err)
	}
	defer f.Close()

	rows, err := intake.ParseWorkbook(f)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return errors.New("spreadsheet contains no member rows")
	}
	r.rows = rows
	r.byRow = make(map[int]intake.MemberRow, len(rows))
	for _, row := range rows {
		r.byRow[row.RowNumber] = row
	}
	return r.progress(ctx, models.StageFileReading, 100, fmt.Sprintf("Read %d rows", len(rows)))
}

func (r *run) validate(ctx context.Context) error {
	res := r.p.validator.Validate(r.rows)
	for _, bad := range res.Invalid {
		r.record(models.RowResult{
			JobID:     r.job.ID,
			RowNumber: bad.Row.RowNumber,
			IDNumber:  bad.Row.IDNumber,
			FirstName: bad.Row.FirstName,
			Surname:   bad.Row.Surname,
			Status:    models.RowInvalid,
			Reason:    bad.Reason,
		})
	}
	r.valid = res.Valid
	stats := res.Stats
	r.vstats = &stats
	if err := r.flush(ctx); err != nil {
		return err
	}
	return r.progress(ctx, models.StageValidation, 100,
		fmt.Sprintf("%d valid rows, %d invalid", stats.ValidRows, stats.InvalidRows))
}

func (r *run) verify(ctx context.Context) error {
	var pending []intake.MemberRow
	for _, row := range r.valid {
		if _, done := r.results[row.RowNumber]; !done {
			pending = append(pending, row)
		}
	}
	total := len(r.valid)
	done := total - len(pending)
	if err := r.progress(ctx, models.StageIECVerification, percent(done, total), "Verifying with IEC"); err != nil {
		return err
	}

	for i, row := range pending {
		if i > 0 && i%r.p.cfg.CheckEvery == 0 {
			if err := r.flush(ctx); err != nil {
				return err
			}
			if err := r.progress(ctx, models.StageIECVerification, percent(done, total),
				fmt.Sprintf("Verified %d of %d rows", done, total)); err != nil {
				return err
			}
			if err := r.checkpoint(ctx); err != nil {
				return err
			}
		}

		st, err := r.p.gate.IncrementAndCheck(ctx)
		if err != nil {
			return err
		}
		telemetry.IECUsageGauge.Set(st.UsageRatio())
		if !st.Allowed {
			return &pauseError{status: st}
		}
		r.maybeWarn(ctx, st)

		if err := r.verifyRow(ctx, row); err != nil {
			return err
		}
		done++

		if st.IsLimited && i < len(pending)-1 {
			return &pauseError{status: st}
		}
	}
	if err := r.flush(ctx); err != nil {
		return err
	}
	return r.progress(ctx, models.StageIECVerification, 100, fmt.Sprintf("Verified %d rows", total))
}

func (r *run) verifyRow(ctx context.Context, row intake.MemberRow) error {
	res := models.RowResult{
		JobID:     r.job.ID,
		RowNumber: row.RowNumber,
		IDNumber:  row.IDNumber,
		FirstName: row.FirstName,
		Surname:   row.Surname,
		WardCode:  row.WardCode,
	}
	v, err := r.p.verifier.Verify(ctx, row.IDNumber)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	switch {
	case err == nil && v.Registered:
		res.Status = models.RowVerified
		res.VotingDistrict = v.VotingDistrict
		if res.WardCode == "" {
			res.WardCode = v.WardCode
		}
		r.streak = 0
		telemetry.IECCalls.WithLabelValues("verified").Inc()
	case err == nil:
		res.Status = models.RowVerificationFailed
		res.Reason = "not registered as a voter"
		r.streak = 0
		telemetry.IECCalls.WithLabelValues("not_registered").Inc()
	case iec.Benign(err):
		res.Status = models.RowVerificationFailed
		res.Reason = "ID number not found on the voters roll"
		r.streak = 0
		telemetry.IECCalls.WithLabelValues("not_found").Inc()
	default:
		res.Status = models.RowVerificationFailed
		res.Reason = "IEC verification error: " + err.Error()
		r.streak++
		telemetry.IECCalls.WithLabelValues("error").Inc()
	}
	r.record(res)
	if limit := r.p.cfg.MaxConsecutiveFailures; limit > 0 && r.streak >= limit {
		return fmt.Errorf("IEC service unavailable: %d consecutive verification errors, last: %v", r.streak, err)
	}
	return nil
}

func (r *run) maybeWarn(ctx context.Context, st ratelimit.Status) {
	if r.warned || r.p.cfg.WarnRatio <= 0 || st.UsageRatio() < r.p.cfg.WarnRatio {
		return
	}
	r.warned = true
	ev := models.EventFromJob(models.EventRateLimitWarning, r.job,
		fmt.Sprintf("IEC verification usage at %.0f%% of the limit", st.UsageRatio()*100))
	reset := st.ResetTime
	ev.ResetTime = &reset
	ev.CurrentCount = st.CurrentCount
	ev.MaxLimit = st.MaxLimit
	r.publish(ctx, ev)
}

func (r *run) persist(ctx context.Context) error {
	var verified []models.RowResult
	for _, row := range r.valid {
		if res, ok := r.results[row.RowNumber]; ok && res.Status == models.RowVerified {
			verified = append(verified, res)
		}
	}
	if err := r.progress(ctx, models.StageDatabaseOperations, 0, fmt.Sprintf("Saving %d members", len(verified))); err != nil {
		return err
	}

	batch := r.p.cfg.BatchSize
	for start := 0; start < len(verified); start += batch {
		if start > 0 {
			if err := r.checkpoint(ctx); err != nil {
				return err
			}
		}
		chunk := verified[start:min(start+batch, len(verified))]
		records := make([]members.Record, len(chunk))
		for i, res := range chunk {
			records[i] = r.memberRecord(res)
		}

		written, err := r.p.members.UpsertBatch(ctx, r.job.ID, records)
		r.dbStats.RecordsInserted += written.Inserted
		r.dbStats.RecordsUpdated += written.Updated

		var rowErr *members.RowError
		if errors.As(err, &rowErr) {
			for _, res := range chunk {
				if res.RowNumber == rowErr.RowNumber {
					res.Status = models.RowDBFailed
					res.Reason = "database error: " + rowErr.Err.Error()
					r.record(res)
					break
				}
				res.Status = models.RowImported
				r.record(res)
			}
			r.dbStats.RecordsFailed++
			if flushErr := r.flush(ctx); flushErr != nil {
				return flushErr
			}
			_ = r.progress(ctx, models.StageDatabaseOperations, percent(start, len(verified)), "Database error")
			return fmt.Errorf("failed to save row %d (ID %s): %v", rowErr.RowNumber, rowErr.IDNumber, rowErr.Err)
		}
		if err != nil {
			return fmt.Errorf("save members: %w", err)
		}

		for _, res := range chunk {
			res.Status = models.RowImported
			r.record(res)
		}
		if err := r.flush(ctx); err != nil {
			return err
		}
		done := start + len(chunk)
		if err := r.progress(ctx, models.StageDatabaseOperations, percent(done, len(verified)),
			fmt.Sprintf("Saved %d of %d members", done, len(verified))); err != nil {
			return err
		}
	}
	return r.progress(ctx, models.StageDatabaseOperations, 100, "Members saved")
}

func (r *run) memberRecord(res models.RowResult) members.Record {
	row := r.byRow[res.RowNumber]
	return members.Record{
		RowNumber:      res.RowNumber,
		IDNumber:       res.IDNumber,
		FirstName:      row.FirstName,
		Surname:        row.Surname,
		CellNumber:     row.CellNumber,
		Email:          row.Email,
		WardCode:       res.WardCode,
		VotingDistrict: res.VotingDistrict,
		IECRegistered:  true,
	}
}

// report never fails the job; a missing report is logged and the job still
// completes.
func (r *run) report(ctx context.Context) error {
	if err := r.progress(ctx, models.StageReportGeneration, 0, "Generating report"); err != nil {
		return err
	}
	if r.p.reports == nil {
		return nil
	}
	rows, err := r.p.store.ListRowResults(ctx, r.job.ID)
	if err != nil {
		r.log.Warnf("load rows for report: %v", err)
		return nil
	}
	key, err := r.p.reports.Save(ctx, r.job, rows)
	if err != nil {
		r.log.Warnf("generate report: %v", err)
		_ = r.p.store.AppendAudit(ctx, r.job.ID, "report_failed", err.Error())
		return nil
	}
	r.reportKey = key
	return r.progress(ctx, models.StageReportGeneration, 100, "Report ready")
}

func (r *run) complete(ctx context.Context) Result {
	if err := r.progress(ctx, models.StageCompletion, 0, "Finalising"); err != nil {
		return r.conclude(ctx, models.StageCompletion, err)
	}
	job, applied, err := r.p.store.FinishJob(ctx, r.job.ID, models.Outcome{
		Status:         models.StatusCompleted,
		ReportFilePath: r.reportKey,
	})
	if err != nil {
		return Result{Status: models.StatusProcessing, Err: err}
	}
	if !applied {
		return Result{Status: job.Status}
	}
	r.job = job
	_ = r.p.store.AppendAudit(ctx, job.ID, "completed",
		fmt.Sprintf("%d succeeded, %d failed", job.RowsSuccess, job.RowsFailed))
	ev := models.EventFromJob(models.EventComplete, job, "Upload processed")
	if job.ReportFilePath != nil {
		ev.ReportFilePath = *job.ReportFilePath
	}
	r.publish(ctx, ev)
	r.countRows()
	return Result{Status: models.StatusCompleted}
}

// conclude turns a stage error into the job's outcome.
func (r *run) conclude(ctx context.Context, stage models.Stage, err error) Result {
	if ctx.Err() != nil {
		_ = r.flush(context.Background())
		return Result{Status: models.StatusProcessing, Interrupted: true, Err: ctx.Err()}
	}

	var pause *pauseError
	switch {
	case errors.Is(err, errCancelled):
		_ = r.flush(ctx)
		job, applied, ferr := r.p.store.FinishJob(ctx, r.job.ID, models.Outcome{Status: models.StatusCancelled})
		if ferr != nil {
			return Result{Status: models.StatusProcessing, Err: ferr}
		}
		if applied {
			_ = r.p.store.AppendAudit(ctx, job.ID, "cancelled", "stopped before "+string(stage))
			r.publish(ctx, models.EventFromJob(models.EventCancelled, job, "Upload cancelled"))
		}
		return Result{Status: job.Status}

	case errors.As(err, &pause):
		if ferr := r.flush(ctx); ferr != nil {
			return r.fail(ctx, models.StageIECVerification, ferr)
		}
		_ = r.progress(ctx, models.StageIECVerification, r.verifyPercent(), "IEC rate limit reached")
		job, merr := r.p.store.MarkRateLimited(ctx, r.job.ID, pause.status.ResetTime, pause.status.Message())
		if merr != nil {
			return Result{Status: job.Status, Err: merr}
		}
		ev := models.EventFromJob(models.EventRateLimitExceeded, job, pause.status.Message())
		reset := pause.status.ResetTime
		ev.ResetTime = &reset
		ev.CurrentCount = pause.status.CurrentCount
		ev.MaxLimit = pause.status.MaxLimit
		r.publish(ctx, ev)
		r.log.Infof("paused by IEC rate limit until %s", reset.Format(time.RFC3339))
		return Result{Status: models.StatusRateLimited, ResetAt: reset}
	}
	return r.fail(ctx, stage, err)
}

func (r *run) fail(ctx context.Context, stage models.Stage, err error) Result {
	_ = r.flush(ctx)
	msg := (&stageError{stage: stage, err: err}).Error()
	job, applied, ferr := r.p.store.FinishJob(ctx, r.job.ID, models.Outcome{Status: models.StatusFailed, ErrorMessage: msg})
	if ferr != nil {
		return Result{Status: models.StatusProcessing, Err: ferr}
	}
	if applied {
		r.log.Warnf("job failed: %s", msg)
		_ = r.p.store.AppendAudit(ctx, job.ID, "failed", msg)
		ev := models.EventFromJob(models.EventFailed, job, "Upload failed")
		ev.Error = msg
		r.publish(ctx, ev)
		r.countRows()
	}
	return Result{Status: job.Status, Err: err}
}

// checkpoint stops the run when a cancel was requested or the time budget
// ran out.
func (r *run) checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	job, err := r.p.store.GetJob(ctx, r.job.ID)
	if err != nil {
		return fmt.Errorf("reload job: %w", err)
	}
	if job.CancelRequested || job.Status.Terminal() {
		return errCancelled
	}
	if limit := r.p.cfg.MaxDuration; limit > 0 && r.p.now().Sub(r.started) > limit {
		return fmt.Errorf("exceeded maximum processing time of %s", limit)
	}
	return nil
}

func (r *run) record(res models.RowResult) {
	if prev, ok := r.results[res.RowNumber]; ok && prev.Status.Final() {
		return
	}
	r.results[res.RowNumber] = res
	r.dirty[res.RowNumber] = struct{}{}
}

func (r *run) flush(ctx context.Context) error {
	if len(r.dirty) == 0 {
		return nil
	}
	batch := make([]models.RowResult, 0, len(r.dirty))
	for n := range r.dirty {
		batch = append(batch, r.results[n])
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].RowNumber < batch[j].RowNumber })
	if err := r.p.store.SaveRowResults(ctx, batch); err != nil {
		return fmt.Errorf("save row results: %w", err)
	}
	r.dirty = make(map[int]struct{})
	return nil
}

type counters struct {
	processed, success, failed int
}

func (r *run) counters() counters {
	var c counters
	for _, res := range r.results {
		c.processed++
		switch {
		case res.Status == models.RowImported:
			c.success++
		case res.Status.Failed():
			c.failed++
		}
	}
	return c
}

func (r *run) countRows() {
	for _, res := range r.results {
		telemetry.RowsProcessed.WithLabelValues(string(res.Status)).Inc()
	}
}

func (r *run) verifyPercent() int {
	done := 0
	for _, row := range r.valid {
		if _, ok := r.results[row.RowNumber]; ok {
			done++
		}
	}
	return percent(done, len(r.valid))
}

// progress persists a forward-only patch and publishes the stored state.
func (r *run) progress(ctx context.Context, stage models.Stage, stagePct int, msg string) error {
	c := r.counters()
	u := models.ProgressUpdate{
		Stage:           stage,
		Progress:        models.OverallProgress(stage, stagePct),
		RowsTotal:       len(r.rows),
		RowsProcessed:   c.processed,
		RowsSuccess:     c.success,
		RowsFailed:      c.failed,
		ValidationStats: r.vstats,
	}
	if stage.Rank() >= models.StageDatabaseOperations.Rank() {
		stats := r.dbStats
		u.DatabaseStats = &stats
	}
	job, err := r.p.store.UpdateProgress(ctx, r.job.ID, u)
	if errors.Is(err, store.ErrTerminal) {
		return errCancelled
	}
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	r.job = job
	r.publish(ctx, models.EventFromJob(models.EventProgress, job, msg))
	return nil
}

func (r *run) publish(ctx context.Context, ev models.ProgressEvent) {
	if err := r.p.publisher.Publish(ctx, ev); err != nil {
		r.log.Debugf("publish %s event: %v", ev.Kind, err)
	}
}

func percent(done, total int) int {
	if total <= 0 {
		return 100
	}
	return done * 100 / total
}
