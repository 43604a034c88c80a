package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"membership-bulk-upload/internal/models"
)

// Postgres wraps pgxpool for upload job persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity for health probes.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const jobColumns = `id, file_name, file_size, file_path, uploaded_by, source, upload_timestamp, status, stage,
	progress_percentage, rows_total, rows_processed, rows_success, rows_failed, error_message, report_file_path,
	validation_stats, database_stats, cancel_requested, retry_of, attempts, worker_id, idempotency_key,
	rate_limit_reset_at, started_at, completed_at, processing_duration_ms, created_at, updated_at`

const terminalSQL = `('completed', 'failed', 'cancelled')`

// CreateJob inserts a queued job, honoring idempotency if a key is provided.
// It returns the job and whether an existing job was reused.
func (s *Postgres) CreateJob(ctx context.Context, p CreateJobParams) (models.UploadJob, bool, error) {
	if p.IdempotencyKey != "" {
		if existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey); err != nil {
			return models.UploadJob{}, false, err
		} else if found {
			return existing, true, nil
		}
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Source == "" {
		p.Source = models.SourceHTTP
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.UploadJob{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	_, err = tx.Exec(ctx, `
		INSERT INTO upload_jobs (id, file_name, file_size, file_path, uploaded_by, source, status, stage, stage_rank,
			retry_of, idempotency_key, upload_timestamp, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10, NOW(), NOW(), NOW())
	`, p.ID, p.FileName, p.FileSize, p.FilePath, p.UploadedBy, string(p.Source), string(models.StatusQueued),
		string(models.StageInitialization), emptyToNil(p.RetryOf), emptyToNil(p.IdempotencyKey))
	if err != nil {
		return models.UploadJob{}, false, fmt.Errorf("insert upload job: %w", err)
	}

	if p.IdempotencyKey != "" {
		var expires *time.Time
		if p.IdempotencyTTL > 0 {
			t := time.Now().Add(p.IdempotencyTTL)
			expires = &t
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO upload_idempotency_keys (key, job_id, expires_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (key) DO UPDATE SET job_id = EXCLUDED.job_id, expires_at = EXCLUDED.expires_at
			WHERE upload_idempotency_keys.expires_at IS NOT NULL AND upload_idempotency_keys.expires_at <= NOW()
		`, p.IdempotencyKey, p.ID, expires)
		if err != nil {
			return models.UploadJob{}, false, fmt.Errorf("insert idempotency key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Someone else claimed the key after our initial check; return existing job.
			if err := tx.Rollback(ctx); err != nil {
				return models.UploadJob{}, false, fmt.Errorf("rollback after idempotency conflict: %w", err)
			}
			existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey)
			if err != nil {
				return models.UploadJob{}, false, err
			}
			if !found {
				return models.UploadJob{}, false, errors.New("idempotency conflict but no existing job found")
			}
			return existing, true, nil
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.UploadJob{}, false, fmt.Errorf("commit: %w", err)
	}
	job, err := s.GetJob(ctx, p.ID)
	return job, false, err
}

// FindByIdempotencyKey returns the job mapped to the key if present and unexpired.
func (s *Postgres) FindByIdempotencyKey(ctx context.Context, key string) (models.UploadJob, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT job_id::text FROM upload_idempotency_keys WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.UploadJob{}, false, nil
	}
	if err != nil {
		return models.UploadJob{}, false, fmt.Errorf("query idempotency key: %w", err)
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return models.UploadJob{}, false, err
	}
	return job, true, nil
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.UploadJob, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.UploadJob{}, ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM upload_jobs WHERE id = $1`, id)
	return scanJob(row)
}

// ClaimJob moves a queued job to processing for workerID.
func (s *Postgres) ClaimJob(ctx context.Context, id, workerID string) (models.UploadJob, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE upload_jobs
		SET status = 'processing', attempts = attempts + 1, worker_id = $2,
			started_at = COALESCE(started_at, NOW()), rate_limit_reset_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'queued'
		RETURNING `+jobColumns, id, emptyToNil(workerID))
	job, err := scanJob(row)
	if errors.Is(err, ErrNotFound) {
		if _, getErr := s.GetJob(ctx, id); getErr != nil {
			return models.UploadJob{}, getErr
		}
		return models.UploadJob{}, ErrNotClaimable
	}
	return job, err
}

// UpdateProgress applies a forward-only patch to a non-terminal job.
func (s *Postgres) UpdateProgress(ctx context.Context, id string, u models.ProgressUpdate) (models.UploadJob, error) {
	vstats, err := marshalNullable(u.ValidationStats)
	if err != nil {
		return models.UploadJob{}, err
	}
	dstats, err := marshalNullable(u.DatabaseStats)
	if err != nil {
		return models.UploadJob{}, err
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE upload_jobs SET
			stage = CASE WHEN $3::int > stage_rank THEN $2 ELSE stage END,
			stage_rank = GREATEST(stage_rank, $3::int),
			progress_percentage = GREATEST(progress_percentage, $4::int),
			rows_total = GREATEST(rows_total, $5::int),
			rows_processed = GREATEST(rows_processed, $6::int),
			rows_success = GREATEST(rows_success, $7::int),
			rows_failed = GREATEST(rows_failed, $8::int),
			validation_stats = COALESCE($9::jsonb, validation_stats),
			database_stats = COALESCE($10::jsonb, database_stats),
			updated_at = NOW()
		WHERE id = $1 AND status NOT IN `+terminalSQL+`
		RETURNING `+jobColumns,
		id, string(u.Stage), u.Stage.Rank(), clampProgress(u.Progress),
		u.RowsTotal, u.RowsProcessed, u.RowsSuccess, u.RowsFailed, vstats, dstats)
	return s.afterConditional(ctx, id, row)
}

// RequestCancel cancels or flags a job depending on its state.
func (s *Postgres) RequestCancel(ctx context.Context, id string) (models.UploadJob, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE upload_jobs SET
			status = CASE WHEN status = 'processing' THEN status ELSE 'cancelled' END,
			cancel_requested = TRUE,
			completed_at = CASE WHEN status = 'processing' THEN completed_at ELSE NOW() END,
			processing_duration_ms = CASE WHEN status = 'processing' OR started_at IS NULL THEN processing_duration_ms
				ELSE (EXTRACT(EPOCH FROM (NOW() - started_at)) * 1000)::bigint END,
			updated_at = NOW()
		WHERE id = $1 AND status NOT IN `+terminalSQL+`
		RETURNING `+jobColumns, id)
	return s.afterConditional(ctx, id, row)
}

// FinishJob applies a terminal outcome if the job is not yet terminal.
func (s *Postgres) FinishJob(ctx context.Context, id string, o models.Outcome) (models.UploadJob, bool, error) {
	if !o.Status.Terminal() {
		return models.UploadJob{}, false, fmt.Errorf("finish job: %s is not terminal", o.Status)
	}
	var errMsg, report *string
	switch o.Status {
	case models.StatusFailed:
		errMsg = emptyToNil(o.ErrorMessage)
	case models.StatusCompleted:
		report = emptyToNil(o.ReportFilePath)
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE upload_jobs SET
			status = $2,
			stage = CASE WHEN $2 = 'failed' THEN 'error' WHEN $2 = 'completed' THEN 'completion' ELSE stage END,
			progress_percentage = CASE WHEN $2 = 'completed' THEN 100 ELSE progress_percentage END,
			error_message = $3,
			report_file_path = $4,
			completed_at = NOW(),
			processing_duration_ms = CASE WHEN started_at IS NULL THEN NULL
				ELSE (EXTRACT(EPOCH FROM (NOW() - started_at)) * 1000)::bigint END,
			updated_at = NOW()
		WHERE id = $1 AND status NOT IN `+terminalSQL+`
		RETURNING `+jobColumns, id, string(o.Status), errMsg, report)
	job, err := scanJob(row)
	if err == nil {
		return job, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return models.UploadJob{}, false, err
	}
	current, getErr := s.GetJob(ctx, id)
	if getErr != nil {
		return models.UploadJob{}, false, getErr
	}
	return current, false, nil
}

// MarkRateLimited parks a processing job until the verification budget resets.
func (s *Postgres) MarkRateLimited(ctx context.Context, id string, resetAt time.Time, msg string) (models.UploadJob, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE upload_jobs SET status = 'rate_limited', rate_limit_reset_at = $2, error_message = NULL,
			worker_id = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
		RETURNING `+jobColumns, id, resetAt)
	job, err := scanJob(row)
	if errors.Is(err, ErrNotFound) {
		return s.conflict(ctx, id)
	}
	if err == nil && msg != "" {
		_ = s.AppendAudit(ctx, id, "rate_limited", msg)
	}
	return job, err
}

// Requeue returns a processing or rate limited job to queued.
func (s *Postgres) Requeue(ctx context.Context, id string) (models.UploadJob, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE upload_jobs SET status = 'queued', worker_id = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ('processing', 'rate_limited')
		RETURNING `+jobColumns, id)
	job, err := scanJob(row)
	if errors.Is(err, ErrNotFound) {
		return s.conflict(ctx, id)
	}
	return job, err
}

// afterConditional turns a missed conditional update into ErrNotFound or
// ErrTerminal.
func (s *Postgres) afterConditional(ctx context.Context, id string, row pgx.Row) (models.UploadJob, error) {
	job, err := scanJob(row)
	if errors.Is(err, ErrNotFound) {
		current, getErr := s.GetJob(ctx, id)
		if getErr != nil {
			return models.UploadJob{}, getErr
		}
		if current.Status.Terminal() {
			return current, ErrTerminal
		}
		return current, ErrConflict
	}
	return job, err
}

func (s *Postgres) conflict(ctx context.Context, id string) (models.UploadJob, error) {
	current, err := s.GetJob(ctx, id)
	if err != nil {
		return models.UploadJob{}, err
	}
	if current.Status.Terminal() {
		return current, ErrTerminal
	}
	return current, ErrConflict
}

// ListJobs returns a page of jobs, newest first, plus the total match count.
func (s *Postgres) ListJobs(ctx context.Context, f models.JobFilter) ([]models.UploadJob, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	where := `WHERE ($1 = '' OR uploaded_by = $1) AND ($2 = '' OR status = $2)`

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM upload_jobs `+where, f.UploadedBy, string(f.Status)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM upload_jobs `+where+`
		ORDER BY upload_timestamp DESC, id LIMIT $3 OFFSET $4`, f.UploadedBy, string(f.Status), limit, f.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	jobs, err := collectJobs(rows)
	return jobs, total, err
}

// DeleteJob removes the history record with its rows and idempotency keys.
func (s *Postgres) DeleteJob(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM upload_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearReport drops the report pointer. It is the one write permitted on a
// terminal job.
func (s *Postgres) ClearReport(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `UPDATE upload_jobs SET report_file_path = NULL, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("clear report: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Statistics aggregates uploads submitted in [from, to).
func (s *Postgres) Statistics(ctx context.Context, from, to time.Time) (models.Statistics, error) {
	st := models.Statistics{From: from, To: to}
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'cancelled'),
			COUNT(*) FILTER (WHERE status = 'rate_limited'),
			COUNT(*) FILTER (WHERE status IN ('queued', 'processing')),
			COALESCE(AVG(processing_duration_ms) FILTER (WHERE status = 'completed'), 0)::float8,
			COALESCE(SUM(rows_processed), 0)::bigint,
			COALESCE(SUM(rows_success), 0)::bigint,
			COALESCE(SUM(rows_failed), 0)::bigint,
			COALESCE(SUM((database_stats->>'records_inserted')::bigint), 0)::bigint,
			COALESCE(SUM((database_stats->>'records_updated')::bigint), 0)::bigint
		FROM upload_jobs
		WHERE upload_timestamp >= $1 AND upload_timestamp < $2
	`, from, to).Scan(&st.TotalUploads, &st.SuccessfulUploads, &st.FailedUploads, &st.CancelledUploads,
		&st.RateLimitedUploads, &st.PendingUploads, &st.AverageProcessingMS, &st.TotalRowsProcessed,
		&st.TotalRowsSuccess, &st.TotalRowsFailed, &st.TotalRecordsInserted, &st.TotalRecordsUpdated)
	if err != nil {
		return models.Statistics{}, fmt.Errorf("aggregate statistics: %w", err)
	}
	st.SuccessRate = successRate(st)
	return st, nil
}

// CountByStatus returns job counts for every status.
func (s *Postgres) CountByStatus(ctx context.Context) (map[models.Status]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM upload_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	out := make(map[models.Status]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		out[models.Status(status)] = n
	}
	return out, rows.Err()
}

// ReportsOlderThan lists terminal jobs with a report that finished before the cutoff.
func (s *Postgres) ReportsOlderThan(ctx context.Context, before time.Time) ([]models.UploadJob, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM upload_jobs
		WHERE report_file_path IS NOT NULL AND completed_at < $1 ORDER BY completed_at`, before)
	if err != nil {
		return nil, fmt.Errorf("list old reports: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ReportPaths maps every referenced report key to its job.
func (s *Postgres) ReportPaths(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT report_file_path, id::text FROM upload_jobs WHERE report_file_path IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("list report paths: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var path, id string
		if err := rows.Scan(&path, &id); err != nil {
			return nil, fmt.Errorf("scan report path: %w", err)
		}
		out[path] = id
	}
	return out, rows.Err()
}

// SaveRowResults upserts row outcomes. A row that already reached a final
// status keeps it.
func (s *Postgres) SaveRowResults(ctx context.Context, results []models.RowResult) error {
	if len(results) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range results {
		batch.Queue(`
			INSERT INTO upload_job_rows (job_id, row_number, id_number, first_name, surname, status, reason,
				voting_district, ward_code, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
			ON CONFLICT (job_id, row_number) DO UPDATE SET
				status = EXCLUDED.status, reason = EXCLUDED.reason,
				voting_district = EXCLUDED.voting_district, ward_code = EXCLUDED.ward_code, updated_at = NOW()
			WHERE upload_job_rows.status = 'verified'
		`, r.JobID, r.RowNumber, r.IDNumber, r.FirstName, r.Surname, string(r.Status), r.Reason,
			r.VotingDistrict, r.WardCode)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("save row results: %w", err)
	}
	return nil
}

// ListRowResults returns a job's row outcomes ordered by row number.
func (s *Postgres) ListRowResults(ctx context.Context, jobID string) ([]models.RowResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id::text, row_number, id_number, first_name, surname, status, reason, voting_district, ward_code, updated_at
		FROM upload_job_rows WHERE job_id = $1 ORDER BY row_number`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list row results: %w", err)
	}
	defer rows.Close()
	var out []models.RowResult
	for rows.Next() {
		var r models.RowResult
		var status string
		if err := rows.Scan(&r.JobID, &r.RowNumber, &r.IDNumber, &r.FirstName, &r.Surname, &status, &r.Reason,
			&r.VotingDistrict, &r.WardCode, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan row result: %w", err)
		}
		r.Status = models.RowStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

// AppendAudit adds an audit row.
func (s *Postgres) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO upload_job_audit (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

func scanJob(row pgx.Row) (models.UploadJob, error) {
	var job models.UploadJob
	var id, source, status, stage string
	var errMsg, report, retryOf, workerID, idem pgtype.Text
	var vstats, dstats []byte
	var resetAt, startedAt, completedAt pgtype.Timestamptz
	var duration pgtype.Int8

	err := row.Scan(&id, &job.FileName, &job.FileSize, &job.FilePath, &job.UploadedBy, &source,
		&job.UploadTimestamp, &status, &stage, &job.ProgressPercentage, &job.RowsTotal, &job.RowsProcessed,
		&job.RowsSuccess, &job.RowsFailed, &errMsg, &report, &vstats, &dstats, &job.CancelRequested, &retryOf,
		&job.Attempts, &workerID, &idem, &resetAt, &startedAt, &completedAt, &duration, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.UploadJob{}, ErrNotFound
		}
		return models.UploadJob{}, fmt.Errorf("scan job: %w", err)
	}

	job.ID = id
	job.Source = models.Source(source)
	job.Status = models.Status(status)
	job.Stage = models.Stage(stage)
	job.ErrorMessage = textPtr(errMsg)
	job.ReportFilePath = textPtr(report)
	job.RetryOf = textPtr(retryOf)
	job.WorkerID = textPtr(workerID)
	job.IdempotencyKey = textPtr(idem)
	job.RateLimitResetAt = timePtr(resetAt)
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	if duration.Valid {
		job.ProcessingDurationMS = &duration.Int64
	}
	if len(vstats) > 0 {
		job.ValidationStats = &models.ValidationStats{}
		if err := json.Unmarshal(vstats, job.ValidationStats); err != nil {
			return models.UploadJob{}, fmt.Errorf("unmarshal validation stats: %w", err)
		}
	}
	if len(dstats) > 0 {
		job.DatabaseStats = &models.DatabaseStats{}
		if err := json.Unmarshal(dstats, job.DatabaseStats); err != nil {
			return models.UploadJob{}, fmt.Errorf("unmarshal database stats: %w", err)
		}
	}
	return job, nil
}

func collectJobs(rows pgx.Rows) ([]models.UploadJob, error) {
	var jobs []models.UploadJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func marshalNullable(v any) (any, error) {
	switch t := v.(type) {
	case *models.ValidationStats:
		if t == nil {
			return nil, nil
		}
	case *models.DatabaseStats:
		if t == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal stats: %w", err)
	}
	return string(b), nil
}

func successRate(st models.Statistics) float64 {
	if st.TotalUploads == 0 {
		return 0
	}
	return float64(st.SuccessfulUploads) / float64(st.TotalUploads) * 100
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time.UTC()
		return &v
	}
	return nil
}
