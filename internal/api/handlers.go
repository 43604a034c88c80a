package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"membership-bulk-upload/internal/models"
	"membership-bulk-upload/internal/ratelimit"
	"membership-bulk-upload/internal/uploads"
)

// multipartSlack covers boundaries and part headers around the file itself.
const multipartSlack = 1 << 20

type submitResponse struct {
	JobID     string        `json:"job_id"`
	Status    models.Status `json:"status"`
	FileName  string        `json:"file_name"`
	RetryOf   *string       `json:"retry_of,omitempty"`
	Duplicate bool          `json:"duplicate,omitempty"`
}

func newSubmitResponse(sub uploads.Submission) submitResponse {
	return submitResponse{
		JobID:     sub.Job.ID,
		Status:    sub.Job.Status,
		FileName:  sub.Job.FileName,
		RetryOf:   sub.Job.RetryOf,
		Duplicate: sub.Duplicate,
	}
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	limit := s.uploads.Rules().MaxBytes
	if limit > 0 {
		if r.ContentLength > limit+multipartSlack {
			writeError(w, r, &http.MaxBytesError{Limit: limit})
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, limit+multipartSlack)
	}

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: expected multipart/form-data with a file field", errBadRequest))
		return
	}
	part, err := filePart(mr)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer part.Close()

	sub, err := s.uploads.Submit(r.Context(), uploads.SubmitRequest{
		Name:           part.FileName(),
		Body:           part,
		UploadedBy:     UserFromContext(r.Context()),
		Source:         models.SourceHTTP,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newSubmitResponse(sub))
}

// filePart advances to the "file" field of a multipart body.
func filePart(mr *multipart.Reader) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: missing file field", errBadRequest)
		}
		if err != nil {
			var maxBytes *http.MaxBytesError
			if errors.As(err, &maxBytes) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: malformed multipart body", errBadRequest)
		}
		if part.FormName() == "file" && part.FileName() != "" {
			return part, nil
		}
		part.Close()
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type historyResponse struct {
	Jobs  []models.UploadJob `json:"jobs"`
	Page  int                `json:"page"`
	Limit int                `json:"limit"`
	Total int                `json:"total"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := intParam(q.Get("page"), 1, 1, 1<<20)
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit, err := intParam(q.Get("limit"), 20, 1, 100)
	if err != nil {
		writeError(w, r, err)
		return
	}
	filter := models.JobFilter{Limit: limit, Offset: (page - 1) * limit}
	if st := q.Get("status"); st != "" {
		if !validStatus(models.Status(st)) {
			writeError(w, r, fmt.Errorf("%w: unknown status %q", errBadRequest, st))
			return
		}
		filter.Status = models.Status(st)
	}
	switch q.Get("scope") {
	case "", "mine":
		filter.UploadedBy = UserFromContext(r.Context())
	case "all":
	default:
		writeError(w, r, fmt.Errorf("%w: scope must be mine or all", errBadRequest))
		return
	}

	jobs, total, err := s.store.ListJobs(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{Jobs: jobs, Page: page, Limit: limit, Total: total})
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.uploads.Delete(r.Context(), chi.URLParam(r, "jobID")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	from, err := timeParam(r.URL.Query().Get("from"), now.AddDate(0, 0, -30), false)
	if err != nil {
		writeError(w, r, err)
		return
	}
	to, err := timeParam(r.URL.Query().Get("to"), now, true)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if to.Before(from) {
		writeError(w, r, fmt.Errorf("%w: to is before from", errBadRequest))
		return
	}
	stats, err := s.store.Statistics(r.Context(), from, to)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	qs, err := s.uploads.QueueStats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, qs)
}

type jobSummary struct {
	JobID           string        `json:"job_id"`
	FileName        string        `json:"file_name"`
	Status          models.Status `json:"status"`
	Stage           models.Stage  `json:"stage"`
	Progress        int           `json:"progress_percentage"`
	UploadedBy      string        `json:"uploaded_by"`
	UploadTimestamp time.Time     `json:"upload_timestamp"`
}

func (s *Server) handleQueueJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"), 10, 1, 100)
	if err != nil {
		writeError(w, r, err)
		return
	}
	jobs, err := s.uploads.RecentJobs(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]jobSummary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobSummary{
			JobID:           j.ID,
			FileName:        j.FileName,
			Status:          j.Status,
			Stage:           j.Stage,
			Progress:        j.ProgressPercentage,
			UploadedBy:      j.UploadedBy,
			UploadTimestamp: j.UploadTimestamp,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.uploads.Cancel(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	code := http.StatusOK
	if job.Status != models.StatusCancelled {
		code = http.StatusAccepted
	}
	writeJSON(w, code, map[string]any{
		"job_id":           job.ID,
		"status":           job.Status,
		"cancel_requested": job.CancelRequested,
	})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	sub, err := s.uploads.Retry(r.Context(), chi.URLParam(r, "jobID"), UserFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newSubmitResponse(sub))
}

type rateLimitResponse struct {
	ratelimit.Status
	Message string `json:"message"`
}

func (s *Server) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	st, err := s.uploads.RateLimitStatus(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rateLimitResponse{Status: st, Message: st.Message()})
}

func (s *Server) handleDownloadReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	body, size, err := s.reports.Open(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="bulk_upload_report_%s.xlsx"`, id))
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		s.log.Warnw("stream report", "job_id", id, "err", err)
	}
}

func (s *Server) handleDeleteReport(w http.ResponseWriter, r *http.Request) {
	if err := s.reports.DeleteReport(r.Context(), chi.URLParam(r, "jobID")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReportStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.reports.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type cleanupRequest struct {
	MaxAgeDays *int `json:"max_age_days"`
}

func (s *Server) handleReportCleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, r, fmt.Errorf("%w: invalid json", errBadRequest))
			return
		}
	}
	maxAge := s.cfg.ReportRetention
	if req.MaxAgeDays != nil {
		if *req.MaxAgeDays < 0 {
			writeError(w, r, fmt.Errorf("%w: max_age_days must not be negative", errBadRequest))
			return
		}
		maxAge = time.Duration(*req.MaxAgeDays) * 24 * time.Hour
	}
	res, err := s.reports.Cleanup(r.Context(), maxAge)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReportCleanupOrphaned(w http.ResponseWriter, r *http.Request) {
	res, err := s.reports.CleanupOrphaned(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleMonitorStatus(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		writeError(w, r, errMonitorDisabled)
		return
	}
	writeJSON(w, http.StatusOK, s.monitor.Status())
}

func (s *Server) handleMonitorStart(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		writeError(w, r, errMonitorDisabled)
		return
	}
	if err := s.monitor.Start(s.ctx); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.monitor.Status())
}

func (s *Server) handleMonitorStop(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		writeError(w, r, errMonitorDisabled)
		return
	}
	s.monitor.Stop()
	writeJSON(w, http.StatusOK, s.monitor.Status())
}

type monitorProcessRequest struct {
	FileName string `json:"fileName"`
}

func (s *Server) handleMonitorProcess(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		writeError(w, r, errMonitorDisabled)
		return
	}
	var req monitorProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FileName == "" {
		writeError(w, r, fmt.Errorf("%w: fileName is required", errBadRequest))
		return
	}
	sub, err := s.monitor.ProcessFile(r.Context(), req.FileName)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newSubmitResponse(sub))
}

func intParam(raw string, def, lo, hi int) (int, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < lo || v > hi {
		return 0, fmt.Errorf("%w: %q must be a number between %d and %d", errBadRequest, raw, lo, hi)
	}
	return v, nil
}

// timeParam accepts RFC3339 or a bare date. A bare upper bound covers the
// whole day.
func timeParam(raw string, def time.Time, endOfDay bool) (time.Time, error) {
	if raw == "" {
		return def, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q is not a date", errBadRequest, raw)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

func validStatus(s models.Status) bool {
	switch s {
	case models.StatusQueued, models.StatusProcessing, models.StatusRateLimited,
		models.StatusCompleted, models.StatusFailed, models.StatusCancelled:
		return true
	}
	return false
}
