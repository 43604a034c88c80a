package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"membership-bulk-upload/internal/intake"
	applog "membership-bulk-upload/internal/log"
	"membership-bulk-upload/internal/monitor"
	"membership-bulk-upload/internal/reports"
	"membership-bulk-upload/internal/store"
	"membership-bulk-upload/internal/uploads"
)

var (
	errBadRequest      = errors.New("bad request")
	errUnauthorized    = errors.New("authentication required")
	errForbidden       = errors.New("job belongs to another user")
	errMonitorDisabled = errors.New("file monitor is not configured")
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func statusFor(err error) (int, string) {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, intake.ErrEmptyFile):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, errForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, store.ErrNotFound), errors.Is(err, reports.ErrNotFound), errors.Is(err, monitor.ErrFileNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, store.ErrTerminal), errors.Is(err, store.ErrConflict),
		errors.Is(err, uploads.ErrNotRetriable), errors.Is(err, uploads.ErrNotDeletable):
		return http.StatusConflict, "conflict"
	case errors.Is(err, intake.ErrFileTooLarge), errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge, "file_too_large"
	case errors.Is(err, intake.ErrUnsupportedType):
		return http.StatusUnsupportedMediaType, "unsupported_media_type"
	case errors.Is(err, uploads.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, errMonitorDisabled):
		return http.StatusServiceUnavailable, "unavailable"
	}
	return http.StatusInternalServerError, "internal_error"
}

// writeError maps err onto a status code and a JSON body.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, kind := statusFor(err)
	msg := err.Error()
	applog.Annotate(r.Context(), zap.String("error", msg))
	switch code {
	case http.StatusInternalServerError:
		msg = "internal server error"
	case http.StatusRequestEntityTooLarge:
		msg = intake.ErrFileTooLarge.Error()
	}
	var rl *uploads.RateLimitedError
	if errors.As(err, &rl) {
		w.Header().Set("Retry-After", strconv.Itoa(int(rl.RetryAfter(time.Now()).Seconds())))
	}
	writeJSON(w, code, errorResponse{Error: kind, Message: msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
