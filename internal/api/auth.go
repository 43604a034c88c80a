package api

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	applog "membership-bulk-upload/internal/log"
	"membership-bulk-upload/internal/models"
	"membership-bulk-upload/internal/telemetry"
)

const anonymousUser = "anonymous"

type userKeyType struct{}

var userKey userKeyType

// UserFromContext returns the caller resolved by the auth middleware.
func UserFromContext(ctx context.Context) string {
	if u, ok := ctx.Value(userKey).(string); ok && u != "" {
		return u
	}
	return anonymousUser
}

func withUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// authenticate resolves the caller. With a JWT secret configured a valid
// HS256 bearer token is required and its subject is the user id; without one
// the X-User-ID header is trusted.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.userFromRequest(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		applog.Annotate(r.Context(), zap.String("user", user))
		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), user)))
	})
}

func (s *Server) userFromRequest(r *http.Request) (string, error) {
	if s.cfg.JWTSecret == "" {
		if v := strings.TrimSpace(r.Header.Get("X-User-ID")); v != "" {
			return v, nil
		}
		return anonymousUser, nil
	}

	raw := bearerToken(r.Header.Get("Authorization"))
	if raw == "" && strings.HasSuffix(r.URL.Path, "/ws") {
		// Browsers cannot set headers on a WebSocket handshake.
		raw = r.URL.Query().Get("token")
	}
	if raw == "" {
		return "", errUnauthorized
	}
	return s.parseToken(raw)
}

func (s *Server) parseToken(raw string) (string, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))
	claims := &jwt.RegisteredClaims{}
	t, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil || !t.Valid {
		s.log.Debugw("token rejected", "err", err)
		return "", fmt.Errorf("%w: invalid token", errUnauthorized)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", errUnauthorized)
	}
	return claims.Subject, nil
}

func bearerToken(header string) string {
	if len(header) < len("Bearer ") || !strings.EqualFold(header[:len("Bearer ")], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(header[len("Bearer "):])
}

// canAccess reports whether user may read or change job. Jobs are private to
// their uploader; configured admins see everything.
func (s *Server) canAccess(user string, job models.UploadJob) bool {
	return user == job.UploadedBy || slices.Contains(s.cfg.AdminUsers, user)
}

// ownJob rejects requests for a {jobID} the caller did not upload.
func (s *Server) ownJob(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "jobID"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if user := UserFromContext(r.Context()); !s.canAccess(user, job) {
			writeError(w, r, fmt.Errorf("%w: %s", errForbidden, job.ID))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limitUploads applies the per-user token bucket to upload submissions.
func (s *Server) limitUploads(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		user := UserFromContext(r.Context())
		d, err := s.limiter.Allow(r.Context(), user)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if !d.Allowed {
			telemetry.UploadRejections.WithLabelValues("throttled").Inc()
			secs := int(d.RetryAfter.Seconds()) + 1
			w.Header().Set("Retry-After", fmt.Sprint(secs))
			writeJSON(w, http.StatusTooManyRequests, errorResponse{
				Error:   "rate_limited",
				Message: fmt.Sprintf("too many uploads; retry in %d seconds", secs),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
