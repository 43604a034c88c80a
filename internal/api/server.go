package api

import (
	"context"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"membership-bulk-upload/internal/config"
	"membership-bulk-upload/internal/events"
	applog "membership-bulk-upload/internal/log"
	"membership-bulk-upload/internal/monitor"
	"membership-bulk-upload/internal/ratelimit"
	"membership-bulk-upload/internal/reports"
	"membership-bulk-upload/internal/store"
	"membership-bulk-upload/internal/telemetry"
	"membership-bulk-upload/internal/uploads"
)

// Deps are the collaborators behind the HTTP surface. Monitor and Limiter
// may be nil.
type Deps struct {
	Uploads *uploads.Service
	Store   store.Store
	Reports *reports.Manager
	Monitor *monitor.Monitor
	Hub     *events.Hub
	Limiter *ratelimit.TokenBucket
}

// Server wires HTTP handlers for the bulk upload API.
type Server struct {
	ctx      context.Context
	cfg      config.Config
	uploads  *uploads.Service
	store    store.Store
	reports  *reports.Manager
	monitor  *monitor.Monitor
	hub      *events.Hub
	limiter  *ratelimit.TokenBucket
	upgrader websocket.Upgrader
	log      *zap.SugaredLogger
}

// New constructs the API server. ctx bounds background work started through
// the API, such as the file monitor.
func New(ctx context.Context, cfg config.Config, d Deps) *Server {
	s := &Server{
		ctx:     ctx,
		cfg:     cfg,
		uploads: d.Uploads,
		store:   d.Store,
		reports: d.Reports,
		monitor: d.Monitor,
		hub:     d.Hub,
		limiter: d.Limiter,
		log:     zap.S().Named("api"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		applog.Logger(zap.L(), "http"),
		middleware.Recoverer,
		cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-User-ID", "Idempotency-Key"},
			ExposedHeaders:   []string{"Retry-After", "Content-Disposition"},
			AllowCredentials: !slices.Contains(s.cfg.CORSAllowedOrigins, "*"),
			MaxAge:           300,
		}),
	)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/bulk-upload", func(r chi.Router) {
		r.Use(s.authenticate)

		r.With(s.limitUploads).Post("/process", s.handleProcess)
		r.With(s.ownJob).Get("/status/{jobID}", s.handleStatus)
		r.Get("/history", s.handleHistory)
		r.With(s.ownJob).Delete("/history/{jobID}", s.handleDeleteJob)
		r.Get("/stats", s.handleStats)
		r.Get("/queue/stats", s.handleQueueStats)
		r.Get("/queue/jobs", s.handleQueueJobs)
		r.With(s.ownJob).Post("/cancel/{jobID}", s.handleCancel)
		r.With(s.ownJob).Post("/retry/{jobID}", s.handleRetry)
		r.Get("/rate-limit", s.handleRateLimit)

		r.With(s.ownJob).Get("/report/{jobID}", s.handleDownloadReport)
		r.With(s.ownJob).Delete("/reports/{jobID}", s.handleDeleteReport)
		r.Get("/reports/stats", s.handleReportStats)
		r.Post("/reports/cleanup", s.handleReportCleanup)
		r.Post("/reports/cleanup-orphaned", s.handleReportCleanupOrphaned)

		r.Get("/monitor/status", s.handleMonitorStatus)
		r.Post("/monitor/start", s.handleMonitorStart)
		r.Post("/monitor/stop", s.handleMonitorStop)
		r.Post("/monitor/process", s.handleMonitorProcess)

		r.Get("/ws", s.handleWebSocket)
	})
	return r
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.CORSAllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
