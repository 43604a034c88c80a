package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"membership-bulk-upload/internal/config"
	"membership-bulk-upload/internal/events"
	"membership-bulk-upload/internal/iec"
	applog "membership-bulk-upload/internal/log"
	"membership-bulk-upload/internal/members"
	"membership-bulk-upload/internal/queue"
	"membership-bulk-upload/internal/ratelimit"
	"membership-bulk-upload/internal/reports"
	"membership-bulk-upload/internal/store"
	"membership-bulk-upload/internal/telemetry"
	"membership-bulk-upload/internal/worker"
)

func main() {
	cfg := config.Load()

	logger := applog.InitLog(applog.Level(cfg.LogLevel))
	defer func() { _ = logger.Sync() }()
	undo := zap.ReplaceGlobals(logger)
	defer undo()
	log := zap.S().Named("worker")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalw("connect postgres", "err", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalw("migrations", "err", err)
	}

	db, err := members.Open(cfg.MembersDBType, cfg.MembersDSN)
	if err != nil {
		log.Fatalw("open member registry", "type", cfg.MembersDBType, "err", err)
	}
	registry := members.NewRegistry(db)
	defer registry.Close()
	if err := registry.AutoMigrate(); err != nil {
		log.Fatalw("migrate member registry", "err", err)
	}

	storage, err := reports.NewStorage(ctx, cfg)
	if err != nil {
		log.Fatalw("init report storage", "backend", cfg.ReportBackend, "err", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	q := queue.NewRedisQueue(rdb, "", cfg.VisibilityTimeout)
	gate := ratelimit.NewGate(rdb, "", cfg.IECRateLimitMax, cfg.IECRateLimitWindow)
	bus := events.NewRedisBus(rdb, events.DefaultChannel)

	pipeline := worker.NewPipeline(
		st,
		iec.NewClient(cfg.IECBaseURL, cfg.IECAPIKey, cfg.IECTimeout),
		gate,
		registry,
		reports.NewManager(st, storage),
		bus,
		worker.PipelineConfig{
			MaxConsecutiveFailures: cfg.IECMaxConsecutiveFailures,
			WarnRatio:              cfg.IECRateLimitWarnRatio,
			MaxDuration:            cfg.JobMaxDuration,
		},
	)

	// Generate a unique worker ID from hostname or env var
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}
	pool := worker.NewPool(cfg, q, st, pipeline, workerID)

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warnw("metrics server stopped", "err", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		return metricsServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		log.Infow("worker started",
			"worker_id", workerID,
			"concurrency", pool.Size(),
			"visibility", cfg.VisibilityTimeout,
			"backoff_initial", cfg.BackoffInitial,
			"iec_limit", cfg.IECRateLimitMax,
			"iec_window", cfg.IECRateLimitWindow)
		return pool.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		log.Errorw("worker stopped", "err", err)
		return
	}
	log.Info("worker stopped")
}
