package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	api "membership-bulk-upload/internal/api"
	"membership-bulk-upload/internal/config"
	"membership-bulk-upload/internal/events"
	applog "membership-bulk-upload/internal/log"
	"membership-bulk-upload/internal/monitor"
	"membership-bulk-upload/internal/queue"
	"membership-bulk-upload/internal/ratelimit"
	"membership-bulk-upload/internal/reports"
	"membership-bulk-upload/internal/store"
	"membership-bulk-upload/internal/uploads"
)

func main() {
	cfg := config.Load()

	logger := applog.InitLog(applog.Level(cfg.LogLevel))
	defer func() { _ = logger.Sync() }()
	undo := zap.ReplaceGlobals(logger)
	defer undo()
	log := zap.S().Named("api")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalw("connect postgres", "err", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalw("migrations", "err", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	storage, err := reports.NewStorage(ctx, cfg)
	if err != nil {
		log.Fatalw("init report storage", "backend", cfg.ReportBackend, "err", err)
	}

	q := queue.NewRedisQueue(rdb, "", cfg.VisibilityTimeout)
	gate := ratelimit.NewGate(rdb, "", cfg.IECRateLimitMax, cfg.IECRateLimitWindow)
	limiter := ratelimit.NewTokenBucket(rdb, cfg.UploadRateCapacity, cfg.UploadRateRefill, time.Hour)
	hub := events.NewHub(64)
	bus := events.NewRedisBus(rdb, events.DefaultChannel)
	rm := reports.NewManager(st, storage)

	// Cancellations raised here reach other API replicas through the bus and
	// come back to this process through the relay.
	svc := uploads.NewService(cfg, st, q, gate, rm, bus)
	mon := monitor.New(cfg.MonitorWatchDir, cfg.MonitorStabilizeDelay, cfg.MonitorUploadedBy, svc.Rules(), svc)

	server := api.New(ctx, cfg, api.Deps{
		Uploads: svc,
		Store:   st,
		Reports: rm,
		Monitor: mon,
		Hub:     hub,
		Limiter: limiter,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return bus.Relay(gctx, hub)
	})
	g.Go(func() error {
		log.Infow("api listening", "port", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.MonitorEnabled {
		if err := mon.Start(gctx); err != nil {
			log.Errorw("start file monitor", "dir", cfg.MonitorWatchDir, "err", err)
		}
	}
	g.Go(func() error {
		<-gctx.Done()
		mon.Stop()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Errorw("api stopped", "err", err)
		return
	}
	log.Info("api stopped")
}
