package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"membership-bulk-upload/internal/config"
	"membership-bulk-upload/internal/models"
	"membership-bulk-upload/internal/queue"
	"membership-bulk-upload/internal/store"
	"membership-bulk-upload/internal/telemetry"
)

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	store    store.Store
	pipeline *Pipeline
	workerID string
	log      *zap.SugaredLogger
}

func NewProcessor(cfg config.Config, q *queue.RedisQueue, st store.Store, p *Pipeline) *Processor {
	return NewProcessorWithID(cfg, q, st, p, "")
}

// NewProcessorWithID creates a processor with a specific worker ID for tracking.
func NewProcessorWithID(cfg config.Config, q *queue.RedisQueue, st store.Store, p *Pipeline, workerID string) *Processor {
	return &Processor{
		cfg:      cfg,
		queue:    q,
		store:    st,
		pipeline: p,
		workerID: workerID,
		log:      zap.S().Named("processor").With("worker_id", workerID),
	}
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p.housekeeping(ctx)

		jobID, err := p.queue.DequeueWithLease(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			wait := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, failures)
			p.log.Warnf("dequeue failed, retrying in %s: %v", wait, err)
			if !sleep(ctx, wait) {
				return ctx.Err()
			}
			continue
		}
		failures = 0
		if jobID == "" {
			if !sleep(ctx, p.cfg.WorkerPollInterval) {
				return ctx.Err()
			}
			continue
		}
		p.handle(ctx, jobID)
	}
}

// housekeeping returns expired leases and due rate-limited jobs to the ready
// list and moves their records back to queued.
func (p *Processor) housekeeping(ctx context.Context) {
	now := time.Now()
	if reclaimed, err := p.queue.RequeueExpired(ctx, now, 100); err == nil {
		for _, id := range reclaimed {
			if _, err := p.store.Requeue(ctx, id); err == nil {
				p.log.Infof("reclaimed expired lease for job %s", id)
				_ = p.store.AppendAudit(ctx, id, "requeued", "lease expired")
			}
		}
	}
	if promoted, err := p.queue.PromoteScheduled(ctx, now, 100); err == nil {
		for _, id := range promoted {
			if _, err := p.store.Requeue(ctx, id); err == nil {
				_ = p.store.AppendAudit(ctx, id, "resumed", "rate limit window reset")
			}
		}
	}
	if depth, err := p.queue.Depth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth.Waiting))
	}
}

func (p *Processor) handle(ctx context.Context, jobID string) {
	job, err := p.store.ClaimJob(ctx, jobID, p.workerID)
	if err != nil {
		if errors.Is(err, store.ErrNotClaimable) {
			// A job processing elsewhere keeps its lease; anything else is stale.
			if current, gerr := p.store.GetJob(ctx, jobID); gerr == nil && current.Status == models.StatusProcessing {
				return
			}
		}
		if !errors.Is(err, store.ErrNotClaimable) && !errors.Is(err, store.ErrNotFound) {
			p.log.Warnf("claim job %s: %v", jobID, err)
		}
		_ = p.queue.Ack(ctx, jobID)
		return
	}
	_ = p.store.AppendAudit(ctx, job.ID, "claimed", fmt.Sprintf("worker=%s attempt=%d", p.workerID, job.Attempts))

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go p.heartbeat(hbCtx, job.ID)
	res := p.runSafely(ctx, job)
	stopHeartbeat()

	switch res.Status {
	case models.StatusCompleted:
		telemetry.JobsCompleted.Inc()
	case models.StatusFailed:
		telemetry.JobsFailed.Inc()
	case models.StatusCancelled:
		telemetry.JobsCancelled.Inc()
	case models.StatusRateLimited:
		telemetry.JobsRateLimited.Inc()
		if p.cfg.IECAutoResume {
			if err := p.queue.Schedule(ctx, job.ID, res.ResetAt); err != nil {
				p.log.Warnf("schedule resume of job %s: %v", job.ID, err)
			}
		}
	}

	if res.Interrupted {
		p.handBack(job.ID)
		return
	}
	if res.Status == models.StatusProcessing && res.Err != nil {
		// The outcome could not be recorded; let the lease expire so another
		// worker picks the job up again.
		p.log.Errorf("job %s left processing: %v", job.ID, res.Err)
		return
	}
	_ = p.queue.Ack(ctx, job.ID)
}

// runSafely turns a panic inside the pipeline into a job failure.
func (p *Processor) runSafely(ctx context.Context, job models.UploadJob) (res Result) {
	defer func() {
		if rec := recover(); rec != nil {
			msg := fmt.Sprintf("internal error: %v", rec)
			p.log.Errorf("pipeline panic on job %s: %v", job.ID, rec)
			if _, _, err := p.store.FinishJob(ctx, job.ID, models.Outcome{Status: models.StatusFailed, ErrorMessage: msg}); err != nil {
				res = Result{Status: models.StatusProcessing, Err: err}
				return
			}
			res = Result{Status: models.StatusFailed, Err: errors.New(msg)}
		}
	}()
	return p.pipeline.Run(ctx, job)
}

func (p *Processor) heartbeat(ctx context.Context, jobID string) {
	interval := p.queue.VisibilityTimeout() / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.ExtendLease(ctx, jobID, p.queue.VisibilityTimeout()); err != nil && ctx.Err() == nil {
				p.log.Warnf("extend lease for job %s: %v", jobID, err)
			}
		}
	}
}

// handBack requeues a job the worker stopped mid-run during shutdown.
func (p *Processor) handBack(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := p.store.Requeue(ctx, jobID); err != nil {
		p.log.Warnf("requeue interrupted job %s: %v", jobID, err)
		return
	}
	_ = p.queue.Ack(ctx, jobID)
	if err := p.queue.Enqueue(ctx, jobID); err != nil {
		p.log.Warnf("enqueue interrupted job %s: %v", jobID, err)
	}
	_ = p.store.AppendAudit(ctx, jobID, "requeued", "worker shutdown")
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
