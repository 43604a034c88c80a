package worker

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"membership-bulk-upload/internal/config"
	"membership-bulk-upload/internal/queue"
	"membership-bulk-upload/internal/store"
)

// Pool runs several processors sharing one pipeline.
type Pool struct {
	processors []*Processor
}

// NewPool builds cfg.WorkerConcurrency processors identified as
// <name>-<n>.
func NewPool(cfg config.Config, q *queue.RedisQueue, st store.Store, p *Pipeline, name string) *Pool {
	n := cfg.WorkerConcurrency
	if n <= 0 {
		n = 1
	}
	pool := &Pool{}
	for i := 0; i < n; i++ {
		pool.processors = append(pool.processors, NewProcessorWithID(cfg, q, st, p, fmt.Sprintf("%s-%d", name, i+1)))
	}
	return pool
}

func (p *Pool) Size() int { return len(p.processors) }

// Run blocks until ctx is cancelled or a processor fails.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, proc := range p.processors {
		proc := proc
		g.Go(func() error { return proc.Run(ctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
