package events

import (
	"context"
	"errors"

	"membership-bulk-upload/internal/models"
)

// Publisher delivers progress events. Delivery is best effort; the job store
// remains the source of truth.
type Publisher interface {
	Publish(ctx context.Context, ev models.ProgressEvent) error
}

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev models.ProgressEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, models.ProgressEvent) error { return nil }
