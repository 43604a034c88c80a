package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"membership-bulk-upload/internal/models"
)

// DefaultChannel carries worker events to API processes.
const DefaultChannel = "bulk_upload:events"

// RedisBus publishes events over Redis pub/sub so they reach whichever API
// process holds the client's socket.
type RedisBus struct {
	client  *redis.Client
	channel string
}

func NewRedisBus(client *redis.Client, channel string) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBus{client: client, channel: channel}
}

func (b *RedisBus) Publish(ctx context.Context, ev models.ProgressEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

// Relay forwards bus events into dst until ctx is done.
func (b *RedisBus) Relay(ctx context.Context, dst Publisher) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	logger := zap.S().Named("event_relay")
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev models.ProgressEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				logger.Warnf("dropping malformed event: %v", err)
				continue
			}
			if err := dst.Publish(ctx, ev); err != nil {
				logger.Warnf("relay event for job %s: %v", ev.JobID, err)
			}
		}
	}
}
