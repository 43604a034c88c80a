package events

import (
	"context"
	"sync"
	"sync/atomic"

	"membership-bulk-upload/internal/models"
)

// Subscription receives the events of one job.
type Subscription struct {
	JobID   string
	C       <-chan models.ProgressEvent
	ch      chan models.ProgressEvent
	dropped atomic.Int64
}

// Dropped counts events discarded because the subscriber fell behind.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Hub fans events out to in-process subscribers keyed by job id. A slow
// subscriber loses events rather than blocking publishers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 32
	}
	return &Hub{subs: make(map[string]map[*Subscription]struct{}), buffer: buffer}
}

// Subscribe registers interest in jobID.
func (h *Hub) Subscribe(jobID string) *Subscription {
	ch := make(chan models.ProgressEvent, h.buffer)
	sub := &Subscription{JobID: jobID, C: ch, ch: ch}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[jobID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[jobID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Unsubscribe removes sub and closes its channel. It is safe to call twice.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[sub.JobID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.JobID)
	}
	close(sub.ch)
}

// Subscribers returns the number of live subscriptions for jobID.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}

// Publish delivers ev to the job's subscribers without blocking.
func (h *Hub) Publish(_ context.Context, ev models.ProgressEvent) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[ev.JobID] {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
	return nil
}
