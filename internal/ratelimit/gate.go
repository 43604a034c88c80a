package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Status is a snapshot of the shared verification budget.
type Status struct {
	// Allowed is true when the call that produced this status may hit the
	// external service. For Check it reports whether a call would be allowed.
	Allowed      bool      `json:"-"`
	IsLimited    bool      `json:"is_limited"`
	CurrentCount int       `json:"current_count"`
	MaxLimit     int       `json:"max_limit"`
	ResetTime    time.Time `json:"reset_time"`
}

// UsageRatio is the consumed fraction of the window budget.
func (s Status) UsageRatio() float64 {
	if s.MaxLimit <= 0 {
		return 1
	}
	return float64(s.CurrentCount) / float64(s.MaxLimit)
}

// Message is a human readable summary for API clients.
func (s Status) Message() string {
	if s.IsLimited {
		return fmt.Sprintf("IEC verification limit of %d calls reached; resets at %s",
			s.MaxLimit, s.ResetTime.UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf("%d of %d IEC verification calls used", s.CurrentCount, s.MaxLimit)
}

// Gate is a fixed-window counter shared by every worker. The consult and the
// increment run as one Lua script so the count can never pass the limit.
type Gate struct {
	client *redis.Client
	key    string
	max    int
	window time.Duration
	now    func() time.Time
}

// NewGate builds a gate allowing max calls per window.
func NewGate(client *redis.Client, key string, max int, window time.Duration) *Gate {
	if key == "" {
		key = "bulk_upload:iec:ratelimit"
	}
	if window <= 0 {
		window = time.Hour
	}
	return &Gate{client: client, key: key, max: max, window: window, now: time.Now}
}

// Check reports the current state without consuming budget.
func (g *Gate) Check(ctx context.Context) (Status, error) {
	return g.run(ctx, false)
}

// IncrementAndCheck consumes one call if budget remains. Allowed tells the
// caller whether it may make the call; IsLimited whether the budget is now
// exhausted.
func (g *Gate) IncrementAndCheck(ctx context.Context) (Status, error) {
	return g.run(ctx, true)
}

// Reset clears the counter.
func (g *Gate) Reset(ctx context.Context) error {
	return g.client.Del(ctx, g.key).Err()
}

func (g *Gate) run(ctx context.Context, consume bool) (Status, error) {
	now := g.now().UnixMilli()
	incr := 0
	if consume {
		incr = 1
	}
	res, err := gateScript.Run(ctx, g.client, []string{g.key}, g.max, g.window.Milliseconds(), now, incr).Result()
	if err != nil {
		return Status{}, fmt.Errorf("rate limit gate: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 3 {
		return Status{}, fmt.Errorf("rate limit gate: unexpected reply %T", res)
	}
	allowed, _ := arr[0].(int64)
	count, _ := arr[1].(int64)
	start, _ := arr[2].(int64)
	return Status{
		Allowed:      allowed == 1,
		IsLimited:    int(count) >= g.max,
		CurrentCount: int(count),
		MaxLimit:     g.max,
		ResetTime:    time.UnixMilli(start).Add(g.window).UTC(),
	}, nil
}

var gateScript = redis.NewScript(`
local key = KEYS[1]
local max = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local incr = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'count', 'window_start')
local count = tonumber(data[1])
local start = tonumber(data[2])
if count == nil or start == nil or now >= start + window then
  count = 0
  start = now
end

local allowed = 0
if count < max then allowed = 1 end

if incr == 1 then
  if allowed == 1 then count = count + 1 end
  redis.call('HSET', key, 'count', count, 'window_start', start)
  redis.call('PEXPIRE', key, window)
end
return {allowed, count, start}
`)
