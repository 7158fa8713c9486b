// Package ratelimit provides quota counters shared by every worker process.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mailsync/core/port/out"

	"github.com/redis/go-redis/v9"
)

// =============================================================================
// Fixed window quota
// 구조: quota:{key}:{window_start_ms} 카운터, 윈도우마다 리셋
// =============================================================================

func windowStart(now time.Time, window time.Duration) time.Time {
	ms := window.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	return time.UnixMilli(now.UnixMilli() / ms * ms)
}

func retryAfter(now, start time.Time, window time.Duration) time.Duration {
	d := start.Add(window).Sub(now)
	if d <= 0 {
		return time.Millisecond
	}
	return d
}

// =============================================================================
// QuotaCounter - Redis 기반 (프로세스 간 공유)
// =============================================================================

// reserveScript checks and reserves in one round trip so concurrent workers
// cannot overshoot the budget.
var reserveScript = redis.NewScript(`
	local key = KEYS[1]
	local cost = tonumber(ARGV[1])
	local budget = tonumber(ARGV[2])
	local ttl_ms = tonumber(ARGV[3])

	local current = tonumber(redis.call('GET', key) or '0')
	if current + cost > budget then
		return {0, current}
	end

	local used = redis.call('INCRBY', key, cost)
	redis.call('PEXPIRE', key, ttl_ms)
	return {1, used}
`)

// QuotaCounter implements out.QuotaCounter on Redis.
type QuotaCounter struct {
	redis  *redis.Client
	prefix string
	now    func() time.Time
}

// NewQuotaCounter creates a Redis backed counter.
func NewQuotaCounter(redisClient *redis.Client) *QuotaCounter {
	return &QuotaCounter{
		redis:  redisClient,
		prefix: "quota",
		now:    time.Now,
	}
}

// Reserve reserves cost units for key in the current window.
func (c *QuotaCounter) Reserve(ctx context.Context, key string, cost, budget int, window time.Duration) (out.QuotaDecision, error) {
	now := c.now()
	start := windowStart(now, window)
	redisKey := fmt.Sprintf("%s:%s:%d", c.prefix, key, start.UnixMilli())

	// 윈도우가 끝난 뒤에도 잠시 남겨 디버깅 가능하게
	ttl := 2 * window
	if ttl < time.Second {
		ttl = time.Second
	}

	res, err := reserveScript.Run(ctx, c.redis, []string{redisKey}, cost, budget, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return out.QuotaDecision{}, fmt.Errorf("quota reserve %s: %w", key, err)
	}
	if len(res) != 2 {
		return out.QuotaDecision{}, fmt.Errorf("quota reserve %s: unexpected reply %v", key, res)
	}

	decision := out.QuotaDecision{Allowed: res[0] == 1, Used: int(res[1])}
	if !decision.Allowed {
		decision.RetryAfter = retryAfter(now, start, window)
	}
	return decision, nil
}

// =============================================================================
// MemoryQuotaCounter - 단일 프로세스용 (dev / test)
// =============================================================================

type quotaWindow struct {
	start time.Time
	used  int
}

// MemoryQuotaCounter implements the same fixed-window algorithm behind a mutex.
type MemoryQuotaCounter struct {
	mu      sync.Mutex
	windows map[string]*quotaWindow
	now     func() time.Time
}

func NewMemoryQuotaCounter() *MemoryQuotaCounter {
	return &MemoryQuotaCounter{
		windows: make(map[string]*quotaWindow),
		now:     time.Now,
	}
}

// WithClock overrides the time source.
func (c *MemoryQuotaCounter) WithClock(now func() time.Time) *MemoryQuotaCounter {
	c.now = now
	return c
}

func (c *MemoryQuotaCounter) Reserve(ctx context.Context, key string, cost, budget int, window time.Duration) (out.QuotaDecision, error) {
	if err := ctx.Err(); err != nil {
		return out.QuotaDecision{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	start := windowStart(now, window)

	w, ok := c.windows[key]
	if !ok || !w.start.Equal(start) {
		w = &quotaWindow{start: start}
		c.windows[key] = w
	}

	if w.used+cost > budget {
		return out.QuotaDecision{Used: w.used, RetryAfter: retryAfter(now, start, window)}, nil
	}
	w.used += cost
	return out.QuotaDecision{Allowed: true, Used: w.used}, nil
}
