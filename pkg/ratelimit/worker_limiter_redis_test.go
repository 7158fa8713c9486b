package ratelimit

import (
	"context"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisForTest connects to MAILSYNC_TEST_REDIS_URL or skips.
func redisForTest(t *testing.T) *redis.Client {
	t.Helper()
	url := strings.TrimSpace(os.Getenv("MAILSYNC_TEST_REDIS_URL"))
	if url == "" {
		t.Skip("set MAILSYNC_TEST_REDIS_URL to run Redis quota tests")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	client := redis.NewClient(opts)
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("ping redis: %v", err)
	}
	return client
}

// newTestCounter isolates keys per test and pins the clock.
func newTestCounter(t *testing.T, client *redis.Client, now time.Time) *QuotaCounter {
	t.Helper()
	c := NewQuotaCounter(client)
	c.prefix = "quota-test:" + uuid.NewString()
	c.now = func() time.Time { return now }
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := client.Keys(ctx, c.prefix+":*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
	})
	return c
}

func TestQuotaCounter_RedisWindow(t *testing.T) {
	client := redisForTest(t)
	ctx := context.Background()
	now := time.UnixMilli(10_250)
	c := newTestCounter(t, client, now)

	for i := 0; i < 25; i++ {
		d, err := c.Reserve(ctx, "link-1", 10, 250, time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if !d.Allowed {
			t.Fatalf("reserve %d rejected, used=%d", i, d.Used)
		}
	}

	d, err := c.Reserve(ctx, "link-1", 1, 250, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed || d.Used != 250 {
		t.Fatalf("decision = %+v, want rejection at 250 used", d)
	}
	if d.RetryAfter != 750*time.Millisecond {
		t.Errorf("RetryAfter = %v, want 750ms", d.RetryAfter)
	}

	if d, _ := c.Reserve(ctx, "link-2", 10, 250, time.Second); !d.Allowed {
		t.Error("other key should have its own budget")
	}

	c.now = func() time.Time { return now.Add(time.Second) }
	if d, _ := c.Reserve(ctx, "link-1", 10, 250, time.Second); !d.Allowed || d.Used != 10 {
		t.Errorf("new window should reset, got %+v", d)
	}
}

// Separate counters share only Redis, like workers in different processes.
func TestQuotaCounter_RedisConcurrentNeverExceeds(t *testing.T) {
	client := redisForTest(t)
	now := time.UnixMilli(50_000)
	base := newTestCounter(t, client, now)

	const (
		budget   = 250
		cost     = 10
		counters = 4
		perCount = 25
	)
	var admitted atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < counters; i++ {
		c := NewQuotaCounter(client)
		c.prefix = base.prefix
		c.now = base.now
		for j := 0; j < perCount; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				d, err := c.Reserve(context.Background(), "link-1", cost, budget, time.Second)
				if err != nil {
					t.Error(err)
					return
				}
				if d.Allowed {
					admitted.Add(cost)
				}
			}()
		}
	}
	wg.Wait()

	if got := admitted.Load(); got != budget {
		t.Errorf("admitted %d units, want exactly %d", got, budget)
	}
}
