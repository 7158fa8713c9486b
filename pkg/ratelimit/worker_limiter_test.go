package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryQuotaCounter_Window(t *testing.T) {
	now := time.UnixMilli(10_000)
	c := NewMemoryQuotaCounter().WithClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		d, err := c.Reserve(ctx, "link-1", 10, 250, time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if !d.Allowed {
			t.Fatalf("reserve %d rejected, used=%d", i, d.Used)
		}
	}

	d, _ := c.Reserve(ctx, "link-1", 1, 250, time.Second)
	if d.Allowed {
		t.Fatal("budget exhausted, reserve should be rejected")
	}
	if d.RetryAfter != time.Second {
		t.Errorf("RetryAfter = %v, want 1s", d.RetryAfter)
	}

	// 다른 키는 독립
	if d, _ := c.Reserve(ctx, "link-2", 10, 250, time.Second); !d.Allowed {
		t.Error("other key should have its own budget")
	}

	now = now.Add(time.Second)
	if d, _ := c.Reserve(ctx, "link-1", 10, 250, time.Second); !d.Allowed || d.Used != 10 {
		t.Errorf("new window should reset, got %+v", d)
	}
}

func TestMemoryQuotaCounter_ConcurrentNeverExceeds(t *testing.T) {
	now := time.UnixMilli(50_000)
	c := NewMemoryQuotaCounter().WithClock(func() time.Time { return now })

	const budget = 250
	var admitted int64
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := c.Reserve(context.Background(), "link-1", 10, budget, time.Second)
			if err != nil {
				t.Error(err)
				return
			}
			if d.Allowed {
				atomic.AddInt64(&admitted, 10)
			}
		}()
	}
	wg.Wait()

	if admitted != budget {
		t.Errorf("admitted %d units, want exactly %d", admitted, budget)
	}
}

func TestWindowStart(t *testing.T) {
	tests := []struct {
		name   string
		now    int64
		window time.Duration
		want   int64
	}{
		{"aligned", 2000, time.Second, 2000},
		{"mid window", 2750, time.Second, 2000},
		{"minute window", 125_000, time.Minute, 120_000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := windowStart(time.UnixMilli(tt.now), tt.window).UnixMilli()
			if got != tt.want {
				t.Errorf("windowStart = %d, want %d", got, tt.want)
			}
		})
	}
}
