package messaging

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"mailsync/core/domain"
	"mailsync/core/port/out"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func redisQueueForTest(t *testing.T) *RedisQueue {
	t.Helper()
	url := strings.TrimSpace(os.Getenv("MAILSYNC_TEST_REDIS_URL"))
	if url == "" {
		t.Skip("set MAILSYNC_TEST_REDIS_URL to run Redis queue tests")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	client := redis.NewClient(opts)

	ctx := context.Background()
	stream := "mailsync-test:" + uuid.NewString()
	q, err := NewRedisQueue(ctx, client, Options{
		Stream:     stream,
		Group:      "test",
		Consumer:   "c1",
		Block:      50 * time.Millisecond,
		Visibility: time.Minute,
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new redis queue: %v", err)
	}
	t.Cleanup(func() {
		client.Del(ctx, stream, q.delayedKey())
		client.Close()
	})
	return q
}

func TestRedisQueue_DelayedNack(t *testing.T) {
	tests := []struct {
		name         string
		retry        out.Retry
		wantAttempts int
	}{
		{"failed retry counts an attempt", out.Retry{Delay: 100 * time.Millisecond}, 2},
		{"deferred retry keeps the attempt", out.Retry{Delay: 100 * time.Millisecond, Deferred: true}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := redisQueueForTest(t)
			ctx := context.Background()
			q.Enqueue(ctx, domain.NewQueueMessage("l", "j", &domain.BackfillThread{ThreadProviderID: "t-1"}))

			first, err := q.ReceiveBatch(ctx, 1)
			if err != nil || len(first) != 1 {
				t.Fatalf("first = %+v, %v", first, err)
			}
			if err := q.Nack(ctx, first[0], tt.retry); err != nil {
				t.Fatal(err)
			}

			early, err := q.ReceiveBatch(ctx, 1)
			if err != nil {
				t.Fatal(err)
			}
			if len(early) != 0 {
				t.Fatalf("message visible before its delay: %+v", early)
			}

			time.Sleep(tt.retry.Delay)
			var batch []*out.Delivery
			deadline := time.Now().Add(2 * time.Second)
			for len(batch) == 0 && time.Now().Before(deadline) {
				if batch, err = q.ReceiveBatch(ctx, 1); err != nil {
					t.Fatal(err)
				}
			}
			if len(batch) != 1 {
				t.Fatal("delayed message was never promoted")
			}
			if batch[0].Attempts != tt.wantAttempts {
				t.Errorf("Attempts = %d, want %d", batch[0].Attempts, tt.wantAttempts)
			}
			if body, ok := batch[0].Message.Body.(*domain.BackfillThread); !ok || body.ThreadProviderID != "t-1" {
				t.Errorf("body = %#v", batch[0].Message.Body)
			}
		})
	}
}
