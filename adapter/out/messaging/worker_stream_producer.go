package messaging

import (
	"context"
	"fmt"

	"mailsync/core/domain"

	"github.com/redis/go-redis/v9"
)

// Enqueue publishes msg to the stream (XADD, approximate MAXLEN trim).
func (q *RedisQueue) Enqueue(ctx context.Context, msg *domain.QueueMessage) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}

	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data": string(data),
			"kind": string(msg.Kind()),
		},
	}).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", q.stream, err)
	}
	return nil
}

// Depth returns the number of entries in the stream.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.XLen(ctx, q.stream).Result()
}
