package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mailsync/core/port/out"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisQueue implements out.Queue on a Redis Streams consumer group.
// Unacked entries stay in the group's pending list and are claimed again
// once idle longer than the visibility timeout.
type RedisQueue struct {
	client     *redis.Client
	stream     string
	group      string
	consumer   string
	block      time.Duration
	visibility time.Duration
	maxLen     int64
	log        zerolog.Logger
}

var _ out.Queue = (*RedisQueue)(nil)

// NewRedisQueue creates the consumer group if needed.
func NewRedisQueue(ctx context.Context, client *redis.Client, opts Options) (*RedisQueue, error) {
	opts.setDefaults()
	q := &RedisQueue{
		client:     client,
		stream:     opts.Stream,
		group:      opts.Group,
		consumer:   opts.Consumer,
		block:      opts.Block,
		visibility: opts.Visibility,
		maxLen:     1_000_000,
		log:        opts.Logger.With().Str("component", "redis_queue").Str("stream", opts.Stream).Logger(),
	}
	if err := q.createConsumerGroup(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// createConsumerGroup creates a consumer group if it doesn't exist.
func (q *RedisQueue) createConsumerGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// ReceiveBatch first claims stale pending entries, then reads new ones.
// It blocks only when nothing was claimed.
func (q *RedisQueue) ReceiveBatch(ctx context.Context, max int) ([]*out.Delivery, error) {
	if max <= 0 {
		max = 1
	}

	if err := q.promoteDelayed(ctx, max); err != nil {
		q.log.Warn().Err(err).Msg("error promoting delayed messages")
	}

	batch, err := q.claimStale(ctx, max)
	if err != nil {
		q.log.Warn().Err(err).Msg("error claiming pending messages")
	}
	if len(batch) >= max {
		return batch, nil
	}

	block := q.block
	if len(batch) > 0 {
		block = -1 // BLOCK 생략
	}

	result, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    int64(max - len(batch)),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return batch, nil
		}
		return batch, err
	}

	for _, stream := range result {
		for _, msg := range stream.Messages {
			batch = append(batch, q.toDelivery(msg, 1))
		}
	}
	return batch, nil
}

// claimStale takes over entries idle longer than the visibility timeout.
func (q *RedisQueue) claimStale(ctx context.Context, max int) ([]*out.Delivery, error) {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.stream,
		Group:  q.group,
		Idle:   q.visibility,
		Start:  "-",
		End:    "+",
		Count:  int64(max),
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(pending))
	counts := make(map[string]int64, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
		counts[p.ID] = p.RetryCount
	}

	claimed, err := q.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.visibility,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, err
	}

	batch := make([]*out.Delivery, 0, len(claimed))
	for _, msg := range claimed {
		q.log.Info().
			Str("id", msg.ID).
			Int64("deliveries", counts[msg.ID]+1).
			Msg("claimed stuck pending message")
		batch = append(batch, q.toDelivery(msg, int(counts[msg.ID])+1))
	}
	return batch, nil
}

func (q *RedisQueue) toDelivery(msg redis.XMessage, deliveries int) *out.Delivery {
	d := &out.Delivery{ID: msg.ID, Attempts: deliveries, Handle: msg}

	raw, ok := msg.Values["data"].(string)
	if !ok {
		d.Message, _ = decodeDelivery(nil)
		d.DecodeErr = fmt.Errorf("%w: missing data field", ErrMalformed)
		return d
	}

	d.Message, d.DecodeErr = decodeDelivery([]byte(raw))
	// 재발행된 메시지는 envelope 의 attempt 를 이어받음
	if d.Message.Attempt+1 > d.Attempts {
		d.Attempts = d.Message.Attempt + 1
	}
	return d
}

func (q *RedisQueue) Ack(ctx context.Context, d *out.Delivery) error {
	return q.client.XAck(ctx, q.stream, q.group, d.ID).Err()
}

// Nack republishes the message and acks the original so the retry does not
// wait for the visibility timeout. A positive delay parks the message in
// delayed:{stream} until it is due. Deferred retries keep the attempt count.
func (q *RedisQueue) Nack(ctx context.Context, d *out.Delivery, retry out.Retry) error {
	if d.DecodeErr != nil || d.Message == nil || d.Message.Body == nil {
		return nil // visibility timeout 후 재전달
	}

	next := *d.Message
	next.Attempt = d.Attempts
	if retry.Deferred {
		next.Attempt = d.Attempts - 1
	}

	if retry.Delay <= 0 {
		if err := q.Enqueue(ctx, &next); err != nil {
			return err
		}
		return q.Ack(ctx, d)
	}

	data, err := Encode(&next)
	if err != nil {
		return err
	}
	due := time.Now().Add(retry.Delay).UnixMilli()
	if err := q.client.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(due), Member: string(data)}).Err(); err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	return q.Ack(ctx, d)
}

func (q *RedisQueue) delayedKey() string {
	return "delayed:" + q.stream
}

// promoteScript moves due entries from the delayed set onto the stream.
// KEYS[1]=delayed set, KEYS[2]=stream, ARGV[1]=now ms, ARGV[2]=limit, ARGV[3]=maxlen
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, data in ipairs(due) do
	local kind = ''
	local ok, env = pcall(cjson.decode, data)
	if ok and type(env) == 'table' and env.kind then
		kind = env.kind
	end
	redis.call('XADD', KEYS[2], 'MAXLEN', '~', ARGV[3], '*', 'data', data, 'kind', kind)
	redis.call('ZREM', KEYS[1], data)
end
return #due
`)

func (q *RedisQueue) promoteDelayed(ctx context.Context, max int) error {
	n, err := promoteScript.Run(ctx, q.client,
		[]string{q.delayedKey(), q.stream},
		time.Now().UnixMilli(), max, q.maxLen,
	).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}
	if n > 0 {
		q.log.Debug().Int("count", n).Msg("promoted delayed messages")
	}
	return nil
}

// DeadLetter moves the entry to dlq:{stream} and acks it.
func (q *RedisQueue) DeadLetter(ctx context.Context, d *out.Delivery, reason string) error {
	dlqStream := "dlq:" + q.stream

	dlqData := map[string]interface{}{
		"original_stream": q.stream,
		"original_id":     d.ID,
		"reason":          reason,
		"attempts":        d.Attempts,
		"failed_at":       time.Now().UTC().Format(time.RFC3339),
		"consumer":        q.consumer,
		"group":           q.group,
	}
	if msg, ok := d.Handle.(redis.XMessage); ok {
		for k, v := range msg.Values {
			dlqData["original_"+k] = v
		}
	}

	if err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: dlqStream, Values: dlqData}).Err(); err != nil {
		return fmt.Errorf("failed to add message to DLQ: %w", err)
	}

	q.log.Warn().
		Str("dlq_stream", dlqStream).
		Str("original_id", d.ID).
		Str("reason", reason).
		Msg("message moved to DLQ")

	return q.Ack(ctx, d)
}

// Close leaves the shared client open; its owner closes it.
func (q *RedisQueue) Close() error { return nil }
