package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mailsync/core/domain"
	"mailsync/core/port/out"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSQueue implements out.Queue on a JetStream durable pull consumer.
// Publishes carry Nats-Msg-Id = DedupeKey so a retried enqueue of the same
// page or thread inside the duplicate window is dropped by the server.
type NATSQueue struct {
	nc        *nats.Conn
	js        nats.JetStreamContext
	sub       *nats.Subscription
	subject   string
	block     time.Duration
	nackDelay time.Duration
	log       zerolog.Logger

	// NumDelivered 에서 뺄 quota 연기 횟수 (stream sequence 별)
	mu        sync.Mutex
	deferrals map[uint64]int
}

var _ out.Queue = (*NATSQueue)(nil)

func NewNATSQueue(ctx context.Context, opts Options) (*NATSQueue, error) {
	opts.setDefaults()
	log := opts.Logger.With().Str("component", "nats_queue").Logger()

	nc, err := nats.Connect(opts.URL,
		nats.Name(opts.Consumer),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	streamName := sanitizeName(opts.Stream)
	subject := streamName + ".jobs"

	if _, err := js.StreamInfo(streamName); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			nc.Close()
			return nil, fmt.Errorf("stream info: %w", err)
		}
		if _, err := js.AddStream(&nats.StreamConfig{
			Name:       streamName,
			Subjects:   []string{subject},
			Retention:  nats.WorkQueuePolicy,
			Storage:    nats.FileStorage,
			Duplicates: 2 * time.Minute,
		}); err != nil {
			nc.Close()
			return nil, fmt.Errorf("add stream: %w", err)
		}
	}

	sub, err := js.PullSubscribe(subject, sanitizeName(opts.Group),
		nats.BindStream(streamName),
		nats.AckExplicit(),
		nats.AckWait(opts.Visibility),
	)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("pull subscribe: %w", err)
	}

	return &NATSQueue{
		nc:        nc,
		js:        js,
		sub:       sub,
		subject:   subject,
		block:     opts.Block,
		nackDelay: opts.NackDelay,
		log:       log,
		deferrals: make(map[uint64]int),
	}, nil
}

func (q *NATSQueue) Enqueue(ctx context.Context, msg *domain.QueueMessage) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	if _, err := q.js.Publish(q.subject, data, nats.MsgId(msg.DedupeKey()), nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", q.subject, err)
	}
	return nil
}

func (q *NATSQueue) ReceiveBatch(ctx context.Context, max int) ([]*out.Delivery, error) {
	if max <= 0 {
		max = 1
	}
	fetchCtx, cancel := context.WithTimeout(ctx, q.block)
	defer cancel()

	msgs, err := q.sub.Fetch(max, nats.Context(fetchCtx))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, nil
		}
		return nil, err
	}

	batch := make([]*out.Delivery, 0, len(msgs))
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range msgs {
		attempts := 1
		id := ""
		if meta, err := m.Metadata(); err == nil {
			attempts = int(meta.NumDelivered) - q.deferrals[meta.Sequence.Stream]
			if attempts < 1 {
				attempts = 1
			}
			id = fmt.Sprintf("%d", meta.Sequence.Stream)
		}
		msg, decodeErr := decodeDelivery(m.Data)
		batch = append(batch, &out.Delivery{
			ID:        id,
			Message:   msg,
			DecodeErr: decodeErr,
			Attempts:  attempts,
			Handle:    m,
		})
	}
	return batch, nil
}

func natsMsg(d *out.Delivery) (*nats.Msg, error) {
	m, ok := d.Handle.(*nats.Msg)
	if !ok {
		return nil, fmt.Errorf("delivery %s: not a nats message", d.ID)
	}
	return m, nil
}

func (q *NATSQueue) Ack(ctx context.Context, d *out.Delivery) error {
	m, err := natsMsg(d)
	if err != nil {
		return err
	}
	q.forget(m)
	return m.Ack(nats.Context(ctx))
}

// Nack asks the server to redeliver after retry.Delay.
func (q *NATSQueue) Nack(ctx context.Context, d *out.Delivery, retry out.Retry) error {
	m, err := natsMsg(d)
	if err != nil {
		return err
	}
	delay := retry.Delay
	if delay <= 0 {
		delay = q.nackDelay
	}
	if retry.Deferred {
		if meta, err := m.Metadata(); err == nil {
			q.mu.Lock()
			q.deferrals[meta.Sequence.Stream]++
			q.mu.Unlock()
		}
	}
	return m.NakWithDelay(delay)
}

func (q *NATSQueue) forget(m *nats.Msg) {
	if meta, err := m.Metadata(); err == nil {
		q.mu.Lock()
		delete(q.deferrals, meta.Sequence.Stream)
		q.mu.Unlock()
	}
}

// DeadLetter terminates redelivery; the server raises a MSG_TERMINATED advisory.
func (q *NATSQueue) DeadLetter(ctx context.Context, d *out.Delivery, reason string) error {
	m, err := natsMsg(d)
	if err != nil {
		return err
	}
	q.log.Warn().Str("id", d.ID).Str("reason", reason).Int("attempts", d.Attempts).Msg("message terminated")
	q.forget(m)
	return m.Term()
}

func (q *NATSQueue) Close() error {
	if err := q.nc.Drain(); err != nil {
		q.nc.Close()
		return err
	}
	return nil
}
