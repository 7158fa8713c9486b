package messaging

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"mailsync/core/domain"
	"mailsync/core/port/out"
)

// MemoryQueue is an in-process queue for tests and single-process dev runs.
// Payloads go through the wire codec so decode failures surface the same way
// as on real backends.
type MemoryQueue struct {
	mu       sync.Mutex
	ready    []*memItem
	inflight map[string]*memItem
	dead     []DeadLetter
	notify   chan struct{}
	closed   bool
	seq      int64
	enqueued int
}

type memItem struct {
	id        string
	data      []byte
	attempts  int
	visibleAt time.Time // Nack 지연
}

// DeadLetter is a message parked by DeadLetter.
type DeadLetter struct {
	Data   []byte
	Reason string
}

var _ out.Queue = (*MemoryQueue)(nil)

var errQueueClosed = errors.New("queue closed")

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		inflight: make(map[string]*memItem),
		notify:   make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, msg *domain.QueueMessage) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	return q.EnqueueRaw(data)
}

// EnqueueRaw pushes an already encoded payload.
func (q *MemoryQueue) EnqueueRaw(data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errQueueClosed
	}
	q.seq++
	q.enqueued++
	q.ready = append(q.ready, &memItem{id: strconv.FormatInt(q.seq, 10), data: data})
	q.signal()
	return nil
}

func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// ReceiveBatch waits up to one second for at least one visible message.
func (q *MemoryQueue) ReceiveBatch(ctx context.Context, max int) ([]*out.Delivery, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.Now().Add(time.Second)

	for {
		batch, next, err := q.take(max)
		if err != nil || len(batch) > 0 {
			return batch, err
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, nil
		}
		// 지연된 메시지가 먼저 보이게 되면 그때 깨어남
		if !next.IsZero() {
			wait = min(wait, time.Until(next))
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		case <-q.notify:
			timer.Stop()
		}
	}
}

// TryReceive returns immediately with whatever is visible.
func (q *MemoryQueue) TryReceive(max int) []*out.Delivery {
	batch, _, _ := q.take(max)
	return batch
}

// take leases up to max visible items in FIFO order. next is the earliest
// visibleAt among the items still delayed.
func (q *MemoryQueue) take(max int) (batch []*out.Delivery, next time.Time, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, time.Time{}, errQueueClosed
	}

	now := time.Now()
	var items []*memItem
	kept := q.ready[:0]
	for _, it := range q.ready {
		switch {
		case len(items) < max && !it.visibleAt.After(now):
			items = append(items, it)
		default:
			if it.visibleAt.After(now) && (next.IsZero() || it.visibleAt.Before(next)) {
				next = it.visibleAt
			}
			kept = append(kept, it)
		}
	}
	q.ready = kept

	batch = make([]*out.Delivery, 0, len(items))
	for _, it := range items {
		it.attempts++
		q.inflight[it.id] = it
		msg, err := decodeDelivery(it.data)
		batch = append(batch, &out.Delivery{
			ID:        it.id,
			Message:   msg,
			DecodeErr: err,
			Attempts:  it.attempts,
			Handle:    it,
		})
	}
	return batch, next, nil
}

func (q *MemoryQueue) Ack(ctx context.Context, d *out.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, d.ID)
	return nil
}

// Nack puts the message back at the tail, invisible until retry.Delay passes.
func (q *MemoryQueue) Nack(ctx context.Context, d *out.Delivery, retry out.Retry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.inflight[d.ID]
	if !ok {
		return nil
	}
	delete(q.inflight, d.ID)
	if retry.Deferred && it.attempts > 0 {
		it.attempts--
	}
	it.visibleAt = time.Time{}
	if retry.Delay > 0 {
		it.visibleAt = time.Now().Add(retry.Delay)
	}
	q.ready = append(q.ready, it)
	q.signal()
	return nil
}

func (q *MemoryQueue) DeadLetter(ctx context.Context, d *out.Delivery, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.inflight[d.ID]
	if !ok {
		return nil
	}
	delete(q.inflight, d.ID)
	q.dead = append(q.dead, DeadLetter{Data: it.data, Reason: reason})
	return nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

// Len returns ready plus in-flight messages.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.inflight)
}

// Depth is Len for the supervisor's metrics line.
func (q *MemoryQueue) Depth(ctx context.Context) (int64, error) {
	return int64(q.Len()), nil
}

// Enqueued counts every Enqueue call since creation.
func (q *MemoryQueue) Enqueued() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueued
}

func (q *MemoryQueue) Dead() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter(nil), q.dead...)
}
