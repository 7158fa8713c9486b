package out

import (
	"context"
	"time"

	"mailsync/core/domain"
)

// Queue is an at-least-once work queue. A delivery that is neither acked nor
// dead-lettered is redelivered after the backend's visibility timeout.
type Queue interface {
	Enqueue(ctx context.Context, msg *domain.QueueMessage) error
	ReceiveBatch(ctx context.Context, max int) ([]*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	// Nack releases the delivery for redelivery after retry.Delay.
	Nack(ctx context.Context, d *Delivery, retry Retry) error
	DeadLetter(ctx context.Context, d *Delivery, reason string) error
	Close() error
}

// Delivery is one received message. DecodeErr is set when the payload could
// not be decoded; Message is nil in that case.
type Delivery struct {
	ID        string
	Message   *domain.QueueMessage
	DecodeErr error
	// Attempts counts deliveries of this message including the current one.
	Attempts int
	// Handle is backend specific state needed to ack/nack.
	Handle any
}

// Retry controls a Nack. A zero Delay uses the backend's nack delay.
type Retry struct {
	Delay time.Duration
	// Deferred marks work that was postponed rather than failed (quota window
	// full). The redelivery keeps the current attempt count.
	Deferred bool
}
