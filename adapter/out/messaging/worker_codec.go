// Package messaging provides message queue adapters.
package messaging

import (
	"errors"
	"fmt"
	"time"

	"mailsync/core/domain"

	"github.com/goccy/go-json"
)

var (
	ErrUnknownKind = errors.New("unknown queue message kind")
	ErrMalformed   = errors.New("malformed queue message")
)

// envelope is the wire format shared by every backend.
type envelope struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	LinkID     string          `json:"link_id"`
	JobID      string          `json:"job_id,omitempty"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Body       json.RawMessage `json:"body,omitempty"`
}

// Encode serializes msg into the queue envelope.
func Encode(msg *domain.QueueMessage) ([]byte, error) {
	if msg == nil || msg.Body == nil {
		return nil, fmt.Errorf("%w: empty body", ErrMalformed)
	}
	body, err := json.Marshal(msg.Body)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	return json.Marshal(envelope{
		ID:         msg.ID,
		Kind:       string(msg.Kind()),
		LinkID:     msg.LinkID,
		JobID:      msg.JobID,
		Attempt:    msg.Attempt,
		EnqueuedAt: msg.EnqueuedAt.UTC(),
		Body:       body,
	})
}

// Decode parses an envelope. On ErrUnknownKind the returned message still
// carries the envelope header so callers can log and drop it.
func Decode(data []byte) (*domain.QueueMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	msg := &domain.QueueMessage{
		ID:         env.ID,
		LinkID:     env.LinkID,
		JobID:      env.JobID,
		Attempt:    env.Attempt,
		EnqueuedAt: env.EnqueuedAt,
	}

	body := domain.NewBody(domain.QueueKind(env.Kind))
	if body == nil {
		return msg, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	if len(env.Body) > 0 && string(env.Body) != "null" {
		if err := json.Unmarshal(env.Body, body); err != nil {
			return msg, fmt.Errorf("%w: body: %v", ErrMalformed, err)
		}
	}
	if env.LinkID == "" {
		return msg, fmt.Errorf("%w: missing link_id", ErrMalformed)
	}

	msg.Body = body
	return msg, nil
}

// decodeDelivery is the shared tail of every backend's receive path.
func decodeDelivery(data []byte) (*domain.QueueMessage, error) {
	msg, err := Decode(data)
	if msg == nil {
		msg = &domain.QueueMessage{}
	}
	return msg, err
}
