package worker

import (
	"context"
	"fmt"

	"mailsync/core/domain"
	"mailsync/core/service/mailsync"
	"mailsync/pkg/apperr"

	"github.com/rs/zerolog"
)

// Processor handles one decoded queue message.
type Processor interface {
	Process(ctx context.Context, msg *domain.QueueMessage) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, msg *domain.QueueMessage) error

func (f ProcessorFunc) Process(ctx context.Context, msg *domain.QueueMessage) error {
	return f(ctx, msg)
}

// Handler routes queue messages to the sync engine by body type.
type Handler struct {
	engine *mailsync.Engine
	log    zerolog.Logger
}

func NewHandler(engine *mailsync.Engine, log zerolog.Logger) *Handler {
	return &Handler{
		engine: engine,
		log:    log.With().Str("component", "dispatcher").Logger(),
	}
}

func (h *Handler) Process(ctx context.Context, msg *domain.QueueMessage) error {
	h.log.Debug().
		Str("message_id", msg.ID).
		Str("kind", string(msg.Kind())).
		Str("link_id", msg.LinkID).
		Msg("processing message")

	e := h.engine
	switch body := msg.Body.(type) {
	// Backfill
	case *domain.ListThreads:
		return e.Lister.Handle(ctx, msg, body)
	case *domain.BackfillThread:
		return e.Threads.Handle(ctx, msg, body)

	// Incremental
	case *domain.HistorySync:
		_, err := e.History.Sync(ctx, msg.LinkID)
		return err
	case *domain.LabelReconcile:
		_, err := e.Labels.Reconcile(ctx, msg.LinkID)
		return err
	case *domain.DeleteMessage:
		_, err := e.Deleter.Delete(ctx, msg.LinkID, body.ProviderMessageID)
		return err
	}

	// 코덱이 알 수 없는 kind 는 이미 걸러냄
	return apperr.DecodeFailed(fmt.Errorf("no handler for body %T", msg.Body))
}
