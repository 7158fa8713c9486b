package mailsync

import (
	"context"
	"errors"

	"mailsync/core/domain"
	"mailsync/core/port/out"
	"mailsync/pkg/apperr"

	"github.com/rs/zerolog"
)

// =============================================================================
// DeleteMessage handler
// =============================================================================

// MessageDeleter removes one message and refreshes its thread rollup.
type MessageDeleter struct {
	deps *Deps
}

func NewMessageDeleter(deps *Deps) *MessageDeleter {
	return &MessageDeleter{deps: deps}
}

// Delete is idempotent: a message that is already gone is a success.
func (d *MessageDeleter) Delete(ctx context.Context, linkID, providerMessageID string) (bool, error) {
	var deleted bool
	err := d.deps.Store.WithTx(ctx, func(tx out.Tx) error {
		msg, err := tx.Mail().GetMessage(ctx, linkID, providerMessageID)
		if errors.Is(err, out.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		deleted, err = tx.Mail().DeleteMessage(ctx, linkID, providerMessageID)
		if err != nil {
			return err
		}
		return refreshThread(ctx, tx, linkID, msg.ProviderThreadID)
	})
	return deleted, err
}

// =============================================================================
// AccountService
// =============================================================================

// AccountService manages link lifecycle around the sync engine.
type AccountService struct {
	deps  *Deps
	coord *Coordinator
	log   zerolog.Logger
}

func NewAccountService(deps *Deps, coord *Coordinator) *AccountService {
	return &AccountService{
		deps:  deps,
		coord: coord,
		log:   deps.Logger.With().Str("component", "accounts").Logger(),
	}
}

// ConnectLink stores a new link. Enabling it disables any other enabled link
// of the same user and provider.
func (s *AccountService) ConnectLink(ctx context.Context, link *domain.Link) error {
	if link.Provider == "" {
		link.Provider = domain.ProviderGmail
	}
	err := s.deps.Store.WithTx(ctx, func(tx out.Tx) error {
		return tx.Links().CreateLink(ctx, link)
	})
	if err != nil {
		return err
	}
	s.log.Info().Str("link_id", link.ID).Str("user_id", link.UserID).Msg("link connected")
	return nil
}

// DeleteLink disables the link, cancels its jobs and deletes the row.
// Job rows are kept for inspection.
func (s *AccountService) DeleteLink(ctx context.Context, linkID string) error {
	if err := s.deps.Store.Links().DisableLink(ctx, linkID); err != nil {
		if errors.Is(err, out.ErrNotFound) {
			return apperr.NotFound("link " + linkID)
		}
		return err
	}

	cancelled, err := s.coord.Cancel(ctx, linkID)
	if err != nil {
		return err
	}

	if err := s.deps.Store.Links().DeleteLink(ctx, linkID); err != nil && !errors.Is(err, out.ErrNotFound) {
		return err
	}

	s.log.Info().Str("link_id", linkID).Int("cancelled_jobs", cancelled).Msg("link deleted")
	return nil
}
