package mailsync

import (
	"context"
	"errors"
	"fmt"

	"mailsync/core/domain"
	"mailsync/core/port/out"
	"mailsync/pkg/apperr"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// Deps is what every sync handler needs.
type Deps struct {
	Store    out.Store
	Provider out.MailProvider
	Tokens   out.TokenProvider
	Queue    out.Queue
	Quota    *Admission
	Logger   zerolog.Logger
}

// errJobInactive short-circuits a handler whose job is no longer running.
var errJobInactive = errors.New("backfill job is not active")

// =============================================================================
// Shared helpers
// =============================================================================

func (d *Deps) loadLink(ctx context.Context, linkID string) (*domain.Link, error) {
	link, err := d.Store.Links().GetLink(ctx, linkID)
	if err != nil {
		if errors.Is(err, out.ErrNotFound) {
			return nil, apperr.NotFound("link " + linkID)
		}
		return nil, err
	}
	return link, nil
}

// tokenSource resolves the link's OAuth token source. A link without usable
// credentials is permanent until the user reconnects.
func (d *Deps) tokenSource(ctx context.Context, link *domain.Link) (oauth2.TokenSource, error) {
	ts, err := d.Tokens.TokenSource(ctx, link)
	if err != nil {
		return nil, fmt.Errorf("token source for link %s: %w", link.ID, err)
	}
	return ts, nil
}

// activeJob loads the job and reports errJobInactive unless it is in progress.
func (d *Deps) activeJob(ctx context.Context, jobID string) (*domain.BackfillJob, error) {
	job, err := d.Store.Jobs().GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, out.ErrNotFound) {
			return nil, apperr.NotFound("backfill job " + jobID)
		}
		return nil, err
	}
	if job.Status != domain.BackfillStatusInProgress {
		return job, errJobInactive
	}
	return job, nil
}

func (d *Deps) enqueue(ctx context.Context, msg *domain.QueueMessage) error {
	if err := d.Queue.Enqueue(ctx, msg); err != nil {
		return apperr.EnqueueFailed(string(msg.Kind()), err)
	}
	return nil
}

// refreshThread recomputes the thread rollup from its stored messages and
// deletes the row when no message is left.
func refreshThread(ctx context.Context, tx out.Tx, linkID, providerThreadID string) error {
	if providerThreadID == "" {
		return nil
	}
	msgs, err := tx.Mail().ListThreadMessages(ctx, linkID, providerThreadID)
	if err != nil {
		return err
	}

	existing, err := tx.Mail().GetThread(ctx, linkID, providerThreadID)
	if err != nil && !errors.Is(err, out.ErrNotFound) {
		return err
	}

	thread := RollupThread(linkID, providerThreadID, existing, msgs)
	if thread == nil {
		return tx.Mail().DeleteThread(ctx, linkID, providerThreadID)
	}
	return tx.Mail().UpsertThread(ctx, thread)
}

// isNotFound reports a provider 404 on a single resource.
func isNotFound(err error) bool {
	return out.IsProviderCode(err, out.ProviderErrNotFound)
}
