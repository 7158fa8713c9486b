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
// Per-thread backfill
// =============================================================================

// ThreadBackfiller fetches one thread and stores its messages.
type ThreadBackfiller struct {
	deps  *Deps
	coord *Coordinator
	log   zerolog.Logger
}

func NewThreadBackfiller(deps *Deps, coord *Coordinator) *ThreadBackfiller {
	return &ThreadBackfiller{
		deps:  deps,
		coord: coord,
		log:   deps.Logger.With().Str("component", "thread_backfill").Logger(),
	}
}

func (b *ThreadBackfiller) Handle(ctx context.Context, msg *domain.QueueMessage, body *domain.BackfillThread) error {
	threadID := body.ThreadProviderID
	jobs := b.deps.Store.Jobs()

	job, err := b.deps.activeJob(ctx, msg.JobID)
	if errors.Is(err, errJobInactive) {
		if job.Status == domain.BackfillStatusCancelled {
			if _, err := jobs.FinishThread(ctx, job.ID, threadID, domain.ThreadStatusCancelled, "job cancelled"); err != nil {
				return err
			}
		}
		return nil
	}
	if err != nil {
		return err
	}

	st, err := jobs.BeginThread(ctx, job.ID, threadID)
	if err != nil {
		return err
	}
	if st.Status.IsTerminal() {
		return b.checkCompletion(ctx, job.ID)
	}
	log := b.log.With().Str("job_id", job.ID).Str("thread_id", threadID).Int("retry", st.RetryCount).Logger()

	link, err := b.deps.loadLink(ctx, job.LinkID)
	if err != nil {
		return err
	}
	ts, err := b.deps.tokenSource(ctx, link)
	if err != nil {
		if apperr.IsRetryable(err) {
			return err
		}
		return b.fail(ctx, job.ID, threadID, err)
	}

	// provider 호출 직전 취소 재확인
	if _, err := b.deps.activeJob(ctx, job.ID); errors.Is(err, errJobInactive) {
		_, ferr := jobs.FinishThread(ctx, job.ID, threadID, domain.ThreadStatusCancelled, "job cancelled")
		return ferr
	} else if err != nil {
		return err
	}
	if err := b.deps.Quota.Admit(ctx, link.ID, domain.OpThreadsGet); err != nil {
		return err
	}

	thread, err := b.deps.Provider.GetThread(ctx, ts, threadID)
	if err != nil {
		if isNotFound(err) {
			log.Debug().Msg("thread gone upstream, skipping")
			if _, err := jobs.FinishThread(ctx, job.ID, threadID, domain.ThreadStatusSkipped, "thread not found"); err != nil {
				return err
			}
			return b.checkCompletion(ctx, job.ID)
		}
		if apperr.IsRetryable(err) {
			return err
		}
		return b.fail(ctx, job.ID, threadID, err)
	}

	msgs := MapThread(link.ID, thread)
	err = b.deps.Store.WithTx(ctx, func(tx out.Tx) error {
		for _, m := range msgs {
			if err := tx.Mail().UpsertMessage(ctx, m); err != nil {
				return err
			}
			if err := tx.Jobs().UpsertMessageStatus(ctx, &domain.BackfillMessageStatus{
				JobID:             job.ID,
				ThreadProviderID:  threadID,
				MessageProviderID: m.ProviderMessageID,
				Status:            domain.MessageStatusCompleted,
			}); err != nil {
				return err
			}
		}
		if err := refreshThread(ctx, tx, link.ID, threadID); err != nil {
			return err
		}
		_, err := tx.Jobs().FinishThread(ctx, job.ID, threadID, domain.ThreadStatusCompleted, "")
		return err
	})
	if err != nil {
		return err
	}

	log.Debug().Int("messages", len(msgs)).Msg("thread stored")
	return b.checkCompletion(ctx, job.ID)
}

// fail records a permanent failure for the thread and returns cause.
func (b *ThreadBackfiller) fail(ctx context.Context, jobID, threadID string, cause error) error {
	if _, err := b.deps.Store.Jobs().FinishThread(ctx, jobID, threadID, domain.ThreadStatusFailed, cause.Error()); err != nil {
		return err
	}
	if err := b.checkCompletion(ctx, jobID); err != nil {
		b.log.Warn().Err(err).Str("job_id", jobID).Msg("completion check failed")
	}
	return cause
}

func (b *ThreadBackfiller) checkCompletion(ctx context.Context, jobID string) error {
	_, err := b.coord.CheckCompletion(ctx, jobID)
	return err
}
