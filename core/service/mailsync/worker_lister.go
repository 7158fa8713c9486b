package mailsync

import (
	"context"
	"errors"

	"mailsync/core/domain"
	"mailsync/core/port/out"
	"mailsync/pkg/apperr"

	"github.com/rs/zerolog"
)

// DefaultPageSize is the number of threads requested per ListThreads page.
const DefaultPageSize = 5

// =============================================================================
// Thread Lister
// =============================================================================

// Lister pages through the mailbox thread list, one page per ListThreads
// message, and fans out one BackfillThread per listed thread.
type Lister struct {
	deps     *Deps
	coord    *Coordinator
	pageSize int
	log      zerolog.Logger
}

func NewLister(deps *Deps, coord *Coordinator, pageSize int) *Lister {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Lister{
		deps:     deps,
		coord:    coord,
		pageSize: pageSize,
		log:      deps.Logger.With().Str("component", "lister").Logger(),
	}
}

func (l *Lister) Handle(ctx context.Context, msg *domain.QueueMessage, body *domain.ListThreads) error {
	job, err := l.deps.activeJob(ctx, msg.JobID)
	if errors.Is(err, errJobInactive) {
		l.log.Debug().Str("job_id", msg.JobID).Str("status", string(job.Status)).Msg("job not active, skipping page")
		return nil
	}
	if err != nil {
		return err
	}
	log := l.log.With().Str("job_id", job.ID).Str("page_token", body.NextPageToken).Logger()

	// 재전달: 이미 기록된 페이지는 다시 요청하지 않음
	if batch, err := l.deps.Store.Jobs().GetBatchByToken(ctx, job.ID, body.NextPageToken); err == nil {
		return l.redeliver(ctx, job, batch)
	} else if !errors.Is(err, out.ErrNotFound) {
		return err
	}

	if job.ListingDone() {
		_, err := l.coord.CheckCompletion(ctx, job.ID)
		return err
	}

	pageSize := l.pageSize
	if rem := job.Remaining(); rem >= 0 && rem < pageSize {
		pageSize = rem
	}

	link, err := l.deps.loadLink(ctx, job.LinkID)
	if err != nil {
		return err
	}
	ts, err := l.deps.tokenSource(ctx, link)
	if err != nil {
		if !apperr.IsRetryable(err) {
			l.coord.Fail(ctx, job.ID, err.Error())
		}
		return err
	}
	if err := l.deps.Quota.Admit(ctx, link.ID, domain.OpThreadsList); err != nil {
		return err
	}

	page, err := l.deps.Provider.ListThreads(ctx, ts, pageSize, body.NextPageToken)
	if err != nil {
		if !apperr.IsRetryable(err) {
			l.coord.Fail(ctx, job.ID, err.Error())
		}
		return err
	}

	batch := &domain.BackfillBatch{
		JobID:         job.ID,
		PageToken:     body.NextPageToken,
		NextPageToken: page.NextPageToken,
		ThreadIDs:     pageThreadIDs(page, job.Remaining()),
		Status:        domain.BatchStatusQueued,
	}

	var added int
	err = l.deps.Store.WithTx(ctx, func(tx out.Tx) error {
		inserted, err := tx.Jobs().InsertBatch(ctx, batch)
		if err != nil {
			return err
		}
		if !inserted {
			// 동시 전달이 먼저 기록함
			existing, err := tx.Jobs().GetBatchByToken(ctx, job.ID, body.NextPageToken)
			if err != nil {
				return err
			}
			batch = existing
			return nil
		}

		added, err = tx.Jobs().InsertThreads(ctx, job.ID, batch.ID, batch.ThreadIDs)
		if err != nil {
			return err
		}
		return tx.Jobs().IncrementRetrieved(ctx, job.ID, added)
	})
	if err != nil {
		return err
	}

	log.Debug().Int("threads", len(batch.ThreadIDs)).Int("new", added).Bool("has_next", page.NextPageToken != "").Msg("page listed")
	return l.redeliver(ctx, job, batch)
}

// redeliver dispatches a recorded batch unless that already happened, and
// settles the job total when the listing ran out early.
func (l *Lister) redeliver(ctx context.Context, job *domain.BackfillJob, batch *domain.BackfillBatch) error {
	job, err := l.deps.Store.Jobs().GetJob(ctx, job.ID)
	if err != nil {
		return err
	}

	if batch.NextPageToken == "" && !job.ListingDone() {
		// provider 추정치보다 적게 나옴: 실제 개수로 목표 조정
		if err := l.deps.Store.Jobs().SetTotal(ctx, job.ID, job.ThreadsRetrievedCount); err != nil {
			return err
		}
		l.log.Info().
			Str("job_id", job.ID).
			Int("retrieved", job.ThreadsRetrievedCount).
			Msg("thread listing exhausted before estimated total")
		total := job.ThreadsRetrievedCount
		job.TotalThreads = &total
	}

	if batch.Status == domain.BatchStatusQueued {
		if _, err := l.coord.dispatchBatch(ctx, job, batch); err != nil {
			l.log.Error().Err(err).Str("job_id", job.ID).Str("batch_id", batch.ID).Msg("batch dispatch failed, replay required")
			return err
		}
	}

	if job.ListingDone() {
		_, err := l.coord.CheckCompletion(ctx, job.ID)
		return err
	}
	return nil
}

// pageThreadIDs returns the page's thread ids without duplicates, capped at
// remaining when it is known.
func pageThreadIDs(page *out.ThreadPage, remaining int) []string {
	seen := make(map[string]bool, len(page.Threads))
	ids := make([]string, 0, len(page.Threads))
	for _, t := range page.Threads {
		if seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		ids = append(ids, t.ID)
	}
	if remaining >= 0 && len(ids) > remaining {
		ids = ids[:remaining]
	}
	return ids
}
