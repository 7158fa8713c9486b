package mailsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mailsync/core/domain"
	"mailsync/core/port/out"
	"mailsync/pkg/apperr"

	"github.com/rs/zerolog"
)

// =============================================================================
// Backfill Coordinator
// =============================================================================

// Coordinator owns the backfill job lifecycle: start, cancel, fail and
// completion detection.
type Coordinator struct {
	deps *Deps
	log  zerolog.Logger
}

func NewCoordinator(deps *Deps) *Coordinator {
	return &Coordinator{
		deps: deps,
		log:  deps.Logger.With().Str("component", "backfill").Logger(),
	}
}

// Start creates a job for the link, sizes it from the mailbox profile and
// enqueues the first ListThreads page. limit caps the thread count.
func (c *Coordinator) Start(ctx context.Context, linkID string, limit *int) (*domain.BackfillJob, error) {
	link, err := c.deps.loadLink(ctx, linkID)
	if err != nil {
		return nil, err
	}
	if !link.CanSync() {
		return nil, apperr.New(apperr.CodeCancelled, "link is disabled", false).WithDetail("link_id", linkID)
	}

	job := &domain.BackfillJob{LinkID: linkID, RequestedLimit: limit}
	if err := c.deps.Store.Jobs().CreateJob(ctx, job); err != nil {
		return nil, err
	}
	log := c.log.With().Str("link_id", linkID).Str("job_id", job.ID).Logger()

	if err := c.size(ctx, link, job); err != nil {
		// init 상태로 남기지 않음
		if _, ferr := c.deps.Store.Jobs().TransitionJob(ctx, job.ID, domain.BackfillStatusFailed, err.Error()); ferr != nil {
			log.Warn().Err(ferr).Msg("failed to mark job failed")
		}
		return nil, err
	}

	ok, err := c.deps.Store.Jobs().TransitionJob(ctx, job.ID, domain.BackfillStatusInProgress, "")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Cancelled("backfill job " + job.ID)
	}

	// 라벨은 백필과 독립적으로 맞춤
	if err := c.deps.enqueue(ctx, domain.NewQueueMessage(linkID, "", &domain.LabelReconcile{})); err != nil {
		log.Warn().Err(err).Msg("failed to enqueue label reconcile")
	}

	if *job.TotalThreads == 0 {
		if _, err := c.CheckCompletion(ctx, job.ID); err != nil {
			return nil, err
		}
	} else if err := c.deps.enqueue(ctx, domain.NewQueueMessage(linkID, job.ID, &domain.ListThreads{})); err != nil {
		c.Fail(ctx, job.ID, err.Error())
		return nil, err
	}

	log.Info().Int("total_threads", *job.TotalThreads).Msg("backfill started")
	return c.deps.Store.Jobs().GetJob(ctx, job.ID)
}

// size reads the provider profile and records total and start cursor.
func (c *Coordinator) size(ctx context.Context, link *domain.Link, job *domain.BackfillJob) error {
	ts, err := c.deps.tokenSource(ctx, link)
	if err != nil {
		return err
	}
	if err := c.deps.Quota.Admit(ctx, link.ID, domain.OpGetProfile); err != nil {
		return err
	}
	profile, err := c.deps.Provider.GetProfile(ctx, ts)
	if err != nil {
		return err
	}

	total := domain.ComputeTotal(job.RequestedLimit, int(profile.ThreadsTotal))
	if err := c.deps.Store.Jobs().SetTotal(ctx, job.ID, total); err != nil {
		return err
	}
	if profile.HistoryID > 0 {
		if err := c.deps.Store.Jobs().SetStartCursor(ctx, job.ID, profile.HistoryID); err != nil {
			return err
		}
		job.StartHistoryID = &profile.HistoryID
	}
	job.TotalThreads = &total
	return nil
}

// Cancel moves every non-terminal job of the link to cancelled and returns
// how many changed. In-flight thread rows are cancelled with them.
func (c *Coordinator) Cancel(ctx context.Context, linkID string) (int, error) {
	jobs, err := c.deps.Store.Jobs().ListActiveJobs(ctx, linkID)
	if err != nil {
		return 0, err
	}

	cancelled := 0
	for _, job := range jobs {
		ok, err := c.deps.Store.Jobs().TransitionJob(ctx, job.ID, domain.BackfillStatusCancelled, "cancelled")
		if err != nil {
			return cancelled, err
		}
		if !ok {
			continue
		}
		cancelled++
		if _, err := c.deps.Store.Jobs().CancelThreads(ctx, job.ID); err != nil {
			return cancelled, err
		}
		c.log.Info().Str("link_id", linkID).Str("job_id", job.ID).Msg("backfill cancelled")
	}
	return cancelled, nil
}

// Fail marks the job failed. Errors are logged; the caller is already on an
// error path.
func (c *Coordinator) Fail(ctx context.Context, jobID, reason string) {
	ok, err := c.deps.Store.Jobs().TransitionJob(ctx, jobID, domain.BackfillStatusFailed, reason)
	if err != nil {
		c.log.Error().Err(err).Str("job_id", jobID).Msg("failed to mark job failed")
		return
	}
	if !ok {
		return
	}
	if _, err := c.deps.Store.Jobs().CancelThreads(ctx, jobID); err != nil {
		c.log.Warn().Err(err).Str("job_id", jobID).Msg("failed to settle thread rows")
	}
	c.log.Error().Str("job_id", jobID).Str("reason", reason).Msg("backfill failed")
}

// CheckCompletion completes the job when the counter reached the total and
// every tracked thread is terminal. It is safe to call from any handler and
// any number of times.
func (c *Coordinator) CheckCompletion(ctx context.Context, jobID string) (bool, error) {
	job, err := c.deps.Store.Jobs().GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}

	switch job.Status {
	case domain.BackfillStatusComplete:
		// 이전 시도에서 커서 시딩이 실패했을 수 있음
		return true, c.seedCursor(ctx, job)
	case domain.BackfillStatusInProgress:
	default:
		return false, nil
	}

	if _, err := c.deps.Store.Jobs().CompleteSettledBatches(ctx, jobID); err != nil {
		return false, err
	}

	progress, err := c.deps.Store.Jobs().Progress(ctx, jobID)
	if err != nil {
		return false, err
	}
	if !progress.Complete() {
		return false, nil
	}

	ok, err := c.deps.Store.Jobs().TransitionJob(ctx, jobID, domain.BackfillStatusComplete, "")
	if err != nil || !ok {
		return false, err
	}

	c.log.Info().
		Str("job_id", jobID).
		Str("link_id", job.LinkID).
		Int("threads", progress.Retrieved).
		Int("skipped", progress.SkippedRows).
		Int("failed", progress.FailedRows).
		Msg("backfill complete")

	return true, c.seedCursor(ctx, job)
}

// seedCursor gives the link its first history cursor after a full sync.
func (c *Coordinator) seedCursor(ctx context.Context, job *domain.BackfillJob) error {
	link, err := c.deps.Store.Links().GetLink(ctx, job.LinkID)
	if err != nil {
		if errors.Is(err, out.ErrNotFound) {
			return nil
		}
		return err
	}
	if link.HasCursor() {
		return nil
	}

	historyID := uint64(0)
	if job.StartHistoryID != nil {
		historyID = *job.StartHistoryID
	} else {
		ts, err := c.deps.tokenSource(ctx, link)
		if err != nil {
			return err
		}
		if err := c.deps.Quota.Admit(ctx, link.ID, domain.OpGetProfile); err != nil {
			return err
		}
		profile, err := c.deps.Provider.GetProfile(ctx, ts)
		if err != nil {
			return err
		}
		historyID = profile.HistoryID
	}
	if historyID == 0 {
		return nil
	}

	seeded, err := c.deps.Store.Links().SeedCursor(ctx, link.ID, historyID)
	if err != nil {
		return err
	}
	if seeded {
		c.log.Info().Str("link_id", link.ID).Uint64("history_id", historyID).Msg("history cursor seeded")
	}
	return nil
}

// =============================================================================
// Dispatch / Replay
// =============================================================================

// dispatchBatch enqueues the batch's threads and, while listing is not done,
// the follow-up page. The batch is marked dispatched only after every
// enqueue succeeded, so a queued batch can always be replayed.
func (c *Coordinator) dispatchBatch(ctx context.Context, job *domain.BackfillJob, batch *domain.BackfillBatch) (int, error) {
	sent := 0
	for _, threadID := range batch.ThreadIDs {
		msg := domain.NewQueueMessage(job.LinkID, job.ID, &domain.BackfillThread{ThreadProviderID: threadID})
		if err := c.deps.enqueue(ctx, msg); err != nil {
			return sent, err
		}
		sent++
	}

	if batch.NextPageToken != "" && !job.ListingDone() {
		msg := domain.NewQueueMessage(job.LinkID, job.ID, &domain.ListThreads{NextPageToken: batch.NextPageToken})
		if err := c.deps.enqueue(ctx, msg); err != nil {
			return sent, err
		}
		sent++
	}

	if err := c.deps.Store.Jobs().UpdateBatchStatus(ctx, batch.ID, domain.BatchStatusDispatched); err != nil {
		return sent, err
	}
	return sent, nil
}

// Replay re-enqueues work for batches that never reached dispatched, and the
// first page when listing never produced a batch. Returns the number of
// messages enqueued.
func (c *Coordinator) Replay(ctx context.Context, jobID string) (int, error) {
	job, err := c.deps.activeJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, errJobInactive) {
			return 0, fmt.Errorf("job %s is %s", jobID, job.Status)
		}
		return 0, err
	}

	batches, err := c.deps.Store.Jobs().ListBatches(ctx, jobID, "")
	if err != nil {
		return 0, err
	}
	if len(batches) == 0 && !job.ListingDone() {
		if err := c.deps.enqueue(ctx, domain.NewQueueMessage(job.LinkID, job.ID, &domain.ListThreads{})); err != nil {
			return 0, err
		}
		return 1, nil
	}

	total := 0
	for _, batch := range batches {
		if batch.Status != domain.BatchStatusQueued {
			continue
		}
		n, err := c.dispatchBatch(ctx, job, batch)
		total += n
		if err != nil {
			return total, err
		}
	}
	c.log.Info().Str("job_id", jobID).Int("enqueued", total).Msg("backfill replayed")
	return total, nil
}

// Reap re-checks completion for in-progress jobs untouched since staleAfter.
// Returns how many jobs completed.
func (c *Coordinator) Reap(ctx context.Context, staleAfter time.Duration, limit int) (int, error) {
	jobs, err := c.deps.Store.Jobs().ListStaleJobs(ctx, time.Now().Add(-staleAfter), limit)
	if err != nil {
		return 0, err
	}

	completed := 0
	for _, job := range jobs {
		done, err := c.CheckCompletion(ctx, job.ID)
		if err != nil {
			c.log.Warn().Err(err).Str("job_id", job.ID).Msg("completion check failed")
			continue
		}
		if done {
			completed++
			continue
		}
		c.log.Warn().
			Str("job_id", job.ID).
			Int("retrieved", job.ThreadsRetrievedCount).
			Time("updated_at", job.UpdatedAt).
			Msg("backfill job stalled")
	}
	return completed, nil
}
