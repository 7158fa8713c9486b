package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"mailsync/core/domain"
	"mailsync/core/port/out"

	"github.com/google/uuid"
)

// BackfillAdapter implements out.BackfillRepository.
type BackfillAdapter struct {
	base
}

var _ out.BackfillRepository = (*BackfillAdapter)(nil)

// =============================================================================
// Entities
// =============================================================================

type backfillJobEntity struct {
	ID                    string        `db:"id"`
	LinkID                string        `db:"link_id"`
	RequestedLimit        sql.NullInt64 `db:"requested_limit"`
	TotalThreads          sql.NullInt64 `db:"total_threads"`
	ThreadsRetrievedCount int           `db:"threads_retrieved_count"`
	StartHistoryID        sql.NullInt64 `db:"start_history_id"`
	Status                string        `db:"status"`
	ErrorMessage          string        `db:"error_message"`
	CreatedAt             time.Time     `db:"created_at"`
	StartedAt             sql.NullTime  `db:"started_at"`
	CompletedAt           sql.NullTime  `db:"completed_at"`
	UpdatedAt             time.Time     `db:"updated_at"`
}

const jobColumns = `id, link_id, requested_limit, total_threads, threads_retrieved_count,
	start_history_id, status, error_message, created_at, started_at, completed_at, updated_at`

func (e *backfillJobEntity) toDomain() *domain.BackfillJob {
	return &domain.BackfillJob{
		ID:                    e.ID,
		LinkID:                e.LinkID,
		RequestedLimit:        fromNullInt(e.RequestedLimit),
		TotalThreads:          fromNullInt(e.TotalThreads),
		ThreadsRetrievedCount: e.ThreadsRetrievedCount,
		StartHistoryID:        fromNullUint(e.StartHistoryID),
		Status:                domain.BackfillStatus(e.Status),
		ErrorMessage:          e.ErrorMessage,
		CreatedAt:             e.CreatedAt.UTC(),
		StartedAt:             fromNullTime(e.StartedAt),
		CompletedAt:           fromNullTime(e.CompletedAt),
		UpdatedAt:             e.UpdatedAt.UTC(),
	}
}

type backfillBatchEntity struct {
	ID            string       `db:"id"`
	JobID         string       `db:"job_id"`
	PageToken     string       `db:"page_token"`
	NextPageToken string       `db:"next_page_token"`
	ThreadIDs     string       `db:"thread_ids"`
	TotalThreads  int          `db:"total_threads"`
	Status        string       `db:"status"`
	QueuedAt      time.Time    `db:"queued_at"`
	StartedAt     sql.NullTime `db:"started_at"`
	CompletedAt   sql.NullTime `db:"completed_at"`
}

const batchColumns = `id, job_id, page_token, next_page_token, thread_ids, total_threads,
	status, queued_at, started_at, completed_at`

func (e *backfillBatchEntity) toDomain() *domain.BackfillBatch {
	return &domain.BackfillBatch{
		ID:            e.ID,
		JobID:         e.JobID,
		PageToken:     e.PageToken,
		NextPageToken: e.NextPageToken,
		ThreadIDs:     decodeStrings(e.ThreadIDs),
		TotalThreads:  e.TotalThreads,
		Status:        domain.BatchStatus(e.Status),
		QueuedAt:      e.QueuedAt.UTC(),
		StartedAt:     fromNullTime(e.StartedAt),
		CompletedAt:   fromNullTime(e.CompletedAt),
	}
}

type threadStatusEntity struct {
	JobID            string       `db:"job_id"`
	ThreadProviderID string       `db:"thread_provider_id"`
	BatchID          string       `db:"batch_id"`
	Status           string       `db:"status"`
	RetryCount       int          `db:"retry_count"`
	ErrorMessage     string       `db:"error_message"`
	StartedAt        sql.NullTime `db:"started_at"`
	CreatedAt        time.Time    `db:"created_at"`
	UpdatedAt        time.Time    `db:"updated_at"`
}

const threadStatusColumns = `job_id, thread_provider_id, batch_id, status, retry_count,
	error_message, started_at, created_at, updated_at`

func (e *threadStatusEntity) toDomain() *domain.BackfillThreadStatus {
	return &domain.BackfillThreadStatus{
		JobID:            e.JobID,
		ThreadProviderID: e.ThreadProviderID,
		BatchID:          e.BatchID,
		Status:           domain.ThreadStatus(e.Status),
		RetryCount:       e.RetryCount,
		ErrorMessage:     e.ErrorMessage,
		StartedAt:        fromNullTime(e.StartedAt),
		CreatedAt:        e.CreatedAt.UTC(),
		UpdatedAt:        e.UpdatedAt.UTC(),
	}
}

// =============================================================================
// Jobs
// =============================================================================

func (a *BackfillAdapter) CreateJob(ctx context.Context, job *domain.BackfillJob) error {
	ts := now()
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = domain.BackfillStatusInit
	}
	job.CreatedAt, job.UpdatedAt = ts, ts

	_, err := a.exec(ctx, "create backfill job", `
		INSERT INTO backfill_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.LinkID, toNullableInt(job.RequestedLimit), toNullableInt(job.TotalThreads),
		job.ThreadsRetrievedCount, toNullableUint(job.StartHistoryID), string(job.Status), job.ErrorMessage,
		ts, toNullableTime(job.StartedAt), toNullableTime(job.CompletedAt), ts)
	return err
}

func (a *BackfillAdapter) GetJob(ctx context.Context, id string) (*domain.BackfillJob, error) {
	var e backfillJobEntity
	if err := a.get(ctx, "get backfill job", &e, `SELECT `+jobColumns+` FROM backfill_jobs WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return e.toDomain(), nil
}

func (a *BackfillAdapter) ListActiveJobs(ctx context.Context, linkID string) ([]*domain.BackfillJob, error) {
	return a.listJobs(ctx, "list active jobs", `
		SELECT `+jobColumns+` FROM backfill_jobs
		WHERE link_id = ? AND status IN (?, ?)
		ORDER BY created_at`,
		linkID, string(domain.BackfillStatusInit), string(domain.BackfillStatusInProgress))
}

// ListStaleJobs returns in_progress jobs untouched since updatedBefore.
func (a *BackfillAdapter) ListStaleJobs(ctx context.Context, updatedBefore time.Time, limit int) ([]*domain.BackfillJob, error) {
	if limit <= 0 {
		limit = 100
	}
	return a.listJobs(ctx, "list stale jobs", `
		SELECT `+jobColumns+` FROM backfill_jobs
		WHERE status = ? AND updated_at < ?
		ORDER BY updated_at
		LIMIT ?`,
		string(domain.BackfillStatusInProgress), updatedBefore.UTC(), limit)
}

func (a *BackfillAdapter) listJobs(ctx context.Context, op, query string, args ...any) ([]*domain.BackfillJob, error) {
	var entities []backfillJobEntity
	if err := a.sel(ctx, op, &entities, query, args...); err != nil {
		return nil, err
	}
	jobs := make([]*domain.BackfillJob, 0, len(entities))
	for i := range entities {
		jobs = append(jobs, entities[i].toDomain())
	}
	return jobs, nil
}

func (a *BackfillAdapter) SetTotal(ctx context.Context, id string, total int) error {
	n, err := a.execAffected(ctx, "set job total", `
		UPDATE backfill_jobs SET total_threads = ?, updated_at = ? WHERE id = ?`,
		total, now(), id)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStartCursor records the history id seen when the job started.
func (a *BackfillAdapter) SetStartCursor(ctx context.Context, id string, historyID uint64) error {
	n, err := a.execAffected(ctx, "set job start cursor", `
		UPDATE backfill_jobs SET start_history_id = ?, updated_at = ? WHERE id = ?`,
		int64(historyID), now(), id)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionJob guards the UPDATE with the allowed source states so a
// terminal job is never reopened.
func (a *BackfillAdapter) TransitionJob(ctx context.Context, id string, to domain.BackfillStatus, errMsg string) (bool, error) {
	sources := domain.TransitionSources(to)
	if len(sources) == 0 {
		return false, nil
	}
	from := make([]string, len(sources))
	for i, s := range sources {
		from[i] = string(s)
	}

	ts := now()
	set := []string{"status = ?", "updated_at = ?"}
	args := []any{string(to), ts}
	if to == domain.BackfillStatusInProgress {
		set = append(set, "started_at = ?")
		args = append(args, ts)
	}
	if to.IsTerminal() {
		set = append(set, "completed_at = ?")
		args = append(args, ts)
	}
	if errMsg != "" {
		set = append(set, "error_message = ?")
		args = append(args, errMsg)
	}
	args = append(args, id, from)

	n, err := a.execIn(ctx, "transition job",
		`UPDATE backfill_jobs SET `+strings.Join(set, ", ")+` WHERE id = ? AND status IN (?)`,
		args...)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (a *BackfillAdapter) IncrementRetrieved(ctx context.Context, id string, n int) error {
	if n <= 0 {
		return nil
	}
	_, err := a.exec(ctx, "increment retrieved", `
		UPDATE backfill_jobs SET
			threads_retrieved_count = CASE
				WHEN total_threads IS NOT NULL AND threads_retrieved_count + ? > total_threads THEN total_threads
				ELSE threads_retrieved_count + ?
			END,
			updated_at = ?
		WHERE id = ?`,
		n, n, now(), id)
	return err
}

// =============================================================================
// Batches
// =============================================================================

func (a *BackfillAdapter) InsertBatch(ctx context.Context, batch *domain.BackfillBatch) (bool, error) {
	if batch.ID == "" {
		batch.ID = uuid.New().String()
	}
	if batch.Status == "" {
		batch.Status = domain.BatchStatusQueued
	}
	if batch.QueuedAt.IsZero() {
		batch.QueuedAt = now()
	}
	batch.TotalThreads = len(batch.ThreadIDs)

	n, err := a.execAffected(ctx, "insert batch", `
		INSERT INTO backfill_batches (`+batchColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id, page_token) DO NOTHING`,
		batch.ID, batch.JobID, batch.PageToken, batch.NextPageToken, encodeStrings(batch.ThreadIDs),
		batch.TotalThreads, string(batch.Status), batch.QueuedAt.UTC(),
		toNullableTime(batch.StartedAt), toNullableTime(batch.CompletedAt))
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (a *BackfillAdapter) GetBatchByToken(ctx context.Context, jobID, pageToken string) (*domain.BackfillBatch, error) {
	var e backfillBatchEntity
	if err := a.get(ctx, "get batch", &e, `
		SELECT `+batchColumns+` FROM backfill_batches WHERE job_id = ? AND page_token = ?`,
		jobID, pageToken); err != nil {
		return nil, err
	}
	return e.toDomain(), nil
}

// ListBatches returns the job's batches in queue order; an empty status lists all.
func (a *BackfillAdapter) ListBatches(ctx context.Context, jobID string, status domain.BatchStatus) ([]*domain.BackfillBatch, error) {
	query := `SELECT ` + batchColumns + ` FROM backfill_batches WHERE job_id = ?`
	args := []any{jobID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY queued_at, id`

	var entities []backfillBatchEntity
	if err := a.sel(ctx, "list batches", &entities, query, args...); err != nil {
		return nil, err
	}
	batches := make([]*domain.BackfillBatch, 0, len(entities))
	for i := range entities {
		batches = append(batches, entities[i].toDomain())
	}
	return batches, nil
}

func (a *BackfillAdapter) UpdateBatchStatus(ctx context.Context, id string, status domain.BatchStatus) error {
	ts := now()
	var query string
	switch status {
	case domain.BatchStatusDispatched:
		query = `UPDATE backfill_batches SET status = ?, started_at = COALESCE(started_at, ?) WHERE id = ?`
	case domain.BatchStatusCompleted, domain.BatchStatusCancelled:
		query = `UPDATE backfill_batches SET status = ?, completed_at = ? WHERE id = ?`
	default:
		_, err := a.exec(ctx, "update batch status", `UPDATE backfill_batches SET status = ? WHERE id = ?`, string(status), id)
		return err
	}
	_, err := a.exec(ctx, "update batch status", query, string(status), ts, id)
	return err
}

func (a *BackfillAdapter) CompleteSettledBatches(ctx context.Context, jobID string) (int64, error) {
	return a.execAffected(ctx, "complete settled batches", `
		UPDATE backfill_batches SET status = ?, completed_at = ?
		WHERE job_id = ? AND status = ?
		AND NOT EXISTS (
			SELECT 1 FROM backfill_thread_statuses t
			WHERE t.job_id = backfill_batches.job_id
			AND t.batch_id = backfill_batches.id
			AND t.status = ?
		)`,
		string(domain.BatchStatusCompleted), now(), jobID,
		string(domain.BatchStatusDispatched), string(domain.ThreadStatusInProgress))
}

// =============================================================================
// Thread / message status
// =============================================================================

func (a *BackfillAdapter) InsertThreads(ctx context.Context, jobID, batchID string, threadIDs []string) (int, error) {
	ts := now()
	inserted := 0
	for _, id := range threadIDs {
		n, err := a.execAffected(ctx, "insert thread status", `
			INSERT INTO backfill_thread_statuses (job_id, thread_provider_id, batch_id, status, retry_count, created_at, updated_at)
			VALUES (?, ?, ?, ?, 0, ?, ?)
			ON CONFLICT (job_id, thread_provider_id) DO NOTHING`,
			jobID, id, batchID, string(domain.ThreadStatusInProgress), ts, ts)
		if err != nil {
			return inserted, err
		}
		inserted += int(n)
	}
	return inserted, nil
}

// BeginThread upserts the row and bumps retry_count when a previous attempt
// already started it. Terminal rows are only read.
func (a *BackfillAdapter) BeginThread(ctx context.Context, jobID, threadID string) (*domain.BackfillThreadStatus, error) {
	ts := now()
	if _, err := a.exec(ctx, "begin thread", `
		INSERT INTO backfill_thread_statuses (job_id, thread_provider_id, batch_id, status, retry_count, created_at, updated_at)
		VALUES (?, ?, '', ?, 0, ?, ?)
		ON CONFLICT (job_id, thread_provider_id) DO NOTHING`,
		jobID, threadID, string(domain.ThreadStatusInProgress), ts, ts); err != nil {
		return nil, err
	}

	if _, err := a.exec(ctx, "begin thread", `
		UPDATE backfill_thread_statuses SET
			retry_count = retry_count + CASE WHEN started_at IS NULL THEN 0 ELSE 1 END,
			started_at = ?, updated_at = ?
		WHERE job_id = ? AND thread_provider_id = ? AND status = ?`,
		ts, ts, jobID, threadID, string(domain.ThreadStatusInProgress)); err != nil {
		return nil, err
	}

	var e threadStatusEntity
	if err := a.get(ctx, "begin thread", &e, `
		SELECT `+threadStatusColumns+` FROM backfill_thread_statuses
		WHERE job_id = ? AND thread_provider_id = ?`,
		jobID, threadID); err != nil {
		return nil, err
	}
	return e.toDomain(), nil
}

// FinishThread moves an in_progress row to a terminal status. Returns false
// when the row was already terminal.
func (a *BackfillAdapter) FinishThread(ctx context.Context, jobID, threadID string, status domain.ThreadStatus, errMsg string) (bool, error) {
	n, err := a.execAffected(ctx, "finish thread", `
		UPDATE backfill_thread_statuses SET status = ?, error_message = ?, updated_at = ?
		WHERE job_id = ? AND thread_provider_id = ? AND status = ?`,
		string(status), errMsg, now(), jobID, threadID, string(domain.ThreadStatusInProgress))
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (a *BackfillAdapter) UpsertMessageStatus(ctx context.Context, st *domain.BackfillMessageStatus) error {
	ts := now()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = ts
	}
	st.UpdatedAt = ts

	_, err := a.exec(ctx, "upsert message status", `
		INSERT INTO backfill_message_statuses
			(job_id, thread_provider_id, message_provider_id, status, retry_count, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id, thread_provider_id, message_provider_id) DO UPDATE SET
			status = excluded.status,
			error_message = excluded.error_message,
			retry_count = backfill_message_statuses.retry_count + 1,
			updated_at = excluded.updated_at`,
		st.JobID, st.ThreadProviderID, st.MessageProviderID, string(st.Status), st.RetryCount,
		st.ErrorMessage, st.CreatedAt.UTC(), ts)
	return err
}

// CancelThreads marks every still-running thread of the job cancelled.
func (a *BackfillAdapter) CancelThreads(ctx context.Context, jobID string) (int64, error) {
	n, err := a.execAffected(ctx, "cancel threads", `
		UPDATE backfill_thread_statuses SET status = ?, updated_at = ?
		WHERE job_id = ? AND status = ?`,
		string(domain.ThreadStatusCancelled), now(), jobID, string(domain.ThreadStatusInProgress))
	if err != nil {
		return 0, err
	}
	if _, err := a.exec(ctx, "cancel batches", `
		UPDATE backfill_batches SET status = ?, completed_at = ?
		WHERE job_id = ? AND status IN (?, ?)`,
		string(domain.BatchStatusCancelled), now(), jobID,
		string(domain.BatchStatusQueued), string(domain.BatchStatusDispatched)); err != nil {
		return n, err
	}
	return n, nil
}

type progressRow struct {
	ThreadRows int `db:"thread_rows"`
	Pending    int `db:"pending"`
	Completed  int `db:"completed"`
	Skipped    int `db:"skipped"`
	Failed     int `db:"failed"`
	Cancelled  int `db:"cancelled"`
}

// Progress reads the job counters and the thread status aggregate in one call.
func (a *BackfillAdapter) Progress(ctx context.Context, jobID string) (*domain.JobProgress, error) {
	job, err := a.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	var row progressRow
	if err := a.get(ctx, "job progress", &row, `
		SELECT
			COUNT(*) AS thread_rows,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS pending,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS completed,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS skipped,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS cancelled
		FROM backfill_thread_statuses
		WHERE job_id = ?`,
		string(domain.ThreadStatusInProgress), string(domain.ThreadStatusCompleted),
		string(domain.ThreadStatusSkipped), string(domain.ThreadStatusFailed),
		string(domain.ThreadStatusCancelled), jobID); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	return &domain.JobProgress{
		TotalThreads:   job.TotalThreads,
		Retrieved:      job.ThreadsRetrievedCount,
		ThreadRows:     row.ThreadRows,
		PendingThreads: row.Pending,
		CompletedRows:  row.Completed,
		SkippedRows:    row.Skipped,
		FailedRows:     row.Failed,
		CancelledRows:  row.Cancelled,
	}, nil
}
