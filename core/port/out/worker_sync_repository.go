package out

import (
	"context"
	"errors"
	"time"

	"mailsync/core/domain"
)

// Repository errors shared by every store implementation.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// Tx exposes every repository bound to one transaction (or to the pool when
// used outside WithTx).
type Tx interface {
	Links() LinkRepository
	Jobs() BackfillRepository
	Mail() MailRepository
	Labels() LabelRepository
}

// Store is the relational store. fn runs inside a single transaction which is
// committed when fn returns nil and rolled back otherwise; fn's error is
// returned unchanged.
type Store interface {
	Tx
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// LinkRepository - 메일 계정 연결
type LinkRepository interface {
	GetLink(ctx context.Context, id string) (*domain.Link, error)
	// ListSyncable returns enabled links that already have a history cursor.
	ListSyncable(ctx context.Context) ([]*domain.Link, error)
	// CreateLink inserts link and disables any other enabled link of the same
	// (user, provider).
	CreateLink(ctx context.Context, link *domain.Link) error
	UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiry time.Time) error

	// AdvanceCursor is a compare-and-swap on history_id. expected == nil
	// matches a NULL cursor. Returns false when another writer got there first.
	AdvanceCursor(ctx context.Context, id string, expected *uint64, next uint64) (bool, error)
	// SeedCursor sets the cursor only when it is still NULL.
	SeedCursor(ctx context.Context, id string, historyID uint64) (bool, error)

	DisableLink(ctx context.Context, id string) error
	DeleteLink(ctx context.Context, id string) error
}

// BackfillRepository - 백필 작업/배치/진행 상태
type BackfillRepository interface {
	// ==========================================================================
	// Jobs
	// ==========================================================================
	CreateJob(ctx context.Context, job *domain.BackfillJob) error
	GetJob(ctx context.Context, id string) (*domain.BackfillJob, error)
	ListActiveJobs(ctx context.Context, linkID string) ([]*domain.BackfillJob, error)
	ListStaleJobs(ctx context.Context, updatedBefore time.Time, limit int) ([]*domain.BackfillJob, error)
	SetTotal(ctx context.Context, id string, total int) error
	SetStartCursor(ctx context.Context, id string, historyID uint64) error
	// TransitionJob moves the job to `to` only from an allowed source status.
	TransitionJob(ctx context.Context, id string, to domain.BackfillStatus, errMsg string) (bool, error)
	// IncrementRetrieved adds n to threads_retrieved_count, clamped to total_threads.
	IncrementRetrieved(ctx context.Context, id string, n int) error

	// ==========================================================================
	// Batches
	// ==========================================================================
	// InsertBatch returns false when a batch for (job, page token) already exists.
	InsertBatch(ctx context.Context, batch *domain.BackfillBatch) (bool, error)
	GetBatchByToken(ctx context.Context, jobID, pageToken string) (*domain.BackfillBatch, error)
	ListBatches(ctx context.Context, jobID string, status domain.BatchStatus) ([]*domain.BackfillBatch, error)
	UpdateBatchStatus(ctx context.Context, id string, status domain.BatchStatus) error
	// CompleteSettledBatches marks dispatched batches whose threads are all terminal.
	CompleteSettledBatches(ctx context.Context, jobID string) (int64, error)

	// ==========================================================================
	// Thread / message status
	// ==========================================================================
	// InsertThreads adds in_progress rows and returns how many were new;
	// a thread already tracked by the job is not counted again.
	InsertThreads(ctx context.Context, jobID, batchID string, threadIDs []string) (int, error)
	// BeginThread records a processing attempt and returns the current row.
	// A redelivered attempt increments retry_count; terminal rows are returned untouched.
	BeginThread(ctx context.Context, jobID, threadID string) (*domain.BackfillThreadStatus, error)
	FinishThread(ctx context.Context, jobID, threadID string, status domain.ThreadStatus, errMsg string) (bool, error)
	UpsertMessageStatus(ctx context.Context, st *domain.BackfillMessageStatus) error
	CancelThreads(ctx context.Context, jobID string) (int64, error)
	Progress(ctx context.Context, jobID string) (*domain.JobProgress, error)
}

// MailRepository - 정규화된 메시지/스레드
type MailRepository interface {
	UpsertMessage(ctx context.Context, msg *domain.Message) error
	GetMessage(ctx context.Context, linkID, providerMessageID string) (*domain.Message, error)
	GetMessagesByProviderIDs(ctx context.Context, linkID string, providerMessageIDs []string) (map[string]*domain.Message, error)
	DeleteMessage(ctx context.Context, linkID, providerMessageID string) (bool, error)
	ListThreadMessages(ctx context.Context, linkID, providerThreadID string) ([]*domain.Message, error)
	CountMessages(ctx context.Context, linkID string) (int, error)

	UpsertThread(ctx context.Context, thread *domain.Thread) error
	GetThread(ctx context.Context, linkID, providerThreadID string) (*domain.Thread, error)
	DeleteThread(ctx context.Context, linkID, providerThreadID string) error
	CountThreads(ctx context.Context, linkID string) (int, error)
}

// LabelRepository - 라벨
type LabelRepository interface {
	ListLabels(ctx context.Context, linkID string) ([]*domain.Label, error)
	UpsertLabels(ctx context.Context, labels []*domain.Label) error
	DeleteLabels(ctx context.Context, linkID string, providerLabelIDs []string) (int64, error)
}
