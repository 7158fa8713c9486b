package domain

import "time"

// =============================================================================
// BackfillJob - 전체 메일함 백필 작업
// =============================================================================

type BackfillStatus string

const (
	BackfillStatusInit       BackfillStatus = "init"
	BackfillStatusInProgress BackfillStatus = "in_progress"
	BackfillStatusComplete   BackfillStatus = "complete"
	BackfillStatusCancelled  BackfillStatus = "cancelled"
	BackfillStatusFailed     BackfillStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s BackfillStatus) IsTerminal() bool {
	switch s {
	case BackfillStatusComplete, BackfillStatusCancelled, BackfillStatusFailed:
		return true
	}
	return false
}

// CanTransitionTo enforces init -> in_progress -> {complete|failed|cancelled},
// with cancelled reachable from any non-terminal state.
func (s BackfillStatus) CanTransitionTo(to BackfillStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch to {
	case BackfillStatusInProgress:
		return s == BackfillStatusInit
	case BackfillStatusComplete:
		return s == BackfillStatusInProgress
	case BackfillStatusFailed, BackfillStatusCancelled:
		return true
	}
	return false
}

// TransitionSources lists the states a job may be in before moving to `to`.
// Persistence uses it to guard UPDATE statements.
func TransitionSources(to BackfillStatus) []BackfillStatus {
	var sources []BackfillStatus
	for _, from := range []BackfillStatus{BackfillStatusInit, BackfillStatusInProgress} {
		if from.CanTransitionTo(to) {
			sources = append(sources, from)
		}
	}
	return sources
}

type BackfillJob struct {
	ID             string `json:"id"`
	LinkID         string `json:"link_id"`
	RequestedLimit *int   `json:"requested_limit,omitempty"`

	// TotalThreads is computed once: min(requested limit, provider total).
	TotalThreads          *int           `json:"total_threads,omitempty"`
	ThreadsRetrievedCount int            `json:"threads_retrieved_count"`
	Status                BackfillStatus `json:"status"`
	ErrorMessage          string         `json:"error_message,omitempty"`

	// StartHistoryID is the mailbox history id observed when the job started.
	// It seeds the link cursor on completion so changes made during the
	// backfill are replayed by the delta syncer.
	StartHistoryID *uint64 `json:"start_history_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Remaining returns how many threads are still to be listed, or -1 when the total is unknown.
func (j *BackfillJob) Remaining() int {
	if j.TotalThreads == nil {
		return -1
	}
	rem := *j.TotalThreads - j.ThreadsRetrievedCount
	if rem < 0 {
		return 0
	}
	return rem
}

// ListingDone reports whether the lister already retrieved the whole target.
func (j *BackfillJob) ListingDone() bool {
	return j.TotalThreads != nil && j.ThreadsRetrievedCount >= *j.TotalThreads
}

// ComputeTotal returns min(limit, providerTotal), or providerTotal without a limit.
func ComputeTotal(limit *int, providerTotal int) int {
	if providerTotal < 0 {
		providerTotal = 0
	}
	if limit != nil && *limit >= 0 && *limit < providerTotal {
		return *limit
	}
	return providerTotal
}

// =============================================================================
// BackfillBatch - Thread Lister 한 페이지 단위
// =============================================================================

type BatchStatus string

const (
	BatchStatusQueued     BatchStatus = "queued"
	BatchStatusDispatched BatchStatus = "dispatched"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusCancelled  BatchStatus = "cancelled"
)

type BackfillBatch struct {
	ID            string      `json:"id"`
	JobID         string      `json:"job_id"`
	PageToken     string      `json:"page_token"`
	NextPageToken string      `json:"next_page_token,omitempty"`
	ThreadIDs     []string    `json:"thread_ids"`
	TotalThreads  int         `json:"total_threads"`
	Status        BatchStatus `json:"status"`
	QueuedAt      time.Time   `json:"queued_at"`
	StartedAt     *time.Time  `json:"started_at,omitempty"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
}

// =============================================================================
// Per-thread / per-message progress markers
// =============================================================================

type ThreadStatus string

const (
	ThreadStatusInProgress ThreadStatus = "in_progress"
	ThreadStatusSkipped    ThreadStatus = "skipped"
	ThreadStatusCompleted  ThreadStatus = "completed"
	ThreadStatusFailed     ThreadStatus = "failed"
	ThreadStatusCancelled  ThreadStatus = "cancelled"
)

func (s ThreadStatus) IsTerminal() bool {
	return s != ThreadStatusInProgress && s != ""
}

type MessageStatus string

const (
	MessageStatusInProgress MessageStatus = "in_progress"
	MessageStatusCompleted  MessageStatus = "completed"
	MessageStatusFailed     MessageStatus = "failed"
	MessageStatusCancelled  MessageStatus = "cancelled"
)

type BackfillThreadStatus struct {
	JobID            string       `json:"job_id"`
	ThreadProviderID string       `json:"thread_provider_id"`
	BatchID          string       `json:"batch_id,omitempty"`
	Status           ThreadStatus `json:"status"`
	RetryCount       int          `json:"retry_count"`
	ErrorMessage     string       `json:"error_message,omitempty"`
	StartedAt        *time.Time   `json:"started_at,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// BackfillMessageStatus is unique per (job, thread, message).
type BackfillMessageStatus struct {
	JobID             string        `json:"job_id"`
	ThreadProviderID  string        `json:"thread_provider_id"`
	MessageProviderID string        `json:"message_provider_id"`
	Status            MessageStatus `json:"status"`
	RetryCount        int           `json:"retry_count"`
	ErrorMessage      string        `json:"error_message,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// JobProgress is the joint view used for completion detection.
type JobProgress struct {
	TotalThreads   *int
	Retrieved      int
	ThreadRows     int
	PendingThreads int
	CompletedRows  int
	SkippedRows    int
	FailedRows     int
	CancelledRows  int
}

// Complete reports whether the counter reached the target and every dispatched
// thread reached a terminal status. Matching counters alone are not enough.
func (p JobProgress) Complete() bool {
	if p.TotalThreads == nil {
		return false
	}
	if p.Retrieved != *p.TotalThreads {
		return false
	}
	return p.PendingThreads == 0 && p.ThreadRows >= *p.TotalThreads
}
