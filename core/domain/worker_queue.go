package domain

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// QueueMessage - 큐에 발행되는 작업 (tagged union)
// =============================================================================

type QueueKind string

const (
	KindListThreads    QueueKind = "list_threads"
	KindBackfillThread QueueKind = "backfill_thread"
	KindHistorySync    QueueKind = "history_sync"
	KindLabelReconcile QueueKind = "label_reconcile"
	KindDeleteMessage  QueueKind = "delete_message"
)

// QueueBody is implemented only by the variants in this file.
type QueueBody interface {
	Kind() QueueKind
	queueBody()
}

type ListThreads struct {
	NextPageToken string `json:"next_page_token,omitempty"`
}

type BackfillThread struct {
	ThreadProviderID string `json:"thread_provider_id"`
}

type HistorySync struct{}

type LabelReconcile struct{}

type DeleteMessage struct {
	ProviderMessageID string `json:"provider_message_id"`
}

func (ListThreads) Kind() QueueKind    { return KindListThreads }
func (BackfillThread) Kind() QueueKind { return KindBackfillThread }
func (HistorySync) Kind() QueueKind    { return KindHistorySync }
func (LabelReconcile) Kind() QueueKind { return KindLabelReconcile }
func (DeleteMessage) Kind() QueueKind  { return KindDeleteMessage }

func (ListThreads) queueBody()    {}
func (BackfillThread) queueBody() {}
func (HistorySync) queueBody()    {}
func (LabelReconcile) queueBody() {}
func (DeleteMessage) queueBody()  {}

// NewBody returns an empty body for kind, or nil when the kind is unknown.
func NewBody(kind QueueKind) QueueBody {
	switch kind {
	case KindListThreads:
		return &ListThreads{}
	case KindBackfillThread:
		return &BackfillThread{}
	case KindHistorySync:
		return &HistorySync{}
	case KindLabelReconcile:
		return &LabelReconcile{}
	case KindDeleteMessage:
		return &DeleteMessage{}
	}
	return nil
}

type QueueMessage struct {
	ID         string
	LinkID     string
	JobID      string
	Attempt    int
	EnqueuedAt time.Time
	Body       QueueBody
}

func NewQueueMessage(linkID, jobID string, body QueueBody) *QueueMessage {
	return &QueueMessage{
		ID:         uuid.New().String(),
		LinkID:     linkID,
		JobID:      jobID,
		EnqueuedAt: time.Now().UTC(),
		Body:       body,
	}
}

func (m *QueueMessage) Kind() QueueKind {
	if m.Body == nil {
		return ""
	}
	return m.Body.Kind()
}

// DedupeKey identifies the logical unit of work. Backends that support
// publish-side dedupe (JetStream Nats-Msg-Id) use it so a retried enqueue of
// the same page or thread is dropped.
func (m *QueueMessage) DedupeKey() string {
	switch b := m.Body.(type) {
	case *ListThreads:
		return string(KindListThreads) + ":" + m.JobID + ":" + b.NextPageToken
	case ListThreads:
		return string(KindListThreads) + ":" + m.JobID + ":" + b.NextPageToken
	case *BackfillThread:
		return string(KindBackfillThread) + ":" + m.JobID + ":" + b.ThreadProviderID
	case BackfillThread:
		return string(KindBackfillThread) + ":" + m.JobID + ":" + b.ThreadProviderID
	}
	return m.ID
}
