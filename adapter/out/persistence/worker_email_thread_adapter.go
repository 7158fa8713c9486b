package persistence

import (
	"context"
	"database/sql"
	"time"

	"mailsync/core/domain"

	"github.com/google/uuid"
)

// =============================================================================
// Threads - 메시지 롤업
// =============================================================================

type threadEntity struct {
	ID               string       `db:"id"`
	LinkID           string       `db:"link_id"`
	ProviderThreadID string       `db:"provider_thread_id"`
	Subject          string       `db:"subject"`
	Snippet          string       `db:"snippet"`
	MessageCount     int          `db:"message_count"`
	IsRead           bool         `db:"is_read"`
	IsInbox          bool         `db:"is_inbox"`
	LatestInboundAt  sql.NullTime `db:"latest_inbound_at"`
	LatestOutboundAt sql.NullTime `db:"latest_outbound_at"`
	LatestNonSpamAt  sql.NullTime `db:"latest_non_spam_at"`
	LatestMessageAt  sql.NullTime `db:"latest_message_at"`
	CreatedAt        time.Time    `db:"created_at"`
	UpdatedAt        time.Time    `db:"updated_at"`
}

const threadColumns = `id, link_id, provider_thread_id, subject, snippet, message_count,
	is_read, is_inbox, latest_inbound_at, latest_outbound_at, latest_non_spam_at,
	latest_message_at, created_at, updated_at`

func (e *threadEntity) toDomain() *domain.Thread {
	return &domain.Thread{
		ID:               e.ID,
		LinkID:           e.LinkID,
		ProviderThreadID: e.ProviderThreadID,
		Subject:          e.Subject,
		Snippet:          e.Snippet,
		MessageCount:     e.MessageCount,
		IsRead:           e.IsRead,
		IsInbox:          e.IsInbox,
		LatestInboundAt:  fromNullTime(e.LatestInboundAt),
		LatestOutboundAt: fromNullTime(e.LatestOutboundAt),
		LatestNonSpamAt:  fromNullTime(e.LatestNonSpamAt),
		LatestMessageAt:  fromNullTime(e.LatestMessageAt),
		CreatedAt:        e.CreatedAt.UTC(),
		UpdatedAt:        e.UpdatedAt.UTC(),
	}
}

func (a *MailAdapter) UpsertThread(ctx context.Context, thread *domain.Thread) error {
	ts := now()
	if thread.ID == "" {
		thread.ID = uuid.New().String()
	}
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = ts
	}
	thread.UpdatedAt = ts

	_, err := a.exec(ctx, "upsert thread", `
		INSERT INTO threads (`+threadColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (link_id, provider_thread_id) DO UPDATE SET
			subject = excluded.subject,
			snippet = excluded.snippet,
			message_count = excluded.message_count,
			is_read = excluded.is_read,
			is_inbox = excluded.is_inbox,
			latest_inbound_at = excluded.latest_inbound_at,
			latest_outbound_at = excluded.latest_outbound_at,
			latest_non_spam_at = excluded.latest_non_spam_at,
			latest_message_at = excluded.latest_message_at,
			updated_at = excluded.updated_at`,
		thread.ID, thread.LinkID, thread.ProviderThreadID, thread.Subject, thread.Snippet,
		thread.MessageCount, thread.IsRead, thread.IsInbox,
		toNullableTime(thread.LatestInboundAt), toNullableTime(thread.LatestOutboundAt),
		toNullableTime(thread.LatestNonSpamAt), toNullableTime(thread.LatestMessageAt),
		thread.CreatedAt.UTC(), ts)
	return err
}

func (a *MailAdapter) GetThread(ctx context.Context, linkID, providerThreadID string) (*domain.Thread, error) {
	var e threadEntity
	if err := a.get(ctx, "get thread", &e, `
		SELECT `+threadColumns+` FROM threads WHERE link_id = ? AND provider_thread_id = ?`,
		linkID, providerThreadID); err != nil {
		return nil, err
	}
	return e.toDomain(), nil
}

func (a *MailAdapter) DeleteThread(ctx context.Context, linkID, providerThreadID string) error {
	_, err := a.exec(ctx, "delete thread", `
		DELETE FROM threads WHERE link_id = ? AND provider_thread_id = ?`,
		linkID, providerThreadID)
	return err
}

func (a *MailAdapter) CountThreads(ctx context.Context, linkID string) (int, error) {
	var n int
	err := a.get(ctx, "count threads", &n, `SELECT COUNT(*) FROM threads WHERE link_id = ?`, linkID)
	return n, err
}
