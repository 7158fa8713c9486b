package persistence

import (
	"context"
	"time"

	"mailsync/core/domain"
	"mailsync/core/port/out"

	"github.com/google/uuid"
)

// MailAdapter implements out.MailRepository (messages and thread rollups).
type MailAdapter struct {
	base
}

var _ out.MailRepository = (*MailAdapter)(nil)

// inListChunk keeps IN lists under the SQLite host parameter limit.
const inListChunk = 500

type messageEntity struct {
	ID                string    `db:"id"`
	LinkID            string    `db:"link_id"`
	ProviderMessageID string    `db:"provider_message_id"`
	ProviderThreadID  string    `db:"provider_thread_id"`
	Subject           string    `db:"subject"`
	Snippet           string    `db:"snippet"`
	FromAddress       string    `db:"from_address"`
	ToAddresses       string    `db:"to_addresses"`
	LabelIDs          string    `db:"label_ids"`
	IsRead            bool      `db:"is_read"`
	IsInbox           bool      `db:"is_inbox"`
	IsSent            bool      `db:"is_sent"`
	IsSpam            bool      `db:"is_spam"`
	IsDraft           bool      `db:"is_draft"`
	IsStarred         bool      `db:"is_starred"`
	InternalDate      time.Time `db:"internal_date"`
	HistoryID         int64     `db:"history_id"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

const messageColumns = `id, link_id, provider_message_id, provider_thread_id, subject, snippet,
	from_address, to_addresses, label_ids, is_read, is_inbox, is_sent, is_spam, is_draft,
	is_starred, internal_date, history_id, created_at, updated_at`

func (e *messageEntity) toDomain() *domain.Message {
	return &domain.Message{
		ID:                e.ID,
		LinkID:            e.LinkID,
		ProviderMessageID: e.ProviderMessageID,
		ProviderThreadID:  e.ProviderThreadID,
		Subject:           e.Subject,
		Snippet:           e.Snippet,
		FromAddress:       e.FromAddress,
		ToAddresses:       decodeStrings(e.ToAddresses),
		LabelIDs:          decodeStrings(e.LabelIDs),
		IsRead:            e.IsRead,
		IsInbox:           e.IsInbox,
		IsSent:            e.IsSent,
		IsSpam:            e.IsSpam,
		IsDraft:           e.IsDraft,
		IsStarred:         e.IsStarred,
		InternalDate:      e.InternalDate.UTC(),
		HistoryID:         uint64(e.HistoryID),
		CreatedAt:         e.CreatedAt.UTC(),
		UpdatedAt:         e.UpdatedAt.UTC(),
	}
}

// =============================================================================
// Messages
// =============================================================================

// UpsertMessage is keyed by (link_id, provider_message_id); replaying the same
// message leaves one row.
func (a *MailAdapter) UpsertMessage(ctx context.Context, msg *domain.Message) error {
	ts := now()
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = ts
	}
	msg.UpdatedAt = ts

	_, err := a.exec(ctx, "upsert message", `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (link_id, provider_message_id) DO UPDATE SET
			provider_thread_id = excluded.provider_thread_id,
			subject = excluded.subject,
			snippet = excluded.snippet,
			from_address = excluded.from_address,
			to_addresses = excluded.to_addresses,
			label_ids = excluded.label_ids,
			is_read = excluded.is_read,
			is_inbox = excluded.is_inbox,
			is_sent = excluded.is_sent,
			is_spam = excluded.is_spam,
			is_draft = excluded.is_draft,
			is_starred = excluded.is_starred,
			internal_date = excluded.internal_date,
			history_id = excluded.history_id,
			updated_at = excluded.updated_at`,
		msg.ID, msg.LinkID, msg.ProviderMessageID, msg.ProviderThreadID, msg.Subject, msg.Snippet,
		msg.FromAddress, encodeStrings(msg.ToAddresses), encodeStrings(msg.LabelIDs),
		msg.IsRead, msg.IsInbox, msg.IsSent, msg.IsSpam, msg.IsDraft, msg.IsStarred,
		msg.InternalDate.UTC(), int64(msg.HistoryID), msg.CreatedAt.UTC(), ts)
	return err
}

func (a *MailAdapter) GetMessage(ctx context.Context, linkID, providerMessageID string) (*domain.Message, error) {
	var e messageEntity
	if err := a.get(ctx, "get message", &e, `
		SELECT `+messageColumns+` FROM messages WHERE link_id = ? AND provider_message_id = ?`,
		linkID, providerMessageID); err != nil {
		return nil, err
	}
	return e.toDomain(), nil
}

// GetMessagesByProviderIDs returns the stored messages keyed by provider id;
// unknown ids are absent from the map.
func (a *MailAdapter) GetMessagesByProviderIDs(ctx context.Context, linkID string, providerMessageIDs []string) (map[string]*domain.Message, error) {
	result := make(map[string]*domain.Message, len(providerMessageIDs))
	for _, ids := range chunk(providerMessageIDs, inListChunk) {
		var entities []messageEntity
		if err := a.selIn(ctx, "get messages", &entities, `
			SELECT `+messageColumns+` FROM messages
			WHERE link_id = ? AND provider_message_id IN (?)`,
			linkID, ids); err != nil {
			return nil, err
		}
		for i := range entities {
			m := entities[i].toDomain()
			result[m.ProviderMessageID] = m
		}
	}
	return result, nil
}

func (a *MailAdapter) DeleteMessage(ctx context.Context, linkID, providerMessageID string) (bool, error) {
	n, err := a.execAffected(ctx, "delete message", `
		DELETE FROM messages WHERE link_id = ? AND provider_message_id = ?`,
		linkID, providerMessageID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListThreadMessages returns the thread's messages oldest first.
func (a *MailAdapter) ListThreadMessages(ctx context.Context, linkID, providerThreadID string) ([]*domain.Message, error) {
	var entities []messageEntity
	if err := a.sel(ctx, "list thread messages", &entities, `
		SELECT `+messageColumns+` FROM messages
		WHERE link_id = ? AND provider_thread_id = ?
		ORDER BY internal_date, provider_message_id`,
		linkID, providerThreadID); err != nil {
		return nil, err
	}
	msgs := make([]*domain.Message, 0, len(entities))
	for i := range entities {
		msgs = append(msgs, entities[i].toDomain())
	}
	return msgs, nil
}

func (a *MailAdapter) CountMessages(ctx context.Context, linkID string) (int, error) {
	var n int
	err := a.get(ctx, "count messages", &n, `SELECT COUNT(*) FROM messages WHERE link_id = ?`, linkID)
	return n, err
}
