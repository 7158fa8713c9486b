package domain

import "time"

// Gmail system label ids used to derive message flags.
const (
	LabelInbox   = "INBOX"
	LabelUnread  = "UNREAD"
	LabelSent    = "SENT"
	LabelSpam    = "SPAM"
	LabelTrash   = "TRASH"
	LabelDraft   = "DRAFT"
	LabelStarred = "STARRED"
)

// =============================================================================
// Message - canonical message
// =============================================================================

// Message is unique per (LinkID, ProviderMessageID).
type Message struct {
	ID                string    `json:"id"`
	LinkID            string    `json:"link_id"`
	ProviderMessageID string    `json:"provider_message_id"`
	ProviderThreadID  string    `json:"provider_thread_id"`
	Subject           string    `json:"subject"`
	Snippet           string    `json:"snippet"`
	FromAddress       string    `json:"from_address"`
	ToAddresses       []string  `json:"to_addresses,omitempty"`
	LabelIDs          []string  `json:"label_ids,omitempty"`
	IsRead            bool      `json:"is_read"`
	IsInbox           bool      `json:"is_inbox"`
	IsSent            bool      `json:"is_sent"`
	IsSpam            bool      `json:"is_spam"`
	IsDraft           bool      `json:"is_draft"`
	IsStarred         bool      `json:"is_starred"`
	InternalDate      time.Time `json:"internal_date"`
	HistoryID         uint64    `json:"history_id"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// ApplyLabels replaces the label set and re-derives every label-backed flag.
func (m *Message) ApplyLabels(labelIDs []string) {
	m.LabelIDs = append([]string(nil), labelIDs...)
	has := make(map[string]bool, len(labelIDs))
	for _, id := range labelIDs {
		has[id] = true
	}
	m.IsRead = !has[LabelUnread]
	m.IsInbox = has[LabelInbox]
	m.IsSent = has[LabelSent]
	m.IsSpam = has[LabelSpam]
	m.IsDraft = has[LabelDraft]
	m.IsStarred = has[LabelStarred]
}

// IsInbound is true for received mail (neither sent nor draft).
func (m *Message) IsInbound() bool {
	return !m.IsSent && !m.IsDraft
}

// =============================================================================
// Thread - rollup of its messages
// =============================================================================

// Thread is unique per (LinkID, ProviderThreadID). Rollup fields are always
// recomputed from the full message set, never patched.
type Thread struct {
	ID               string     `json:"id"`
	LinkID           string     `json:"link_id"`
	ProviderThreadID string     `json:"provider_thread_id"`
	Subject          string     `json:"subject"`
	Snippet          string     `json:"snippet"`
	MessageCount     int        `json:"message_count"`
	IsRead           bool       `json:"is_read"`
	IsInbox          bool       `json:"is_inbox"`
	LatestInboundAt  *time.Time `json:"latest_inbound_at,omitempty"`
	LatestOutboundAt *time.Time `json:"latest_outbound_at,omitempty"`
	LatestNonSpamAt  *time.Time `json:"latest_non_spam_at,omitempty"`
	LatestMessageAt  *time.Time `json:"latest_message_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Rollup recomputes every derived field from msgs.
// read = AND of message read states, inbox = OR of inbox flags.
func (t *Thread) Rollup(msgs []*Message) {
	t.MessageCount = len(msgs)
	t.IsRead = true
	t.IsInbox = false
	t.LatestInboundAt = nil
	t.LatestOutboundAt = nil
	t.LatestNonSpamAt = nil
	t.LatestMessageAt = nil

	var first, last *Message
	for _, m := range msgs {
		t.IsRead = t.IsRead && m.IsRead
		t.IsInbox = t.IsInbox || m.IsInbox

		at := m.InternalDate
		t.LatestMessageAt = latest(t.LatestMessageAt, at)
		if m.IsSent {
			t.LatestOutboundAt = latest(t.LatestOutboundAt, at)
		}
		if m.IsInbound() {
			t.LatestInboundAt = latest(t.LatestInboundAt, at)
		}
		if !m.IsSpam {
			t.LatestNonSpamAt = latest(t.LatestNonSpamAt, at)
		}

		if first == nil || at.Before(first.InternalDate) {
			first = m
		}
		if last == nil || !at.Before(last.InternalDate) {
			last = m
		}
	}

	if first != nil {
		t.Subject = first.Subject
	}
	if last != nil {
		t.Snippet = last.Snippet
	}
}

func latest(cur *time.Time, at time.Time) *time.Time {
	if at.IsZero() {
		return cur
	}
	if cur == nil || at.After(*cur) {
		v := at
		return &v
	}
	return cur
}
