package mailsync

import (
	"sort"

	"mailsync/core/domain"
	"mailsync/core/port/out"

	"github.com/google/uuid"
)

// =============================================================================
// Canonical Mapper - provider DTO -> domain
// =============================================================================

// MapMessage converts a provider message. The local id is generated here and
// kept by the upsert only when the row is new.
func MapMessage(linkID string, m *out.ProviderMessage) *domain.Message {
	msg := &domain.Message{
		ID:                uuid.New().String(),
		LinkID:            linkID,
		ProviderMessageID: m.ID,
		ProviderThreadID:  m.ThreadID,
		Subject:           m.Subject,
		Snippet:           m.Snippet,
		FromAddress:       m.From,
		ToAddresses:       append([]string(nil), m.To...),
		InternalDate:      m.InternalDate.UTC(),
		HistoryID:         m.HistoryID,
	}
	msg.ApplyLabels(sortedCopy(m.LabelIDs))
	return msg
}

// MapThread maps every message of a thread, filling the thread id when the
// provider omitted it on a message.
func MapThread(linkID string, t *out.ProviderThread) []*domain.Message {
	msgs := make([]*domain.Message, 0, len(t.Messages))
	for i := range t.Messages {
		m := MapMessage(linkID, &t.Messages[i])
		if m.ProviderThreadID == "" {
			m.ProviderThreadID = t.ID
		}
		msgs = append(msgs, m)
	}
	return msgs
}

func MapLabel(linkID string, l *out.ProviderLabel) *domain.Label {
	typ := domain.LabelTypeUser
	if l.Type == string(domain.LabelTypeSystem) {
		typ = domain.LabelTypeSystem
	}
	return &domain.Label{
		ID:                    uuid.New().String(),
		LinkID:                linkID,
		ProviderLabelID:       l.ID,
		Name:                  l.Name,
		Type:                  typ,
		LabelListVisibility:   l.LabelListVisibility,
		MessageListVisibility: l.MessageListVisibility,
		ColorText:             l.TextColor,
		ColorBackground:       l.BackgroundColor,
	}
}

// RollupThread recomputes the thread row for msgs. It returns nil when the
// thread has no messages left and the row should be deleted.
func RollupThread(linkID, providerThreadID string, existing *domain.Thread, msgs []*domain.Message) *domain.Thread {
	if len(msgs) == 0 {
		return nil
	}
	t := existing
	if t == nil {
		t = &domain.Thread{
			ID:               uuid.New().String(),
			LinkID:           linkID,
			ProviderThreadID: providerThreadID,
		}
	}
	t.Rollup(msgs)
	return t
}

func sortedCopy(ids []string) []string {
	if len(ids) == 0 {
		return []string{}
	}
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}
