package provider

import (
	"net/mail"
	"strings"
	"time"

	"mailsync/core/domain"
	"mailsync/core/port/out"

	"google.golang.org/api/gmail/v1"
)

// =============================================================================
// Gmail API -> provider DTO
// =============================================================================

func convertThreadPage(resp *gmail.ListThreadsResponse) *out.ThreadPage {
	page := &out.ThreadPage{
		NextPageToken:      resp.NextPageToken,
		ResultSizeEstimate: resp.ResultSizeEstimate,
	}
	for _, t := range resp.Threads {
		if t == nil || t.Id == "" {
			continue
		}
		page.Threads = append(page.Threads, out.ProviderThreadRef{
			ID:        t.Id,
			Snippet:   t.Snippet,
			HistoryID: t.HistoryId,
		})
	}
	return page
}

func convertThread(t *gmail.Thread) *out.ProviderThread {
	thread := &out.ProviderThread{
		ID:        t.Id,
		HistoryID: t.HistoryId,
		Messages:  make([]out.ProviderMessage, 0, len(t.Messages)),
	}
	for _, m := range t.Messages {
		if m == nil {
			continue
		}
		msg := convertMessage(m)
		if msg.ThreadID == "" {
			msg.ThreadID = t.Id
		}
		thread.Messages = append(thread.Messages, msg)
	}
	return thread
}

func convertMessage(msg *gmail.Message) out.ProviderMessage {
	result := out.ProviderMessage{
		ID:        msg.Id,
		ThreadID:  msg.ThreadId,
		Snippet:   msg.Snippet,
		LabelIDs:  msg.LabelIds,
		HistoryID: msg.HistoryId,
	}
	if msg.InternalDate > 0 {
		result.InternalDate = time.UnixMilli(msg.InternalDate).UTC()
	}

	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			switch strings.ToLower(h.Name) {
			case "subject":
				result.Subject = h.Value
			case "from":
				result.From = parseEmailAddress(h.Value)
			case "to":
				result.To = append(result.To, parseEmailAddresses(h.Value)...)
			}
		}
	}
	return result
}

func convertLabel(l *gmail.Label) out.ProviderLabel {
	label := out.ProviderLabel{
		ID:                    l.Id,
		Name:                  l.Name,
		Type:                  l.Type,
		LabelListVisibility:   l.LabelListVisibility,
		MessageListVisibility: l.MessageListVisibility,
	}
	if l.Color != nil {
		label.TextColor = l.Color.TextColor
		label.BackgroundColor = l.Color.BackgroundColor
	}
	return label
}

// convertHistory flattens history records in arrival order.
func convertHistory(resp *gmail.ListHistoryResponse) *out.HistoryPage {
	page := &out.HistoryPage{
		HistoryID:     resp.HistoryId,
		NextPageToken: resp.NextPageToken,
	}

	add := func(typ domain.ChangeType, historyID uint64, m *gmail.Message, labels []string) {
		if m == nil || m.Id == "" {
			return
		}
		if labels == nil {
			labels = m.LabelIds
		}
		page.Changes = append(page.Changes, domain.HistoryChange{
			Type:      typ,
			HistoryID: historyID,
			MessageID: m.Id,
			ThreadID:  m.ThreadId,
			LabelIDs:  labels,
		})
	}

	for _, h := range resp.History {
		if h == nil {
			continue
		}
		for _, r := range h.MessagesAdded {
			add(domain.ChangeTypeAdded, h.Id, r.Message, nil)
		}
		for _, r := range h.MessagesDeleted {
			add(domain.ChangeTypeDeleted, h.Id, r.Message, []string{})
		}
		for _, r := range h.LabelsAdded {
			add(domain.ChangeTypeLabelAdded, h.Id, r.Message, orEmpty(r.LabelIds))
		}
		for _, r := range h.LabelsRemoved {
			add(domain.ChangeTypeLabelRemoved, h.Id, r.Message, orEmpty(r.LabelIds))
		}
	}
	return page
}

func orEmpty(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func parseEmailAddress(s string) string {
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return strings.TrimSpace(s)
	}
	return addr.Address
}

func parseEmailAddresses(s string) []string {
	list, err := mail.ParseAddressList(s)
	if err != nil {
		if s = strings.TrimSpace(s); s != "" {
			return []string{s}
		}
		return nil
	}

	result := make([]string, len(list))
	for i, addr := range list {
		result[i] = addr.Address
	}
	return result
}
