package domain

import "sort"

// =============================================================================
// HistoryChange - Gmail History API 변경사항
// =============================================================================

type ChangeType string

const (
	ChangeTypeAdded        ChangeType = "messageAdded"
	ChangeTypeDeleted      ChangeType = "messageDeleted"
	ChangeTypeLabelAdded   ChangeType = "labelAdded"
	ChangeTypeLabelRemoved ChangeType = "labelRemoved"
)

// HistoryChange is one flattened history record entry. Records arrive in
// ascending HistoryID order.
type HistoryChange struct {
	Type      ChangeType `json:"type"`
	HistoryID uint64     `json:"history_id"`
	MessageID string     `json:"message_id"`
	ThreadID  string     `json:"thread_id,omitempty"`
	// LabelIDs is the message label set for added records, or the labels
	// added/removed for label records.
	LabelIDs []string `json:"label_ids,omitempty"`
}

// =============================================================================
// HistoryDelta - 메시지별로 접은 변경사항
// =============================================================================

// MessageDelta is the net effect of every change seen for one message.
type MessageDelta struct {
	MessageID string
	ThreadID  string
	Deleted   bool
	// NeedsFetch is set when the message was added inside the window and its
	// content must be fetched before it can be stored.
	NeedsFetch bool
	// LabelChanges maps label id -> present after the window.
	LabelChanges map[string]bool
	HistoryID    uint64
}

// ApplyTo returns current with the folded label changes applied, sorted.
func (d *MessageDelta) ApplyTo(current []string) []string {
	set := make(map[string]bool, len(current)+len(d.LabelChanges))
	for _, id := range current {
		set[id] = true
	}
	for id, present := range d.LabelChanges {
		if present {
			set[id] = true
		} else {
			delete(set, id)
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

type HistoryDelta struct {
	Messages map[string]*MessageDelta
	// Order keeps first-seen order so applying the delta is deterministic.
	Order        []string
	MaxHistoryID uint64
}

// FoldHistory folds changes into one delta per message: deletes supersede
// everything else, label add/remove is last-writer-wins per label.
func FoldHistory(changes []HistoryChange) *HistoryDelta {
	delta := &HistoryDelta{Messages: make(map[string]*MessageDelta)}

	for _, c := range changes {
		if c.HistoryID > delta.MaxHistoryID {
			delta.MaxHistoryID = c.HistoryID
		}
		if c.MessageID == "" {
			continue
		}

		md, ok := delta.Messages[c.MessageID]
		if !ok {
			md = &MessageDelta{MessageID: c.MessageID, LabelChanges: make(map[string]bool)}
			delta.Messages[c.MessageID] = md
			delta.Order = append(delta.Order, c.MessageID)
		}
		if c.ThreadID != "" {
			md.ThreadID = c.ThreadID
		}
		if c.HistoryID > md.HistoryID {
			md.HistoryID = c.HistoryID
		}
		if md.Deleted {
			continue
		}

		switch c.Type {
		case ChangeTypeDeleted:
			md.Deleted = true
			md.NeedsFetch = false
			md.LabelChanges = make(map[string]bool)
		case ChangeTypeAdded:
			// 새 메시지는 fetch 결과가 최종 상태
			md.NeedsFetch = true
			md.LabelChanges = make(map[string]bool)
		case ChangeTypeLabelAdded:
			for _, id := range c.LabelIDs {
				md.LabelChanges[id] = true
			}
		case ChangeTypeLabelRemoved:
			for _, id := range c.LabelIDs {
				md.LabelChanges[id] = false
			}
		}
	}
	return delta
}

// ReferencedLabels returns every label id touched by a label change.
func (d *HistoryDelta) ReferencedLabels() []string {
	seen := make(map[string]bool)
	var out []string
	for _, id := range d.Order {
		for label := range d.Messages[id].LabelChanges {
			if !seen[label] {
				seen[label] = true
				out = append(out, label)
			}
		}
	}
	sort.Strings(out)
	return out
}
