package domain

import "time"

type LabelType string

const (
	LabelTypeSystem LabelType = "system"
	LabelTypeUser   LabelType = "user"
)

// Label is unique per (LinkID, ProviderLabelID). ID is generated locally on insert.
type Label struct {
	ID                    string    `json:"id"`
	LinkID                string    `json:"link_id"`
	ProviderLabelID       string    `json:"provider_label_id"`
	Name                  string    `json:"name"`
	Type                  LabelType `json:"type"`
	LabelListVisibility   string    `json:"label_list_visibility,omitempty"`
	MessageListVisibility string    `json:"message_list_visibility,omitempty"`
	ColorText             string    `json:"color_text,omitempty"`
	ColorBackground       string    `json:"color_background,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// SameAs compares the provider-owned fields. IDs and timestamps are ignored.
func (l *Label) SameAs(o *Label) bool {
	return l.Name == o.Name &&
		l.Type == o.Type &&
		l.LabelListVisibility == o.LabelListVisibility &&
		l.MessageListVisibility == o.MessageListVisibility &&
		l.ColorText == o.ColorText &&
		l.ColorBackground == o.ColorBackground
}
