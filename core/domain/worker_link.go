package domain

import "time"

type Provider string

const (
	ProviderGmail Provider = "gmail"
)

// Link binds an internal account to one external mailbox.
// Only one enabled link per (user, provider) drives sync at a time.
type Link struct {
	ID       string   `json:"id"`
	UserID   string   `json:"user_id"`
	Provider Provider `json:"provider"`
	Email    string   `json:"email"`

	// HistoryID is the provider history cursor. nil until the first full sync completes.
	HistoryID   *uint64 `json:"history_id,omitempty"`
	SyncEnabled bool    `json:"sync_enabled"`

	// OAuth 토큰 (암호화 저장)
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	TokenExpiry  time.Time `json:"token_expiry"`

	DisabledAt *time.Time `json:"disabled_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// CanSync reports whether handlers may do provider work for this link.
func (l *Link) CanSync() bool {
	return l != nil && l.SyncEnabled && l.DisabledAt == nil
}

// HasCursor reports whether a delta sync can start from a stored history id.
func (l *Link) HasCursor() bool {
	return l != nil && l.HistoryID != nil && *l.HistoryID > 0
}

// Cursor returns the stored history id or 0.
func (l *Link) Cursor() uint64 {
	if l == nil || l.HistoryID == nil {
		return 0
	}
	return *l.HistoryID
}
