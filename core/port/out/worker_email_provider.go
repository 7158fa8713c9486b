// Package out defines outbound ports (driven ports) for the application.
package out

import (
	"context"
	"errors"
	"time"

	"mailsync/core/domain"

	"golang.org/x/oauth2"
)

// =============================================================================
// Mail Provider Port (Gmail)
// =============================================================================

// MailProvider is the read surface of the upstream mailbox API used by sync.
// Every call must honour ctx deadlines. Quota admission happens before the call.
type MailProvider interface {
	ListThreads(ctx context.Context, ts oauth2.TokenSource, pageSize int, pageToken string) (*ThreadPage, error)
	GetThread(ctx context.Context, ts oauth2.TokenSource, threadID string) (*ProviderThread, error)
	GetMessage(ctx context.Context, ts oauth2.TokenSource, messageID string) (*ProviderMessage, error)
	ListLabels(ctx context.Context, ts oauth2.TokenSource) ([]ProviderLabel, error)
	ListHistory(ctx context.Context, ts oauth2.TokenSource, since uint64, pageToken string) (*HistoryPage, error)
	GetProfile(ctx context.Context, ts oauth2.TokenSource) (*ProviderProfile, error)
}

// TokenProvider yields a refreshing token source for a link.
// 갱신된 토큰은 저장소에 다시 기록됨
type TokenProvider interface {
	TokenSource(ctx context.Context, link *domain.Link) (oauth2.TokenSource, error)
}

// =============================================================================
// Provider Types
// =============================================================================

type ThreadPage struct {
	Threads            []ProviderThreadRef
	NextPageToken      string
	ResultSizeEstimate int64
}

type ProviderThreadRef struct {
	ID        string
	Snippet   string
	HistoryID uint64
}

type ProviderThread struct {
	ID        string
	HistoryID uint64
	Messages  []ProviderMessage
}

type ProviderMessage struct {
	ID           string
	ThreadID     string
	Subject      string
	Snippet      string
	From         string
	To           []string
	LabelIDs     []string
	InternalDate time.Time
	HistoryID    uint64
}

type ProviderLabel struct {
	ID                    string
	Name                  string
	Type                  string
	LabelListVisibility   string
	MessageListVisibility string
	TextColor             string
	BackgroundColor       string
}

type HistoryPage struct {
	Changes       []domain.HistoryChange
	HistoryID     uint64
	NextPageToken string
}

type ProviderProfile struct {
	Email         string
	HistoryID     uint64
	MessagesTotal int64
	ThreadsTotal  int64
}

// =============================================================================
// Provider Errors
// =============================================================================

// ProviderErrorCode represents error codes.
type ProviderErrorCode string

const (
	ProviderErrAuth         ProviderErrorCode = "auth_error"
	ProviderErrTokenExpired ProviderErrorCode = "token_expired"
	ProviderErrRateLimit    ProviderErrorCode = "rate_limit"
	ProviderErrNotFound     ProviderErrorCode = "not_found"
	ProviderErrNetwork      ProviderErrorCode = "network_error"
	ProviderErrServer       ProviderErrorCode = "server_error"
	ProviderErrInvalidInput ProviderErrorCode = "invalid_input"
	ProviderErrSyncRequired ProviderErrorCode = "full_sync_required"
	ProviderErrCircuitOpen  ProviderErrorCode = "circuit_open"
)

// ProviderError represents a provider error.
type ProviderError struct {
	Provider  string
	Code      ProviderErrorCode
	Message   string
	Err       error
	Retryable bool
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return e.Provider + " " + string(e.Code) + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Provider + " " + string(e.Code) + ": " + e.Message
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func (e *ProviderError) IsRetryable() bool {
	return e.Retryable
}

// NewProviderError creates a new provider error.
func NewProviderError(provider string, code ProviderErrorCode, message string, err error, retryable bool) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Err:       err,
		Retryable: retryable,
	}
}

// IsProviderCode reports whether err wraps a ProviderError with the given code.
func IsProviderCode(err error, code ProviderErrorCode) bool {
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Code == code
}
