// Package provider implements mail provider adapters.
package provider

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"
	"time"

	"mailsync/core/port/out"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const providerGmail = "gmail"

// gmailMetadataHeaders are the headers requested with format=metadata.
var gmailMetadataHeaders = []string{"From", "To", "Cc", "Subject", "Date"}

// historyTypes are the record kinds the delta syncer folds.
var historyTypes = []string{"messageAdded", "messageDeleted", "labelAdded", "labelRemoved"}

// =============================================================================
// Gmail Adapter
// =============================================================================

// GmailAdapter implements out.MailProvider for Gmail.
type GmailAdapter struct {
	cb          *gobreaker.CircuitBreaker
	limiter     *rate.Limiter
	callTimeout time.Duration
	opts        []option.ClientOption
	log         zerolog.Logger
}

// GmailConfig holds Gmail gateway configuration.
type GmailConfig struct {
	QPS         float64       // 프로세스 단위 호출 평탄화
	CallTimeout time.Duration // 호출당 타임아웃
	Logger      zerolog.Logger

	// ClientOptions are appended to every service (tests point Endpoint at a fake).
	ClientOptions []option.ClientOption
}

// NewGmailAdapter creates a new Gmail adapter.
func NewGmailAdapter(cfg *GmailConfig) *GmailAdapter {
	qps := cfg.QPS
	if qps <= 0 {
		qps = 20
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	log := cfg.Logger.With().Str("component", "gmail").Logger()

	cbSettings := gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,                // Half-open 상태에서 허용할 요청 수
		Interval:    60 * time.Second, // Closed 상태에서 카운터 리셋 간격
		Timeout:     30 * time.Second, // Open 상태 유지 시간 (이후 Half-open)
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// 연속 5회 실패 또는 60% 이상 실패율 (최소 10회 요청)
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	}

	return &GmailAdapter{
		cb:          gobreaker.NewCircuitBreaker(cbSettings),
		limiter:     rate.NewLimiter(rate.Limit(qps), int(qps)+1),
		callTimeout: callTimeout,
		opts:        cfg.ClientOptions,
		log:         log,
	}
}

var _ out.MailProvider = (*GmailAdapter)(nil)

// =============================================================================
// Threads / Messages
// =============================================================================

func (a *GmailAdapter) ListThreads(ctx context.Context, ts oauth2.TokenSource, pageSize int, pageToken string) (*out.ThreadPage, error) {
	var resp *gmail.ListThreadsResponse
	err := a.call(ctx, ts, "threads.list", func(ctx context.Context, svc *gmail.Service) error {
		req := svc.Users.Threads.List("me").MaxResults(int64(pageSize)).IncludeSpamTrash(true)
		if pageToken != "" {
			req = req.PageToken(pageToken)
		}
		var err error
		resp, err = req.Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	return convertThreadPage(resp), nil
}

func (a *GmailAdapter) GetThread(ctx context.Context, ts oauth2.TokenSource, threadID string) (*out.ProviderThread, error) {
	var thread *gmail.Thread
	err := a.call(ctx, ts, "threads.get", func(ctx context.Context, svc *gmail.Service) error {
		var err error
		thread, err = svc.Users.Threads.Get("me", threadID).
			Format("metadata").
			MetadataHeaders(gmailMetadataHeaders...).
			Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	return convertThread(thread), nil
}

func (a *GmailAdapter) GetMessage(ctx context.Context, ts oauth2.TokenSource, messageID string) (*out.ProviderMessage, error) {
	var msg *gmail.Message
	err := a.call(ctx, ts, "messages.get", func(ctx context.Context, svc *gmail.Service) error {
		var err error
		msg, err = svc.Users.Messages.Get("me", messageID).
			Format("metadata").
			MetadataHeaders(gmailMetadataHeaders...).
			Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	m := convertMessage(msg)
	return &m, nil
}

// =============================================================================
// Labels / History / Profile
// =============================================================================

func (a *GmailAdapter) ListLabels(ctx context.Context, ts oauth2.TokenSource) ([]out.ProviderLabel, error) {
	var resp *gmail.ListLabelsResponse
	err := a.call(ctx, ts, "labels.list", func(ctx context.Context, svc *gmail.Service) error {
		var err error
		resp, err = svc.Users.Labels.List("me").Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	labels := make([]out.ProviderLabel, 0, len(resp.Labels))
	for _, l := range resp.Labels {
		labels = append(labels, convertLabel(l))
	}
	return labels, nil
}

// ListHistory returns one page of history records after since. A 404 means
// the cursor is older than the provider's retention window.
func (a *GmailAdapter) ListHistory(ctx context.Context, ts oauth2.TokenSource, since uint64, pageToken string) (*out.HistoryPage, error) {
	var resp *gmail.ListHistoryResponse
	err := a.call(ctx, ts, "history.list", func(ctx context.Context, svc *gmail.Service) error {
		req := svc.Users.History.List("me").StartHistoryId(since).HistoryTypes(historyTypes...)
		if pageToken != "" {
			req = req.PageToken(pageToken)
		}
		var err error
		resp, err = req.Context(ctx).Do()
		return err
	})
	if err != nil {
		if out.IsProviderCode(err, out.ProviderErrNotFound) {
			return nil, out.NewProviderError(providerGmail, out.ProviderErrSyncRequired, "Full sync required", errors.Unwrap(err), false)
		}
		return nil, err
	}
	return convertHistory(resp), nil
}

func (a *GmailAdapter) GetProfile(ctx context.Context, ts oauth2.TokenSource) (*out.ProviderProfile, error) {
	var profile *gmail.Profile
	err := a.call(ctx, ts, "getProfile", func(ctx context.Context, svc *gmail.Service) error {
		var err error
		profile, err = svc.Users.GetProfile("me").Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	return &out.ProviderProfile{
		Email:         profile.EmailAddress,
		HistoryID:     profile.HistoryId,
		MessagesTotal: profile.MessagesTotal,
		ThreadsTotal:  profile.ThreadsTotal,
	}, nil
}

// =============================================================================
// Internal Helpers
// =============================================================================

// call applies client-side throttling, the per-call timeout and the circuit
// breaker, then maps the error.
func (a *GmailAdapter) call(ctx context.Context, ts oauth2.TokenSource, operation string, fn func(ctx context.Context, svc *gmail.Service) error) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return out.NewProviderError(providerGmail, out.ProviderErrNetwork, "throttle wait aborted", err, true)
	}

	ctx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	svc, err := a.getService(ctx, ts)
	if err != nil {
		return a.wrapError(err, "failed to create gmail service")
	}

	err = a.executeWithCircuitBreaker(operation, func() error { return fn(ctx, svc) })
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return out.NewProviderError(providerGmail, out.ProviderErrCircuitOpen, "circuit open", err, true)
	}
	return a.wrapError(err, operation+" failed")
}

func (a *GmailAdapter) getService(ctx context.Context, ts oauth2.TokenSource) (*gmail.Service, error) {
	opts := append([]option.ClientOption{option.WithTokenSource(ts)}, a.opts...)
	return gmail.NewService(ctx, opts...)
}

// executeWithCircuitBreaker wraps an API call with circuit breaker protection.
// Client errors do not count as failures.
func (a *GmailAdapter) executeWithCircuitBreaker(operation string, fn func() error) error {
	_, err := a.cb.Execute(func() (interface{}, error) {
		if err := fn(); err != nil {
			var apiErr *googleapi.Error
			if errors.As(err, &apiErr) {
				switch apiErr.Code {
				case 400, 401, 403, 404:
					return nil, &nonCircuitError{err: err}
				}
			}
			return nil, err
		}
		return nil, nil
	})

	// Unwrap non-circuit errors
	var nce *nonCircuitError
	if errors.As(err, &nce) {
		return nce.err
	}

	if err != nil {
		a.log.Debug().Err(err).Str("operation", operation).Str("state", a.cb.State().String()).Msg("gmail call failed")
	}
	return err
}

// nonCircuitError wraps errors that should not trip the circuit breaker.
type nonCircuitError struct {
	err error
}

func (e *nonCircuitError) Error() string {
	return e.err.Error()
}

// CircuitState returns the current state of the circuit breaker.
func (a *GmailAdapter) CircuitState() string {
	return a.cb.State().String()
}

// wrapError classifies err into a ProviderError with a retryable flag.
func (a *GmailAdapter) wrapError(err error, defaultMsg string) error {
	if err == nil {
		return nil
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 400:
			return out.NewProviderError(providerGmail, out.ProviderErrInvalidInput, "Invalid request", err, false)
		case apiErr.Code == 401:
			return out.NewProviderError(providerGmail, out.ProviderErrTokenExpired, "Token expired", err, false)
		case apiErr.Code == 403:
			if isRateLimited(apiErr) {
				return out.NewProviderError(providerGmail, out.ProviderErrRateLimit, "Rate limit exceeded", err, true)
			}
			return out.NewProviderError(providerGmail, out.ProviderErrAuth, "Access denied", err, false)
		case apiErr.Code == 404:
			return out.NewProviderError(providerGmail, out.ProviderErrNotFound, "Not found", err, false)
		case apiErr.Code == 429:
			return out.NewProviderError(providerGmail, out.ProviderErrRateLimit, "Too many requests", err, true)
		case apiErr.Code >= 500:
			return out.NewProviderError(providerGmail, out.ProviderErrServer, "Server error", err, true)
		}
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		// invalid_grant: refresh token 폐기됨
		return out.NewProviderError(providerGmail, out.ProviderErrTokenExpired, "Token refresh failed", err, false)
	}

	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return out.NewProviderError(providerGmail, out.ProviderErrNetwork, "Network error", err, true)
	}

	return out.NewProviderError(providerGmail, out.ProviderErrServer, defaultMsg, err, true)
}

func isRateLimited(apiErr *googleapi.Error) bool {
	if strings.Contains(apiErr.Message, "Rate Limit") {
		return true
	}
	for _, item := range apiErr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded":
			return true
		}
	}
	return false
}
