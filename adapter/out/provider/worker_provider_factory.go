package provider

import (
	"context"
	"sync"
	"time"

	"mailsync/core/domain"
	"mailsync/core/port/out"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/gmail/v1"
)

// =============================================================================
// Token Provider
// =============================================================================

// TokenWriter persists refreshed OAuth tokens.
type TokenWriter interface {
	UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiry time.Time) error
}

// TokenProvider builds refreshing token sources from a link's stored tokens.
// Concurrent refreshes for one link are collapsed into a single exchange and
// the refreshed token is written back.
type TokenProvider struct {
	config *oauth2.Config
	writer TokenWriter
	group  singleflight.Group
	log    zerolog.Logger

	mu     sync.Mutex
	latest map[string]*oauth2.Token // link id -> 최근 갱신 토큰
}

// OAuthConfig holds Google OAuth client credentials.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

var _ out.TokenProvider = (*TokenProvider)(nil)

func NewTokenProvider(cfg *OAuthConfig, writer TokenWriter, log zerolog.Logger) *TokenProvider {
	return &TokenProvider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{gmail.GmailReadonlyScope},
			Endpoint:     google.Endpoint,
		},
		writer: writer,
		log:    log.With().Str("component", "token_provider").Logger(),
		latest: make(map[string]*oauth2.Token),
	}
}

func (p *TokenProvider) TokenSource(ctx context.Context, link *domain.Link) (oauth2.TokenSource, error) {
	if link == nil || (link.AccessToken == "" && link.RefreshToken == "") {
		return nil, out.NewProviderError(providerGmail, out.ProviderErrAuth, "link has no oauth tokens", nil, false)
	}

	tok := p.cached(link.ID)
	if tok == nil || (!link.TokenExpiry.IsZero() && link.TokenExpiry.After(tok.Expiry)) {
		tok = &oauth2.Token{
			AccessToken:  link.AccessToken,
			RefreshToken: link.RefreshToken,
			TokenType:    "Bearer",
			Expiry:       link.TokenExpiry,
		}
	}

	// refresh HTTP 호출은 메시지 ctx 가 아닌 background 에서 수행
	base := p.config.TokenSource(context.Background(), tok)
	return oauth2.ReuseTokenSource(tok, &refreshingSource{
		p:      p,
		linkID: link.ID,
		base:   base,
		prev:   tok.AccessToken,
	}), nil
}

func (p *TokenProvider) cached(linkID string) *oauth2.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest[linkID]
}

func (p *TokenProvider) remember(linkID string, tok *oauth2.Token) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latest[linkID] = tok
}

type refreshingSource struct {
	p      *TokenProvider
	linkID string
	base   oauth2.TokenSource
	prev   string
}

func (s *refreshingSource) Token() (*oauth2.Token, error) {
	v, err, shared := s.p.group.Do(s.linkID, func() (any, error) {
		if tok := s.p.cached(s.linkID); tok != nil && tok.Valid() && tok.AccessToken != s.prev {
			return tok, nil
		}

		tok, err := s.base.Token()
		if err != nil {
			return nil, err
		}
		if tok.AccessToken != s.prev {
			s.p.remember(s.linkID, tok)
			s.p.persist(s.linkID, tok)
		}
		return tok, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		s.p.log.Debug().Str("link_id", s.linkID).Msg("shared token refresh")
	}
	return v.(*oauth2.Token), nil
}

func (p *TokenProvider) persist(linkID string, tok *oauth2.Token) {
	if p.writer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.writer.UpdateTokens(ctx, linkID, tok.AccessToken, tok.RefreshToken, tok.Expiry); err != nil {
		p.log.Warn().Err(err).Str("link_id", linkID).Msg("failed to persist refreshed token")
		return
	}
	p.log.Info().Str("link_id", linkID).Time("expiry", tok.Expiry).Msg("oauth token refreshed")
}
