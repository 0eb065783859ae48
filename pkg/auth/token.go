// Package auth obtains OAuth client-credentials bearer tokens and keeps at
// most one cached token per account session.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"gwperf/pkg/failure"
	"gwperf/pkg/metrics"
	"gwperf/pkg/transport"
)

const (
	// DefaultTokenURL is the client-credentials endpoint of the backing service.
	DefaultTokenURL = "https://sso.common.cloud.hpe.com/as/token.oauth2"
	// DefaultMargin is the freshness margin.
	DefaultMargin = 60 * time.Minute
	// DefaultMaxValidity is the lifetime the issuer grants a new token.
	DefaultMaxValidity = 120 * time.Minute
	// DefaultRetries is the number of token requests before giving up.
	DefaultRetries = 3
	// DefaultBackoff is the pause between failed token requests.
	DefaultBackoff = 10 * time.Second
)

// Account is a client-credentials pair.
type Account struct {
	Name         string `json:"name" yaml:"name"`
	ClientID     string `json:"clientId" yaml:"clientId"`
	ClientSecret string `json:"clientSecret" yaml:"clientSecret"`
}

// Session holds the cached token of one account. A Session is shared by
// every virtual user working on the account; mu serialises refreshes.
type Session struct {
	Account Account

	mu    sync.Mutex
	token string
}

// NewSession returns an empty session for account.
func NewSession(account Account) *Session {
	return &Session{Account: account}
}

// Cached returns the cached token, if any.
func (s *Session) Cached() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Sessions hands out one Session per client id. Tokens belong to the
// credentials, so accounts are told apart by ClientID, not by Name.
type Sessions struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// Get returns the session for account, creating it on first use.
func (r *Sessions) Get(account Account) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions == nil {
		r.sessions = make(map[string]*Session)
	}
	s, ok := r.sessions[account.ClientID]
	if !ok {
		s = NewSession(account)
		r.sessions[account.ClientID] = s
	}
	return s
}

// Manager issues and refreshes tokens.
type Manager struct {
	TokenURL    string
	Transport   transport.Caller
	Sleeper     transport.Sleeper
	Now         func() time.Time
	Margin      time.Duration
	MaxValidity time.Duration
	Retries     int
	Backoff     time.Duration
	Logger      zerolog.Logger
}

// NewManager returns a Manager with the default policy.
func NewManager(caller transport.Caller, logger zerolog.Logger) (*Manager, error) {
	if caller == nil {
		return nil, errors.New("transport is required")
	}
	return &Manager{
		TokenURL:    DefaultTokenURL,
		Transport:   caller,
		Sleeper:     transport.Sleep,
		Now:         time.Now,
		Margin:      DefaultMargin,
		MaxValidity: DefaultMaxValidity,
		Retries:     DefaultRetries,
		Backoff:     DefaultBackoff,
		Logger:      logger,
	}, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// Token returns a bearer token for the session, requesting a new one when
// none is cached or the cached one is closer to expiry than the margin
// allows.
func (m *Manager) Token(ctx context.Context, s *Session) (string, error) {
	if m == nil {
		return "", errors.New("nil token manager")
	}
	if s == nil {
		return "", errors.New("nil session")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && !m.stale(s.token) {
		return s.token, nil
	}

	token, err := m.request(ctx, s.Account)
	if err != nil {
		return "", err
	}
	s.token = token
	return token, nil
}

// Header returns the JSON request headers carrying the session's token.
func (m *Manager) Header(ctx context.Context, s *Session) (http.Header, error) {
	token, err := m.Token(ctx, s)
	if err != nil {
		return nil, err
	}
	return BearerHeader(token), nil
}

// BearerHeader returns JSON request headers with an Authorization bearer.
func BearerHeader(token string) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Authorization", "Bearer "+token)
	return h
}

// Expiry decodes the exp claim of token without verifying its signature.
func Expiry(token string) (time.Time, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("parse token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, errors.New("token has no exp claim")
	}
	return claims.ExpiresAt.Time, nil
}

func (m *Manager) stale(token string) bool {
	exp, err := Expiry(token)
	if err != nil {
		m.Logger.Warn().Err(err).Msg("cached token unreadable, refreshing")
		return true
	}
	remaining := exp.Sub(m.now())
	return remaining < m.maxValidity()-m.margin()
}

func (m *Manager) request(ctx context.Context, account Account) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", account.ClientID)
	form.Set("client_secret", account.ClientSecret)

	header := http.Header{}
	header.Set("Content-Type", "application/x-www-form-urlencoded")

	attempts := m.Retries
	if attempts <= 0 {
		attempts = DefaultRetries
	}
	tokenURL := m.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		out, err := m.Transport.Do(ctx, transport.Request{
			Method: http.MethodPost,
			URL:    tokenURL,
			Body:   []byte(form.Encode()),
			Header: header,
		})
		switch {
		case err != nil:
			lastErr = err
		case out.StatusCode != http.StatusOK:
			lastErr = fmt.Errorf("token endpoint returned %d: %s", out.StatusCode, out.Snippet(256))
		default:
			var resp tokenResponse
			if decodeErr := json.Unmarshal(out.Body, &resp); decodeErr != nil {
				lastErr = fmt.Errorf("decode token response: %w", decodeErr)
			} else if strings.TrimSpace(resp.AccessToken) == "" {
				lastErr = errors.New("token response has no access_token")
			} else {
				metrics.TokenRequests.WithLabelValues("ok").Inc()
				m.Logger.Debug().Str("account", account.Name).Int("attempt", attempt).Msg("token issued")
				return resp.AccessToken, nil
			}
		}

		metrics.TokenRequests.WithLabelValues("error").Inc()
		m.Logger.Warn().Err(lastErr).Str("account", account.Name).Int("attempt", attempt).Msg("token request failed")
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			break
		}
		if attempt == attempts {
			break
		}
		if err := m.sleep(ctx); err != nil {
			return "", err
		}
	}

	return "", &failure.Error{
		Kind:    failure.AuthFailure,
		Op:      "request token for " + account.Name,
		Message: fmt.Sprintf("no token after %d attempts", attempts),
		Err:     lastErr,
	}
}

func (m *Manager) sleep(ctx context.Context) error {
	sleeper := m.Sleeper
	if sleeper == nil {
		sleeper = transport.Sleep
	}
	backoff := m.Backoff
	if backoff < 0 {
		backoff = 0
	}
	return sleeper(ctx, backoff)
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Manager) margin() time.Duration {
	if m.Margin > 0 {
		return m.Margin
	}
	return DefaultMargin
}

func (m *Manager) maxValidity() time.Duration {
	if m.MaxValidity > 0 {
		return m.MaxValidity
	}
	return DefaultMaxValidity
}
