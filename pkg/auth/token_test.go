package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwperf/pkg/failure"
	"gwperf/pkg/transport"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func mint(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "client",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := tok.SignedString([]byte("test-key"))
	require.NoError(t, err)
	return s
}

type tokenServer struct {
	*httptest.Server
	hits   atomic.Int32
	fail   int32
	tokens func() string
}

func newTokenServer(t *testing.T, fail int32, tokens func() string) *tokenServer {
	t.Helper()
	ts := &tokenServer{fail: fail, tokens: tokens}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := ts.hits.Add(1)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		assert.Equal(t, "id-1", r.PostForm.Get("client_id"))
		assert.Equal(t, "secret-1", r.PostForm.Get("client_secret"))
		if n <= ts.fail {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": ts.tokens(), "token_type": "Bearer", "expires_in": 7200})
	}))
	t.Cleanup(ts.Close)
	return ts
}

func newTestManager(t *testing.T, url string, now *time.Time, sleeps *[]time.Duration) *Manager {
	t.Helper()
	m, err := NewManager(transport.New(), zerolog.Nop())
	require.NoError(t, err)
	m.TokenURL = url
	m.Now = func() time.Time { return *now }
	m.Sleeper = func(_ context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return nil
	}
	return m
}

var account = Account{Name: "acct", ClientID: "id-1", ClientSecret: "secret-1"}

func TestTokenReusesFreshToken(t *testing.T) {
	now := epoch
	var sleeps []time.Duration
	srv := newTokenServer(t, 0, func() string { return mint(t, now.Add(2*time.Hour)) })
	m := newTestManager(t, srv.URL, &now, &sleeps)
	s := NewSession(account)

	first, err := m.Token(context.Background(), s)
	require.NoError(t, err)

	now = now.Add(30 * time.Minute)
	second, err := m.Token(context.Background(), s)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, srv.hits.Load())
	assert.Empty(t, sleeps)
}

func TestTokenRefreshesBelowMargin(t *testing.T) {
	tests := []struct {
		name    string
		advance time.Duration
		hits    int32
	}{
		{name: "59 minutes left", advance: 61 * time.Minute, hits: 2},
		{name: "exactly 60 minutes left", advance: 60 * time.Minute, hits: 1},
		{name: "expired", advance: 3 * time.Hour, hits: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := epoch
			issued := epoch
			var sleeps []time.Duration
			srv := newTokenServer(t, 0, func() string { return mint(t, issued.Add(2*time.Hour)) })
			m := newTestManager(t, srv.URL, &now, &sleeps)
			s := NewSession(account)

			_, err := m.Token(context.Background(), s)
			require.NoError(t, err)

			now = now.Add(tt.advance)
			issued = now
			_, err = m.Token(context.Background(), s)
			require.NoError(t, err)
			assert.Equal(t, tt.hits, srv.hits.Load())
		})
	}
}

func TestTokenRefreshesUnreadableToken(t *testing.T) {
	now := epoch
	var sleeps []time.Duration
	srv := newTokenServer(t, 0, func() string { return mint(t, now.Add(2*time.Hour)) })
	m := newTestManager(t, srv.URL, &now, &sleeps)
	s := NewSession(account)
	s.token = "not-a-jwt"

	tok, err := m.Token(context.Background(), s)
	require.NoError(t, err)
	assert.NotEqual(t, "not-a-jwt", tok)
	assert.EqualValues(t, 1, srv.hits.Load())
}

func TestTokenRetriesThenSucceeds(t *testing.T) {
	now := epoch
	var sleeps []time.Duration
	srv := newTokenServer(t, 2, func() string { return mint(t, now.Add(2*time.Hour)) })
	m := newTestManager(t, srv.URL, &now, &sleeps)

	_, err := m.Token(context.Background(), NewSession(account))
	require.NoError(t, err)
	assert.EqualValues(t, 3, srv.hits.Load())
	assert.Equal(t, []time.Duration{DefaultBackoff, DefaultBackoff}, sleeps)
}

func TestTokenFailsAfterRetries(t *testing.T) {
	now := epoch
	var sleeps []time.Duration
	srv := newTokenServer(t, 100, func() string { return "" })
	m := newTestManager(t, srv.URL, &now, &sleeps)
	s := NewSession(account)

	_, err := m.Token(context.Background(), s)
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.AuthFailure))
	assert.Contains(t, err.Error(), "503")
	assert.EqualValues(t, 3, srv.hits.Load())
	assert.Len(t, sleeps, 2)
	assert.Empty(t, s.Cached())
}

func TestTokenRejectsEmptyAccessToken(t *testing.T) {
	now := epoch
	var sleeps []time.Duration
	srv := newTokenServer(t, 0, func() string { return "" })
	m := newTestManager(t, srv.URL, &now, &sleeps)

	_, err := m.Token(context.Background(), NewSession(account))
	assert.True(t, failure.Is(err, failure.AuthFailure))
	assert.Contains(t, err.Error(), "access_token")
}

func TestHeader(t *testing.T) {
	now := epoch
	var sleeps []time.Duration
	var tok string
	srv := newTokenServer(t, 0, func() string {
		tok = mint(t, now.Add(2*time.Hour))
		return tok
	})
	m := newTestManager(t, srv.URL, &now, &sleeps)

	h, err := m.Header(context.Background(), NewSession(account))
	require.NoError(t, err)
	assert.Equal(t, "application/json", h.Get("Content-Type"))
	assert.Equal(t, "Bearer "+tok, h.Get("Authorization"))
}

func TestSessionsSerialiseRefresh(t *testing.T) {
	now := epoch
	var sleeps []time.Duration
	srv := newTokenServer(t, 0, func() string { return mint(t, now.Add(2*time.Hour)) })
	m := newTestManager(t, srv.URL, &now, &sleeps)

	var reg Sessions
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Token(context.Background(), reg.Get(account))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Same(t, reg.Get(account), reg.Get(account))
	assert.EqualValues(t, 1, srv.hits.Load())
}

func TestSessionsKeyedByClientID(t *testing.T) {
	var reg Sessions
	first := reg.Get(Account{ClientID: "client-a", ClientSecret: "a"})
	second := reg.Get(Account{ClientID: "client-b", ClientSecret: "b"})
	assert.NotSame(t, first, second, "unnamed accounts must not share a token cache")

	renamed := reg.Get(Account{Name: "primary", ClientID: "client-a", ClientSecret: "a"})
	assert.Same(t, first, renamed)
}

func TestExpiry(t *testing.T) {
	exp := epoch.Add(90 * time.Minute)
	got, err := Expiry(mint(t, exp))
	require.NoError(t, err)
	assert.True(t, got.Equal(exp))

	_, err = Expiry("a.b.c")
	assert.Error(t, err)
}
