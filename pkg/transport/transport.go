// Package transport performs HTTP calls that survive connection-level
// failures. Only a failure to obtain any HTTP status is retried; every
// status the server returns, 4xx and 5xx included, is handed back to the
// caller untouched.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"gwperf/pkg/failure"
	"gwperf/pkg/metrics"
	"gwperf/pkg/telemetry"
)

const (
	// DefaultRetries is the attempt budget of a logical call.
	DefaultRetries = 10
	// DefaultBackoff is the pause between attempts after a connection failure.
	DefaultBackoff = 30 * time.Second
	// DefaultTimeout bounds a single attempt.
	DefaultTimeout = 120 * time.Second

	maxBodyBytes = 16 << 20
)

// Sleeper suspends the caller for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the wall-clock Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Doer issues a single HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Caller is what the higher layers need from the transport.
type Caller interface {
	Do(ctx context.Context, req Request) (Outcome, error)
}

// Request describes one logical call.
type Request struct {
	Method string
	URL    string
	Body   []byte
	Header http.Header
	// Retries is the attempt budget; zero selects DefaultRetries.
	Retries int
}

// Outcome is the result of a call. StatusCode 0 means no HTTP status was
// obtained and Err holds the connection-level cause.
type Outcome struct {
	StatusCode int
	Body       []byte
	Header     http.Header
	Err        error
}

// Failed reports whether the outcome is the connection-failure sentinel.
func (o Outcome) Failed() bool {
	return o.StatusCode == 0
}

// Decode unmarshals the body into v.
func (o Outcome) Decode(v any) error {
	if len(bytes.TrimSpace(o.Body)) == 0 {
		return failure.New(failure.DecodeError, "decode response", "empty body (status %d)", o.StatusCode)
	}
	if err := json.Unmarshal(o.Body, v); err != nil {
		return &failure.Error{Kind: failure.DecodeError, Op: "decode response", Status: o.StatusCode, Err: err}
	}
	return nil
}

// Snippet returns at most n bytes of the body for diagnostics.
func (o Outcome) Snippet(n int) string {
	body := bytes.TrimSpace(o.Body)
	if len(body) > n {
		body = body[:n]
	}
	return string(body)
}

// Client is the resilient transport.
type Client struct {
	http    Doer
	retries int
	backoff time.Duration
	sleep   Sleeper
	logger  zerolog.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithDoer replaces the underlying HTTP client.
func WithDoer(d Doer) Option {
	return func(c *Client) {
		if d != nil {
			c.http = d
		}
	}
}

// WithRetries sets the default attempt budget.
func WithRetries(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.retries = n
		}
	}
}

// WithBackoff sets the pause between attempts.
func WithBackoff(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.backoff = d
		}
	}
}

// WithSleeper replaces the wall-clock sleeper.
func WithSleeper(s Sleeper) Option {
	return func(c *Client) {
		if s != nil {
			c.sleep = s
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// New returns a Client with the default budget, backoff and a traced
// http.Client.
func New(opts ...Option) *Client {
	c := &Client{
		http:    telemetry.HTTPClient(DefaultTimeout),
		retries: DefaultRetries,
		backoff: DefaultBackoff,
		sleep:   Sleep,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do issues req, retrying while no HTTP status is obtained. When the budget
// runs out the last sentinel outcome is returned with a TransportExhausted
// error.
func (c *Client) Do(ctx context.Context, req Request) (Outcome, error) {
	if c == nil {
		return Outcome{}, errors.New("nil transport")
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	budget := req.Retries
	if budget <= 0 {
		budget = c.retries
	}

	if _, err := http.NewRequestWithContext(ctx, req.Method, req.URL, nil); err != nil {
		return Outcome{}, failure.Wrap(failure.MalformedReference, "build request", err)
	}

	var out Outcome
	for remaining := budget; remaining > 0; remaining-- {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		out = c.once(ctx, req)
		metrics.HTTPAttempts.WithLabelValues(req.Method, metrics.Code(out.StatusCode)).Inc()
		if !out.Failed() {
			return out, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out, ctxErr
		}

		c.logger.Warn().
			Err(out.Err).
			Str("method", req.Method).
			Str("url", req.URL).
			Int("remaining", remaining-1).
			Msg("request failed without a status")

		if remaining == 1 {
			break
		}
		if err := c.sleep(ctx, c.backoff); err != nil {
			return out, err
		}
	}

	metrics.HTTPExhausted.WithLabelValues(req.Method).Inc()
	return out, &failure.Error{
		Kind:    failure.TransportExhausted,
		Op:      fmt.Sprintf("%s %s", req.Method, req.URL),
		Message: fmt.Sprintf("no response after %d attempts", budget),
		Err:     out.Err,
	}
}

// Get issues a GET.
func (c *Client) Get(ctx context.Context, url string, header http.Header) (Outcome, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, URL: url, Header: header})
}

// Post issues a POST with a raw body.
func (c *Client) Post(ctx context.Context, url string, body []byte, header http.Header) (Outcome, error) {
	return c.Do(ctx, Request{Method: http.MethodPost, URL: url, Body: body, Header: header})
}

// Patch issues a PATCH with a raw body.
func (c *Client) Patch(ctx context.Context, url string, body []byte, header http.Header) (Outcome, error) {
	return c.Do(ctx, Request{Method: http.MethodPatch, URL: url, Body: body, Header: header})
}

// Delete issues a DELETE with an optional body.
func (c *Client) Delete(ctx context.Context, url string, body []byte, header http.Header) (Outcome, error) {
	return c.Do(ctx, Request{Method: http.MethodDelete, URL: url, Body: body, Header: header})
}

func (c *Client) once(ctx context.Context, req Request) Outcome {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return Outcome{Err: fmt.Errorf("create request: %w", err)}
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Outcome{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Outcome{Err: fmt.Errorf("read body: %w", err)}
	}

	return Outcome{
		StatusCode: resp.StatusCode,
		Body:       data,
		Header:     resp.Header,
	}
}
