package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwperf/pkg/failure"
)

// flakyDoer fails the first n requests with a connection error and then
// delegates to next.
type flakyDoer struct {
	failures int
	calls    int
	next     Doer
}

func (d *flakyDoer) Do(req *http.Request) (*http.Response, error) {
	d.calls++
	if d.calls <= d.failures {
		return nil, errors.New("connection reset by peer")
	}
	return d.next.Do(req)
}

type sleepRecorder struct {
	sleeps []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.sleeps = append(s.sleeps, d)
	return nil
}

func TestDoRetriesSentinelThenReturnsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"taskUri":"/api/v1/tasks/abc"}`)
	}))
	defer srv.Close()

	tests := []struct {
		name     string
		failures int
	}{
		{name: "no failures", failures: 0},
		{name: "one failure", failures: 1},
		{name: "nine failures", failures: 9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doer := &flakyDoer{failures: tt.failures, next: srv.Client()}
			rec := &sleepRecorder{}
			c := New(WithDoer(doer), WithSleeper(rec.sleep), WithBackoff(30*time.Second))

			out, err := c.Post(context.Background(), srv.URL+"/x", []byte(`{}`), nil)
			require.NoError(t, err)
			assert.Equal(t, http.StatusAccepted, out.StatusCode)
			assert.Equal(t, tt.failures+1, doer.calls)
			assert.Len(t, rec.sleeps, tt.failures)
			for _, d := range rec.sleeps {
				assert.Equal(t, 30*time.Second, d)
			}
		})
	}
}

func TestDoReturnsErrorStatusesWithoutRetry(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Error(w, `{"errorCode":"INTERNAL_ERROR"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	c := New(WithDoer(srv.Client()), WithSleeper(rec.sleep))
	out, err := c.Get(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, out.StatusCode)
	assert.Equal(t, 1, hits)
	assert.Empty(t, rec.sleeps)
}

func TestDoExhaustsBudget(t *testing.T) {
	doer := &flakyDoer{failures: 100}
	rec := &sleepRecorder{}
	c := New(WithDoer(doer), WithSleeper(rec.sleep))

	out, err := c.Do(context.Background(), Request{Method: http.MethodGet, URL: "http://example.invalid/", Retries: 4})
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.TransportExhausted))
	assert.True(t, out.Failed())
	assert.Equal(t, 4, doer.calls)
	assert.Len(t, rec.sleeps, 3)
}

func TestDoDefaultBudget(t *testing.T) {
	doer := &flakyDoer{failures: 100}
	c := New(WithDoer(doer), WithSleeper(func(context.Context, time.Duration) error { return nil }))

	_, err := c.Get(context.Background(), "http://example.invalid/", nil)
	require.Error(t, err)
	assert.Equal(t, DefaultRetries, doer.calls)
}

func TestDoStopsOnCancelledSleep(t *testing.T) {
	doer := &flakyDoer{failures: 100}
	ctx, cancel := context.WithCancel(context.Background())
	c := New(WithDoer(doer), WithSleeper(func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}))

	_, err := c.Get(ctx, "http://example.invalid/", nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, doer.calls)
}

func TestDoRejectsMalformedURL(t *testing.T) {
	doer := &flakyDoer{}
	c := New(WithDoer(doer))

	_, err := c.Get(context.Background(), "://bad url", nil)
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.MalformedReference))
	assert.Zero(t, doer.calls)
}

func TestDoForwardsHeadersAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "Bearer t0k", r.Header.Get("Authorization"))
		data, _ := io.ReadAll(r.Body)
		assert.Equal(t, `{"dns":[]}`, string(data))
		w.Header().Set("X-Trace", "1")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := New(WithDoer(srv.Client()))
	header := http.Header{}
	header.Set("Authorization", "Bearer t0k")
	out, err := c.Patch(context.Background(), srv.URL, []byte(`{"dns":[]}`), header)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, out.StatusCode)
	assert.Equal(t, "1", out.Header.Get("X-Trace"))
}

func TestOutcomeDecode(t *testing.T) {
	var v struct {
		TaskURI string `json:"taskUri"`
	}
	require.NoError(t, Outcome{StatusCode: 202, Body: []byte(`{"taskUri":"/t/1"}`)}.Decode(&v))
	assert.Equal(t, "/t/1", v.TaskURI)

	err := Outcome{StatusCode: 202, Body: []byte(`not json`)}.Decode(&v)
	assert.True(t, failure.Is(err, failure.DecodeError))

	err = Outcome{StatusCode: 202}.Decode(&v)
	assert.True(t, failure.Is(err, failure.DecodeError))

	assert.Equal(t, "abc", Outcome{Body: []byte("  abcdef ")}.Snippet(3))
	assert.True(t, strings.HasPrefix(Outcome{Body: []byte("xy")}.Snippet(10), "xy"))
}
