package executor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwperf/pkg/failure"
	"gwperf/pkg/task"
	"gwperf/pkg/transport"
)

type backend struct {
	submitStatus int
	submitBody   string
	states       []string
	taskGets     atomic.Int32
	lastPayload  []byte
}

func (b *backend) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/protection-store-gateways/gw-1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		b.lastPayload, _ = io.ReadAll(r.Body)
		w.WriteHeader(b.submitStatus)
		_, _ = io.WriteString(w, b.submitBody)
	})
	mux.HandleFunc("/api/v1/tasks/abc", func(w http.ResponseWriter, r *http.Request) {
		n := int(b.taskGets.Add(1))
		if n > len(b.states) {
			t.Errorf("task polled %d times, script has %d states", n, len(b.states))
			http.Error(w, "over-polled", http.StatusTeapot)
			return
		}
		_, _ = io.WriteString(w, b.states[n-1])
	})
	return mux
}

func newExecutor(t *testing.T, b *backend) *Executor {
	t.Helper()
	srv := httptest.NewServer(b.handler(t))
	t.Cleanup(srv.Close)

	noSleep := func(context.Context, time.Duration) error { return nil }
	caller := transport.New(transport.WithDoer(srv.Client()), transport.WithSleeper(noSleep))
	headers := func(context.Context) (http.Header, error) {
		h := http.Header{}
		h.Set("Authorization", "Bearer tok")
		h.Set("Content-Type", "application/json")
		return h, nil
	}
	poller, err := task.NewPoller(caller, headers, zerolog.Nop())
	require.NoError(t, err)
	poller.Sleeper = noSleep

	ex, err := New(srv.URL+"/", caller, poller, headers, zerolog.Nop())
	require.NoError(t, err)
	return ex
}

var modifyDNS = Call{
	Method:  http.MethodPatch,
	Path:    "/api/v1/protection-store-gateways/gw-1",
	Payload: map[string]any{"network": map[string]any{"dns": []map[string]string{{"networkAddress": "10.0.0.2"}}}},
}

func TestRunSucceedsAfterRunningPolls(t *testing.T) {
	b := &backend{
		submitStatus: http.StatusAccepted,
		submitBody:   `{"taskUri":"/api/v1/tasks/abc"}`,
		states:       []string{`{"state":"RUNNING"}`, `{"state":"RUNNING"}`, `{"state":"SUCCEEDED"}`},
	}
	ex := newExecutor(t, b)

	ok, err := ex.Run(context.Background(), modifyDNS, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 3, b.taskGets.Load())

	var payload map[string]any
	require.NoError(t, json.Unmarshal(b.lastPayload, &payload))
	assert.Contains(t, payload, "network")
}

func TestRunSurfacesTaskLogs(t *testing.T) {
	b := &backend{
		submitStatus: http.StatusAccepted,
		submitBody:   `{"taskUri":"/api/v1/tasks/abc"}`,
		states:       []string{`{"state":"FAILED","logMessages":["disk full"]}`},
	}
	ex := newExecutor(t, b)

	ok, err := ex.Run(context.Background(), modifyDNS, time.Hour)
	require.Error(t, err)
	assert.False(t, ok)
	assert.Contains(t, err.Error(), "disk full")
	assert.True(t, failure.Is(err, failure.TaskFailed))
}

func TestSubmitRejected(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "bad request", status: http.StatusBadRequest, body: `{"error":"invalid dns"}`},
		{name: "synchronous ok", status: http.StatusOK, body: `{}`},
		{name: "server error", status: http.StatusInternalServerError, body: `{"errorCode":"INTERNAL_ERROR"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &backend{submitStatus: tt.status, submitBody: tt.body}
			ex := newExecutor(t, b)

			ok, err := ex.Run(context.Background(), modifyDNS, time.Hour)
			require.Error(t, err)
			assert.False(t, ok)
			assert.True(t, failure.Is(err, failure.SubmissionRejected))
			assert.Zero(t, b.taskGets.Load())

			var fe *failure.Error
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tt.status, fe.Status)
		})
	}
}

func TestSubmitMissingTaskReference(t *testing.T) {
	b := &backend{submitStatus: http.StatusAccepted, submitBody: `{"id":"x"}`}
	ex := newExecutor(t, b)

	_, err := ex.Run(context.Background(), modifyDNS, time.Hour)
	assert.True(t, failure.Is(err, failure.MalformedReference))
	assert.Zero(t, b.taskGets.Load())
}

func TestSubmitExpectCreated(t *testing.T) {
	b := &backend{submitStatus: http.StatusCreated, submitBody: `{"taskUri":"/api/v1/tasks/abc"}`}
	ex := newExecutor(t, b)

	call := modifyDNS
	call.Expect = http.StatusCreated
	sub, err := ex.Submit(context.Background(), call)
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/tasks/abc", sub.TaskURI)
	assert.Equal(t, ex.BaseURL+"/api/v1/tasks/abc", sub.TaskURL)
}

func TestTaskURL(t *testing.T) {
	ex := &Executor{BaseURL: "https://api.example.test"}
	assert.Equal(t, "https://api.example.test/api/v1/tasks/1", ex.TaskURL("/api/v1/tasks/1"))
	assert.Equal(t, "https://api.example.test/api/v1/tasks/1", ex.TaskURL("api/v1/tasks/1"))
	assert.Equal(t, "https://other.test/t/1", ex.TaskURL("https://other.test/t/1"))
}

func TestNewValidates(t *testing.T) {
	_, err := New("", transport.New(), &task.Poller{}, nil, zerolog.Nop())
	assert.Error(t, err)
	_, err = New("https://x", nil, &task.Poller{}, nil, zerolog.Nop())
	assert.Error(t, err)
	_, err = New("https://x", transport.New(), nil, nil, zerolog.Nop())
	assert.Error(t, err)
}
