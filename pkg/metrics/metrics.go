package metrics

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gwperf"

var (
	// HTTPAttempts counts every transport attempt by method and status code
	// ("0" for connection-level failures).
	HTTPAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_attempts_total",
		Help:      "HTTP attempts issued by the resilient transport.",
	}, []string{"method", "code"})

	// HTTPExhausted counts calls that ran out of retry budget.
	HTTPExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_exhausted_total",
		Help:      "Logical HTTP calls that exhausted their retry budget.",
	}, []string{"method"})

	// TaskPolls counts task polls by the observed state or status.
	TaskPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_polls_total",
		Help:      "Task status polls by observed state.",
	}, []string{"observed"})

	// TaskWait observes how long a task wait lasted by its result.
	TaskWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "task_wait_seconds",
		Help:      "Wall-clock time spent waiting for tasks.",
		Buckets:   []float64{1, 10, 30, 60, 120, 300, 600, 900, 1800, 3600},
	}, []string{"result"})

	// TokenRequests counts OAuth token requests by result.
	TokenRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "token_requests_total",
		Help:      "OAuth client-credentials requests by result.",
	}, []string{"result"})

	// StepResults counts reported workflow steps by status.
	StepResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "step_results_total",
		Help:      "Reported workflow steps by name and status.",
	}, []string{"step", "status"})

	// PanelLatency observes dashboard panel reads by panel and result.
	PanelLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dashboard_panel_seconds",
		Help:      "Latency of dashboard panel reads.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"panel", "result"})

	// Iterations counts finished workflow iterations by result.
	Iterations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "iterations_total",
		Help:      "Finished workflow iterations by workflow and result.",
	}, []string{"workflow", "result"})
)

// Code renders a status code as a label value.
func Code(status int) string {
	return strconv.Itoa(status)
}

// Handler returns a router serving /metrics and /healthz.
func Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}
