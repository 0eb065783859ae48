package task

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"gwperf/pkg/failure"
	"gwperf/pkg/metrics"
	"gwperf/pkg/telemetry"
	"gwperf/pkg/transport"
)

const (
	// DefaultInterval is the pause between polls of a non-terminal task.
	DefaultInterval = 30 * time.Second
	// DefaultKnownErrorPause is the pause after a known-defect 500.
	DefaultKnownErrorPause = 10 * time.Second
	// DefaultKnownErrorRetries is how many known-defect 500s are absorbed.
	DefaultKnownErrorRetries = 20

	// KnownErrorCode is the errorCode of the server defect that is retried.
	KnownErrorCode = "INTERNAL_ERROR"

	undefinedSuffix = "undefined"
)

// HeaderFunc supplies request headers, typically from the token manager.
type HeaderFunc func(ctx context.Context) (http.Header, error)

// Poller drives the task wait loop.
type Poller struct {
	Transport transport.Caller
	Headers   HeaderFunc
	Sleeper   transport.Sleeper
	Now       func() time.Time
	Logger    zerolog.Logger

	Interval          time.Duration
	KnownErrorPause   time.Duration
	KnownErrorRetries int
	// ForbiddenWindow bounds how long consecutive 403s are absorbed,
	// measured from the first of them. Zero uses the wait budget and a
	// negative window never gives up.
	ForbiddenWindow time.Duration
}

// NewPoller returns a Poller with the default policy.
func NewPoller(caller transport.Caller, headers HeaderFunc, logger zerolog.Logger) (*Poller, error) {
	if caller == nil {
		return nil, errors.New("transport is required")
	}
	return &Poller{
		Transport:         caller,
		Headers:           headers,
		Sleeper:           transport.Sleep,
		Now:               time.Now,
		Logger:            logger,
		Interval:          DefaultInterval,
		KnownErrorPause:   DefaultKnownErrorPause,
		KnownErrorRetries: DefaultKnownErrorRetries,
	}, nil
}

// wait holds the per-call counters of one Wait.
type wait struct {
	url            string
	started        time.Time
	budget         time.Duration
	polls          int
	forbidden      int
	forbiddenSince time.Time // first 403 of the current run
	knownFault     int
	logger         zerolog.Logger
}

// Wait polls taskURL until the task succeeds, fails, or stays non-terminal
// past waitTime. A nil header is fetched from Headers before every poll.
func (p *Poller) Wait(ctx context.Context, taskURL string, waitTime time.Duration, header http.Header) (ok bool, err error) {
	if p == nil {
		return false, errors.New("nil poller")
	}
	if err := checkURL(taskURL); err != nil {
		return false, err
	}

	ctx, span := telemetry.Tracer().Start(ctx, "task.wait")
	span.SetAttributes(
		attribute.String("task.url", taskURL),
		attribute.Float64("task.wait_seconds", waitTime.Seconds()),
	)
	w := &wait{
		url:     taskURL,
		started: p.now(),
		budget:  waitTime,
		logger:  p.Logger.With().Str("task_url", taskURL).Logger(),
	}
	defer func() {
		result := "succeeded"
		if err != nil {
			result = failure.KindOf(err).String()
			span.RecordError(err)
			span.SetStatus(codes.Error, result)
		}
		span.SetAttributes(attribute.Int("task.polls", w.polls))
		span.End()
		metrics.TaskWait.WithLabelValues(result).Observe(p.now().Sub(w.started).Seconds())
	}()

	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		h, err := p.header(ctx, header)
		if err != nil {
			return false, err
		}

		w.polls++
		out, err := p.Transport.Do(ctx, transport.Request{Method: http.MethodGet, URL: taskURL, Header: h})
		if err != nil {
			return false, fmt.Errorf("poll task: %w", err)
		}

		switch out.StatusCode {
		case http.StatusOK:
			w.forbidden = 0
			done, err := p.observe(ctx, w, out)
			if done || err != nil {
				return done, err
			}
		case http.StatusForbidden:
			if err := p.handleForbidden(w, out); err != nil {
				return false, err
			}
		case http.StatusInternalServerError:
			handled, err := p.handleKnownDefect(ctx, w, out)
			if err != nil {
				return false, err
			}
			if !handled {
				return false, p.unexpected(w, out)
			}
		default:
			return false, p.unexpected(w, out)
		}
	}
}

// Status fetches and decodes the task resource once.
func (p *Poller) Status(ctx context.Context, taskURL string, header http.Header) (Status, error) {
	if p == nil {
		return Status{}, errors.New("nil poller")
	}
	if err := checkURL(taskURL); err != nil {
		return Status{}, err
	}
	h, err := p.header(ctx, header)
	if err != nil {
		return Status{}, err
	}
	out, err := p.Transport.Do(ctx, transport.Request{Method: http.MethodGet, URL: taskURL, Header: h})
	if err != nil {
		return Status{}, fmt.Errorf("get task: %w", err)
	}
	if out.StatusCode != http.StatusOK {
		return Status{}, &failure.Error{
			Kind:    failure.UnexpectedStatus,
			Op:      "get task " + taskURL,
			Status:  out.StatusCode,
			Message: out.Snippet(512),
		}
	}
	var st Status
	if err := out.Decode(&st); err != nil {
		return Status{}, err
	}
	return st, nil
}

// observe handles a 200 poll. It reports done on success and an error on
// failure or timeout; otherwise it sleeps the interval.
func (p *Poller) observe(ctx context.Context, w *wait, out transport.Outcome) (bool, error) {
	var st Status
	if err := out.Decode(&st); err != nil {
		metrics.TaskPolls.WithLabelValues("undecodable").Inc()
		return false, fmt.Errorf("poll task %s: %w", w.url, err)
	}
	metrics.TaskPolls.WithLabelValues(st.State.label()).Inc()

	switch st.State {
	case StateSucceeded:
		w.logger.Debug().Int("polls", w.polls).Dur("elapsed", p.elapsed(w)).Msg("task succeeded")
		return true, nil
	case StateFailed:
		return false, &failure.Error{
			Kind:    failure.TaskFailed,
			Op:      "wait task " + w.url,
			Message: st.ErrorText(),
			Logs:    st.LogMessages,
		}
	case StateRunning, StateInitialized:
	default:
		w.logger.Warn().Str("state", string(st.State)).Msg("unrecognised task state, still polling")
	}

	elapsed := p.elapsed(w)
	if elapsed > w.budget {
		return false, &failure.Error{
			Kind:    failure.TaskTimeout,
			Op:      "wait task " + w.url,
			Message: fmt.Sprintf("still %s after %s (budget %s)", st.State, elapsed.Round(time.Second), w.budget),
			Logs:    st.LogMessages,
		}
	}
	w.logger.Debug().Str("state", string(st.State)).Dur("elapsed", elapsed).Msg("task not finished")
	return false, p.sleep(ctx, p.interval())
}

// handleForbidden absorbs intermittent 403s from the task endpoint. They
// are retried at once and do not consume the wait budget. A run of 403s
// lasting longer than the forbidden window fails the wait.
func (p *Poller) handleForbidden(w *wait, out transport.Outcome) error {
	metrics.TaskPolls.WithLabelValues(metrics.Code(out.StatusCode)).Inc()
	now := p.now()
	if w.forbidden == 0 {
		w.forbiddenSince = now
	}
	w.forbidden++

	window := p.ForbiddenWindow
	if window == 0 {
		window = w.budget
	}
	if streak := now.Sub(w.forbiddenSince); window > 0 && streak > window {
		return &failure.Error{
			Kind:    failure.UnexpectedStatus,
			Op:      "wait task " + w.url,
			Status:  out.StatusCode,
			Message: fmt.Sprintf("forbidden for %s (%d consecutive responses): %s", streak.Round(time.Second), w.forbidden, out.Snippet(512)),
		}
	}
	w.logger.Warn().Int("status", out.StatusCode).Int("consecutive", w.forbidden).Msg("forbidden while polling, retrying")
	return nil
}

// handleKnownDefect absorbs the server's INTERNAL_ERROR 500s. It reports
// false when the 500 is some other error.
func (p *Poller) handleKnownDefect(ctx context.Context, w *wait, out transport.Outcome) (bool, error) {
	se := decodeServiceError(out.Body)
	if se.ErrorCode != KnownErrorCode {
		return false, nil
	}
	metrics.TaskPolls.WithLabelValues(KnownErrorCode).Inc()

	limit := p.KnownErrorRetries
	if limit <= 0 {
		limit = DefaultKnownErrorRetries
	}
	if w.knownFault >= limit {
		return true, &failure.Error{
			Kind:    failure.KnownDefectExhausted,
			Op:      "wait task " + w.url,
			Status:  out.StatusCode,
			Message: fmt.Sprintf("%s persisted after %d retries: %s", KnownErrorCode, limit, out.Snippet(512)),
		}
	}
	w.knownFault++
	w.logger.Warn().Int("status", out.StatusCode).Int("attempt", w.knownFault).Msg("known internal error while polling, retrying")

	pause := p.KnownErrorPause
	if pause < 0 {
		pause = 0
	}
	return true, p.sleep(ctx, pause)
}

func (p *Poller) unexpected(w *wait, out transport.Outcome) error {
	metrics.TaskPolls.WithLabelValues(metrics.Code(out.StatusCode)).Inc()
	fe := &failure.Error{
		Kind:    failure.UnexpectedStatus,
		Op:      "wait task " + w.url,
		Status:  out.StatusCode,
		Message: out.Snippet(512),
	}
	var st Status
	if err := out.Decode(&st); err == nil {
		fe.Logs = st.LogMessages
	}
	return fe
}

func (p *Poller) header(ctx context.Context, override http.Header) (http.Header, error) {
	if override != nil {
		return override, nil
	}
	if p.Headers == nil {
		return nil, nil
	}
	h, err := p.Headers(ctx)
	if err != nil {
		return nil, fmt.Errorf("task headers: %w", err)
	}
	return h, nil
}

func (p *Poller) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleeper == nil {
		return transport.Sleep(ctx, d)
	}
	return p.Sleeper(ctx, d)
}

func (p *Poller) interval() time.Duration {
	if p.Interval > 0 {
		return p.Interval
	}
	return DefaultInterval
}

func (p *Poller) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Poller) elapsed(w *wait) time.Duration {
	return p.now().Sub(w.started)
}

func checkURL(taskURL string) error {
	trimmed := strings.TrimSpace(taskURL)
	if trimmed == "" || strings.HasSuffix(trimmed, undefinedSuffix) {
		return failure.New(failure.MalformedReference, "wait task", "invalid task locator %q", taskURL)
	}
	return nil
}
