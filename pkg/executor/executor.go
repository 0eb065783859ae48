// Package executor submits asynchronous operations and waits for the task
// each one returns.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"gwperf/pkg/failure"
	"gwperf/pkg/task"
	"gwperf/pkg/transport"
)

// Call describes one operation against the service.
type Call struct {
	Method string
	// Path is joined with the executor's base URL unless URL is set.
	Path string
	URL  string
	// Payload is marshalled as JSON; a []byte is sent verbatim.
	Payload any
	// Header overrides the executor's headers for the call and its task.
	Header http.Header
	// Expect is the immediate status of an accepted submission, 202 by default.
	Expect int
}

// Submission is an accepted asynchronous operation.
type Submission struct {
	TaskURI string
	TaskURL string
	Outcome transport.Outcome
}

type submitResponse struct {
	TaskURI string `json:"taskUri"`
}

// Executor pairs a transport with a task poller.
type Executor struct {
	BaseURL   string
	Transport transport.Caller
	Poller    *task.Poller
	Headers   task.HeaderFunc
	Logger    zerolog.Logger
}

// New validates the dependencies and returns an Executor.
func New(baseURL string, caller transport.Caller, poller *task.Poller, headers task.HeaderFunc, logger zerolog.Logger) (*Executor, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("base url is required")
	}
	if caller == nil {
		return nil, errors.New("transport is required")
	}
	if poller == nil {
		return nil, errors.New("poller is required")
	}
	return &Executor{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		Transport: caller,
		Poller:    poller,
		Headers:   headers,
		Logger:    logger,
	}, nil
}

// Run submits call and waits up to waitTime for its task.
func (e *Executor) Run(ctx context.Context, call Call, waitTime time.Duration) (bool, error) {
	sub, err := e.Submit(ctx, call)
	if err != nil {
		return false, err
	}
	return e.Poller.Wait(ctx, sub.TaskURL, waitTime, call.Header)
}

// Wait polls an already submitted task.
func (e *Executor) Wait(ctx context.Context, taskURI string, waitTime time.Duration) (bool, error) {
	if e == nil {
		return false, errors.New("nil executor")
	}
	return e.Poller.Wait(ctx, e.TaskURL(taskURI), waitTime, nil)
}

// Submit issues call, checks the immediate status and extracts the task
// reference from the response.
func (e *Executor) Submit(ctx context.Context, call Call) (Submission, error) {
	expect := call.Expect
	if expect == 0 {
		expect = http.StatusAccepted
	}
	out, err := e.Do(ctx, call, expect)
	if err != nil {
		return Submission{Outcome: out}, err
	}

	op := e.op(call)
	var resp submitResponse
	if len(strings.TrimSpace(string(out.Body))) > 0 {
		if err := json.Unmarshal(out.Body, &resp); err != nil {
			return Submission{Outcome: out}, &failure.Error{Kind: failure.DecodeError, Op: op, Status: out.StatusCode, Err: err}
		}
	}
	uri := strings.TrimSpace(resp.TaskURI)
	if uri == "" && out.Header != nil {
		uri = strings.TrimSpace(out.Header.Get("Location"))
	}
	if uri == "" {
		return Submission{Outcome: out}, failure.New(failure.MalformedReference, op, "response carries no task reference: %s", out.Snippet(256))
	}

	sub := Submission{TaskURI: uri, TaskURL: e.TaskURL(uri), Outcome: out}
	e.Logger.Debug().Str("op", op).Str("task_url", sub.TaskURL).Msg("operation accepted")
	return sub, nil
}

// Do issues call and requires one of the expected statuses, 200 when none
// are given.
func (e *Executor) Do(ctx context.Context, call Call, expect ...int) (transport.Outcome, error) {
	if e == nil {
		return transport.Outcome{}, errors.New("nil executor")
	}
	if len(expect) == 0 {
		expect = []int{http.StatusOK}
	}

	method := call.Method
	if method == "" {
		method = http.MethodGet
	}
	op := e.op(call)

	body, err := encode(call.Payload)
	if err != nil {
		return transport.Outcome{}, fmt.Errorf("%s: %w", op, err)
	}
	header, err := e.header(ctx, call.Header)
	if err != nil {
		return transport.Outcome{}, err
	}

	out, err := e.Transport.Do(ctx, transport.Request{
		Method: method,
		URL:    e.url(call),
		Body:   body,
		Header: header,
	})
	if err != nil {
		return out, fmt.Errorf("%s: %w", op, err)
	}
	if !slices.Contains(expect, out.StatusCode) {
		return out, &failure.Error{
			Kind:    failure.SubmissionRejected,
			Op:      op,
			Status:  out.StatusCode,
			Message: out.Snippet(512),
		}
	}
	return out, nil
}

// TaskURL joins a task reference with the base URL. Absolute references
// are returned unchanged.
func (e *Executor) TaskURL(uri string) string {
	if strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://") {
		return uri
	}
	return join(e.BaseURL, uri)
}

func (e *Executor) url(call Call) string {
	if call.URL != "" {
		return call.URL
	}
	return join(e.BaseURL, call.Path)
}

func (e *Executor) op(call Call) string {
	method := call.Method
	if method == "" {
		method = http.MethodGet
	}
	target := call.Path
	if call.URL != "" {
		target = call.URL
	}
	return method + " " + target
}

func (e *Executor) header(ctx context.Context, override http.Header) (http.Header, error) {
	if override != nil {
		return override, nil
	}
	if e.Headers == nil {
		return http.Header{"Content-Type": []string{"application/json"}}, nil
	}
	h, err := e.Headers(ctx)
	if err != nil {
		return nil, fmt.Errorf("request headers: %w", err)
	}
	return h, nil
}

func encode(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		return data, nil
	}
}

func join(base, path string) string {
	if path == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
