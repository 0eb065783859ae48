package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gwperf/pkg/transport"
)

// Options configures the ReportPortal client.
type Options struct {
	Endpoint      string `json:"endpoint" yaml:"endpoint"`
	Project       string `json:"project" yaml:"project"`
	Token         string `json:"token" yaml:"token"`
	Launch        string `json:"launch" yaml:"launch"`
	Description   string `json:"description" yaml:"description"`
	PublishResult bool   `json:"publishResult" yaml:"publishResult"`
}

// Portal reports to a ReportPortal v2 project. With PublishResult unset
// every method is a no-op returning the empty handle.
type Portal struct {
	base    string
	token   string
	enabled bool
	caller  transport.Caller
	now     func() time.Time
	logger  zerolog.Logger

	mu     sync.RWMutex
	launch Handle
}

// NewPortal returns a Portal for opts.
func NewPortal(opts Options, caller transport.Caller, logger zerolog.Logger) (*Portal, error) {
	p := &Portal{enabled: opts.PublishResult, now: time.Now, logger: logger}
	if !p.enabled {
		return p, nil
	}
	if caller == nil {
		return nil, errors.New("transport is required")
	}
	if strings.TrimSpace(opts.Endpoint) == "" || strings.TrimSpace(opts.Project) == "" {
		return nil, errors.New("reporter endpoint and project are required")
	}
	p.base = strings.TrimRight(opts.Endpoint, "/") + "/" + opts.Project
	p.token = opts.Token
	p.caller = caller
	return p, nil
}

// Attach binds the client to a launch started elsewhere.
func (p *Portal) Attach(launch Handle) {
	p.mu.Lock()
	p.launch = launch
	p.mu.Unlock()
}

// Launch returns the bound launch.
func (p *Portal) Launch() Handle {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.launch
}

type attribute struct {
	Key   string `json:"key,omitempty"`
	Value string `json:"value"`
}

type launchRequest struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	StartTime   int64       `json:"startTime"`
	Mode        string      `json:"mode"`
	Attributes  []attribute `json:"attributes,omitempty"`
}

type itemRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	StartTime   int64  `json:"startTime"`
	Type        string `json:"type"`
	LaunchUUID  Handle `json:"launchUuid"`
	HasStats    *bool  `json:"hasStats,omitempty"`
}

type finishRequest struct {
	EndTime    int64         `json:"endTime"`
	Status     Status        `json:"status,omitempty"`
	LaunchUUID Handle        `json:"launchUuid,omitempty"`
	Issue      *issuePayload `json:"issue,omitempty"`
}

type issuePayload struct {
	IssueType string `json:"issueType"`
	Comment   string `json:"comment"`
}

type logRequest struct {
	LaunchUUID Handle `json:"launchUuid"`
	ItemUUID   Handle `json:"itemUuid"`
	Time       int64  `json:"time"`
	Message    string `json:"message"`
	Level      string `json:"level"`
}

type idResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

func (p *Portal) StartLaunch(ctx context.Context, name, description string) (Handle, error) {
	if !p.enabled {
		return "", nil
	}
	id, err := p.send(ctx, http.MethodPost, "/launch", launchRequest{
		Name:        name,
		Description: description,
		StartTime:   p.millis(),
		Mode:        "DEFAULT",
		Attributes:  []attribute{{Key: "build", Value: "0.1"}, {Value: "test"}},
	})
	if err != nil {
		return "", err
	}
	p.Attach(id)
	return id, nil
}

func (p *Portal) FinishLaunch(ctx context.Context, launch Handle) error {
	if !p.enabled {
		return nil
	}
	if launch == "" {
		return errors.New("finish launch: empty handle")
	}
	_, err := p.send(ctx, http.MethodPut, "/launch/"+string(launch)+"/finish", finishRequest{EndTime: p.millis()})
	return err
}

func (p *Portal) StartSuite(ctx context.Context, name, description string) (Handle, error) {
	if !p.enabled {
		return "", nil
	}
	return p.send(ctx, http.MethodPost, "/item", itemRequest{
		Name:        name,
		Description: description,
		StartTime:   p.millis(),
		Type:        "suite",
		LaunchUUID:  p.Launch(),
	})
}

func (p *Portal) FinishSuite(ctx context.Context, suite Handle) error {
	return p.finishItem(ctx, suite, "", Issue{})
}

func (p *Portal) StartTest(ctx context.Context, suite Handle, name, description string) (Handle, error) {
	return p.startChild(ctx, suite, name, description, "test", nil)
}

func (p *Portal) FinishTest(ctx context.Context, test Handle, status Status) error {
	return p.finishItem(ctx, test, status, Issue{})
}

func (p *Portal) StartStep(ctx context.Context, parent Handle, name, description string) (Handle, error) {
	hasStats := false
	return p.startChild(ctx, parent, name, description, "step", &hasStats)
}

func (p *Portal) FinishStep(ctx context.Context, step Handle, status Status, issue Issue) error {
	return p.finishItem(ctx, step, status, issue)
}

// WriteLog attaches an error-level log entry to item.
func (p *Portal) WriteLog(ctx context.Context, item Handle, message string) error {
	if !p.enabled {
		return nil
	}
	_, err := p.send(ctx, http.MethodPost, "/log", logRequest{
		LaunchUUID: p.Launch(),
		ItemUUID:   item,
		Time:       p.millis(),
		Message:    message,
		Level:      "error",
	})
	return err
}

func (p *Portal) startChild(ctx context.Context, parent Handle, name, description, kind string, hasStats *bool) (Handle, error) {
	if !p.enabled {
		return "", nil
	}
	if parent == "" {
		return "", fmt.Errorf("start %s %q: empty parent handle", kind, name)
	}
	return p.send(ctx, http.MethodPost, "/item/"+string(parent), itemRequest{
		Name:        name,
		Description: description,
		StartTime:   p.millis(),
		Type:        kind,
		LaunchUUID:  p.Launch(),
		HasStats:    hasStats,
	})
}

func (p *Portal) finishItem(ctx context.Context, item Handle, status Status, issue Issue) error {
	if !p.enabled {
		return nil
	}
	if item == "" {
		return errors.New("finish item: empty handle")
	}
	req := finishRequest{EndTime: p.millis(), Status: status, LaunchUUID: p.Launch()}
	if issue.Type != "" {
		comment := issue.Comment
		if comment == "" {
			comment = "no comments"
		}
		req.Issue = &issuePayload{IssueType: issue.Type, Comment: comment}
	}
	_, err := p.send(ctx, http.MethodPut, "/item/"+string(item), req)
	return err
}

func (p *Portal) send(ctx context.Context, method, path string, payload any) (Handle, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal report request: %w", err)
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Authorization", "Bearer "+p.token)

	out, err := p.caller.Do(ctx, transport.Request{Method: method, URL: p.base + path, Body: body, Header: header})
	if err != nil {
		return "", fmt.Errorf("report %s %s: %w", method, path, err)
	}
	if out.StatusCode < 200 || out.StatusCode > 299 {
		return "", fmt.Errorf("report %s %s: status %d: %s", method, path, out.StatusCode, out.Snippet(256))
	}

	var resp idResponse
	if len(out.Body) > 0 {
		if err := json.Unmarshal(out.Body, &resp); err != nil {
			return "", fmt.Errorf("decode report response: %w", err)
		}
	}
	if resp.Message != "" {
		p.logger.Debug().Str("path", path).Msg(resp.Message)
	}
	return Handle(resp.ID), nil
}

func (p *Portal) millis() int64 {
	return p.now().UnixMilli()
}
