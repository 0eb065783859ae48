package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"gwperf/pkg/auth"
	"gwperf/pkg/executor"
	"gwperf/pkg/task"
	"gwperf/pkg/transport"
)

// Options wires a Client to a deployment.
type Options struct {
	BaseURL  string
	TokenURL string
	Account  auth.Account
	// Sessions shares cached tokens between clients of the same account.
	// Nil gives the client a private session.
	Sessions *auth.Sessions

	Transport    transport.Caller
	Sleeper      transport.Sleeper
	PollInterval time.Duration
	Logger       zerolog.Logger
}

// Dial assembles the token manager, task poller and executor behind a
// Client.
func Dial(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, errors.New("base url is required")
	}
	if opts.Transport == nil {
		return nil, errors.New("transport is required")
	}

	tokens, err := auth.NewManager(opts.Transport, opts.Logger)
	if err != nil {
		return nil, err
	}
	if opts.TokenURL != "" {
		tokens.TokenURL = opts.TokenURL
	}
	if opts.Sleeper != nil {
		tokens.Sleeper = opts.Sleeper
	}

	var session *auth.Session
	if opts.Sessions != nil {
		session = opts.Sessions.Get(opts.Account)
	} else {
		session = auth.NewSession(opts.Account)
	}
	headers := func(ctx context.Context) (http.Header, error) {
		return tokens.Header(ctx, session)
	}

	poller, err := task.NewPoller(opts.Transport, headers, opts.Logger)
	if err != nil {
		return nil, err
	}
	if opts.Sleeper != nil {
		poller.Sleeper = opts.Sleeper
	}
	if opts.PollInterval > 0 {
		poller.Interval = opts.PollInterval
	}

	exec, err := executor.New(opts.BaseURL, opts.Transport, poller, headers, opts.Logger)
	if err != nil {
		return nil, err
	}
	c, err := New(exec, opts.Logger)
	if err != nil {
		return nil, err
	}
	if opts.Sleeper != nil {
		c.Sleeper = opts.Sleeper
	}
	return c, nil
}
