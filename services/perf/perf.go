// Package perf assembles the transport, reporting, event and storage
// stack a load test run needs and hands out one workflow environment per
// virtual user.
package perf

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"gwperf/pkg/auth"
	"gwperf/pkg/bus"
	"gwperf/pkg/db"
	"gwperf/pkg/render"
	"gwperf/pkg/report"
	"gwperf/pkg/s3"
	"gwperf/pkg/telemetry"
	"gwperf/pkg/transport"
	"gwperf/services/gateway"
	"gwperf/services/loadrunner"
	"gwperf/services/perf/internal/config"
	"gwperf/services/workflows"
)

// Deps are the inputs of Build.
type Deps struct {
	Env    config.Env
	File   config.File
	Logger zerolog.Logger
	// Doer replaces the traced HTTP client, mainly in tests.
	Doer transport.Doer
	// Sleeper replaces the wall-clock sleeper before time scaling.
	Sleeper transport.Sleeper
}

// Stack is everything shared by the VUs of a run.
type Stack struct {
	caller   *transport.Client
	portal   *report.Portal
	reporter report.Reporter
	events   *bus.Bus
	store    *s3.Client
	renderer *render.Engine
	pool     *pgxpool.Pool
	history  *db.History

	sessions *auth.Sessions
	account  auth.Account
	testbed  workflows.Testbed
	sleeper  transport.Sleeper
	deps     Deps
}

// Build validates the test configuration and connects the optional event
// bus and object store.
func Build(ctx context.Context, deps Deps) (*Stack, error) {
	if err := deps.File.Validate(); err != nil {
		return nil, fmt.Errorf("invalid test config: %w", err)
	}
	account, err := deps.File.Account()
	if err != nil {
		return nil, err
	}
	testbed, err := deps.File.WorkflowTestbed()
	if err != nil {
		return nil, err
	}

	sleeper := workflows.ScaledSleeper(deps.Sleeper, deps.Env.TimeScale)
	doer := deps.Doer
	if doer == nil {
		doer = telemetry.HTTPClient(deps.Env.HTTPTimeout)
	}
	caller := transport.New(
		transport.WithDoer(doer),
		transport.WithSleeper(sleeper),
		transport.WithLogger(deps.Logger),
	)

	s := &Stack{
		caller:   caller,
		sessions: &auth.Sessions{},
		account:  account,
		testbed:  testbed,
		sleeper:  sleeper,
		deps:     deps,
	}

	s.portal, err = report.NewPortal(deps.File.Testbed.Reporter, caller, deps.Logger)
	if err != nil {
		return nil, fmt.Errorf("report portal: %w", err)
	}
	s.reporter = s.portal

	if s.renderer, err = render.New(); err != nil {
		return nil, err
	}

	if url := deps.Env.NATSURL; url != "" {
		s.events, err = bus.New(url, deps.Logger)
		if err != nil {
			return nil, err
		}
		if err := s.events.EnsureStream(ctx, deps.Env.EventsMaxAge); err != nil {
			s.Close()
			return nil, err
		}
	}

	if dsn := deps.Env.DBDSN; dsn != "" {
		if s.pool, err = db.Open(ctx, dsn); err != nil {
			s.Close()
			return nil, fmt.Errorf("open run history: %w", err)
		}
		if err := db.Migrate(ctx, s.pool, deps.Logger); err != nil {
			s.Close()
			return nil, fmt.Errorf("migrate run history: %w", err)
		}
		if s.history, err = db.NewHistory(s.pool); err != nil {
			s.Close()
			return nil, err
		}
	}

	if deps.Env.S3.Enabled() {
		s.store, err = s3.NewClient(ctx, deps.Env.S3)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("s3 client: %w", err)
		}
	}
	return s, nil
}

// Close releases the event bus connection and the database pool.
func (s *Stack) Close() {
	if s.events != nil {
		s.events.Close()
		s.events = nil
	}
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
}

// History returns the run history, nil when GWPERF_DB_DSN is not set.
func (s *Stack) History() *db.History {
	return s.history
}

// Bus returns the event bus, nil when NATS is not configured.
func (s *Stack) Bus() *bus.Bus {
	return s.events
}

// Client dials a gateway client sharing the stack's token sessions.
func (s *Stack) Client() (*gateway.Client, error) {
	return s.dial(s.account)
}

// ClientFor dials a client acting as the accountOptions entry under key.
// Clients of one account share its token.
func (s *Stack) ClientFor(key string) (*gateway.Client, error) {
	account, err := s.deps.File.AccountNamed(key)
	if err != nil {
		return nil, err
	}
	if account.ClientID == "" || account.ClientSecret == "" {
		return nil, fmt.Errorf("account %q needs clientId and clientSecret", key)
	}
	return s.dial(account)
}

func (s *Stack) dial(account auth.Account) (*gateway.Client, error) {
	atlas := s.deps.File.Testbed.Atlas
	return gateway.Dial(gateway.Options{
		BaseURL:      atlas.BaseURI,
		TokenURL:     atlas.TokenURI,
		Account:      account,
		Sessions:     s.sessions,
		Transport:    s.caller,
		Sleeper:      s.sleeper,
		PollInterval: s.deps.Env.PollInterval,
		Logger:       s.deps.Logger,
	})
}

// Token requests a fresh token for the configured account.
func (s *Stack) Token(ctx context.Context) (string, time.Time, error) {
	tokens, err := auth.NewManager(s.caller, s.deps.Logger)
	if err != nil {
		return "", time.Time{}, err
	}
	tokens.TokenURL = s.deps.File.Testbed.Atlas.TokenURI
	tokens.Sleeper = s.sleeper
	token, err := tokens.Token(ctx, auth.NewSession(s.account))
	if err != nil {
		return "", time.Time{}, err
	}
	exp, err := auth.Expiry(token)
	if err != nil {
		return token, time.Time{}, nil
	}
	return token, exp, nil
}

// Envs returns the environment factory of one run. Every VU gets its own
// client and random source; tokens are shared per account.
func (s *Stack) Envs(reporter report.Reporter) loadrunner.EnvFactory {
	seed := uint64(time.Now().UnixNano())
	return func(vu int) (*workflows.Env, error) {
		client, err := s.Client()
		if err != nil {
			return nil, err
		}
		return &workflows.Env{
			Client:   client,
			Accounts: s,
			Reporter: reporter,
			Testbed:  s.testbed,
			Sleeper:  s.sleeper,
			Rand:     rand.New(rand.NewPCG(seed, uint64(vu))),
			Logger:   s.deps.Logger.With().Int("vu", vu).Logger(),
			VU:       vu,
		}, nil
	}
}

// RunOptions are the command line overrides of a run.
type RunOptions struct {
	RunID       string
	VUs         int
	Iterations  int
	MaxDuration time.Duration
}

// Runner prepares the run of the named workflow.
func (s *Stack) Runner(name string, opts RunOptions) (*loadrunner.Runner, error) {
	wf, err := workflows.New(name, s.deps.File.TestInput)
	if err != nil {
		return nil, err
	}
	if opts.RunID == "" {
		return nil, errors.New("run id is required")
	}

	reporter := s.reporter
	var publisher bus.Publisher
	if s.events != nil {
		publisher = s.events
		live, err := report.NewBusReporter(s.events, opts.RunID)
		if err != nil {
			return nil, err
		}
		reporter = report.NewFanout(s.portal, live)
	}

	launch := s.deps.File.Testbed.Reporter.Launch
	if launch == "" {
		launch = "gwperf " + name
	}
	ro := loadrunner.Options{
		RunID:             opts.RunID,
		VUs:               opts.VUs,
		Iterations:        opts.Iterations,
		MaxDuration:       opts.MaxDuration,
		Reporter:          reporter,
		Launch:            launch,
		LaunchDescription: s.deps.File.Testbed.Reporter.Description,
		Publisher:         publisher,
		Renderer:          s.renderer,
		Logger:            s.deps.Logger,
	}
	if s.history != nil {
		ro.Recorder = historyRecorder{history: s.history}
	}
	if s.store != nil {
		ro.Uploader = s.store
		ro.Bucket = s.deps.Env.S3.Bucket
		ro.LinkTTL = s.deps.Env.S3.LinkTTL
	}
	return loadrunner.New(wf, s.Envs(reporter), ro)
}
