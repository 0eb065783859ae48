package loadrunner_test

import (
	"bytes"
	"context"
	"errors"
	"math/rand/v2"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwperf/pkg/archive"
	"gwperf/pkg/auth"
	"gwperf/pkg/bus"
	"gwperf/pkg/failure"
	"gwperf/pkg/render"
	"gwperf/pkg/report"
	"gwperf/pkg/transport"
	"gwperf/services/gateway"
	"gwperf/services/loadrunner"
	"gwperf/services/mockapi"
	"gwperf/services/workflows"
)

// scripted is a workflow whose iterations behave as outcome says.
type scripted struct {
	plan     workflows.Plan
	setupErr error
	outcome  func(ctx context.Context, it workflows.Iteration) (bool, error)

	mu        sync.Mutex
	seen      map[int]int
	vus       map[int]bool
	teardowns int
}

func (s *scripted) Name() string { return "scripted" }

func (s *scripted) Suite(planned int) (string, string) { return "Scripted", "" }

func (s *scripted) Setup(context.Context, *workflows.Env) (workflows.Plan, error) {
	return s.plan, s.setupErr
}

func (s *scripted) Run(ctx context.Context, env *workflows.Env, it workflows.Iteration) (bool, error) {
	s.mu.Lock()
	if s.seen == nil {
		s.seen, s.vus = map[int]int{}, map[int]bool{}
	}
	s.seen[it.Index]++
	s.vus[env.VU] = true
	s.mu.Unlock()
	if s.outcome == nil {
		return true, nil
	}
	return s.outcome(ctx, it)
}

func (s *scripted) Teardown(context.Context, *workflows.Env) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardowns++
	return nil
}

func plainEnvs(vu int) (*workflows.Env, error) {
	return &workflows.Env{VU: vu, Logger: zerolog.Nop()}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []loadrunner.IterationEvent
}

func (p *recordingPublisher) Publish(_ context.Context, subj string, v any) error {
	if subj != bus.IterationSubject {
		return errors.New("unexpected subject " + subj)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, v.(loadrunner.IterationEvent))
	return nil
}

type memoryUploader struct {
	bucket, key, sha string
	data             []byte
}

func (u *memoryUploader) Upload(_ context.Context, bucket, key string, data []byte, sha256 string, _ time.Duration) (string, error) {
	u.bucket, u.key, u.data, u.sha = bucket, key, data, sha256
	return "https://objects.example/" + key, nil
}

func TestNewValidates(t *testing.T) {
	wf := &scripted{}
	tests := []struct {
		name string
		wf   workflows.Workflow
		envs loadrunner.EnvFactory
		opts loadrunner.Options
	}{
		{name: "no workflow", envs: plainEnvs},
		{name: "no envs", wf: wf},
		{name: "negative vus", wf: wf, envs: plainEnvs, opts: loadrunner.Options{VUs: -1}},
		{name: "uploader without bucket", wf: wf, envs: plainEnvs, opts: loadrunner.Options{Uploader: &memoryUploader{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadrunner.New(tt.wf, tt.envs, tt.opts)
			assert.Error(t, err)
		})
	}
}

func TestSharedIterationsRunOnce(t *testing.T) {
	wf := &scripted{
		plan: workflows.Plan{VUs: 4, Iterations: 20},
		outcome: func(_ context.Context, it workflows.Iteration) (bool, error) {
			time.Sleep(time.Millisecond)
			return true, nil
		},
	}
	r, err := loadrunner.New(wf, plainEnvs, loadrunner.Options{RunID: "run-1"})
	require.NoError(t, err)

	sum, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 20, sum.Planned)
	assert.Equal(t, 20, sum.Total)
	assert.Equal(t, 20, sum.Passed)
	assert.Equal(t, 4, sum.VUs)
	assert.True(t, sum.OK())
	require.Len(t, wf.seen, 20)
	for idx, n := range wf.seen {
		assert.Equal(t, 1, n, "iteration %d", idx)
	}
	for i, res := range sum.Results {
		assert.Equal(t, i+1, res.Iteration)
	}
	assert.NotContains(t, wf.vus, 0)
	assert.Equal(t, 1, wf.teardowns)
}

func TestPlanResolution(t *testing.T) {
	tests := []struct {
		name      string
		plan      workflows.Plan
		opts      loadrunner.Options
		wantVUs   int
		wantTotal int
	}{
		{name: "plan as is", plan: workflows.Plan{VUs: 2, Iterations: 5}, wantVUs: 2, wantTotal: 5},
		{name: "overrides", plan: workflows.Plan{VUs: 2, Iterations: 5}, opts: loadrunner.Options{VUs: 3, Iterations: 7}, wantVUs: 3, wantTotal: 7},
		{name: "limit caps override", plan: workflows.Plan{VUs: 2, Iterations: 2, Limit: 3}, opts: loadrunner.Options{Iterations: 10}, wantVUs: 2, wantTotal: 3},
		{name: "vus capped by iterations", plan: workflows.Plan{VUs: 8, Iterations: 3}, wantVUs: 3, wantTotal: 3},
		{name: "zero vus", plan: workflows.Plan{Iterations: 2}, wantVUs: 1, wantTotal: 2},
		{name: "nothing to do", plan: workflows.Plan{VUs: 2}, wantVUs: 1, wantTotal: 0},
		{name: "max vus caps override", plan: workflows.Plan{VUs: 1, MaxVUs: 1, Iterations: 8}, opts: loadrunner.Options{VUs: 4}, wantVUs: 1, wantTotal: 8},
		{name: "max vus caps plan", plan: workflows.Plan{VUs: 6, MaxVUs: 2, Iterations: 8}, wantVUs: 2, wantTotal: 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf := &scripted{plan: tt.plan}
			r, err := loadrunner.New(wf, plainEnvs, tt.opts)
			require.NoError(t, err)
			sum, err := r.Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.wantVUs, sum.VUs)
			assert.Equal(t, tt.wantTotal, sum.Planned)
			assert.Equal(t, tt.wantTotal, sum.Total)
		})
	}
}

func TestMaxDurationStopsHandingOutIterations(t *testing.T) {
	wf := &scripted{
		plan: workflows.Plan{VUs: 1, Iterations: 1000, MaxDuration: 50 * time.Millisecond},
		outcome: func(ctx context.Context, _ workflows.Iteration) (bool, error) {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(20 * time.Millisecond):
				return true, nil
			}
		},
	}
	r, err := loadrunner.New(wf, plainEnvs, loadrunner.Options{})
	require.NoError(t, err)

	sum, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Less(t, sum.Total, sum.Planned)
	assert.False(t, sum.OK())
	assert.Equal(t, 1, wf.teardowns)
}

func TestOutcomesAreClassified(t *testing.T) {
	wf := &scripted{
		plan: workflows.Plan{VUs: 1, Iterations: 4},
		outcome: func(_ context.Context, it workflows.Iteration) (bool, error) {
			switch it.Index {
			case 0:
				return true, nil
			case 1:
				return false, failure.New(failure.TaskFailed, "create gateway", "task failed")
			case 2:
				return false, failure.New(failure.AuthFailure, "token", "no token")
			default:
				panic("boom")
			}
		},
	}
	pub := &recordingPublisher{}
	r, err := loadrunner.New(wf, plainEnvs, loadrunner.Options{RunID: "run-2", Publisher: pub})
	require.NoError(t, err)

	sum, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Passed)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 2, sum.Interrupted)
	assert.Equal(t, map[string]int{"task_failed": 1, "auth_failure": 1, "unknown": 1}, sum.ErrorsByKind)
	assert.Contains(t, sum.Results[3].Error, "panicked")

	require.Len(t, pub.events, 4)
	for _, ev := range pub.events {
		assert.Equal(t, "run-2", ev.Run)
		assert.Equal(t, "scripted", ev.Workflow)
	}
}

func TestSetupFailureStillTearsDown(t *testing.T) {
	wf := &scripted{setupErr: errors.New("no vm")}
	r, err := loadrunner.New(wf, plainEnvs, loadrunner.Options{})
	require.NoError(t, err)

	_, err = r.Run(context.Background())
	require.ErrorContains(t, err, "no vm")
	assert.Equal(t, 1, wf.teardowns)
	assert.Empty(t, wf.seen)
}

func TestEnvFailureIsReported(t *testing.T) {
	wf := &scripted{plan: workflows.Plan{VUs: 2, Iterations: 2}}
	envs := func(vu int) (*workflows.Env, error) {
		if vu == 2 {
			return nil, errors.New("dial failed")
		}
		return plainEnvs(vu)
	}
	r, err := loadrunner.New(wf, envs, loadrunner.Options{})
	require.NoError(t, err)

	sum, err := r.Run(context.Background())
	require.ErrorContains(t, err, "vu 2 env")
	assert.Equal(t, 2, sum.Total, "the healthy VU drains the shared iterations")
}

func TestSummaryIsRenderedAndArchived(t *testing.T) {
	engine, err := render.New()
	require.NoError(t, err)
	up := &memoryUploader{}
	wf := &scripted{plan: workflows.Plan{VUs: 1, Iterations: 2}}
	r, err := loadrunner.New(wf, plainEnvs, loadrunner.Options{
		RunID:    "run-3",
		Renderer: engine,
		Uploader: up,
		Bucket:   "perf-results",
		LinkTTL:  time.Hour,
	})
	require.NoError(t, err)

	sum, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Contains(t, sum.Text, "run run-3 (scripted)")
	assert.Contains(t, sum.Text, "iterations 2 of 2")
	assert.Equal(t, "perf-results", up.bucket)
	assert.Equal(t, loadrunner.ArchiveKey("scripted", "run-3"), up.key)
	assert.Equal(t, "https://objects.example/runs/scripted/run-3.tar.zst", sum.ArchiveURL)
	assert.Len(t, up.sha, 64)

	entries, err := archive.Unpack(bytes.NewReader(up.data))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "summary.txt", entries[0].Name)
	assert.Equal(t, sum.Text, string(entries[0].Data))
	assert.Equal(t, "summary.json", entries[1].Name)
	assert.Contains(t, string(entries[1].Data), `"run_id": "run-3"`)
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestCRUDAgainstMock(t *testing.T) {
	fake, err := mockapi.New(mockapi.Config{
		Secret:       []byte("runner-test"),
		Seed:         mockapi.DefaultSeed(),
		RunningPolls: 1,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	srv := httptest.NewServer(fake.Routes())
	t.Cleanup(srv.Close)

	caller := transport.New(transport.WithDoer(srv.Client()), transport.WithSleeper(noSleep))
	portal, err := report.NewPortal(report.Options{
		Endpoint:      srv.URL + mockapi.PortalPath,
		Project:       "perf",
		Token:         "portal-token",
		PublishResult: true,
	}, caller, zerolog.Nop())
	require.NoError(t, err)

	sessions := &auth.Sessions{}
	account := auth.Account{Name: "perf", ClientID: "perf", ClientSecret: "secret"}
	var clock sync.Mutex
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	envs := func(vu int) (*workflows.Env, error) {
		client, err := gateway.Dial(gateway.Options{
			BaseURL:   srv.URL,
			TokenURL:  srv.URL + mockapi.TokenPath,
			Account:   account,
			Sessions:  sessions,
			Transport: caller,
			Sleeper:   noSleep,
			Logger:    zerolog.Nop(),
		})
		if err != nil {
			return nil, err
		}
		return &workflows.Env{
			Client:   client,
			Reporter: portal,
			Testbed: workflows.Testbed{
				Vcenter: workflows.Vcenter{
					Name:       "vcenter-01",
					Network:    "VM Network",
					Datastores: []string{"datastore-01"},
					Hosts:      []string{"esx-01"},
				},
				CreateTimeout: time.Minute,
				TaskWait:      time.Minute,
			},
			Sleeper: noSleep,
			Now: func() time.Time {
				clock.Lock()
				defer clock.Unlock()
				now = now.Add(time.Second)
				return now
			},
			Rand:   rand.New(rand.NewPCG(uint64(vu), 7)),
			Logger: zerolog.Nop(),
			VU:     vu,
		}, nil
	}

	wf := workflows.NewCRUD(workflows.CRUDOptions{
		VUs:            2,
		Iterations:     3,
		NetworkAddress: "10.0.0.10",
		Gateway: workflows.GatewayOptions{
			VMPrefix:       "perf",
			DNSAddress:     "10.0.0.2",
			AlternateDNS:   "10.0.0.3",
			Gateway:        "10.0.0.1",
			SubnetMask:     "255.255.255.0",
			IPPrefix:       "10.0.0.",
			IPMin:          "20",
			IPMax:          "30",
			DataSubnetMask: "255.255.255.0",
		},
	})
	r, err := loadrunner.New(wf, envs, loadrunner.Options{
		RunID:    "crud-run",
		Reporter: portal,
		Launch:   "gwperf crud",
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	sum, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Passed, "results: %+v", sum.Results)
	assert.Equal(t, 2, sum.VUs)

	gws, err := envs(0)
	require.NoError(t, err)
	left, err := gws.Client.GatewaysWithPrefix(context.Background(), "perf")
	require.NoError(t, err)
	assert.Empty(t, left)

	suite, ok := fake.FindPortalItem("suite", "CRUD Workflow Test Suite")
	require.True(t, ok)
	assert.True(t, suite.Finished)
	launch, ok := fake.FindPortalItem("launch", "gwperf crud")
	require.True(t, ok)
	assert.True(t, launch.Finished)
}
