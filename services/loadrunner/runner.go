// Package loadrunner drives a workflow with concurrent virtual users that
// share a fixed pool of iterations, then summarises and archives the run.
package loadrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"gwperf/pkg/archive"
	"gwperf/pkg/bus"
	"gwperf/pkg/failure"
	"gwperf/pkg/metrics"
	"gwperf/pkg/render"
	"gwperf/pkg/report"
	"gwperf/services/workflows"
)

// EnvFactory builds the environment of one VU. VU 0 is used for setup and
// teardown.
type EnvFactory func(vu int) (*workflows.Env, error)

// Uploader stores run archives.
type Uploader interface {
	Upload(ctx context.Context, bucket, key string, data []byte, sha256 string, ttl time.Duration) (string, error)
}

// Recorder keeps finished runs.
type Recorder interface {
	Record(ctx context.Context, sum Summary) error
}

// Options tune a run. Zero VUs, Iterations and MaxDuration defer to the
// workflow's plan.
type Options struct {
	RunID       string
	VUs         int
	Iterations  int
	MaxDuration time.Duration

	Reporter report.Reporter
	// Launch names the launch started for the run. Empty leaves the
	// reporter's current launch alone.
	Launch            string
	LaunchDescription string

	Publisher bus.Publisher
	Renderer  *render.Engine
	Uploader  Uploader
	Bucket    string
	LinkTTL   time.Duration
	Recorder  Recorder

	Now    func() time.Time
	Logger zerolog.Logger
}

// Runner executes one workflow.
type Runner struct {
	wf   workflows.Workflow
	envs EnvFactory
	opts Options
}

// New validates its inputs and returns a Runner.
func New(wf workflows.Workflow, envs EnvFactory, opts Options) (*Runner, error) {
	if wf == nil {
		return nil, errors.New("workflow is required")
	}
	if envs == nil {
		return nil, errors.New("env factory is required")
	}
	if opts.VUs < 0 || opts.Iterations < 0 || opts.MaxDuration < 0 {
		return nil, errors.New("vus, iterations and max duration must not be negative")
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if opts.Reporter == nil {
		opts.Reporter = report.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Uploader != nil && opts.Bucket == "" {
		return nil, errors.New("bucket is required with an uploader")
	}
	return &Runner{wf: wf, envs: envs, opts: opts}, nil
}

// IterationEvent is published on bus.IterationSubject for every finished
// iteration.
type IterationEvent struct {
	Run       string        `json:"run"`
	Workflow  string        `json:"workflow"`
	Iteration int           `json:"iteration"`
	VU        int           `json:"vu"`
	Status    report.Status `json:"status"`
	Kind      string        `json:"kind,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Time      time.Time     `json:"time"`
}

// Run executes setup, the iterations and teardown. The returned error
// reports problems of the run itself; iteration outcomes are in the
// Summary.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	o := r.opts
	logger := o.Logger.With().Str("run", o.RunID).Str("workflow", r.wf.Name()).Logger()
	ctx = logger.WithContext(ctx)
	reportCtx := context.WithoutCancel(ctx)
	sum := Summary{RunID: o.RunID, Workflow: r.wf.Name(), Started: o.Now()}

	setupEnv, err := r.envs(0)
	if err != nil {
		return sum, fmt.Errorf("setup env: %w", err)
	}

	if o.Launch != "" {
		launch, err := o.Reporter.StartLaunch(reportCtx, o.Launch, o.LaunchDescription)
		if err != nil {
			logger.Warn().Err(err).Msg("report launch start")
		} else {
			defer func() {
				if err := o.Reporter.FinishLaunch(reportCtx, launch); err != nil {
					logger.Warn().Err(err).Msg("report launch finish")
				}
			}()
		}
	}

	plan, setupErr := r.wf.Setup(ctx, setupEnv)
	if setupErr != nil {
		logger.Error().Err(setupErr).Msg("setup failed")
		if err := r.wf.Teardown(reportCtx, setupEnv); err != nil {
			logger.Warn().Err(err).Msg("teardown after failed setup")
		}
		sum.Duration = o.Now().Sub(sum.Started)
		return sum, fmt.Errorf("setup %s: %w", r.wf.Name(), setupErr)
	}
	plan = r.resolve(plan)
	sum.VUs, sum.Planned = plan.VUs, plan.Iterations

	suiteName, suiteDesc := r.wf.Suite(plan.Iterations)
	suite, err := o.Reporter.StartSuite(reportCtx, suiteName, suiteDesc)
	if err != nil {
		logger.Warn().Err(err).Msg("report suite start")
	}
	logger.Info().Int("vus", plan.VUs).Int("iterations", plan.Iterations).Dur("max_duration", plan.MaxDuration).Msg("run starting")

	results, runErr := r.iterate(ctx, plan, suite)

	if err := o.Reporter.FinishSuite(reportCtx, suite); err != nil {
		logger.Warn().Err(err).Msg("report suite finish")
	}
	if err := r.wf.Teardown(reportCtx, setupEnv); err != nil {
		logger.Error().Err(err).Msg("teardown failed")
		runErr = errors.Join(runErr, fmt.Errorf("teardown %s: %w", r.wf.Name(), err))
	}

	sum.Duration = o.Now().Sub(sum.Started)
	sum.add(results)
	logger.Info().Int("passed", sum.Passed).Int("failed", sum.Failed).Int("interrupted", sum.Interrupted).Dur("duration", sum.Duration).Msg("run finished")

	if err := r.publishSummary(reportCtx, &sum); err != nil {
		logger.Warn().Err(err).Msg("archive summary")
	}
	if o.Recorder != nil {
		if err := o.Recorder.Record(reportCtx, sum); err != nil {
			logger.Warn().Err(err).Msg("record run")
		}
	}
	return sum, runErr
}

// resolve applies the caller's overrides and the workflow's cap to plan.
func (r *Runner) resolve(plan workflows.Plan) workflows.Plan {
	o := r.opts
	if o.VUs > 0 {
		plan.VUs = o.VUs
	}
	if o.Iterations > 0 {
		plan.Iterations = o.Iterations
	}
	if o.MaxDuration > 0 {
		plan.MaxDuration = o.MaxDuration
	}
	if plan.Limit > 0 && plan.Iterations > plan.Limit {
		plan.Iterations = plan.Limit
	}
	if plan.Iterations < 0 {
		plan.Iterations = 0
	}
	if plan.VUs <= 0 {
		plan.VUs = 1
	}
	if plan.MaxVUs > 0 && plan.VUs > plan.MaxVUs {
		o.Logger.Warn().Int("vus", plan.VUs).Int("max_vus", plan.MaxVUs).Msg("workflow caps virtual users")
		plan.VUs = plan.MaxVUs
	}
	if plan.VUs > plan.Iterations {
		plan.VUs = max(plan.Iterations, 1)
	}
	return plan
}

// iterate runs plan.VUs goroutines pulling iteration indexes from a shared
// counter until every iteration has been handed out or the deadline
// passes.
func (r *Runner) iterate(ctx context.Context, plan workflows.Plan, suite report.Handle) ([]Result, error) {
	if plan.Iterations == 0 {
		return nil, nil
	}
	runCtx := ctx
	if plan.MaxDuration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, plan.MaxDuration)
		defer cancel()
	}

	var (
		next    atomic.Int64
		mu      sync.Mutex
		results []Result
	)
	g := new(errgroup.Group)
	for vu := 1; vu <= plan.VUs; vu++ {
		g.Go(func() error {
			env, err := r.envs(vu)
			if err != nil {
				return fmt.Errorf("vu %d env: %w", vu, err)
			}
			env.Suite = suite
			env.VU = vu
			for {
				if runCtx.Err() != nil {
					return nil
				}
				idx := int(next.Add(1) - 1)
				if idx >= plan.Iterations {
					return nil
				}
				res := r.runIteration(runCtx, env, workflows.Iteration{Index: idx, VU: vu})
				mu.Lock()
				results = append(results, res)
				mu.Unlock()
			}
		})
	}
	err := g.Wait()
	sort.Slice(results, func(i, j int) bool { return results[i].Iteration < results[j].Iteration })
	return results, err
}

func (r *Runner) runIteration(ctx context.Context, env *workflows.Env, it workflows.Iteration) Result {
	o := r.opts
	logger := zerolog.Ctx(ctx).With().Int("vu", it.VU).Int("iteration", it.Number()).Logger()
	start := o.Now()

	ok, err := r.invoke(ctx, env, it)
	status, _ := report.Classify(ok, err, "")
	res := Result{Iteration: it.Number(), VU: it.VU, Status: status, Duration: o.Now().Sub(start)}
	if err != nil {
		res.Kind = failure.KindOf(err).String()
		res.Error = err.Error()
	}

	metrics.Iterations.WithLabelValues(r.wf.Name(), string(status)).Inc()
	ev := logger.Info()
	if status != report.Passed {
		ev = logger.Warn().Err(err)
	}
	ev.Str("status", string(status)).Dur("elapsed", res.Duration).Msg("iteration finished")

	if o.Publisher != nil {
		pubErr := o.Publisher.Publish(context.WithoutCancel(ctx), bus.IterationSubject, IterationEvent{
			Run:       o.RunID,
			Workflow:  r.wf.Name(),
			Iteration: res.Iteration,
			VU:        res.VU,
			Status:    res.Status,
			Kind:      res.Kind,
			Error:     res.Error,
			Duration:  res.Duration,
			Time:      o.Now(),
		})
		if pubErr != nil {
			logger.Warn().Err(pubErr).Msg("publish iteration")
		}
	}
	return res
}

func (r *Runner) invoke(ctx context.Context, env *workflows.Env, it workflows.Iteration) (ok bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
			err = fmt.Errorf("iteration %d panicked: %v", it.Number(), rec)
		}
	}()
	return r.wf.Run(ctx, env, it)
}

// publishSummary renders the summary and, with an uploader configured,
// archives it and records the download link.
func (r *Runner) publishSummary(ctx context.Context, sum *Summary) error {
	o := r.opts
	if o.Renderer == nil {
		return nil
	}
	text, err := o.Renderer.Render(render.Summary, sum)
	if err != nil {
		return err
	}
	sum.Text = text
	if o.Uploader == nil {
		return nil
	}

	data, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	bundle, err := archive.Pack([]archive.Entry{
		{Name: SummaryText, Data: []byte(text)},
		{Name: SummaryJSON, Data: data},
	}, sum.Started)
	if err != nil {
		return err
	}
	key := ArchiveKey(sum.Workflow, sum.RunID)
	link, err := o.Uploader.Upload(ctx, o.Bucket, key, bundle.Data, bundle.SHA256, o.LinkTTL)
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	sum.ArchiveURL = link
	o.Logger.Info().Str("key", key).Str("url", link).Msg("run archived")
	return nil
}

// Files of a run archive.
const (
	SummaryText = "summary.txt"
	SummaryJSON = "summary.json"
)

// ArchiveKey is the object key of a run archive.
func ArchiveKey(workflow, runID string) string {
	return "runs/" + workflow + "/" + runID + ".tar.zst"
}
