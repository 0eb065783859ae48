// Package report records launches, suites, tests and steps with an
// external result-reporting service.
package report

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"gwperf/pkg/failure"
	"gwperf/pkg/metrics"
)

// Status is the terminal status of a reported item.
type Status string

const (
	Passed      Status = "passed"
	Failed      Status = "failed"
	Interrupted Status = "interrupted"
)

// DefaultIssue marks interrupted steps for investigation.
const DefaultIssue = "ti001"

// Handle identifies a reported item. The empty handle is returned when
// reporting is disabled.
type Handle string

// Issue annotates a finished item. The zero Issue attaches nothing.
type Issue struct {
	Type    string
	Comment string
}

// Reporter is implemented by every result sink.
type Reporter interface {
	StartLaunch(ctx context.Context, name, description string) (Handle, error)
	FinishLaunch(ctx context.Context, launch Handle) error
	StartSuite(ctx context.Context, name, description string) (Handle, error)
	FinishSuite(ctx context.Context, suite Handle) error
	StartTest(ctx context.Context, suite Handle, name, description string) (Handle, error)
	FinishTest(ctx context.Context, test Handle, status Status) error
	StartStep(ctx context.Context, parent Handle, name, description string) (Handle, error)
	FinishStep(ctx context.Context, step Handle, status Status, issue Issue) error
	WriteLog(ctx context.Context, item Handle, message string) error
}

// Nop discards everything.
type Nop struct{}

func (Nop) StartLaunch(context.Context, string, string) (Handle, error) { return "", nil }
func (Nop) FinishLaunch(context.Context, Handle) error { return nil }
func (Nop) StartSuite(context.Context, string, string) (Handle, error) { return "", nil }
func (Nop) FinishSuite(context.Context, Handle) error { return nil }
func (Nop) StartTest(context.Context, Handle, string, string) (Handle, error) { return "", nil }
func (Nop) FinishTest(context.Context, Handle, Status) error { return nil }
func (Nop) StartStep(context.Context, Handle, string, string) (Handle, error) { return "", nil }
func (Nop) FinishStep(context.Context, Handle, Status, Issue) error { return nil }
func (Nop) WriteLog(context.Context, Handle, string) error { return nil }

// Step names a reported unit of work.
type Step struct {
	Parent      Handle
	Name        string
	Description string
	// Issue is the issue type attached when the step is interrupted.
	Issue string
}

// Classify maps the result of a step to its reported status and issue.
func Classify(ok bool, err error, issueType string) (Status, Issue) {
	switch {
	case err == nil && ok:
		return Passed, Issue{}
	case err == nil:
		return Failed, Issue{}
	case failure.KindOf(err).Expected():
		return Failed, Issue{}
	default:
		if issueType == "" {
			issueType = DefaultIssue
		}
		return Interrupted, Issue{Type: issueType, Comment: err.Error()}
	}
}

// RunStep reports fn as one step. The step is finished exactly once
// whatever fn does, a panic included. Reporting errors are logged and never
// replace fn's result.
func RunStep(ctx context.Context, r Reporter, step Step, fn func(context.Context) (bool, error)) (bool, error) {
	if r == nil {
		r = Nop{}
	}
	logger := zerolog.Ctx(ctx).With().Str("step", step.Name).Logger()
	reportCtx := context.WithoutCancel(ctx)

	handle, err := r.StartStep(reportCtx, step.Parent, step.Name, step.Description)
	if err != nil {
		logger.Warn().Err(err).Msg("report step start")
	}

	ok, runErr := invoke(ctx, step.Name, fn)
	status, issue := Classify(ok, runErr, step.Issue)

	if runErr != nil {
		logger.Error().Err(runErr).Str("status", string(status)).Str("kind", failure.KindOf(runErr).String()).Msg("step did not pass")
		if err := r.WriteLog(reportCtx, handle, runErr.Error()); err != nil {
			logger.Warn().Err(err).Msg("report step log")
		}
	} else {
		logger.Info().Str("status", string(status)).Msg("step finished")
	}

	if err := r.FinishStep(reportCtx, handle, status, issue); err != nil {
		logger.Warn().Err(err).Msg("report step finish")
	}
	metrics.StepResults.WithLabelValues(step.Name, string(status)).Inc()
	return ok, runErr
}

func invoke(ctx context.Context, name string, fn func(context.Context) (bool, error)) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = fmt.Errorf("step %q panicked: %v", name, r)
		}
	}()
	return fn(ctx)
}
