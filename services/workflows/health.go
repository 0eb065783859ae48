package workflows

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"gwperf/pkg/metrics"
	"gwperf/services/gateway"
)

// healthPanels are the dashboard panels of the health page, in the order
// the page loads them.
var healthPanels = []struct {
	step  string
	panel string
}{
	{"Monitor Backup usage summary", gateway.PanelBackupCapacity},
	{"Monitor Recovery point check", gateway.PanelCopies},
	{"Monitor Inventory summary", gateway.PanelInventory},
	{"Monitor Protection job summary", gateway.PanelJobExecution},
	{"Monitor Protection policies summary", gateway.PanelTemplates},
}

// MonitorHealth loads every panel of the dashboard health page and times
// each read.
type MonitorHealth struct {
	Options MonitorHealthOptions
}

// NewMonitorHealth returns the health page workflow.
func NewMonitorHealth(opts MonitorHealthOptions) *MonitorHealth {
	return &MonitorHealth{Options: opts}
}

func (w *MonitorHealth) Name() string { return NameMonitorHealth }

func (w *MonitorHealth) Suite(planned int) (string, string) {
	return "Monitor Health page Test Suite", fmt.Sprintf("Total Iterations Executed: %d", planned)
}

func (w *MonitorHealth) Setup(ctx context.Context, env *Env) (Plan, error) {
	if err := env.check(); err != nil {
		return Plan{}, err
	}
	o := w.Options
	return Plan{VUs: o.VUs, Iterations: o.Iterations, MaxDuration: o.Duration.Duration()}, nil
}

// Run reads every panel even after one fails. The think time follows the
// reported test.
func (w *MonitorHealth) Run(ctx context.Context, env *Env, it Iteration) (bool, error) {
	ctx, t := env.startTest(ctx, it, fmt.Sprintf("Monitor Health page #%d", it.Number()), "Monitor Health page")

	passed := true
	for _, p := range healthPanels {
		ok := t.step(ctx, p.step, "", func(ctx context.Context) (bool, error) {
			return readPanel(ctx, env, p.panel)
		})
		passed = passed && ok
		if ctx.Err() != nil {
			return t.finish(ctx, false)
		}
	}
	ok, err := t.finish(ctx, passed)
	// The outcome is already reported; a cancelled pause does not change it.
	_ = env.think(ctx, w.Options.ThinkTime)
	return ok, err
}

func readPanel(ctx context.Context, env *Env, panel string) (bool, error) {
	start := env.now()
	_, err := env.Client.Panel(ctx, panel)
	elapsed := env.now().Sub(start)

	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.PanelLatency.WithLabelValues(panel, result).Observe(elapsed.Seconds())
	zerolog.Ctx(ctx).Info().Str("panel", panel).Dur("elapsed", elapsed).Str("result", result).Msg("dashboard panel read")
	return err == nil, err
}

func (w *MonitorHealth) Teardown(context.Context, *Env) error { return nil }
