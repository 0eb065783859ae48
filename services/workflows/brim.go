package workflows

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// DefaultScheduleIDs runs the cloud, snapshot and local tiers of a job.
var DefaultScheduleIDs = []int{3, 1, 2}

// BrimBackup runs "backup now" on protection jobs of several accounts.
// Every account acts with its own token.
type BrimBackup struct {
	Options BrimOptions
}

// NewBrimBackup returns the multi-account backup workflow.
func NewBrimBackup(opts BrimOptions) *BrimBackup {
	return &BrimBackup{Options: opts}
}

func (w *BrimBackup) Name() string { return NameBrimBackup }

func (w *BrimBackup) Suite(planned int) (string, string) {
	return "BRIM Backup Test Suite", fmt.Sprintf("Protection jobs: %d, iterations: %d", len(w.Options.Jobs), planned)
}

// Setup checks every job names an account the testbed can dial. The same
// jobs run each iteration, so the workflow runs one VU.
func (w *BrimBackup) Setup(ctx context.Context, env *Env) (Plan, error) {
	o := w.Options
	if len(o.Jobs) == 0 {
		return Plan{}, errors.New("brim-backup: jobs is empty")
	}
	for i, j := range o.Jobs {
		if j.Account == "" || j.ProtectionJobID == "" {
			return Plan{}, fmt.Errorf("brim-backup: job %d needs account and protectionJobId", i+1)
		}
		if _, err := env.clientFor(j.Account); err != nil {
			return Plan{}, fmt.Errorf("brim-backup: %w", err)
		}
	}
	return Plan{VUs: 1, MaxVUs: 1, Iterations: max(o.Iterations, 1), MaxDuration: o.Duration.Duration()}, nil
}

func (w *BrimBackup) Run(ctx context.Context, env *Env, it Iteration) (bool, error) {
	o := w.Options
	ctx, t := env.startTest(ctx, it, fmt.Sprintf("BRIM backup #%d", it.Number()), "Run backup now on every configured protection job")

	passed := true
	for _, j := range o.Jobs {
		ok := t.step(ctx, fmt.Sprintf("Run backup now %s (%s)", j.ProtectionJobID, j.Account), "", func(ctx context.Context) (bool, error) {
			client, err := env.clientFor(j.Account)
			if err != nil {
				return false, err
			}
			wait := j.WaitTime.Duration()
			if wait <= 0 {
				wait = env.Testbed.TaskWait
			}
			schedules := j.ScheduleIDs
			if len(schedules) == 0 {
				schedules = DefaultScheduleIDs
			}
			return client.RunProtectionJob(ctx, j.ProtectionJobID, schedules, wait)
		})
		passed = passed && ok
		if ctx.Err() != nil {
			return t.finish(ctx, false)
		}
	}

	zerolog.Ctx(ctx).Info().Dur("settle", o.SettleTime.Duration()).Msg("backups triggered")
	if env.think(ctx, o.SettleTime) != nil {
		return t.finish(ctx, false)
	}
	return t.finish(ctx, passed)
}

func (w *BrimBackup) Teardown(context.Context, *Env) error { return nil }

// BrimSummary reports the cloud store usage and protected VM count of
// several accounts.
type BrimSummary struct {
	Options BrimOptions
}

// NewBrimSummary returns the multi-account summary workflow.
func NewBrimSummary(opts BrimOptions) *BrimSummary {
	return &BrimSummary{Options: opts}
}

func (w *BrimSummary) Name() string { return NameBrimSummary }

func (w *BrimSummary) Suite(int) (string, string) {
	return "BRIM Backup Metrics", "Protected VM and cloud backup size metrics for all BRIM accounts"
}

func (w *BrimSummary) Setup(ctx context.Context, env *Env) (Plan, error) {
	o := w.Options
	accounts := o.accounts()
	if len(accounts) == 0 {
		return Plan{}, errors.New("brim-summary: no accounts to summarise")
	}
	for _, a := range accounts {
		if _, err := env.clientFor(a); err != nil {
			return Plan{}, fmt.Errorf("brim-summary: %w", err)
		}
	}
	return Plan{VUs: 1, MaxVUs: 1, Iterations: max(o.Iterations, 1), MaxDuration: o.Duration.Duration()}, nil
}

// AccountSummary is what brim-summary reads for one account.
type AccountSummary struct {
	CloudBytes   int64
	ProtectedVMs int
}

// CloudSize renders the cloud usage in binary units.
func (s AccountSummary) CloudSize() string {
	if s.CloudBytes <= 0 {
		return "0 B"
	}
	return humanize.IBytes(uint64(s.CloudBytes))
}

func (w *BrimSummary) Run(ctx context.Context, env *Env, it Iteration) (bool, error) {
	o := w.Options
	ctx, t := env.startTest(ctx, it, fmt.Sprintf("BRIM Metrics #%d", it.Number()), "Metrics of BRIM accounts")

	passed := true
	for _, account := range o.accounts() {
		sum, ok := w.summarise(ctx, env, t, account)
		passed = passed && ok
		if ok {
			t.log(ctx, fmt.Sprintf("%s -> Used cloud size -> %s", account, sum.CloudSize()))
			t.log(ctx, fmt.Sprintf("%s -> No of VMs Protected -> %d", account, sum.ProtectedVMs))
			zerolog.Ctx(ctx).Info().
				Str("account", account).
				Int64("cloud_bytes", sum.CloudBytes).
				Int("protected_vms", sum.ProtectedVMs).
				Msg("account summary")
		}
		if ctx.Err() != nil {
			return t.finish(ctx, false)
		}
	}
	return t.finish(ctx, passed)
}

func (w *BrimSummary) summarise(ctx context.Context, env *Env, t *testRun, account string) (AccountSummary, bool) {
	var sum AccountSummary
	client, err := env.clientFor(account)
	if err != nil {
		return sum, false
	}
	capacity := t.step(ctx, fmt.Sprintf("Backup capacity summary (%s)", account), "", func(ctx context.Context) (bool, error) {
		s, err := client.BackupCapacity(ctx)
		sum.CloudBytes = s.CloudBytes()
		return err == nil, err
	})
	if !capacity || env.think(ctx, w.Options.SummaryPause) != nil {
		return sum, false
	}
	protections := t.step(ctx, fmt.Sprintf("Protected VM summary (%s)", account), "", func(ctx context.Context) (bool, error) {
		p, err := client.Protections(ctx)
		sum.ProtectedVMs = p.HypervisorManagers.TotalProtected
		return err == nil, err
	})
	return sum, protections
}

func (w *BrimSummary) Teardown(context.Context, *Env) error { return nil }
