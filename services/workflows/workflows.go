// Package workflows implements the load test scenarios run against the
// backup management API. Each workflow runs one iteration at a time for a
// single virtual user and reports it as a test made of steps.
package workflows

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"gwperf/pkg/report"
	"gwperf/pkg/transport"
	"gwperf/services/gateway"
)

// Workflow names accepted by New.
const (
	NameCRUD               = "crud"
	NameBackupRestore      = "backup-restore"
	NameCloudBackupRestore = "cloud-backup-restore"
	NameCreateGateways     = "create-gateways"
	NameDeleteGateways     = "delete-gateways"
	NameModifyLocalStore   = "modify-local-store"
	NameBrimBackup         = "brim-backup"
	NameBrimSummary        = "brim-summary"
	NameMonitorHealth      = "monitor-health"
)

// Plan is how a workflow asks to be run.
type Plan struct {
	VUs         int
	Iterations  int
	MaxDuration time.Duration
	// Limit caps the iterations whatever the caller asks for. Zero means
	// no cap.
	Limit int
	// MaxVUs caps the VUs whatever the caller asks for, for workflows
	// whose iterations share resources. Zero means no cap.
	MaxVUs int
}

// Iteration identifies one run of a workflow.
type Iteration struct {
	// Index is zero-based and unique across all VUs of a run.
	Index int
	VU    int
}

// Number is the one-based iteration number used in reports.
func (it Iteration) Number() int {
	return it.Index + 1
}

// Workflow is a load test scenario. Setup runs once before any iteration
// and Teardown once after the last one; Run is called concurrently by
// every VU, each with its own Env.
type Workflow interface {
	Name() string
	Suite(planned int) (name, description string)
	Setup(ctx context.Context, env *Env) (Plan, error)
	Run(ctx context.Context, env *Env, it Iteration) (bool, error)
	Teardown(ctx context.Context, env *Env) error
}

// New returns the workflow called name.
func New(name string, opts Options) (Workflow, error) {
	switch name {
	case NameCRUD:
		return NewCRUD(opts.CRUD), nil
	case NameBackupRestore:
		return NewBackupRestore(opts.BackupRestore), nil
	case NameCloudBackupRestore:
		return NewCloudBackupRestore(opts.CloudBackupRestore), nil
	case NameCreateGateways:
		return NewCreateGateways(opts.CreateGateways), nil
	case NameDeleteGateways:
		return NewDeleteGateways(opts.DeleteGateways), nil
	case NameModifyLocalStore:
		return NewModifyLocalStore(opts.ModifyLocalStore), nil
	case NameBrimBackup:
		return NewBrimBackup(opts.Brim), nil
	case NameBrimSummary:
		return NewBrimSummary(opts.Brim), nil
	case NameMonitorHealth:
		return NewMonitorHealth(opts.MonitorHealth), nil
	default:
		return nil, fmt.Errorf("unknown workflow %q", name)
	}
}

// Names lists every workflow.
func Names() []string {
	names := []string{
		NameCRUD, NameBackupRestore, NameCloudBackupRestore, NameCreateGateways, NameDeleteGateways,
		NameModifyLocalStore, NameBrimBackup, NameBrimSummary, NameMonitorHealth,
	}
	sort.Strings(names)
	return names
}

// Dialer hands out clients acting as a named account of the testbed.
type Dialer interface {
	ClientFor(account string) (*gateway.Client, error)
}

// Env is what one VU works with. It is not safe for concurrent use; every
// VU gets its own.
type Env struct {
	Client *gateway.Client
	// Accounts serves the workflows that act for several accounts.
	Accounts Dialer
	Reporter report.Reporter
	// Suite is the report item tests are attached to.
	Suite   report.Handle
	Testbed Testbed
	Sleeper transport.Sleeper
	Now     func() time.Time
	Rand    *rand.Rand
	Logger  zerolog.Logger
	VU      int

	clients map[string]*gateway.Client
}

// ScaledSleeper multiplies every pause by factor before handing it to
// base. A factor of zero or one leaves pauses as they are.
func ScaledSleeper(base transport.Sleeper, factor float64) transport.Sleeper {
	if base == nil {
		base = transport.Sleep
	}
	if factor <= 0 || factor == 1 {
		return base
	}
	return func(ctx context.Context, d time.Duration) error {
		return base(ctx, time.Duration(float64(d)*factor))
	}
}

func (e *Env) reporter() report.Reporter {
	if e.Reporter == nil {
		return report.Nop{}
	}
	return e.Reporter
}

func (e *Env) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

func (e *Env) intN(n int) int {
	if e.Rand == nil {
		return rand.IntN(n)
	}
	return e.Rand.IntN(n)
}

// think pauses between steps.
func (e *Env) think(ctx context.Context, d Seconds) error {
	if d <= 0 {
		return nil
	}
	if e.Sleeper == nil {
		return transport.Sleep(ctx, d.Duration())
	}
	return e.Sleeper(ctx, d.Duration())
}

// clientFor returns the client of the named account, dialing it once.
func (e *Env) clientFor(account string) (*gateway.Client, error) {
	if c, ok := e.clients[account]; ok {
		return c, nil
	}
	if e.Accounts == nil {
		return nil, fmt.Errorf("account %q: env has no account dialer", account)
	}
	c, err := e.Accounts.ClientFor(account)
	if err != nil {
		return nil, fmt.Errorf("account %q: %w", account, err)
	}
	if e.clients == nil {
		e.clients = map[string]*gateway.Client{}
	}
	e.clients[account] = c
	return c, nil
}

func (e *Env) check() error {
	if e == nil || e.Client == nil {
		return errors.New("env has no gateway client")
	}
	return nil
}

// placement resolves the vCenter, a random datastore and a random host of
// the testbed.
func (e *Env) placement(ctx context.Context) (gateway.Placement, error) {
	vc := e.Testbed.Vcenter
	if vc.Name == "" || len(vc.Datastores) == 0 || len(vc.Hosts) == 0 {
		return gateway.Placement{}, errors.New("testbed vcenter needs a name, datastores and hosts")
	}
	hm, err := e.Client.HypervisorManagerID(ctx, vc.Name)
	if err != nil {
		return gateway.Placement{}, err
	}
	ds := vc.Datastores[e.intN(len(vc.Datastores))]
	host := vc.Hosts[e.intN(len(vc.Hosts))]
	dsID, err := e.Client.DatastoreID(ctx, ds)
	if err != nil {
		return gateway.Placement{}, err
	}
	hostID, err := e.Client.HostID(ctx, ds, host)
	if err != nil {
		return gateway.Placement{}, err
	}
	e.Logger.Info().Str("vcenter", vc.Name).Str("datastore", ds).Str("host", host).Msg("placement resolved")
	return gateway.Placement{
		HypervisorManagerID: hm,
		DatastoreID:         dsID,
		HostID:              hostID,
		NetworkName:         vc.Network,
	}, nil
}

// request fills a creation request from base and the gateway options.
func (o GatewayOptions) request(base gateway.Placement, name, address string) gateway.CreateGatewayRequest {
	p := base
	p.Name = name
	p.NetworkAddress = address
	p.DNSAddress = o.DNSAddress
	p.Gateway = o.Gateway
	p.SubnetMask = o.SubnetMask
	return gateway.NewCreateGatewayRequest(p)
}

// testRun is one reported test of an iteration.
type testRun struct {
	env    *Env
	handle report.Handle
	err    error
}

func (e *Env) startTest(ctx context.Context, it Iteration, name, description string) (context.Context, *testRun) {
	logger := e.Logger.With().Int("vu", it.VU).Int("iteration", it.Number()).Logger()
	ctx = logger.WithContext(ctx)

	h, err := e.reporter().StartTest(context.WithoutCancel(ctx), e.Suite, name, description)
	if err != nil {
		logger.Warn().Err(err).Msg("report test start")
	}
	return ctx, &testRun{env: e, handle: h}
}

// step runs fn as a reported step and reports whether it passed.
func (t *testRun) step(ctx context.Context, name, issue string, fn func(context.Context) (bool, error)) bool {
	ok, err := report.RunStep(ctx, t.env.reporter(), report.Step{
		Parent:      t.handle,
		Name:        name,
		Description: name,
		Issue:       issue,
	}, fn)
	if err != nil && t.err == nil {
		t.err = err
	}
	return ok && err == nil
}

// log attaches message to the test.
func (t *testRun) log(ctx context.Context, message string) {
	if err := t.env.reporter().WriteLog(context.WithoutCancel(ctx), t.handle, message); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("report log")
	}
}

// finish reports the test. Errors of steps that did not decide the
// outcome are dropped from a passed test.
func (t *testRun) finish(ctx context.Context, passed bool) (bool, error) {
	err := t.err
	if passed {
		err = nil
	}
	status, _ := report.Classify(passed, err, "")
	if ferr := t.env.reporter().FinishTest(context.WithoutCancel(ctx), t.handle, status); ferr != nil {
		zerolog.Ctx(ctx).Warn().Err(ferr).Msg("report test finish")
	}
	if !passed && err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return passed, err
}
