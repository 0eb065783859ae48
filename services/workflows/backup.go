package workflows

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"gwperf/services/gateway"
)

// protection tracks the policy and protection of one backup iteration so
// cleanup knows what is left to undo.
type protection struct {
	env    *Env
	t      *testRun
	vmName string

	vm        gateway.VirtualMachine
	policy    gateway.Policy
	protected bool
}

func (p *protection) wait() time.Duration {
	return p.env.Testbed.TaskWait
}

func (p *protection) createPolicy(ctx context.Context, policy gateway.Policy) bool {
	return p.t.step(ctx, "Create protection policy template", "pb001", func(ctx context.Context) (bool, error) {
		created, err := p.env.Client.CreateProtectionPolicy(ctx, policy)
		if err != nil {
			return false, err
		}
		p.policy = created
		return created.ID != "", nil
	})
}

func (p *protection) protect(ctx context.Context) bool {
	return p.t.step(ctx, "Protect VM", "pb002", func(ctx context.Context) (bool, error) {
		if err := p.refresh(ctx); err != nil {
			return false, err
		}
		ok, err := p.env.Client.ProtectVM(ctx, gateway.NewProtectRequest(p.vm, p.policy), p.wait())
		p.protected = ok
		return ok, err
	})
}

// refresh looks the VM up again. Restores to the parent VM change its id.
func (p *protection) refresh(ctx context.Context) error {
	vm, err := p.env.Client.VirtualMachine(ctx, p.vmName, p.env.Testbed.Vcenter.Name)
	if err != nil {
		return err
	}
	p.vm = vm
	return nil
}

func (p *protection) restore(ctx context.Context, name, issue string, build func(gateway.VirtualMachine) gateway.RestoreRequest) bool {
	return p.t.step(ctx, name, issue, func(ctx context.Context) (bool, error) {
		if err := p.refresh(ctx); err != nil {
			return false, err
		}
		return p.env.Client.Restore(ctx, p.vm.ID, build(p.vm), p.wait())
	})
}

func (p *protection) unprotect(ctx context.Context) bool {
	return p.t.step(ctx, "Unprotect VM", "pb009", func(ctx context.Context) (bool, error) {
		ok, err := p.env.Client.UnprotectVM(ctx, p.vmName, p.wait())
		if ok {
			p.protected = false
		}
		return ok, err
	})
}

func (p *protection) deleteCopies(ctx context.Context, name string, list func(context.Context, string) ([]gateway.Backup, error)) bool {
	return p.t.step(ctx, name, "pb010", func(ctx context.Context) (bool, error) {
		if err := p.refresh(ctx); err != nil {
			return false, err
		}
		copies, err := list(ctx, p.vm.ID)
		if err != nil {
			return false, err
		}
		return p.env.Client.DeleteAll(ctx, copies, p.wait())
	})
}

func (p *protection) deletePolicy(ctx context.Context) bool {
	return p.t.step(ctx, "Delete protection template", "pb011", func(ctx context.Context) (bool, error) {
		ok, err := p.env.Client.DeleteProtectionPolicy(ctx, p.policy.ID)
		if ok {
			p.policy = gateway.Policy{}
		}
		return ok, err
	})
}

// cleanup unprotects the VM and removes the policy if the steps doing so
// never ran or failed.
func (p *protection) cleanup(ctx context.Context) {
	logger := zerolog.Ctx(ctx)
	if p.protected {
		if _, err := p.env.Client.UnprotectVM(ctx, p.vmName, p.wait()); err != nil {
			logger.Warn().Err(err).Str("vm", p.vmName).Msg("cleanup unprotect")
		}
	}
	if p.policy.ID != "" {
		if _, err := p.env.Client.DeleteProtectionPolicy(ctx, p.policy.ID); err != nil {
			logger.Warn().Err(err).Str("policy", p.policy.Name).Msg("cleanup delete policy")
		}
	}
}

// checkSingleVU rejects more than one VU for workflows whose iterations
// share one VM and gateway.
func checkSingleVU(workflow string, vus int) error {
	if vus > 1 {
		return fmt.Errorf("%s: vus must be 1, every iteration uses the same VM (got %d)", workflow, vus)
	}
	return nil
}

func checkVM(ctx context.Context, env *Env, name string) error {
	if name == "" {
		return errors.New("catalystVm is required")
	}
	_, err := env.Client.VirtualMachine(ctx, name, env.Testbed.Vcenter.Name)
	return err
}

// BackupRestore protects a VM with a local policy, takes a snapshot and a
// local backup, restores each to the VM and to a new VM, then removes
// everything again.
type BackupRestore struct {
	Options BackupRestoreOptions

	storeID string
}

// NewBackupRestore returns the local backup and restore workflow.
func NewBackupRestore(opts BackupRestoreOptions) *BackupRestore {
	return &BackupRestore{Options: opts}
}

func (w *BackupRestore) Name() string { return NameBackupRestore }

func (w *BackupRestore) Suite(planned int) (string, string) {
	return "Backup and Restore Test Suite", fmt.Sprintf("Total Iterations Executed: %d", planned)
}

// Setup finds the local store of the configured gateway, creating it when
// the gateway has none.
func (w *BackupRestore) Setup(ctx context.Context, env *Env) (Plan, error) {
	if err := env.check(); err != nil {
		return Plan{}, err
	}
	o := w.Options
	if err := checkSingleVU("backup-restore", o.VUs); err != nil {
		return Plan{}, err
	}
	if err := checkVM(ctx, env, o.VMName); err != nil {
		return Plan{}, fmt.Errorf("backup-restore: %w", err)
	}
	matched, err := env.Client.GatewaysByName(ctx, o.GatewayName)
	if err != nil {
		return Plan{}, err
	}
	if len(matched) == 0 {
		return Plan{}, fmt.Errorf("backup-restore: gateway %q: %w", o.GatewayName, gateway.ErrNotFound)
	}
	gw := matched[0]

	st, err := env.Client.StoreFor(ctx, gw.ID, gateway.StoreOnPremises)
	switch {
	case err == nil:
		w.storeID = st.ID
	case errors.Is(err, gateway.ErrNotFound):
		id, ok, err := env.Client.CreateLocalStore(ctx, gw.ID, env.Testbed.TaskWait)
		if err != nil {
			return Plan{}, err
		}
		if !ok {
			return Plan{}, fmt.Errorf("backup-restore: local store of %s not created", gw.Name)
		}
		w.storeID = id
	default:
		return Plan{}, err
	}
	env.Logger.Info().Str("gateway", gw.Name).Str("store_id", w.storeID).Msg("local store ready")
	return Plan{VUs: 1, MaxVUs: 1, Iterations: o.Iterations, MaxDuration: o.Duration.Duration()}, nil
}

func (w *BackupRestore) Run(ctx context.Context, env *Env, it Iteration) (bool, error) {
	o := w.Options
	ts := env.now().Unix()
	ctx, t := env.startTest(ctx, it, fmt.Sprintf("Backup and Restore VM Iteration Test #%d", it.Number()), "Backup and Restore VM")
	cleanup := context.WithoutCancel(ctx)
	p := &protection{env: env, t: t, vmName: o.VMName}
	defer p.cleanup(cleanup)

	if !p.createPolicy(ctx, gateway.NewPolicy(fmt.Sprintf("PerfLocalBackup-%d", ts), w.storeID, "")) {
		return t.finish(ctx, false)
	}
	passed := p.protect(ctx)

	snapName := fmt.Sprintf("PerfSnapBackup-%d", ts)
	var snap gateway.Backup
	if passed {
		passed = t.step(ctx, "Create Snapshot backup", "pb005", func(ctx context.Context) (bool, error) {
			ok, err := env.Client.CreateSnapshot(ctx, p.vm.ID, snapName, p.wait())
			if err != nil || !ok {
				return ok, err
			}
			snap, err = env.Client.SnapshotByName(ctx, p.vm.ID, snapName)
			return err == nil, err
		})
	}
	if passed {
		passed = p.restore(ctx, "Restore Snapshot to existing VM", "pb003", func(gateway.VirtualMachine) gateway.RestoreRequest {
			return gateway.RestoreToParent(snap.ID, gateway.ProtectionSnapshot)
		}) && passed
		passed = p.restore(ctx, "Restore Snapshot to New VM", "pb004", func(vm gateway.VirtualMachine) gateway.RestoreRequest {
			return gateway.RestoreToNew(snap.ID, gateway.ProtectionSnapshot, fmt.Sprintf("RestoreSnap-%s-%d", o.VMName, ts), vm)
		}) && passed

		var backup gateway.Backup
		backupName := fmt.Sprintf("PerfLocalBackup-%s-%d", o.VMName, ts)
		backedUp := t.step(ctx, "Create Local Backup", "pb008", func(ctx context.Context) (bool, error) {
			if err := p.refresh(ctx); err != nil {
				return false, err
			}
			ok, err := env.Client.CreateLocalBackup(ctx, p.vm.ID, w.storeID, backupName, snap.ID, p.wait())
			if err != nil || !ok {
				return ok, err
			}
			backup, err = env.Client.BackupByName(ctx, p.vm.ID, backupName)
			return err == nil, err
		})
		passed = backedUp && passed
		if backedUp {
			passed = p.restore(ctx, "Restore Local Backup to existing VM", "pb006", func(gateway.VirtualMachine) gateway.RestoreRequest {
				return gateway.RestoreToParent(backup.ID, gateway.ProtectionBackup)
			}) && passed
			passed = p.restore(ctx, "Restore Local Backup to New VM", "pb007", func(vm gateway.VirtualMachine) gateway.RestoreRequest {
				return gateway.RestoreToNew(backup.ID, gateway.ProtectionBackup, fmt.Sprintf("RestoreLocal-%s-%d", o.VMName, ts), vm)
			}) && passed
		}
	}

	if p.protected {
		passed = p.unprotect(cleanup) && passed
	}
	passed = p.deleteCopies(cleanup, "Delete Local Backup", env.Client.Backups) && passed
	passed = p.deleteCopies(cleanup, "Delete Snapshot backup", env.Client.Snapshots) && passed
	if !p.protected {
		passed = p.deletePolicy(cleanup) && passed
	}
	if err := env.think(ctx, o.ThinkTime); err != nil {
		return t.finish(ctx, false)
	}
	return t.finish(ctx, passed)
}

func (w *BackupRestore) Teardown(context.Context, *Env) error { return nil }

// CloudBackupRestore deploys its own gateway with a local and a cloud
// store, then per iteration protects a VM with a cloud policy, runs the
// protection job, restores the cloud copy, cleans up and resizes the
// gateway.
type CloudBackupRestore struct {
	Options BackupRestoreOptions

	base      gateway.Placement
	gatewayID string
	localID   string
	cloudID   string
}

// NewCloudBackupRestore returns the cloud backup and restore workflow.
func NewCloudBackupRestore(opts BackupRestoreOptions) *CloudBackupRestore {
	return &CloudBackupRestore{Options: opts}
}

func (w *CloudBackupRestore) Name() string { return NameCloudBackupRestore }

func (w *CloudBackupRestore) Suite(planned int) (string, string) {
	return "Cloud Backup and Restore Test Suite", fmt.Sprintf("Total Iterations Executed: %d", planned)
}

// Setup deploys the gateway the iterations back up to. A gateway that was
// created but never became healthy is still removed by Teardown.
func (w *CloudBackupRestore) Setup(ctx context.Context, env *Env) (Plan, error) {
	if err := env.check(); err != nil {
		return Plan{}, err
	}
	o := w.Options
	if o.Gateway.VMPrefix == "" {
		return Plan{}, errors.New("cloud-backup-restore: psgwOptions.vmPrefix is required")
	}
	if o.Region == "" {
		return Plan{}, errors.New("cloud-backup-restore: region is required")
	}
	if err := checkSingleVU("cloud-backup-restore", o.VUs); err != nil {
		return Plan{}, err
	}
	if err := checkVM(ctx, env, o.VMName); err != nil {
		return Plan{}, fmt.Errorf("cloud-backup-restore: %w", err)
	}
	var err error
	if w.base, err = env.placement(ctx); err != nil {
		return Plan{}, fmt.Errorf("cloud-backup-restore: %w", err)
	}

	name := fmt.Sprintf("%s_%d", o.Gateway.VMPrefix, env.now().Unix())
	id, ok, err := env.Client.CreateGateway(ctx, o.Gateway.request(w.base, name, o.NetworkAddress), env.Testbed.CreateTimeout)
	w.gatewayID = id
	if err != nil {
		return Plan{}, fmt.Errorf("deploy gateway %s: %w", name, err)
	}
	if !ok {
		return Plan{}, fmt.Errorf("deploy gateway %s: not healthy", name)
	}
	if o.Gateway.Data1IP != "" {
		if _, err := env.Client.AddNIC(ctx, id, gateway.NIC{
			NetworkAddress: o.Gateway.Data1IP,
			SubnetMask:     o.Gateway.DataSubnetMask,
			NetworkName:    o.Gateway.Network2,
		}, env.Testbed.TaskWait); err != nil {
			return Plan{}, fmt.Errorf("add data interface: %w", err)
		}
	}
	if w.localID, _, err = env.Client.CreateLocalStore(ctx, id, env.Testbed.TaskWait); err != nil {
		return Plan{}, fmt.Errorf("create local store: %w", err)
	}
	if w.cloudID, _, err = env.Client.CreateCloudStore(ctx, id, o.Region, env.Testbed.TaskWait); err != nil {
		return Plan{}, fmt.Errorf("create cloud store: %w", err)
	}
	if w.localID == "" || w.cloudID == "" {
		return Plan{}, fmt.Errorf("stores of gateway %s not created", name)
	}
	env.Logger.Info().Str("gateway", name).Str("gateway_id", id).Str("cloud_store_id", w.cloudID).Msg("cloud gateway ready")
	return Plan{VUs: 1, MaxVUs: 1, Iterations: o.Iterations, MaxDuration: o.Duration.Duration()}, nil
}

func (w *CloudBackupRestore) Run(ctx context.Context, env *Env, it Iteration) (bool, error) {
	o := w.Options
	ts := env.now().Unix()
	ctx, t := env.startTest(ctx, it, fmt.Sprintf("Cloud Backup and Restore VM Test #%d", it.Number()), "Cloud Backup and Restore VM")
	cleanup := context.WithoutCancel(ctx)
	p := &protection{env: env, t: t, vmName: o.VMName}
	defer p.cleanup(cleanup)

	if !p.createPolicy(ctx, gateway.NewPolicy(fmt.Sprintf("PerfCloudBackup-%d", ts), w.localID, w.cloudID)) {
		return t.finish(ctx, false)
	}
	passed := p.protect(ctx)

	var cloud gateway.Backup
	if passed {
		passed = t.step(ctx, "Create Cloud Backup", "pb005", func(ctx context.Context) (bool, error) {
			job, err := env.Client.JobForVM(ctx, o.VMName)
			if err != nil {
				return false, err
			}
			ok, err := env.Client.RunProtectionJob(ctx, job.ID, scheduleIDs(p.policy), p.wait())
			if err != nil || !ok {
				return ok, err
			}
			cloud, err = env.Client.CloudBackup(ctx, p.vm.ID)
			return err == nil, err
		})
	}
	if passed {
		passed = p.restore(ctx, "Restore Cloud Backup to existing VM", "pb006", func(gateway.VirtualMachine) gateway.RestoreRequest {
			return gateway.RestoreToParent(cloud.ID, gateway.ProtectionCloud)
		}) && passed
		passed = p.restore(ctx, "Restore Cloud Backup to New VM", "pb007", func(vm gateway.VirtualMachine) gateway.RestoreRequest {
			return gateway.RestoreToNew(cloud.ID, gateway.ProtectionCloud, fmt.Sprintf("RestoreCloud-%s-%d", o.VMName, ts), vm)
		}) && passed
	}

	if p.protected {
		passed = p.unprotect(cleanup) && passed
	}
	passed = p.deleteCopies(cleanup, "Delete Cloud and Local Backups", env.Client.Backups) && passed
	passed = p.deleteCopies(cleanup, "Delete Snapshot backup", env.Client.Snapshots) && passed
	if !p.protected {
		passed = p.deletePolicy(cleanup) && passed
	}

	size := o.Gateway.UpdateSize1
	if it.Index%2 == 1 {
		size = o.Gateway.UpdateSize2
	}
	if size > 0 {
		passed = t.step(ctx, "Resize PSG", "pb009", func(ctx context.Context) (bool, error) {
			return env.Client.Resize(ctx, w.gatewayID, size, p.wait())
		}) && passed
	}
	if err := env.think(ctx, o.ThinkTime); err != nil {
		return t.finish(ctx, false)
	}
	return t.finish(ctx, passed)
}

// Teardown deletes the gateway deployed by Setup.
func (w *CloudBackupRestore) Teardown(ctx context.Context, env *Env) error {
	if w.gatewayID == "" {
		return nil
	}
	ok, err := env.Client.DeleteGateway(ctx, w.gatewayID, env.Testbed.TaskWait)
	if err != nil {
		return fmt.Errorf("delete gateway %s: %w", w.gatewayID, err)
	}
	if !ok {
		return fmt.Errorf("delete gateway %s: task did not succeed", w.gatewayID)
	}
	w.gatewayID = ""
	return nil
}

func scheduleIDs(p gateway.Policy) []int {
	var ids []int
	for _, prot := range p.Protections {
		for _, s := range prot.Schedules {
			ids = append(ids, s.ID)
		}
	}
	return ids
}
