package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gwperf/pkg/executor"
)

// ProtectionPolicies lists every protection policy.
func (c *Client) ProtectionPolicies(ctx context.Context) ([]Policy, error) {
	return getList[Policy](ctx, c, withLimit(policiesPath))
}

// PolicyByName resolves a protection policy by name.
func (c *Client) PolicyByName(ctx context.Context, name string) (Policy, error) {
	policies, err := c.ProtectionPolicies(ctx)
	if err != nil {
		return Policy{}, err
	}
	for _, p := range policies {
		if p.Name == name {
			return p, nil
		}
	}
	return Policy{}, fmt.Errorf("protection policy %q: %w", name, ErrNotFound)
}

// CreateProtectionPolicy creates policy and returns it as stored. The
// service answers synchronously with 200.
func (c *Client) CreateProtectionPolicy(ctx context.Context, policy Policy) (Policy, error) {
	out, err := c.exec.Do(ctx, executor.Call{Method: http.MethodPost, Path: policiesPath, Payload: policy})
	if err != nil {
		return Policy{}, err
	}
	var created Policy
	if err := out.Decode(&created); err != nil {
		return Policy{}, fmt.Errorf("create protection policy %s: %w", policy.Name, err)
	}
	return created, nil
}

// DeleteProtectionPolicy removes a policy. The service answers 204.
func (c *Client) DeleteProtectionPolicy(ctx context.Context, id string) (bool, error) {
	_, err := c.exec.Do(ctx, executor.Call{Method: http.MethodDelete, Path: policiesPath + "/" + url.PathEscape(id)}, http.StatusNoContent)
	return err == nil, err
}

// ProtectVM applies a policy to a VM.
func (c *Client) ProtectVM(ctx context.Context, req ProtectRequest, waitTime time.Duration) (bool, error) {
	return c.run(ctx, http.MethodPost, jobsPath, req, waitTime)
}

// ProtectionJobs lists every protection job.
func (c *Client) ProtectionJobs(ctx context.Context) ([]ProtectionJob, error) {
	return getList[ProtectionJob](ctx, c, withLimit(jobsPath))
}

// JobForVM returns the protection job of the named VM.
func (c *Client) JobForVM(ctx context.Context, vmName string) (ProtectionJob, error) {
	jobs, err := c.ProtectionJobs(ctx)
	if err != nil {
		return ProtectionJob{}, err
	}
	for _, j := range jobs {
		if j.AssetInfo.DisplayName == vmName || j.AssetInfo.Name == vmName {
			return j, nil
		}
	}
	return ProtectionJob{}, fmt.Errorf("protection job for vm %q: %w", vmName, ErrNotFound)
}

// UnprotectVM deletes the protection job of the named VM.
func (c *Client) UnprotectVM(ctx context.Context, vmName string, waitTime time.Duration) (bool, error) {
	job, err := c.JobForVM(ctx, vmName)
	if err != nil {
		return false, err
	}
	path := job.ResourceURI
	if path == "" {
		path = jobsPath + "/" + url.PathEscape(job.ID)
	}
	return c.run(ctx, http.MethodDelete, path, nil, waitTime)
}

// RunProtectionJob triggers the given schedules of a job now.
func (c *Client) RunProtectionJob(ctx context.Context, jobID string, scheduleIDs []int, waitTime time.Duration) (bool, error) {
	return c.run(ctx, http.MethodPost, jobsPath+"/"+url.PathEscape(jobID)+"/run", map[string][]int{"scheduleIds": scheduleIDs}, waitTime)
}

// VirtualMachine resolves a VM by name within a vCenter. An empty vcenter
// matches any.
func (c *Client) VirtualMachine(ctx context.Context, name, vcenter string) (VirtualMachine, error) {
	vms, err := getList[VirtualMachine](ctx, c, withLimit(machinesPath))
	if err != nil {
		return VirtualMachine{}, err
	}
	for _, vm := range vms {
		if vm.Name == name && (vcenter == "" || vm.HypervisorManagerInfo.Name == vcenter) {
			return vm, nil
		}
	}
	return VirtualMachine{}, fmt.Errorf("vm %q in %q: %w", name, vcenter, ErrNotFound)
}

// VirtualMachineID resolves a VM id. Restores change it, so callers look
// it up again after each one.
func (c *Client) VirtualMachineID(ctx context.Context, name, vcenter string) (string, error) {
	vm, err := c.VirtualMachine(ctx, name, vcenter)
	if err != nil {
		return "", err
	}
	return vm.ID, nil
}

// Snapshots lists the snapshots of a VM.
func (c *Client) Snapshots(ctx context.Context, vmID string) ([]Backup, error) {
	return getList[Backup](ctx, c, withLimit(machinePath(vmID)+"/snapshots"))
}

// Backups lists the local and cloud backups of a VM.
func (c *Client) Backups(ctx context.Context, vmID string) ([]Backup, error) {
	return getList[Backup](ctx, c, withLimit(machinePath(vmID)+"/backups"))
}

// SnapshotByName finds a snapshot of a VM.
func (c *Client) SnapshotByName(ctx context.Context, vmID, name string) (Backup, error) {
	snaps, err := c.Snapshots(ctx, vmID)
	if err != nil {
		return Backup{}, err
	}
	return find(snaps, func(b Backup) bool { return b.Name == name }, "snapshot", name)
}

// BackupByName finds a local backup of a VM.
func (c *Client) BackupByName(ctx context.Context, vmID, name string) (Backup, error) {
	backups, err := c.Backups(ctx, vmID)
	if err != nil {
		return Backup{}, err
	}
	return find(backups, func(b Backup) bool { return b.Name == name }, "backup", name)
}

// CloudBackup finds the cloud backup of a VM. Cloud copies are named by
// their schedule, so the schedule prefix is matched.
func (c *Client) CloudBackup(ctx context.Context, vmID string) (Backup, error) {
	backups, err := c.Backups(ctx, vmID)
	if err != nil {
		return Backup{}, err
	}
	return find(backups, func(b Backup) bool {
		return b.BackupType == ProtectionCloud || strings.Contains(b.Name, "Cloud_Backup")
	}, "cloud backup", vmID)
}

// CreateSnapshot takes a named snapshot of a VM.
func (c *Client) CreateSnapshot(ctx context.Context, vmID, name string, waitTime time.Duration) (bool, error) {
	return c.run(ctx, http.MethodPost, machinePath(vmID)+"/snapshots", map[string]string{
		"name":         name,
		"snapshotType": ProtectionSnapshot,
	}, waitTime)
}

// CreateLocalBackup copies a snapshot to a local store.
func (c *Client) CreateLocalBackup(ctx context.Context, vmID, storeID, name, snapshotID string, waitTime time.Duration) (bool, error) {
	return c.run(ctx, http.MethodPost, machinePath(vmID)+"/backups", BackupRequest{
		BackupType:    ProtectionBackup,
		StoragePoolID: storeID,
		Name:          name,
		SourceCopy:    SourceCopy{ID: snapshotID, Type: ProtectionSnapshot},
	}, waitTime)
}

// DeleteBackup deletes a snapshot or backup by its resource URI.
func (c *Client) DeleteBackup(ctx context.Context, resourceURI string, waitTime time.Duration) (bool, error) {
	return c.run(ctx, http.MethodDelete, resourceURI, nil, waitTime)
}

// DeleteAll deletes every copy in items, carrying on after failures. It
// reports success only if every deletion succeeded.
func (c *Client) DeleteAll(ctx context.Context, items []Backup, waitTime time.Duration) (bool, error) {
	all := true
	var firstErr error
	for _, b := range items {
		ok, err := c.DeleteBackup(ctx, b.ResourceURI, waitTime)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if !ok {
			all = false
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
	}
	return all, firstErr
}

// Restore restores a copy of a VM.
func (c *Client) Restore(ctx context.Context, vmID string, req RestoreRequest, waitTime time.Duration) (bool, error) {
	return c.run(ctx, http.MethodPost, machinePath(vmID)+"/restore", req, waitTime)
}

func machinePath(id string) string {
	return machinesPath + "/" + url.PathEscape(id)
}

func find(items []Backup, match func(Backup) bool, what, name string) (Backup, error) {
	for _, b := range items {
		if match(b) {
			return b, nil
		}
	}
	return Backup{}, fmt.Errorf("%s %q: %w", what, name, ErrNotFound)
}
