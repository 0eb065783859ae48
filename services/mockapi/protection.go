package mockapi

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"gwperf/pkg/task"
	"gwperf/services/gateway"
)

type copyRecord struct {
	vmID    string
	kind    string
	storeID string
	item    gateway.Backup
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]gateway.Policy, 0, len(s.policies))
	for _, p := range s.policies {
		items = append(items, p)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	respondItems(w, items)
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var p gateway.Policy
	if err := decodeJSON(r, &p); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if p.Name == "" || len(p.Protections) == 0 {
		respondError(w, http.StatusBadRequest, errors.New("name and protections are required"))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.policies {
		if existing.Name == p.Name {
			respondError(w, http.StatusConflict, fmt.Errorf("policy %s exists", p.Name))
			return
		}
	}
	p.ID = uuid.NewString()
	for i := range p.Protections {
		p.Protections[i].ID = uuid.NewString()
	}
	s.policies[p.ID] = p
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.policies[id]; !ok {
		respondError(w, http.StatusNotFound, fmt.Errorf("policy %s not found", id))
		return
	}
	for _, policyID := range s.jobPolicies {
		if policyID == id {
			respondError(w, http.StatusConflict, fmt.Errorf("policy %s is in use", id))
			return
		}
	}
	delete(s.policies, id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]gateway.ProtectionJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		items = append(items, j)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].AssetInfo.DisplayName < items[j].AssetInfo.DisplayName })
	respondItems(w, items)
}

func (s *Server) handleProtect(w http.ResponseWriter, r *http.Request) {
	var req gateway.ProtectRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	vm, ok := s.vms[req.AssetInfo.ID]
	if !ok {
		respondError(w, http.StatusNotFound, fmt.Errorf("vm %s not found", req.AssetInfo.ID))
		return
	}
	if _, ok := s.policies[req.ProtectionPolicyID]; !ok {
		respondError(w, http.StatusNotFound, fmt.Errorf("policy %s not found", req.ProtectionPolicyID))
		return
	}
	id := uuid.NewString()
	uri := "/api/v1/protection-jobs/" + id
	if !s.submit(w, http.StatusAccepted, OpProtect, task.Resource{ResourceURI: uri, Name: vm.Name, Type: "protection-job"}) {
		return
	}
	s.jobs[id] = gateway.ProtectionJob{
		ID:          id,
		ResourceURI: uri,
		AssetInfo:   gateway.AssetInfo{ID: vm.ID, Type: "VIRTUAL_MACHINE", Name: vm.Name, DisplayName: vm.Name},
	}
	s.jobPolicies[id] = req.ProtectionPolicyID
	s.addCopy(vm.ID, gateway.ProtectionSnapshot, "Snapshot_"+s.now().UTC().Format("20060102150405"))
}

func (s *Server) handleUnprotect(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.job(w, r)
	if !ok {
		return
	}
	if !s.submit(w, http.StatusAccepted, OpUnprotect, task.Resource{ResourceURI: job.ResourceURI, Name: job.AssetInfo.Name, Type: "protection-job"}) {
		return
	}
	delete(s.jobs, job.ID)
	delete(s.jobPolicies, job.ID)
}

type runJobRequest struct {
	ScheduleIDs []int `json:"scheduleIds"`
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	var req runJobRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.job(w, r)
	if !ok {
		return
	}
	if !s.submit(w, http.StatusAccepted, OpRunJob, task.Resource{ResourceURI: job.ResourceURI, Name: job.AssetInfo.Name, Type: "protection-job"}) {
		s.jobRuns.failed++
		return
	}
	s.jobRuns.succeeded++
	stamp := s.now().UTC().Format("20060102150405")
	policy := s.policies[s.jobPolicies[job.ID]]
	for _, p := range policy.Protections {
		for _, sched := range p.Schedules {
			if !slices.Contains(req.ScheduleIDs, sched.ID) {
				continue
			}
			switch p.Type {
			case gateway.ProtectionSnapshot:
				s.addCopy(job.AssetInfo.ID, gateway.ProtectionSnapshot, "Snapshot_"+stamp)
			case gateway.ProtectionBackup:
				s.addCopy(job.AssetInfo.ID, gateway.ProtectionBackup, "Local_Backup_"+stamp)
			case gateway.ProtectionCloud:
				id := s.addCopy(job.AssetInfo.ID, gateway.ProtectionCloud, "Cloud_Backup_"+stamp)
				s.copies[id].storeID = p.ProtectionStoreID
			}
		}
	}
}

func (s *Server) handleListVMs(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]gateway.VirtualMachine, 0, len(s.vms))
	for _, vm := range s.vms {
		items = append(items, *vm)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	respondItems(w, items)
}

func (s *Server) handleGetVM(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vm, ok := s.vm(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, vm)
}

func (s *Server) handleListCopies(kinds ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		vm, ok := s.vm(w, r)
		if !ok {
			return
		}
		var items []gateway.Backup
		for _, c := range s.copies {
			if c.vmID == vm.ID && slices.Contains(kinds, c.kind) {
				items = append(items, c.item)
			}
		}
		sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
		respondItems(w, items)
	}
}

type snapshotRequest struct {
	Name         string `json:"name"`
	SnapshotType string `json:"snapshotType"`
}

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	var req snapshotRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	vm, ok := s.vm(w, r)
	if !ok {
		return
	}
	if !s.submit(w, http.StatusAccepted, OpSnapshot, vmResource(vm)) {
		return
	}
	s.addCopy(vm.ID, gateway.ProtectionSnapshot, req.Name)
}

func (s *Server) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	var req gateway.BackupRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	vm, ok := s.vm(w, r)
	if !ok {
		return
	}
	src, ok := s.copies[req.SourceCopy.ID]
	if !ok || src.vmID != vm.ID {
		respondError(w, http.StatusNotFound, fmt.Errorf("source copy %s not found", req.SourceCopy.ID))
		return
	}
	if _, ok := s.stores[req.StoragePoolID]; !ok {
		respondError(w, http.StatusNotFound, fmt.Errorf("store %s not found", req.StoragePoolID))
		return
	}
	if !s.submit(w, http.StatusAccepted, OpBackup, vmResource(vm)) {
		return
	}
	s.addCopy(vm.ID, gateway.ProtectionBackup, req.Name)
}

func (s *Server) handleDeleteCopy(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vm, ok := s.vm(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "copy")
	c, ok := s.copies[id]
	if !ok || c.vmID != vm.ID {
		respondError(w, http.StatusNotFound, fmt.Errorf("copy %s not found", id))
		return
	}
	if !s.submit(w, http.StatusAccepted, OpDeleteCopy, task.Resource{ResourceURI: c.item.ResourceURI, Name: c.item.Name, Type: "backup"}) {
		return
	}
	delete(s.copies, id)
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req gateway.RestoreRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	vm, ok := s.vm(w, r)
	if !ok {
		return
	}
	copyID := req.BackupID
	if copyID == "" {
		copyID = req.SnapshotID
	}
	if c, ok := s.copies[copyID]; !ok || c.vmID != vm.ID {
		respondError(w, http.StatusNotFound, fmt.Errorf("copy %s not found", copyID))
		return
	}
	if req.RestoreType == gateway.RestoreAlternate && req.TargetVMInfo == nil {
		respondError(w, http.StatusBadRequest, errors.New("targetVMInfo is required"))
		return
	}
	if !s.submit(w, http.StatusAccepted, OpRestore, vmResource(vm)) {
		return
	}
	if req.RestoreType == gateway.RestoreAlternate {
		restored := gateway.VirtualMachine{
			ID:                    uuid.NewString(),
			Name:                  req.TargetVMInfo.Name,
			HypervisorManagerInfo: vm.HypervisorManagerInfo,
			HostInfo:              gateway.Host{ID: req.TargetVMInfo.HostID},
		}
		restored.AppInfo.VMware.DatastoresInfo = []gateway.DatastoreInfo{{ID: req.TargetVMInfo.AppInfo.VMware.DatastoreID}}
		s.vms[restored.ID] = &restored
	}
}

// addCopy records a snapshot or backup and returns its id. The caller
// must hold s.mu.
func (s *Server) addCopy(vmID, kind, name string) string {
	id := uuid.NewString()
	collection := "/backups/"
	if kind == gateway.ProtectionSnapshot {
		collection = "/snapshots/"
	}
	s.copies[id] = &copyRecord{vmID: vmID, kind: kind, item: gateway.Backup{
		ID:          id,
		Name:        name,
		ResourceURI: "/api/v1/virtual-machines/" + vmID + collection + id,
		BackupType:  kind,
	}}
	return id
}

func (s *Server) job(w http.ResponseWriter, r *http.Request) (gateway.ProtectionJob, bool) {
	id := chi.URLParam(r, "id")
	j, ok := s.jobs[id]
	if !ok {
		respondError(w, http.StatusNotFound, fmt.Errorf("protection job %s not found", id))
		return gateway.ProtectionJob{}, false
	}
	return j, true
}

func (s *Server) vm(w http.ResponseWriter, r *http.Request) (*gateway.VirtualMachine, bool) {
	id := chi.URLParam(r, "id")
	vm, ok := s.vms[id]
	if !ok {
		respondError(w, http.StatusNotFound, fmt.Errorf("vm %s not found", id))
		return nil, false
	}
	return vm, true
}

func vmResource(vm *gateway.VirtualMachine) task.Resource {
	return task.Resource{ResourceURI: "/api/v1/virtual-machines/" + vm.ID, Name: vm.Name, Type: "virtual-machine"}
}
