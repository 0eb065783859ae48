package mockapi

import (
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"gwperf/services/gateway"
)

// CloudCopyBytes is what one cloud backup adds to its store's usage.
const CloudCopyBytes = 5 << 30

func (s *Server) handlePanel(w http.ResponseWriter, r *http.Request) {
	panel := chi.URLParam(r, "panel")

	s.mu.Lock()
	defer s.mu.Unlock()

	if msg := s.failures[OpPanel(panel)]; msg != "" {
		respondError(w, http.StatusInternalServerError, errors.New(msg))
		return
	}

	var body any
	switch panel {
	case gateway.PanelBackupCapacity:
		body = s.capacitySummary()
	case gateway.PanelProtections:
		var p gateway.ProtectionsSummary
		p.HypervisorManagers.TotalProtected = len(s.jobs)
		body = p
	case gateway.PanelCopies:
		counts := map[string]int{}
		for _, c := range s.copies {
			counts[c.kind]++
		}
		body = map[string]int{
			"snapshots":    counts[gateway.ProtectionSnapshot],
			"localBackups": counts[gateway.ProtectionBackup],
			"cloudBackups": counts[gateway.ProtectionCloud],
		}
	case gateway.PanelInventory:
		body = map[string]int{
			"virtualMachines":         len(s.vms),
			"protectedVirtualMachine": len(s.jobs),
			"protectionStoreGateways": len(s.gateways),
		}
	case gateway.PanelJobExecution:
		body = map[string]int{
			"succeeded": s.jobRuns.succeeded,
			"failed":    s.jobRuns.failed,
		}
	case gateway.PanelTemplates:
		body = map[string]int{"total": len(s.policies)}
	default:
		respondError(w, http.StatusNotFound, fmt.Errorf("panel %s not found", panel))
		return
	}
	respondJSON(w, http.StatusOK, body)
}

// capacitySummary reports every cloud store by gateway. The caller must
// hold s.mu.
func (s *Server) capacitySummary() gateway.CapacitySummary {
	used := map[string]int64{}
	for _, c := range s.copies {
		if c.storeID != "" {
			used[c.storeID] += CloudCopyBytes
		}
	}
	byGateway := map[string][]gateway.CloudStoreUsage{}
	for _, st := range s.stores {
		if st.StoreType != gateway.StoreCloud {
			continue
		}
		byGateway[st.GatewayID] = append(byGateway[st.GatewayID], gateway.CloudStoreUsage{
			ID:             st.ID,
			Region:         st.Region,
			TotalDiskBytes: used[st.ID],
		})
	}
	summary := gateway.CapacitySummary{Stores: []gateway.StoreSummary{}}
	for id, stores := range byGateway {
		sort.Slice(stores, func(i, j int) bool { return stores[i].ID < stores[j].ID })
		summary.Stores = append(summary.Stores, gateway.StoreSummary{GatewayID: id, CloudStores: stores})
	}
	sort.Slice(summary.Stores, func(i, j int) bool { return summary.Stores[i].GatewayID < summary.Stores[j].GatewayID })
	return summary
}
