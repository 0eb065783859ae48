package mockapi

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"gwperf/pkg/task"
	"gwperf/services/gateway"
)

const gatewaysPath = "/api/v1/protection-store-gateways/"

type gatewayRecord struct {
	gw    gateway.Gateway
	reads int
}

// view returns the gateway as a reader sees it, advancing a deploying
// gateway towards connected.
func (s *Server) view(rec *gatewayRecord) gateway.Gateway {
	rec.reads++
	if rec.gw.State != gateway.StateOK && rec.gw.State != gateway.StateError && rec.reads > s.cfg.HealthyAfter {
		rec.gw.State = gateway.StateOK
		rec.gw.Health.Status = gateway.HealthConnected
	}
	return rec.gw
}

func (s *Server) handleListGateways(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]gateway.Gateway, 0, len(s.gateways))
	for _, rec := range s.gateways {
		items = append(items, rec.gw)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	respondItems(w, items)
}

func (s *Server) handleCreateGateway(w http.ResponseWriter, r *http.Request) {
	var req gateway.CreateGatewayRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Name == "" || req.HypervisorManagerID == "" || len(req.VMConfig.DatastoreIDs) == 0 {
		respondError(w, http.StatusBadRequest, errors.New("name, hypervisorManagerId and datastoreIds are required"))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	source := task.Resource{ResourceURI: gatewaysPath + id, Name: req.Name, Type: "protection-store-gateway"}
	if !s.submit(w, http.StatusCreated, OpCreateGateway, source) {
		return
	}

	infos := make([]gateway.DatastoreInfo, 0, len(req.VMConfig.DatastoreIDs))
	for _, ds := range req.VMConfig.DatastoreIDs {
		infos = append(infos, gateway.DatastoreInfo{ID: ds.DatastoreID, TotalProvisionedDiskTiB: req.VMConfig.MaxOnPremDailyProtectedDataTiB})
	}
	net := req.VMConfig.Network
	s.gateways[id] = &gatewayRecord{gw: gateway.Gateway{
		ID:             id,
		Name:           req.Name,
		ResourceURI:    gatewaysPath + id,
		State:          "CG_STATE_DEPLOYING",
		Health:         gateway.Health{Status: "CG_HEALTH_STATUS_DISCONNECTED"},
		DatastoreIDs:   req.VMConfig.DatastoreIDs,
		DatastoresInfo: infos,
		Network: gateway.Network{
			DNS:   net.DNS,
			Proxy: &gateway.Proxy{Port: gateway.DefaultProxyPort},
			NICs: []gateway.NIC{{
				ID:             "nic-0",
				Name:           "mgmt",
				NetworkAddress: net.NetworkAddress,
				NetworkType:    net.NetworkType,
				SubnetMask:     net.SubnetMask,
				Gateway:        net.Gateway,
				NetworkName:    net.Name,
			}},
		},
	}}
}

func (s *Server) handleGetGateway(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.gateway(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, s.view(rec))
}

type modifyGatewayRequest struct {
	Network gateway.Network `json:"network"`
}

func (s *Server) handleModifyGateway(w http.ResponseWriter, r *http.Request) {
	var req modifyGatewayRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.gateway(w, r)
	if !ok {
		return
	}
	if !s.submit(w, http.StatusAccepted, OpModifyGateway, resource(rec.gw)) {
		return
	}
	if len(req.Network.DNS) > 0 {
		rec.gw.Network.DNS = req.Network.DNS
	}
	if req.Network.Proxy != nil {
		rec.gw.Network.Proxy = req.Network.Proxy
	}
}

func (s *Server) handleDeleteGateway(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.gateway(w, r)
	if !ok {
		return
	}
	if !s.submit(w, http.StatusAccepted, OpDeleteGateway, resource(rec.gw)) {
		return
	}
	delete(s.gateways, rec.gw.ID)
}

func (s *Server) handleAddNIC(w http.ResponseWriter, r *http.Request) {
	var nic gateway.NIC
	if err := decodeJSON(r, &nic); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.gateway(w, r)
	if !ok {
		return
	}
	if !s.submit(w, http.StatusAccepted, OpAddNIC, resource(rec.gw)) {
		return
	}
	nic.ID = "nic-" + strconv.Itoa(len(rec.gw.Network.NICs))
	rec.gw.Network.NICs = append(rec.gw.Network.NICs, nic)
}

func (s *Server) handleModifyNIC(w http.ResponseWriter, r *http.Request) {
	var nic gateway.NIC
	if err := decodeJSON(r, &nic); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.gateway(w, r)
	if !ok {
		return
	}
	nicID := chi.URLParam(r, "nic")
	idx := -1
	for i, n := range rec.gw.Network.NICs {
		if n.ID == nicID {
			idx = i
		}
	}
	if idx < 0 {
		respondError(w, http.StatusNotFound, fmt.Errorf("nic %s not found", nicID))
		return
	}
	if !s.submit(w, http.StatusAccepted, OpModifyNIC, resource(rec.gw)) {
		return
	}
	nic.ID = nicID
	rec.gw.Network.NICs[idx] = nic
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	var req gateway.ResizeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.gateway(w, r)
	if !ok {
		return
	}
	if len(req.DatastoreIDs) == 0 {
		respondError(w, http.StatusBadRequest, errors.New("datastoreIds are required"))
		return
	}
	if !s.submit(w, http.StatusAccepted, OpResize, resource(rec.gw)) {
		return
	}
	per := req.MaxInCloudDailyProtectedDataTiB / float64(len(req.DatastoreIDs))
	infos := make([]gateway.DatastoreInfo, 0, len(req.DatastoreIDs))
	for _, ds := range req.DatastoreIDs {
		infos = append(infos, gateway.DatastoreInfo{ID: ds.DatastoreID, TotalProvisionedDiskTiB: per})
	}
	rec.gw.DatastoreIDs = req.DatastoreIDs
	rec.gw.DatastoresInfo = infos
}

func (s *Server) handleListManagers(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	respondItems(w, s.managers)
}

func (s *Server) handleListDatastores(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	respondItems(w, s.datastores)
}

type storeRequest struct {
	ProtectionStoreID        string `json:"protectionStoreId"`
	ProtectionStoreGatewayID string `json:"protectionStoreGatewayId"`
	Region                   string `json:"region"`
}

func (s *Server) handleListStores(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]gateway.Store, 0, len(s.stores))
	for _, st := range s.stores {
		items = append(items, st)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	respondItems(w, items)
}

func (s *Server) handleCreateStore(w http.ResponseWriter, r *http.Request) {
	var req storeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	gatewayID := req.ProtectionStoreID
	kind := gateway.StoreOnPremises
	if req.ProtectionStoreGatewayID != "" {
		gatewayID = req.ProtectionStoreGatewayID
		kind = gateway.StoreCloud
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.gateways[gatewayID]
	if !ok {
		respondError(w, http.StatusNotFound, fmt.Errorf("gateway %s not found", gatewayID))
		return
	}
	id := uuid.NewString()
	st := gateway.Store{
		ID:          id,
		Name:        rec.gw.Name + "-" + strings.ToLower(kind),
		StoreType:   kind,
		GatewayID:   gatewayID,
		Region:      req.Region,
		ResourceURI: "/api/v1/protection-stores/" + id,
	}
	if !s.submit(w, http.StatusAccepted, OpCreateStore, task.Resource{ResourceURI: st.ResourceURI, Name: st.Name, Type: "protection-store"}) {
		return
	}
	s.stores[id] = st
}

// gateway resolves the {id} URL parameter. The caller must hold s.mu.
func (s *Server) gateway(w http.ResponseWriter, r *http.Request) (*gatewayRecord, bool) {
	id := chi.URLParam(r, "id")
	rec, ok := s.gateways[id]
	if !ok {
		respondError(w, http.StatusNotFound, fmt.Errorf("gateway %s not found", id))
		return nil, false
	}
	return rec, true
}

func resource(g gateway.Gateway) task.Resource {
	return task.Resource{ResourceURI: g.ResourceURI, Name: g.Name, Type: "protection-store-gateway"}
}
