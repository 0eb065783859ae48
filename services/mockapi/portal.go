package mockapi

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// PortalItem is one launch, suite, test or step recorded by the fake
// ReportPortal.
type PortalItem struct {
	ID        string
	Parent    string
	Type      string
	Name      string
	Status    string
	IssueType string
	Finished  bool
	Logs      []string
}

type portalState struct {
	order []string
	items map[string]*PortalItem
}

func newPortalState() portalState {
	return portalState{items: map[string]*PortalItem{}}
}

func (p *portalState) add(item *PortalItem) {
	p.order = append(p.order, item.ID)
	p.items[item.ID] = item
}

type portalAttribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type portalLaunch struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	StartTime   int64             `json:"startTime"`
	Mode        string            `json:"mode"`
	Attributes  []portalAttribute `json:"attributes"`
}

type portalStart struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	StartTime   int64  `json:"startTime"`
	Type        string `json:"type"`
	LaunchUUID  string `json:"launchUuid"`
	HasStats    *bool  `json:"hasStats"`
}

type portalFinish struct {
	EndTime    int64  `json:"endTime"`
	Status     string `json:"status"`
	LaunchUUID string `json:"launchUuid"`
	Issue      *struct {
		IssueType string `json:"issueType"`
		Comment   string `json:"comment"`
	} `json:"issue"`
}

type portalLog struct {
	LaunchUUID string `json:"launchUuid"`
	ItemUUID   string `json:"itemUuid"`
	Time       int64  `json:"time"`
	Message    string `json:"message"`
	Level      string `json:"level"`
}

type portalResponse struct {
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
}

func (s *Server) handleStartLaunch(w http.ResponseWriter, r *http.Request) {
	var req portalLaunch
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	item := &PortalItem{ID: uuid.NewString(), Type: "launch", Name: req.Name}
	s.portal.add(item)
	respondJSON(w, http.StatusCreated, portalResponse{ID: item.ID})
}

func (s *Server) handleFinishLaunch(w http.ResponseWriter, r *http.Request) {
	var req portalFinish
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := chi.URLParam(r, "id")
	item, ok := s.portal.items[id]
	if !ok || item.Type != "launch" {
		respondError(w, http.StatusNotFound, fmt.Errorf("launch %s not found", id))
		return
	}
	item.Finished = true
	respondJSON(w, http.StatusOK, portalResponse{Message: "Launch with ID = '" + id + "' successfully finished."})
}

func (s *Server) handleStartItem(w http.ResponseWriter, r *http.Request) {
	var req portalStart
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.portal.items[req.LaunchUUID]; !ok {
		respondError(w, http.StatusNotFound, fmt.Errorf("launch %q not found", req.LaunchUUID))
		return
	}
	parent := chi.URLParam(r, "parent")
	if parent != "" {
		if _, ok := s.portal.items[parent]; !ok {
			respondError(w, http.StatusNotFound, fmt.Errorf("parent item %s not found", parent))
			return
		}
	}
	item := &PortalItem{ID: uuid.NewString(), Parent: parent, Type: req.Type, Name: req.Name}
	s.portal.add(item)
	respondJSON(w, http.StatusCreated, portalResponse{ID: item.ID})
}

func (s *Server) handleFinishItem(w http.ResponseWriter, r *http.Request) {
	var req portalFinish
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := chi.URLParam(r, "id")
	item, ok := s.portal.items[id]
	if !ok {
		respondError(w, http.StatusNotFound, fmt.Errorf("item %s not found", id))
		return
	}
	if item.Finished {
		respondError(w, http.StatusConflict, fmt.Errorf("item %s already finished", id))
		return
	}
	item.Finished = true
	item.Status = req.Status
	if req.Issue != nil {
		item.IssueType = req.Issue.IssueType
	}
	respondJSON(w, http.StatusOK, portalResponse{Message: "TestItem with ID = '" + id + "' successfully finished."})
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	var req portalLog
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.portal.items[req.ItemUUID]
	if !ok {
		respondError(w, http.StatusNotFound, fmt.Errorf("item %q not found", req.ItemUUID))
		return
	}
	item.Logs = append(item.Logs, req.Message)
	respondJSON(w, http.StatusCreated, portalResponse{ID: uuid.NewString()})
}

// PortalItems returns copies of every reported item in creation order.
func (s *Server) PortalItems() []PortalItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PortalItem, 0, len(s.portal.order))
	for _, id := range s.portal.order {
		item := *s.portal.items[id]
		item.Logs = append([]string(nil), item.Logs...)
		out = append(out, item)
	}
	return out
}

// FindPortalItem returns the item named name of type typ.
func (s *Server) FindPortalItem(typ, name string) (PortalItem, bool) {
	for _, item := range s.PortalItems() {
		if item.Type == typ && item.Name == name {
			return item, true
		}
	}
	return PortalItem{}, false
}
