// Package mockapi is an in-process fake of the backup management API, its
// OAuth token endpoint and the ReportPortal API. Task state sequences and
// faults are scriptable so workflows can be exercised without a testbed.
package mockapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"gwperf/services/gateway"
)

const (
	// TokenPath is where the fake identity provider issues tokens.
	TokenPath = "/as/token.oauth2"
	// PortalPath prefixes the ReportPortal endpoints.
	PortalPath = "/api/v2"

	defaultTokenTTL = 2 * time.Hour
)

// Operations whose tasks can be scripted to fail.
const (
	OpCreateGateway = "create-gateway"
	OpModifyGateway = "modify-gateway"
	OpModifyNIC     = "modify-nic"
	OpAddNIC        = "add-nic"
	OpResize        = "resize-gateway"
	OpDeleteGateway = "delete-gateway"
	OpCreateStore   = "create-store"
	OpProtect       = "protect-vm"
	OpUnprotect     = "unprotect-vm"
	OpRunJob        = "run-job"
	OpSnapshot      = "create-snapshot"
	OpBackup        = "create-backup"
	OpDeleteCopy    = "delete-copy"
	OpRestore       = "restore"
)

// OpPanel is the operation of a dashboard panel. A failed panel answers
// 500 instead of a task.
func OpPanel(panel string) string {
	return "panel-" + panel
}

// Faults are injected into task polls and API requests.
type Faults struct {
	// Forbidden is the number of 403 answers every task poll sequence
	// starts with.
	Forbidden int
	// KnownDefect is the number of INTERNAL_ERROR answers that follow.
	KnownDefect int
	// DropEvery closes the connection without a response on every Nth
	// API request.
	DropEvery int
}

// Seed is the inventory the fake starts with.
type Seed struct {
	HypervisorManagers []gateway.HypervisorManager
	Datastores         []gateway.Datastore
	VirtualMachines    []gateway.VirtualMachine
}

// DefaultSeed returns one vCenter with one datastore, one host and one VM.
func DefaultSeed() Seed {
	vcenter := gateway.HypervisorManager{ID: "hm-1", Name: "vcenter-01"}
	host := gateway.Host{ID: "host-1", Name: "esx-01"}
	vm := gateway.VirtualMachine{ID: "vm-1", Name: "perf-vm-01", HypervisorManagerInfo: vcenter, HostInfo: host}
	vm.AppInfo.VMware.DatastoresInfo = []gateway.DatastoreInfo{{ID: "ds-1", Name: "datastore-01"}}
	return Seed{
		HypervisorManagers: []gateway.HypervisorManager{vcenter},
		Datastores:         []gateway.Datastore{{ID: "ds-1", Name: "datastore-01", HostsInfo: []gateway.Host{host}}},
		VirtualMachines:    []gateway.VirtualMachine{vm},
	}
}

// Config controls the fake.
type Config struct {
	// RunningPolls is how many polls a task stays RUNNING before it
	// reaches its terminal state.
	RunningPolls int
	// HealthyAfter is how many gateway reads a new gateway needs before it
	// reports connected.
	HealthyAfter int
	// Secret signs issued tokens.
	Secret []byte
	// TokenTTL is the lifetime of issued tokens.
	TokenTTL time.Duration
	// Clients maps accepted client ids to secrets. Empty accepts any.
	Clients map[string]string
	Faults  Faults
	Seed    Seed
	Now     func() time.Time
	Logger  zerolog.Logger
}

// Call is one request the fake received.
type Call struct {
	Method string
	Path   string
}

// Server holds the fake's state.
type Server struct {
	cfg Config

	mu       sync.Mutex
	faults   Faults
	failures map[string]string
	requests int
	calls    []Call

	tasks       map[string]*taskRecord
	gateways    map[string]*gatewayRecord
	managers    []gateway.HypervisorManager
	datastores  []gateway.Datastore
	vms         map[string]*gateway.VirtualMachine
	policies    map[string]gateway.Policy
	jobs        map[string]gateway.ProtectionJob
	jobPolicies map[string]string
	copies      map[string]*copyRecord
	stores      map[string]gateway.Store
	jobRuns     struct{ succeeded, failed int }
	clients     map[string]int

	portal portalState
}

// New returns a Server with defaults applied to cfg.
func New(cfg Config) (*Server, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("token secret is required")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	if cfg.RunningPolls < 0 {
		cfg.RunningPolls = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Server{
		cfg:         cfg,
		faults:      cfg.Faults,
		failures:    map[string]string{},
		tasks:       map[string]*taskRecord{},
		gateways:    map[string]*gatewayRecord{},
		managers:    append([]gateway.HypervisorManager(nil), cfg.Seed.HypervisorManagers...),
		datastores:  append([]gateway.Datastore(nil), cfg.Seed.Datastores...),
		vms:         map[string]*gateway.VirtualMachine{},
		policies:    map[string]gateway.Policy{},
		jobs:        map[string]gateway.ProtectionJob{},
		jobPolicies: map[string]string{},
		copies:      map[string]*copyRecord{},
		stores:      map[string]gateway.Store{},
		clients:     map[string]int{},
		portal:      newPortalState(),
	}
	for _, vm := range cfg.Seed.VirtualMachines {
		s.vms[vm.ID] = &vm
	}
	return s, nil
}

// SetFaults replaces the injected faults.
func (s *Server) SetFaults(f Faults) {
	s.mu.Lock()
	s.faults = f
	s.mu.Unlock()
}

// FailOperation makes every task of op end FAILED with message, or a
// dashboard panel answer 500 for OpPanel ops. An empty message clears the
// failure.
func (s *Server) FailOperation(op, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if message == "" {
		delete(s.failures, op)
		return
	}
	s.failures[op] = message
}

// Calls returns the requests received so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallsBy returns how many API requests carried a token of clientID.
func (s *Server) CallsBy(clientID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clients[clientID]
}

// Count returns how many requests matched method and path prefix.
func (s *Server) Count(method, prefix string) int {
	n := 0
	for _, c := range s.Calls() {
		if c.Method == method && strings.HasPrefix(c.Path, prefix) {
			n++
		}
	}
	return n
}

// Routes constructs the chi router serving every fake endpoint.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.record)

	r.Post(TokenPath, s.handleToken)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.dropConnections)
		r.Use(s.requireToken)

		r.Get("/tasks/{id}", s.handleTask)

		r.Get("/protection-store-gateways", s.handleListGateways)
		r.Post("/protection-store-gateways", s.handleCreateGateway)
		r.Get("/protection-store-gateways/{id}", s.handleGetGateway)
		r.Patch("/protection-store-gateways/{id}", s.handleModifyGateway)
		r.Delete("/protection-store-gateways/{id}", s.handleDeleteGateway)
		r.Post("/protection-store-gateways/{id}/nics", s.handleAddNIC)
		r.Patch("/protection-store-gateways/{id}/nics/{nic}", s.handleModifyNIC)
		r.Post("/catalyst-gateways/{id}/resize", s.handleResize)

		r.Get("/hypervisor-managers", s.handleListManagers)
		r.Get("/datastores", s.handleListDatastores)
		r.Get("/protection-stores", s.handleListStores)
		r.Post("/protection-stores", s.handleCreateStore)

		r.Get("/protection-policies", s.handleListPolicies)
		r.Post("/protection-policies", s.handleCreatePolicy)
		r.Delete("/protection-policies/{id}", s.handleDeletePolicy)

		r.Get("/protection-jobs", s.handleListJobs)
		r.Post("/protection-jobs", s.handleProtect)
		r.Delete("/protection-jobs/{id}", s.handleUnprotect)
		r.Post("/protection-jobs/{id}/run", s.handleRunJob)

		r.Get("/virtual-machines", s.handleListVMs)
		r.Get("/virtual-machines/{id}", s.handleGetVM)
		r.Get("/virtual-machines/{id}/snapshots", s.handleListCopies(gateway.ProtectionSnapshot))
		r.Post("/virtual-machines/{id}/snapshots", s.handleCreateSnapshot)
		r.Delete("/virtual-machines/{id}/snapshots/{copy}", s.handleDeleteCopy)
		r.Get("/virtual-machines/{id}/backups", s.handleListCopies(gateway.ProtectionBackup, gateway.ProtectionCloud))
		r.Post("/virtual-machines/{id}/backups", s.handleCreateBackup)
		r.Delete("/virtual-machines/{id}/backups/{copy}", s.handleDeleteCopy)
		r.Post("/virtual-machines/{id}/restore", s.handleRestore)
	})

	r.Route("/app-data-management/v1/dashboard", func(r chi.Router) {
		r.Use(s.dropConnections)
		r.Use(s.requireToken)
		r.Get("/{panel}", s.handlePanel)
	})

	r.Route(PortalPath+"/{project}", func(r chi.Router) {
		r.Post("/launch", s.handleStartLaunch)
		r.Put("/launch/{id}/finish", s.handleFinishLaunch)
		r.Post("/item", s.handleStartItem)
		r.Post("/item/{parent}", s.handleStartItem)
		r.Put("/item/{id}", s.handleFinishItem)
		r.Post("/log", s.handleLog)
	})

	return r
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls = append(s.calls, Call{Method: r.Method, Path: r.URL.Path})
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

// dropConnections hijacks and closes every Nth API request so clients see
// a connection-level failure.
func (s *Server) dropConnections(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests++
		drop := s.faults.DropEvery > 0 && s.requests%s.faults.DropEvery == 0
		s.mu.Unlock()

		if drop {
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					s.cfg.Logger.Debug().Str("path", r.URL.Path).Msg("dropping connection")
					_ = conn.Close()
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) now() time.Time {
	return s.cfg.Now()
}

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, map[string]any{"error": err.Error()})
}

func respondItems[T any](w http.ResponseWriter, items []T) {
	if items == nil {
		items = []T{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items), "total": len(items)})
}

// ListenAndServe serves the fake on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Routes(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
