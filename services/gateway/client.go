// Package gateway is a typed client for the backup management API used by
// the workflows: protection store gateways, stores, policies, protection
// jobs, snapshots, backups and restores.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"gwperf/pkg/executor"
	"gwperf/pkg/failure"
	"gwperf/pkg/transport"
)

const (
	gatewaysPath      = "/api/v1/protection-store-gateways"
	catalystPath      = "/api/v1/catalyst-gateways"
	managersPath      = "/api/v1/hypervisor-managers"
	datastoresPath    = "/api/v1/datastores"
	storesPath        = "/api/v1/protection-stores"
	policiesPath      = "/api/v1/protection-policies"
	jobsPath          = "/api/v1/protection-jobs"
	machinesPath      = "/api/v1/virtual-machines"
	listLimit         = "limit=1000"
	defaultTaskWait   = 300 * time.Second
	healthLogEveryNth = 6
)

const (
	// DefaultHealthInterval is the pause between gateway health checks.
	DefaultHealthInterval = 10 * time.Second
	// DefaultHealthBudget bounds the wait for a new gateway to connect.
	DefaultHealthBudget = 120 * time.Second
)

// ErrNotFound is returned when a lookup by name matches nothing.
var ErrNotFound = errors.New("not found")

// Client calls the backup management API through an executor.
type Client struct {
	exec   *executor.Executor
	logger zerolog.Logger

	Sleeper        transport.Sleeper
	Now            func() time.Time
	HealthInterval time.Duration
	HealthBudget   time.Duration
}

// New returns a Client bound to exec.
func New(exec *executor.Executor, logger zerolog.Logger) (*Client, error) {
	if exec == nil {
		return nil, errors.New("executor is required")
	}
	return &Client{
		exec:           exec,
		logger:         logger,
		Sleeper:        transport.Sleep,
		Now:            time.Now,
		HealthInterval: DefaultHealthInterval,
		HealthBudget:   DefaultHealthBudget,
	}, nil
}

// Executor exposes the underlying executor.
func (c *Client) Executor() *executor.Executor {
	return c.exec
}

func getList[T any](ctx context.Context, c *Client, path string) ([]T, error) {
	out, err := c.exec.Do(ctx, executor.Call{Method: http.MethodGet, Path: path})
	if err != nil {
		return nil, err
	}
	var resp list[T]
	if err := out.Decode(&resp); err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}
	return resp.Items, nil
}

func withLimit(path string) string {
	return path + "?" + listLimit
}

// ListGateways returns every protection store gateway.
func (c *Client) ListGateways(ctx context.Context) ([]Gateway, error) {
	return getList[Gateway](ctx, c, gatewaysPath)
}

// GatewaysByName returns the gateways called name that have storage
// attached.
func (c *Client) GatewaysByName(ctx context.Context, name string) ([]Gateway, error) {
	all, err := c.ListGateways(ctx)
	if err != nil {
		return nil, err
	}
	var matched []Gateway
	for _, g := range all {
		if g.Name == name && len(g.DatastoreIDs) > 0 {
			matched = append(matched, g)
		}
	}
	return matched, nil
}

// GatewaysWithPrefix returns the gateways whose name starts with prefix.
func (c *Client) GatewaysWithPrefix(ctx context.Context, prefix string) ([]Gateway, error) {
	all, err := c.ListGateways(ctx)
	if err != nil {
		return nil, err
	}
	var matched []Gateway
	for _, g := range all {
		if strings.HasPrefix(g.Name, prefix) {
			matched = append(matched, g)
		}
	}
	return matched, nil
}

// Gateway fetches one gateway by id.
func (c *Client) Gateway(ctx context.Context, id string) (Gateway, error) {
	out, err := c.exec.Do(ctx, executor.Call{Method: http.MethodGet, Path: gatewayPath(id)})
	if err != nil {
		return Gateway{}, err
	}
	var g Gateway
	if err := out.Decode(&g); err != nil {
		return Gateway{}, fmt.Errorf("gateway %s: %w", id, err)
	}
	return g, nil
}

// HypervisorManagerID resolves a vCenter by name.
func (c *Client) HypervisorManagerID(ctx context.Context, name string) (string, error) {
	managers, err := getList[HypervisorManager](ctx, c, managersPath)
	if err != nil {
		return "", err
	}
	for _, m := range managers {
		if m.Name == name {
			return m.ID, nil
		}
	}
	return "", fmt.Errorf("hypervisor manager %q: %w", name, ErrNotFound)
}

// Datastore resolves a datastore by name.
func (c *Client) Datastore(ctx context.Context, name string) (Datastore, error) {
	stores, err := getList[Datastore](ctx, c, withLimit(datastoresPath))
	if err != nil {
		return Datastore{}, err
	}
	for _, ds := range stores {
		if ds.Name == name {
			return ds, nil
		}
	}
	return Datastore{}, fmt.Errorf("datastore %q: %w", name, ErrNotFound)
}

// DatastoreID resolves a datastore id by name.
func (c *Client) DatastoreID(ctx context.Context, name string) (string, error) {
	ds, err := c.Datastore(ctx, name)
	if err != nil {
		return "", err
	}
	return ds.ID, nil
}

// HostID resolves a host that can reach the named datastore.
func (c *Client) HostID(ctx context.Context, datastore, host string) (string, error) {
	ds, err := c.Datastore(ctx, datastore)
	if err != nil {
		return "", err
	}
	for _, h := range ds.HostsInfo {
		if h.Name == host {
			return h.ID, nil
		}
	}
	return "", fmt.Errorf("host %q on datastore %q: %w", host, datastore, ErrNotFound)
}

// CreateGateway submits a gateway creation, waits for its task and then
// for the new gateway to report healthy. The gateway id is returned
// whenever the task names it, even if a later wait fails, so callers can
// clean up.
func (c *Client) CreateGateway(ctx context.Context, req CreateGatewayRequest, waitTime time.Duration) (string, bool, error) {
	id, ok, err := c.create(ctx, executor.Call{
		Method:  http.MethodPost,
		Path:    gatewaysPath,
		Payload: req,
		Expect:  http.StatusCreated,
	}, waitTime)
	if err != nil || !ok {
		return id, false, err
	}

	c.logger.Info().Str("gateway", req.Name).Str("gateway_id", id).Msg("gateway created")
	healthy, err := c.WaitHealthy(ctx, id, c.HealthBudget)
	return id, healthy, err
}

// create submits call, waits for its task and returns the id of the
// resource the task names.
func (c *Client) create(ctx context.Context, call executor.Call, waitTime time.Duration) (string, bool, error) {
	sub, err := c.exec.Submit(ctx, call)
	if err != nil {
		return "", false, err
	}

	ok, waitErr := c.exec.Poller.Wait(ctx, sub.TaskURL, waitTime, nil)

	st, err := c.exec.Poller.Status(ctx, sub.TaskURL, nil)
	id := ""
	if err == nil {
		id = st.SourceResource.ID()
	}
	if waitErr != nil || !ok {
		return id, false, waitErr
	}
	if err != nil {
		return "", false, err
	}
	if id == "" {
		return "", false, failure.New(failure.MalformedReference, call.Method+" "+call.Path, "task %s names no source resource", sub.TaskURL)
	}
	return id, true, nil
}

// WaitHealthy polls a gateway until it is connected, enters the error
// state, or budget elapses.
func (c *Client) WaitHealthy(ctx context.Context, id string, budget time.Duration) (bool, error) {
	op := "wait gateway " + id
	start := c.now()
	for check := 1; ; check++ {
		g, err := c.Gateway(ctx, id)
		if err != nil {
			return false, err
		}
		if g.Healthy() {
			return true, nil
		}
		if g.State == StateError {
			return false, &failure.Error{Kind: failure.TaskFailed, Op: op, Message: fmt.Sprintf("gateway state %s, health %s", g.State, g.Health.Status)}
		}
		elapsed := c.now().Sub(start)
		if elapsed > budget {
			return false, failure.New(failure.TaskTimeout, op, "not connected after %s: state %s, health %s", elapsed.Round(time.Second), g.State, g.Health.Status)
		}
		if check%healthLogEveryNth == 1 {
			c.logger.Debug().Str("gateway_id", id).Str("state", g.State).Str("health", g.Health.Status).Dur("elapsed", elapsed).Msg("gateway not ready")
		}
		if err := c.sleep(ctx, c.healthInterval()); err != nil {
			return false, err
		}
	}
}

// ModifyDNS replaces the gateway's DNS servers.
func (c *Client) ModifyDNS(ctx context.Context, id string, dns []string, waitTime time.Duration) (bool, error) {
	network := Network{}
	for _, addr := range dns {
		network.DNS = append(network.DNS, Address{NetworkAddress: addr})
	}
	return c.run(ctx, http.MethodPatch, gatewayPath(id), map[string]any{"network": network}, waitTime)
}

// ModifyProxy points the gateway at a proxy port, keeping its address.
func (c *Client) ModifyProxy(ctx context.Context, id, address string, port int, waitTime time.Duration) (bool, error) {
	network := Network{Proxy: &Proxy{NetworkAddress: address, Port: port}}
	return c.run(ctx, http.MethodPatch, gatewayPath(id), map[string]any{"network": network}, waitTime)
}

// ModifyNIC changes the addressing of an existing interface.
func (c *Client) ModifyNIC(ctx context.Context, id string, nic NIC, waitTime time.Duration) (bool, error) {
	if nic.ID == "" {
		return false, failure.New(failure.MalformedReference, "modify nic", "gateway %s: nic id is required", id)
	}
	body := nic
	body.ID = ""
	if body.NetworkType == "" {
		body.NetworkType = NetworkTypeStatic
	}
	return c.run(ctx, http.MethodPatch, gatewayPath(id)+"/nics/"+url.PathEscape(nic.ID), body, waitTime)
}

// AddNIC attaches a data interface.
func (c *Client) AddNIC(ctx context.Context, id string, nic NIC, waitTime time.Duration) (bool, error) {
	if nic.NetworkType == "" {
		nic.NetworkType = NetworkTypeStatic
	}
	return c.run(ctx, http.MethodPost, gatewayPath(id)+"/nics", nic, waitTime)
}

// Resize grows the gateway's storage to sizeTiB on its current datastores.
func (c *Client) Resize(ctx context.Context, id string, sizeTiB float64, waitTime time.Duration) (bool, error) {
	g, err := c.Gateway(ctx, id)
	if err != nil {
		return false, err
	}
	req := NewResizeRequest(g, sizeTiB)
	c.logger.Info().Str("gateway_id", id).Float64("current_tib", g.ProvisionedTiB()).Float64("requested_tib", req.MaxInCloudDailyProtectedDataTiB).Msg("resizing gateway")
	return c.run(ctx, http.MethodPost, catalystPath+"/"+url.PathEscape(id)+"/resize", req, waitTime)
}

// DeleteGateway removes a gateway VM.
func (c *Client) DeleteGateway(ctx context.Context, id string, waitTime time.Duration) (bool, error) {
	return c.run(ctx, http.MethodDelete, gatewayPath(id), nil, waitTime)
}

// ProtectionStores lists the stores of every gateway.
func (c *Client) ProtectionStores(ctx context.Context) ([]Store, error) {
	return getList[Store](ctx, c, withLimit(storesPath))
}

// StoreFor returns the store of the given type backed by gatewayID.
func (c *Client) StoreFor(ctx context.Context, gatewayID, storeType string) (Store, error) {
	stores, err := c.ProtectionStores(ctx)
	if err != nil {
		return Store{}, err
	}
	for _, st := range stores {
		if st.GatewayID == gatewayID && st.StoreType == storeType {
			return st, nil
		}
	}
	return Store{}, fmt.Errorf("%s store of gateway %s: %w", storeType, gatewayID, ErrNotFound)
}

// CreateLocalStore creates the on-premises store of a gateway and returns
// its id.
func (c *Client) CreateLocalStore(ctx context.Context, gatewayID string, waitTime time.Duration) (string, bool, error) {
	return c.create(ctx, executor.Call{
		Method:  http.MethodPost,
		Path:    storesPath,
		Payload: map[string]string{"protectionStoreId": gatewayID},
	}, c.taskWait(waitTime))
}

// CreateCloudStore creates a cloud store of a gateway in region and
// returns its id.
func (c *Client) CreateCloudStore(ctx context.Context, gatewayID, region string, waitTime time.Duration) (string, bool, error) {
	return c.create(ctx, executor.Call{
		Method: http.MethodPost,
		Path:   storesPath,
		Payload: map[string]string{
			"protectionStoreGatewayId": gatewayID,
			"region":                   region,
		},
	}, c.taskWait(waitTime))
}

func (c *Client) run(ctx context.Context, method, path string, payload any, waitTime time.Duration) (bool, error) {
	return c.exec.Run(ctx, executor.Call{Method: method, Path: path, Payload: payload}, c.taskWait(waitTime))
}

func (c *Client) taskWait(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultTaskWait
	}
	return d
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	if c.Sleeper == nil {
		return transport.Sleep(ctx, d)
	}
	return c.Sleeper(ctx, d)
}

func (c *Client) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

func (c *Client) healthInterval() time.Duration {
	if c.HealthInterval <= 0 {
		return DefaultHealthInterval
	}
	return c.HealthInterval
}

func gatewayPath(id string) string {
	return gatewaysPath + "/" + url.PathEscape(id)
}
