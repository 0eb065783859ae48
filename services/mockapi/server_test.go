package mockapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwperf/pkg/task"
	"gwperf/services/gateway"
)

type fixture struct {
	t     *testing.T
	srv   *Server
	http  *httptest.Server
	token string
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	if cfg.Secret == nil {
		cfg.Secret = []byte("test-secret")
	}
	if cfg.Seed.HypervisorManagers == nil {
		cfg.Seed = DefaultSeed()
	}
	cfg.Logger = zerolog.Nop()
	srv, err := New(cfg)
	require.NoError(t, err)
	hs := httptest.NewServer(srv.Routes())
	t.Cleanup(hs.Close)

	token, err := srv.IssueToken("perf")
	require.NoError(t, err)
	return &fixture{t: t, srv: srv, http: hs, token: token}
}

func (f *fixture) do(method, path string, body any) (int, []byte) {
	f.t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(f.t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.http.URL+path, r)
	require.NoError(f.t, err)
	req.Header.Set("Content-Type", "application/json")
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	resp, err := f.http.Client().Do(req)
	require.NoError(f.t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(f.t, err)
	return resp.StatusCode, data
}

func (f *fixture) submit(method, path string, body any) string {
	f.t.Helper()
	code, data := f.do(method, path, body)
	require.Less(f.t, code, 300, string(data))
	var resp struct {
		TaskURI string `json:"taskUri"`
	}
	require.NoError(f.t, json.Unmarshal(data, &resp))
	require.True(f.t, strings.HasPrefix(resp.TaskURI, tasksPath))
	return resp.TaskURI
}

func (f *fixture) poll(uri string) (int, taskBody) {
	f.t.Helper()
	code, data := f.do(http.MethodGet, uri, nil)
	var body taskBody
	if code == http.StatusOK {
		require.NoError(f.t, json.Unmarshal(data, &body))
	}
	return code, body
}

func TestNewRequiresSecret(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestTokenEndpoint(t *testing.T) {
	f := newFixture(t, Config{Clients: map[string]string{"perf": "s3cret"}})

	post := func(form url.Values) *http.Response {
		resp, err := f.http.Client().PostForm(f.http.URL+TokenPath, form)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	tests := []struct {
		name string
		form url.Values
		want int
	}{
		{"valid client", url.Values{"grant_type": {"client_credentials"}, "client_id": {"perf"}, "client_secret": {"s3cret"}}, http.StatusOK},
		{"wrong secret", url.Values{"grant_type": {"client_credentials"}, "client_id": {"perf"}, "client_secret": {"nope"}}, http.StatusUnauthorized},
		{"wrong grant", url.Values{"grant_type": {"password"}, "client_id": {"perf"}}, http.StatusBadRequest},
		{"missing client", url.Values{"grant_type": {"client_credentials"}}, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := post(tc.form)
			assert.Equal(t, tc.want, resp.StatusCode)
			if tc.want != http.StatusOK {
				return
			}
			var tok tokenResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&tok))
			assert.NotEmpty(t, tok.AccessToken)
			assert.Equal(t, "Bearer", tok.TokenType)
			assert.Equal(t, int(defaultTokenTTL.Seconds()), tok.ExpiresIn)
		})
	}
}

func TestAPIRequiresValidToken(t *testing.T) {
	f := newFixture(t, Config{})

	f.token = ""
	code, _ := f.do(http.MethodGet, "/api/v1/protection-store-gateways", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	f.token = "not-a-jwt"
	code, _ = f.do(http.MethodGet, "/api/v1/protection-store-gateways", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestExpiredTokenRejected(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, Config{TokenTTL: time.Minute, Now: func() time.Time { return now }})

	code, _ := f.do(http.MethodGet, "/api/v1/protection-store-gateways", nil)
	require.Equal(t, http.StatusOK, code)

	now = now.Add(2 * time.Minute)
	code, _ = f.do(http.MethodGet, "/api/v1/protection-store-gateways", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func createGateway(f *fixture, name string) string {
	f.t.Helper()
	p := gateway.Placement{
		Name:                name,
		HypervisorManagerID: "hm-1",
		DatastoreID:         "ds-1",
		HostID:              "host-1",
		NetworkName:         "VM Network",
		NetworkAddress:      "10.0.0.10",
		DNSAddress:          "10.0.0.2",
		Gateway:             "10.0.0.1",
		SubnetMask:          "255.255.255.0",
	}
	uri := f.submit(http.MethodPost, "/api/v1/protection-store-gateways", gateway.NewCreateGatewayRequest(p))
	_, body := f.poll(uri)
	require.Equal(f.t, task.StateSucceeded, body.State)
	return body.SourceResource.ID()
}

func TestTaskLifecycle(t *testing.T) {
	f := newFixture(t, Config{RunningPolls: 2})
	uri := f.submit(http.MethodPost, "/api/v1/protection-store-gateways", gateway.NewCreateGatewayRequest(gateway.Placement{
		Name: "gw", HypervisorManagerID: "hm-1", DatastoreID: "ds-1",
	}))

	var states []task.State
	for range 4 {
		code, body := f.poll(uri)
		require.Equal(t, http.StatusOK, code)
		states = append(states, body.State)
	}
	assert.Equal(t, []task.State{task.StateRunning, task.StateRunning, task.StateSucceeded, task.StateSucceeded}, states)
}

func TestTaskFaults(t *testing.T) {
	f := newFixture(t, Config{Faults: Faults{Forbidden: 2, KnownDefect: 1}})
	uri := f.submit(http.MethodPost, "/api/v1/protection-store-gateways", gateway.NewCreateGatewayRequest(gateway.Placement{
		Name: "gw", HypervisorManagerID: "hm-1", DatastoreID: "ds-1",
	}))

	var codes []int
	for range 4 {
		code, _ := f.do(http.MethodGet, uri, nil)
		codes = append(codes, code)
	}
	assert.Equal(t, []int{http.StatusForbidden, http.StatusForbidden, http.StatusInternalServerError, http.StatusOK}, codes)

	f.srv.SetFaults(Faults{})
	id := createGateway(f, "gw2")
	f.srv.SetFaults(Faults{KnownDefect: 1})
	uri = f.submit(http.MethodDelete, "/api/v1/protection-store-gateways/"+id, nil)
	code, data := f.do(http.MethodGet, uri, nil)
	require.Equal(t, http.StatusInternalServerError, code)
	assert.Contains(t, string(data), task.KnownErrorCode)
}

func TestFailOperation(t *testing.T) {
	f := newFixture(t, Config{})
	f.srv.FailOperation(OpCreateGateway, "no capacity")

	uri := f.submit(http.MethodPost, "/api/v1/protection-store-gateways", gateway.NewCreateGatewayRequest(gateway.Placement{
		Name: "gw", HypervisorManagerID: "hm-1", DatastoreID: "ds-1",
	}))
	_, body := f.poll(uri)
	assert.Equal(t, task.StateFailed, body.State)
	assert.Equal(t, "no capacity", body.Error)

	code, data := f.do(http.MethodGet, "/api/v1/protection-store-gateways", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(data), `"count":0`)

	f.srv.FailOperation(OpCreateGateway, "")
	createGateway(f, "gw")
}

func TestDropConnections(t *testing.T) {
	f := newFixture(t, Config{Faults: Faults{DropEvery: 2}})

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	get := func() error {
		req, err := http.NewRequest(http.MethodGet, f.http.URL+"/api/v1/datastores", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+f.token)
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		return resp.Body.Close()
	}

	require.NoError(t, get())
	assert.Error(t, get())
	require.NoError(t, get())
}

func TestGatewayLifecycle(t *testing.T) {
	f := newFixture(t, Config{HealthyAfter: 2})
	id := createGateway(f, "perf_1")

	read := func() gateway.Gateway {
		code, data := f.do(http.MethodGet, "/api/v1/protection-store-gateways/"+id, nil)
		require.Equal(t, http.StatusOK, code)
		var g gateway.Gateway
		require.NoError(t, json.Unmarshal(data, &g))
		return g
	}
	assert.False(t, read().Healthy())
	assert.False(t, read().Healthy())
	g := read()
	require.True(t, g.Healthy())
	assert.Equal(t, "10.0.0.10", g.PrimaryAddress())
	require.NotNil(t, g.Network.Proxy)
	assert.Equal(t, gateway.DefaultProxyPort, g.Network.Proxy.Port)

	f.poll(f.submit(http.MethodPatch, "/api/v1/protection-store-gateways/"+id, map[string]any{
		"network": map[string]any{"proxy": map[string]any{"networkAddress": "10.0.0.5", "port": gateway.AlternateProxyPort}},
	}))
	f.poll(f.submit(http.MethodPost, "/api/v1/protection-store-gateways/"+id+"/nics", gateway.NIC{Name: "data1", NetworkAddress: "10.0.1.10"}))
	g = read()
	assert.Equal(t, gateway.AlternateProxyPort, g.Network.Proxy.Port)
	require.Len(t, g.Network.NICs, 2)
	assert.Equal(t, "nic-1", g.Network.NICs[1].ID)

	f.poll(f.submit(http.MethodPost, "/api/v1/catalyst-gateways/"+id+"/resize", gateway.NewResizeRequest(g, 4)))
	assert.InDelta(t, 4.0, read().ProvisionedTiB(), 0.001)

	f.poll(f.submit(http.MethodDelete, "/api/v1/protection-store-gateways/"+id, nil))
	code, _ := f.do(http.MethodGet, "/api/v1/protection-store-gateways/"+id, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCreateGatewayValidates(t *testing.T) {
	f := newFixture(t, Config{})
	code, _ := f.do(http.MethodPost, "/api/v1/protection-store-gateways", map[string]any{"name": "x"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestPortalRecordsItems(t *testing.T) {
	f := newFixture(t, Config{})
	f.token = "portal-token"

	start := func(path string, body any) string {
		code, data := f.do(http.MethodPost, PortalPath+"/perf"+path, body)
		require.Equal(t, http.StatusCreated, code, string(data))
		var resp portalResponse
		require.NoError(t, json.Unmarshal(data, &resp))
		return resp.ID
	}

	launch := start("/launch", map[string]any{"name": "nightly", "description": "", "startTime": 1, "mode": "DEFAULT"})
	suite := start("/item", map[string]any{"name": "suite", "description": "", "startTime": 1, "type": "suite", "launchUuid": launch})
	step := start("/item/"+suite, map[string]any{"name": "create", "description": "", "startTime": 1, "type": "step", "launchUuid": launch, "hasStats": false})
	start("/log", map[string]any{"launchUuid": launch, "itemUuid": step, "time": 2, "message": "boom", "level": "error"})

	code, _ := f.do(http.MethodPut, PortalPath+"/perf/item/"+step, map[string]any{
		"endTime": 3, "status": "interrupted", "launchUuid": launch,
		"issue": map[string]any{"issueType": "pb001", "comment": "boom"},
	})
	require.Equal(t, http.StatusOK, code)
	code, _ = f.do(http.MethodPut, PortalPath+"/perf/item/"+step, map[string]any{"endTime": 4})
	assert.Equal(t, http.StatusConflict, code)
	code, _ = f.do(http.MethodPut, PortalPath+"/perf/launch/"+launch+"/finish", map[string]any{"endTime": 5})
	require.Equal(t, http.StatusOK, code)

	got, ok := f.srv.FindPortalItem("step", "create")
	require.True(t, ok)
	assert.Equal(t, suite, got.Parent)
	assert.Equal(t, "interrupted", got.Status)
	assert.Equal(t, "pb001", got.IssueType)
	assert.Equal(t, []string{"boom"}, got.Logs)
	assert.Len(t, f.srv.PortalItems(), 3)

	code, _ = f.do(http.MethodPost, PortalPath+"/perf/item", map[string]any{"name": "x", "type": "suite", "launchUuid": "missing"})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCount(t *testing.T) {
	f := newFixture(t, Config{})
	f.do(http.MethodGet, "/api/v1/datastores", nil)
	f.do(http.MethodGet, "/api/v1/datastores", nil)
	f.do(http.MethodGet, "/api/v1/hypervisor-managers", nil)
	assert.Equal(t, 2, f.srv.Count(http.MethodGet, "/api/v1/datastores"))
	assert.Equal(t, 3, f.srv.Count(http.MethodGet, "/api/v1/"))
}
