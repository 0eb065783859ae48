package gateway_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwperf/pkg/auth"
	"gwperf/pkg/failure"
	"gwperf/pkg/transport"
	"gwperf/services/gateway"
	"gwperf/services/mockapi"
)

const wait = time.Minute

func noSleep(context.Context, time.Duration) error { return nil }

func newClient(t *testing.T, cfg mockapi.Config) (*gateway.Client, *mockapi.Server) {
	t.Helper()
	cfg.Secret = []byte("gateway-test")
	cfg.Seed = mockapi.DefaultSeed()
	cfg.Logger = zerolog.Nop()
	fake, err := mockapi.New(cfg)
	require.NoError(t, err)
	srv := httptest.NewServer(fake.Routes())
	t.Cleanup(srv.Close)

	caller := transport.New(transport.WithDoer(srv.Client()), transport.WithSleeper(noSleep))
	c, err := gateway.Dial(gateway.Options{
		BaseURL:   srv.URL,
		TokenURL:  srv.URL + mockapi.TokenPath,
		Account:   auth.Account{Name: "perf", ClientID: "perf", ClientSecret: "secret"},
		Transport: caller,
		Sleeper:   noSleep,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	return c, fake
}

func placement(t *testing.T, c *gateway.Client, name string) gateway.Placement {
	t.Helper()
	ctx := context.Background()
	hm, err := c.HypervisorManagerID(ctx, "vcenter-01")
	require.NoError(t, err)
	ds, err := c.DatastoreID(ctx, "datastore-01")
	require.NoError(t, err)
	host, err := c.HostID(ctx, "datastore-01", "esx-01")
	require.NoError(t, err)
	return gateway.Placement{
		Name:                name,
		HypervisorManagerID: hm,
		DatastoreID:         ds,
		HostID:              host,
		NetworkName:         "VM Network",
		NetworkAddress:      "10.0.0.10",
		DNSAddress:          "10.0.0.2",
		Gateway:             "10.0.0.1",
		SubnetMask:          "255.255.255.0",
	}
}

func TestDialValidates(t *testing.T) {
	_, err := gateway.Dial(gateway.Options{Transport: transport.New()})
	require.Error(t, err)
	_, err = gateway.Dial(gateway.Options{BaseURL: "http://localhost"})
	require.Error(t, err)
	_, err = gateway.New(nil, zerolog.Nop())
	require.Error(t, err)
}

func TestCreateGatewayWaitsForHealth(t *testing.T) {
	c, fake := newClient(t, mockapi.Config{RunningPolls: 2, HealthyAfter: 3})
	ctx := context.Background()

	id, ok, err := c.CreateGateway(ctx, gateway.NewCreateGatewayRequest(placement(t, c, "perf_1")), wait)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, id)
	assert.GreaterOrEqual(t, fake.Count("GET", "/api/v1/protection-store-gateways/"+id), 4)

	matched, err := c.GatewaysByName(ctx, "perf_1")
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, id, matched[0].ID)

	g, err := c.Gateway(ctx, id)
	require.NoError(t, err)
	assert.True(t, g.Healthy())
	assert.Equal(t, "10.0.0.10", g.PrimaryAddress())
}

func TestCreateGatewayHealthTimeout(t *testing.T) {
	c, _ := newClient(t, mockapi.Config{HealthyAfter: 1000})
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	c.Now = func() time.Time { return now }
	c.Sleeper = func(_ context.Context, d time.Duration) error {
		now = now.Add(d)
		return nil
	}

	id, ok, err := c.CreateGateway(context.Background(), gateway.NewCreateGatewayRequest(placement(t, c, "slow")), wait)
	assert.False(t, ok)
	assert.NotEmpty(t, id, "id returned for cleanup")
	assert.True(t, failure.Is(err, failure.TaskTimeout), "got %v", err)
}

func TestCreateGatewayTaskFailure(t *testing.T) {
	c, fake := newClient(t, mockapi.Config{})
	fake.FailOperation(mockapi.OpCreateGateway, "insufficient resources")

	id, ok, err := c.CreateGateway(context.Background(), gateway.NewCreateGatewayRequest(placement(t, c, "broken")), wait)
	assert.False(t, ok)
	assert.True(t, failure.Is(err, failure.TaskFailed), "got %v", err)
	assert.Contains(t, err.Error(), "insufficient resources")
	assert.NotEmpty(t, id)

	all, err := c.ListGateways(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestLookupsWrapNotFound(t *testing.T) {
	c, _ := newClient(t, mockapi.Config{})
	ctx := context.Background()

	_, err := c.HypervisorManagerID(ctx, "nope")
	assert.True(t, errors.Is(err, gateway.ErrNotFound))
	_, err = c.DatastoreID(ctx, "nope")
	assert.True(t, errors.Is(err, gateway.ErrNotFound))
	_, err = c.HostID(ctx, "datastore-01", "nope")
	assert.True(t, errors.Is(err, gateway.ErrNotFound))
	_, err = c.VirtualMachine(ctx, "perf-vm-01", "other-vcenter")
	assert.True(t, errors.Is(err, gateway.ErrNotFound))
	_, err = c.PolicyByName(ctx, "nope")
	assert.True(t, errors.Is(err, gateway.ErrNotFound))
}

func TestModifyGateway(t *testing.T) {
	c, _ := newClient(t, mockapi.Config{})
	ctx := context.Background()
	id, ok, err := c.CreateGateway(ctx, gateway.NewCreateGatewayRequest(placement(t, c, "perf_mod")), wait)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.ModifyDNS(ctx, id, []string{"10.0.0.3", "10.0.0.4"}, wait)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.ModifyProxy(ctx, id, "10.0.0.5", gateway.AlternateProxyPort, wait)
	require.NoError(t, err)
	require.True(t, ok)

	g, err := c.Gateway(ctx, id)
	require.NoError(t, err)
	nic := g.Network.NICs[0]
	nic.NetworkAddress, err = gateway.RandomIP(rand.New(rand.NewPCG(1, 2)), "10.0.0.", 20, 30, g.PrimaryAddress())
	require.NoError(t, err)
	ok, err = c.ModifyNIC(ctx, id, nic, wait)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.AddNIC(ctx, id, gateway.NIC{Name: "data1", NetworkAddress: "10.0.1.10", SubnetMask: "255.255.255.0"}, wait)
	require.NoError(t, err)
	require.True(t, ok)

	g, err = c.Gateway(ctx, id)
	require.NoError(t, err)
	require.Len(t, g.Network.DNS, 2)
	assert.Equal(t, "10.0.0.4", g.Network.DNS[1].NetworkAddress)
	assert.Equal(t, gateway.AlternateProxyPort, g.Network.Proxy.Port)
	assert.Equal(t, nic.NetworkAddress, g.PrimaryAddress())
	require.Len(t, g.Network.NICs, 2)
	assert.Equal(t, gateway.NetworkTypeStatic, g.Network.NICs[1].NetworkType)

	_, err = c.ModifyNIC(ctx, id, gateway.NIC{}, wait)
	assert.True(t, failure.Is(err, failure.MalformedReference))

	ok, err = c.DeleteGateway(ctx, id, wait)
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = c.Gateway(ctx, id)
	assert.Error(t, err)
}

func TestResizeBumpsUnchangedSize(t *testing.T) {
	c, _ := newClient(t, mockapi.Config{})
	ctx := context.Background()
	id, _, err := c.CreateGateway(ctx, gateway.NewCreateGatewayRequest(placement(t, c, "perf_resize")), wait)
	require.NoError(t, err)

	before, err := c.Gateway(ctx, id)
	require.NoError(t, err)
	require.InDelta(t, 2.0, before.ProvisionedTiB(), 0.001)

	ok, err := c.Resize(ctx, id, 2, wait)
	require.NoError(t, err)
	require.True(t, ok)

	after, err := c.Gateway(ctx, id)
	require.NoError(t, err)
	assert.InDelta(t, 4.0, after.ProvisionedTiB(), 0.001)
}

func TestNewResizeRequest(t *testing.T) {
	g := gateway.Gateway{
		DatastoreIDs:   []gateway.DatastoreRef{{DatastoreID: "ds-1"}, {DatastoreID: "ds-2"}},
		DatastoresInfo: []gateway.DatastoreInfo{{ID: "ds-1", TotalProvisionedDiskTiB: 1}, {ID: "ds-2", TotalProvisionedDiskTiB: 2}},
	}
	tests := []struct {
		name string
		size float64
		want float64
	}{
		{"larger size kept", 5, 5},
		{"same size bumped", 3, 5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := gateway.NewResizeRequest(g, tc.size)
			assert.Equal(t, tc.want, req.MaxInCloudDailyProtectedDataTiB)
			assert.Equal(t, g.DatastoreIDs, req.DatastoreIDs)
			assert.Equal(t, 3.0, req.MaxOnPremDailyProtectedDataTiB)
		})
	}
}

func TestStores(t *testing.T) {
	c, fake := newClient(t, mockapi.Config{})
	ctx := context.Background()
	id, _, err := c.CreateGateway(ctx, gateway.NewCreateGatewayRequest(placement(t, c, "perf_store")), wait)
	require.NoError(t, err)

	local, ok, err := c.CreateLocalStore(ctx, id, wait)
	require.NoError(t, err)
	require.True(t, ok)
	cloud, ok, err := c.CreateCloudStore(ctx, id, "us-west-2", wait)
	require.NoError(t, err)
	require.True(t, ok)

	st, err := c.StoreFor(ctx, id, gateway.StoreOnPremises)
	require.NoError(t, err)
	assert.Equal(t, local, st.ID)
	st, err = c.StoreFor(ctx, id, gateway.StoreCloud)
	require.NoError(t, err)
	assert.Equal(t, cloud, st.ID)
	assert.Equal(t, "us-west-2", st.Region)

	fake.FailOperation(mockapi.OpCreateStore, "quota")
	_, ok, err = c.CreateLocalStore(ctx, id, wait)
	assert.True(t, failure.Is(err, failure.TaskFailed))
	assert.False(t, ok)
}

func TestProtectBackupRestore(t *testing.T) {
	c, _ := newClient(t, mockapi.Config{RunningPolls: 1})
	ctx := context.Background()

	gwID, ok, err := c.CreateGateway(ctx, gateway.NewCreateGatewayRequest(placement(t, c, "perf_backup")), wait)
	require.NoError(t, err)
	require.True(t, ok)
	storeID, ok, err := c.CreateLocalStore(ctx, gwID, wait)
	require.NoError(t, err)
	require.True(t, ok)

	policy, err := c.CreateProtectionPolicy(ctx, gateway.NewPolicy("perf_policy", storeID, ""))
	require.NoError(t, err)
	require.NotEmpty(t, policy.ID)
	require.Len(t, policy.Protections, 2)

	vm, err := c.VirtualMachine(ctx, "perf-vm-01", "vcenter-01")
	require.NoError(t, err)
	ok, err = c.ProtectVM(ctx, gateway.NewProtectRequest(vm, policy), wait)
	require.NoError(t, err)
	require.True(t, ok)

	job, err := c.JobForVM(ctx, vm.Name)
	require.NoError(t, err)

	ok, err = c.CreateSnapshot(ctx, vm.ID, "perf_snap", wait)
	require.NoError(t, err)
	require.True(t, ok)
	snap, err := c.SnapshotByName(ctx, vm.ID, "perf_snap")
	require.NoError(t, err)

	ok, err = c.CreateLocalBackup(ctx, vm.ID, storeID, "perf_backup", snap.ID, wait)
	require.NoError(t, err)
	require.True(t, ok)
	backup, err := c.BackupByName(ctx, vm.ID, "perf_backup")
	require.NoError(t, err)

	ok, err = c.Restore(ctx, vm.ID, gateway.RestoreToParent(snap.ID, gateway.ProtectionSnapshot), wait)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = c.Restore(ctx, vm.ID, gateway.RestoreToNew(backup.ID, gateway.ProtectionBackup, "perf-vm-01-restored", vm), wait)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = c.VirtualMachineID(ctx, "perf-vm-01-restored", "vcenter-01")
	require.NoError(t, err)

	_, err = c.DeleteProtectionPolicy(ctx, policy.ID)
	require.Error(t, err, "policy in use")

	ok, err = c.UnprotectVM(ctx, vm.Name, wait)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = c.JobForVM(ctx, job.AssetInfo.Name)
	assert.True(t, errors.Is(err, gateway.ErrNotFound))

	snaps, err := c.Snapshots(ctx, vm.ID)
	require.NoError(t, err)
	backups, err := c.Backups(ctx, vm.ID)
	require.NoError(t, err)
	ok, err = c.DeleteAll(ctx, append(snaps, backups...), wait)
	require.NoError(t, err)
	assert.True(t, ok)

	snaps, err = c.Snapshots(ctx, vm.ID)
	require.NoError(t, err)
	assert.Empty(t, snaps)

	ok, err = c.DeleteProtectionPolicy(ctx, policy.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunProtectionJobCreatesCloudCopy(t *testing.T) {
	c, _ := newClient(t, mockapi.Config{})
	ctx := context.Background()

	gwID, _, err := c.CreateGateway(ctx, gateway.NewCreateGatewayRequest(placement(t, c, "perf_cloud")), wait)
	require.NoError(t, err)
	local, _, err := c.CreateLocalStore(ctx, gwID, wait)
	require.NoError(t, err)
	cloud, _, err := c.CreateCloudStore(ctx, gwID, "us-west-2", wait)
	require.NoError(t, err)

	policy, err := c.CreateProtectionPolicy(ctx, gateway.NewPolicy("perf_cloud_policy", local, cloud))
	require.NoError(t, err)
	vm, err := c.VirtualMachine(ctx, "perf-vm-01", "")
	require.NoError(t, err)
	_, err = c.ProtectVM(ctx, gateway.NewProtectRequest(vm, policy), wait)
	require.NoError(t, err)
	job, err := c.JobForVM(ctx, vm.Name)
	require.NoError(t, err)

	_, err = c.CloudBackup(ctx, vm.ID)
	require.True(t, errors.Is(err, gateway.ErrNotFound))

	ok, err := c.RunProtectionJob(ctx, job.ID, []int{3}, wait)
	require.NoError(t, err)
	require.True(t, ok)
	b, err := c.CloudBackup(ctx, vm.ID)
	require.NoError(t, err)
	assert.Equal(t, gateway.ProtectionCloud, b.BackupType)
}

func TestKnownDefectRidesThrough(t *testing.T) {
	c, _ := newClient(t, mockapi.Config{Faults: mockapi.Faults{Forbidden: 3, KnownDefect: 2}})
	ctx := context.Background()

	id, ok, err := c.CreateGateway(ctx, gateway.NewCreateGatewayRequest(placement(t, c, "perf_faults")), wait)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, id)
}

func TestRandomIP(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 7))
	for range 50 {
		ip, err := gateway.RandomIP(r, "10.0.0.", 10, 12, "10.0.0.10")
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.11", ip)
	}

	_, err := gateway.RandomIP(r, "10.0.0.", 10, 11, "10.0.0.10")
	assert.Error(t, err)
	_, err = gateway.RandomIP(r, "10.0.0.", 20, 10, "")
	assert.Error(t, err)
	_, err = gateway.RandomIP(nil, "10.0.0.", 250, 257, "")
	assert.Error(t, err)
}

func TestParseOctet(t *testing.T) {
	n, err := gateway.ParseOctet(" 42 ")
	require.NoError(t, err)
	assert.Equal(t, 42, n)
	_, err = gateway.ParseOctet("256")
	assert.Error(t, err)
	_, err = gateway.ParseOctet("x")
	assert.Error(t, err)
}
