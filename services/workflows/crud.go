package workflows

import (
	"context"
	"errors"
	"fmt"

	"gwperf/pkg/failure"
	"gwperf/services/gateway"
)

// CRUD creates a gateway, lists it, modifies its DNS, proxy and address,
// adds data interfaces and deletes it again.
type CRUD struct {
	Options CRUDOptions

	base         gateway.Placement
	ipMin, ipMax int
}

// NewCRUD returns the CRUD workflow.
func NewCRUD(opts CRUDOptions) *CRUD {
	return &CRUD{Options: opts}
}

func (w *CRUD) Name() string { return NameCRUD }

func (w *CRUD) Suite(planned int) (string, string) {
	return "CRUD Workflow Test Suite", fmt.Sprintf("Total Iterations Executed: %d", planned)
}

func (w *CRUD) Setup(ctx context.Context, env *Env) (Plan, error) {
	if err := env.check(); err != nil {
		return Plan{}, err
	}
	o := w.Options
	if o.Gateway.VMPrefix == "" {
		return Plan{}, errors.New("crud: psgwOptions.vmPrefix is required")
	}
	var err error
	if w.ipMin, err = gateway.ParseOctet(o.Gateway.IPMin); err != nil {
		return Plan{}, fmt.Errorf("crud: ipMin: %w", err)
	}
	if w.ipMax, err = gateway.ParseOctet(o.Gateway.IPMax); err != nil {
		return Plan{}, fmt.Errorf("crud: ipMax: %w", err)
	}
	if w.base, err = env.placement(ctx); err != nil {
		return Plan{}, fmt.Errorf("crud: %w", err)
	}
	return Plan{VUs: o.VUs, Iterations: o.Iterations, MaxDuration: o.Duration.Duration()}, nil
}

func (w *CRUD) Run(ctx context.Context, env *Env, it Iteration) (bool, error) {
	o := w.Options
	name := fmt.Sprintf("%s_%d_%d", o.Gateway.VMPrefix, env.now().Unix(), it.Number())
	ctx, t := env.startTest(ctx, it, fmt.Sprintf("Catalyst gateway VM creation Iteration #%d", it.Number()), "Catalyst gateway VM creation")

	var id string
	created := t.step(ctx, "Create Catalyst gateway VM", "pb002", func(ctx context.Context) (bool, error) {
		var ok bool
		var err error
		id, ok, err = env.Client.CreateGateway(ctx, o.Gateway.request(w.base, name, o.NetworkAddress), env.Testbed.CreateTimeout)
		return ok, err
	})

	listed, modified := false, false
	if created {
		listed = t.step(ctx, "List Catalyst gateway VM", "", func(ctx context.Context) (bool, error) {
			matched, err := env.Client.GatewaysByName(ctx, name)
			return len(matched) > 0, err
		})
		modified = w.modify(ctx, env, t, id)
	}

	deleted := false
	if id != "" {
		deleted = t.step(context.WithoutCancel(ctx), "Delete Catalyst gateway VM", "", func(ctx context.Context) (bool, error) {
			return env.Client.DeleteGateway(ctx, id, env.Testbed.TaskWait)
		})
	}
	return t.finish(ctx, created && listed && modified && deleted)
}

// modify runs the DNS, proxy and address changes and adds the data
// interfaces. Only the first three decide the result.
func (w *CRUD) modify(ctx context.Context, env *Env, t *testRun, id string) bool {
	o := w.Options
	wait := env.Testbed.TaskWait

	if env.think(ctx, o.ThinkBeforeModifyDNS) != nil {
		return false
	}
	dns := t.step(ctx, "Modify DNS", "", func(ctx context.Context) (bool, error) {
		return env.Client.ModifyDNS(ctx, id, []string{o.Gateway.AlternateDNS}, wait)
	})
	if env.think(ctx, o.WaitAfterModifyDNS) != nil {
		return false
	}

	if env.think(ctx, o.ThinkBeforeModifyProxy) != nil {
		return false
	}
	proxy := t.step(ctx, "Modify Proxy", "", func(ctx context.Context) (bool, error) {
		return toggleProxy(ctx, env, id, o.Gateway.ProxyAddress)
	})
	if env.think(ctx, o.WaitAfterModifyProxy) != nil {
		return false
	}

	if env.think(ctx, o.ThinkBeforeModifyIP) != nil {
		return false
	}
	address := t.step(ctx, "Modify new IP address", "", func(ctx context.Context) (bool, error) {
		g, err := env.Client.Gateway(ctx, id)
		if err != nil {
			return false, err
		}
		if len(g.Network.NICs) == 0 {
			return false, failure.New(failure.MalformedReference, "modify ip", "gateway %s has no interfaces", id)
		}
		nic := g.Network.NICs[0]
		nic.NetworkAddress, err = gateway.RandomIP(env.Rand, o.Gateway.IPPrefix, w.ipMin, w.ipMax, g.PrimaryAddress())
		if err != nil {
			return false, err
		}
		return env.Client.ModifyNIC(ctx, id, nic, wait)
	})
	if env.think(ctx, o.WaitAfterModifyIP) != nil {
		return false
	}

	w.addNIC(ctx, env, t, id, "Add Data1 Network Interface", o.Gateway.Data1IP, o.Gateway.Network2)
	w.addNIC(ctx, env, t, id, "Add Data2 Network Interface", o.Gateway.Data2IP, o.Gateway.Network3)

	return dns && proxy && address
}

// toggleProxy moves a gateway's proxy to the alternate port and back. The
// default port is restored whatever happened.
func toggleProxy(ctx context.Context, env *Env, id, address string) (bool, error) {
	wait := env.Testbed.TaskWait
	ok, err := env.Client.ModifyProxy(ctx, id, address, gateway.AlternateProxyPort, wait)
	reverted, revertErr := env.Client.ModifyProxy(context.WithoutCancel(ctx), id, address, gateway.DefaultProxyPort, wait)
	return ok && reverted, errors.Join(err, revertErr)
}

func (w *CRUD) addNIC(ctx context.Context, env *Env, t *testRun, id, step, address, network string) {
	if address == "" {
		return
	}
	t.step(ctx, step, "", func(ctx context.Context) (bool, error) {
		return env.Client.AddNIC(ctx, id, gateway.NIC{
			NetworkAddress: address,
			SubnetMask:     w.Options.Gateway.DataSubnetMask,
			NetworkName:    network,
		}, env.Testbed.TaskWait)
	})
}

func (w *CRUD) Teardown(context.Context, *Env) error { return nil }
