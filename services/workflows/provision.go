package workflows

import (
	"context"
	"errors"
	"fmt"

	"gwperf/services/gateway"
)

// CreateGateways deploys one gateway per configured address, one address
// per iteration.
type CreateGateways struct {
	Options CreateGatewaysOptions

	base  gateway.Placement
	stamp int64
}

// NewCreateGateways returns the bulk provisioning workflow.
func NewCreateGateways(opts CreateGatewaysOptions) *CreateGateways {
	return &CreateGateways{Options: opts}
}

func (w *CreateGateways) Name() string { return NameCreateGateways }

func (w *CreateGateways) Suite(planned int) (string, string) {
	return "Create Protection Store Gateways", fmt.Sprintf("Gateways requested: %d", planned)
}

// Setup runs one VU per gateway, capped by the number of addresses.
func (w *CreateGateways) Setup(ctx context.Context, env *Env) (Plan, error) {
	if err := env.check(); err != nil {
		return Plan{}, err
	}
	o := w.Options
	if o.Gateway.VMPrefix == "" {
		return Plan{}, errors.New("create-gateways: psgwOptions.vmPrefix is required")
	}
	if len(o.Addresses) == 0 {
		return Plan{}, errors.New("create-gateways: ipList is empty")
	}
	var err error
	if w.base, err = env.placement(ctx); err != nil {
		return Plan{}, fmt.Errorf("create-gateways: %w", err)
	}
	w.stamp = env.now().Unix()

	n := len(o.Addresses)
	if o.Iterations > 0 {
		n = min(n, o.Iterations)
	}
	return Plan{VUs: n, Iterations: n, MaxDuration: o.Duration.Duration(), Limit: len(o.Addresses)}, nil
}

func (w *CreateGateways) Run(ctx context.Context, env *Env, it Iteration) (bool, error) {
	o := w.Options
	if it.Index >= len(o.Addresses) {
		return false, fmt.Errorf("iteration %d has no address", it.Number())
	}
	name := fmt.Sprintf("%s_%d_%d", o.Gateway.VMPrefix, w.stamp, it.Index)
	ctx, t := env.startTest(ctx, it, fmt.Sprintf("Create Catalyst gateway VM #%d", it.Number()), name)

	created := t.step(ctx, "Create Catalyst gateway VM", "pb002", func(ctx context.Context) (bool, error) {
		_, ok, err := env.Client.CreateGateway(ctx, o.Gateway.request(w.base, name, o.Addresses[it.Index]), env.Testbed.CreateTimeout)
		return ok, err
	})
	if err := env.think(ctx, o.ThinkTime); err != nil {
		return t.finish(ctx, false)
	}
	return t.finish(ctx, created)
}

func (w *CreateGateways) Teardown(context.Context, *Env) error { return nil }

// DeleteGateways removes every gateway whose name carries the configured
// prefix, one gateway per iteration.
type DeleteGateways struct {
	Options DeleteGatewaysOptions

	targets []gateway.Gateway
}

// NewDeleteGateways returns the bulk removal workflow.
func NewDeleteGateways(opts DeleteGatewaysOptions) *DeleteGateways {
	return &DeleteGateways{Options: opts}
}

func (w *DeleteGateways) Name() string { return NameDeleteGateways }

func (w *DeleteGateways) Suite(planned int) (string, string) {
	return "Delete Protection Store Gateways", fmt.Sprintf("Gateways found: %d", planned)
}

// Setup lists the gateways to remove. Finding none is not an error; the
// plan then has no iterations.
func (w *DeleteGateways) Setup(ctx context.Context, env *Env) (Plan, error) {
	if err := env.check(); err != nil {
		return Plan{}, err
	}
	o := w.Options
	if o.Prefix == "" {
		return Plan{}, errors.New("delete-gateways: vmPrefix is required")
	}
	targets, err := env.Client.GatewaysWithPrefix(ctx, o.Prefix)
	if err != nil {
		return Plan{}, err
	}
	w.targets = targets
	env.Logger.Info().Str("prefix", o.Prefix).Int("gateways", len(targets)).Msg("gateways to delete")

	vus := len(targets)
	if o.VUs > 0 {
		vus = min(vus, o.VUs)
	}
	return Plan{VUs: vus, Iterations: len(targets), MaxDuration: o.Duration.Duration(), Limit: len(targets)}, nil
}

func (w *DeleteGateways) Run(ctx context.Context, env *Env, it Iteration) (bool, error) {
	o := w.Options
	if it.Index >= len(w.targets) {
		return false, fmt.Errorf("iteration %d has no gateway", it.Number())
	}
	target := w.targets[it.Index]
	ctx, t := env.startTest(ctx, it, fmt.Sprintf("Delete Catalyst gateway VM #%d", it.Number()), target.Name)

	listed := t.step(ctx, "List Catalyst gateway VM", "", func(ctx context.Context) (bool, error) {
		gws, err := env.Client.GatewaysWithPrefix(ctx, o.Prefix)
		if err != nil {
			return false, err
		}
		for _, g := range gws {
			if g.ID == target.ID {
				return true, nil
			}
		}
		return false, nil
	})
	if !listed {
		return t.finish(ctx, false)
	}
	if err := env.think(ctx, o.ThinkBeforeDelete); err != nil {
		return t.finish(ctx, false)
	}
	deleted := t.step(ctx, "Delete Catalyst gateway VM", "", func(ctx context.Context) (bool, error) {
		return env.Client.DeleteGateway(ctx, target.ID, env.Testbed.TaskWait)
	})
	if err := env.think(ctx, o.WaitAfterDelete); err != nil {
		return t.finish(ctx, false)
	}
	return t.finish(ctx, deleted)
}

func (w *DeleteGateways) Teardown(context.Context, *Env) error { return nil }
