package workflows

import (
	"context"
	"errors"
	"fmt"

	"gwperf/services/gateway"
)

// ModifyLocalStore changes the DNS and proxy of existing gateways listed
// by prefix, one gateway per iteration.
type ModifyLocalStore struct {
	Options ModifyLocalStoreOptions

	targets []gateway.Gateway
}

// NewModifyLocalStore returns the local store modification workflow.
func NewModifyLocalStore(opts ModifyLocalStoreOptions) *ModifyLocalStore {
	return &ModifyLocalStore{Options: opts}
}

func (w *ModifyLocalStore) Name() string { return NameModifyLocalStore }

func (w *ModifyLocalStore) Suite(planned int) (string, string) {
	return "Modify Local Store Test Suite", fmt.Sprintf("Gateways modified: %d", planned)
}

// Setup lists the gateways to modify. Each iteration owns one of them, so
// VUs never share a gateway.
func (w *ModifyLocalStore) Setup(ctx context.Context, env *Env) (Plan, error) {
	if err := env.check(); err != nil {
		return Plan{}, err
	}
	o := w.Options
	if o.Prefix == "" {
		return Plan{}, errors.New("modify-local-store: vmPrefix is required")
	}
	if o.AlternateDNS == "" {
		return Plan{}, errors.New("modify-local-store: alternateDNS is required")
	}
	targets, err := env.Client.GatewaysWithPrefix(ctx, o.Prefix)
	if err != nil {
		return Plan{}, fmt.Errorf("modify-local-store: %w", err)
	}
	w.targets = targets
	env.Logger.Info().Str("prefix", o.Prefix).Int("gateways", len(targets)).Msg("gateways to modify")

	n := len(targets)
	if o.Iterations > 0 {
		n = min(n, o.Iterations)
	}
	vus := n
	if o.VUs > 0 {
		vus = min(vus, o.VUs)
	}
	return Plan{VUs: vus, Iterations: n, MaxDuration: o.Duration.Duration(), Limit: len(targets)}, nil
}

func (w *ModifyLocalStore) Run(ctx context.Context, env *Env, it Iteration) (bool, error) {
	o := w.Options
	if it.Index >= len(w.targets) {
		return false, fmt.Errorf("iteration %d has no gateway", it.Number())
	}
	target := w.targets[it.Index]
	ctx, t := env.startTest(ctx, it, fmt.Sprintf("Modify local store #%d", it.Number()), target.Name)

	if env.think(ctx, o.ThinkBeforeModifyDNS) != nil {
		return t.finish(ctx, false)
	}
	dns := t.step(ctx, "Modify DNS", "", func(ctx context.Context) (bool, error) {
		return env.Client.ModifyDNS(ctx, target.ID, []string{o.AlternateDNS}, env.Testbed.TaskWait)
	})
	if env.think(ctx, o.WaitAfterModifyDNS) != nil {
		return t.finish(ctx, false)
	}

	if env.think(ctx, o.ThinkBeforeModifyProxy) != nil {
		return t.finish(ctx, false)
	}
	proxy := t.step(ctx, "Modify Proxy", "", func(ctx context.Context) (bool, error) {
		return toggleProxy(ctx, env, target.ID, o.ProxyAddress)
	})
	if env.think(ctx, o.WaitAfterModifyProxy) != nil {
		return t.finish(ctx, false)
	}
	return t.finish(ctx, dns && proxy)
}

func (w *ModifyLocalStore) Teardown(context.Context, *Env) error { return nil }
