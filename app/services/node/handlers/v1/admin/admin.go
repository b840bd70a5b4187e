// Package admin maintains the group of handlers that read and change the
// simulated network conditions of a node.
package admin

import (
	"context"
	"fmt"
	"net/http"

	"github.com/vetclinic/ledger/business/sys/validate"
	v1 "github.com/vetclinic/ledger/business/web/v1"
	"github.com/vetclinic/ledger/foundation/blockchain/faults"
	"github.com/vetclinic/ledger/foundation/web"
	"go.uber.org/zap"
)

// Handlers manages the set of admin endpoints.
type Handlers struct {
	Log    *zap.SugaredLogger
	Faults *faults.Policy
	Chaos  *faults.Chaos
}

// QueryFaults returns the fault configuration of the node.
func (h Handlers) QueryFaults(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	return web.Respond(ctx, w, h.Faults.Config(), http.StatusOK)
}

// UpdateFaults changes the fields present in the request and returns the
// resulting configuration.
func (h Handlers) UpdateFaults(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	var patch faults.NodePatch
	if err := web.Decode(r, &patch); err != nil {
		return v1.NewRequestError(fmt.Errorf("unable to decode payload: %w", err), http.StatusBadRequest)
	}

	if err := validate.Check(patch); err != nil {
		return err
	}

	cfg := h.Faults.Update(patch)

	// A new flapping setting starts counting from scratch.
	if patch.Flapping != nil || patch.FlappingMod != nil {
		h.Faults.ResetCounters()
	}

	h.Log.Infow("update faults", "traceid", v.TraceID, "offline", cfg.Offline, "slow_ms", cfg.SlowMS,
		"byzantine", cfg.Byzantine, "flapping", cfg.Flapping, "flapping_mod", cfg.FlappingMod,
		"drop_rpc_probability", cfg.DropRPCProbability)

	return web.Respond(ctx, w, cfg, http.StatusOK)
}

// QueryChaos returns the chaos configuration of the node.
func (h Handlers) QueryChaos(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	return web.Respond(ctx, w, h.Chaos.Config(), http.StatusOK)
}

// UpdateChaos changes the fields present in the request and returns the
// resulting configuration.
func (h Handlers) UpdateChaos(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	var patch faults.ChaosPatch
	if err := web.Decode(r, &patch); err != nil {
		return v1.NewRequestError(fmt.Errorf("unable to decode payload: %w", err), http.StatusBadRequest)
	}

	if err := validate.Check(patch); err != nil {
		return err
	}

	cfg := h.Chaos.Update(patch)

	h.Log.Infow("update chaos", "traceid", v.TraceID, "enabled", cfg.Enabled, "error_rate", cfg.ErrorRate,
		"delay_rate", cfg.DelayRate, "delay_ms_min", cfg.DelayMSMin, "delay_ms_max", cfg.DelayMSMax)

	return web.Respond(ctx, w, cfg, http.StatusOK)
}
