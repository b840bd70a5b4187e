// Package v1 contains the full set of handler functions and routes
// supported by the v1 web api.
package v1

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/vetclinic/ledger/app/services/node/handlers/v1/admin"
	"github.com/vetclinic/ledger/app/services/node/handlers/v1/private"
	"github.com/vetclinic/ledger/app/services/node/handlers/v1/public"
	"github.com/vetclinic/ledger/app/services/node/handlers/v1/txgrp"
	"github.com/vetclinic/ledger/business/sys/metrics"
	"github.com/vetclinic/ledger/business/web/v1/mid"
	"github.com/vetclinic/ledger/foundation/blockchain/faults"
	"github.com/vetclinic/ledger/foundation/blockchain/state"
	"github.com/vetclinic/ledger/foundation/events"
	"github.com/vetclinic/ledger/foundation/web"
	"go.uber.org/zap"
)

const version = "v1"

// Config contains all the mandatory systems required by handlers.
type Config struct {
	Log     *zap.SugaredLogger
	State   *state.State
	Metrics *metrics.Metrics
	Chaos   *faults.Chaos
	Evts    *events.Events
}

// PublicRoutes binds all the version 1 public routes.
func PublicRoutes(app *web.App, cfg Config) {
	pbl := public.Handlers{
		Log:     cfg.Log,
		State:   cfg.State,
		Metrics: cfg.Metrics,
		WS:      websocket.Upgrader{},
		Evts:    cfg.Evts,
	}

	tgh := txgrp.Handlers{
		Log:     cfg.Log,
		State:   cfg.State,
		Metrics: cfg.Metrics,
	}

	adm := admin.Handlers{
		Log:    cfg.Log,
		Faults: cfg.State.Faults(),
		Chaos:  cfg.Chaos,
	}

	policy := cfg.State.Faults()

	app.Handle(http.MethodGet, version, "/events", pbl.Events)
	app.Handle(http.MethodPost, version, "/tx/submit", tgh.Submit)
	app.Handle(http.MethodGet, version, "/chain/status", pbl.ChainStatus)
	app.Handle(http.MethodPost, version, "/chain/mine", pbl.Mine)
	app.Handle(http.MethodGet, version, "/chain/verify", pbl.Verify)
	app.Handle(http.MethodPost, version, "/chain/mine_distributed", pbl.MineDistributed, mid.Faults(policy, "mine_distributed"))
	app.Handle(http.MethodGet, version, "/peers", pbl.Peers)

	app.Handle(http.MethodGet, version, "/admin/network/state", adm.QueryFaults)
	app.Handle(http.MethodPut, version, "/admin/network/state", adm.UpdateFaults)
	app.Handle(http.MethodGet, version, "/admin/network/sim", adm.QueryChaos)
	app.Handle(http.MethodPut, version, "/admin/network/sim", adm.UpdateChaos)
}

// PrivateRoutes binds all the version 1 private routes.
func PrivateRoutes(app *web.App, cfg Config) {
	prv := private.Handlers{
		Log:     cfg.Log,
		State:   cfg.State,
		Metrics: cfg.Metrics,
	}

	tgh := txgrp.Handlers{
		Log:     cfg.Log,
		State:   cfg.State,
		Metrics: cfg.Metrics,
	}

	policy := cfg.State.Faults()

	app.Handle(http.MethodGet, version, "/rpc/node-info", prv.NodeInfo, mid.Faults(policy, "node-info"))
	app.Handle(http.MethodGet, version, "/rpc/leader-info", prv.LeaderInfo, mid.Faults(policy, "leader-info"))
	app.Handle(http.MethodGet, version, "/rpc/ping-peers", prv.PingPeers, mid.Faults(policy, "ping-peers"))
	app.Handle(http.MethodPost, version, "/rpc/propose_block", prv.ProposeBlock, mid.Faults(policy, "propose_block"))
	app.Handle(http.MethodPost, version, "/rpc/commit_block", prv.CommitBlock, mid.Faults(policy, "commit_block"))
	app.Handle(http.MethodPost, version, "/rpc/tx/submit", tgh.SubmitLeader)
	app.Handle(http.MethodPost, version, "/rpc/tx/receive", tgh.Receive)
}
