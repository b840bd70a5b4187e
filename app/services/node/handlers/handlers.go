// Package handlers manages the different versions of the API.
package handlers

import (
	"context"
	"expvar"
	"net/http"
	"net/http/pprof"
	"os"

	"github.com/vetclinic/ledger/app/services/node/handlers/debug/checkgrp"
	v1 "github.com/vetclinic/ledger/app/services/node/handlers/v1"
	"github.com/vetclinic/ledger/business/sys/metrics"
	"github.com/vetclinic/ledger/business/web/v1/mid"
	"github.com/vetclinic/ledger/foundation/blockchain/faults"
	"github.com/vetclinic/ledger/foundation/blockchain/state"
	"github.com/vetclinic/ledger/foundation/events"
	"github.com/vetclinic/ledger/foundation/web"
	"go.uber.org/zap"
)

// MuxConfig contains all the mandatory systems required by handlers.
type MuxConfig struct {
	Shutdown chan os.Signal
	Log      *zap.SugaredLogger
	State    *state.State
	Metrics  *metrics.Metrics
	Chaos    *faults.Chaos
	Evts     *events.Events

	// CORSOrigins lists the browser origins allowed on the public api.
	CORSOrigins []string
}

// PublicMux constructs the handler for client traffic: chain, tx intake,
// peers, events and the network admin api.
func PublicMux(cfg MuxConfig) http.Handler {

	// Construct the web.App which holds all routes as well as common Middleware.
	app := web.NewApp(
		cfg.Shutdown,
		mid.Logger(cfg.Log),
		mid.Errors(cfg.Log),
		mid.Metrics(cfg.Metrics),
		mid.Cors(cfg.CORSOrigins),
		mid.Panics(cfg.Metrics),
		mid.Chaos(cfg.Chaos),
	)

	// Browsers send a preflight before any cross origin PUT to the admin api.
	preflight := func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		return web.Respond(ctx, w, nil, http.StatusNoContent)
	}
	app.Handle(http.MethodOptions, "", "/*", preflight)

	// Load the v1 routes.
	v1.PublicRoutes(app, v1.Config{
		Log:     cfg.Log,
		State:   cfg.State,
		Metrics: cfg.Metrics,
		Chaos:   cfg.Chaos,
		Evts:    cfg.Evts,
	})

	return app
}

// PrivateMux constructs the handler for node to node rpc traffic.
func PrivateMux(cfg MuxConfig) http.Handler {

	// Construct the web.App which holds all routes as well as common Middleware.
	app := web.NewApp(
		cfg.Shutdown,
		mid.Logger(cfg.Log),
		mid.Errors(cfg.Log),
		mid.Metrics(cfg.Metrics),
		mid.Panics(cfg.Metrics),
		mid.Chaos(cfg.Chaos),
	)

	// Load the v1 routes.
	v1.PrivateRoutes(app, v1.Config{
		Log:     cfg.Log,
		State:   cfg.State,
		Metrics: cfg.Metrics,
	})

	return app
}

// DebugStandardLibraryMux registers the pprof and expvar routes on a fresh
// mux instead of http.DefaultServeMux.
func DebugStandardLibraryMux() *http.ServeMux {
	mux := http.NewServeMux()

	// Register all the standard library debug endpoints.
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/debug/vars", expvar.Handler())

	return mux
}

// DebugMux adds the node health checks and the prometheus endpoint to the
// standard library debug routes.
func DebugMux(build string, log *zap.SugaredLogger, st *state.State, m *metrics.Metrics) http.Handler {
	mux := DebugStandardLibraryMux()

	// Register debug check endpoints.
	cgh := checkgrp.Handlers{
		Build:   build,
		Log:     log,
		Chain:   st,
		Metrics: m,
	}
	mux.HandleFunc("/debug/readiness", cgh.Readiness)
	mux.HandleFunc("/debug/liveness", cgh.Liveness)

	// Prometheus scrapes the node here.
	mux.Handle("/metrics", m.Handler())

	return mux
}
