package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ardanlabs/conf/v3"
	"github.com/joho/godotenv"
	"github.com/vetclinic/ledger/app/services/node/handlers"
	"github.com/vetclinic/ledger/business/sys/metrics"
	"github.com/vetclinic/ledger/foundation/blockchain/faults"
	"github.com/vetclinic/ledger/foundation/blockchain/peer"
	"github.com/vetclinic/ledger/foundation/blockchain/signature"
	"github.com/vetclinic/ledger/foundation/blockchain/state"
	"github.com/vetclinic/ledger/foundation/blockchain/storage"
	"github.com/vetclinic/ledger/foundation/blockchain/storage/memory"
	"github.com/vetclinic/ledger/foundation/blockchain/storage/sqlite"
	"github.com/vetclinic/ledger/foundation/blockchain/worker"
	"github.com/vetclinic/ledger/foundation/events"
	"github.com/vetclinic/ledger/foundation/logger"
	"go.uber.org/zap"
)

// build is the git version of this program. It is set using build flags in the makefile.
var build = "develop"

func main() {

	// Construct the application logger.
	log, err := logger.New("NODE")
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer log.Sync()

	// Perform the startup and shutdown sequence.
	if err := run(log); err != nil {
		log.Errorw("startup", "ERROR", err)
		log.Sync()
		os.Exit(1)
	}
}

func run(log *zap.SugaredLogger) error {

	// =========================================================================
	// Configuration

	// Values in an optional env file are loaded first so the real
	// environment and the command line can still override them.
	envFile := os.Getenv("NODE_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading env file %s: %w", envFile, err)
	}

	// This is all the configuration for the application and the default values.
	// Configuration values will be passed through the application as individual
	// values.
	cfg := struct {
		conf.Version
		Web struct {
			ReadTimeout     time.Duration `conf:"default:5s"`
			WriteTimeout    time.Duration `conf:"default:60s"`
			IdleTimeout     time.Duration `conf:"default:120s"`
			ShutdownTimeout time.Duration `conf:"default:20s"`
			DebugHost       string        `conf:"default:0.0.0.0:7080"`
			PublicHost      string        `conf:"default:0.0.0.0:8080"`
			PrivateHost     string        `conf:"default:0.0.0.0:9080"`
			CORSOrigins     []string      `conf:"default:*"`
		}
		State struct {
			NodeID     string        `conf:"default:node1"`
			LeaderID   string        `conf:"default:node1"`
			LeaderHost string        `conf:"default:0.0.0.0:9080"`
			KnownPeers []string      `conf:"default:0.0.0.0:9080;0.0.0.0:9180"`
			Storage    string        `conf:"default:memory"`
			DBPath     string        `conf:"default:zblock/ledger.db"`
			RPCTimeout time.Duration `conf:"default:5s"`
		}
		Keys struct {
			LeaderPrivKey string `conf:"mask"`
			LeaderPubKey  string
		}
		Faults struct {
			Offline            bool
			SlowMS             int
			Byzantine          bool
			Flapping           bool
			FlappingMod        int `conf:"default:2"`
			DropRPCProbability float64
		}
		Chaos struct {
			Enabled    bool
			ErrorRate  float64
			DelayRate  float64
			DelayMSMin int `conf:"default:50"`
			DelayMSMax int `conf:"default:500"`
		}
	}{
		Version: conf.Version{
			Build: build,
			Desc:  "ledger consensus simulator node",
		},
	}

	// Parse will set the defaults and then look for any overriding values
	// in environment variables and command line flags.
	const prefix = "NODE"
	help, err := conf.Parse(prefix, &cfg)
	if err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			fmt.Println(help)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	// The leader keys are shared by every node in the cluster and are
	// commonly provided without the service prefix.
	if cfg.Keys.LeaderPrivKey == "" {
		cfg.Keys.LeaderPrivKey = os.Getenv("LEADER_PRIV_KEY")
	}
	if cfg.Keys.LeaderPubKey == "" {
		cfg.Keys.LeaderPubKey = os.Getenv("LEADER_PUB_KEY")
	}

	// =========================================================================
	// App Starting

	fmt.Println(` _     _____ ____   ____ _____ ____    _   _  ___  ____  _____ `)
	fmt.Println(`| |   | ____|  _ \ / ___| ____|  _ \  | \ | |/ _ \|  _ \| ____|`)
	fmt.Println(`| |   |  _| | | | | |  _|  _| | |_) | |  \| | | | | | | |  _|  `)
	fmt.Println(`| |___| |___| |_| | |_| | |___|  _ <  | |\  | |_| | |_| | |___ `)
	fmt.Println(`|_____|_____|____/ \____|_____|_| \_\ |_| \_|\___/|____/|_____|`)
	fmt.Print("\n")

	log.Infow("starting service", "version", build)
	defer log.Infow("shutdown complete")

	// Display the current configuration to the logs.
	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %w", err)
	}
	log.Infow("startup", "config", out)

	// =========================================================================
	// Blockchain Support

	// Every block and transaction is signed and verified with the leader
	// key pair. A node without it can't do anything useful.
	keys, err := signature.LoadKeyPair(cfg.Keys.LeaderPrivKey, cfg.Keys.LeaderPubKey)
	if err != nil {
		return fmt.Errorf("unable to load leader keys: %w", err)
	}

	// Construct the chain store the node was configured with.
	store, err := openStorage(cfg.State.Storage, cfg.State.DBPath)
	if err != nil {
		return err
	}

	log.Infow("startup", "status", "chain store opened", "storage", cfg.State.Storage)

	// A peer set is a collection of known nodes in the network so transactions
	// and blocks can be shared.
	peerSet := peer.NewPeerSet()
	for _, pr := range peer.ParseHosts(cfg.State.KnownPeers...) {
		peerSet.Add(pr)
	}

	// The simulated network conditions start from configuration and are
	// changed at runtime through the admin endpoints.
	policy := faults.NewPolicy(faults.NodeConfig{
		Offline:            cfg.Faults.Offline,
		SlowMS:             cfg.Faults.SlowMS,
		Byzantine:          cfg.Faults.Byzantine,
		Flapping:           cfg.Faults.Flapping,
		FlappingMod:        cfg.Faults.FlappingMod,
		DropRPCProbability: cfg.Faults.DropRPCProbability,
	})

	chaos := faults.NewChaos(faults.ChaosConfig{
		Enabled:    cfg.Chaos.Enabled,
		ErrorRate:  cfg.Chaos.ErrorRate,
		DelayRate:  cfg.Chaos.DelayRate,
		DelayMSMin: cfg.Chaos.DelayMSMin,
		DelayMSMax: cfg.Chaos.DelayMSMax,
	})

	// Every state and worker event is logged and published to the websocket
	// subscribers of /v1/events.
	evts := events.New()
	ev := func(v string, args ...any) {
		s := fmt.Sprintf(v, args...)
		log.Infow(s, "traceid", "00000000-0000-0000-0000-000000000000")
		evts.Publish(s)
	}

	// The state value represents the ledger node and manages the chain
	// store and provides an API for application support.
	state, err := state.New(state.Config{
		NodeID:     cfg.State.NodeID,
		LeaderID:   cfg.State.LeaderID,
		Host:       cfg.Web.PrivateHost,
		LeaderHost: cfg.State.LeaderHost,
		Keys:       keys,
		Storage:    store,
		KnownPeers: peerSet,
		Faults:     policy,
		RPCTimeout: cfg.State.RPCTimeout,
		EvHandler:  ev,
	})
	if err != nil {
		store.Close()
		return err
	}
	defer state.Shutdown()

	// The worker package implements the background workflows such as
	// transaction peer sharing. The worker will register itself with the state.
	worker.Run(state, ev)

	m := metrics.New(cfg.State.NodeID)
	m.ObserveChain(state)

	// =========================================================================
	// Start Debug Service

	log.Infow("startup", "status", "debug v1 router started", "host", cfg.Web.DebugHost)

	// The Debug function returns a mux to listen and serve on for all the debug
	// related endpoints. This includes the standard library endpoints.

	// Construct the mux for the debug calls.
	debugMux := handlers.DebugMux(build, log, state, m)

	// Start the service listening for debug requests.
	// Not concerned with shutting this down with load shedding.
	go func() {
		if err := http.ListenAndServe(cfg.Web.DebugHost, debugMux); err != nil {
			log.Errorw("shutdown", "status", "debug v1 router closed", "host", cfg.Web.DebugHost, "ERROR", err)
		}
	}()

	// =========================================================================
	// Service Start/Stop Support

	// Make a channel to listen for an interrupt or terminate signal from the OS.
	// Use a buffered channel because the signal package requires it.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	muxCfg := handlers.MuxConfig{
		Shutdown: shutdown,
		Log:      log,
		State:    state,
		Metrics:  m,
		Chaos:    chaos,
		Evts:     evts,

		CORSOrigins: cfg.Web.CORSOrigins,
	}

	// =========================================================================
	// Start Public Service

	log.Infow("startup", "status", "initializing V1 public API support")

	// Construct a server to service the requests against the mux.
	public := http.Server{
		Addr:         cfg.Web.PublicHost,
		Handler:      handlers.PublicMux(muxCfg),
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		ErrorLog:     zap.NewStdLog(log.Desugar()),
	}

	// Start the service listening for api requests.
	go func() {
		log.Infow("startup", "status", "public api router started", "host", public.Addr)
		serverErrors <- public.ListenAndServe()
	}()

	// =========================================================================
	// Start Private Service

	log.Infow("startup", "status", "initializing V1 private API support")

	// Construct a server to service the requests against the mux.
	private := http.Server{
		Addr:         cfg.Web.PrivateHost,
		Handler:      handlers.PrivateMux(muxCfg),
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		ErrorLog:     zap.NewStdLog(log.Desugar()),
	}

	// Start the service listening for api requests.
	go func() {
		log.Infow("startup", "status", "private api router started", "host", private.Addr)
		serverErrors <- private.ListenAndServe()
	}()

	// =========================================================================
	// Shutdown

	// Blocking main and waiting for shutdown.
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		log.Infow("shutdown", "status", "shutdown started", "signal", sig)
		defer log.Infow("shutdown", "status", "shutdown complete", "signal", sig)

		// Release any web sockets that are currently active.
		log.Infow("shutdown", "status", "shutdown web socket channels")
		evts.Shutdown()

		// Give outstanding requests a deadline for completion.
		ctx, cancelPri := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancelPri()

		// Asking listener to shut down and shed load.
		log.Infow("shutdown", "status", "shutdown private API started")
		if err := private.Shutdown(ctx); err != nil {
			private.Close()
			return fmt.Errorf("could not stop private service gracefully: %w", err)
		}

		// Give outstanding requests a deadline for completion.
		ctx, cancelPub := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancelPub()

		// Asking listener to shut down and shed load.
		log.Infow("shutdown", "status", "shutdown public API started")
		if err := public.Shutdown(ctx); err != nil {
			public.Close()
			return fmt.Errorf("could not stop public service gracefully: %w", err)
		}
	}

	return nil
}

// openStorage constructs the chain store for the named backend.
func openStorage(backend string, dbPath string) (storage.Storage, error) {
	switch backend {
	case "memory":
		return memory.New(), nil

	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("creating database folder: %w", err)
		}

		db, err := sqlite.New(dbPath)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		return db, nil
	}

	return nil, fmt.Errorf("unknown storage backend %q", backend)
}
