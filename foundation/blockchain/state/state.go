// Package state is the core API for the ledger and implements all the
// business rules and processing for a single node: mining, the leader driven
// consensus round, transaction intake and chain verification.
package state

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/vetclinic/ledger/foundation/blockchain/database"
	"github.com/vetclinic/ledger/foundation/blockchain/faults"
	"github.com/vetclinic/ledger/foundation/blockchain/peer"
	"github.com/vetclinic/ledger/foundation/blockchain/signature"
	"github.com/vetclinic/ledger/foundation/blockchain/storage"
)

// Set of errors returned by the state API.
var (
	ErrNotLeader          = errors.New("node is not the leader")
	ErrInvalidProposal    = errors.New("invalid block proposal")
	ErrInvalidTransaction = errors.New("invalid transaction")
)

// =============================================================================

// EventHandler defines a function that is called when events
// occur in the processing of the ledger.
type EventHandler func(v string, args ...any)

// Worker interface represents the behavior required to be implemented by any
// package providing support for background transaction sharing.
type Worker interface {
	Shutdown()
	SignalShareTx(tx database.Tx)
}

// =============================================================================

// Config represents the configuration required to start the ledger node.
type Config struct {
	NodeID     string
	LeaderID   string
	Host       string
	LeaderHost string
	Keys       signature.KeyPair
	Storage    storage.Storage
	KnownPeers *peer.PeerSet
	Faults     *faults.Policy
	RPCTimeout time.Duration
	Client     *http.Client
	EvHandler  EventHandler
}

// State manages the ledger of a single node.
type State struct {
	nodeID     string
	leaderID   string
	host       string
	leaderHost string
	keys       signature.KeyPair
	rpcTimeout time.Duration
	client     *http.Client
	evHandler  EventHandler

	// mu serialises mining on this node so two local rounds never take the
	// same mempool against the same tip.
	mu sync.Mutex

	storage    storage.Storage
	knownPeers *peer.PeerSet
	faults     *faults.Policy

	Worker Worker
}

// New constructs a new state for the node.
func New(cfg Config) (*State, error) {
	if cfg.Storage == nil {
		return nil, errors.New("storage is required")
	}

	if len(cfg.Keys.Private) == 0 || len(cfg.Keys.Public) == 0 {
		return nil, signature.ErrKeysNotConfigured
	}

	// Build a safe event handler function for use.
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	knownPeers := cfg.KnownPeers
	if knownPeers == nil {
		knownPeers = peer.NewPeerSet()
	}

	policy := cfg.Faults
	if policy == nil {
		policy = faults.NewPolicy(faults.NodeConfig{})
	}

	rpcTimeout := cfg.RPCTimeout
	if rpcTimeout <= 0 {
		rpcTimeout = 5 * time.Second
	}

	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}

	state := State{
		nodeID:     cfg.NodeID,
		leaderID:   cfg.LeaderID,
		host:       cfg.Host,
		leaderHost: cfg.LeaderHost,
		keys:       cfg.Keys,
		rpcTimeout: rpcTimeout,
		client:     client,
		evHandler:  ev,

		storage:    cfg.Storage,
		knownPeers: knownPeers,
		faults:     policy,
	}

	// The Worker is not set here. The call to worker.Run will assign itself
	// and start the background sharing up for the node.

	return &state, nil
}

// Shutdown cleanly brings the node down.
func (s *State) Shutdown() error {

	// Make sure the database is properly closed.
	defer func() {
		s.storage.Close()
	}()

	// Stop all background network activity.
	if s.Worker != nil {
		s.Worker.Shutdown()
	}

	return nil
}

// =============================================================================

// NodeID returns the identity of this node.
func (s *State) NodeID() string {
	return s.nodeID
}

// LeaderID returns the identity of the configured leader.
func (s *State) LeaderID() string {
	return s.leaderID
}

// IsLeader reports whether this node is the configured leader.
func (s *State) IsLeader() bool {
	return s.nodeID == s.leaderID
}

// Host returns the private host of this node.
func (s *State) Host() string {
	return s.host
}

// Faults returns the fault policy guarding this node's RPC endpoints.
func (s *State) Faults() *faults.Policy {
	return s.faults
}

// KnownPeers returns the peers other than this node.
func (s *State) KnownPeers() []peer.Peer {
	return s.knownPeers.Copy(s.host)
}

// Chain returns the full chain held by this node.
func (s *State) Chain() ([]database.Block, error) {
	return s.storage.Chain()
}

// Mempool returns the pending transactions held by this node.
func (s *State) Mempool() ([]database.Tx, error) {
	return s.storage.Mempool()
}

// LatestBlock returns the current tip of the chain.
func (s *State) LatestBlock() (database.Block, error) {
	return s.storage.LatestBlock()
}

// Status returns what this node reports about itself to peers.
func (s *State) Status() (peer.Status, error) {
	tip, err := s.storage.LatestBlock()
	if err != nil {
		return peer.Status{}, err
	}

	status := peer.Status{
		NodeID:   s.nodeID,
		LeaderID: s.leaderID,
		IsLeader: s.IsLeader(),
		Height:   tip.Index,
		LastHash: tip.Hash(),
	}

	return status, nil
}
