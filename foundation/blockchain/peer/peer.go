// Package peer maintains the set of known nodes in the cluster and the
// status each of them reports about itself.
package peer

import (
	"sort"
	"strings"
	"sync"
)

// Peer represents information about a node in the network. Host is the
// node's private (node-to-node) address.
type Peer struct {
	Host string `json:"host"`
}

// New contructs a new peer value.
func New(host string) Peer {
	return Peer{
		Host: strings.TrimSpace(host),
	}
}

// Match validates if the specified host matches this node.
func (p Peer) Match(host string) bool {
	return p.Host == host
}

// =============================================================================

// Status represents what a node reports about itself over node-info.
type Status struct {
	NodeID   string `json:"node_id"`
	LeaderID string `json:"leader_id"`
	IsLeader bool   `json:"is_leader"`
	Height   uint64 `json:"height"`
	LastHash string `json:"last_hash"`
}

// Ping represents the outcome of contacting a single peer.
type Ping struct {
	Host   string  `json:"host"`
	OK     bool    `json:"ok"`
	Status *Status `json:"status,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// =============================================================================

// PeerSet represents the data representation to maintain a set of known peers.
type PeerSet struct {
	mu  sync.RWMutex
	set map[Peer]struct{}
}

// NewPeerSet constructs a new info set to manage node peer information.
func NewPeerSet() *PeerSet {
	return &PeerSet{
		set: make(map[Peer]struct{}),
	}
}

// ParseHosts turns configured host entries into peers. An entry may itself
// hold a comma separated list. Empty entries are skipped.
func ParseHosts(entries ...string) []Peer {
	var peers []Peer
	for _, entry := range entries {
		for _, host := range strings.Split(entry, ",") {
			p := New(host)
			if p.Host == "" {
				continue
			}
			peers = append(peers, p)
		}
	}

	return peers
}

// Add adds a new node to the set.
func (ps *PeerSet) Add(peer Peer) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	_, exists := ps.set[peer]
	if !exists {
		ps.set[peer] = struct{}{}
		return true
	}

	return false
}

// Remove removes a node from the set.
func (ps *PeerSet) Remove(peer Peer) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	delete(ps.set, peer)
}

// Copy returns the known peers other than host, ordered by host.
func (ps *PeerSet) Copy(host string) []Peer {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	var peers []Peer
	for peer := range ps.set {
		if !peer.Match(host) {
			peers = append(peers, peer)
		}
	}

	sort.Slice(peers, func(i, j int) bool {
		return peers[i].Host < peers[j].Host
	})

	return peers
}
