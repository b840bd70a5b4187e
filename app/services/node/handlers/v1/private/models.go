package private

import "github.com/vetclinic/ledger/foundation/blockchain/peer"

type pings struct {
	NodeID   string      `json:"node_id"`
	LeaderID string      `json:"leader_id"`
	Results  []peer.Ping `json:"results"`
}
