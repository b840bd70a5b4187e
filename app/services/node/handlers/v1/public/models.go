package public

import (
	"github.com/vetclinic/ledger/foundation/blockchain/database"
	"github.com/vetclinic/ledger/foundation/blockchain/peer"
)

type chainStatus struct {
	Height        uint64           `json:"height"`
	LastBlockHash string           `json:"last_block_hash"`
	MempoolSize   int              `json:"mempool_size"`
	Chain         []database.Block `json:"chain"`
	Mempool       []database.Tx    `json:"mempool"`
}

type mined struct {
	Status    string         `json:"status"`
	BlockHash string         `json:"block_hash"`
	Block     database.Block `json:"block"`
}

type self struct {
	NodeID   string `json:"node_id"`
	LeaderID string `json:"leader_id"`
	IsLeader bool   `json:"is_leader"`
}

type cluster struct {
	Self  self        `json:"self"`
	Peers []peer.Ping `json:"peers"`
}
