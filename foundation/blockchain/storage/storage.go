// Package storage defines the behavior a chain store must provide. A chain
// store holds the append-only block log and the pending transaction pool of a
// single node. The memory and sqlite packages provide implementations.
package storage

import (
	"errors"

	"github.com/vetclinic/ledger/foundation/blockchain/database"
)

// ErrInvalidBlock is returned by AddBlock when the block can't extend the
// current chain tip.
var ErrInvalidBlock = errors.New("invalid block")

// Storage interface represents the behavior required to be implemented by any
// package providing support for keeping the chain and the mempool.
//
// AddBlock must validate the block against the current tip, append it and
// clear the mempool as one critical section. Concurrent callers must never
// both pass validation against the same tip.
//
// AddTransaction must ignore an id that is already pending or already in the
// chain, since a peer broadcast can arrive after the block that holds it.
type Storage interface {
	Chain() ([]database.Block, error)
	LatestBlock() (database.Block, error)
	AddBlock(block database.Block) error
	Mempool() ([]database.Tx, error)
	AddTransaction(tx database.Tx) error
	ClearMempool() error
	Close() error
}
