// Package memory implements the ability to keep the chain and the mempool in
// memory using slices. Nothing survives a process restart.
package memory

import (
	"fmt"
	"sync"

	"github.com/vetclinic/ledger/foundation/blockchain/database"
	"github.com/vetclinic/ledger/foundation/blockchain/storage"
)

// Memory represents the volatile implementation of the chain store. This
// implements the storage.Storage interface.
type Memory struct {
	mu      sync.RWMutex
	blocks  []database.Block
	mempool []database.Tx
	pending map[string]struct{}

	// committed holds the id of every transaction in the chain.
	committed map[string]struct{}
}

// New constructs a Memory value for use with the genesis block in place.
func New() *Memory {
	return &Memory{
		blocks:    []database.Block{database.NewGenesis()},
		pending:   make(map[string]struct{}),
		committed: make(map[string]struct{}),
	}
}

// Close in this implementation has nothing to do since everything
// is in memory.
func (m *Memory) Close() error {
	return nil
}

// Chain returns a copy of the blocks starting with genesis.
func (m *Memory) Chain() ([]database.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	blocks := make([]database.Block, len(m.blocks))
	copy(blocks, m.blocks)

	return blocks, nil
}

// LatestBlock returns the current tip of the chain.
func (m *Memory) LatestBlock() (database.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.blocks[len(m.blocks)-1], nil
}

// AddBlock validates the block against the tip, appends it and clears the
// mempool while holding the write lock.
func (m *Memory) AddBlock(block database.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tip := m.blocks[len(m.blocks)-1]
	if !database.IsValidNewBlock(tip, block) {
		return fmt.Errorf("block %d on tip %d: %w", block.Index, tip.Index, storage.ErrInvalidBlock)
	}

	m.blocks = append(m.blocks, block)
	for _, tx := range block.Trans {
		m.committed[tx.ID] = struct{}{}
	}

	m.mempool = nil
	m.pending = make(map[string]struct{})

	return nil
}

// Mempool returns a copy of the pending transactions in insertion order.
func (m *Memory) Mempool() ([]database.Tx, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txs := make([]database.Tx, len(m.mempool))
	copy(txs, m.mempool)

	return txs, nil
}

// AddTransaction appends the transaction to the mempool. A transaction whose
// id is already pending or already in the chain is ignored.
func (m *Memory) AddTransaction(tx database.Tx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.pending[tx.ID]; exists {
		return nil
	}

	if _, exists := m.committed[tx.ID]; exists {
		return nil
	}

	m.mempool = append(m.mempool, tx)
	m.pending[tx.ID] = struct{}{}

	return nil
}

// ClearMempool removes every pending transaction.
func (m *Memory) ClearMempool() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.mempool = nil
	m.pending = make(map[string]struct{})

	return nil
}

// Tamper changes the block at the specified index in place without any
// validation. It is a test hook for corrupting a chain before verifying it
// and is not reachable from the node's api.
func (m *Memory) Tamper(index int, fn func(b *database.Block)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= len(m.blocks) {
		return fmt.Errorf("block %d does not exist", index)
	}

	fn(&m.blocks[index])

	return nil
}
