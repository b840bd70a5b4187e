package state

import (
	"errors"
	"time"

	"github.com/vetclinic/ledger/foundation/blockchain/database"
)

// ErrNoTransactions is returned when a block is requested to be created
// and there are no transactions in the mempool.
var ErrNoTransactions = errors.New("no transactions in mempool")

// =============================================================================

// BuildBlockProposal takes the entire mempool, performs the proof of work
// against the current tip and signs the resulting header with the leader key.
// Nothing is stored.
func (s *State) BuildBlockProposal() (database.BlockProposal, error) {
	s.evHandler("state: BuildBlockProposal: MINING: check mempool count")

	trans, err := s.storage.Mempool()
	if err != nil {
		return database.BlockProposal{}, err
	}

	// Are there enough transactions in the pool.
	if len(trans) == 0 {
		return database.BlockProposal{}, ErrNoTransactions
	}

	tip, err := s.storage.LatestBlock()
	if err != nil {
		return database.BlockProposal{}, err
	}

	s.evHandler("state: BuildBlockProposal: MINING: perform POW: txs[%d]", len(trans))

	block := database.POW(tip, trans, time.Now(), s.evHandler)
	block.Sign(s.keys.Private)

	return database.NewBlockProposal(block), nil
}

// MineBlock mines the mempool into a new block and appends it to the local
// chain without involving any peers.
func (s *State) MineBlock() (database.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	proposal, err := s.BuildBlockProposal()
	if err != nil {
		return database.Block{}, err
	}

	s.evHandler("state: MineBlock: MINING: update local state: blk[%d]", proposal.Block.Index)

	if err := s.storage.AddBlock(proposal.Block); err != nil {
		return database.Block{}, err
	}

	return proposal.Block, nil
}
