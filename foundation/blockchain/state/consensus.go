package state

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vetclinic/ledger/foundation/blockchain/database"
	"github.com/vetclinic/ledger/foundation/blockchain/peer"
	"github.com/vetclinic/ledger/foundation/blockchain/storage"
)

// Set of values used on the wire for votes and round outcomes.
const (
	VoteAccept = "accept"
	VoteReject = "reject"

	StatusCommitted = "committed"
	StatusRejected  = "rejected"
)

// Vote is a node's answer to a block proposal.
type Vote struct {
	Vote      string `json:"vote"`
	NodeID    string `json:"node_id"`
	Byzantine bool   `json:"byzantine"`
}

// CommitResult is a node's answer to a commit request.
type CommitResult struct {
	Status    string `json:"status"`
	NodeID    string `json:"node_id"`
	Byzantine bool   `json:"byzantine"`
	Height    uint64 `json:"height"`
}

// RoundResult is the outcome of a distributed mining round.
type RoundResult struct {
	Status    string `json:"status"`
	BlockHash string `json:"block_hash,omitempty"`
	Votes     int    `json:"votes"`
	Total     int    `json:"total"`
	Height    uint64 `json:"height"`
}

// =============================================================================

// MineDistributed runs one consensus round. The leader mines the mempool,
// asks every peer to vote, and commits only on a strict majority. Peers that
// fail to answer count toward the total but not the votes.
func (s *State) MineDistributed(ctx context.Context) (RoundResult, error) {
	if !s.IsLeader() {
		return RoundResult{}, ErrNotLeader
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.evHandler("state: MineDistributed: started")
	defer s.evHandler("state: MineDistributed: completed")

	proposal, err := s.BuildBlockProposal()
	if err != nil {
		return RoundResult{}, err
	}

	var mu sync.Mutex
	votes := 1

	propose := func(ctx context.Context, pr peer.Peer) error {
		vote, err := s.NetProposeBlock(ctx, pr, proposal)
		if err != nil {
			return err
		}

		s.evHandler("state: MineDistributed: vote: peer[%s]: node[%s]: vote[%s]", pr.Host, vote.NodeID, vote.Vote)

		if vote.Vote == VoteAccept {
			mu.Lock()
			votes++
			mu.Unlock()
		}
		return nil
	}

	onErr := func(pr peer.Peer, err error) {
		s.evHandler("state: MineDistributed: propose: WARNING: %s", err)
	}

	total := 1 + s.fanOut(ctx, propose, onErr)

	result := RoundResult{
		BlockHash: proposal.Hash,
		Votes:     votes,
		Total:     total,
	}

	tip, err := s.storage.LatestBlock()
	if err != nil {
		return RoundResult{}, err
	}
	result.Height = tip.Index

	if votes <= total/2 {
		s.evHandler("state: MineDistributed: REJECTED: votes[%d] total[%d]", votes, total)
		result.Status = StatusRejected
		return result, nil
	}

	s.evHandler("state: MineDistributed: COMMIT: votes[%d] total[%d]", votes, total)

	if err := s.storage.AddBlock(proposal.Block); err != nil {
		return RoundResult{}, fmt.Errorf("leader append: %w", err)
	}

	commit := func(ctx context.Context, pr peer.Peer) error {
		res, err := s.NetCommitBlock(ctx, pr, proposal)
		if err != nil {
			return err
		}

		s.evHandler("state: MineDistributed: commit: peer[%s]: status[%s]: height[%d]", pr.Host, res.Status, res.Height)
		return nil
	}

	onCommitErr := func(pr peer.Peer, err error) {
		s.evHandler("state: MineDistributed: commit: WARNING: %s", err)
	}

	s.fanOut(ctx, commit, onCommitErr)

	result.Status = StatusCommitted
	result.Height = proposal.Block.Index

	return result, nil
}

// ProposeBlock computes this node's vote on the proposal. The true validity
// is always computed first and is inverted when the node is byzantine. The
// chain is never changed.
func (s *State) ProposeBlock(proposal database.BlockProposal) Vote {
	valid := s.validateProposal(proposal) == nil
	byzantine := s.faults.Byzantine()

	if byzantine {
		valid = !valid
	}

	vote := Vote{
		Vote:      VoteReject,
		NodeID:    s.nodeID,
		Byzantine: byzantine,
	}
	if valid {
		vote.Vote = VoteAccept
	}

	s.evHandler("state: ProposeBlock: blk[%d]: vote[%s]: byzantine[%t]", proposal.Block.Index, vote.Vote, byzantine)

	return vote
}

// CommitBlock validates the proposal again and appends it. A byzantine node
// acknowledges the commit without appending.
func (s *State) CommitBlock(proposal database.BlockProposal) (CommitResult, error) {
	if err := s.validateProposal(proposal); err != nil {
		return CommitResult{}, err
	}

	result := CommitResult{
		Status: StatusCommitted,
		NodeID: s.nodeID,
	}

	if s.faults.Byzantine() {
		s.evHandler("state: CommitBlock: BYZANTINE: skipping append: blk[%d]", proposal.Block.Index)

		tip, err := s.storage.LatestBlock()
		if err != nil {
			return CommitResult{}, err
		}

		result.Byzantine = true
		result.Height = tip.Index
		return result, nil
	}

	if err := s.storage.AddBlock(proposal.Block); err != nil {
		if errors.Is(err, storage.ErrInvalidBlock) {
			return CommitResult{}, fmt.Errorf("%w: %w", ErrInvalidProposal, err)
		}
		return CommitResult{}, err
	}

	s.evHandler("state: CommitBlock: appended: blk[%d]", proposal.Block.Index)

	result.Height = proposal.Block.Index
	return result, nil
}

// =============================================================================

// validateProposal checks the proposal against this node's tip. The returned
// error wraps ErrInvalidProposal with the first failing check.
func (s *State) validateProposal(proposal database.BlockProposal) error {
	block := proposal.Block

	if block.Hash() != proposal.Hash {
		return fmt.Errorf("%w: hash mismatch", ErrInvalidProposal)
	}

	tip, err := s.storage.LatestBlock()
	if err != nil {
		return err
	}

	if !database.IsValidNewBlock(tip, block) {
		return fmt.Errorf("%w: does not extend tip %d", ErrInvalidProposal, tip.Index)
	}

	if !block.VerifySignature(s.keys.Public) {
		return fmt.Errorf("%w: invalid leader_sig", ErrInvalidProposal)
	}

	return nil
}
