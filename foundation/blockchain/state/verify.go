package state

import (
	"crypto/ed25519"

	"github.com/vetclinic/ledger/foundation/blockchain/database"
)

// Set of reasons reported by the verifier.
const (
	ReasonIndex       = "index not consecutive"
	ReasonPrevHash    = "previous_hash mismatch"
	ReasonTransRoot   = "invalid merkle_root"
	ReasonLeaderSig   = "invalid leader_sig"
	ReasonTransaction = "invalid transaction"
)

// Finding describes one integrity problem found in the chain.
type Finding struct {
	Block  uint64 `json:"block"`
	Tx     string `json:"tx,omitempty"`
	Reason string `json:"reason"`
}

// VerifyResult is the outcome of auditing the full chain.
type VerifyResult struct {
	Valid  bool      `json:"valid"`
	Height uint64    `json:"height"`
	Errors []Finding `json:"errors"`
}

// VerifyChain audits every block after genesis and reports each problem it
// finds instead of stopping at the first one. Nothing is changed.
func (s *State) VerifyChain() (VerifyResult, error) {
	chain, err := s.storage.Chain()
	if err != nil {
		return VerifyResult{}, err
	}

	s.evHandler("state: VerifyChain: started: blocks[%d]", len(chain))

	findings := VerifyBlocks(chain, s.keys.Public)

	result := VerifyResult{
		Valid:  len(findings) == 0,
		Errors: findings,
	}
	if len(chain) > 0 {
		result.Height = chain[len(chain)-1].Index
	}

	s.evHandler("state: VerifyChain: completed: valid[%t]: findings[%d]", result.Valid, len(findings))

	return result, nil
}

// VerifyBlocks runs the integrity checks over the blocks with pub as the
// leader key.
func VerifyBlocks(chain []database.Block, pub ed25519.PublicKey) []Finding {
	findings := []Finding{}

	for i := 1; i < len(chain); i++ {
		prev := chain[i-1]
		block := chain[i]

		if block.Index != prev.Index+1 {
			findings = append(findings, Finding{Block: block.Index, Reason: ReasonIndex})
		}

		if block.PrevHash != prev.Hash() {
			findings = append(findings, Finding{Block: block.Index, Reason: ReasonPrevHash})
		}

		if database.TransRoot(block.Trans) != block.TransRoot {
			findings = append(findings, Finding{Block: block.Index, Reason: ReasonTransRoot})
		}

		if !block.VerifySignature(pub) {
			findings = append(findings, Finding{Block: block.Index, Reason: ReasonLeaderSig})
		}

		for _, tx := range block.Trans {
			if err := tx.Validate(pub); err != nil {
				findings = append(findings, Finding{Block: block.Index, Tx: tx.ID, Reason: ReasonTransaction})
			}
		}
	}

	return findings
}
