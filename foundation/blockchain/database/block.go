package database

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/vetclinic/ledger/foundation/blockchain/signature"
)

// genesisTime is fixed so every node builds a byte identical genesis block.
var genesisTime = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

// =============================================================================

// Block represents a group of transactions batched together.
type Block struct {
	Index     uint64    `json:"index"`         // Block number in the chain.
	PrevHash  string    `json:"previous_hash"` // Hash of the previous block in the chain.
	TimeStamp Timestamp `json:"timestamp"`     // Time the block was mined.
	Trans     []Tx      `json:"transactions"`  // Transactions in mempool order.
	Nonce     uint64    `json:"nonce"`         // Value identified to solve the hash solution.
	TransRoot string    `json:"merkle_root"`   // Hash chain over the transaction ids.
	LeaderSig string    `json:"leader_sig"`    // Leader signature over the header bytes.
}

// NewGenesis constructs the first block of every chain.
func NewGenesis() Block {
	return Block{
		Index:     0,
		PrevHash:  signature.ZeroHash,
		TimeStamp: NewTimestamp(genesisTime),
		Trans:     []Tx{},
		Nonce:     0,
		TransRoot: TransRoot(nil),
		LeaderSig: "",
	}
}

// POW constructs the next block after prevBlock holding the transactions and
// performs the work to find a nonce that solves the proof of work puzzle. The
// nonce search starts at zero and is not cancellable.
func POW(prevBlock Block, trans []Tx, now time.Time, evHandler func(v string, args ...any)) Block {
	nb := Block{
		Index:     prevBlock.Index + 1,
		PrevHash:  prevBlock.Hash(),
		TimeStamp: NewTimestamp(now),
		Trans:     trans,
		Nonce:     0,
		TransRoot: TransRoot(trans),
	}

	nb.performPOW(evHandler)

	return nb
}

// performPOW does the work of mining to find a valid hash for the block.
// Pointer semantics are being used since a nonce is being discovered.
func (b *Block) performPOW(ev func(v string, args ...any)) {
	ev("database: PerformPOW: MINING: started: blk[%d]: txs[%d]", b.Index, len(b.Trans))
	defer ev("database: PerformPOW: MINING: completed")

	var attempts uint64
	for {
		attempts++
		if attempts%1_000_000 == 0 {
			ev("database: PerformPOW: MINING: attempts[%d]", attempts)
		}

		hash := b.Hash()
		if !IsHashSolved(hash) {
			b.Nonce++
			continue
		}

		ev("database: PerformPOW: MINING: SOLVED: prevBlk[%s]: newBlk[%s]: attempts[%d]", b.PrevHash, hash, attempts)
		return
	}
}

// Hash returns the hash used for chaining and the proof of work check. It is
// computed over the plain concatenation of the header fields, which is a
// narrower encoding than the one that gets signed.
func (b Block) Hash() string {
	data := strconv.FormatUint(b.Index, 10) +
		b.PrevHash +
		b.TimeStamp.String() +
		b.TransRoot +
		strconv.FormatUint(b.Nonce, 10)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// HeaderBytes returns the canonical encoding of the header fields that the
// leader signs. Transactions are covered through the root.
func (b Block) HeaderBytes() []byte {
	doc := map[string]any{
		"index":         b.Index,
		"previous_hash": b.PrevHash,
		"timestamp":     b.TimeStamp.String(),
		"merkle_root":   b.TransRoot,
		"nonce":         b.Nonce,
	}

	return canonical(doc)
}

// Sign sets the leader signature over the header bytes.
func (b *Block) Sign(priv ed25519.PrivateKey) {
	b.LeaderSig = signature.Sign(priv, b.HeaderBytes())
}

// VerifySignature reports whether the leader signature matches the header.
func (b Block) VerifySignature(pub ed25519.PublicKey) bool {
	return signature.Verify(pub, b.HeaderBytes(), b.LeaderSig)
}

// =============================================================================

// TransRoot hashes the concatenation of the transaction ids in list order.
// An empty list hashes the empty input.
func TransRoot(trans []Tx) string {
	h := sha256.New()
	for _, tx := range trans {
		h.Write([]byte(tx.ID))
	}

	return hex.EncodeToString(h.Sum(nil))
}

// IsValidNewBlock reports whether candidate can extend the chain ending in
// previous. The checks run in order and stop at the first failure.
func IsValidNewBlock(previous Block, candidate Block) bool {
	if candidate.Index != previous.Index+1 {
		return false
	}

	if candidate.PrevHash != previous.Hash() {
		return false
	}

	if TransRoot(candidate.Trans) != candidate.TransRoot {
		return false
	}

	return IsHashSolved(candidate.Hash())
}

// =============================================================================

// BlockProposal pairs a block with its hash so followers do not need to
// repeat the proof of work to learn it.
type BlockProposal struct {
	Block Block  `json:"block"`
	Hash  string `json:"hash"`
}

// NewBlockProposal constructs a proposal for the block.
func NewBlockProposal(block Block) BlockProposal {
	return BlockProposal{
		Block: block,
		Hash:  block.Hash(),
	}
}
