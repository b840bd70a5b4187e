package database

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vetclinic/ledger/foundation/blockchain/signature"
)

// Set of errors describing why a transaction is not authentic.
var (
	ErrTxIDMismatch   = errors.New("transaction id does not match its content")
	ErrTxBadSignature = errors.New("transaction signature is invalid")
)

// =============================================================================

// TxPayload is the transfer being recorded.
type TxPayload struct {
	Sender    string          `json:"sender"`
	Recipient string          `json:"recipient"`
	Amount    decimal.Decimal `json:"amount"`
}

// Tx is a signed transaction as it is kept in the mempool and in blocks.
type Tx struct {
	ID        string    `json:"id"`
	Payload   TxPayload `json:"payload"`
	SenderPub string    `json:"sender_pub"`
	Signature string    `json:"signature"`
	Timestamp Timestamp `json:"timestamp"`
}

// NewTx constructs a transaction for the payload stamped with the specified
// time. The id and signature are derived from the canonical encoding of the
// payload and timestamp, and the leader key signs it.
func NewTx(payload TxPayload, now time.Time, kp signature.KeyPair) Tx {
	tx := Tx{
		Payload:   payload,
		SenderPub: base64.StdEncoding.EncodeToString(kp.Public),
		Timestamp: NewTimestamp(now),
	}

	data := tx.CanonicalBytes()
	tx.ID = signature.Hash(data)
	tx.Signature = signature.Sign(kp.Private, data)

	return tx
}

// CanonicalBytes returns the sorted-key JSON encoding of the payload and
// timestamp. This is what the id is a hash of and what is signed.
func (tx Tx) CanonicalBytes() []byte {
	doc := map[string]any{
		"payload": map[string]any{
			"sender":    tx.Payload.Sender,
			"recipient": tx.Payload.Recipient,
			"amount":    tx.Payload.Amount.String(),
		},
		"timestamp": tx.Timestamp.String(),
	}

	return canonical(doc)
}

// ComputeID recomputes the id from the transaction content.
func (tx Tx) ComputeID() string {
	return signature.Hash(tx.CanonicalBytes())
}

// Validate checks the id matches the content and the signature was produced
// by the specified key.
func (tx Tx) Validate(pub ed25519.PublicKey) error {
	data := tx.CanonicalBytes()

	if tx.ID != signature.Hash(data) {
		return ErrTxIDMismatch
	}

	if !signature.Verify(pub, data, tx.Signature) {
		return ErrTxBadSignature
	}

	return nil
}

// String implements the fmt.Stringer interface for logging.
func (tx Tx) String() string {
	id := tx.ID
	if len(id) > 8 {
		id = id[:8]
	}

	return fmt.Sprintf("%s:%s->%s:%s", id, tx.Payload.Sender, tx.Payload.Recipient, tx.Payload.Amount)
}
