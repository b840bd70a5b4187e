package state

import (
	"fmt"
	"time"

	"github.com/vetclinic/ledger/foundation/blockchain/database"
)

// SubmitTransaction builds and signs a transaction for the payload, stores it
// in the mempool and queues it to be shared with the peers. Only the leader
// accepts submissions directly.
func (s *State) SubmitTransaction(payload database.TxPayload) (database.Tx, error) {
	if !s.IsLeader() {
		return database.Tx{}, ErrNotLeader
	}

	tx := database.NewTx(payload, time.Now(), s.keys)

	s.evHandler("state: SubmitTransaction: tx[%s]", tx)

	if err := s.storage.AddTransaction(tx); err != nil {
		return database.Tx{}, err
	}

	if s.Worker != nil {
		s.Worker.SignalShareTx(tx)
	}

	return tx, nil
}

// ReceiveTransaction accepts a transaction shared by the leader once its id
// and signature check out.
func (s *State) ReceiveTransaction(tx database.Tx) error {
	if err := tx.Validate(s.keys.Public); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTransaction, err)
	}

	s.evHandler("state: ReceiveTransaction: tx[%s]", tx)

	return s.storage.AddTransaction(tx)
}
