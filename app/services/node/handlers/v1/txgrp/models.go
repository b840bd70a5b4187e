package txgrp

import (
	"strings"

	"github.com/shopspring/decimal"
	"github.com/vetclinic/ledger/business/sys/validate"
	"github.com/vetclinic/ledger/foundation/blockchain/database"
)

// maxAmount is the exclusive upper bound of a transfer.
var maxAmount = decimal.NewFromInt(1_000_000_000)

// NewTx is what a client submits to record a transfer.
type NewTx struct {
	Sender    string          `json:"sender" validate:"required,min=3,max=128"`
	Recipient string          `json:"recipient" validate:"required,min=3,max=128"`
	Amount    decimal.Decimal `json:"amount"`
}

// Validate trims the names and checks the transfer. The payload is only
// returned when every check passes.
func (ntx NewTx) Validate() (database.TxPayload, error) {
	ntx.Sender = strings.TrimSpace(ntx.Sender)
	ntx.Recipient = strings.TrimSpace(ntx.Recipient)

	if err := validate.Check(ntx); err != nil {
		return database.TxPayload{}, err
	}

	if !ntx.Amount.IsPositive() || ntx.Amount.GreaterThanOrEqual(maxAmount) {
		return database.TxPayload{}, validate.FieldErrors{
			"amount": "amount must be greater than 0 and less than 1000000000",
		}
	}

	payload := database.TxPayload{
		Sender:    ntx.Sender,
		Recipient: ntx.Recipient,
		Amount:    ntx.Amount,
	}

	return payload, nil
}

// accepted is the response for a transaction taken into the mempool.
type accepted struct {
	Status string `json:"status"`
	TxID   string `json:"tx_id"`
}
