// Package txgrp maintains the group of handlers for transaction intake.
package txgrp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/vetclinic/ledger/business/sys/metrics"
	v1 "github.com/vetclinic/ledger/business/web/v1"
	"github.com/vetclinic/ledger/foundation/blockchain/database"
	"github.com/vetclinic/ledger/foundation/blockchain/state"
	"github.com/vetclinic/ledger/foundation/web"
	"go.uber.org/zap"
)

// Set of reasons used when counting rejected transactions.
const (
	reasonDecode    = "decode"
	reasonInvalid   = "validation"
	reasonNotLeader = "not_leader"
	reasonForward   = "forward_failed"
	reasonSignature = "invalid_signature"
)

// Handlers manages the set of transaction endpoints.
type Handlers struct {
	Log     *zap.SugaredLogger
	State   *state.State
	Metrics *metrics.Metrics
}

// Submit takes a transfer from a client. The leader decodes, validates and
// records it. A follower relays the raw request to the leader without looking
// at it and hands back the leader's answer untouched, rejections included.
func (h Handlers) Submit(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	if h.State.IsLeader() {
		payload, err := h.decode(r)
		if err != nil {
			return err
		}

		return h.accept(ctx, w, payload)
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return v1.NewRequestError(fmt.Errorf("unable to read payload: %w", err), http.StatusBadRequest)
	}

	status, data, err := h.State.NetForwardTx(ctx, body)
	if err != nil {
		h.Metrics.TxRejected(reasonForward)
		return v1.NewRequestError(fmt.Errorf("forward to leader: %w", err), http.StatusBadGateway)
	}

	return web.RespondRaw(ctx, w, data, status)
}

// SubmitLeader is the leader's intake for transfers forwarded by followers.
func (h Handlers) SubmitLeader(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	payload, err := h.decode(r)
	if err != nil {
		return err
	}

	return h.accept(ctx, w, payload)
}

// Receive stores a transaction shared by the leader.
func (h Handlers) Receive(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	var tx database.Tx
	if err := web.Decode(r, &tx); err != nil {
		h.Metrics.TxRejected(reasonDecode)
		return v1.NewRequestError(fmt.Errorf("unable to decode payload: %w", err), http.StatusBadRequest)
	}

	h.Log.Infow("receive tx", "traceid", v.TraceID, "tx", tx.ID)

	if err := h.State.ReceiveTransaction(tx); err != nil {
		if errors.Is(err, state.ErrInvalidTransaction) {
			h.Metrics.TxRejected(reasonSignature)
			return v1.NewRequestError(err, http.StatusBadRequest)
		}
		return err
	}

	h.Metrics.ObserveChain(h.State)

	resp := accepted{
		Status: "received",
		TxID:   tx.ID,
	}

	return web.Respond(ctx, w, resp, http.StatusAccepted)
}

// =============================================================================

func (h Handlers) decode(r *http.Request) (database.TxPayload, error) {
	var ntx NewTx
	if err := web.Decode(r, &ntx); err != nil {
		h.Metrics.TxRejected(reasonDecode)
		return database.TxPayload{}, v1.NewRequestError(fmt.Errorf("unable to decode payload: %w", err), http.StatusBadRequest)
	}

	payload, err := ntx.Validate()
	if err != nil {
		h.Metrics.TxRejected(reasonInvalid)
		return database.TxPayload{}, err
	}

	return payload, nil
}

func (h Handlers) accept(ctx context.Context, w http.ResponseWriter, payload database.TxPayload) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	tx, err := h.State.SubmitTransaction(payload)
	if err != nil {
		if errors.Is(err, state.ErrNotLeader) {
			h.Metrics.TxRejected(reasonNotLeader)
			return v1.NewRequestError(err, http.StatusConflict)
		}
		return err
	}

	h.Log.Infow("submit tx", "traceid", v.TraceID, "tx", tx.ID, "sender", payload.Sender,
		"recipient", payload.Recipient, "amount", payload.Amount)

	h.Metrics.TxSubmitted()
	h.Metrics.ObserveChain(h.State)

	resp := accepted{
		Status: "accepted",
		TxID:   tx.ID,
	}

	return web.Respond(ctx, w, resp, http.StatusAccepted)
}
