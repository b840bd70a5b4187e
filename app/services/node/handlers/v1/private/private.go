// Package private maintains the group of handlers for node to node access.
package private

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/vetclinic/ledger/business/sys/metrics"
	v1 "github.com/vetclinic/ledger/business/web/v1"
	"github.com/vetclinic/ledger/foundation/blockchain/database"
	"github.com/vetclinic/ledger/foundation/blockchain/state"
	"github.com/vetclinic/ledger/foundation/web"
	"go.uber.org/zap"
)

// Handlers manages the set of node to node endpoints.
type Handlers struct {
	Log     *zap.SugaredLogger
	State   *state.State
	Metrics *metrics.Metrics
}

// NodeInfo returns what this node reports about itself.
func (h Handlers) NodeInfo(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	status, err := h.State.Status()
	if err != nil {
		return err
	}

	return web.Respond(ctx, w, status, http.StatusOK)
}

// LeaderInfo returns the leader known to this node.
func (h Handlers) LeaderInfo(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	resp := struct {
		LeaderID string `json:"leader_id"`
	}{
		LeaderID: h.State.LeaderID(),
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// PingPeers asks every peer for its node info.
func (h Handlers) PingPeers(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	resp := pings{
		NodeID:   h.State.NodeID(),
		LeaderID: h.State.LeaderID(),
		Results:  h.State.PingPeers(ctx),
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// ProposeBlock answers the leader's proposal with this node's vote.
func (h Handlers) ProposeBlock(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	var proposal database.BlockProposal
	if err := web.Decode(r, &proposal); err != nil {
		h.Metrics.Vote(metrics.VoteError)
		return v1.NewRequestError(fmt.Errorf("unable to decode payload: %w", err), http.StatusBadRequest)
	}

	vote := h.State.ProposeBlock(proposal)

	h.Log.Infow("propose block", "traceid", v.TraceID, "blk", proposal.Block.Index, "vote", vote.Vote,
		"byzantine", vote.Byzantine)

	switch vote.Vote {
	case state.VoteAccept:
		h.Metrics.Vote(metrics.VoteYes)
	default:
		h.Metrics.Vote(metrics.VoteNo)
	}

	return web.Respond(ctx, w, vote, http.StatusOK)
}

// CommitBlock appends the leader's committed proposal.
func (h Handlers) CommitBlock(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	var proposal database.BlockProposal
	if err := web.Decode(r, &proposal); err != nil {
		return v1.NewRequestError(fmt.Errorf("unable to decode payload: %w", err), http.StatusBadRequest)
	}

	result, err := h.State.CommitBlock(proposal)
	if err != nil {
		if errors.Is(err, state.ErrInvalidProposal) {
			return v1.NewRequestError(err, http.StatusBadRequest)
		}
		return err
	}

	h.Log.Infow("commit block", "traceid", v.TraceID, "blk", proposal.Block.Index, "height", result.Height,
		"byzantine", result.Byzantine)

	h.Metrics.ObserveChain(h.State)

	return web.Respond(ctx, w, result, http.StatusOK)
}
