// Package public maintains the group of handlers for public access.
package public

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vetclinic/ledger/business/sys/metrics"
	v1 "github.com/vetclinic/ledger/business/web/v1"
	"github.com/vetclinic/ledger/foundation/blockchain/state"
	"github.com/vetclinic/ledger/foundation/events"
	"github.com/vetclinic/ledger/foundation/web"
	"go.uber.org/zap"
)

// writeWait bounds a single write to an events subscriber.
const writeWait = 5 * time.Second

// Handlers manages the set of public ledger endpoints.
type Handlers struct {
	Log     *zap.SugaredLogger
	State   *state.State
	Metrics *metrics.Metrics
	WS      websocket.Upgrader
	Evts    *events.Events
}

// Events streams node event lines over a websocket. The optional source
// query parameter takes a comma separated list such as "state,worker".
func (h Handlers) Events(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	var sources []string
	if src := r.URL.Query().Get("source"); src != "" {
		sources = strings.Split(src, ",")
	}

	h.WS.CheckOrigin = func(r *http.Request) bool { return true }

	conn, err := h.WS.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	lines := h.Evts.Subscribe(v.TraceID, sources...)
	defer h.Evts.Unsubscribe(v.TraceID)

	h.Log.Infow("events", "traceid", v.TraceID, "status", "subscribed", "sources", sources)

	keepAlive := time.NewTicker(time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case line, open := <-lines:
			if !open {
				return nil
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				return nil
			}

		case <-keepAlive.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}

		case <-ctx.Done():
			return nil
		}
	}
}

// ChainStatus returns the chain and the mempool held by this node.
func (h Handlers) ChainStatus(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	chain, err := h.State.Chain()
	if err != nil {
		return err
	}

	mempool, err := h.State.Mempool()
	if err != nil {
		return err
	}

	tip := chain[len(chain)-1]

	h.Metrics.SetChainStatus(tip.Index, len(mempool))

	resp := chainStatus{
		Height:        tip.Index,
		LastBlockHash: tip.Hash(),
		MempoolSize:   len(mempool),
		Chain:         chain,
		Mempool:       mempool,
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// Mine mines the mempool into a block on this node alone.
func (h Handlers) Mine(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	block, err := h.State.MineBlock()
	if err != nil {
		if errors.Is(err, state.ErrNoTransactions) {
			return v1.NewRequestError(err, http.StatusBadRequest)
		}
		return err
	}

	h.Metrics.ObserveChain(h.State)

	resp := mined{
		Status:    "mined",
		BlockHash: block.Hash(),
		Block:     block,
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// MineDistributed runs a consensus round across the cluster. Only the
// leader can start one.
func (h Handlers) MineDistributed(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	result, err := h.State.MineDistributed(ctx)
	if err != nil {
		switch {
		case errors.Is(err, state.ErrNotLeader):
			return v1.NewRequestError(err, http.StatusConflict)
		case errors.Is(err, state.ErrNoTransactions):
			return v1.NewRequestError(err, http.StatusBadRequest)
		}
		return err
	}

	h.Log.Infow("mine distributed", "traceid", v.TraceID, "status", result.Status,
		"votes", result.Votes, "total", result.Total, "height", result.Height)

	h.Metrics.ObserveChain(h.State)

	return web.Respond(ctx, w, result, http.StatusOK)
}

// Verify audits the chain held by this node.
func (h Handlers) Verify(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	start := time.Now()

	result, err := h.State.VerifyChain()
	if err != nil {
		h.Metrics.ChainVerified(metrics.VerifyError, time.Since(start))
		return err
	}

	outcome := metrics.VerifyOK
	if !result.Valid {
		outcome = metrics.VerifyInvalid
	}
	h.Metrics.ChainVerified(outcome, time.Since(start))

	return web.Respond(ctx, w, result, http.StatusOK)
}

// Peers returns the cluster as this node sees it.
func (h Handlers) Peers(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	resp := cluster{
		Self: self{
			NodeID:   h.State.NodeID(),
			LeaderID: h.State.LeaderID(),
			IsLeader: h.State.IsLeader(),
		},
		Peers: h.State.PingPeers(ctx),
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}
