// Package worker runs the node's background work next to request handling:
// broadcasting the transactions the leader accepts to every known peer.
package worker

import (
	"context"
	"sync/atomic"

	"github.com/vetclinic/ledger/foundation/blockchain/database"
	"github.com/vetclinic/ledger/foundation/blockchain/state"
	"golang.org/x/sync/errgroup"
)

// shareQueueSize bounds the transactions waiting to be broadcast. Signals
// beyond it are dropped and the peers learn the transaction from the block.
const shareQueueSize = 100

// Worker broadcasts accepted transactions to the peers of a node. It
// implements the state.Worker interface.
type Worker struct {
	state     *state.State
	evHandler state.EventHandler

	queue   chan database.Tx
	cancel  context.CancelFunc
	g       *errgroup.Group
	dropped atomic.Uint64
}

// Run creates a worker, registers it with the state, and starts the
// broadcast loop.
func Run(st *state.State, evHandler state.EventHandler) *Worker {
	ev := func(v string, args ...any) {
		if evHandler != nil {
			evHandler(v, args...)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	w := Worker{
		state:     st,
		evHandler: ev,
		queue:     make(chan database.Tx, shareQueueSize),
		cancel:    cancel,
		g:         g,
	}

	st.Worker = &w

	g.Go(func() error {
		w.shareLoop(ctx)
		return nil
	})

	return &w
}

// Shutdown stops the broadcast loop and waits for it. A broadcast in flight
// is canceled.
func (w *Worker) Shutdown() {
	w.evHandler("worker: Shutdown: started")
	defer w.evHandler("worker: Shutdown: completed")

	w.cancel()
	w.g.Wait()
}

// SignalShareTx queues the transaction for broadcast. It never blocks.
func (w *Worker) SignalShareTx(tx database.Tx) {
	select {
	case w.queue <- tx:
		w.evHandler("worker: SignalShareTx: queued: tx[%s]", tx)
	default:
		w.dropped.Add(1)
		w.evHandler("worker: SignalShareTx: WARNING: queue full: tx[%s] not shared", tx)
	}
}

// Dropped returns how many transactions were not queued for broadcast.
func (w *Worker) Dropped() uint64 {
	return w.dropped.Load()
}

// =============================================================================

func (w *Worker) shareLoop(ctx context.Context) {
	w.evHandler("worker: shareLoop: G started")
	defer w.evHandler("worker: shareLoop: G completed")

	for {
		select {
		case tx := <-w.queue:
			w.state.NetSendTxToPeers(ctx, tx)

		case <-ctx.Done():
			return
		}
	}
}
