// Package traffic generates a steady mix of random requests against a
// cluster so the metrics and the fault layer have something to work on.
package traffic

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vetclinic/ledger/app/tooling/ledger/client"
	"github.com/vetclinic/ledger/foundation/blockchain/database"
	"golang.org/x/time/rate"
)

// Config drives a traffic run.
type Config struct {
	Leader   string
	Nodes    []string
	RPS      float64
	Duration time.Duration
	BadRatio float64
	Seed     uint64
}

// Stats counts the requests sent by a run.
type Stats struct {
	Status int
	Submit int
	Verify int
	Mine   int
	Errors int
}

// Total returns the number of requests sent.
func (s Stats) Total() int {
	return s.Status + s.Submit + s.Verify + s.Mine
}

// Run sends requests at the configured rate until the duration passes or
// the context is canceled. The mix is mostly chain status reads, then
// submits, verifies and the odd distributed round on the leader.
func Run(ctx context.Context, c *client.Client, cfg Config) (Stats, error) {
	if len(cfg.Nodes) == 0 {
		return Stats{}, errors.New("no nodes to send traffic to")
	}

	rps := min(max(cfg.RPS, 0.1), 50)

	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	rnd := rand.New(rand.NewPCG(seed, seed))

	limiter := rate.NewLimiter(rate.Limit(rps), 1)

	var stats Stats
	for {
		if err := limiter.Wait(ctx); err != nil {
			return stats, nil
		}

		var err error
		node := cfg.Nodes[rnd.IntN(len(cfg.Nodes))]

		switch x := rnd.Float64(); {
		case x < 0.55:
			stats.Status++
			_, err = c.Status(ctx, node)

		case x < 0.85:
			stats.Submit++
			err = submit(ctx, c, cfg, rnd)

		case x < 0.95:
			stats.Verify++
			_, err = c.Verify(ctx, node)

		default:
			stats.Mine++
			_, err = c.MineDistributed(ctx, cfg.Leader)
		}

		if err != nil && ctx.Err() == nil {
			stats.Errors++
		}
	}
}

func submit(ctx context.Context, c *client.Client, cfg Config, rnd *rand.Rand) error {

	// A share of submits is broken on purpose to exercise validation.
	if rnd.Float64() < cfg.BadRatio {
		return c.Do(ctx, http.MethodPost, cfg.Leader+"/v1/tx/submit", map[string]string{"sender": "alice"}, nil)
	}

	cents := 10 + rnd.IntN(5000)
	payload := database.TxPayload{
		Sender:    "alice",
		Recipient: "bob",
		Amount:    decimal.New(int64(cents), -2),
	}

	_, err := c.Submit(ctx, cfg.Leader, payload)
	return err
}
