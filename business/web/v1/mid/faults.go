package mid

import (
	"context"
	"net/http"
	"strings"

	"github.com/vetclinic/ledger/foundation/blockchain/faults"
	"github.com/vetclinic/ledger/foundation/web"
)

// Faults runs the node's fault policy for the named endpoint before the
// handler. A rejected call never reaches the handler.
func Faults(policy *faults.Policy, endpoint string) web.Middleware {

	// This is the actual middleware function to be executed.
	m := func(handler web.Handler) web.Handler {

		// Create the handler that will be attached in the middleware chain.
		h := func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
			if err := policy.Apply(ctx, endpoint); err != nil {
				return err
			}

			return handler(ctx, w, r)
		}

		return h
	}

	return m
}

// chaosPrefixes are the path prefixes subject to chaos.
var chaosPrefixes = []string{"/v1/chain", "/v1/tx", "/v1/rpc"}

// Chaos injects random latency and failures into requests under the ledger
// paths. Every other path is left alone.
func Chaos(chaos *faults.Chaos) web.Middleware {

	// This is the actual middleware function to be executed.
	m := func(handler web.Handler) web.Handler {

		// Create the handler that will be attached in the middleware chain.
		h := func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
			if !chaosApplies(r.URL.Path) {
				return handler(ctx, w, r)
			}

			d := chaos.Roll()

			if err := faults.Sleep(ctx, d.Delay); err != nil {
				return err
			}

			if d.Fail {
				return &faults.Error{Kind: faults.KindChaos, Message: "simulated_failure"}
			}

			return handler(ctx, w, r)
		}

		return h
	}

	return m
}

func chaosApplies(path string) bool {
	for _, prefix := range chaosPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}
