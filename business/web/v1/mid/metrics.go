package mid

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/vetclinic/ledger/business/sys/metrics"
	"github.com/vetclinic/ledger/foundation/web"
)

// Metrics updates the request counters and the duration histogram. The
// route pattern is used as the path label to keep the cardinality down.
func Metrics(m *metrics.Metrics) web.Middleware {

	// This is the actual middleware function to be executed.
	mw := func(handler web.Handler) web.Handler {

		// Create the handler that will be attached in the middleware chain.
		h := func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
			v, err := web.GetValues(ctx)
			if err != nil {
				return web.NewShutdownError("web value missing from context")
			}

			// Call the next handler.
			err = handler(ctx, w, r)

			// An error still on the chain here was not turned into a
			// response yet so it is counted as a server error. A handler
			// that took the connection over never sets a status.
			status := v.StatusCode
			switch {
			case err != nil:
				status = http.StatusInternalServerError
			case status == 0 && isUpgrade(r):
				status = http.StatusSwitchingProtocols
			case status == 0:
				status = http.StatusOK
			}

			m.ObserveRequest(r.Method, routePath(v, r), status, time.Since(v.Now))

			// Return the error so it can be handled further up the chain.
			return err
		}

		return h
	}

	return mw
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// routePath returns the route pattern matched for the request, or the raw
// path when no route is known.
func routePath(v *web.Values, r *http.Request) string {
	if v != nil && v.Route != "" {
		return v.Route
	}
	return r.URL.Path
}
