package relay

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
	errs "github.com/wudi/eventrelay/internal/errors"
	"github.com/wudi/eventrelay/internal/middleware"
)

// Probe paths and their fixed bodies.
const (
	HealthPath  = "/healthz"
	ReadyPath   = "/readyz"
	MetricsPath = "/metrics"

	healthBody = "OK"
	readyBody  = "READY"
)

// NewRouter mounts the relay handler on POST / next to the probes. A nil
// metrics handler leaves /metrics unrouted.
func NewRouter(relay http.Handler, metrics http.Handler) http.Handler {
	tree := httprouter.New()
	tree.RedirectTrailingSlash = false
	tree.RedirectFixedPath = false
	tree.HandleMethodNotAllowed = true

	tree.Handler(http.MethodPost, "/", relay)
	tree.HandlerFunc(http.MethodGet, HealthPath, fixedBody(healthBody))
	tree.HandlerFunc(http.MethodGet, ReadyPath, fixedBody(readyBody))
	if metrics != nil {
		tree.Handler(http.MethodGet, MetricsPath, metrics)
	}

	tree.NotFound = reasonHandler(errs.ErrNotFound)
	tree.MethodNotAllowed = reasonHandler(errs.ErrMethodNotAllowed)
	return tree
}

func fixedBody(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(body))
	}
}

func reasonHandler(e *errs.RelayError) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.WithRequestID(middleware.RequestIDFromContext(r.Context())).WriteReason(w)
	})
}
