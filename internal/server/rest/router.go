package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for the lookout API.
//
// Route layout:
//
//	GET    /healthz                        – liveness and store health (no auth)
//	GET    /metrics                        – Prometheus metrics (no auth, when enabled)
//	POST   /api/v1/scans                   – run a scan
//	GET    /api/v1/snapshots               – list snapshots
//	GET    /api/v1/snapshots/{id}          – one snapshot with items
//	GET    /api/v1/diff                    – compare two snapshots
//	POST   /api/v1/prune                   – apply retention now
//	GET    /api/v1/changes                 – change history query
//	POST   /api/v1/changes/ack             – acknowledge every change
//	POST   /api/v1/changes/{id}/ack        – acknowledge one change
//	DELETE /api/v1/baselines/{category}    – reset a baseline
//	POST   /api/v1/containment/{op}        – contain, disable, block, extend, release
//	GET    /api/v1/containment/state       – state and history of one item
//	GET    /api/v1/containment/actions     – recent containment actions
//	GET    /api/v1/containment/rules       – installed network rules
//	GET    /api/v1/audit                   – verified audit log tail
//	GET    /api/v1/events                  – WebSocket event stream (when enabled)
//
// jwt configures RS256 bearer authentication for /api routes. A nil
// jwt.PublicKey disables authentication, which is only sensible when the
// listener is bound to loopback.
func NewRouter(srv *Server, jwt JWTConfig) http.Handler {
	r := chi.NewRouter()

	// Built-in chi middleware for observability and hygiene.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.engine.HealthzHandler)
	if srv.metrics != nil {
		r.Method(http.MethodGet, "/metrics", srv.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if jwt.PublicKey != nil {
			r.Use(JWTMiddleware(jwt))
		}

		r.Post("/scans", srv.handleScan)
		r.Get("/snapshots", srv.handleListSnapshots)
		r.Get("/snapshots/{id}", srv.handleGetSnapshot)
		r.Get("/diff", srv.handleDiff)
		r.Post("/prune", srv.handlePrune)

		r.Get("/changes", srv.handleListChanges)
		r.Post("/changes/ack", srv.handleAckAll)
		r.Post("/changes/{id}/ack", srv.handleAckChange)
		r.Delete("/baselines/{category}", srv.handleResetBaseline)

		r.Route("/containment", func(r chi.Router) {
			r.Post("/contain", srv.handleApply("contain item", applyContain))
			r.Post("/disable", srv.handleApply("disable persistence", applyDisable))
			r.Post("/block", srv.handleApply("block network", applyBlock))
			r.Post("/extend", srv.handleExtend)
			r.Post("/release", srv.handleRelease)
			r.Get("/state", srv.handleContainmentState)
			r.Get("/actions", srv.handleRecentActions)
			r.Get("/rules", srv.handleNetworkRules)
		})

		r.Get("/audit", srv.handleGetAudit)
		if srv.events != nil {
			r.Method(http.MethodGet, "/events", srv.events)
		}
	})

	return r
}
