// Package adminapi is the operator-facing status surface: health, vault
// status, and recent decision-stream history. It is never the public
// service-selling HTTP surface a deployment exposes to paying customers —
// that surface is out of scope here and belongs to whatever front-end a
// deployment bolts onto the purchasing/escrow layer. Grounded on the
// gateway router shape in the retrieved Alfred gateway example (chi router
// + middleware chain + health endpoints), adapted to this runtime's own
// slog-based logging instead of zerolog.
package adminapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nhbvault/agentd/decisionstream"
	"github.com/nhbvault/agentd/native/vault"
)

// Router exposes read-only operator endpoints over the running agent's
// state. It never accepts a request that would mutate the vault, the
// constitution, or the decision stream: those happen only from inside the
// heartbeat loop.
type Router struct {
	vault  *vault.Engine
	stream *decisionstream.Stream
	logger *slog.Logger
}

// New builds the admin router. stream may be nil if no decision stream was
// wired (e.g. a minimal smoke-test deployment).
func New(v *vault.Engine, stream *decisionstream.Stream, logger *slog.Logger) http.Handler {
	rt := &Router{vault: v, stream: stream, logger: logger}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(rt.logRequests)

	r.Get("/healthz", rt.handleHealthz)
	r.Get("/status", rt.handleStatus)
	r.Handle("/metrics", promhttp.Handler())
	if stream != nil {
		r.Get("/decisions", rt.handleRecentDecisions)
		r.Get("/highlights", rt.handleRecentHighlights)
	}
	return r
}

func (rt *Router) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		rt.logger.Info("admin request", slog.String("path", r.URL.Path), slog.Duration("elapsed", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (rt *Router) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := rt.vault.Status()
	if !status.Mortality.Alive {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "dead", "cause": string(status.Mortality.DeathCause)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (rt *Router) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.vault.Status())
}

func (rt *Router) handleRecentDecisions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.stream.RecentDecisions())
}

func (rt *Router) handleRecentHighlights(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.stream.RecentHighlights())
}
