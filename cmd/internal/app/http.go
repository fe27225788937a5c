package app

import (
	"net/http"
	"time"

	"rollcall/cmd/internal/httpx"

	"github.com/go-chi/chi/v5"
)

func (a *App) routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/readyz", a.handleReady)
	r.Method(http.MethodGet, "/metrics", a.metrics.Handler())
	r.Get("/ws", a.ws.HandleWS)

	a.api.Register(r)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteError(w, http.StatusNotFound, "not_found", "no such route")
	})

	var h http.Handler = r
	h = WithCORS(h, a.cfg, a.log)
	h = WithSecurityHeaders(h)
	return WithRequestLogging(h, a.log, a.metrics)
}

func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.cfg.ReadinessRequireDB && a.store.backend != backendPostgres {
		http.Error(w, "db not configured", http.StatusServiceUnavailable)
		return
	}
	if err := pingStore(r.Context(), a.store, 2*time.Second); err != nil {
		a.log.Info("readyz.db.not_ready", "backend", a.store.backend, "err", err)
		http.Error(w, "db not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}
