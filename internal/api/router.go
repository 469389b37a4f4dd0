// Package api assembles the HTTP surface of the sync server.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prudhvinik1/fieldsync/internal/api/handlers"
	"github.com/prudhvinik1/fieldsync/internal/api/middleware"
)

// NewRouter mounts every route. /health and /metrics are public; everything
// under /api/v1 requires a bearer token.
func NewRouter(h *handlers.Handler, verifier middleware.TokenVerifier, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Metrics())

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Authenticate(verifier))

		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Get("/overlays", h.ListOverlays)
			r.Post("/overlays", h.CreateOverlay)

			r.Get("/reports", h.ListReports)
			r.Post("/reports", h.CreateReport)

			r.Get("/sos", h.ListActiveSos)
			r.Post("/sos", h.TriggerSos)

			r.Get("/locations", h.ListLocations)
			r.Put("/locations/me", h.UpdateMyLocation)
			r.Delete("/locations/me", h.StopSharingLocation)

			r.Get("/presence", h.ListPresence)
			r.Get("/changes", h.ListChanges)
			r.Get("/live", h.Live)
		})

		r.Route("/overlays/{overlayID}", func(r chi.Router) {
			r.Get("/", h.GetOverlay)
			r.Patch("/", h.UpdateOverlay)
			r.Delete("/", h.DeleteOverlay)
			r.Post("/publish", h.PublishOverlay)
			r.Post("/lock", h.AcquireLock)
			r.Delete("/lock", h.ReleaseLock)
		})

		r.Route("/reports/{reportID}", func(r chi.Router) {
			r.Get("/", h.GetReport)
			r.Patch("/", h.UpdateReport)
			r.Post("/status", h.TransitionReport)
		})

		r.Route("/sos/{sosID}", func(r chi.Router) {
			r.Get("/", h.GetSos)
			r.Post("/ack", h.AcknowledgeSos)
			r.Post("/resolve", h.ResolveSos)
			r.Post("/cancel", h.CancelSos)
		})
	})

	return r
}
