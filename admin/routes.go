package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// NewRouter builds the chi router for the admin endpoints
func NewRouter(handlers *AdminHandlers, secret string) chi.Router {
	r := chi.NewRouter()
	r.Use(AuthMiddleware(secret))

	r.Get("/stats", handlers.handleStats)
	r.Get("/checkpoint", handlers.handleCheckpoint)
	r.Get("/inflight", handlers.handleInFlight)

	r.Get("/blocked", handlers.handleBlocked)
	r.Post("/blocked/{rowID}/skip", handlers.handleSkip)

	return r
}

// RegisterRoutes mounts the admin router under /admin and the metrics
// handler, when present, at /metrics
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers, metrics http.Handler, secret string) {
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	r := NewRouter(handlers, secret)
	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Bool("metrics", metrics != nil).Msg("Admin endpoints enabled at /admin/*")
}
