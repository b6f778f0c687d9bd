package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// NewRouter builds the HTTP API. staleness wraps the item routes so clients
// learn about newer cluster configurations; it may be nil.
func NewRouter(h *Handlers, staleness func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger)

	r.Route("/cluster", func(r chi.Router) {
		r.Get("/members", h.handleClusterMembers)
		r.Get("/config", h.handleClusterConfig)
		r.Get("/ring/{key}", h.handleRingLookup)
		r.Get("/placement/{key}", h.handlePlacement)
		r.Post("/remove/{nodeID}", h.handleClusterRemove)
	})

	r.Route("/kv", func(r chi.Router) {
		if staleness != nil {
			r.Use(staleness)
		}
		r.Get("/{key}", h.handleGetItem)
		r.Put("/{key}", h.handlePutItem)
		r.Delete("/{key}", h.handleDeleteItem)
	})

	log.Info().Msg("Admin endpoints enabled at /cluster/* and /kv/{key}")
	return r
}
