package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes mounts the authenticated chat endpoints. auth wraps them
// with bearer-token verification.
func (h *Handler) RegisterRoutes(r chi.Router, auth func(http.Handler) http.Handler) {
	r.Group(func(r chi.Router) {
		r.Use(auth)

		r.Post("/chat_sessions/{id}/text_generation", h.TextGeneration)

		r.Route("/user_sessions/{uid}/chat_sessions", func(r chi.Router) {
			r.Get("/", h.ListSessions)
			r.Post("/", h.CreateSession)
			r.Get("/{id}", h.GetSession)
			r.Get("/{id}/interactions", h.ListInteractions)
			r.Post("/{id}/fork", h.ForkSession)
		})
	})
}

// RegisterPushRoutes mounts push ingress. It is guarded by the shared push
// key rather than user credentials.
func (h *Handler) RegisterPushRoutes(r chi.Router) {
	r.Post("/@connections/{connectionId}", h.PushToConnection)
}
