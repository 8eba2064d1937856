// Package api provides HTTP handlers for the companion REST surface.
package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/ashureev/textbook-companion/internal/identity"
	"github.com/ashureev/textbook-companion/internal/push"
	"github.com/ashureev/textbook-companion/internal/store"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 64 << 10

// Handler provides common handler utilities.
type Handler struct {
	repo     store.Repository
	answerer Answerer
	pusher   push.Pusher
	pushKey  string
	logger   *slog.Logger
}

// NewHandler creates a new Handler with common dependencies. pusher receives
// frames arriving on push ingress and is normally the local Hub.
func NewHandler(repo store.Repository, answerer Answerer, pusher push.Pusher, pushKey string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		repo:     repo,
		answerer: answerer,
		pusher:   pusher,
		pushKey:  pushKey,
		logger:   logger,
	}
}

// requestLogger tags log lines with the caller set by identity.Middleware.
func (h *Handler) requestLogger(r *http.Request) *slog.Logger {
	ctx := r.Context()
	return h.logger.With(
		"sub", identity.SubjectFromContext(ctx),
		"role", identity.RoleFromContext(ctx),
		"client", identity.ClientTagFromContext(ctx),
		"ip", identity.IPFromRequest(r),
	)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decode reads a bounded JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v interface{}) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err == io.EOF {
		return nil
	}
	return err
}
