package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/ashureev/textbook-companion/internal/identity"
	"github.com/ashureev/textbook-companion/internal/push"
	"github.com/go-chi/chi/v5"
)

// PushToConnection delivers a frame posted by a remote worker to a locally
// connected client. Unknown or closed connections answer 410 Gone.
func (h *Handler) PushToConnection(w http.ResponseWriter, r *http.Request) {
	if h.pushKey == "" {
		Error(w, http.StatusForbidden, "push ingress disabled")
		return
	}
	if subtle.ConstantTimeCompare([]byte(r.Header.Get(push.PushKeyHeader)), []byte(h.pushKey)) != 1 {
		h.logger.Warn("Push ingress rejected", "ip", identity.IPFromRequest(r))
		Error(w, http.StatusForbidden, "invalid push key")
		return
	}

	connectionID := chi.URLParam(r, "connectionId")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil || !json.Valid(body) {
		Error(w, http.StatusBadRequest, "frame must be JSON")
		return
	}

	if err := h.pusher.Push(r.Context(), connectionID, json.RawMessage(body)); err != nil {
		if errors.Is(err, push.ErrGone) {
			Error(w, http.StatusGone, "connection gone")
			return
		}
		h.logger.Warn("Push ingress delivery failed", "connection_id", connectionID, "error", err)
		Error(w, http.StatusBadGateway, "delivery failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
