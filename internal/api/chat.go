package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/ashureev/textbook-companion/internal/domain"
	"github.com/ashureev/textbook-companion/internal/store"
	"github.com/ashureev/textbook-companion/internal/worker"
	"github.com/go-chi/chi/v5"
)

// Answerer produces a complete answer synchronously.
type Answerer interface {
	Answer(ctx context.Context, textbookID, chatSessionID, query string) (*worker.Answer, error)
}

type textGenerationRequest struct {
	TextbookID string `json:"textbook_id"`
	Query      string `json:"query"`
}

type createSessionRequest struct {
	TextbookID  string `json:"textbook_id"`
	SessionName string `json:"session_name"`
}

// TextGeneration is the non-streaming fallback used when the channel is not
// connected. The response carries the same content as a streamed answer.
func (h *Handler) TextGeneration(w http.ResponseWriter, r *http.Request) {
	chatSessionID := chi.URLParam(r, "id")

	var req textGenerationRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if _, err := h.repo.GetSession(r.Context(), chatSessionID); err != nil {
		h.sessionError(w, r, err, chatSessionID)
		return
	}

	answer, err := h.answerer.Answer(r.Context(), req.TextbookID, chatSessionID, req.Query)
	if err != nil {
		if errors.Is(err, worker.ErrValidation) {
			Error(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), worker.ErrValidation.Error()+": "))
			return
		}
		if errors.Is(err, worker.ErrTokenLimit) {
			h.requestLogger(r).Info("Fallback generation refused", "chat_session_id", chatSessionID, "error", err)
			JSON(w, http.StatusTooManyRequests, map[string]string{
				"error":      err.Error(),
				"error_code": domain.ErrorCodeTokenLimit,
			})
			return
		}
		h.requestLogger(r).Error("Fallback generation failed",
			"chat_session_id", chatSessionID,
			"error", err,
		)
		Error(w, http.StatusInternalServerError, worker.MsgGenerationFailed)
		return
	}

	if answer.Sources == nil {
		answer.Sources = []string{}
	}
	JSON(w, http.StatusOK, answer)
}

// ListSessions returns the chat sessions of a user session, newest first.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	sessions, err := h.repo.ListSessions(r.Context(), uid)
	if err != nil {
		h.requestLogger(r).Error("Failed to list chat sessions", "user_session_id", uid, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list chat sessions")
		return
	}
	if sessions == nil {
		sessions = []*domain.Session{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"chat_sessions": sessions})
}

// CreateSession starts a new chat session.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")

	var req createSessionRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session := &domain.Session{
		UserSessionID: uid,
		TextbookID:    strings.TrimSpace(req.TextbookID),
		Name:          strings.TrimSpace(req.SessionName),
	}
	if err := h.repo.CreateSession(r.Context(), session); err != nil {
		h.requestLogger(r).Error("Failed to create chat session", "user_session_id", uid, "error", err)
		Error(w, http.StatusInternalServerError, "failed to create chat session")
		return
	}

	h.requestLogger(r).Info("Chat session created", "chat_session_id", session.ID, "user_session_id", uid)
	JSON(w, http.StatusCreated, session)
}

// GetSession returns one chat session.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	session, err := h.repo.GetSession(r.Context(), id)
	if err != nil {
		h.sessionError(w, r, err, id)
		return
	}
	JSON(w, http.StatusOK, session)
}

// ListInteractions returns the persisted history of a chat session in order.
func (h *Handler) ListInteractions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.repo.GetSession(r.Context(), id); err != nil {
		h.sessionError(w, r, err, id)
		return
	}

	interactions, err := h.repo.ListInteractions(r.Context(), id)
	if err != nil {
		h.requestLogger(r).Error("Failed to list interactions", "chat_session_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load chat history")
		return
	}
	if interactions == nil {
		interactions = []domain.Interaction{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"interactions": interactions})
}

// ForkSession copies a shared chat session into a private session owned by
// the caller's user session. The shared session is never written to.
func (h *Handler) ForkSession(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	id := chi.URLParam(r, "id")

	fork, err := h.repo.ForkSession(r.Context(), id, uid)
	if err != nil {
		h.sessionError(w, r, err, id)
		return
	}

	h.requestLogger(r).Info("Chat session forked", "source_id", id, "chat_session_id", fork.ID, "user_session_id", uid)
	JSON(w, http.StatusCreated, fork)
}

func (h *Handler) sessionError(w http.ResponseWriter, r *http.Request, err error, id string) {
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "chat session not found")
		return
	}
	h.requestLogger(r).Error("Failed to load chat session", "chat_session_id", id, "error", err)
	Error(w, http.StatusInternalServerError, "failed to load chat session")
}
