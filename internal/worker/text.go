// Package worker implements the downstream compute targets that generate
// answers and practice material and stream them back over the push channel.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/textbook-companion/internal/domain"
	"github.com/ashureev/textbook-companion/internal/invoke"
	"github.com/ashureev/textbook-companion/internal/metrics"
	"github.com/ashureev/textbook-companion/internal/push"
	"github.com/ashureev/textbook-companion/internal/store"
)

// MsgGenerationFailed is the text shown to students when generation fails.
const MsgGenerationFailed = "I'm sorry, I encountered an error while processing your question."

const (
	historyTurns   = 6
	maxTitleLength = 30
	titleWords     = 6
)

// ErrValidation marks a request that can never succeed as sent.
var ErrValidation = errors.New("invalid generation request")

// PusherResolver selects the Pusher for a push endpoint.
type PusherResolver interface {
	For(endpoint string) push.Pusher
}

// Answer is the result of one generation round.
type Answer struct {
	Response    string   `json:"response"`
	Sources     []string `json:"sources"`
	SessionName string   `json:"session_name,omitempty"`
	FromCache   bool     `json:"from_cache,omitempty"`
}

// TextGeneration answers student questions about a textbook.
type TextGeneration struct {
	repo      store.Repository
	gen       Generator
	retriever *Retriever
	pushers   PusherResolver
	prompts   Prompts
	budget    *TokenBudget
	cache     *AnswerCache
	logger    *slog.Logger
}

// TextOption configures optional TextGeneration behaviour.
type TextOption func(*TextGeneration)

// WithTokenBudget enforces a daily token limit per user session.
func WithTokenBudget(b *TokenBudget) TextOption {
	return func(t *TextGeneration) { t.budget = b }
}

// WithAnswerCache serves repeated questions from cache.
func WithAnswerCache(c *AnswerCache) TextOption {
	return func(t *TextGeneration) { t.cache = c }
}

// NewTextGeneration creates the text generation target.
func NewTextGeneration(repo store.Repository, gen Generator, retriever *Retriever, pushers PusherResolver, prompts Prompts, logger *slog.Logger, opts ...TextOption) *TextGeneration {
	if logger == nil {
		logger = slog.Default()
	}
	t := &TextGeneration{
		repo:      repo,
		gen:       gen,
		retriever: retriever,
		pushers:   pushers,
		prompts:   prompts,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Handle runs one invocation. It implements invoke.Target.
func (t *TextGeneration) Handle(ctx context.Context, payload []byte) error {
	if invoke.IsWarmup(payload) {
		return t.warmup(ctx)
	}

	var req invoke.GenerationRequest
	if err := invoke.Decode(payload, &req); err != nil {
		return err
	}
	return t.stream(ctx, req)
}

func (t *TextGeneration) warmup(ctx context.Context) error {
	start := time.Now()
	if err := t.repo.Ping(ctx); err != nil {
		t.logger.Warn("Warmup encountered error (non-fatal)", "error", err)
		return nil
	}
	t.logger.Info("Warmup complete", "function", "text_generation", "duration", time.Since(start))
	return nil
}

func (t *TextGeneration) stream(ctx context.Context, req invoke.GenerationRequest) error {
	pusher := t.pushers.For(req.Endpoint)
	send := func(frame domain.StreamFrame) error {
		return pusher.Push(ctx, req.ConnectionID, frame)
	}

	if err := validate(req.TextbookID, req.Query); err != nil {
		t.logger.Warn("Rejected generation request", "connection_id", req.ConnectionID, "error", err)
		if pushErr := send(domain.StreamFrame{Type: domain.FrameError, Message: strings.TrimPrefix(err.Error(), ErrValidation.Error()+": ")}); pushErr != nil {
			t.logger.Warn("Failed to send error frame", "connection_id", req.ConnectionID, "error", pushErr)
		}
		metrics.GenerationsTotal.WithLabelValues("text", "invalid").Inc()
		return nil
	}

	if req.RequestID != "" {
		seen, err := t.repo.InteractionExists(ctx, req.RequestID)
		if err != nil {
			return fmt.Errorf("check duplicate request: %w", err)
		}
		if seen {
			t.logger.Info("Duplicate generation request ignored", "request_id", req.RequestID)
			metrics.GenerationsTotal.WithLabelValues("text", "duplicate").Inc()
			return nil
		}
	}

	if err := t.budget.Check(ctx, req.ChatSessionID); err != nil {
		t.logger.Info("Token limit reached", "chat_session_id", req.ChatSessionID, "error", err)
		if pushErr := send(domain.StreamFrame{Type: domain.FrameError, Message: err.Error(), ErrorCode: domain.ErrorCodeTokenLimit}); pushErr != nil {
			t.logger.Warn("Failed to send error frame", "connection_id", req.ConnectionID, "error", pushErr)
		}
		metrics.GenerationsTotal.WithLabelValues("text", "limited").Inc()
		return nil
	}

	if err := send(domain.StreamFrame{Type: domain.FrameStart}); err != nil {
		if errors.Is(err, push.ErrGone) {
			t.logger.Info("Connection gone before generation", "connection_id", req.ConnectionID)
			return nil
		}
		return fmt.Errorf("send start frame: %w", err)
	}

	if cached, ok := t.fromCache(ctx, req.RequestID, req.TextbookID, req.ChatSessionID, req.Query); ok {
		if err := send(domain.StreamFrame{Type: domain.FrameChunk, Content: cached.Response}); err != nil {
			t.logger.Warn("Failed to push cached answer", "connection_id", req.ConnectionID, "error", err)
		}
		if err := send(domain.StreamFrame{Type: domain.FrameComplete, Sources: cached.Sources, FromCache: true}); err != nil {
			t.logger.Warn("Failed to send complete frame", "connection_id", req.ConnectionID, "error", err)
		}
		metrics.GenerationsTotal.WithLabelValues("text", "cached").Inc()
		return nil
	}

	answer, err := t.generate(ctx, req.RequestID, req.TextbookID, req.ChatSessionID, req.Query, func(tok string) error {
		err := send(domain.StreamFrame{Type: domain.FrameChunk, Content: tok})
		if errors.Is(err, push.ErrGone) {
			return err
		}
		if err != nil {
			t.logger.Warn("Failed to push chunk", "connection_id", req.ConnectionID, "error", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, push.ErrGone) {
			t.logger.Info("Connection closed during generation", "connection_id", req.ConnectionID)
			metrics.GenerationsTotal.WithLabelValues("text", "abandoned").Inc()
			return nil
		}
		t.logger.Error("Text generation failed",
			"connection_id", req.ConnectionID,
			"chat_session_id", req.ChatSessionID,
			"error", err,
		)
		if pushErr := send(domain.StreamFrame{Type: domain.FrameError, Message: MsgGenerationFailed}); pushErr != nil {
			t.logger.Warn("Failed to send error frame", "connection_id", req.ConnectionID, "error", pushErr)
		}
		metrics.GenerationsTotal.WithLabelValues("text", "failed").Inc()
		return nil
	}

	complete := domain.StreamFrame{Type: domain.FrameComplete, Sources: answer.Sources, SessionName: answer.SessionName}
	if err := send(complete); err != nil {
		t.logger.Warn("Failed to send complete frame", "connection_id", req.ConnectionID, "error", err)
	}
	metrics.GenerationsTotal.WithLabelValues("text", "succeeded").Inc()
	return nil
}

// Answer generates a full response synchronously. It backs the HTTP
// fallback and produces the same content as the streaming path.
func (t *TextGeneration) Answer(ctx context.Context, textbookID, chatSessionID, query string) (*Answer, error) {
	if err := validate(textbookID, query); err != nil {
		return nil, err
	}
	if err := t.budget.Check(ctx, chatSessionID); err != nil {
		metrics.GenerationsTotal.WithLabelValues("text", "limited").Inc()
		return nil, err
	}
	if cached, ok := t.fromCache(ctx, "", textbookID, chatSessionID, query); ok {
		metrics.GenerationsTotal.WithLabelValues("text", "cached").Inc()
		return cached, nil
	}
	answer, err := t.generate(ctx, "", textbookID, chatSessionID, query, nil)
	if err != nil {
		metrics.GenerationsTotal.WithLabelValues("text", "failed").Inc()
		return nil, err
	}
	metrics.GenerationsTotal.WithLabelValues("text", "succeeded").Inc()
	return answer, nil
}

func validate(textbookID, query string) error {
	if strings.TrimSpace(textbookID) == "" {
		return fmt.Errorf("%w: Missing textbook_id parameter", ErrValidation)
	}
	if strings.TrimSpace(query) == "" {
		return fmt.Errorf("%w: No question provided in the query field", ErrValidation)
	}
	return nil
}

// generate runs retrieval, model generation, persistence, and session
// naming. onToken may be nil for a non-streaming call.
func (t *TextGeneration) generate(ctx context.Context, requestID, textbookID, chatSessionID, query string, onToken func(string) error) (*Answer, error) {
	sections, err := t.retriever.Retrieve(ctx, textbookID, query)
	if err != nil {
		return nil, fmt.Errorf("retrieve sections: %w", err)
	}

	var history []domain.Interaction
	if chatSessionID != "" {
		history, err = t.repo.ListInteractions(ctx, chatSessionID)
		if err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}
	}

	messages, err := t.buildMessages(sections, history, query)
	if err != nil {
		return nil, err
	}

	var response string
	if onToken != nil {
		response, err = t.gen.Stream(ctx, messages, onToken)
	} else {
		response, err = t.gen.Complete(ctx, messages, false)
	}
	if err != nil {
		return nil, err
	}

	answer := &Answer{Response: response, Sources: refs(sections)}
	t.cache.Put(textbookID, query, answer)
	t.budget.Record(ctx, chatSessionID, query, response)
	if chatSessionID == "" {
		return answer, nil
	}

	t.logInteraction(ctx, requestID, chatSessionID, query, answer)
	answer.SessionName = t.nameSession(ctx, chatSessionID, query, response)
	return answer, nil
}

// fromCache serves a cached answer and records it in the session history.
// Cached answers are not charged to the token budget and do not name the
// session.
func (t *TextGeneration) fromCache(ctx context.Context, requestID, textbookID, chatSessionID, query string) (*Answer, bool) {
	answer, ok := t.cache.Get(textbookID, query)
	if !ok {
		return nil, false
	}
	t.logger.Info("Answer served from cache", "textbook_id", textbookID, "chat_session_id", chatSessionID)
	if chatSessionID != "" {
		t.logInteraction(ctx, requestID, chatSessionID, query, answer)
	}
	return answer, true
}

func (t *TextGeneration) logInteraction(ctx context.Context, requestID, chatSessionID, query string, answer *Answer) {
	interaction := &domain.Interaction{
		ID:            requestID,
		ChatSessionID: chatSessionID,
		SenderRole:    domain.SenderRoleUser,
		QueryText:     domain.StringPtr(query),
		ResponseText:  domain.StringPtr(answer.Response),
		SourceChunks:  answer.Sources,
	}
	if _, err := t.repo.AppendInteraction(ctx, interaction); err != nil {
		t.logger.Error("Failed to log interaction", "chat_session_id", chatSessionID, "error", err)
	}
}

func (t *TextGeneration) buildMessages(sections []domain.TextbookSection, history []domain.Interaction, query string) ([]Message, error) {
	system, err := render("answer", t.prompts.Answer, struct {
		Sections []domain.TextbookSection
	}{sections})
	if err != nil {
		return nil, err
	}

	messages := []Message{{Role: RoleSystem, Content: system}}
	if len(history) > historyTurns {
		history = history[len(history)-historyTurns:]
	}
	for _, in := range history {
		if in.HasQuery() {
			messages = append(messages, Message{Role: RoleUser, Content: *in.QueryText})
		}
		if in.HasResponse() {
			messages = append(messages, Message{Role: RoleAssistant, Content: *in.ResponseText})
		}
	}
	return append(messages, Message{Role: RoleUser, Content: query}), nil
}

// nameSession renames a session that still carries the default name and
// returns the new name. It returns "" when nothing changed.
func (t *TextGeneration) nameSession(ctx context.Context, chatSessionID, query, response string) string {
	session, err := t.repo.GetSession(ctx, chatSessionID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			t.logger.Warn("Failed to load session for naming", "chat_session_id", chatSessionID, "error", err)
		}
		return ""
	}
	if !session.HasDefaultName() {
		return ""
	}

	name := t.generateTitle(ctx, query, response)
	if name == "" {
		return ""
	}
	if err := t.repo.RenameSession(ctx, chatSessionID, name); err != nil {
		t.logger.Warn("Failed to update session name", "chat_session_id", chatSessionID, "error", err)
	}
	return name
}

func (t *TextGeneration) generateTitle(ctx context.Context, query, response string) string {
	fallback := domain.TitleFromQuery(query, titleWords)

	prompt, err := render("title", t.prompts.Title, struct{ Query, Response string }{query, response})
	if err != nil {
		return fallback
	}
	title, err := t.gen.Complete(ctx, []Message{{Role: RoleUser, Content: prompt}}, false)
	if err != nil {
		t.logger.Debug("Title generation failed, using query", "error", err)
		return fallback
	}
	title = strings.Trim(strings.TrimSpace(title), `"'`)
	if title == "" || len(title) > maxTitleLength*2 || strings.Contains(title, "\n") {
		return fallback
	}
	return title
}
