package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/textbook-companion/internal/domain"
	"github.com/ashureev/textbook-companion/internal/invoke"
	"github.com/ashureev/textbook-companion/internal/metrics"
	"github.com/ashureev/textbook-companion/internal/push"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Supported practice material types.
const (
	MaterialMCQ         = "mcq"
	MaterialFlashcard   = "flashcard"
	MaterialShortAnswer = "short_answer"
)

const (
	practiceSnippets   = 4
	practiceSnippetLen = 300
	materialCacheTTL   = 30 * time.Minute
	materialCacheSize  = 512
)

// MsgPracticeFailed is sent when both generation attempts were invalid.
const MsgPracticeFailed = "Practice material generation failed after two attempts."

var cardGuidance = map[string]string{
	"definition": "key terms and definitions",
	"concept":    "concepts and relationships",
	"example":    "concrete examples and applications",
}

// PracticeMaterial generates quizzes, flashcards, and short answer sets
// from textbook content.
type PracticeMaterial struct {
	gen       Generator
	retriever *Retriever
	pushers   PusherResolver
	prompts   Prompts
	logger    *slog.Logger
	cache     *expirable.LRU[string, json.RawMessage]
}

// NewPracticeMaterial creates the practice material target.
func NewPracticeMaterial(gen Generator, retriever *Retriever, pushers PusherResolver, prompts Prompts, logger *slog.Logger) *PracticeMaterial {
	if logger == nil {
		logger = slog.Default()
	}
	return &PracticeMaterial{
		gen:       gen,
		retriever: retriever,
		pushers:   pushers,
		prompts:   prompts,
		logger:    logger,
		cache:     expirable.NewLRU[string, json.RawMessage](materialCacheSize, nil, materialCacheTTL),
	}
}

// Handle runs one invocation. It implements invoke.Target.
func (p *PracticeMaterial) Handle(ctx context.Context, payload []byte) error {
	if invoke.IsWarmup(payload) {
		p.logger.Info("Warmup complete", "function", "practice_material")
		return nil
	}

	var req invoke.PracticeRequest
	if err := invoke.Decode(payload, &req); err != nil {
		return err
	}

	pusher := p.pushers.For(req.Endpoint)
	send := func(frame domain.ProgressFrame) error {
		err := pusher.Push(ctx, req.ConnectionID, frame)
		if err != nil && !errors.Is(err, push.ErrGone) {
			p.logger.Warn("Failed to send progress frame", "connection_id", req.ConnectionID, "status", frame.Status, "error", err)
		}
		return err
	}

	materialType := strings.ToLower(strings.TrimSpace(req.MaterialType))
	switch materialType {
	case MaterialMCQ, MaterialFlashcard, MaterialShortAnswer:
	default:
		_ = send(domain.NewProgressError(fmt.Sprintf("Unsupported material_type: %s", req.MaterialType)))
		metrics.GenerationsTotal.WithLabelValues("practice", "invalid").Inc()
		return nil
	}

	key := cacheKey(req, materialType)
	if !req.ForceRefresh {
		if material, ok := p.cache.Get(key); ok {
			p.logger.Info("Practice material served from cache", "textbook_id", req.TextbookID, "topic", req.Topic)
			frame := domain.NewProgressFrame(domain.ProgressComplete, 100)
			frame.Material = material
			_ = send(frame)
			metrics.GenerationsTotal.WithLabelValues("practice", "cached").Inc()
			return nil
		}
	}

	if err := send(domain.NewProgressFrame(domain.ProgressGenerating, 50)); errors.Is(err, push.ErrGone) {
		return nil
	}

	material, err := p.generate(ctx, req, materialType)
	if err != nil {
		p.logger.Error("Practice material generation failed",
			"textbook_id", req.TextbookID,
			"topic", req.Topic,
			"material_type", materialType,
			"error", err,
		)
		_ = send(domain.NewProgressError(MsgPracticeFailed))
		metrics.GenerationsTotal.WithLabelValues("practice", "failed").Inc()
		return nil
	}

	p.cache.Add(key, material)
	frame := domain.NewProgressFrame(domain.ProgressComplete, 100)
	frame.Material = material
	_ = send(frame)
	metrics.GenerationsTotal.WithLabelValues("practice", "succeeded").Inc()
	return nil
}

func (p *PracticeMaterial) generate(ctx context.Context, req invoke.PracticeRequest, materialType string) (json.RawMessage, error) {
	sections, err := p.retriever.Retrieve(ctx, req.TextbookID, req.Topic)
	if err != nil {
		return nil, fmt.Errorf("retrieve sections: %w", err)
	}
	prompt, err := p.buildPrompt(req, materialType, snippets(sections, practiceSnippets, practiceSnippetLen))
	if err != nil {
		return nil, err
	}

	material, firstErr := p.attempt(ctx, prompt, req, materialType)
	if firstErr == nil {
		return material, nil
	}
	p.logger.Warn("First parse/validation failed, retrying", "error", firstErr)

	material, secondErr := p.attempt(ctx, prompt+p.prompts.Retry, req, materialType)
	if secondErr != nil {
		return nil, fmt.Errorf("first attempt: %v; second attempt: %w", firstErr, secondErr)
	}
	return material, nil
}

func (p *PracticeMaterial) attempt(ctx context.Context, prompt string, req invoke.PracticeRequest, materialType string) (json.RawMessage, error) {
	out, err := p.gen.Complete(ctx, []Message{{Role: RoleUser, Content: prompt}}, true)
	if err != nil {
		return nil, err
	}
	raw, err := extractJSON(out)
	if err != nil {
		return nil, err
	}

	switch materialType {
	case MaterialFlashcard:
		err = validateFlashcards(raw, req.NumCards)
	case MaterialShortAnswer:
		err = validateShortAnswers(raw, req.NumQuestions)
	default:
		err = validateMCQ(raw, req.NumQuestions, req.NumOptions)
	}
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (p *PracticeMaterial) buildPrompt(req invoke.PracticeRequest, materialType string, snips []string) (string, error) {
	data := struct {
		invoke.PracticeRequest
		Snippets     []string
		OptionIDs    string
		CardGuidance string
	}{
		PracticeRequest: req,
		Snippets:        snips,
		OptionIDs:       strings.Join(optionIDs(req.NumOptions), ", "),
		CardGuidance:    cardGuidance[req.CardType],
	}
	if data.CardGuidance == "" {
		data.CardGuidance = "key information"
	}

	switch materialType {
	case MaterialFlashcard:
		return render("flashcard", p.prompts.Flashcard, data)
	case MaterialShortAnswer:
		return render("short_answer", p.prompts.ShortAnswer, data)
	default:
		return render("mcq", p.prompts.MCQ, data)
	}
}

func cacheKey(req invoke.PracticeRequest, materialType string) string {
	return strings.Join([]string{
		req.TextbookID,
		strings.ToLower(req.Topic),
		materialType,
		req.Difficulty,
		fmt.Sprint(req.NumQuestions, "/", req.NumOptions, "/", req.NumCards),
		req.CardType,
	}, "|")
}

func optionIDs(n int) []string {
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, string(rune('a'+i)))
	}
	return ids
}
