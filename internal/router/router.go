// Package router interprets inbound channel frames and dispatches them to
// compute targets.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/ashureev/textbook-companion/internal/domain"
	"github.com/ashureev/textbook-companion/internal/invoke"
	"github.com/ashureev/textbook-companion/internal/metrics"
	"github.com/ashureev/textbook-companion/internal/push"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Generic user-visible failure text. Details stay in server logs.
const (
	msgInternalError = "Internal server error"
	msgRequestFailed = "Sorry, there was an error processing your request"
)

// Practice material defaults and bounds.
const (
	defaultMaterialType = "mcq"
	defaultDifficulty   = "intermediate"
	defaultCardType     = "definition"
	defaultNumQuestions = 5
	defaultNumOptions   = 4
	defaultNumCards     = 10
)

// RequestContext carries the routing metadata of the connection a frame
// arrived on.
type RequestContext struct {
	ConnectionID string
	DomainName   string
	Stage        string
	// Endpoint is the push-channel base URL for this connection.
	Endpoint string
}

// Result is the status returned to the channel transport.
type Result struct {
	StatusCode int
	Body       string
}

// PusherResolver selects the Pusher for a push endpoint.
type PusherResolver interface {
	For(endpoint string) push.Pusher
}

// Functions names the downstream compute targets.
type Functions struct {
	TextGeneration   string
	PracticeMaterial string
}

// Router handles one inbound frame per call.
type Router struct {
	invoker   invoke.Invoker
	pushers   PusherResolver
	functions Functions
	logger    *slog.Logger
	newID     func() string
}

// New creates a Router.
func New(invoker invoke.Invoker, pushers PusherResolver, functions Functions, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		invoker:   invoker,
		pushers:   pushers,
		functions: functions,
		logger:    logger,
		newID:     uuid.NewString,
	}
}

// Route processes one frame. It never panics; every failure is turned into
// a status code.
func (r *Router) Route(ctx context.Context, rc RequestContext, body []byte) (result Result) {
	action := domain.ActionUnknown
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Panic while routing frame",
				"connection_id", rc.ConnectionID,
				"panic", fmt.Sprint(rec),
			)
			r.pushBestEffort(ctx, rc, domain.StreamFrame{Type: domain.FrameError, Message: msgInternalError})
			result = Result{StatusCode: http.StatusInternalServerError, Body: msgInternalError}
		}
		metrics.RoutedTotal.WithLabelValues(action.String(), strconv.Itoa(result.StatusCode)).Inc()
	}()

	frame, err := domain.DecodeActionFrame(body)
	if err != nil && !errors.Is(err, domain.ErrInvalidFields) {
		r.logger.Warn("Malformed frame", "connection_id", rc.ConnectionID, "error", err)
		return r.unknownAction(ctx, rc, "")
	}

	action = frame.Kind()
	if err != nil && action != domain.ActionUnknown && action != domain.ActionWarmup {
		return r.invalidFields(ctx, rc, action, err)
	}
	switch action {
	case domain.ActionGenerateText:
		return r.generateText(ctx, rc, frame)
	case domain.ActionGeneratePracticeMaterial:
		return r.generatePracticeMaterial(ctx, rc, frame)
	case domain.ActionWarmup:
		return r.warmup(ctx, rc)
	default:
		return r.unknownAction(ctx, rc, frame.Action)
	}
}

func (r *Router) generateText(ctx context.Context, rc RequestContext, frame domain.ActionFrame) Result {
	req := invoke.GenerationRequest{
		RequestID:     r.newID(),
		Action:        domain.ActionGenerateText.String(),
		TextbookID:    frame.TextbookID,
		Query:         frame.Query,
		ChatSessionID: frame.ChatSessionID,
		ConnectionID:  rc.ConnectionID,
		Endpoint:      rc.Endpoint,
		DomainName:    rc.DomainName,
		Stage:         rc.Stage,
	}

	if err := r.dispatch(ctx, r.functions.TextGeneration, req); err != nil {
		r.logger.Error("Failed to dispatch text generation",
			"connection_id", rc.ConnectionID,
			"chat_session_id", frame.ChatSessionID,
			"error", err,
		)
		r.pushBestEffort(ctx, rc, domain.StreamFrame{Type: domain.FrameError, Message: msgRequestFailed})
		return Result{StatusCode: http.StatusInternalServerError, Body: msgInternalError}
	}

	r.logger.Info("Text generation dispatched",
		"connection_id", rc.ConnectionID,
		"chat_session_id", frame.ChatSessionID,
		"request_id", req.RequestID,
	)
	return Result{StatusCode: http.StatusOK, Body: "Text generation started"}
}

func (r *Router) generatePracticeMaterial(ctx context.Context, rc RequestContext, frame domain.ActionFrame) Result {
	textbookID := strings.TrimSpace(frame.TextbookID)
	topic := strings.TrimSpace(frame.Topic)
	if textbookID == "" || topic == "" {
		r.logger.Warn("Practice material request missing required fields",
			"connection_id", rc.ConnectionID,
			"has_textbook_id", textbookID != "",
			"has_topic", topic != "",
		)
		r.pushBestEffort(ctx, rc, domain.NewProgressError("textbook_id and topic are required"))
		return Result{StatusCode: http.StatusBadRequest, Body: "textbook_id and topic are required"}
	}

	req := invoke.PracticeRequest{
		RequestID:    r.newID(),
		TextbookID:   textbookID,
		Topic:        topic,
		MaterialType: orDefault(frame.MaterialType, defaultMaterialType),
		Difficulty:   orDefault(frame.Difficulty, defaultDifficulty),
		NumQuestions: clamp(int(frame.NumQuestions), defaultNumQuestions, 1, 20),
		NumOptions:   clamp(int(frame.NumOptions), defaultNumOptions, 2, 6),
		NumCards:     clamp(int(frame.NumCards), defaultNumCards, 1, 50),
		CardType:     orDefault(frame.CardType, defaultCardType),
		ForceRefresh: bool(frame.ForceRefresh),
		ConnectionID: rc.ConnectionID,
		Endpoint:     rc.Endpoint,
		DomainName:   rc.DomainName,
		Stage:        rc.Stage,
	}

	// The worker may report progress as soon as it is dispatched.
	r.pushBestEffort(ctx, rc, domain.NewProgressFrame(domain.ProgressInitializing, 10))
	if err := r.dispatch(ctx, r.functions.PracticeMaterial, req); err != nil {
		r.logger.Error("Failed to dispatch practice material",
			"connection_id", rc.ConnectionID,
			"textbook_id", textbookID,
			"error", err,
		)
		r.pushBestEffort(ctx, rc, domain.NewProgressError(msgRequestFailed))
		return Result{StatusCode: http.StatusInternalServerError, Body: msgInternalError}
	}

	r.logger.Info("Practice material dispatched",
		"connection_id", rc.ConnectionID,
		"textbook_id", textbookID,
		"material_type", req.MaterialType,
		"request_id", req.RequestID,
	)
	return Result{StatusCode: http.StatusOK, Body: "Practice material generation started"}
}

// warmup invokes every configured target concurrently. A failure on one
// target never stops the others.
func (r *Router) warmup(ctx context.Context, rc RequestContext) Result {
	var g errgroup.Group
	for _, fn := range []string{r.functions.TextGeneration, r.functions.PracticeMaterial} {
		if fn == "" {
			continue
		}
		g.Go(func() error {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Warn("Warmup invocation panicked", "function", fn, "panic", fmt.Sprint(rec))
				}
			}()
			if err := r.invoker.InvokeAsync(ctx, fn, invoke.WarmupPayload); err != nil {
				r.logger.Warn("Warmup invocation failed", "function", fn, "error", err)
				return nil
			}
			r.logger.Debug("Warmup invocation sent", "function", fn)
			return nil
		})
	}
	_ = g.Wait()

	r.logger.Info("Warmup completed", "connection_id", rc.ConnectionID)
	return Result{StatusCode: http.StatusOK, Body: "Warmup completed"}
}

// invalidFields rejects a recognised action whose fields have the wrong
// types, reporting on the frame type the action's client listens for.
func (r *Router) invalidFields(ctx context.Context, rc RequestContext, action domain.ActionKind, err error) Result {
	r.logger.Warn("Frame has invalid fields",
		"connection_id", rc.ConnectionID,
		"action", action.String(),
		"error", err,
	)
	msg := "Invalid request: " + strings.TrimPrefix(err.Error(), domain.ErrInvalidFields.Error()+": ")
	if action == domain.ActionGeneratePracticeMaterial {
		r.pushBestEffort(ctx, rc, domain.NewProgressError(msg))
	} else {
		r.pushBestEffort(ctx, rc, domain.StreamFrame{Type: domain.FrameError, Message: msg})
	}
	return Result{StatusCode: http.StatusBadRequest, Body: msg}
}

func (r *Router) unknownAction(ctx context.Context, rc RequestContext, action string) Result {
	r.logger.Warn("Unknown action", "connection_id", rc.ConnectionID, "action", action)
	r.pushBestEffort(ctx, rc, domain.StreamFrame{Type: domain.FrameError, Message: "Unknown action: " + action})
	return Result{StatusCode: http.StatusBadRequest, Body: "Unknown action"}
}

func (r *Router) dispatch(ctx context.Context, function string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode invocation payload: %w", err)
	}
	if err := r.invoker.InvokeAsync(ctx, function, data); err != nil {
		return fmt.Errorf("invoke %s: %w", function, err)
	}
	return nil
}

// pushBestEffort sends a frame to the originating connection. Failures are
// logged and swallowed.
func (r *Router) pushBestEffort(ctx context.Context, rc RequestContext, frame any) {
	if r.pushers == nil || rc.ConnectionID == "" {
		return
	}
	if err := r.pushers.For(rc.Endpoint).Push(ctx, rc.ConnectionID, frame); err != nil {
		r.logger.Warn("Failed to send frame to connection",
			"connection_id", rc.ConnectionID,
			"error", err,
		)
	}
}

func orDefault(v, fallback string) string {
	if v = strings.TrimSpace(v); v == "" {
		return fallback
	}
	return v
}

func clamp(v, fallback, lo, hi int) int {
	if v == 0 {
		v = fallback
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
