// Package gateway terminates client push channels over WebSocket: it
// authorizes the open request, registers the connection, and feeds each
// inbound frame to the router.
package gateway

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/textbook-companion/internal/auth"
	"github.com/ashureev/textbook-companion/internal/domain"
	"github.com/ashureev/textbook-companion/internal/metrics"
	"github.com/ashureev/textbook-companion/internal/push"
	"github.com/ashureev/textbook-companion/internal/router"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const maxOpenBodyBytes = 4 << 10

// Authorizer decides whether a channel may be opened.
type Authorizer interface {
	Authorize(ctx context.Context, req auth.OpenRequest) auth.Decision
}

// FrameRouter handles one inbound frame.
type FrameRouter interface {
	Route(ctx context.Context, rc router.RequestContext, body []byte) router.Result
}

// LocalEndpoints records push endpoints served by this process.
type LocalEndpoints interface {
	AddLocal(endpoint string) bool
}

// Options configures the gateway.
type Options struct {
	Stage string
	// PushBaseURL overrides the endpoint derived from the request host.
	PushBaseURL     string
	AllowedOrigins  []string
	FramesPerSecond float64
	FrameBurst      int
	MaxFrameBytes   int64
}

// Handler serves the WebSocket channel.
type Handler struct {
	authz  Authorizer
	hub    *push.Hub
	router FrameRouter
	local  LocalEndpoints
	opts   Options
	logger *slog.Logger
}

// NewHandler creates a new channel handler.
func NewHandler(authz Authorizer, hub *push.Hub, r FrameRouter, local LocalEndpoints, opts Options, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.FramesPerSecond <= 0 {
		opts.FramesPerSecond = 5
	}
	if opts.FrameBurst <= 0 {
		opts.FrameBurst = 10
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = 64 << 10
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	if opts.PushBaseURL != "" && local != nil {
		local.AddLocal(opts.PushBaseURL)
	}
	return &Handler{
		authz:  authz,
		hub:    hub,
		router: r,
		local:  local,
		opts:   opts,
		logger: logger,
	}
}

// ServeHTTP implements http.Handler for the channel upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn := &domain.Connection{
		ID:               uuid.NewString(),
		DomainName:       r.Host,
		Stage:            h.opts.Stage,
		ConnectedAt:      time.Now().UTC(),
		EndpointOverride: h.opts.PushBaseURL,
	}
	h.logger.Info("Channel open request", "connection_id", conn.ID, "ip", r.RemoteAddr)

	var body []byte
	if r.Body != nil {
		body, _ = io.ReadAll(io.LimitReader(r.Body, maxOpenBodyBytes))
	}
	decision := h.authz.Authorize(r.Context(), auth.OpenRequest{
		ConnectionID: conn.ID,
		Header:       r.Header,
		Query:        r.URL.Query(),
		Body:         body,
	})
	if !decision.Allowed {
		metrics.ConnectionsTotal.WithLabelValues("rejected").Inc()
		w.WriteHeader(decision.Status)
		return
	}
	if decision.Claims != nil {
		conn.Subject = decision.Claims.Subject
		conn.Role = decision.Claims.Role
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.opts.AllowedOrigins,
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "connection_id", conn.ID)
		return
	}
	metrics.ConnectionsTotal.WithLabelValues("accepted").Inc()
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "channel closed"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "connection_id", conn.ID)
		}
	}()
	ws.SetReadLimit(h.opts.MaxFrameBytes)

	// Host-derived endpoints are client supplied. Once the local set is full
	// they are dropped and frames go through the hub.
	endpoint := conn.Endpoint()
	if h.opts.PushBaseURL == "" && h.local != nil && !h.local.AddLocal(endpoint) {
		h.logger.Warn("Local endpoint not recorded, pushing through hub",
			"connection_id", conn.ID,
			"endpoint", endpoint,
		)
		endpoint = ""
	}

	h.hub.Register(conn.ID, ws)
	defer h.hub.Unregister(conn.ID, ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	rc := router.RequestContext{
		ConnectionID: conn.ID,
		DomainName:   conn.DomainName,
		Stage:        conn.Stage,
		Endpoint:     endpoint,
	}
	h.readLoop(ctx, ws, rc)

	h.logger.Info("Channel closed",
		"connection_id", conn.ID,
		"sub", conn.Subject,
		"duration", time.Since(conn.ConnectedAt).Round(time.Millisecond),
	)
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, rc router.RequestContext) {
	limiter := rate.NewLimiter(rate.Limit(h.opts.FramesPerSecond), h.opts.FrameBurst)

	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusMessageTooBig:
				metrics.FramesDroppedTotal.WithLabelValues("too_large").Inc()
				h.logger.Warn("Inbound frame too large", "connection_id", rc.ConnectionID, "limit", h.opts.MaxFrameBytes)
			case -1:
				if ctx.Err() == nil {
					h.logger.Warn("WebSocket read error", "error", err, "connection_id", rc.ConnectionID)
				}
			default:
				h.logger.Debug("WebSocket closed by client", "connection_id", rc.ConnectionID)
			}
			return
		}

		if !limiter.Allow() {
			metrics.FramesDroppedTotal.WithLabelValues("rate_limited").Inc()
			h.logger.Warn("Inbound frame rate limited", "connection_id", rc.ConnectionID)
			frame := domain.StreamFrame{Type: domain.FrameError, Message: "Too many requests, please slow down"}
			if err := h.hub.Push(ctx, rc.ConnectionID, frame); err != nil {
				h.logger.Debug("Failed to send rate limit frame", "error", err)
			}
			continue
		}

		res := h.router.Route(ctx, rc, message)
		h.logger.Debug("Frame routed", "connection_id", rc.ConnectionID, "status", res.StatusCode)
	}
}
