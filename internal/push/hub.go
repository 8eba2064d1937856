package push

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/textbook-companion/internal/metrics"
	"github.com/coder/websocket"
)

// Conn is the subset of *websocket.Conn the hub writes through.
type Conn interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

type entry struct {
	conn Conn
	// writeMu serialises frames so concurrent workers never interleave writes.
	writeMu sync.Mutex
}

// Hub tracks the WebSocket connections open on this instance, keyed by
// connection ID, and pushes frames to them.
type Hub struct {
	mu           sync.RWMutex
	active       map[string]*entry
	writeTimeout time.Duration
	logger       *slog.Logger
}

// NewHub creates a new hub. writeTimeout bounds each frame write.
func NewHub(writeTimeout time.Duration, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Hub{
		active:       make(map[string]*entry),
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

// Register adds a connection. An existing connection with the same ID is
// closed and replaced.
func (h *Hub) Register(connectionID string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.active[connectionID]; ok && existing.conn != conn {
		_ = existing.conn.Close(websocket.StatusNormalClosure, "connection replaced")
	}
	h.active[connectionID] = &entry{conn: conn}
	metrics.ConnectionsActive.Set(float64(len(h.active)))
	h.logger.Info("Connection registered", "connection_id", connectionID)
}

// Unregister removes a connection if it is still the one registered.
func (h *Hub) Unregister(connectionID string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if current, ok := h.active[connectionID]; ok && current.conn == conn {
		delete(h.active, connectionID)
		metrics.ConnectionsActive.Set(float64(len(h.active)))
		h.logger.Info("Connection unregistered", "connection_id", connectionID)
	}
}

// Count returns the number of open connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active)
}

// Push writes one frame to a connection.
func (h *Hub) Push(ctx context.Context, connectionID string, frame any) error {
	data, err := Encode(frame)
	if err != nil {
		return err
	}

	h.mu.RLock()
	e, ok := h.active[connectionID]
	h.mu.RUnlock()
	if !ok {
		metrics.PushesTotal.WithLabelValues("local", "gone").Inc()
		return fmt.Errorf("%w: %s", ErrGone, connectionID)
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	writeCtx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	if err := e.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		metrics.PushesTotal.WithLabelValues("local", "failed").Inc()
		h.logger.Warn("Failed to push frame", "connection_id", connectionID, "error", err)
		return fmt.Errorf("write frame: %w", err)
	}
	metrics.PushesTotal.WithLabelValues("local", "delivered").Inc()
	return nil
}

// Close terminates every open connection.
func (h *Hub) Close() {
	h.mu.Lock()
	active := h.active
	h.active = make(map[string]*entry)
	h.mu.Unlock()
	metrics.ConnectionsActive.Set(0)

	for id, e := range active {
		_ = e.conn.Close(websocket.StatusGoingAway, "server shutting down")
		h.logger.Info("Connection closed", "connection_id", id)
	}
}
