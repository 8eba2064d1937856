package push

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/ashureev/textbook-companion/internal/metrics"
)

// PushKeyHeader carries the shared key that authenticates push ingress calls.
const PushKeyHeader = "X-Push-Key"

// HTTPPusher posts frames to a remote push-channel endpoint at
// {endpoint}/@connections/{connectionID}.
type HTTPPusher struct {
	endpoint string
	pushKey  string
	client   *http.Client
}

// NewHTTPPusher creates an HTTPPusher. A nil client uses a 10s timeout client.
func NewHTTPPusher(endpoint, pushKey string, client *http.Client) *HTTPPusher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPPusher{
		endpoint: normalizeEndpoint(endpoint),
		pushKey:  pushKey,
		client:   client,
	}
}

// Endpoint returns the base URL frames are posted to.
func (p *HTTPPusher) Endpoint() string {
	return p.endpoint
}

// Push posts one frame. A 410 response maps to ErrGone.
func (p *HTTPPusher) Push(ctx context.Context, connectionID string, frame any) error {
	data, err := Encode(frame)
	if err != nil {
		return err
	}

	target := p.endpoint + "/@connections/" + url.PathEscape(connectionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.pushKey != "" {
		req.Header.Set(PushKeyHeader, p.pushKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		metrics.PushesTotal.WithLabelValues("http", "failed").Inc()
		slog.Warn("Failed to push frame", "connection_id", connectionID, "endpoint", p.endpoint, "error", err)
		return fmt.Errorf("post frame: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusGone:
		metrics.PushesTotal.WithLabelValues("http", "gone").Inc()
		return fmt.Errorf("%w: %s", ErrGone, connectionID)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		metrics.PushesTotal.WithLabelValues("http", "failed").Inc()
		slog.Warn("Push endpoint rejected frame", "connection_id", connectionID, "status", resp.StatusCode)
		return fmt.Errorf("push endpoint returned status %d", resp.StatusCode)
	}
	metrics.PushesTotal.WithLabelValues("http", "delivered").Inc()
	return nil
}
