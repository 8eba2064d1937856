// Package push delivers outbound frames to open client channels.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrGone is returned when the target connection is unknown or closed.
var ErrGone = errors.New("connection gone")

// Pusher sends one frame to one connection.
type Pusher interface {
	Push(ctx context.Context, connectionID string, frame any) error
}

// Encode marshals a frame. Byte slices and raw JSON are passed through.
func Encode(frame any) ([]byte, error) {
	switch v := frame.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// Resolver picks the Pusher for a push endpoint. Frames for the endpoint
// this process serves are written to the local hub directly; anything else
// goes over HTTP to the peer that owns the connection.
type Resolver struct {
	hub       *Hub
	localURLs map[string]bool
	pushKey   string

	mu     sync.Mutex
	remote map[string]*HTTPPusher
}

// NewResolver creates a Resolver. Endpoints listed in local are served by hub.
func NewResolver(hub *Hub, pushKey string, local ...string) *Resolver {
	r := &Resolver{
		hub:       hub,
		localURLs: make(map[string]bool, len(local)),
		pushKey:   pushKey,
		remote:    make(map[string]*HTTPPusher),
	}
	for _, u := range local {
		if u = normalizeEndpoint(u); u != "" {
			r.localURLs[u] = true
		}
	}
	return r
}

// For returns the Pusher responsible for endpoint. An empty endpoint is
// treated as local.
func (r *Resolver) For(endpoint string) Pusher {
	endpoint = normalizeEndpoint(endpoint)

	r.mu.Lock()
	defer r.mu.Unlock()
	if endpoint == "" || r.localURLs[endpoint] {
		return r.hub
	}
	p, ok := r.remote[endpoint]
	if !ok {
		p = NewHTTPPusher(endpoint, r.pushKey, nil)
		r.remote[endpoint] = p
	}
	return p
}

// MaxLocalEndpoints bounds how many endpoints AddLocal will record.
const MaxLocalEndpoints = 64

// AddLocal marks endpoint as served by this process. It reports false when
// the endpoint is empty or the local set is full.
func (r *Resolver) AddLocal(endpoint string) bool {
	endpoint = normalizeEndpoint(endpoint)
	if endpoint == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.localURLs[endpoint] {
		return true
	}
	if len(r.localURLs) >= MaxLocalEndpoints {
		return false
	}
	r.localURLs[endpoint] = true
	return true
}

// IsLocal reports whether endpoint is served by this process.
func (r *Resolver) IsLocal(endpoint string) bool {
	endpoint = normalizeEndpoint(endpoint)
	r.mu.Lock()
	defer r.mu.Unlock()
	return endpoint == "" || r.localURLs[endpoint]
}

func normalizeEndpoint(u string) string {
	return strings.TrimRight(strings.TrimSpace(u), "/")
}
