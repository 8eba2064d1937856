package push

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu       sync.Mutex
	frames   []string
	writeErr error
	closed   bool
}

func (c *fakeConn) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.frames = append(c.frames, string(p))
	return nil
}

func (c *fakeConn) Close(_ websocket.StatusCode, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) Frames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.frames...)
}

func TestHubPushDeliversJSON(t *testing.T) {
	hub := NewHub(time.Second, nil)
	conn := &fakeConn{}
	hub.Register("c1", conn)

	require.NoError(t, hub.Push(context.Background(), "c1", map[string]string{"type": "start"}))
	require.NoError(t, hub.Push(context.Background(), "c1", []byte(`{"type":"chunk","content":"hi"}`)))

	assert.Equal(t, []string{`{"type":"start"}`, `{"type":"chunk","content":"hi"}`}, conn.Frames())
}

func TestHubPushUnknownConnectionIsGone(t *testing.T) {
	hub := NewHub(time.Second, nil)
	err := hub.Push(context.Background(), "nobody", map[string]string{"type": "start"})
	assert.ErrorIs(t, err, ErrGone)
}

func TestHubPushWriteFailure(t *testing.T) {
	hub := NewHub(time.Second, nil)
	hub.Register("c1", &fakeConn{writeErr: errors.New("broken pipe")})

	err := hub.Push(context.Background(), "c1", map[string]string{"type": "start"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrGone)
}

func TestHubRegisterReplacesAndUnregisterIgnoresStale(t *testing.T) {
	hub := NewHub(time.Second, nil)
	old := &fakeConn{}
	fresh := &fakeConn{}

	hub.Register("c1", old)
	hub.Register("c1", fresh)
	assert.True(t, old.closed)
	require.NoError(t, hub.Push(context.Background(), "c1", map[string]string{"type": "start"}))
	assert.Empty(t, old.Frames())
	assert.Len(t, fresh.Frames(), 1)

	hub.Unregister("c1", old)
	assert.Equal(t, 1, hub.Count())

	hub.Unregister("c1", fresh)
	assert.ErrorIs(t, hub.Push(context.Background(), "c1", map[string]string{"type": "start"}), ErrGone)
	assert.Zero(t, hub.Count())
}

func TestHubConcurrentPushes(t *testing.T) {
	hub := NewHub(time.Second, nil)
	conn := &fakeConn{}
	hub.Register("c1", conn)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = hub.Push(context.Background(), "c1", map[string]string{"type": "chunk"})
		}()
	}
	wg.Wait()
	assert.Len(t, conn.Frames(), 50)
}

func TestHubClose(t *testing.T) {
	hub := NewHub(time.Second, nil)
	a, b := &fakeConn{}, &fakeConn{}
	hub.Register("a", a)
	hub.Register("b", b)

	hub.Close()
	assert.True(t, a.closed)
	assert.True(t, b.closed)
	assert.Zero(t, hub.Count())
}

func TestHTTPPusher(t *testing.T) {
	var gotPath, gotKey, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get(PushKeyHeader)
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		switch r.URL.Path {
		case "/prod/@connections/gone":
			w.WriteHeader(http.StatusGone)
		case "/prod/@connections/broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	p := NewHTTPPusher(srv.URL+"/prod/", "secret", srv.Client())

	require.NoError(t, p.Push(context.Background(), "abc=", map[string]string{"type": "start"}))
	assert.Equal(t, "/prod/@connections/abc=", gotPath)
	assert.Equal(t, "secret", gotKey)
	assert.Equal(t, `{"type":"start"}`, gotBody)

	assert.ErrorIs(t, p.Push(context.Background(), "gone", map[string]string{}), ErrGone)

	err := p.Push(context.Background(), "broken", map[string]string{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrGone)
}

func TestResolver(t *testing.T) {
	hub := NewHub(time.Second, nil)
	r := NewResolver(hub, "key", "https://chat.example.org/prod/")

	assert.Same(t, hub, r.For(""))
	assert.Same(t, hub, r.For("https://chat.example.org/prod"))

	remote := r.For("https://other.example.org/prod")
	hp, ok := remote.(*HTTPPusher)
	require.True(t, ok)
	assert.Equal(t, "https://other.example.org/prod", hp.Endpoint())
	assert.Same(t, remote, r.For("https://other.example.org/prod/"))

	assert.False(t, r.IsLocal("https://late.example.org/dev"))
	assert.True(t, r.AddLocal("https://late.example.org/dev"))
	assert.True(t, r.IsLocal("https://late.example.org/dev"))
	assert.Same(t, hub, r.For("https://late.example.org/dev"))
	assert.False(t, r.AddLocal("  "))
}

func TestResolverLocalSetIsBounded(t *testing.T) {
	r := NewResolver(NewHub(time.Second, nil), "key")

	for i := 0; i < MaxLocalEndpoints; i++ {
		require.True(t, r.AddLocal(fmt.Sprintf("https://host-%d.example.org/prod", i)))
	}
	assert.False(t, r.AddLocal("https://one-too-many.example.org/prod"))
	assert.False(t, r.IsLocal("https://one-too-many.example.org/prod"))
	assert.True(t, r.AddLocal("https://host-0.example.org/prod"), "known endpoints stay accepted")
}
