package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/textbook-companion/internal/domain"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer scripts the gateway channel and the REST endpoints.
type fakeServer struct {
	t      *testing.T
	server *httptest.Server

	mu          sync.Mutex
	received    []domain.ActionFrame
	authHeaders []string
	fallbacks   int
	forks       []string

	connects atomic.Int32
	// onFrame replies to one inbound action frame.
	onFrame func(ctx context.Context, conn *websocket.Conn, f domain.ActionFrame)
	answer  FallbackAnswer
	history []domain.Interaction
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		t:       t,
		answer:  FallbackAnswer{Response: "Hello", Sources: []string{"p12"}, SessionName: "Greeting"},
		onFrame: replyScript(scriptedFrames()),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", fs.serveWS)
	mux.HandleFunc("POST /api/chat_sessions/{id}/text_generation", func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		fs.fallbacks++
		answer := fs.answer
		fs.mu.Unlock()
		writeJSON(w, http.StatusOK, answer)
	})
	mux.HandleFunc("GET /api/user_sessions/{uid}/chat_sessions/{id}/interactions", func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		history := fs.history
		fs.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]interface{}{"interactions": history})
	})
	mux.HandleFunc("POST /api/user_sessions/{uid}/chat_sessions/{id}/fork", func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		fs.forks = append(fs.forks, r.PathValue("id"))
		fs.mu.Unlock()
		writeJSON(w, http.StatusCreated, domain.Session{
			ID:            "fork-of-" + r.PathValue("id"),
			UserSessionID: r.PathValue("uid"),
			SharedFromID:  r.PathValue("id"),
			Name:          domain.DefaultSessionName,
		})
	})
	mux.HandleFunc("POST /api/user_sessions/{uid}/chat_sessions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, domain.Session{ID: "new-session", UserSessionID: r.PathValue("uid")})
	})

	fs.server = httptest.NewServer(mux)
	t.Cleanup(fs.server.Close)
	return fs
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func replyScript(frames []domain.StreamFrame) func(context.Context, *websocket.Conn, domain.ActionFrame) {
	return func(ctx context.Context, conn *websocket.Conn, _ domain.ActionFrame) {
		for _, f := range frames {
			b, _ := json.Marshal(f)
			if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
				return
			}
		}
	}
}

func (fs *fakeServer) serveWS(w http.ResponseWriter, r *http.Request) {
	fs.mu.Lock()
	fs.authHeaders = append(fs.authHeaders, r.Header.Get("Authorization"))
	fs.mu.Unlock()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()
	fs.connects.Add(1)

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var f domain.ActionFrame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		fs.mu.Lock()
		fs.received = append(fs.received, f)
		onFrame := fs.onFrame
		fs.mu.Unlock()
		onFrame(ctx, conn, f)
	}
}

func (fs *fakeServer) receivedFrames() []domain.ActionFrame {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]domain.ActionFrame(nil), fs.received...)
}

func (fs *fakeServer) fallbackCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.fallbacks
}

func newConsumer(t *testing.T, fs *fakeServer, mutate func(*Options)) *Consumer {
	t.Helper()
	opts := Options{
		ServerURL:        fs.server.URL,
		UserSessionID:    "u1",
		TextbookID:       "tb-1",
		Tokens:           StaticToken("tok-1"),
		ReconnectInitial: 10 * time.Millisecond,
		ReconnectMax:     40 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestConsumerStreamsOverChannel(t *testing.T) {
	fs := newFakeServer(t)
	var title atomic.Value
	c := newConsumer(t, fs, func(o *Options) {
		o.OnTitle = func(s string) { title.Store(s) }
	})
	fs.onFrame = replyScript([]domain.StreamFrame{
		{Type: domain.FrameStart},
		{Type: domain.FrameChunk, Content: "Hel"},
		{Type: domain.FrameChunk, Content: "lo"},
		{Type: domain.FrameComplete, Sources: []string{"p12"}, SessionName: "Greeting"},
	})

	require.NoError(t, c.Start(context.Background()))
	require.Equal(t, StateConnected, c.State())
	require.NoError(t, c.Open(context.Background(), "s-1"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := c.Ask(ctx, "explain X")
	require.NoError(t, err)

	assert.Equal(t, "Hello", msg.Text)
	assert.Equal(t, []string{"p12"}, msg.Citations)
	assert.True(t, msg.Sealed)
	assert.False(t, msg.Receiving)
	assert.Equal(t, "Greeting", title.Load())
	assert.Zero(t, fs.fallbackCount())

	frames := fs.receivedFrames()
	require.Len(t, frames, 1)
	assert.Equal(t, "generate_text", frames[0].Action)
	assert.Equal(t, "s-1", frames[0].ChatSessionID)
	assert.Equal(t, "tb-1", frames[0].TextbookID)
	assert.Equal(t, "explain X", frames[0].Query)
	assert.Equal(t, []string{"Bearer tok-1"}, fs.authHeaders)
}

func TestConsumerFallbackWhenDisconnected(t *testing.T) {
	fs := newFakeServer(t)

	streaming := newConsumer(t, fs, nil)
	require.NoError(t, streaming.Start(context.Background()))
	require.NoError(t, streaming.Open(context.Background(), "s-1"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	streamed, err := streaming.Ask(ctx, "q")
	require.NoError(t, err)

	offline := newConsumer(t, fs, nil)
	require.Equal(t, StateDisconnected, offline.State())
	require.NoError(t, offline.Open(context.Background(), "s-1"))
	assert.ErrorIs(t, offline.SendFrame(ctx, domain.ActionFrame{Action: "generate_text"}), ErrNotConnected)

	fallback, err := offline.Ask(ctx, "q")
	require.NoError(t, err)

	assert.Equal(t, 1, fs.fallbackCount())
	assertSameShape(t, streamed, fallback)
}

func TestConsumerFallbackFailure(t *testing.T) {
	fs := newFakeServer(t)
	c := newConsumer(t, fs, nil)
	require.NoError(t, c.Open(context.Background(), "s-1"))
	fs.server.Close()

	err := c.Send(context.Background(), "q")
	require.Error(t, err)

	msgs := c.Conversation().Messages()
	require.Len(t, msgs, 2)
	assert.True(t, msgs[1].Failed)
	assert.True(t, msgs[1].Sealed)
	assert.Equal(t, DefaultErrorText, msgs[1].Text)
}

func TestConsumerSendRequiresSession(t *testing.T) {
	fs := newFakeServer(t)
	c := newConsumer(t, fs, nil)
	assert.ErrorIs(t, c.Send(context.Background(), "q"), ErrNoSession)
	assert.Empty(t, c.Conversation().Messages())
}

func TestConsumerInflightFallsBackOnDrop(t *testing.T) {
	fs := newFakeServer(t)
	fs.onFrame = func(ctx context.Context, conn *websocket.Conn, _ domain.ActionFrame) {
		replyScript([]domain.StreamFrame{
			{Type: domain.FrameStart},
			{Type: domain.FrameChunk, Content: "Hel"},
		})(ctx, conn, domain.ActionFrame{})
		_ = conn.Close(websocket.StatusInternalError, "worker crashed")
	}
	c := newConsumer(t, fs, nil)
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Open(context.Background(), "s-1"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := c.Ask(ctx, "q")
	require.NoError(t, err)

	assert.Equal(t, "Hello", msg.Text)
	assert.Equal(t, []string{"p12"}, msg.Citations)
	assert.True(t, msg.Sealed)
	assert.Equal(t, 1, fs.fallbackCount())
}

func TestConsumerStaleSocketWriteFallsBackAndReconnects(t *testing.T) {
	fs := newFakeServer(t)

	var mu sync.Mutex
	var states []State
	c := newConsumer(t, fs, func(o *Options) {
		o.OnState = func(s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		}
	})
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Open(context.Background(), "s-1"))

	// A socket torn down without a close handshake still looks connected
	// until a write reaches it.
	dialCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stale, _, err := websocket.Dial(dialCtx, "ws"+fs.server.URL[len("http"):]+"/ws", nil)
	require.NoError(t, err)
	_ = stale.CloseNow()

	c.mu.Lock()
	live := c.conn
	c.conn = stale
	c.mu.Unlock()
	_ = live.CloseNow()
	require.Equal(t, StateConnected, c.State())
	connectsBefore := fs.connects.Load()

	ctx, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	msg, err := c.Ask(ctx, "explain X")
	require.NoError(t, err)

	assert.Equal(t, "Hello", msg.Text)
	assert.Equal(t, []string{"p12"}, msg.Citations)
	assert.True(t, msg.Sealed)
	assert.Equal(t, 1, fs.fallbackCount())
	assert.Empty(t, fs.receivedFrames())

	require.Eventually(t, func() bool {
		return fs.connects.Load() > connectsBefore && c.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, StateDisconnected)
}

func TestConsumerTurnFallsBackOnceWhenDropRacesWrite(t *testing.T) {
	fs := newFakeServer(t)
	fs.onFrame = func(context.Context, *websocket.Conn, domain.ActionFrame) {}
	c := newConsumer(t, fs, nil)
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Open(context.Background(), "s-1"))

	c.conv.BeginTurn("turn-1", "explain X")
	tr := &turn{chatSessionID: "s-1", query: "explain X"}
	c.mu.Lock()
	c.inflight = tr
	conn := c.conn
	c.mu.Unlock()

	// The read loop sees the drop first and takes the turn over.
	c.handleDisconnect(conn, io.EOF)
	_ = conn.CloseNow()
	assert.False(t, c.releaseInflight(tr), "writer must not fall back a second time")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := c.conv.WaitSealed(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Hello", msg.Text)
	assert.Equal(t, 1, fs.fallbackCount())

	fresh := &turn{chatSessionID: "s-1", query: "again"}
	c.mu.Lock()
	c.inflight = fresh
	c.mu.Unlock()
	assert.True(t, c.releaseInflight(fresh))
}

func TestConsumerReconnectsAfterUnexpectedClose(t *testing.T) {
	fs := newFakeServer(t)
	fs.onFrame = func(_ context.Context, conn *websocket.Conn, _ domain.ActionFrame) {
		_ = conn.Close(websocket.StatusGoingAway, "restart")
	}

	var mu sync.Mutex
	var states []State
	c := newConsumer(t, fs, func(o *Options) {
		o.OnState = func(s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		}
	})
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.SendFrame(context.Background(), domain.ActionFrame{Action: "warmup"}))

	require.Eventually(t, func() bool {
		return fs.connects.Load() >= 2 && c.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, StateDisconnected)
	assert.Equal(t, StateConnected, states[len(states)-1])
}

func TestConsumerStartWithoutServerKeepsRetrying(t *testing.T) {
	fs := newFakeServer(t)
	url := fs.server.URL
	fs.server.Close()

	c, err := New(Options{
		ServerURL:        url,
		Tokens:           StaticToken("tok"),
		ReconnectInitial: 5 * time.Millisecond,
		ReconnectMax:     10 * time.Millisecond,
	})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Start(context.Background()))
	assert.NotEqual(t, StateConnected, c.State())
	require.NoError(t, c.Close())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConsumerOpenSharedForksBeforeWriting(t *testing.T) {
	fs := newFakeServer(t)
	fs.history = history()
	c := newConsumer(t, fs, nil)

	fork, err := c.OpenShared(context.Background(), "shared-1")
	require.NoError(t, err)
	assert.Equal(t, "fork-of-shared-1", fork.ID)
	assert.Equal(t, "fork-of-shared-1", c.SessionID())
	assert.Equal(t, []string{"shared-1"}, fs.forks)
	assert.Len(t, c.Conversation().Messages(), 5)

	require.NoError(t, c.Send(context.Background(), "continue"))
	assert.Equal(t, 1, fs.fallbackCount())
}

func TestConsumerOpenReconcilesHistoryIdempotently(t *testing.T) {
	fs := newFakeServer(t)
	fs.history = history()
	c := newConsumer(t, fs, nil)

	require.NoError(t, c.Open(context.Background(), "s-1"))
	first := c.Conversation().Messages()
	require.NoError(t, c.Open(context.Background(), "s-1"))
	assert.Equal(t, first, c.Conversation().Messages())
}

func TestConsumerOpenNew(t *testing.T) {
	fs := newFakeServer(t)
	c := newConsumer(t, fs, nil)

	s, err := c.OpenNew(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new-session", s.ID)
	assert.Equal(t, "new-session", c.SessionID())
}

func TestConsumerProgressFrames(t *testing.T) {
	fs := newFakeServer(t)
	fs.onFrame = func(ctx context.Context, conn *websocket.Conn, _ domain.ActionFrame) {
		b, _ := json.Marshal(domain.NewProgressFrame(domain.ProgressInitializing, 10))
		_ = conn.Write(ctx, websocket.MessageText, b)
	}
	progress := make(chan domain.ProgressFrame, 1)
	c := newConsumer(t, fs, func(o *Options) {
		o.OnProgress = func(p domain.ProgressFrame) { progress <- p }
	})
	require.NoError(t, c.Start(context.Background()))

	require.NoError(t, c.RequestPractice(context.Background(), domain.ActionFrame{Topic: "cells"}))
	select {
	case p := <-progress:
		assert.Equal(t, domain.ProgressInitializing, p.Status)
		assert.Equal(t, 10, p.Progress)
	case <-time.After(2 * time.Second):
		t.Fatal("no progress frame")
	}

	frames := fs.receivedFrames()
	require.Len(t, frames, 1)
	assert.Equal(t, "generate_practice_material", frames[0].Action)
	assert.Equal(t, "tb-1", frames[0].TextbookID)
}

func TestTokenRefreshUsesRetryIntervalAfterFailure(t *testing.T) {
	fs := newFakeServer(t)

	var mu sync.Mutex
	var calls []time.Time
	tokens := TokenFunc(func(context.Context) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, time.Now())
		if len(calls) == 2 {
			return "", errors.New("auth service down")
		}
		return "tok", nil
	})

	c := newConsumer(t, fs, func(o *Options) {
		o.Tokens = tokens
		o.TokenTTL = 400 * time.Millisecond
		o.RefreshInterval = 200 * time.Millisecond
		o.RetryInterval = 10 * time.Millisecond
	})
	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) >= 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, calls[1].Sub(calls[0]), 200*time.Millisecond, "routine refresh waits the full interval")
	assert.Less(t, calls[2].Sub(calls[1]), 150*time.Millisecond, "failed refresh retries sooner")
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{ServerURL: "http://localhost", Tokens: StaticToken("t"), TokenTTL: time.Minute, RefreshInterval: time.Minute})
	assert.Error(t, err, "refresh must be shorter than validity")

	_, err = New(Options{ServerURL: "http://localhost", Tokens: StaticToken("t"), RefreshInterval: time.Minute, RetryInterval: time.Minute, TokenTTL: time.Hour})
	assert.Error(t, err, "retry must be shorter than refresh")

	_, err = New(Options{ServerURL: "ftp://localhost", Tokens: StaticToken("t")})
	assert.Error(t, err)

	_, err = New(Options{ServerURL: "http://localhost"})
	assert.Error(t, err)

	c, err := New(Options{ServerURL: "https://companion.example.org/base/", Tokens: StaticToken("t")})
	require.NoError(t, err)
	assert.Equal(t, "wss://companion.example.org/base/ws", c.wsURL)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, "disconnected", c.State().String())
}
