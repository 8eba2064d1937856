package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/textbook-companion/internal/auth"
	"github.com/ashureev/textbook-companion/internal/domain"
	"github.com/ashureev/textbook-companion/internal/schedule"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// State is the channel connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

var (
	// ErrNotConnected is returned when a frame is sent while the channel is
	// not connected.
	ErrNotConnected = errors.New("channel not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("consumer closed")
	// ErrNoSession is returned when sending before a chat session is open.
	ErrNoSession = errors.New("no chat session open")
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
	maxFrameSize = 1 << 20
)

// TokenSource supplies channel credentials.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

// Token implements TokenSource.
func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// Options configures a Consumer.
type Options struct {
	// ServerURL is the http(s) base URL of the server. The channel is
	// opened at {ServerURL}/ws and the REST API lives under {ServerURL}/api.
	ServerURL     string
	UserSessionID string
	TextbookID    string
	Tokens        TokenSource

	// TokenTTL is the validity window of issued tokens. RefreshInterval must
	// be strictly shorter; RetryInterval is used after a failed refresh.
	TokenTTL        time.Duration
	RefreshInterval time.Duration
	RetryInterval   time.Duration

	ReconnectInitial time.Duration
	ReconnectMax     time.Duration

	HTTPClient *http.Client
	OnTitle    func(string)
	OnUpdate   func(Message)
	OnState    func(State)
	OnProgress func(domain.ProgressFrame)
	Logger     *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.TokenTTL <= 0 {
		o.TokenTTL = auth.DefaultTokenTTL
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = o.TokenTTL * 3 / 4
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 30 * time.Second
	}
	if o.ReconnectInitial <= 0 {
		o.ReconnectInitial = 500 * time.Millisecond
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

func (o *Options) validate() error {
	if o.Tokens == nil {
		return fmt.Errorf("token source is required")
	}
	if o.RefreshInterval >= o.TokenTTL {
		return fmt.Errorf("refresh interval %v must be shorter than token validity %v", o.RefreshInterval, o.TokenTTL)
	}
	if o.RetryInterval >= o.RefreshInterval {
		return fmt.Errorf("refresh retry interval %v must be shorter than refresh interval %v", o.RetryInterval, o.RefreshInterval)
	}
	if o.ReconnectMax < o.ReconnectInitial {
		return fmt.Errorf("reconnect max delay must be >= initial delay")
	}
	return nil
}

type turn struct {
	chatSessionID string
	query         string
}

// Consumer keeps the streaming channel open and renders a Conversation.
type Consumer struct {
	opts   Options
	wsURL  string
	api    *API
	conv   *Conversation
	sched  *schedule.Scheduler
	logger *slog.Logger

	mu           sync.Mutex
	state        State
	conn         *websocket.Conn
	token        string
	closed       bool
	backoff      time.Duration
	reconnecting *schedule.Handle
	inflight     *turn

	// sessionMu is held for writing while the active session is switched;
	// sends wait until the switch completes.
	sessionMu sync.RWMutex
	sessionID string
}

// New creates a disconnected Consumer.
func New(opts Options) (*Consumer, error) {
	opts.applyDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	base, err := url.Parse(strings.TrimRight(opts.ServerURL, "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", opts.ServerURL)
	}
	ws := *base
	switch base.Scheme {
	case "https":
		ws.Scheme = "wss"
	case "http":
		ws.Scheme = "ws"
	default:
		return nil, fmt.Errorf("unsupported server url scheme %q", base.Scheme)
	}
	ws.Path = base.Path + "/ws"

	c := &Consumer{
		opts:    opts,
		wsURL:   ws.String(),
		conv:    NewConversation(opts.OnTitle, opts.OnUpdate),
		sched:   schedule.New(context.Background()),
		logger:  opts.Logger,
		backoff: opts.ReconnectInitial,
	}
	c.api = NewAPI(base.String()+"/api", c.currentToken, opts.HTTPClient)
	return c, nil
}

// Conversation returns the rendered message list.
func (c *Consumer) Conversation() *Conversation {
	return c.conv
}

// API returns the REST client used for history and fallback.
func (c *Consumer) API() *API {
	return c.api
}

// State returns the current channel state.
func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the active chat session.
func (c *Consumer) SessionID() string {
	c.sessionMu.RLock()
	defer c.sessionMu.RUnlock()
	return c.sessionID
}

// Start fetches the first token, schedules refreshes and opens the channel.
// A failed dial is not fatal: the consumer keeps reconnecting in the
// background and sends use the HTTP fallback meanwhile.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.refreshToken(ctx); err != nil {
		return err
	}
	c.scheduleRefresh(c.opts.RefreshInterval)

	if err := c.connect(ctx); err != nil {
		if errors.Is(err, ErrClosed) {
			return err
		}
		c.logger.Warn("Channel connect failed, will retry", "error", err)
		c.scheduleReconnect()
	}
	return nil
}

// Close stops background tasks and closes the channel.
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	c.sched.Stop()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	return nil
}

// Open switches to an existing chat session and loads its history.
func (c *Consumer) Open(ctx context.Context, chatSessionID string) error {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	history, err := c.api.Interactions(ctx, c.opts.UserSessionID, chatSessionID)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	c.conv.ReconcileInteractions(history)
	c.sessionID = chatSessionID
	c.clearInflight()
	return nil
}

// OpenNew creates a chat session and switches to it.
func (c *Consumer) OpenNew(ctx context.Context) (*domain.Session, error) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	session, err := c.api.CreateSession(ctx, c.opts.UserSessionID, c.opts.TextbookID)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	c.conv.ReconcileInteractions(nil)
	c.sessionID = session.ID
	c.clearInflight()
	return session, nil
}

// OpenShared shows a shared session read-only and then continues in a
// private fork. No send is accepted until the fork is the active session.
func (c *Consumer) OpenShared(ctx context.Context, sharedID string) (*domain.Session, error) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	history, err := c.api.Interactions(ctx, c.opts.UserSessionID, sharedID)
	if err != nil {
		return nil, fmt.Errorf("load shared history: %w", err)
	}
	c.conv.ReconcileInteractions(history)
	c.sessionID = ""

	fork, err := c.api.Fork(ctx, c.opts.UserSessionID, sharedID)
	if err != nil {
		return nil, fmt.Errorf("fork shared session: %w", err)
	}
	c.sessionID = fork.ID
	c.clearInflight()

	c.logger.Info("Continuing shared session in fork", "shared_id", sharedID, "chat_session_id", fork.ID)
	return fork, nil
}

// Send starts a new turn with query. It streams when the channel is
// connected and otherwise answers through the synchronous endpoint; in both
// cases the pending message ends sealed in the same shape.
func (c *Consumer) Send(ctx context.Context, query string) error {
	c.sessionMu.RLock()
	sid := c.sessionID
	c.sessionMu.RUnlock()
	if sid == "" {
		return ErrNoSession
	}

	c.conv.BeginTurn(uuid.NewString(), query)

	frame := domain.ActionFrame{
		Action:        domain.ActionGenerateText.String(),
		TextbookID:    c.opts.TextbookID,
		Query:         query,
		ChatSessionID: sid,
	}
	t := &turn{chatSessionID: sid, query: query}
	c.mu.Lock()
	c.inflight = t
	c.mu.Unlock()

	err := c.SendFrame(ctx, frame)
	if err == nil {
		return nil
	}
	// A disconnect that raced the write may already be re-running the turn.
	if !c.releaseInflight(t) {
		c.logger.Debug("Turn taken over by disconnect fallback", "error", err)
		return nil
	}
	if !errors.Is(err, ErrNotConnected) {
		c.logger.Warn("Channel write failed, using HTTP fallback", "error", err)
	}
	return c.fallback(ctx, sid, query)
}

// releaseInflight clears t if it is still the in-flight turn and reports
// whether the caller now owns it.
func (c *Consumer) releaseInflight(t *turn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight != t {
		return false
	}
	c.inflight = nil
	return true
}

// Ask sends query and waits for the answer to be sealed.
func (c *Consumer) Ask(ctx context.Context, query string) (Message, error) {
	if err := c.Send(ctx, query); err != nil {
		return Message{}, err
	}
	return c.conv.WaitSealed(ctx)
}

// RequestPractice asks for practice material over the channel. Progress is
// reported through Options.OnProgress. There is no HTTP fallback.
func (c *Consumer) RequestPractice(ctx context.Context, frame domain.ActionFrame) error {
	frame.Action = domain.ActionGeneratePracticeMaterial.String()
	if frame.TextbookID == "" {
		frame.TextbookID = c.opts.TextbookID
	}
	return c.SendFrame(ctx, frame)
}

// SendFrame writes one action frame. It fails with ErrNotConnected unless
// the channel is connected. A write failure on an apparently connected
// channel closes it and schedules a reconnect.
func (c *Consumer) SendFrame(ctx context.Context, frame domain.ActionFrame) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if state != StateConnected || conn == nil {
		return ErrNotConnected
	}

	b, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, b); err != nil {
		c.requestReconnect(conn)
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *Consumer) fallback(ctx context.Context, chatSessionID, query string) error {
	answer, err := c.api.TextGeneration(ctx, chatSessionID, c.opts.TextbookID, query)
	if err != nil {
		text := DefaultErrorText
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Message != "" {
			text = apiErr.Message
		}
		c.conv.Fail(text)
		return fmt.Errorf("fallback generation: %w", err)
	}
	c.conv.Resolve(answer.Response, answer.Sources, answer.SessionName)
	return nil
}

func (c *Consumer) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	token := c.token
	c.mu.Unlock()
	c.emitState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, c.wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + token}},
	})
	if err != nil {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return ErrClosed
		}
		c.state = StateError
		c.mu.Unlock()
		c.emitState(StateError)
		return fmt.Errorf("dial channel: %w", err)
	}
	conn.SetReadLimit(maxFrameSize)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.CloseNow()
		return ErrClosed
	}
	c.conn = conn
	c.state = StateConnected
	c.backoff = c.opts.ReconnectInitial
	c.mu.Unlock()
	c.emitState(StateConnected)

	c.logger.Info("Channel connected", "url", c.wsURL)
	go c.readLoop(conn)
	return nil
}

func (c *Consumer) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		c.handleFrame(data)
	}
}

func (c *Consumer) handleFrame(data []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		c.logger.Debug("Ignoring malformed frame", "error", err)
		return
	}

	if head.Type == domain.FramePracticeProgress {
		var p domain.ProgressFrame
		if err := json.Unmarshal(data, &p); err != nil {
			c.logger.Debug("Ignoring malformed progress frame", "error", err)
			return
		}
		if c.opts.OnProgress != nil {
			c.opts.OnProgress(p)
		}
		return
	}

	var f domain.StreamFrame
	if err := json.Unmarshal(data, &f); err != nil {
		c.logger.Debug("Ignoring malformed stream frame", "error", err)
		return
	}
	if !c.conv.Apply(f) {
		c.logger.Debug("Dropped frame with no pending message", "type", f.Type)
		return
	}
	if f.Type == domain.FrameComplete || f.Type == domain.FrameError {
		c.clearInflight()
	}
}

// handleDisconnect runs when the read loop of conn ends. A close the
// consumer did not ask for triggers a reconnect, and a generation that was
// still streaming is re-run through the HTTP fallback.
func (c *Consumer) handleDisconnect(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn || c.closed {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateDisconnected
	inflight := c.inflight
	c.inflight = nil
	c.mu.Unlock()
	c.emitState(StateDisconnected)

	c.logger.Warn("Channel closed unexpectedly",
		"status", websocket.CloseStatus(err),
		"error", err,
	)

	if inflight != nil {
		if _, pending := c.conv.Pending(); pending {
			go func() {
				if err := c.fallback(context.Background(), inflight.chatSessionID, inflight.query); err != nil {
					c.logger.Error("In-flight fallback failed", "error", err)
				}
			}()
		}
	}
	c.scheduleReconnect()
}

func (c *Consumer) requestReconnect(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()
	c.emitState(StateDisconnected)

	_ = conn.CloseNow()
	c.scheduleReconnect()
}

func (c *Consumer) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.reconnecting != nil {
		return
	}

	delay := c.backoff
	c.backoff *= 2
	if c.backoff > c.opts.ReconnectMax {
		c.backoff = c.opts.ReconnectMax
	}

	c.logger.Info("Scheduling channel reconnect", "delay", delay)
	c.reconnecting = c.sched.After(delay, func(ctx context.Context) {
		c.mu.Lock()
		c.reconnecting = nil
		c.mu.Unlock()

		if err := c.connect(ctx); err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return
			}
			c.logger.Warn("Reconnect failed", "error", err)
			c.scheduleReconnect()
		}
	})
}

func (c *Consumer) refreshToken(ctx context.Context) error {
	tok, err := c.opts.Tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("refresh token: %w", err)
	}
	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()
	return nil
}

// scheduleRefresh refreshes the token after d. A failed refresh is retried
// on the shorter retry interval; success returns to the routine interval.
func (c *Consumer) scheduleRefresh(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.sched.After(d, func(ctx context.Context) {
		if err := c.refreshToken(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("Token refresh failed", "retry_in", c.opts.RetryInterval, "error", err)
			c.scheduleRefresh(c.opts.RetryInterval)
			return
		}
		c.scheduleRefresh(c.opts.RefreshInterval)
	})
}

func (c *Consumer) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Consumer) clearInflight() {
	c.mu.Lock()
	c.inflight = nil
	c.mu.Unlock()
}

func (c *Consumer) emitState(s State) {
	if c.opts.OnState != nil {
		c.opts.OnState(s)
	}
}
