package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/textbook-companion/internal/domain"
	"github.com/ashureev/textbook-companion/internal/store"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// ErrTokenLimit marks a request refused because its user session has spent
// its daily token allowance.
var ErrTokenLimit = errors.New("daily token limit reached")

// TokenLimitError describes an exhausted allowance.
type TokenLimitError struct {
	Limit   int
	ResetIn time.Duration
}

func (e *TokenLimitError) Error() string {
	return message.NewPrinter(language.English).Sprintf(
		"You have reached your daily token limit of %d tokens. Your limit will reset in %.1f hours.",
		e.Limit, e.ResetIn.Hours(),
	)
}

// Unwrap lets errors.Is match ErrTokenLimit.
func (e *TokenLimitError) Unwrap() error { return ErrTokenLimit }

// TokenBudget enforces a per user session daily token limit. Usage is keyed
// by the user session that owns the chat session. Store failures never block
// a request.
type TokenBudget struct {
	repo   store.Repository
	limit  int
	now    func() time.Time
	logger *slog.Logger
}

// NewTokenBudget returns a budget of limit tokens per rolling day. A limit of
// zero or less disables enforcement.
func NewTokenBudget(repo store.Repository, limit int, logger *slog.Logger) *TokenBudget {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenBudget{repo: repo, limit: limit, now: time.Now, logger: logger}
}

// String reports the budget for startup logs.
func (b *TokenBudget) String() string {
	if b == nil || b.limit <= 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%d tokens/day", b.limit)
}

func (b *TokenBudget) enabled(chatSessionID string) bool {
	return b != nil && b.limit > 0 && chatSessionID != ""
}

func (b *TokenBudget) owner(ctx context.Context, chatSessionID string) (string, error) {
	session, err := b.repo.GetSession(ctx, chatSessionID)
	if err != nil {
		return "", err
	}
	return session.UserSessionID, nil
}

// Check returns a *TokenLimitError when the owner of chatSessionID has no
// tokens left in the current window.
func (b *TokenBudget) Check(ctx context.Context, chatSessionID string) error {
	if !b.enabled(chatSessionID) {
		return nil
	}
	uid, err := b.owner(ctx, chatSessionID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			b.logger.Warn("Token check skipped", "chat_session_id", chatSessionID, "error", err)
		}
		return nil
	}
	usage, err := b.repo.TokenUsage(ctx, uid)
	if err != nil {
		b.logger.Warn("Token check skipped", "user_session_id", uid, "error", err)
		return nil
	}
	now := b.now()
	if usage.Used(now) >= b.limit {
		return &TokenLimitError{Limit: b.limit, ResetIn: usage.ResetIn(now)}
	}
	return nil
}

// Record charges the estimated tokens of a query and its response to the
// owner of chatSessionID.
func (b *TokenBudget) Record(ctx context.Context, chatSessionID, query, response string) {
	if !b.enabled(chatSessionID) {
		return
	}
	uid, err := b.owner(ctx, chatSessionID)
	if err != nil {
		return
	}
	tokens := domain.EstimateTokens(query) + domain.EstimateTokens(response)
	usage, err := b.repo.AddTokenUsage(ctx, uid, tokens, b.now())
	if err != nil {
		b.logger.Warn("Failed to record token usage", "user_session_id", uid, "error", err)
		return
	}
	b.logger.Debug("Token usage recorded", "user_session_id", uid, "tokens", tokens, "window_total", usage.TokensUsed)
}

// Prune deletes usage windows that can no longer affect a check.
func (b *TokenBudget) Prune(ctx context.Context) (int64, error) {
	if b == nil {
		return 0, nil
	}
	return b.repo.PruneTokenUsage(ctx, b.now().Add(-2*domain.TokenWindow))
}

const (
	// minCachedAnswerLength skips short replies such as refusals.
	minCachedAnswerLength = 50
	answerCacheSize       = 1024
)

type cachedAnswer struct {
	response string
	sources  []string
}

// AnswerCache remembers well-grounded answers to frequent questions per
// textbook. Questions match after case, whitespace and trailing punctuation
// are normalised.
type AnswerCache struct {
	lru *expirable.LRU[string, cachedAnswer]
}

// NewAnswerCache returns a cache whose entries expire after ttl.
func NewAnswerCache(ttl time.Duration) *AnswerCache {
	return &AnswerCache{lru: expirable.NewLRU[string, cachedAnswer](answerCacheSize, nil, ttl)}
}

func answerKey(textbookID, query string) string {
	q := strings.Join(strings.Fields(strings.ToLower(query)), " ")
	q = strings.TrimRight(q, "?.!,;: ")
	return textbookID + "\x00" + q
}

// Get returns a cached answer for query, if any.
func (c *AnswerCache) Get(textbookID, query string) (*Answer, bool) {
	if c == nil {
		return nil, false
	}
	hit, ok := c.lru.Get(answerKey(textbookID, query))
	if !ok {
		return nil, false
	}
	return &Answer{Response: hit.response, Sources: append([]string(nil), hit.sources...), FromCache: true}, true
}

// Put stores answer when it is long enough and cites at least one source.
func (c *AnswerCache) Put(textbookID, query string, answer *Answer) bool {
	if c == nil || answer == nil {
		return false
	}
	if len(answer.Response) <= minCachedAnswerLength || len(answer.Sources) == 0 {
		return false
	}
	c.lru.Add(answerKey(textbookID, query), cachedAnswer{
		response: answer.Response,
		sources:  append([]string(nil), answer.Sources...),
	})
	return true
}
