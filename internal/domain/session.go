// Package domain contains core domain types for the textbook companion.
package domain

import (
	"strings"
	"time"
)

// DefaultSessionName is the name a chat session carries until its first
// generation round completes.
const DefaultSessionName = "New chat"

// Sender roles recorded on interactions.
const (
	SenderRoleUser      = "User"
	SenderRoleAssistant = "AI"
)

// Session is one logical conversation about a textbook.
type Session struct {
	ID            string    `json:"id"`
	UserSessionID string    `json:"user_session_id"`
	TextbookID    string    `json:"textbook_id,omitempty"`
	Name          string    `json:"session_name"`
	SharedFromID  string    `json:"shared_from_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// HasDefaultName reports whether the session has not been renamed yet.
func (s *Session) HasDefaultName() bool {
	return s.Name == "" || s.Name == DefaultSessionName
}

// IsFork reports whether the session was copied from a shared session.
func (s *Session) IsFork() bool {
	return s.SharedFromID != ""
}

// Interaction is one persisted conversational turn. Interactions are
// immutable once written.
type Interaction struct {
	ID            string    `json:"id"`
	ChatSessionID string    `json:"chat_session_id"`
	SenderRole    string    `json:"sender_role"`
	QueryText     *string   `json:"query_text,omitempty"`
	ResponseText  *string   `json:"response_text,omitempty"`
	SourceChunks  []string  `json:"source_chunks,omitempty"`
	OrderIndex    int64     `json:"order_index"`
	CreatedAt     time.Time `json:"created_at"`
}

// HasQuery reports whether the interaction carries a non-empty user turn.
func (i *Interaction) HasQuery() bool {
	return i.QueryText != nil && *i.QueryText != ""
}

// HasResponse reports whether the interaction carries a non-empty assistant turn.
func (i *Interaction) HasResponse() bool {
	return i.ResponseText != nil && *i.ResponseText != ""
}

// TitleFromQuery derives a short session title from the first query of a
// conversation. It returns an empty string for blank input.
func TitleFromQuery(query string, maxWords int) string {
	words := strings.Fields(query)
	if len(words) == 0 {
		return ""
	}
	if maxWords <= 0 {
		maxWords = 6
	}
	truncated := len(words) > maxWords
	if truncated {
		words = words[:maxWords]
	}
	title := strings.Join(words, " ")
	title = strings.TrimRight(title, "?.!,;:")
	if truncated {
		title += "..."
	}
	return title
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// TokenWindow is the rolling period a daily token limit applies to.
const TokenWindow = 24 * time.Hour

// TokenUsage is the token consumption of a user session in its current window.
type TokenUsage struct {
	UserSessionID string    `json:"user_session_id"`
	TokensUsed    int       `json:"tokens_used"`
	WindowStart   time.Time `json:"window_start"`
}

// Expired reports whether the usage window has rolled over at now.
func (u TokenUsage) Expired(now time.Time) bool {
	return u.WindowStart.IsZero() || now.Sub(u.WindowStart) >= TokenWindow
}

// Used returns the tokens counted against the window at now.
func (u TokenUsage) Used(now time.Time) int {
	if u.Expired(now) {
		return 0
	}
	return u.TokensUsed
}

// ResetIn returns how long until the window rolls over.
func (u TokenUsage) ResetIn(now time.Time) time.Duration {
	if u.Expired(now) {
		return 0
	}
	return u.WindowStart.Add(TokenWindow).Sub(now)
}

// EstimateTokens approximates the model tokens in text from its word count.
func EstimateTokens(text string) int {
	return int(float64(len(strings.Fields(text))) * 1.3)
}
