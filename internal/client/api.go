package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/textbook-companion/internal/domain"
)

// FallbackAnswer is the synchronous text generation response.
type FallbackAnswer struct {
	Response    string   `json:"response"`
	Sources     []string `json:"sources,omitempty"`
	SessionName string   `json:"session_name,omitempty"`
}

// APIError is a non-2xx REST response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s", e.Status, e.Message)
}

// API is a client for the REST endpoints.
type API struct {
	baseURL string
	token   func() string
	http    *http.Client
}

// NewAPI creates a REST client rooted at baseURL (for example
// "https://host/api"). token supplies the current bearer token.
func NewAPI(baseURL string, token func() string, httpClient *http.Client) *API {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return &API{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

// TextGeneration runs the synchronous fallback for one query.
func (a *API) TextGeneration(ctx context.Context, chatSessionID, textbookID, query string) (*FallbackAnswer, error) {
	var out FallbackAnswer
	body := map[string]string{"textbook_id": textbookID, "query": query}
	if err := a.do(ctx, http.MethodPost, "/chat_sessions/"+url.PathEscape(chatSessionID)+"/text_generation", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Interactions returns the persisted history of a chat session.
func (a *API) Interactions(ctx context.Context, userSessionID, chatSessionID string) ([]domain.Interaction, error) {
	var out struct {
		Interactions []domain.Interaction `json:"interactions"`
	}
	if err := a.do(ctx, http.MethodGet, a.sessionPath(userSessionID, chatSessionID)+"/interactions", nil, &out); err != nil {
		return nil, err
	}
	return out.Interactions, nil
}

// CreateSession starts a new chat session.
func (a *API) CreateSession(ctx context.Context, userSessionID, textbookID string) (*domain.Session, error) {
	var out domain.Session
	body := map[string]string{"textbook_id": textbookID}
	if err := a.do(ctx, http.MethodPost, "/user_sessions/"+url.PathEscape(userSessionID)+"/chat_sessions", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Fork copies a shared chat session into a private one.
func (a *API) Fork(ctx context.Context, userSessionID, chatSessionID string) (*domain.Session, error) {
	var out domain.Session
	if err := a.do(ctx, http.MethodPost, a.sessionPath(userSessionID, chatSessionID)+"/fork", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) sessionPath(userSessionID, chatSessionID string) string {
	return "/user_sessions/" + url.PathEscape(userSessionID) + "/chat_sessions/" + url.PathEscape(chatSessionID)
}

func (a *API) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != nil {
		if tok := a.token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4<<10)).Decode(&e)
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
