package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Chat roles accepted by a Generator.
const (
	RoleSystem    = openai.ChatMessageRoleSystem
	RoleUser      = openai.ChatMessageRoleUser
	RoleAssistant = openai.ChatMessageRoleAssistant
)

// Message is one chat turn sent to a Generator.
type Message struct {
	Role    string
	Content string
}

// Generator produces model output for a conversation.
type Generator interface {
	// Stream calls onToken for every generated fragment in order and
	// returns the full text. An error from onToken aborts the stream.
	Stream(ctx context.Context, messages []Message, onToken func(string) error) (string, error)
	// Complete returns the whole response in one call. jsonMode asks the
	// backend for a JSON object.
	Complete(ctx context.Context, messages []Message, jsonMode bool) (string, error)
}

// OpenAIGenerator is a Generator backed by an OpenAI-compatible API.
type OpenAIGenerator struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
}

// NewOpenAIGenerator creates a generator. baseURL may be empty to use the
// public endpoint.
func NewOpenAIGenerator(apiKey, baseURL, model string, temperature float32, maxTokens int) *OpenAIGenerator {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIGenerator{
		client:      openai.NewClientWithConfig(cfg),
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
	}
}

func (g *OpenAIGenerator) request(messages []Message) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return openai.ChatCompletionRequest{
		Model:       g.model,
		Messages:    msgs,
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
	}
}

// Stream implements Generator.
func (g *OpenAIGenerator) Stream(ctx context.Context, messages []Message, onToken func(string) error) (string, error) {
	req := g.request(messages)
	req.Stream = true

	stream, err := g.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return "", fmt.Errorf("start completion stream: %w", err)
	}
	defer stream.Close()

	var builder strings.Builder
	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return builder.String(), fmt.Errorf("receive completion stream: %w", err)
		}
		if len(response.Choices) == 0 {
			continue
		}
		chunk := response.Choices[0].Delta.Content
		if chunk == "" {
			continue
		}
		builder.WriteString(chunk)
		if err := onToken(chunk); err != nil {
			return builder.String(), err
		}
	}
	return builder.String(), nil
}

// Complete implements Generator.
func (g *OpenAIGenerator) Complete(ctx context.Context, messages []Message, jsonMode bool) (string, error) {
	req := g.request(messages)
	if jsonMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	resp, err := g.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("create completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
