package invoke

import (
	"encoding/json"
	"fmt"
)

// GenerationRequest is the payload handed to generation targets. RequestID
// is stable across redeliveries so targets can discard duplicates.
type GenerationRequest struct {
	RequestID     string `json:"request_id"`
	Action        string `json:"action"`
	TextbookID    string `json:"textbook_id"`
	Query         string `json:"query"`
	ChatSessionID string `json:"chat_session_id"`
	ConnectionID  string `json:"connection_id"`
	Endpoint      string `json:"endpoint"`
	DomainName    string `json:"domain_name,omitempty"`
	Stage         string `json:"stage,omitempty"`
}

// PracticeRequest is the payload handed to the practice material target.
type PracticeRequest struct {
	RequestID    string `json:"request_id"`
	TextbookID   string `json:"textbook_id"`
	Topic        string `json:"topic"`
	MaterialType string `json:"material_type"`
	Difficulty   string `json:"difficulty"`
	NumQuestions int    `json:"num_questions"`
	NumOptions   int    `json:"num_options"`
	NumCards     int    `json:"num_cards"`
	CardType     string `json:"card_type"`
	ForceRefresh bool   `json:"force_refresh"`
	ConnectionID string `json:"connection_id"`
	Endpoint     string `json:"endpoint"`
	DomainName   string `json:"domain_name,omitempty"`
	Stage        string `json:"stage,omitempty"`
}

// WarmupPayload is sent to every target to pre-initialise it.
var WarmupPayload = []byte(`{"warmup":true}`)

// IsWarmup reports whether payload is a warmup request.
func IsWarmup(payload []byte) bool {
	var marker struct {
		Warmup bool `json:"warmup"`
	}
	if err := json.Unmarshal(payload, &marker); err != nil {
		return false
	}
	return marker.Warmup
}

// Decode unmarshals a payload into v.
func Decode(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode invocation payload: %w", err)
	}
	return nil
}
