package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidFields is returned by DecodeActionFrame when the action is
// readable but another field has the wrong JSON type.
var ErrInvalidFields = errors.New("invalid frame fields")

// ActionKind is the closed set of inbound actions the router understands.
type ActionKind int

const (
	// ActionUnknown covers missing, malformed, and unrecognised actions.
	ActionUnknown ActionKind = iota
	ActionGenerateText
	ActionGeneratePracticeMaterial
	ActionWarmup
)

var actionNames = map[string]ActionKind{
	"generate_text":              ActionGenerateText,
	"generate_practice_material": ActionGeneratePracticeMaterial,
	"warmup":                     ActionWarmup,
}

// ParseAction maps a wire discriminator to an ActionKind.
func ParseAction(s string) ActionKind {
	if k, ok := actionNames[s]; ok {
		return k
	}
	return ActionUnknown
}

// String returns the wire name of the action.
func (k ActionKind) String() string {
	for name, kind := range actionNames {
		if kind == k {
			return name
		}
	}
	return "unknown"
}

// ActionFrame is an inbound frame sent by the client over the channel.
type ActionFrame struct {
	Action        string `json:"action"`
	TextbookID    string `json:"textbook_id,omitempty"`
	Query         string `json:"query,omitempty"`
	ChatSessionID string `json:"chat_session_id,omitempty"`

	// Practice material fields.
	Topic        string   `json:"topic,omitempty"`
	MaterialType string   `json:"material_type,omitempty"`
	Difficulty   string   `json:"difficulty,omitempty"`
	NumQuestions FlexInt  `json:"num_questions,omitempty"`
	NumOptions   FlexInt  `json:"num_options,omitempty"`
	NumCards     FlexInt  `json:"num_cards,omitempty"`
	CardType     string   `json:"card_type,omitempty"`
	ForceRefresh FlexBool `json:"force_refresh,omitempty"`
}

// FlexInt decodes a JSON number or a numeric string. Fractions are
// truncated toward zero.
type FlexInt int

// UnmarshalJSON implements json.Unmarshaler.
func (n *FlexInt) UnmarshalJSON(b []byte) error {
	s, ok, err := scalarText(b)
	if err != nil || !ok {
		return err
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > math.MaxInt32 {
		return fmt.Errorf("not an integer: %s", b)
	}
	*n = FlexInt(int(f))
	return nil
}

// FlexBool decodes a JSON boolean, a number, or a boolean string such as
// "true" or "0".
type FlexBool bool

// UnmarshalJSON implements json.Unmarshaler.
func (v *FlexBool) UnmarshalJSON(b []byte) error {
	s, ok, err := scalarText(b)
	if err != nil || !ok {
		return err
	}
	parsed, err := strconv.ParseBool(strings.ToLower(s))
	if err != nil {
		return fmt.Errorf("not a boolean: %s", b)
	}
	*v = FlexBool(parsed)
	return nil
}

// scalarText returns the trimmed text of a JSON scalar, unquoting strings.
// ok is false for null and empty strings, which leave the target unset.
func scalarText(b []byte) (string, bool, error) {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return "", false, nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return "", false, err
		}
		s = strings.TrimSpace(s)
		return s, s != "", nil
	}
	if len(b) > 0 && (b[0] == '{' || b[0] == '[') {
		return "", false, fmt.Errorf("not a scalar: %s", b)
	}
	return string(b), true, nil
}

// Kind returns the parsed action discriminator.
func (f *ActionFrame) Kind() ActionKind {
	return ParseAction(strings.TrimSpace(f.Action))
}

// DecodeActionFrame parses a raw frame body. When the body or its action is
// unreadable the returned frame is empty. When only other fields are
// mistyped the frame carries the action and the error wraps
// ErrInvalidFields.
func DecodeActionFrame(body []byte) (ActionFrame, error) {
	var head struct {
		Action json.RawMessage `json:"action"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return ActionFrame{}, err
	}
	var action string
	if len(head.Action) > 0 {
		if err := json.Unmarshal(head.Action, &action); err != nil {
			return ActionFrame{}, fmt.Errorf("decode action: %w", err)
		}
	}

	var f ActionFrame
	if err := json.Unmarshal(body, &f); err != nil {
		return ActionFrame{Action: action}, fmt.Errorf("%w: %s", ErrInvalidFields, fieldName(err))
	}
	return f, nil
}

func fieldName(err error) string {
	var te *json.UnmarshalTypeError
	if errors.As(err, &te) && te.Field != "" {
		return te.Field
	}
	return err.Error()
}

// Outbound stream frame types.
const (
	FrameStart    = "start"
	FrameChunk    = "chunk"
	FrameComplete = "complete"
	FrameError    = "error"

	FramePracticeProgress = "practice_material_progress"
)

// Practice material progress statuses.
const (
	ProgressInitializing = "initializing"
	ProgressGenerating   = "generating"
	ProgressComplete     = "complete"
	ProgressError        = "error"
)

// StreamFrame is an outbound generation frame pushed to the client.
type StreamFrame struct {
	Type        string   `json:"type"`
	Content     string   `json:"content,omitempty"`
	Sources     []string `json:"sources,omitempty"`
	SessionName string   `json:"session_name,omitempty"`
	Message     string   `json:"message,omitempty"`
	ErrorCode   string   `json:"error_code,omitempty"`
	FromCache   bool     `json:"from_cache,omitempty"`
}

// ErrorCodeTokenLimit marks an error frame sent when a user session has
// spent its daily token allowance.
const ErrorCodeTokenLimit = "TOKEN_LIMIT_EXCEEDED"

// ProgressFrame is an outbound practice material progress frame.
type ProgressFrame struct {
	Type     string          `json:"type"`
	Status   string          `json:"status"`
	Progress int             `json:"progress"`
	Error    string          `json:"error,omitempty"`
	Material json.RawMessage `json:"material,omitempty"`
}

// NewProgressFrame builds a practice material progress frame.
func NewProgressFrame(status string, progress int) ProgressFrame {
	return ProgressFrame{Type: FramePracticeProgress, Status: status, Progress: progress}
}

// NewProgressError builds an error progress frame.
func NewProgressError(msg string) ProgressFrame {
	return ProgressFrame{Type: FramePracticeProgress, Status: ProgressError, Progress: 0, Error: msg}
}
