// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	Stage       string
	// PushBaseURL overrides the push-channel endpoint handed to workers.
	// Empty means the endpoint is derived from the request host and stage.
	PushBaseURL string
	PushKey     string
	// SectionsFile is an optional YAML file of textbook sections loaded
	// into the store at startup.
	SectionsFile string

	Database  DatabaseConfig
	Auth      AuthConfig
	Functions FunctionConfig
	Invoke    InvokeConfig
	WebSocket WebSocketConfig
	LLM       LLMConfig
}

// DatabaseConfig selects the interaction store backend.
type DatabaseConfig struct {
	Driver string // "sqlite" or "postgres"
	DSN    string
}

// AuthConfig controls credential verification.
type AuthConfig struct {
	SecretID     string
	SecretSource string // "env" or "file"
}

// FunctionConfig names the downstream compute targets.
type FunctionConfig struct {
	TextGeneration   string
	PracticeMaterial string
}

// InvokeConfig tunes the in-process asynchronous invoker.
type InvokeConfig struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
}

// WebSocketConfig bounds inbound channel traffic.
type WebSocketConfig struct {
	FramesPerSecond float64
	FrameBurst      int
	MaxFrameBytes   int64
	WriteTimeout    time.Duration
}

// LLMConfig configures the generation backend used by workers.
type LLMConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	PromptsFile string
	// DailyTokenLimit caps the tokens one user session may consume per
	// rolling day. Zero means unlimited.
	DailyTokenLimit int
	AnswerCacheTTL  time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:         getEnv("PORT", "8080"),
		FrontendURL:  getEnv("FRONTEND_URL", ""),
		Stage:        getEnv("STAGE", "prod"),
		PushBaseURL:  getEnv("PUSH_BASE_URL", ""),
		PushKey:      getEnv("PUSH_KEY", ""),
		SectionsFile: getEnv("SECTIONS_FILE", ""),
		Database: DatabaseConfig{
			Driver: strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
			DSN:    getEnv("DB_DSN", "./data/companion.db"),
		},
		Auth: AuthConfig{
			SecretID:     getEnv("JWT_SECRET_ID", "JWT_SECRET"),
			SecretSource: strings.ToLower(getEnv("JWT_SECRET_SOURCE", "env")),
		},
		Functions: FunctionConfig{
			TextGeneration:   getEnv("TEXT_GENERATION_FUNCTION", "textGeneration"),
			PracticeMaterial: getEnv("PRACTICE_MATERIAL_FUNCTION", "practiceMaterial"),
		},
		Invoke: InvokeConfig{
			Workers:     getEnvInt("INVOKE_WORKERS", 4),
			QueueSize:   getEnvInt("INVOKE_QUEUE_SIZE", 256),
			MaxAttempts: getEnvInt("INVOKE_MAX_ATTEMPTS", 2),
		},
		WebSocket: WebSocketConfig{
			FramesPerSecond: getEnvFloat("WS_FRAMES_PER_SECOND", 5),
			FrameBurst:      getEnvInt("WS_FRAME_BURST", 10),
			MaxFrameBytes:   int64(getEnvInt("WS_MAX_FRAME_BYTES", 64<<10)),
			WriteTimeout:    getEnvDuration("WS_WRITE_TIMEOUT", 10*time.Second),
		},
		LLM: LLMConfig{
			APIKey:         getEnv("OPENAI_API_KEY", ""),
			BaseURL:        getEnv("OPENAI_BASE_URL", ""),
			Model:          getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			PromptsFile:    getEnv("PROMPTS_FILE", ""),
			AnswerCacheTTL: getEnvDuration("ANSWER_CACHE_TTL", 24*time.Hour),
		},
	}

	limit, err := parseTokenLimit(getEnv("DAILY_TOKEN_LIMIT", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	cfg.LLM.DailyTokenLimit = limit

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.Stage == "" {
		return fmt.Errorf("STAGE cannot be empty")
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("DB_DSN cannot be empty")
	}
	if c.Auth.SecretID == "" {
		return fmt.Errorf("JWT_SECRET_ID cannot be empty")
	}
	switch c.Auth.SecretSource {
	case "env", "file":
	default:
		return fmt.Errorf("JWT_SECRET_SOURCE must be env or file, got %q", c.Auth.SecretSource)
	}
	if c.Functions.TextGeneration == "" || c.Functions.PracticeMaterial == "" {
		return fmt.Errorf("compute function names cannot be empty")
	}
	if c.Invoke.Workers <= 0 {
		return fmt.Errorf("INVOKE_WORKERS must be > 0")
	}
	if c.Invoke.QueueSize <= 0 {
		return fmt.Errorf("INVOKE_QUEUE_SIZE must be > 0")
	}
	if c.Invoke.MaxAttempts <= 0 {
		return fmt.Errorf("INVOKE_MAX_ATTEMPTS must be > 0")
	}
	if c.WebSocket.FramesPerSecond <= 0 || c.WebSocket.FrameBurst <= 0 {
		return fmt.Errorf("websocket rate limits must be > 0")
	}
	if c.WebSocket.MaxFrameBytes <= 0 {
		return fmt.Errorf("WS_MAX_FRAME_BYTES must be > 0")
	}
	if c.LLM.DailyTokenLimit < 0 {
		return fmt.Errorf("DAILY_TOKEN_LIMIT must be >= 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the frontend.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
}

// parseTokenLimit reads DAILY_TOKEN_LIMIT. Empty, NONE, INFINITY and
// UNLIMITED all disable the limit.
func parseTokenLimit(value string) (int, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "", "NONE", "INFINITY", "UNLIMITED":
		return 0, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("DAILY_TOKEN_LIMIT must be a number or UNLIMITED, got %q", value)
	}
	return n, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
