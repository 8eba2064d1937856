package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_DSN", "./data/test.db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %q", cfg.Port)
	}
	if cfg.Functions.TextGeneration != "textGeneration" {
		t.Errorf("unexpected text generation function %q", cfg.Functions.TextGeneration)
	}
	if cfg.Auth.SecretID != "JWT_SECRET" {
		t.Errorf("unexpected secret id %q", cfg.Auth.SecretID)
	}
	if cfg.WebSocket.WriteTimeout != 10*time.Second {
		t.Errorf("unexpected write timeout %v", cfg.WebSocket.WriteTimeout)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DB_DRIVER", "Postgres")
	t.Setenv("DB_DSN", "postgres://localhost/companion")
	t.Setenv("INVOKE_WORKERS", "8")
	t.Setenv("WS_FRAMES_PER_SECOND", "2.5")
	t.Setenv("WS_WRITE_TIMEOUT", "3s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "9090" {
		t.Errorf("expected port 9090, got %q", cfg.Port)
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("expected lowercased driver, got %q", cfg.Database.Driver)
	}
	if cfg.Invoke.Workers != 8 {
		t.Errorf("expected 8 workers, got %d", cfg.Invoke.Workers)
	}
	if cfg.WebSocket.FramesPerSecond != 2.5 {
		t.Errorf("expected 2.5 fps, got %v", cfg.WebSocket.FramesPerSecond)
	}
	if cfg.WebSocket.WriteTimeout != 3*time.Second {
		t.Errorf("expected 3s write timeout, got %v", cfg.WebSocket.WriteTimeout)
	}
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Setenv("DB_DRIVER", "mysql")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestInvalidIntFallsBack(t *testing.T) {
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("INVOKE_QUEUE_SIZE", "lots")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Invoke.QueueSize != 256 {
		t.Errorf("expected fallback queue size 256, got %d", cfg.Invoke.QueueSize)
	}
}

func TestAllowedOrigins(t *testing.T) {
	dev := &Config{FrontendURL: "http://localhost:5173"}
	if got := dev.AllowedOrigins(); len(got) != 1 || got[0] != "*" {
		t.Errorf("expected wildcard in development, got %v", got)
	}

	prod := &Config{FrontendURL: "https://companion.example.org"}
	if got := prod.AllowedOrigins(); len(got) != 1 || got[0] != "https://companion.example.org" {
		t.Errorf("expected frontend origin, got %v", got)
	}
}

func TestLoadDailyTokenLimit(t *testing.T) {
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_DSN", "./data/test.db")

	cases := map[string]int{
		"":          0,
		"unlimited": 0,
		"NONE":      0,
		"Infinity":  0,
		"50000":     50000,
	}
	for value, want := range cases {
		t.Setenv("DAILY_TOKEN_LIMIT", value)
		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load(%q) failed: %v", value, err)
		}
		if cfg.LLM.DailyTokenLimit != want {
			t.Errorf("DAILY_TOKEN_LIMIT=%q: expected %d, got %d", value, want, cfg.LLM.DailyTokenLimit)
		}
	}
}

func TestLoadRejectsBadDailyTokenLimit(t *testing.T) {
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_DSN", "./data/test.db")

	for _, value := range []string{"lots", "-5"} {
		t.Setenv("DAILY_TOKEN_LIMIT", value)
		if _, err := Load(); err == nil {
			t.Errorf("expected DAILY_TOKEN_LIMIT=%q to be rejected", value)
		}
	}
}
