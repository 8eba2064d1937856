package auth

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
)

// SecretSource fetches a verification secret by identifier.
type SecretSource interface {
	FetchSecret(ctx context.Context, id string) ([]byte, error)
}

// EnvSecretSource reads the secret from the environment variable named by id.
type EnvSecretSource struct{}

// FetchSecret implements SecretSource.
func (EnvSecretSource) FetchSecret(_ context.Context, id string) ([]byte, error) {
	v, ok := os.LookupEnv(id)
	if !ok || v == "" {
		return nil, fmt.Errorf("secret %s not set", id)
	}
	return []byte(v), nil
}

// FileSecretSource reads the secret from the file at path id.
type FileSecretSource struct{}

// FetchSecret implements SecretSource.
func (FileSecretSource) FetchSecret(_ context.Context, id string) ([]byte, error) {
	b, err := os.ReadFile(id)
	if err != nil {
		return nil, fmt.Errorf("read secret file: %w", err)
	}
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, fmt.Errorf("secret file %s is empty", id)
	}
	return b, nil
}

// NewSecretSource returns the source for kind ("env" or "file").
func NewSecretSource(kind string) (SecretSource, error) {
	switch kind {
	case "", "env":
		return EnvSecretSource{}, nil
	case "file":
		return FileSecretSource{}, nil
	default:
		return nil, fmt.Errorf("unknown secret source %q", kind)
	}
}

// secretCache holds the verification secret for the lifetime of the process.
// A failed fetch is not cached so the next request retries.
var secretCache struct {
	mu     sync.Mutex
	id     string
	secret []byte
}

// VerificationSecret returns the cached verification secret, fetching it from
// src on first use.
func VerificationSecret(ctx context.Context, src SecretSource, id string) ([]byte, error) {
	secretCache.mu.Lock()
	defer secretCache.mu.Unlock()

	if secretCache.secret != nil && secretCache.id == id {
		return secretCache.secret, nil
	}
	secret, err := src.FetchSecret(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetch verification secret: %w", err)
	}
	secretCache.id = id
	secretCache.secret = secret
	return secret, nil
}

// ResetVerificationSecret drops the cached secret. Tests use it to isolate cases.
func ResetVerificationSecret() {
	secretCache.mu.Lock()
	defer secretCache.mu.Unlock()
	secretCache.id = ""
	secretCache.secret = nil
}
