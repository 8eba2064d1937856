// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/textbook-companion/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Repository is the durable interaction store. Interactions are append-only;
// concurrent writers never update existing rows.
type Repository interface {
	// CreateSession inserts a new chat session. ID and timestamps are
	// generated when empty.
	CreateSession(ctx context.Context, session *domain.Session) error

	// GetSession retrieves a chat session by ID.
	GetSession(ctx context.Context, id string) (*domain.Session, error)

	// ListSessions returns the sessions owned by a user session, newest first.
	ListSessions(ctx context.Context, userSessionID string) ([]*domain.Session, error)

	// RenameSession sets the display name of a session.
	RenameSession(ctx context.Context, id, name string) error

	// AppendInteraction persists an interaction at the end of its session.
	// It is idempotent on the interaction ID: a duplicate write returns
	// created=false and leaves the stored row untouched.
	AppendInteraction(ctx context.Context, interaction *domain.Interaction) (created bool, err error)

	// InteractionExists reports whether an interaction with id was stored.
	InteractionExists(ctx context.Context, id string) (bool, error)

	// ListInteractions returns a session's interactions in order.
	ListInteractions(ctx context.Context, chatSessionID string) ([]domain.Interaction, error)

	// ForkSession copies a session and its interactions into a new session
	// owned by userSessionID. The source session is not modified.
	ForkSession(ctx context.Context, sourceID, userSessionID string) (*domain.Session, error)

	// PutSection creates or replaces a citable textbook section.
	PutSection(ctx context.Context, section domain.TextbookSection) error

	// SearchSections returns up to limit sections of a textbook relevant to query.
	SearchSections(ctx context.Context, textbookID, query string, limit int) ([]domain.TextbookSection, error)

	// TokenUsage returns the recorded usage of a user session. A session with
	// no usage yields a zero TokenUsage.
	TokenUsage(ctx context.Context, userSessionID string) (domain.TokenUsage, error)

	// AddTokenUsage adds tokens to a user session's window, starting a new
	// window at now when the current one has expired.
	AddTokenUsage(ctx context.Context, userSessionID string, tokens int, now time.Time) (domain.TokenUsage, error)

	// PruneTokenUsage deletes usage windows that started before cutoff and
	// returns how many were removed.
	PruneTokenUsage(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
