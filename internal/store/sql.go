package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/textbook-companion/internal/domain"
	"github.com/ashureev/textbook-companion/internal/shared"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	driverSQLite   = "sqlite"
	driverPostgres = "postgres"
)

// SQLStore implements Repository on top of sqlx. The same queries run on
// SQLite and Postgres; placeholders are rebound per driver.
type SQLStore struct {
	db     *sqlx.DB
	driver string
	// writeMu serialises SQLite writers to avoid SQLITE_BUSY churn.
	writeMu sync.Mutex
}

var (
	defaultMu    sync.Mutex
	defaultStore *SQLStore
)

// Default returns the process-wide store for driver/dsn, opening it on first
// use. Later calls reuse the pooled handle.
func Default(driver, dsn string) (Repository, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultStore != nil {
		return defaultStore, nil
	}
	s, err := Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	defaultStore = s
	return s, nil
}

// ResetDefault closes and forgets the process-wide store. Tests use it to
// isolate cases.
func ResetDefault() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultStore != nil {
		if err := defaultStore.Close(); err != nil {
			slog.Warn("failed to close default store", "error", err)
		}
		defaultStore = nil
	}
}

// Open connects to the database and initialises the schema.
func Open(driver, dsn string) (*SQLStore, error) {
	switch driver {
	case driverSQLite:
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	case driverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLStore{db: db, driver: driver}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS chat_sessions (
		id TEXT PRIMARY KEY,
		user_session_id TEXT NOT NULL,
		textbook_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		shared_from_id TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_sessions_user ON chat_sessions(user_session_id);

	CREATE TABLE IF NOT EXISTS user_interactions (
		id TEXT PRIMARY KEY,
		chat_session_id TEXT NOT NULL,
		sender_role TEXT NOT NULL,
		query_text TEXT,
		response_text TEXT,
		source_chunks TEXT NOT NULL DEFAULT '[]',
		order_index BIGINT NOT NULL,
		created_at BIGINT NOT NULL,
		UNIQUE (chat_session_id, order_index)
	);

	CREATE TABLE IF NOT EXISTS textbook_sections (
		textbook_id TEXT NOT NULL,
		ref TEXT NOT NULL,
		content TEXT NOT NULL,
		PRIMARY KEY (textbook_id, ref)
	);

	CREATE TABLE IF NOT EXISTS token_usage (
		user_session_id TEXT PRIMARY KEY,
		tokens_used BIGINT NOT NULL,
		window_start BIGINT NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLStore) lockWrites() func() {
	if s.driver != driverSQLite {
		return func() {}
	}
	s.writeMu.Lock()
	return s.writeMu.Unlock
}

// Ping verifies database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

type sessionRow struct {
	ID            string `db:"id"`
	UserSessionID string `db:"user_session_id"`
	TextbookID    string `db:"textbook_id"`
	Name          string `db:"name"`
	SharedFromID  string `db:"shared_from_id"`
	CreatedAt     int64  `db:"created_at"`
	UpdatedAt     int64  `db:"updated_at"`
}

func (r sessionRow) toDomain() *domain.Session {
	return &domain.Session{
		ID:            r.ID,
		UserSessionID: r.UserSessionID,
		TextbookID:    r.TextbookID,
		Name:          r.Name,
		SharedFromID:  r.SharedFromID,
		CreatedAt:     time.Unix(0, r.CreatedAt).UTC(),
		UpdatedAt:     time.Unix(0, r.UpdatedAt).UTC(),
	}
}

type interactionRow struct {
	ID            string         `db:"id"`
	ChatSessionID string         `db:"chat_session_id"`
	SenderRole    string         `db:"sender_role"`
	QueryText     sql.NullString `db:"query_text"`
	ResponseText  sql.NullString `db:"response_text"`
	SourceChunks  string         `db:"source_chunks"`
	OrderIndex    int64          `db:"order_index"`
	CreatedAt     int64          `db:"created_at"`
}

func (r interactionRow) toDomain() (domain.Interaction, error) {
	in := domain.Interaction{
		ID:            r.ID,
		ChatSessionID: r.ChatSessionID,
		SenderRole:    r.SenderRole,
		OrderIndex:    r.OrderIndex,
		CreatedAt:     time.Unix(0, r.CreatedAt).UTC(),
	}
	if r.QueryText.Valid {
		q := r.QueryText.String
		in.QueryText = &q
	}
	if r.ResponseText.Valid {
		resp := r.ResponseText.String
		in.ResponseText = &resp
	}
	if r.SourceChunks != "" {
		if err := json.Unmarshal([]byte(r.SourceChunks), &in.SourceChunks); err != nil {
			return in, fmt.Errorf("decode source chunks: %w", err)
		}
	}
	return in, nil
}

func nullString(p *string) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

const sessionColumns = `id, user_session_id, textbook_id, name, shared_from_id, created_at, updated_at`

// CreateSession inserts a new chat session.
func (s *SQLStore) CreateSession(ctx context.Context, session *domain.Session) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.Name == "" {
		session.Name = domain.DefaultSessionName
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	unlock := s.lockWrites()
	defer unlock()

	query := s.db.Rebind(`INSERT INTO chat_sessions (` + sessionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		session.ID, session.UserSessionID, session.TextbookID, session.Name, session.SharedFromID,
		session.CreatedAt.UnixNano(), session.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert chat session: %w", err)
	}
	return nil
}

// GetSession retrieves a chat session by ID.
func (s *SQLStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	var row sessionRow
	query := s.db.Rebind(`SELECT ` + sessionColumns + ` FROM chat_sessions WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get chat session: %w", err)
	}
	return row.toDomain(), nil
}

// ListSessions returns the sessions owned by a user session, newest first.
func (s *SQLStore) ListSessions(ctx context.Context, userSessionID string) ([]*domain.Session, error) {
	var rows []sessionRow
	query := s.db.Rebind(`SELECT ` + sessionColumns + ` FROM chat_sessions WHERE user_session_id = ? ORDER BY created_at DESC`)
	if err := s.db.SelectContext(ctx, &rows, query, userSessionID); err != nil {
		return nil, fmt.Errorf("list chat sessions: %w", err)
	}
	sessions := make([]*domain.Session, 0, len(rows))
	for _, r := range rows {
		sessions = append(sessions, r.toDomain())
	}
	return sessions, nil
}

// RenameSession sets the display name of a session.
func (s *SQLStore) RenameSession(ctx context.Context, id, name string) error {
	unlock := s.lockWrites()
	defer unlock()

	query := s.db.Rebind(`UPDATE chat_sessions SET name = ?, updated_at = ? WHERE id = ?`)
	result, err := s.db.ExecContext(ctx, query, name, time.Now().UTC().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("rename chat session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendInteraction persists an interaction at the end of its session.
func (s *SQLStore) AppendInteraction(ctx context.Context, interaction *domain.Interaction) (bool, error) {
	if interaction.ChatSessionID == "" {
		return false, fmt.Errorf("interaction has no chat session")
	}
	if interaction.ID == "" {
		interaction.ID = uuid.NewString()
	}
	if interaction.CreatedAt.IsZero() {
		interaction.CreatedAt = time.Now().UTC()
	}
	if interaction.SenderRole == "" {
		interaction.SenderRole = domain.SenderRoleUser
	}
	chunks, err := json.Marshal(sourcesOrEmpty(interaction.SourceChunks))
	if err != nil {
		return false, fmt.Errorf("encode source chunks: %w", err)
	}

	unlock := s.lockWrites()
	defer unlock()

	created := false
	err = shared.RetryOnConflict(ctx, 5, 20*time.Millisecond, "append_interaction", func() error {
		var txErr error
		created, txErr = s.appendInteractionOnce(ctx, interaction, string(chunks))
		return txErr
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

func (s *SQLStore) appendInteractionOnce(ctx context.Context, in *domain.Interaction, chunks string) (created bool, err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Warn("failed to rollback interaction insert", "error", rbErr)
			}
		}
	}()

	var existing int
	if err = tx.GetContext(ctx, &existing, tx.Rebind(`SELECT COUNT(*) FROM user_interactions WHERE id = ?`), in.ID); err != nil {
		return false, fmt.Errorf("check existing interaction: %w", err)
	}
	if existing > 0 {
		if err = tx.Commit(); err != nil {
			return false, fmt.Errorf("commit: %w", err)
		}
		return false, nil
	}

	var next int64
	if err = tx.GetContext(ctx, &next,
		tx.Rebind(`SELECT COALESCE(MAX(order_index), 0) + 1 FROM user_interactions WHERE chat_session_id = ?`),
		in.ChatSessionID,
	); err != nil {
		return false, fmt.Errorf("next order index: %w", err)
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO user_interactions
			(id, chat_session_id, sender_role, query_text, response_text, source_chunks, order_index, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		in.ID, in.ChatSessionID, in.SenderRole,
		nullString(in.QueryText), nullString(in.ResponseText), chunks,
		next, in.CreatedAt.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("insert interaction: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	in.OrderIndex = next
	return true, nil
}

func sourcesOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// InteractionExists reports whether an interaction with id was stored.
func (s *SQLStore) InteractionExists(ctx context.Context, id string) (bool, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM user_interactions WHERE id = ?`), id); err != nil {
		return false, fmt.Errorf("check interaction: %w", err)
	}
	return n > 0, nil
}

const interactionColumns = `id, chat_session_id, sender_role, query_text, response_text, source_chunks, order_index, created_at`

// ListInteractions returns a session's interactions in order.
func (s *SQLStore) ListInteractions(ctx context.Context, chatSessionID string) ([]domain.Interaction, error) {
	var rows []interactionRow
	query := s.db.Rebind(`SELECT ` + interactionColumns + ` FROM user_interactions
		WHERE chat_session_id = ? ORDER BY order_index ASC, created_at ASC`)
	if err := s.db.SelectContext(ctx, &rows, query, chatSessionID); err != nil {
		return nil, fmt.Errorf("list interactions: %w", err)
	}
	out := make([]domain.Interaction, 0, len(rows))
	for _, r := range rows {
		in, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, nil
}

// ForkSession copies a session and its interactions into a new session.
func (s *SQLStore) ForkSession(ctx context.Context, sourceID, userSessionID string) (*domain.Session, error) {
	source, err := s.GetSession(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	unlock := s.lockWrites()
	defer unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Warn("failed to rollback fork", "error", rbErr)
			}
		}
	}()

	now := time.Now().UTC()
	fork := &domain.Session{
		ID:            uuid.NewString(),
		UserSessionID: userSessionID,
		TextbookID:    source.TextbookID,
		Name:          source.Name,
		SharedFromID:  source.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO chat_sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		fork.ID, fork.UserSessionID, fork.TextbookID, fork.Name, fork.SharedFromID,
		now.UnixNano(), now.UnixNano(),
	); err != nil {
		return nil, fmt.Errorf("insert fork session: %w", err)
	}

	var rows []interactionRow
	if err := tx.SelectContext(ctx, &rows, tx.Rebind(`SELECT `+interactionColumns+` FROM user_interactions
		WHERE chat_session_id = ? ORDER BY order_index ASC`), source.ID); err != nil {
		return nil, fmt.Errorf("read source interactions: %w", err)
	}
	for _, r := range rows {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO user_interactions
				(id, chat_session_id, sender_role, query_text, response_text, source_chunks, order_index, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			uuid.NewString(), fork.ID, r.SenderRole, r.QueryText, r.ResponseText, r.SourceChunks,
			r.OrderIndex, r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("copy interaction: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit fork: %w", err)
	}
	committed = true
	return fork, nil
}

// PutSection creates or replaces a citable textbook section.
func (s *SQLStore) PutSection(ctx context.Context, section domain.TextbookSection) error {
	unlock := s.lockWrites()
	defer unlock()

	query := s.db.Rebind(`
		INSERT INTO textbook_sections (textbook_id, ref, content) VALUES (?, ?, ?)
		ON CONFLICT (textbook_id, ref) DO UPDATE SET content = excluded.content`)
	if _, err := s.db.ExecContext(ctx, query, section.TextbookID, section.Ref, section.Content); err != nil {
		return fmt.Errorf("put textbook section: %w", err)
	}
	return nil
}

// maxScannedSections bounds how many sections are scored per search.
const maxScannedSections = 500

type sectionRow struct {
	TextbookID string `db:"textbook_id"`
	Ref        string `db:"ref"`
	Content    string `db:"content"`
}

// SearchSections returns up to limit sections of a textbook ranked by how
// many query terms they contain.
func (s *SQLStore) SearchSections(ctx context.Context, textbookID, query string, limit int) ([]domain.TextbookSection, error) {
	if limit <= 0 {
		limit = 3
	}
	terms := searchTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}

	var rows []sectionRow
	q := s.db.Rebind(`SELECT textbook_id, ref, content FROM textbook_sections WHERE textbook_id = ? ORDER BY ref LIMIT ?`)
	if err := s.db.SelectContext(ctx, &rows, q, textbookID, maxScannedSections); err != nil {
		return nil, fmt.Errorf("search textbook sections: %w", err)
	}

	type scored struct {
		row   sectionRow
		score int
	}
	var hits []scored
	for _, r := range rows {
		content := strings.ToLower(r.Content)
		score := 0
		for _, t := range terms {
			score += strings.Count(content, t)
		}
		if score > 0 {
			hits = append(hits, scored{row: r, score: score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > limit {
		hits = hits[:limit]
	}

	out := make([]domain.TextbookSection, 0, len(hits))
	for _, h := range hits {
		out = append(out, domain.TextbookSection{TextbookID: h.row.TextbookID, Ref: h.row.Ref, Content: h.row.Content})
	}
	return out, nil
}

func searchTerms(query string) []string {
	seen := make(map[string]bool)
	var terms []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, ".,;:!?\"'()[]{}")
		if len(w) < 4 || seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, w)
	}
	return terms
}

type tokenUsageRow struct {
	UserSessionID string `db:"user_session_id"`
	TokensUsed    int    `db:"tokens_used"`
	WindowStart   int64  `db:"window_start"`
}

func (r tokenUsageRow) toDomain() domain.TokenUsage {
	return domain.TokenUsage{
		UserSessionID: r.UserSessionID,
		TokensUsed:    r.TokensUsed,
		WindowStart:   time.Unix(0, r.WindowStart).UTC(),
	}
}

// TokenUsage returns the recorded usage of a user session.
func (s *SQLStore) TokenUsage(ctx context.Context, userSessionID string) (domain.TokenUsage, error) {
	var row tokenUsageRow
	query := s.db.Rebind(`SELECT user_session_id, tokens_used, window_start FROM token_usage WHERE user_session_id = ?`)
	if err := s.db.GetContext(ctx, &row, query, userSessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.TokenUsage{UserSessionID: userSessionID}, nil
		}
		return domain.TokenUsage{}, fmt.Errorf("get token usage: %w", err)
	}
	return row.toDomain(), nil
}

// AddTokenUsage adds tokens to a user session's window.
func (s *SQLStore) AddTokenUsage(ctx context.Context, userSessionID string, tokens int, now time.Time) (domain.TokenUsage, error) {
	if userSessionID == "" {
		return domain.TokenUsage{}, fmt.Errorf("token usage has no user session")
	}
	now = now.UTC()

	unlock := s.lockWrites()
	defer unlock()

	var usage domain.TokenUsage
	err := shared.RetryOnConflict(ctx, 5, 20*time.Millisecond, "add_token_usage", func() error {
		var txErr error
		usage, txErr = s.addTokenUsageOnce(ctx, userSessionID, tokens, now)
		return txErr
	})
	if err != nil {
		return domain.TokenUsage{}, err
	}
	return usage, nil
}

func (s *SQLStore) addTokenUsageOnce(ctx context.Context, userSessionID string, tokens int, now time.Time) (usage domain.TokenUsage, err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return usage, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Warn("failed to rollback token usage update", "error", rbErr)
			}
		}
	}()

	var row tokenUsageRow
	err = tx.GetContext(ctx, &row,
		tx.Rebind(`SELECT user_session_id, tokens_used, window_start FROM token_usage WHERE user_session_id = ?`),
		userSessionID,
	)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		usage = domain.TokenUsage{UserSessionID: userSessionID, TokensUsed: tokens, WindowStart: now}
		_, err = tx.ExecContext(ctx,
			tx.Rebind(`INSERT INTO token_usage (user_session_id, tokens_used, window_start) VALUES (?, ?, ?)`),
			userSessionID, tokens, now.UnixNano(),
		)
		if err != nil {
			return usage, fmt.Errorf("insert token usage: %w", err)
		}
	case err != nil:
		return usage, fmt.Errorf("read token usage: %w", err)
	default:
		usage = row.toDomain()
		if usage.Expired(now) {
			usage.TokensUsed = 0
			usage.WindowStart = now
		}
		usage.TokensUsed += tokens
		_, err = tx.ExecContext(ctx,
			tx.Rebind(`UPDATE token_usage SET tokens_used = ?, window_start = ? WHERE user_session_id = ?`),
			usage.TokensUsed, usage.WindowStart.UnixNano(), userSessionID,
		)
		if err != nil {
			return usage, fmt.Errorf("update token usage: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return usage, fmt.Errorf("commit: %w", err)
	}
	return usage, nil
}

// PruneTokenUsage deletes usage windows that started before cutoff.
func (s *SQLStore) PruneTokenUsage(ctx context.Context, cutoff time.Time) (int64, error) {
	unlock := s.lockWrites()
	defer unlock()

	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM token_usage WHERE window_start < ?`), cutoff.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune token usage: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return n, nil
}
