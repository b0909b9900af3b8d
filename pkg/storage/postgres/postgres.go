// Package postgres provides a PostgreSQL implementation of transport.Store.
// It uses pgx/v5 for connection pooling and JSONB for the file listings
// attached to execution records.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Ark0N/AI-Code-Executor/pkg/api"
	"github.com/Ark0N/AI-Code-Executor/pkg/storage"
	"github.com/Ark0N/AI-Code-Executor/pkg/transport"
)

// Store is a PostgreSQL-backed transport.Store.
type Store struct {
	pool *pgxpool.Pool
}

// Ensure Store implements transport.Store at compile time.
var _ transport.Store = (*Store)(nil)

// New creates a new PostgreSQL store with the given configuration.
// If MigrateOnStart is true, schema migrations are applied automatically.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg.defaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Verify connectivity.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &Store{pool: pool}

	if cfg.MigrateOnStart {
		if err := s.migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}

	return s, nil
}

// CreateConversation persists a new conversation.
func (s *Store) CreateConversation(ctx context.Context, conv *api.Conversation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (id, title, model, auto_fix, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, conv.ID, conv.Title, conv.Model, conv.AutoFix, conv.CreatedAt, conv.UpdatedAt)

	if err != nil {
		if isDuplicateKey(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	return nil
}

// GetConversation retrieves a conversation by ID.
func (s *Store) GetConversation(ctx context.Context, id string) (*api.Conversation, error) {
	var conv api.Conversation
	err := s.pool.QueryRow(ctx, `
		SELECT id, title, model, auto_fix, created_at, updated_at
		FROM conversations
		WHERE id = $1
	`, id).Scan(&conv.ID, &conv.Title, &conv.Model, &conv.AutoFix, &conv.CreatedAt, &conv.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	return &conv, nil
}

// ListConversations returns all conversations, most recently updated first.
func (s *Store) ListConversations(ctx context.Context) ([]*api.Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, title, model, auto_fix, created_at, updated_at
		FROM conversations
		ORDER BY updated_at DESC, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	convs := []*api.Conversation{}
	for rows.Next() {
		var conv api.Conversation
		if err := rows.Scan(&conv.ID, &conv.Title, &conv.Model, &conv.AutoFix, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		convs = append(convs, &conv)
	}

	return convs, rows.Err()
}

// DeleteConversation removes a conversation. Messages, execution records,
// and sessions go with it via ON DELETE CASCADE.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	result, err := s.pool.Exec(ctx, "DELETE FROM conversations WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}

	if result.RowsAffected() == 0 {
		return storage.ErrNotFound
	}

	return nil
}

// AppendMessage adds one message to a conversation's history and bumps
// the conversation's updated_at, atomically.
func (s *Store) AppendMessage(ctx context.Context, msg *api.Message) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx,
		"UPDATE conversations SET updated_at = $1 WHERE id = $2",
		time.Now().UTC(), msg.ConversationID,
	)
	if err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}
	if result.RowsAffected() == 0 {
		return storage.ErrNotFound
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, msg.ID, msg.ConversationID, string(msg.Role), msg.Content, msg.CreatedAt)
	if err != nil {
		if isDuplicateKey(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	return tx.Commit(ctx)
}

// ListMessages returns a conversation's messages, oldest first.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]*api.Message, error) {
	if err := s.conversationExists(ctx, conversationID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, role, content, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	msgs := []*api.Message{}
	for rows.Next() {
		var msg api.Message
		var role string
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msg.Role = api.MessageRole(role)
		msgs = append(msgs, &msg)
	}

	return msgs, rows.Err()
}

// SaveExecution persists a finalized execution record.
func (s *Store) SaveExecution(ctx context.Context, rec *api.ExecutionRecord) error {
	var filesJSON []byte
	if len(rec.Files) > 0 {
		var err error
		filesJSON, err = json.Marshal(rec.Files)
		if err != nil {
			return fmt.Errorf("marshaling files: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO executions (
			id, conversation_id, language, code, output,
			exit_code, duration_ms, files, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		rec.ID, rec.ConversationID, rec.Language, rec.Code, rec.Output,
		rec.ExitCode, rec.DurationMS, nullJSON(filesJSON), rec.CreatedAt,
	)

	if err != nil {
		if isDuplicateKey(err) {
			return storage.ErrConflict
		}
		if isForeignKeyViolation(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("inserting execution: %w", err)
	}

	return nil
}

// ListExecutions returns a conversation's execution records, newest first.
func (s *Store) ListExecutions(ctx context.Context, conversationID string) ([]*api.ExecutionRecord, error) {
	if err := s.conversationExists(ctx, conversationID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, language, code, output,
		       exit_code, duration_ms, files, created_at
		FROM executions
		WHERE conversation_id = $1
		ORDER BY created_at DESC, id DESC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	recs := []*api.ExecutionRecord{}
	for rows.Next() {
		var rec api.ExecutionRecord
		var filesJSON *[]byte
		if err := rows.Scan(
			&rec.ID, &rec.ConversationID, &rec.Language, &rec.Code, &rec.Output,
			&rec.ExitCode, &rec.DurationMS, &filesJSON, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning execution: %w", err)
		}
		if filesJSON != nil {
			if err := json.Unmarshal(*filesJSON, &rec.Files); err != nil {
				return nil, fmt.Errorf("unmarshaling files: %w", err)
			}
		}
		recs = append(recs, &rec)
	}

	return recs, rows.Err()
}

// SaveSession persists a finalized auto-fix session.
func (s *Store) SaveSession(ctx context.Context, session *api.AutoFixSession) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO autofix_sessions (
			id, conversation_id, status, attempts, max_attempts,
			started_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		session.ID, session.ConversationID, string(session.Status),
		session.Attempts, session.MaxAttempts,
		session.StartedAt, session.CompletedAt,
	)

	if err != nil {
		if isDuplicateKey(err) {
			return storage.ErrConflict
		}
		if isForeignKeyViolation(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("inserting session: %w", err)
	}

	return nil
}

// GetSettings returns the persisted settings.
func (s *Store) GetSettings(ctx context.Context) (*api.Settings, error) {
	var settings api.Settings
	err := s.pool.QueryRow(ctx, `
		SELECT cpus, memory, storage, timeout_seconds, auto_fix_max_attempts
		FROM settings
		WHERE id = 1
	`).Scan(&settings.CPUs, &settings.Memory, &settings.Storage,
		&settings.TimeoutSeconds, &settings.AutoFixMaxAttempts)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying settings: %w", err)
	}

	return &settings, nil
}

// SaveSettings persists the settings, replacing any previous value.
func (s *Store) SaveSettings(ctx context.Context, settings *api.Settings) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO settings (id, cpus, memory, storage, timeout_seconds, auto_fix_max_attempts)
		VALUES (1, $1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			cpus = EXCLUDED.cpus,
			memory = EXCLUDED.memory,
			storage = EXCLUDED.storage,
			timeout_seconds = EXCLUDED.timeout_seconds,
			auto_fix_max_attempts = EXCLUDED.auto_fix_max_attempts
	`, settings.CPUs, settings.Memory, settings.Storage,
		settings.TimeoutSeconds, settings.AutoFixMaxAttempts)

	if err != nil {
		return fmt.Errorf("upserting settings: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// conversationExists returns ErrNotFound when the conversation is absent.
func (s *Store) conversationExists(ctx context.Context, id string) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM conversations WHERE id = $1)", id,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking conversation: %w", err)
	}
	if !exists {
		return storage.ErrNotFound
	}
	return nil
}

// nullJSON converts nil/empty byte slices to nil for nullable JSONB columns.
func nullJSON(b []byte) *[]byte {
	if len(b) == 0 {
		return nil
	}
	return &b
}

// isDuplicateKey checks if the error is a PostgreSQL unique violation (23505).
func isDuplicateKey(err error) bool {
	return err != nil && strings.Contains(err.Error(), "23505")
}

// isForeignKeyViolation checks if the error is a PostgreSQL foreign key
// violation (23503), which for our schema means the conversation is gone.
func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "23503")
}
