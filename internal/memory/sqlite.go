package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is a SQLite-backed [ConversationStore]. Conversations
// survive restarts; locks are per process.
type SQLiteStore struct {
	Locker

	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{db: db}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// migrate creates the database schema.
func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	-- seq preserves append order; timestamps can tie within a batch.
	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		token_count INTEGER DEFAULT 0,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetOrCreate implements [ConversationStore].
func (s *SQLiteStore) GetOrCreate(ctx context.Context, id string) (*Conversation, bool, error) {
	if id == "" {
		id = NewID()
	}
	now := time.Now()

	// Try to insert, ignore if exists
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO conversations (id, created_at, updated_at)
		VALUES (?, ?, ?)
	`, id, now, now)
	if err != nil {
		return nil, false, fmt.Errorf("create conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("create conversation: %w", err)
	}
	if n == 1 {
		return &Conversation{ID: id, Messages: []Message{}, CreatedAt: now, UpdatedAt: now}, true, nil
	}

	conv, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return conv, false, nil
}

// Get implements [ConversationStore].
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, updated_at FROM conversations WHERE id = ?
	`, id)

	var conv Conversation
	if err := row.Scan(&conv.ID, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}

	msgs, err := s.messages(ctx, id)
	if err != nil {
		return nil, err
	}
	conv.Messages = msgs
	return &conv, nil
}

// Messages implements [ConversationStore].
func (s *SQLiteStore) Messages(ctx context.Context, id string) ([]Message, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}
	return s.messages(ctx, id)
}

func (s *SQLiteStore) messages(ctx context.Context, id string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, timestamp
		FROM messages
		WHERE conversation_id = ?
		ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Role, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// Append implements [ConversationStore]. The batch is written in one
// transaction.
func (s *SQLiteStore) Append(ctx context.Context, id string, msgs ...Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	res, err := tx.ExecContext(ctx, `
		UPDATE conversations SET updated_at = ? WHERE id = ?
	`, now, id)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConversationNotFound
	}

	for _, m := range msgs {
		msgID, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("message id: %w", err)
		}
		ts := m.Timestamp
		if ts.IsZero() {
			ts = now
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, role, content, timestamp, token_count)
			VALUES (?, ?, ?, ?, ?, ?)
		`, msgID.String(), id, m.Role, m.Content, ts, estimateTokens(m.Content))
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	return tx.Commit()
}

// Stats returns memory statistics.
func (s *SQLiteStore) Stats() map[string]any {
	var convCount, msgCount, tokenCount int

	_ = s.db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&convCount)
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&msgCount)
	_ = s.db.QueryRow(`SELECT COALESCE(SUM(token_count), 0) FROM messages`).Scan(&tokenCount)

	return map[string]any{
		"conversations": convCount,
		"messages":      msgCount,
		"total_tokens":  tokenCount,
		"storage":       "sqlite",
	}
}

// estimateTokens provides a rough token count estimate.
// Rule of thumb: ~4 characters per token for English.
func estimateTokens(text string) int {
	return len(text) / 4
}
