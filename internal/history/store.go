// Package history persists conversation history per (user, thread) so
// follow-up emails on the same thread carry their earlier context into
// the next run.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Message is one stored conversation entry. Role is "user" for the
// triggering instruction and "assistant" for the final reply.
type Message struct {
	Role      string
	Content   string
	CreatedAt time.Time
}

// Store is a SQLite-backed conversation store.
type Store struct {
	db          *sql.DB
	maxMessages int
}

// NewStore opens (creating if needed) the history database at dbPath.
func NewStore(dbPath string, maxMessages int) (*Store, error) {
	if maxMessages <= 0 {
		maxMessages = 100
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &Store{
		db:          db,
		maxMessages: maxMessages,
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		thread_id TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (user_id, thread_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// conversationID returns the id for (userID, threadID), creating the
// conversation row if it does not exist yet.
func (s *Store) conversationID(ctx context.Context, userID, threadID string) (string, error) {
	now := time.Now().UTC()
	id := uuid.NewString()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO conversations (id, user_id, thread_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, userID, threadID, now, now)
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id FROM conversations WHERE user_id = ? AND thread_id = ?
	`, userID, threadID)
	if err := row.Scan(&id); err != nil {
		return "", fmt.Errorf("lookup conversation: %w", err)
	}
	return id, nil
}

// Append stores messages at the end of the (userID, threadID)
// conversation, then prunes the conversation to its retention cap.
func (s *Store) Append(ctx context.Context, userID, threadID string, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}

	convID, err := s.conversationID(ctx, userID, threadID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, m := range msgs {
		createdAt := m.CreatedAt
		if createdAt.IsZero() {
			// Preserve insertion order for messages appended in one call.
			createdAt = now.Add(time.Duration(i) * time.Microsecond)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, role, content, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, uuid.NewString(), convID, m.Role, m.Content, createdAt)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM messages WHERE conversation_id = ? AND id NOT IN (
			SELECT id FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at DESC
			LIMIT ?
		)
	`, convID, convID, s.maxMessages)
	if err != nil {
		return fmt.Errorf("prune messages: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations SET updated_at = ? WHERE id = ?
	`, now, convID)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}

	return tx.Commit()
}

// Load returns up to limit most recent messages for (userID, threadID)
// in chronological order. An unknown conversation yields no messages
// and no error.
func (s *Store) Load(ctx context.Context, userID, threadID string, limit int) ([]Message, error) {
	if limit <= 0 || limit > s.maxMessages {
		limit = s.maxMessages
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, created_at FROM (
			SELECT m.role, m.content, m.created_at
			FROM messages m
			JOIN conversations c ON c.id = m.conversation_id
			WHERE c.user_id = ? AND c.thread_id = ?
			ORDER BY m.created_at DESC
			LIMIT ?
		) ORDER BY created_at ASC
	`, userID, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
