// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides user/conversation persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_user
			ON conversations(user_id, created_at);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			position INTEGER NOT NULL,

			CHECK (role IN ('user', 'bot'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, position);

		CREATE TABLE IF NOT EXISTS user_conversations (
			user_id TEXT NOT NULL REFERENCES users(id),
			conversation_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (user_id, conversation_id)
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}

	return nil
}

// Close closes the underlying database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// CreateConversation inserts a new conversation and its messages, returning
// the conversation id. Returns ErrDuplicateConversation if the id exists.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conversation *Conversation) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", storageErr("create conversation", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, created_at) VALUES (?, ?, ?)`,
		conversation.ID,
		conversation.UserID,
		conversation.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return "", ErrDuplicateConversation
		}
		return "", storageErr("inserting conversation", err)
	}

	for i, msg := range conversation.Messages {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, conversation_id, role, content, position) VALUES (?, ?, ?, ?, ?)`,
			msg.MessageID, conversation.ID, msg.Role, msg.Content, i,
		); err != nil {
			return "", storageErr("inserting conversation message", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", storageErr("committing conversation", err)
	}

	s.logger.Debug("created conversation", "id", conversation.ID, "user_id", conversation.UserID)
	return conversation.ID, nil
}

// GetConversation retrieves a conversation and its messages by id.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var conversation Conversation
	var createdAtStr string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, created_at FROM conversations WHERE id = ?`, id,
	).Scan(&conversation.ID, &conversation.UserID, &createdAtStr)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("querying conversation", err)
	}

	conversation.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, storageErr("parsing created_at", err)
	}

	conversation.Messages, err = s.conversationMessages(ctx, id)
	if err != nil {
		return nil, err
	}

	return &conversation, nil
}

// GetConversationsByUser returns the user's conversations ordered oldest
// first, with their full message history loaded.
func (s *SQLiteStore) GetConversationsByUser(ctx context.Context, userID string, skip, limit int) ([]*Conversation, error) {
	query := `
		SELECT id, user_id, created_at
		FROM conversations
		WHERE user_id = ?
		ORDER BY created_at ASC, rowid ASC
		LIMIT ? OFFSET ?
	`
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, query, userID, limit, skip)
	if err != nil {
		return nil, storageErr("querying conversations", err)
	}
	defer rows.Close()

	var conversations []*Conversation
	for rows.Next() {
		var conversation Conversation
		var createdAtStr string
		if err := rows.Scan(&conversation.ID, &conversation.UserID, &createdAtStr); err != nil {
			return nil, storageErr("scanning conversation row", err)
		}
		conversation.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
		if err != nil {
			return nil, storageErr("parsing created_at", err)
		}
		conversations = append(conversations, &conversation)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterating conversation rows", err)
	}

	for _, conversation := range conversations {
		conversation.Messages, err = s.conversationMessages(ctx, conversation.ID)
		if err != nil {
			return nil, err
		}
	}

	return conversations, nil
}

// conversationMessages loads a conversation's messages in append order.
func (s *SQLiteStore) conversationMessages(ctx context.Context, conversationID string) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content
		FROM messages
		WHERE conversation_id = ?
		ORDER BY position ASC
	`, conversationID)
	if err != nil {
		return nil, storageErr("querying messages", err)
	}
	defer rows.Close()

	messages := []ChatMessage{}
	for rows.Next() {
		var msg ChatMessage
		if err := rows.Scan(&msg.MessageID, &msg.Role, &msg.Content); err != nil {
			return nil, storageErr("scanning message row", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterating message rows", err)
	}

	return messages, nil
}

// AddMessageToConversation appends a message to the end of a conversation.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) AddMessageToConversation(ctx context.Context, id string, msg ChatMessage) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, position)
		SELECT ?, c.id, ?, ?, (SELECT COALESCE(MAX(position), -1) + 1 FROM messages WHERE conversation_id = c.id)
		FROM conversations c
		WHERE c.id = ?
	`, msg.MessageID, msg.Role, msg.Content, id)
	if err != nil {
		return storageErr("inserting message", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return storageErr("checking message insert", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("appended message", "conversation_id", id, "message_id", msg.MessageID, "role", msg.Role)
	return nil
}

// RemoveMessageFromConversation deletes a message by id.
// Returns ErrNotFound if no such message exists in the conversation.
func (s *SQLiteStore) RemoveMessageFromConversation(ctx context.Context, id, messageID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ? AND id = ?`, id, messageID)
	if err != nil {
		return storageErr("deleting message", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageErr("checking message delete", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConversation removes a conversation, its messages, and the owning
// user's reference to it. Returns ErrNotFound for an unknown conversation.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("delete conversation", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return storageErr("deleting conversation", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageErr("checking conversation delete", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM user_conversations WHERE conversation_id = ?`, id); err != nil {
		return storageErr("deleting conversation reference", err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr("committing conversation delete", err)
	}

	s.logger.Debug("deleted conversation", "id", id)
	return nil
}

// CreateUser inserts a new user record and returns its id.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) (string, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, created_at) VALUES (?, ?)`,
		user.ID, user.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", storageErr("inserting user", err)
	}

	s.logger.Debug("created user", "id", user.ID)
	return user.ID, nil
}

// GetUser retrieves a user and its conversation id references.
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	var user User
	var createdAtStr string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, created_at FROM users WHERE id = ?`, id,
	).Scan(&user.ID, &createdAtStr)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("querying user", err)
	}

	user.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, storageErr("parsing created_at", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id
		FROM user_conversations
		WHERE user_id = ?
		ORDER BY created_at ASC
	`, id)
	if err != nil {
		return nil, storageErr("querying user conversations", err)
	}
	defer rows.Close()

	user.Conversations = []string{}
	for rows.Next() {
		var conversationID string
		if err := rows.Scan(&conversationID); err != nil {
			return nil, storageErr("scanning user conversation row", err)
		}
		user.Conversations = append(user.Conversations, conversationID)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterating user conversation rows", err)
	}

	return &user, nil
}

// AddConversationToUser records a conversation id against a user.
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLiteStore) AddConversationToUser(ctx context.Context, userID, conversationID string) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO user_conversations (user_id, conversation_id, created_at)
		SELECT u.id, ?, ?
		FROM users u
		WHERE u.id = ?
	`, conversationID, time.Now().UTC().Format(time.RFC3339Nano), userID)
	if err != nil {
		return storageErr("inserting user conversation", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return storageErr("checking user conversation insert", err)
	}
	if affected == 0 {
		// Either the user is missing or the reference already exists;
		// distinguish so missing users surface as ErrNotFound.
		if _, err := s.GetUser(ctx, userID); err != nil {
			return err
		}
	}
	return nil
}

// ListUsers returns users ordered by creation time.
func (s *SQLiteStore) ListUsers(ctx context.Context, skip, limit int) ([]*User, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id
		FROM users
		ORDER BY created_at ASC, rowid ASC
		LIMIT ? OFFSET ?
	`, limit, skip)
	if err != nil {
		return nil, storageErr("querying users", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, storageErr("scanning user row", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, storageErr("iterating user rows", err)
	}
	rows.Close()

	users := make([]*User, 0, len(ids))
	for _, id := range ids {
		user, err := s.GetUser(ctx, id)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, nil
}
