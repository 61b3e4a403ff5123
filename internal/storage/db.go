package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"zirak-chat/internal/common"
	"zirak-chat/internal/models"

	// Import sqlite driver
	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB connection.
type DB struct {
	conn *sql.DB
}

// NewDB opens a database connection and runs migrations.
func NewDB(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection keeps ":memory:" databases alive and serializes writers.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			username TEXT PRIMARY KEY,
			password TEXT NOT NULL,
			plan TEXT NOT NULL DEFAULT 'free',
			used_tokens INTEGER NOT NULL DEFAULT 0,
			token_limit INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chat_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			expert TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_history_username ON chat_history(username)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			token TEXT PRIMARY KEY,
			username TEXT NOT NULL,
			expires_at DATETIME NOT NULL,
			last_activity DATETIME NOT NULL
		)`,
	}

	for _, m := range migrations {
		if _, err := db.conn.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// CreateAccount inserts a new account.
func (db *DB) CreateAccount(a models.Account) (*models.Account, error) {
	if a.Plan == "" {
		a.Plan = "free"
	}
	_, err := db.conn.Exec(
		"INSERT INTO users (username, password, plan, used_tokens, token_limit) VALUES (?, ?, ?, ?, ?)",
		a.Username, a.Password, a.Plan, a.UsedTokens, a.TokenLimit,
	)
	if err != nil {
		return nil, err
	}
	return db.GetAccount(context.Background(), a.Username)
}

// GetAccount retrieves an account by exact username.
func (db *DB) GetAccount(ctx context.Context, username string) (*models.Account, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT username, password, plan, used_tokens, token_limit FROM users WHERE username = ?",
		username,
	)

	var a models.Account
	if err := row.Scan(&a.Username, &a.Password, &a.Plan, &a.UsedTokens, &a.TokenLimit); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return &a, nil
}

// SetUsedTokens overwrites the used_tokens counter.
func (db *DB) SetUsedTokens(ctx context.Context, username string, total int64) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE users SET used_tokens = ? WHERE username = ?",
		total, username,
	)
	return err
}

// UserCount returns the number of accounts in the database.
func (db *DB) UserCount() (int, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM users").Scan(&count)
	return count, err
}

// AppendMessage adds a row to the chat history.
func (db *DB) AppendMessage(ctx context.Context, msg models.ChatMessage) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO chat_history (username, role, content, expert) VALUES (?, ?, ?, ?)",
		msg.Username, string(msg.Role), msg.Content, msg.Expert,
	)
	return err
}

// ListMessages returns a user's chat history in insertion order. No chat
// path reads the log; this serves inspection and tests.
func (db *DB) ListMessages(ctx context.Context, username string) ([]models.ChatMessage, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT username, role, content, expert FROM chat_history WHERE username = ? ORDER BY id",
		username,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ChatMessage
	for rows.Next() {
		var m models.ChatMessage
		var role string
		if err := rows.Scan(&m.Username, &role, &m.Content, &m.Expert); err != nil {
			return nil, err
		}
		m.Role = models.Role(role)
		out = append(out, m)
	}
	return out, rows.Err()
}

// CreateSession records a browser session for username.
func (db *DB) CreateSession(token, username string, expiresAt time.Time) error {
	now := time.Now().UTC()
	_, err := db.conn.Exec(
		"INSERT INTO sessions (token, username, expires_at, last_activity) VALUES (?, ?, ?, ?)",
		token, username, expiresAt.UTC(), now,
	)
	return err
}

// SessionInfo holds session validation data.
type SessionInfo struct {
	Username     string
	LastActivity time.Time
	ExpiresAt    time.Time
}

// ValidateSession checks a session token and returns its username.
func (db *DB) ValidateSession(token string) (string, error) {
	info, err := db.ValidateSessionWithInfo(token)
	if err != nil {
		return "", err
	}
	return info.Username, nil
}

// ValidateSessionWithInfo checks if a session token is valid and returns session details.
func (db *DB) ValidateSessionWithInfo(token string) (*SessionInfo, error) {
	row := db.conn.QueryRow(
		"SELECT username, last_activity, expires_at FROM sessions WHERE token = ? AND expires_at > ?",
		token, time.Now().UTC(),
	)

	var info SessionInfo
	if err := row.Scan(&info.Username, &info.LastActivity, &info.ExpiresAt); err != nil {
		return nil, err
	}
	return &info, nil
}

// RenewSession updates the last_activity and expires_at for a session.
func (db *DB) RenewSession(token string, newExpiresAt time.Time) error {
	now := time.Now().UTC()
	_, err := db.conn.Exec(
		"UPDATE sessions SET last_activity = ?, expires_at = ? WHERE token = ?",
		now, newExpiresAt.UTC(), token,
	)
	return err
}

// DeleteSession removes a session by token.
func (db *DB) DeleteSession(token string) error {
	_, err := db.conn.Exec("DELETE FROM sessions WHERE token = ?", token)
	return err
}

// CleanExpiredSessions removes all expired sessions.
func (db *DB) CleanExpiredSessions() error {
	_, err := db.conn.Exec("DELETE FROM sessions WHERE expires_at <= ?", time.Now().UTC())
	return err
}
