// Package pgstore reads and writes the users and chat_history tables
// directly in Postgres, for deployments that reach the database without
// going through the REST gateway.
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"zirak-chat/internal/common"
	"zirak-chat/internal/models"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is the Postgres account store and chat log.
type Store struct {
	db *sql.DB
}

// New wraps an open connection. It does not run migrations.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects with the pgx driver and brings the schema up to date.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}

	s := New(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration error: %w", err)
	}
	return s, nil
}

// Migrate applies the embedded goose migrations.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, s.db, "migrations")
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetAccount retrieves an account by exact username.
func (s *Store) GetAccount(ctx context.Context, username string) (*models.Account, error) {
	query :=
		`SELECT username, password, plan, used_tokens, token_limit FROM users
		 WHERE username = $1
		 LIMIT 1`

	a := &models.Account{}
	err := s.db.QueryRowContext(ctx, query, username).
		Scan(&a.Username, &a.Password, &a.Plan, &a.UsedTokens, &a.TokenLimit)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return a, nil
}

// SetUsedTokens overwrites the used_tokens counter.
func (s *Store) SetUsedTokens(ctx context.Context, username string, total int64) error {
	query := `UPDATE users SET used_tokens = $1 WHERE username = $2`

	if _, err := s.db.ExecContext(ctx, query, total, username); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// AppendMessage adds a row to the chat history.
func (s *Store) AppendMessage(ctx context.Context, msg models.ChatMessage) error {
	query :=
		`INSERT INTO chat_history (username, role, content, expert)
		 VALUES ($1, $2, $3, $4)`

	if _, err := s.db.ExecContext(ctx, query, msg.Username, string(msg.Role), msg.Content, msg.Expert); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
