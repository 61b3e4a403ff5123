package pgstore

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"zirak-chat/internal/common"
	"zirak-chat/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestGetAccount(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"username", "password", "plan", "used_tokens", "token_limit"}).
		AddRow("ali", "123", "pro", int64(990), int64(1000))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT username, password, plan, used_tokens, token_limit FROM users")).
		WithArgs("ali").
		WillReturnRows(rows)

	a, err := s.GetAccount(context.Background(), "ali")
	require.NoError(t, err)
	assert.Equal(t, &models.Account{Username: "ali", Password: "123", Plan: "pro", UsedTokens: 990, TokenLimit: 1000}, a)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAccount_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM users")).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"username", "password", "plan", "used_tokens", "token_limit"}))

	_, err := s.GetAccount(context.Background(), "ghost")
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAccount_DBError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM users")).
		WithArgs("ali").
		WillReturnError(errors.New("connection reset"))

	_, err := s.GetAccount(context.Background(), "ali")
	require.Error(t, err)
	assert.NotErrorIs(t, err, common.ErrNotFound)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestSetUsedTokens(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET used_tokens = $1 WHERE username = $2")).
		WithArgs(int64(1005), "ali").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.SetUsedTokens(context.Background(), "ali", 1005))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendMessage(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO chat_history")).
		WithArgs("ali", "assistant", "hello", "📈 ڕاپۆرتی نهێنی").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.AppendMessage(context.Background(), models.ChatMessage{
		Username: "ali", Role: models.RoleAssistant, Content: "hello", Expert: "📈 ڕاپۆرتی نهێنی",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendMessage_Error(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO chat_history")).
		WillReturnError(errors.New("read-only"))

	err := s.AppendMessage(context.Background(), models.ChatMessage{Username: "ali"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db error")
}
