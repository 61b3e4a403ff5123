package restdb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"zirak-chat/internal/common"
	"zirak-chat/internal/models"
)

// userRow mirrors the users table. The password column is stored as text in
// some projects and as a number in others, so it is decoded by hand.
type userRow struct {
	Username   string          `json:"username"`
	Password   json.RawMessage `json:"password"`
	Plan       string          `json:"plan"`
	UsedTokens int64           `json:"used_tokens"`
	TokenLimit int64           `json:"token_limit"`
}

func (r userRow) account() *models.Account {
	return &models.Account{
		Username:   r.Username,
		Password:   rawText(r.Password),
		Plan:       r.Plan,
		UsedTokens: r.UsedTokens,
		TokenLimit: r.TokenLimit,
	}
}

func rawText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	v := strings.TrimSpace(string(raw))
	if v == "null" {
		return ""
	}
	return v
}

func eq(username string) url.Values {
	q := url.Values{}
	q.Set("username", "eq."+username)
	return q
}

// GetAccount fetches the first users row whose username equals username.
func (c *Client) GetAccount(ctx context.Context, username string) (*models.Account, error) {
	q := eq(username)
	q.Set("select", "*")

	var rows []userRow
	if err := c.doJSON(ctx, http.MethodGet, "/users", q, nil, &rows); err != nil {
		return nil, fmt.Errorf("fetch user: %w", err)
	}
	if len(rows) == 0 {
		return nil, common.ErrNotFound
	}
	return rows[0].account(), nil
}

// SetUsedTokens overwrites used_tokens for username.
func (c *Client) SetUsedTokens(ctx context.Context, username string, total int64) error {
	body := map[string]int64{"used_tokens": total}
	if err := c.doJSON(ctx, http.MethodPatch, "/users", eq(username), body, nil); err != nil {
		return fmt.Errorf("update used_tokens: %w", err)
	}
	return nil
}

// AppendMessage inserts one chat_history row.
func (c *Client) AppendMessage(ctx context.Context, msg models.ChatMessage) error {
	if err := c.doJSON(ctx, http.MethodPost, "/chat_history", nil, msg, nil); err != nil {
		return fmt.Errorf("append chat_history: %w", err)
	}
	return nil
}
