package models

import "time"

// Role tags a chat message as written by the user or by the assistant.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Account is a metered user record owned by the account store.
type Account struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	Plan       string `json:"plan"`
	UsedTokens int64  `json:"used_tokens"`
	TokenLimit int64  `json:"token_limit"`
}

// Balance is the remaining allowance. It goes negative when a turn's cost
// overshoots the limit.
func (a *Account) Balance() int64 {
	return a.TokenLimit - a.UsedTokens
}

// Exhausted reports whether submissions must be refused.
func (a *Account) Exhausted() bool {
	return a.Balance() <= 0
}

// UsageRatio is used/limit clamped to [0, 1].
func (a *Account) UsageRatio() float64 {
	if a.TokenLimit <= 0 {
		return 1
	}
	r := float64(a.UsedTokens) / float64(a.TokenLimit)
	switch {
	case r < 0:
		return 0
	case r > 1:
		return 1
	}
	return r
}

// ChatMessage is one entry of the append-only chat history.
type ChatMessage struct {
	Username string `json:"username"`
	Role     Role   `json:"role"`
	Content  string `json:"content"`
	Expert   string `json:"expert"`
}

// Session represents a signed-in browser.
type Session struct {
	Token     string    `json:"token"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expires_at"`
}
