// Package chat runs metered conversations: login, expert selection, and
// turns that call the generator, write the chat log and charge the account.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"zirak-chat/internal/accounts"
	"zirak-chat/internal/auth"
	"zirak-chat/internal/common"
	"zirak-chat/internal/gemini"
	"zirak-chat/internal/logging"
	"zirak-chat/internal/models"
	"zirak-chat/internal/persona"

	"github.com/google/uuid"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrQuotaExceeded      = errors.New("token quota exhausted")
	ErrTurnInProgress     = errors.New("a turn is already in progress")
	ErrLoggedOut          = errors.New("session is logged out")
	ErrAccountUnavailable = errors.New("account unavailable")
)

// User-facing texts.
const (
	MsgInvalidCredentials = "❌ زانیاری هەڵەیە!"
	MsgQuotaExceeded      = "⚠️ باڵانسی تۆکنەکانت تەواو بووە."
	MsgServerNoResponse   = "⚠️ سێرڤەر وەڵامی نییە."
	MsgTechnicalProblem   = "🚫 کێشەی تەکنیکی."
)

// AttachmentMarker is appended to prompts sent with an attachment. The
// attachment itself never reaches the generator.
const AttachmentMarker = " [Attached File]"

// Generator produces a reply for one turn.
type Generator interface {
	Generate(ctx context.Context, prompt string, history []models.ChatMessage, instruction string) (gemini.Reply, error)
}

// ChatLog is the append-only history sink.
type ChatLog interface {
	AppendMessage(ctx context.Context, msg models.ChatMessage) error
}

// Turn is the outcome of one Submit.
type Turn struct {
	Prompt     string
	Reply      string
	Cost       int64
	UsedTokens int64
	Balance    int64
	// Failed is set when Reply is a fallback text.
	Failed bool
}

// Service runs logins and turns against an account store, a chat log and a
// generator.
type Service struct {
	accounts  accounts.Store
	chatLog   ChatLog
	generator Generator
	personas  *persona.Resolver
	logger    logging.Logger
	newTurnID func() string
}

// NewService wires a Service. store and chatLog may be the same backend.
func NewService(store accounts.Store, chatLog ChatLog, generator Generator, personas *persona.Resolver, logger logging.Logger) *Service {
	return &Service{
		accounts:  store,
		chatLog:   chatLog,
		generator: generator,
		personas:  personas,
		logger:    logger,
		newTurnID: uuid.NewString,
	}
}

// Fallback maps a generation failure to the text shown in its place.
func Fallback(err error) string {
	var statusErr *gemini.StatusError
	if errors.As(err, &statusErr) {
		return MsgServerNoResponse
	}
	return MsgTechnicalProblem
}

// Login checks the credentials and opens a session on the default expert.
// Every failure is ErrInvalidCredentials so callers cannot tell a missing
// user from a wrong password.
func (s *Service) Login(ctx context.Context, username, password string) (*Session, error) {
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)
	if username == "" {
		return nil, ErrInvalidCredentials
	}

	acct, err := s.accounts.GetAccount(ctx, username)
	if err != nil {
		switch {
		case errors.Is(err, common.ErrNotFound):
		case errors.Is(err, common.ErrUnauthorized):
			s.logger.Error(ctx, "account store rejected our credentials", "username", username, "error", err)
		default:
			s.logger.Warn(ctx, "account lookup failed during login", "username", username, "error", err)
		}
		return nil, ErrInvalidCredentials
	}
	if !auth.CheckPassword(password, acct.Password) {
		return nil, ErrInvalidCredentials
	}
	if !auth.IsHashed(acct.Password) {
		s.logger.Warn(ctx, "account uses a plaintext credential", "username", username)
	}

	s.logger.Info(ctx, "login", "username", username)
	return s.Resume(username), nil
}

// Resume opens a fresh session for a user whose browser session is already
// authenticated.
func (s *Service) Resume(username string) *Session {
	return newSession(username, s.personas.Default().Label)
}

// SelectExpert makes label the active expert. A change clears the visible
// messages; the chat log keeps them.
func (s *Service) SelectExpert(sess *Session, label string) bool {
	return sess.selectExpert(label)
}

// Logout discards all in-memory state of sess.
func (s *Service) Logout(sess *Session) {
	sess.reset()
}

// Account returns the current account record for sess.
func (s *Service) Account(ctx context.Context, sess *Session) (*models.Account, error) {
	username, _, _, ok := sess.snapshot()
	if !ok {
		return nil, ErrLoggedOut
	}
	acct, err := s.accounts.GetAccount(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAccountUnavailable, err)
	}
	return acct, nil
}

// Submit runs one turn. It refuses with ErrQuotaExceeded, without touching
// the generator, the chat log or the account, when the balance is not
// positive. Generation failures become a fallback reply that is logged and
// charged like any other (at zero cost).
//
// The balance update is read-then-overwrite: two sessions of the same user
// submitting at once can lose one turn's cost.
func (s *Service) Submit(ctx context.Context, sess *Session, prompt string) (Turn, error) {
	if !sess.turn.TryLock() {
		return Turn{}, ErrTurnInProgress
	}
	defer sess.turn.Unlock()

	// A started turn runs to completion even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	username, expert, prior, ok := sess.snapshot()
	if !ok {
		return Turn{}, ErrLoggedOut
	}
	logger := s.logger.With("turn_id", s.newTurnID(), "username", username, "expert", expert)

	acct, err := s.accounts.GetAccount(ctx, username)
	if err != nil {
		logger.Error(ctx, "account lookup failed", "error", err)
		return Turn{}, fmt.Errorf("%w: %v", ErrAccountUnavailable, err)
	}
	if acct.Exhausted() {
		logger.Info(ctx, "submission refused, quota exhausted", "used_tokens", acct.UsedTokens, "token_limit", acct.TokenLimit)
		return Turn{Prompt: prompt, UsedTokens: acct.UsedTokens, Balance: acct.Balance()}, ErrQuotaExceeded
	}

	userMsg := models.ChatMessage{Username: username, Role: models.RoleUser, Content: prompt, Expert: expert}
	sess.appendFor(expert, userMsg)
	s.record(ctx, logger, userMsg)

	instruction := s.personas.Resolve(ctx, expert)

	turn := Turn{Prompt: prompt}
	reply, err := s.generator.Generate(ctx, prompt, prior, instruction)
	if err != nil {
		logger.Error(ctx, "generation failed", "error", err)
		reply = gemini.Reply{Text: Fallback(err)}
		turn.Failed = true
	}
	turn.Reply = reply.Text
	turn.Cost = reply.TotalTokens

	assistantMsg := models.ChatMessage{Username: username, Role: models.RoleAssistant, Content: reply.Text, Expert: expert}
	sess.appendFor(expert, assistantMsg)
	s.record(ctx, logger, assistantMsg)

	turn.UsedTokens = acct.UsedTokens + reply.TotalTokens
	turn.Balance = acct.TokenLimit - turn.UsedTokens
	if err := s.accounts.SetUsedTokens(ctx, username, turn.UsedTokens); err != nil {
		logger.Error(ctx, "balance update failed", "used_tokens", turn.UsedTokens, "error", err)
	}

	logger.Info(ctx, "turn completed", "cost", turn.Cost, "used_tokens", turn.UsedTokens, "failed", turn.Failed)
	return turn, nil
}

// record writes msg to the chat log. Failures are logged only.
func (s *Service) record(ctx context.Context, logger logging.Logger, msg models.ChatMessage) {
	if err := s.chatLog.AppendMessage(ctx, msg); err != nil {
		logger.Warn(ctx, "chat log write failed", "role", string(msg.Role), "error", err)
	}
}
