package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"zirak-chat/internal/auth"
	"zirak-chat/internal/common"
	"zirak-chat/internal/gemini"
	"zirak-chat/internal/logging"
	"zirak-chat/internal/models"
	"zirak-chat/internal/persona"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type fakeStore struct {
	mu       sync.Mutex
	accounts map[string]models.Account
	getErr   error
	reads    int
	writes   []int64
}

func (f *fakeStore) GetAccount(_ context.Context, username string) (*models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.getErr != nil {
		return nil, f.getErr
	}
	a, ok := f.accounts[username]
	if !ok {
		return nil, common.ErrNotFound
	}
	return &a, nil
}

func (f *fakeStore) SetUsedTokens(_ context.Context, username string, total int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, total)
	a := f.accounts[username]
	a.UsedTokens = total
	f.accounts[username] = a
	return nil
}

type fakeLog struct {
	mu   sync.Mutex
	msgs []models.ChatMessage
	err  error
}

func (f *fakeLog) AppendMessage(_ context.Context, msg models.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

type generateCall struct {
	prompt      string
	history     []models.ChatMessage
	instruction string
}

type fakeGenerator struct {
	mu    sync.Mutex
	reply gemini.Reply
	err   error
	calls []generateCall
	// block, when set, holds Generate until it is closed.
	block chan struct{}
}

func (f *fakeGenerator) Generate(_ context.Context, prompt string, history []models.ChatMessage, instruction string) (gemini.Reply, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, generateCall{prompt: prompt, history: history, instruction: instruction})
	return f.reply, f.err
}

type ServiceTestSuite struct {
	suite.Suite
	store *fakeStore
	log   *fakeLog
	gen   *fakeGenerator
	svc   *Service
	ctx   context.Context
}

func (suite *ServiceTestSuite) SetupTest() {
	suite.ctx = context.Background()
	suite.store = &fakeStore{accounts: map[string]models.Account{
		"ali": {Username: "ali", Password: "123", Plan: "pro", UsedTokens: 990, TokenLimit: 1000},
	}}
	suite.log = &fakeLog{}
	suite.gen = &fakeGenerator{reply: gemini.Reply{Text: "hello", TotalTokens: 15}}
	resolver := persona.NewResolver(suite.T().TempDir(), logging.Discard())
	suite.svc = NewService(suite.store, suite.log, suite.gen, resolver, logging.Discard())
	suite.svc.newTurnID = func() string { return "turn-1" }
}

func (suite *ServiceTestSuite) login() *Session {
	sess, err := suite.svc.Login(suite.ctx, "ali", "123")
	require.NoError(suite.T(), err)
	return sess
}

func (suite *ServiceTestSuite) TestLoginStartsOnDefaultExpert() {
	sess := suite.login()
	assert.True(suite.T(), sess.LoggedIn())
	assert.Equal(suite.T(), "ali", sess.Username())
	assert.Equal(suite.T(), persona.Table[0].Label, sess.Expert())
	assert.Empty(suite.T(), sess.Messages())
}

func (suite *ServiceTestSuite) TestLoginTrimsInput() {
	sess, err := suite.svc.Login(suite.ctx, "  ali ", " 123\n")
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), "ali", sess.Username())
}

func (suite *ServiceTestSuite) TestLoginFailuresLookAlike() {
	cases := []struct{ user, pass string }{
		{"ali", "wrong"},
		{"nobody", "123"},
		{"ALI", "123"},
		{"", ""},
	}
	for _, c := range cases {
		sess, err := suite.svc.Login(suite.ctx, c.user, c.pass)
		assert.Nil(suite.T(), sess)
		assert.ErrorIs(suite.T(), err, ErrInvalidCredentials, "user=%q", c.user)
	}
}

func (suite *ServiceTestSuite) TestLoginStoreFailureIsInvalidCredentials() {
	for _, cause := range []error{errors.New("connection refused"), fmt.Errorf("fetch user: %w", common.ErrUnauthorized)} {
		suite.store.getErr = cause
		_, err := suite.svc.Login(suite.ctx, "ali", "123")
		assert.ErrorIs(suite.T(), err, ErrInvalidCredentials)
	}
}

func (suite *ServiceTestSuite) TestLoginWithHashedPassword() {
	hash, err := auth.HashPassword("s3cret")
	require.NoError(suite.T(), err)
	suite.store.accounts["sara"] = models.Account{Username: "sara", Password: hash, TokenLimit: 10}

	_, err = suite.svc.Login(suite.ctx, "sara", "s3cret")
	assert.NoError(suite.T(), err)
	_, err = suite.svc.Login(suite.ctx, "sara", hash)
	assert.ErrorIs(suite.T(), err, ErrInvalidCredentials)
}

func (suite *ServiceTestSuite) TestSubmitChargesReportedCost() {
	sess := suite.login()

	turn, err := suite.svc.Submit(suite.ctx, sess, "hi")
	require.NoError(suite.T(), err)

	assert.Equal(suite.T(), "hello", turn.Reply)
	assert.Equal(suite.T(), int64(15), turn.Cost)
	assert.Equal(suite.T(), int64(1005), turn.UsedTokens)
	assert.Equal(suite.T(), int64(-5), turn.Balance)
	assert.False(suite.T(), turn.Failed)

	assert.Equal(suite.T(), []int64{1005}, suite.store.writes)
	require.Len(suite.T(), suite.log.msgs, 2)
	assert.Equal(suite.T(), models.ChatMessage{Username: "ali", Role: models.RoleUser, Content: "hi", Expert: sess.Expert()}, suite.log.msgs[0])
	assert.Equal(suite.T(), models.ChatMessage{Username: "ali", Role: models.RoleAssistant, Content: "hello", Expert: sess.Expert()}, suite.log.msgs[1])

	msgs := sess.Messages()
	require.Len(suite.T(), msgs, 2)
	assert.Equal(suite.T(), "hi", msgs[0].Content)
	assert.Equal(suite.T(), "hello", msgs[1].Content)
}

func (suite *ServiceTestSuite) TestSubmitAfterOvershootIsRefused() {
	sess := suite.login()
	_, err := suite.svc.Submit(suite.ctx, sess, "hi")
	require.NoError(suite.T(), err)

	_, err = suite.svc.Submit(suite.ctx, sess, "again")
	assert.ErrorIs(suite.T(), err, ErrQuotaExceeded)
	assert.Len(suite.T(), suite.gen.calls, 1)
}

func (suite *ServiceTestSuite) TestSubmitAtLimitHasNoSideEffects() {
	a := suite.store.accounts["ali"]
	a.UsedTokens = 1000
	suite.store.accounts["ali"] = a
	sess := suite.login()

	turn, err := suite.svc.Submit(suite.ctx, sess, "hi")
	assert.ErrorIs(suite.T(), err, ErrQuotaExceeded)
	assert.Equal(suite.T(), int64(0), turn.Balance)

	assert.Empty(suite.T(), suite.gen.calls)
	assert.Empty(suite.T(), suite.log.msgs)
	assert.Empty(suite.T(), suite.store.writes)
	assert.Empty(suite.T(), sess.Messages())
}

func (suite *ServiceTestSuite) TestTransportFailureFallsBack() {
	suite.gen.reply = gemini.Reply{}
	suite.gen.err = fmt.Errorf("gemini: request failed: %w", errors.New("dial tcp: connection refused"))
	sess := suite.login()

	turn, err := suite.svc.Submit(suite.ctx, sess, "hi")
	require.NoError(suite.T(), err)

	assert.True(suite.T(), turn.Failed)
	assert.Equal(suite.T(), MsgTechnicalProblem, turn.Reply)
	assert.Equal(suite.T(), int64(0), turn.Cost)
	assert.Equal(suite.T(), []int64{990}, suite.store.writes)
	require.Len(suite.T(), suite.log.msgs, 2)
	assert.Equal(suite.T(), MsgTechnicalProblem, suite.log.msgs[1].Content)
}

func (suite *ServiceTestSuite) TestStatusFailureFallsBack() {
	suite.gen.err = &gemini.StatusError{Code: 503, Body: "overloaded"}
	sess := suite.login()

	turn, err := suite.svc.Submit(suite.ctx, sess, "hi")
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), MsgServerNoResponse, turn.Reply)
	assert.Equal(suite.T(), MsgServerNoResponse, sess.Messages()[1].Content)
}

func (suite *ServiceTestSuite) TestChatLogFailureDoesNotAbortTurn() {
	suite.log.err = errors.New("insert failed")
	sess := suite.login()

	turn, err := suite.svc.Submit(suite.ctx, sess, "hi")
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), "hello", turn.Reply)
	assert.Equal(suite.T(), []int64{1005}, suite.store.writes)
}

func (suite *ServiceTestSuite) TestSubmitPassesPriorMessagesOnly() {
	suite.gen.reply = gemini.Reply{Text: "ok", TotalTokens: 0}
	sess := suite.login()

	for i := 0; i < 5; i++ {
		_, err := suite.svc.Submit(suite.ctx, sess, fmt.Sprintf("p%d", i))
		require.NoError(suite.T(), err)
	}

	require.Len(suite.T(), suite.gen.calls, 5)
	assert.Empty(suite.T(), suite.gen.calls[0].history)
	last := suite.gen.calls[4]
	assert.Equal(suite.T(), "p4", last.prompt)
	require.Len(suite.T(), last.history, 8)
	assert.Equal(suite.T(), "p3", last.history[6].Content)

	// The generator trims to the window itself.
	contents := gemini.BuildContents(last.prompt, last.history, last.instruction)
	assert.Len(suite.T(), contents, gemini.HistoryWindow+1)
}

func (suite *ServiceTestSuite) TestSubmitResolvesActiveExpert() {
	sess := suite.login()
	suite.svc.SelectExpert(sess, persona.Table[2].Label)

	_, err := suite.svc.Submit(suite.ctx, sess, "2+2")
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), persona.Table[2].Instruction, suite.gen.calls[0].instruction)
	assert.Equal(suite.T(), persona.Table[2].Label, suite.log.msgs[0].Expert)
}

func (suite *ServiceTestSuite) TestSelectExpertClearsVisibleMessagesOnly() {
	sess := suite.login()
	_, err := suite.svc.Submit(suite.ctx, sess, "hi")
	require.NoError(suite.T(), err)
	require.Len(suite.T(), sess.Messages(), 2)

	assert.False(suite.T(), suite.svc.SelectExpert(sess, sess.Expert()))
	assert.Len(suite.T(), sess.Messages(), 2)

	assert.True(suite.T(), suite.svc.SelectExpert(sess, persona.Table[1].Label))
	assert.Empty(suite.T(), sess.Messages())
	assert.Len(suite.T(), suite.log.msgs, 2)
}

func (suite *ServiceTestSuite) TestSubmitWhileBusy() {
	suite.gen.block = make(chan struct{})
	sess := suite.login()

	done := make(chan error, 1)
	go func() {
		_, err := suite.svc.Submit(suite.ctx, sess, "slow")
		done <- err
	}()

	require.Eventually(suite.T(), func() bool {
		return len(suite.log.snapshot()) == 1
	}, time.Second, time.Millisecond)

	_, err := suite.svc.Submit(suite.ctx, sess, "second")
	assert.ErrorIs(suite.T(), err, ErrTurnInProgress)

	close(suite.gen.block)
	require.NoError(suite.T(), <-done)
	assert.Len(suite.T(), suite.gen.calls, 1)
}

func (suite *ServiceTestSuite) TestSubmitIgnoresCallerCancellation() {
	sess := suite.login()
	ctx, cancel := context.WithCancel(suite.ctx)
	cancel()

	turn, err := suite.svc.Submit(ctx, sess, "hi")
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(1005), turn.UsedTokens)
}

func (suite *ServiceTestSuite) TestLogoutDiscardsState() {
	sess := suite.login()
	_, err := suite.svc.Submit(suite.ctx, sess, "hi")
	require.NoError(suite.T(), err)

	suite.svc.Logout(sess)
	assert.False(suite.T(), sess.LoggedIn())
	assert.Empty(suite.T(), sess.Messages())
	assert.Empty(suite.T(), sess.Username())

	_, err = suite.svc.Submit(suite.ctx, sess, "hi")
	assert.ErrorIs(suite.T(), err, ErrLoggedOut)
}

func (suite *ServiceTestSuite) TestAccount() {
	sess := suite.login()
	a, err := suite.svc.Account(suite.ctx, sess)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(10), a.Balance())

	suite.store.getErr = errors.New("boom")
	_, err = suite.svc.Account(suite.ctx, sess)
	assert.ErrorIs(suite.T(), err, ErrAccountUnavailable)
}

func (f *fakeLog) snapshot() []models.ChatMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.ChatMessage(nil), f.msgs...)
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceTestSuite))
}

func TestFallback(t *testing.T) {
	assert.Equal(t, MsgServerNoResponse, Fallback(&gemini.StatusError{Code: 500}))
	assert.Equal(t, MsgServerNoResponse, Fallback(fmt.Errorf("wrapped: %w", &gemini.StatusError{Code: 429})))
	assert.Equal(t, MsgTechnicalProblem, Fallback(gemini.ErrMalformedResponse))
	assert.Equal(t, MsgTechnicalProblem, Fallback(context.DeadlineExceeded))
}

func TestSessionsPrune(t *testing.T) {
	r := NewSessions()
	stale := newSession("ali", "x")
	fresh := newSession("sara", "x")
	r.Bind("stale", stale)
	r.Bind("fresh", fresh)

	var asked []string
	n := r.Prune(func(token string) bool {
		asked = append(asked, token)
		return token == "fresh"
	})

	assert.Equal(t, 1, n)
	assert.ElementsMatch(t, []string{"stale", "fresh"}, asked)
	assert.Equal(t, 1, r.Len())
	_, ok := r.Get("stale")
	assert.False(t, ok)
	assert.False(t, stale.LoggedIn())
	assert.True(t, fresh.LoggedIn())
}

func TestSessionsRegistry(t *testing.T) {
	r := NewSessions()
	s := newSession("ali", "x")
	r.Bind("tok", s)

	got, ok := r.Get("tok")
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.Equal(t, 1, r.Len())

	dropped, ok := r.Drop("tok")
	assert.True(t, ok)
	assert.Same(t, s, dropped)
	_, ok = r.Get("tok")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}
