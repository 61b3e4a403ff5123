package chat

import (
	"sync"

	"zirak-chat/internal/models"
)

// Session is the in-memory state of one signed-in browser: who is logged
// in, which expert is active and the messages exchanged with that expert.
type Session struct {
	// turn is held for the whole of Submit so a browser cannot start a
	// second turn before the first one settles.
	turn sync.Mutex

	mu       sync.Mutex
	loggedIn bool
	username string
	expert   string
	messages []models.ChatMessage
}

func newSession(username, expert string) *Session {
	return &Session{loggedIn: true, username: username, expert: expert}
}

// LoggedIn reports whether Logout has not been called yet.
func (s *Session) LoggedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedIn
}

// Username is empty after Logout.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// Expert returns the active expert label.
func (s *Session) Expert() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expert
}

// Messages returns a copy of the visible conversation.
func (s *Session) Messages() []models.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ChatMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Session) snapshot() (username, expert string, messages []models.ChatMessage, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	messages = make([]models.ChatMessage, len(s.messages))
	copy(messages, s.messages)
	return s.username, s.expert, messages, s.loggedIn
}

// selectExpert switches expert, dropping the visible messages. It reports
// whether anything changed.
func (s *Session) selectExpert(label string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expert == label {
		return false
	}
	s.expert = label
	s.messages = nil
	return true
}

// appendFor adds msg only while expert is still the active one.
func (s *Session) appendFor(expert string, msg models.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loggedIn && s.expert == expert {
		s.messages = append(s.messages, msg)
	}
}

func (s *Session) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loggedIn = false
	s.username = ""
	s.expert = ""
	s.messages = nil
}

// Sessions binds chat sessions to browser session tokens.
type Sessions struct {
	mu sync.Mutex
	m  map[string]*Session
}

func NewSessions() *Sessions {
	return &Sessions{m: make(map[string]*Session)}
}

// Bind associates s with token, replacing any earlier binding.
func (r *Sessions) Bind(token string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[token] = s
}

func (r *Sessions) Get(token string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.m[token]
	return s, ok
}

// Drop unbinds token and returns the session it held, if any.
func (r *Sessions) Drop(token string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.m[token]
	delete(r.m, token)
	return s, ok
}

// Prune drops and logs out every session whose token keep rejects. keep is
// called without the registry lock held.
func (r *Sessions) Prune(keep func(token string) bool) int {
	r.mu.Lock()
	tokens := make([]string, 0, len(r.m))
	for t := range r.m {
		tokens = append(tokens, t)
	}
	r.mu.Unlock()

	n := 0
	for _, t := range tokens {
		if keep(t) {
			continue
		}
		if s, ok := r.Drop(t); ok {
			s.reset()
			n++
		}
	}
	return n
}

// Len returns the number of bound sessions.
func (r *Sessions) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}
