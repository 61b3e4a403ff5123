package handlers

import (
	"context"
	"database/sql"
	"errors"
	"html/template"
	"math"
	"net/http"
	"path/filepath"
	"time"

	"zirak-chat/internal/auth"
	"zirak-chat/internal/chat"
	"zirak-chat/internal/logging"
	"zirak-chat/internal/persona"
	"zirak-chat/internal/storage"

	"github.com/dustin/go-humanize"
)

// Context key type to avoid collisions.
type contextKey string

const (
	// SessionContextKey is the context key for the caller's chat session.
	SessionContextKey contextKey = "session"
	// SessionCookieName is the name of the session cookie.
	SessionCookieName = "session"
	// SessionDuration is how long sessions last (30 days).
	SessionDuration = 30 * 24 * time.Hour
)

// Options are the presentation settings of the web layer.
type Options struct {
	TemplateDir  string
	SecureCookie bool
	// TypingDelay paces the word-by-word reveal of replies.
	TypingDelay time.Duration
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	db       *storage.DB
	chat     *chat.Service
	live     *chat.Sessions
	personas []persona.Persona
	opts     Options
	logger   logging.Logger
}

// NewHandlers creates a new Handlers instance. db holds the browser sessions.
func NewHandlers(db *storage.DB, svc *chat.Service, personas []persona.Persona, opts Options, logger logging.Logger) *Handlers {
	return &Handlers{
		db:       db,
		chat:     svc,
		live:     chat.NewSessions(),
		personas: personas,
		opts:     opts,
		logger:   logger,
	}
}

// GetSessionFromContext retrieves the chat session from request context.
func GetSessionFromContext(r *http.Request) *chat.Session {
	if sess, ok := r.Context().Value(SessionContextKey).(*chat.Session); ok {
		return sess
	}
	return nil
}

// AuthMiddleware wraps handlers to require authentication.
// It also implements rolling sessions: if a session is past the halfway point
// of its lifetime, it automatically renews the session.
func (h *Handlers) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(SessionCookieName)
		if err != nil || cookie.Value == "" {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}

		sessionInfo, err := h.db.ValidateSessionWithInfo(cookie.Value)
		if err != nil {
			// Invalid or expired session, clear the cookie
			h.live.Drop(cookie.Value)
			h.clearSessionCookie(w)
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}

		// Rolling session: renew if past halfway point
		now := time.Now()
		if sessionInfo.ExpiresAt.Sub(now) < SessionDuration/2 {
			if err := h.db.RenewSession(cookie.Value, now.Add(SessionDuration)); err == nil {
				h.setSessionCookie(w, cookie.Value)
			}
			// If renewal fails, just continue with the current session
		}

		// A restart loses the in-memory chat state; start over on the
		// default expert for the same user.
		sess, ok := h.live.Get(cookie.Value)
		if !ok || !sess.LoggedIn() {
			sess = h.chat.Resume(sessionInfo.Username)
			h.live.Bind(cookie.Value, sess)
		}

		ctx := context.WithValue(r.Context(), SessionContextKey, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// PruneSessions drops chat sessions whose browser session is gone or
// expired. It returns how many were dropped.
func (h *Handlers) PruneSessions(ctx context.Context) int {
	n := h.live.Prune(func(token string) bool {
		_, err := h.db.ValidateSession(token)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			h.logger.Warn(ctx, "session check failed, keeping chat session", "error", err)
			return true
		}
		return err == nil
	})
	if n > 0 {
		h.logger.Info(ctx, "pruned chat sessions", "count", n)
	}
	return n
}

// LoginViewModel holds data for the login page.
type LoginViewModel struct {
	Error    string
	Username string
}

// LoginForm renders the login page.
func (h *Handlers) LoginForm(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		if _, err := h.db.ValidateSession(cookie.Value); err == nil {
			http.Redirect(w, r, "/chat", http.StatusFound)
			return
		}
	}
	h.render(w, r, "login.html", LoginViewModel{})
}

// Login handles the login form submission.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.render(w, r, "login.html", LoginViewModel{Error: chat.MsgInvalidCredentials})
		return
	}

	username := r.FormValue("username")
	sess, err := h.chat.Login(r.Context(), username, r.FormValue("password"))
	if err != nil {
		h.render(w, r, "login.html", LoginViewModel{Error: chat.MsgInvalidCredentials, Username: username})
		return
	}

	token, err := auth.GenerateSessionToken()
	if err != nil {
		h.logger.Error(r.Context(), "failed to generate session token", "error", err)
		h.render(w, r, "login.html", LoginViewModel{Error: chat.MsgTechnicalProblem})
		return
	}

	if err := h.db.CreateSession(token, sess.Username(), time.Now().Add(SessionDuration)); err != nil {
		h.logger.Error(r.Context(), "failed to create session", "error", err)
		h.render(w, r, "login.html", LoginViewModel{Error: chat.MsgTechnicalProblem})
		return
	}
	h.live.Bind(token, sess)

	h.setSessionCookie(w, token)
	http.Redirect(w, r, "/chat", http.StatusFound)
}

// Logout handles user logout.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		if sess, ok := h.live.Drop(cookie.Value); ok {
			h.chat.Logout(sess)
		}
		if err := h.db.DeleteSession(cookie.Value); err != nil {
			h.logger.Warn(r.Context(), "failed to delete session", "error", err)
		}
	}
	h.clearSessionCookie(w)
	http.Redirect(w, r, "/login", http.StatusFound)
}

func (h *Handlers) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(SessionDuration.Seconds()),
		HttpOnly: true,
		Secure:   h.opts.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handlers) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.opts.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

var templateFuncs = template.FuncMap{
	"comma": humanize.Comma,
	"percent": func(ratio float64) string {
		return humanize.FtoaWithDigits(math.Round(ratio*1000)/10, 1) + "%"
	},
}

func (h *Handlers) render(w http.ResponseWriter, r *http.Request, viewName string, data any) {
	tmpl, err := template.New("base.html").Funcs(templateFuncs).ParseFiles(
		filepath.Join(h.opts.TemplateDir, "base.html"),
		filepath.Join(h.opts.TemplateDir, viewName),
	)
	if err != nil {
		h.logger.Error(r.Context(), "template error", "view", viewName, "error", err)
		http.Error(w, "Template error", http.StatusInternalServerError)
		return
	}
	target := "base.html"
	if r.Header.Get("HX-Request") == "true" {
		target = "content"
	}
	if err := tmpl.ExecuteTemplate(w, target, data); err != nil {
		h.logger.Error(r.Context(), "template execution error", "view", viewName, "error", err)
	}
}
