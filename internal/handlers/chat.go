package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"zirak-chat/internal/chat"
	"zirak-chat/internal/models"
)

// maxUploadMemory bounds the in-memory part of multipart chat submissions.
const maxUploadMemory = 10 << 20

// ExpertOption is one entry of the expert picker.
type ExpertOption struct {
	Label  string
	Active bool
}

// ChatViewModel is the data passed to the chat template.
type ChatViewModel struct {
	Username  string
	Experts   []ExpertOption
	Messages  []models.ChatMessage
	Balance   int64
	Exhausted bool
	Notice    string
}

// ChatPage renders the active expert's conversation.
func (h *Handlers) ChatPage(w http.ResponseWriter, r *http.Request) {
	sess := GetSessionFromContext(r)
	vm := ChatViewModel{
		Username: sess.Username(),
		Messages: sess.Messages(),
	}
	active := sess.Expert()
	for _, p := range h.personas {
		vm.Experts = append(vm.Experts, ExpertOption{Label: p.Label, Active: p.Label == active})
	}

	acct, err := h.chat.Account(r.Context(), sess)
	if err != nil {
		h.logger.Warn(r.Context(), "balance unavailable", "username", vm.Username, "error", err)
	} else {
		vm.Balance = acct.Balance()
		vm.Exhausted = acct.Exhausted()
		if vm.Exhausted {
			vm.Notice = chat.MsgQuotaExceeded
		}
	}

	h.render(w, r, "chat.html", vm)
}

// SelectExpert switches the session to another persona.
func (h *Handlers) SelectExpert(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form submission", http.StatusBadRequest)
		return
	}
	label := r.FormValue("expert")
	if !h.knownExpert(label) {
		http.Error(w, "Unknown expert", http.StatusBadRequest)
		return
	}

	h.chat.SelectExpert(GetSessionFromContext(r), label)

	if r.Header.Get("HX-Request") == "true" {
		w.Header().Set("HX-Location", `{"path":"/chat", "target":"#content"}`)
		return
	}
	http.Redirect(w, r, "/chat", http.StatusSeeOther)
}

func (h *Handlers) knownExpert(label string) bool {
	for _, p := range h.personas {
		if p.Label == label {
			return true
		}
	}
	return false
}

// SendMessage runs one turn and streams the reply word by word. The stream
// starts only after the turn has been charged and logged.
func (h *Handlers) SendMessage(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		http.Error(w, "Invalid form submission", http.StatusBadRequest)
		return
	}
	prompt := strings.TrimSpace(r.FormValue("prompt"))
	if prompt == "" {
		http.Error(w, "Prompt is required", http.StatusBadRequest)
		return
	}
	if hasAttachment(r) {
		prompt += chat.AttachmentMarker
	}

	sess := GetSessionFromContext(r)
	turn, err := h.chat.Submit(r.Context(), sess, prompt)
	switch {
	case errors.Is(err, chat.ErrQuotaExceeded):
		http.Error(w, chat.MsgQuotaExceeded, http.StatusPaymentRequired)
		return
	case errors.Is(err, chat.ErrTurnInProgress):
		http.Error(w, "A reply is still being generated", http.StatusConflict)
		return
	case errors.Is(err, chat.ErrLoggedOut):
		http.Error(w, "Not logged in", http.StatusUnauthorized)
		return
	case err != nil:
		h.logger.Error(r.Context(), "submit failed", "username", sess.Username(), "error", err)
		http.Error(w, chat.MsgTechnicalProblem, http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Turn-Cost", strconv.FormatInt(turn.Cost, 10))
	w.Header().Set("X-Balance", strconv.FormatInt(turn.Balance, 10))
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	flush := func() { _ = rc.Flush() }
	if err := chat.Reveal(r.Context(), w, turn.Reply, h.opts.TypingDelay, flush); err != nil {
		h.logger.Debug(r.Context(), "reply stream interrupted", "error", err)
	}
}

// hasAttachment reports whether the submission carried a file or the
// attached flag.
func hasAttachment(r *http.Request) bool {
	if r.MultipartForm != nil && len(r.MultipartForm.File["attachment"]) > 0 {
		return true
	}
	v := r.FormValue("attached")
	return v == "1" || v == "true" || v == "on"
}
