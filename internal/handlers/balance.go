package handlers

import (
	"net/http"

	"zirak-chat/internal/chat"
)

// BalanceViewModel is the data passed to the balance template.
type BalanceViewModel struct {
	Username   string
	Plan       string
	UsedTokens int64
	TokenLimit int64
	Remaining  int64
	UsageRatio float64
	Exhausted  bool
	Notice     string
	Error      string
}

// Balance shows the remaining quota of the signed-in account.
func (h *Handlers) Balance(w http.ResponseWriter, r *http.Request) {
	sess := GetSessionFromContext(r)
	acct, err := h.chat.Account(r.Context(), sess)
	if err != nil {
		h.logger.Warn(r.Context(), "balance unavailable", "username", sess.Username(), "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		h.render(w, r, "balance.html", BalanceViewModel{Username: sess.Username(), Error: chat.MsgTechnicalProblem})
		return
	}

	vm := BalanceViewModel{
		Username:   acct.Username,
		Plan:       acct.Plan,
		UsedTokens: acct.UsedTokens,
		TokenLimit: acct.TokenLimit,
		Remaining:  acct.Balance(),
		UsageRatio: acct.UsageRatio(),
		Exhausted:  acct.Exhausted(),
	}
	if vm.Exhausted {
		vm.Notice = chat.MsgQuotaExceeded
	}
	h.render(w, r, "balance.html", vm)
}
