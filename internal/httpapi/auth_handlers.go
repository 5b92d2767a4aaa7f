package httpapi

import (
	"net/http"
	"strings"
	"time"

	"nut4health.org/internal/audit"
)

type tokenRequest struct {
	Account string `json:"account"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	Account   string    `json:"account"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleAuthToken issues a bearer token for an account. It is only routed
// when token issuance is enabled, which is meant for development setups
// where no external identity provider signs tokens.
func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	account := strings.TrimSpace(req.Account)
	if account == "" {
		writeError(w, r, http.StatusBadRequest, "account is required")
		return
	}

	token, exp, err := a.issuer.Issue(account)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.token.issued", map[string]any{
		"account":    strings.ToLower(account),
		"expires_at": exp.Format(time.RFC3339),
	})
	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		Account:   strings.ToLower(account),
		ExpiresAt: exp,
	})
}
