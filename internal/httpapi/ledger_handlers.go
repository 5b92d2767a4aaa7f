package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"nut4health.org/internal/audit"
	"nut4health.org/internal/auth"
	"nut4health.org/internal/ledger"
)

type mintRequest struct {
	Account string `json:"account"`
	Amount  int64  `json:"amount"`
}

type approveRequest struct {
	Amount int64 `json:"amount"`
}

type listTransfersResponse struct {
	Items     []ledger.Transfer `json:"items"`
	NextAfter uint64            `json:"next_after"`
	AsOf      time.Time         `json:"as_of"`
}

// handleMint credits tokens to an account. Only admins may mint; this is how
// payer accounts get funded outside a real token contract.
func (a *API) handleMint(w http.ResponseWriter, r *http.Request) {
	if err := a.gate.RequireRole(r.Context(), auth.RoleAdmin, caller(r)); err != nil {
		writeServiceError(w, r, err)
		return
	}
	var req mintRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	token := chi.URLParam(r, "token")
	balance, err := a.ledger.Mint(r.Context(), req.Account, ledger.Amount{Token: token, Value: req.Amount})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	account := ledger.NormalizeAccount(req.Account)
	_ = audit.LogEvent(r.Context(), "ledger.mint", map[string]any{
		"token":   token,
		"account": account,
		"amount":  strconv.FormatInt(req.Amount, 10),
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"token":   balance.Token,
		"account": account,
		"balance": balance.Value,
	})
}

// handleApprove sets the caller's allowance for spender, overwriting any
// previous value.
func (a *API) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	token, spender := chi.URLParam(r, "token"), chi.URLParam(r, "spender")
	owner := caller(r)
	if err := a.ledger.Approve(r.Context(), owner, spender, ledger.Amount{Token: token, Value: req.Amount}); err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "ledger.approve", map[string]any{
		"token":   token,
		"owner":   owner,
		"spender": ledger.NormalizeAccount(spender),
		"amount":  strconv.FormatInt(req.Amount, 10),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleBalance(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	bal, err := a.ledger.BalanceOf(r.Context(), chi.URLParam(r, "token"), account)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":   bal.Token,
		"account": ledger.NormalizeAccount(account),
		"balance": bal.Value,
	})
}

func (a *API) handleAllowance(w http.ResponseWriter, r *http.Request) {
	owner, spender := chi.URLParam(r, "owner"), chi.URLParam(r, "spender")
	amt, err := a.ledger.Allowance(r.Context(), chi.URLParam(r, "token"), owner, spender)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     amt.Token,
		"owner":     ledger.NormalizeAccount(owner),
		"spender":   ledger.NormalizeAccount(spender),
		"allowance": amt.Value,
	})
}

func (a *API) handleListTransfers(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	after, err := parseAfter(r.URL.Query().Get("after"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	items, next, err := a.ledger.ListTransfers(r.Context(), limit, after)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []ledger.Transfer{}
	}
	if next == 0 {
		next = after
	}
	writeJSON(w, http.StatusOK, listTransfersResponse{Items: items, NextAfter: next, AsOf: time.Now().UTC()})
}
