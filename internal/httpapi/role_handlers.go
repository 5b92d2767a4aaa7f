package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"nut4health.org/internal/audit"
	"nut4health.org/internal/auth"
)

type roleMembershipResponse struct {
	Role    auth.Role `json:"role"`
	RoleID  string    `json:"role_id"`
	Account string    `json:"account"`
	HasRole bool      `json:"has_role"`
}

func (a *API) roleParam(w http.ResponseWriter, r *http.Request) (auth.Role, bool) {
	role, err := auth.ParseRole(chi.URLParam(r, "role"))
	if err != nil {
		writeServiceError(w, r, err)
		return "", false
	}
	return role, true
}

func (a *API) handleHasRole(w http.ResponseWriter, r *http.Request) {
	role, ok := a.roleParam(w, r)
	if !ok {
		return
	}
	account := auth.NormalizeAccount(chi.URLParam(r, "account"))
	has, err := a.gate.HasRole(r.Context(), role, account)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, roleMembershipResponse{
		Role:    role,
		RoleID:  role.ID(),
		Account: account,
		HasRole: has,
	})
}

func (a *API) handleRoleMembers(w http.ResponseWriter, r *http.Request) {
	role, ok := a.roleParam(w, r)
	if !ok {
		return
	}
	members, err := a.gate.Members(r.Context(), role)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"role":    role,
		"role_id": role.ID(),
		"members": members,
	})
}

func (a *API) handleGrantRole(w http.ResponseWriter, r *http.Request) {
	a.changeRole(w, r, "role.grant", a.gate.GrantRole)
}

func (a *API) handleRevokeRole(w http.ResponseWriter, r *http.Request) {
	a.changeRole(w, r, "role.revoke", a.gate.RevokeRole)
}

type roleChange func(ctx context.Context, caller string, role auth.Role, account string) error

func (a *API) changeRole(w http.ResponseWriter, r *http.Request, event string, change roleChange) {
	role, ok := a.roleParam(w, r)
	if !ok {
		return
	}
	account := auth.NormalizeAccount(chi.URLParam(r, "account"))
	if err := change(r.Context(), caller(r), role, account); err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), event, map[string]any{
		"role":    string(role),
		"role_id": role.ID(),
		"account": account,
	})
	w.WriteHeader(http.StatusNoContent)
}
