package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"nut4health.org/internal/screening"
)

type createHealthCentreRequest struct {
	ID string `json:"id"`
}

type assignHealthServiceRequest struct {
	Account string `json:"account"`
}

type paymentConfigurationRequest struct {
	Reward int64 `json:"reward"`
}

type screenerConfigurationRequest struct {
	ConfigurationID uint32 `json:"configuration_id"`
}

type setTokenRequest struct {
	Token string `json:"token"`
	Payer string `json:"payer"`
}

type registerDiagnosisRequest struct {
	DiagnosisID    string `json:"diagnosis_id"`
	HealthCentreID string `json:"health_centre_id"`
}

type diagnosisStatusResponse struct {
	DiagnosisID string           `json:"diagnosis_id"`
	Status      screening.Status `json:"status"`
	Code        uint8            `json:"code"`
}

// --- health centres ---

func (a *API) handleCreateHealthCentre(w http.ResponseWriter, r *http.Request) {
	var req createHealthCentreRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	c, err := a.svc.CreateHealthCentre(r.Context(), caller(r), req.ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/health-centres/"+c.ID)
	writeJSON(w, http.StatusCreated, c)
}

func (a *API) handleGetHealthCentre(w http.ResponseWriter, r *http.Request) {
	c, err := a.svc.HealthCentre(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) handleAssignHealthService(w http.ResponseWriter, r *http.Request) {
	var req assignHealthServiceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.AssignToHealthCentre(r.Context(), caller(r), req.Account, chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleIsAssigned(w http.ResponseWriter, r *http.Request) {
	centreID, account := chi.URLParam(r, "id"), chi.URLParam(r, "account")
	ok, err := a.svc.IsAssigned(r.Context(), account, centreID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"health_centre_id": centreID,
		"account":          strings.ToLower(account),
		"assigned":         ok,
	})
}

// --- payment configurations ---

func (a *API) handleAddPaymentConfiguration(w http.ResponseWriter, r *http.Request) {
	var req paymentConfigurationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pc, err := a.svc.AddPaymentConfiguration(r.Context(), caller(r), req.Reward)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/payment-configurations/%d", pc.ID))
	writeJSON(w, http.StatusCreated, pc)
}

func (a *API) handleGetPaymentConfiguration(w http.ResponseWriter, r *http.Request) {
	id, ok := configurationID(w, r)
	if !ok {
		return
	}
	pc, err := a.svc.PaymentConfiguration(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pc)
}

func (a *API) handleUpdatePrice(w http.ResponseWriter, r *http.Request) {
	id, ok := configurationID(w, r)
	if !ok {
		return
	}
	var req paymentConfigurationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.UpdatePrice(r.Context(), caller(r), id, req.Reward); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, screening.PaymentConfiguration{ID: id, Reward: req.Reward})
}

func (a *API) handleGetScreenerConfiguration(w http.ResponseWriter, r *http.Request) {
	pc, err := a.svc.ScreenerConfiguration(r.Context(), chi.URLParam(r, "account"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pc)
}

func (a *API) handleSetScreenerConfiguration(w http.ResponseWriter, r *http.Request) {
	var req screenerConfigurationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	err := a.svc.SetScreenerConfiguration(r.Context(), caller(r), chi.URLParam(r, "account"), req.ConfigurationID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func configurationID(w http.ResponseWriter, r *http.Request) (uint32, bool) {
	v, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "configuration id must be an unsigned 32-bit integer")
		return 0, false
	}
	return uint32(v), true
}

// --- settlement ---

func (a *API) handleGetSettlement(w http.ResponseWriter, r *http.Request) {
	st, err := a.svc.Settlement(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      st.Token,
		"payer":      st.Payer,
		"spender":    a.svc.Account(),
		"configured": st.Configured(),
	})
}

func (a *API) handleSetToken(w http.ResponseWriter, r *http.Request) {
	var req setTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.SetToken(r.Context(), caller(r), req.Token, req.Payer); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- diagnoses ---

func (a *API) handleRegisterDiagnosis(w http.ResponseWriter, r *http.Request) {
	var req registerDiagnosisRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	d, err := a.svc.RegisterDiagnosis(r.Context(), caller(r), req.DiagnosisID, req.HealthCentreID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/diagnoses/"+d.ID)
	writeJSON(w, http.StatusCreated, d)
}

func (a *API) handleGetDiagnosis(w http.ResponseWriter, r *http.Request) {
	d, err := a.svc.Diagnosis(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleDiagnosisStatus never fails for unknown ids; they report Unexisting.
func (a *API) handleDiagnosisStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := a.svc.GetDiagnosisDetails(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, diagnosisStatusResponse{DiagnosisID: id, Status: st, Code: uint8(st)})
}

func (a *API) handleInvalidateDiagnosis(w http.ResponseWriter, r *http.Request) {
	a.review(w, r, a.svc.InvalidateDiagnosis)
}

func (a *API) handleValidateDiagnosis(w http.ResponseWriter, r *http.Request) {
	a.review(w, r, a.svc.ValidateDiagnosis)
}

func (a *API) handlePayReward(w http.ResponseWriter, r *http.Request) {
	a.review(w, r, a.svc.PayReward)
}

type diagnosisTransition func(ctx context.Context, caller, diagnosisID string) (screening.Diagnosis, error)

func (a *API) review(w http.ResponseWriter, r *http.Request, transition diagnosisTransition) {
	d, err := transition(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
