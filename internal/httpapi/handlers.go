package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"nut4health.org/internal/auth"
	"nut4health.org/internal/ledger"
	"nut4health.org/internal/obs"
	"nut4health.org/internal/screening"
	"nut4health.org/internal/stream"
)

const serviceName = "nut4health-api"

// ReadyProbe checks that the backing database answers. A nil DB means the
// service runs on in-memory stores and is always ready.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Deps are the services the HTTP layer delegates to.
type Deps struct {
	Screening *screening.Service
	Gate      *auth.Gate
	Ledger    ledger.Service
	Issuer    *auth.Issuer
	Stream    *stream.Stream
	Ready     ReadyProbe
	Version   string
}

// Options tune the transport.
type Options struct {
	IssueTokens   bool
	RateBurst     int
	RatePerSecond float64
	CORSOrigins   []string
	MaxBodyBytes  int64
}

// API is the HTTP layer.
type API struct {
	svc     *screening.Service
	gate    *auth.Gate
	ledger  ledger.Service
	issuer  *auth.Issuer
	stream  *stream.Stream
	ready   ReadyProbe
	version string
	opts    Options
	router  chi.Router
}

func New(d Deps, opts Options) (*API, error) {
	switch {
	case d.Screening == nil:
		return nil, errors.New("screening service is required")
	case d.Gate == nil:
		return nil, errors.New("role gate is required")
	case d.Ledger == nil:
		return nil, errors.New("token ledger is required")
	case d.Issuer == nil:
		return nil, errors.New("token issuer is required")
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 20
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 10
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	a := &API{
		svc:     d.Screening,
		gate:    d.Gate,
		ledger:  d.Ledger,
		issuer:  d.Issuer,
		stream:  d.Stream,
		ready:   d.Ready,
		version: d.Version,
		opts:    opts,
	}
	a.router = a.routes()
	return a, nil
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(SecurityHeaders)
	r.Use(CORS(a.opts.CORSOrigins))
	r.Use(MaxBodyBytes(a.opts.MaxBodyBytes))
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())
	if a.opts.IssueTokens {
		r.Post("/v1/auth/token", a.handleAuthToken)
	}

	r.Group(func(r chi.Router) {
		r.Use(a.authenticate)

		r.Route("/v1/roles/{role}/members", func(r chi.Router) {
			r.Get("/", a.handleRoleMembers)
			r.Get("/{account}", a.handleHasRole)
			r.Put("/{account}", a.handleGrantRole)
			r.Delete("/{account}", a.handleRevokeRole)
		})

		r.Post("/v1/health-centres", a.handleCreateHealthCentre)
		r.Get("/v1/health-centres/{id}", a.handleGetHealthCentre)
		r.Post("/v1/health-centres/{id}/health-services", a.handleAssignHealthService)
		r.Get("/v1/health-centres/{id}/health-services/{account}", a.handleIsAssigned)

		r.Post("/v1/payment-configurations", a.handleAddPaymentConfiguration)
		r.Get("/v1/payment-configurations/{id}", a.handleGetPaymentConfiguration)
		r.Put("/v1/payment-configurations/{id}", a.handleUpdatePrice)
		r.Get("/v1/screeners/{account}/configuration", a.handleGetScreenerConfiguration)
		r.Put("/v1/screeners/{account}/configuration", a.handleSetScreenerConfiguration)

		r.Get("/v1/settlement/token", a.handleGetSettlement)
		r.Put("/v1/settlement/token", a.handleSetToken)

		r.Post("/v1/diagnoses", a.handleRegisterDiagnosis)
		r.Get("/v1/diagnoses/{id}", a.handleGetDiagnosis)
		r.Get("/v1/diagnoses/{id}/status", a.handleDiagnosisStatus)
		r.Post("/v1/diagnoses/{id}/invalidate", a.handleInvalidateDiagnosis)
		r.Post("/v1/diagnoses/{id}/validate", a.handleValidateDiagnosis)
		r.Post("/v1/diagnoses/{id}/pay", a.handlePayReward)

		r.Post("/v1/tokens/{token}/mint", a.handleMint)
		r.Put("/v1/tokens/{token}/allowances/{spender}", a.handleApprove)
		r.Get("/v1/tokens/{token}/allowances/{owner}/{spender}", a.handleAllowance)
		r.Get("/v1/tokens/{token}/balances/{account}", a.handleBalance)
		r.Get("/v1/ledger/transfers", a.handleListTransfers)

		r.Get("/v1/events", a.handleListEvents)
		r.Get("/v1/events/stream", a.handleEventStream)
	})
	return r
}

// Handler returns the root handler with request id, access log, rate limit
// and metrics applied.
func (a *API) Handler() http.Handler {
	limited := RateLimit(a.router, a.opts.RateBurst, a.opts.RatePerSecond)
	return RequestID(LoggingJSON(obs.Instrument(limited)))
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"version": a.version,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"account": a.svc.Account(),
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{"error": msg}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// writeServiceError maps domain errors onto HTTP status codes.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, screening.ErrUnauthorized), errors.Is(err, auth.ErrUnauthorized):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, screening.ErrSettlement),
		errors.Is(err, ledger.ErrInsufficientAllowance),
		errors.Is(err, ledger.ErrInsufficientFunds):
		writeError(w, r, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, screening.ErrInvalidInput),
		errors.Is(err, auth.ErrInvalidInput),
		errors.Is(err, auth.ErrUnknownRole),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidToken),
		errors.Is(err, ledger.ErrInvalidAccount):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, screening.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, screening.ErrAlreadyExists),
		errors.Is(err, screening.ErrInvalidState),
		errors.Is(err, ledger.ErrIdempotencyConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		obs.Error("request_failed", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"path":       r.URL.Path,
			"error":      err,
		})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func parseLimit(raw string) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return 100, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 || v > 1000 {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return v, nil
}

func parseAfter(raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errors.New("after must be a non-negative integer")
	}
	return v, nil
}
