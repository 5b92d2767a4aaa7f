package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nut4health.org/internal/auth"
	"nut4health.org/internal/ledger"
	"nut4health.org/internal/screening"
	"nut4health.org/internal/stream"
)

const (
	adminAccount  = "0xadmin"
	screener      = "0xscreener"
	healthService = "0xhealth"
	payer         = "0xpayer"
	coreAccount   = "0xcore"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
	stream  *stream.Stream
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	gate, err := auth.NewGate(auth.NewMemoryRoles())
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	if err := gate.Bootstrap(context.Background(), adminAccount); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	led := ledger.NewInMemory()
	events := stream.New(64)
	svc, err := screening.NewService(screening.NewMemoryStore(), gate, led, coreAccount,
		screening.WithPublisher(events))
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	issuer, err := auth.NewIssuer("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}

	api, err := New(Deps{
		Screening: svc,
		Gate:      gate,
		Ledger:    led,
		Issuer:    issuer,
		Stream:    events,
		Version:   "test",
	}, Options{IssueTokens: true, RateBurst: 1000, RatePerSecond: 1000})
	if err != nil {
		t.Fatalf("new api: %v", err)
	}

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{baseURL: srv.URL, client: srv.Client(), t: t, stream: events}
}

func (c *apiClient) do(method, path, token string, body any) *http.Response {
	c.t.Helper()
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+path, payload)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

// expect asserts the status code and closes the body.
func (c *apiClient) expect(resp *http.Response, code int) {
	c.t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != code {
		raw, _ := io.ReadAll(resp.Body)
		c.t.Fatalf("%s %s: expected %d, got %d: %s", resp.Request.Method, resp.Request.URL.Path, code, resp.StatusCode, raw)
	}
}

func (c *apiClient) obtainToken(account string) string {
	c.t.Helper()
	resp := c.do(http.MethodPost, "/v1/auth/token", "", map[string]any{"account": account})
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected token status: %d", resp.StatusCode)
	}
	payload := decode[tokenResponse](c.t, resp)
	if payload.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	return payload.Token
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

type tokens struct {
	admin, screener, health, payer string
}

// setupRoles issues tokens and grants the screener and health service roles.
func setupRoles(c *apiClient) tokens {
	tk := tokens{
		admin:    c.obtainToken(adminAccount),
		screener: c.obtainToken(screener),
		health:   c.obtainToken(healthService),
		payer:    c.obtainToken(payer),
	}
	c.expect(c.do(http.MethodPut, "/v1/roles/screener/members/"+screener, tk.admin, nil), http.StatusNoContent)
	c.expect(c.do(http.MethodPut, "/v1/roles/health_service/members/"+healthService, tk.admin, nil), http.StatusNoContent)
	return tk
}

func TestAPIDiagnosisLifecycle(t *testing.T) {
	c := newTestAPI(t)
	tk := setupRoles(c)

	c.expect(c.do(http.MethodPost, "/v1/health-centres", tk.admin, map[string]any{"id": "hc_id_890"}), http.StatusCreated)
	c.expect(c.do(http.MethodPost, "/v1/health-centres", tk.admin, map[string]any{"id": "hc_id_890"}), http.StatusConflict)

	resp := c.do(http.MethodPost, "/v1/payment-configurations", tk.admin, map[string]any{"reward": 123})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	pc := decode[screening.PaymentConfiguration](t, resp)
	if pc.ID != 1 || pc.Reward != 123 {
		t.Fatalf("unexpected configuration %+v", pc)
	}
	c.expect(c.do(http.MethodPut, "/v1/screeners/"+screener+"/configuration", tk.admin,
		map[string]any{"configuration_id": pc.ID}), http.StatusNoContent)

	resp = c.do(http.MethodPost, "/v1/diagnoses", tk.screener,
		map[string]any{"diagnosis_id": "backend_id_654", "health_centre_id": "hc_id_890"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	d := decode[screening.Diagnosis](t, resp)
	if d.Status != screening.StatusRegistered || d.Reward != 123 {
		t.Fatalf("unexpected diagnosis %+v", d)
	}

	// Not yet assigned to the centre.
	c.expect(c.do(http.MethodPost, "/v1/diagnoses/backend_id_654/validate", tk.health, nil), http.StatusForbidden)
	c.expect(c.do(http.MethodPost, "/v1/health-centres/hc_id_890/health-services", tk.admin,
		map[string]any{"account": healthService}), http.StatusNoContent)

	resp = c.do(http.MethodPost, "/v1/diagnoses/backend_id_654/validate", tk.health, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if d = decode[screening.Diagnosis](t, resp); d.Status != screening.StatusValidated {
		t.Fatalf("expected validated without settlement, got %s", d.Status)
	}

	// No token configured yet.
	c.expect(c.do(http.MethodPost, "/v1/diagnoses/backend_id_654/pay", tk.admin, nil), http.StatusPaymentRequired)

	c.expect(c.do(http.MethodPost, "/v1/tokens/N4H/mint", tk.admin, map[string]any{"account": payer, "amount": 1000}), http.StatusOK)
	c.expect(c.do(http.MethodPut, "/v1/tokens/N4H/allowances/"+coreAccount, tk.payer, map[string]any{"amount": 500}), http.StatusNoContent)
	c.expect(c.do(http.MethodPut, "/v1/settlement/token", tk.admin, map[string]any{"token": "N4H", "payer": payer}), http.StatusNoContent)

	resp = c.do(http.MethodPost, "/v1/diagnoses/backend_id_654/pay", tk.admin, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if d = decode[screening.Diagnosis](t, resp); d.Status != screening.StatusPaid {
		t.Fatalf("expected paid, got %s", d.Status)
	}
	c.expect(c.do(http.MethodPost, "/v1/diagnoses/backend_id_654/pay", tk.admin, nil), http.StatusConflict)

	resp = c.do(http.MethodGet, "/v1/diagnoses/backend_id_654/status", tk.health, nil)
	st := decode[diagnosisStatusResponse](t, resp)
	if st.Status != screening.StatusPaid || st.Code != 4 {
		t.Fatalf("unexpected status %+v", st)
	}

	resp = c.do(http.MethodGet, "/v1/tokens/N4H/balances/"+screener, tk.screener, nil)
	bal := decode[map[string]any](t, resp)
	if bal["balance"] != float64(123) {
		t.Fatalf("unexpected screener balance %v", bal)
	}
	resp = c.do(http.MethodGet, "/v1/tokens/N4H/allowances/"+payer+"/"+coreAccount, tk.admin, nil)
	allowance := decode[map[string]any](t, resp)
	if allowance["allowance"] != float64(377) {
		t.Fatalf("unexpected allowance %v", allowance)
	}

	resp = c.do(http.MethodGet, "/v1/ledger/transfers", tk.admin, nil)
	transfers := decode[listTransfersResponse](t, resp)
	if len(transfers.Items) != 1 || transfers.Items[0].IdempotencyKey != "reward:backend_id_654" {
		t.Fatalf("unexpected transfers %+v", transfers.Items)
	}

	resp = c.do(http.MethodGet, "/v1/events?limit=100", tk.admin, nil)
	events := decode[listEventsResponse](t, resp)
	if len(events.Items) == 0 || events.Items[len(events.Items)-1].Name != screening.EventDiagnosisPaid {
		t.Fatalf("unexpected events %+v", events.Items)
	}
	if events.NextAfter != events.Items[len(events.Items)-1].Sequence {
		t.Fatalf("next_after %d does not match last sequence", events.NextAfter)
	}
}

func TestAPIUnknownDiagnosisIsUnexisting(t *testing.T) {
	c := newTestAPI(t)
	tk := c.obtainToken(healthService)

	resp := c.do(http.MethodGet, "/v1/diagnoses/nope/status", tk, nil)
	st := decode[diagnosisStatusResponse](t, resp)
	if st.Status != screening.StatusUnexisting || st.Code != 0 {
		t.Fatalf("unexpected status %+v", st)
	}
	c.expect(c.do(http.MethodGet, "/v1/diagnoses/nope", tk, nil), http.StatusNotFound)
}

func TestAPIRejectsMissingRoleAndBadInput(t *testing.T) {
	c := newTestAPI(t)
	tk := setupRoles(c)

	c.expect(c.do(http.MethodPost, "/v1/health-centres", tk.screener, map[string]any{"id": "hc"}), http.StatusForbidden)
	c.expect(c.do(http.MethodPost, "/v1/health-centres", tk.admin, map[string]any{"id": "  "}), http.StatusBadRequest)
	c.expect(c.do(http.MethodPost, "/v1/health-centres", tk.admin, map[string]any{"id": "hc", "extra": true}), http.StatusBadRequest)
	c.expect(c.do(http.MethodGet, "/v1/payment-configurations/not-a-number", tk.admin, nil), http.StatusBadRequest)
	c.expect(c.do(http.MethodGet, "/v1/payment-configurations/42", tk.admin, nil), http.StatusNotFound)
	c.expect(c.do(http.MethodPut, "/v1/roles/owner/members/0xabc", tk.admin, nil), http.StatusBadRequest)
	c.expect(c.do(http.MethodPost, "/v1/tokens/N4H/mint", tk.screener, map[string]any{"account": payer, "amount": 1}), http.StatusForbidden)
	c.expect(c.do(http.MethodGet, "/v1/events?limit=0", tk.admin, nil), http.StatusBadRequest)

	resp := c.do(http.MethodPost, "/v1/diagnoses", tk.screener,
		map[string]any{"diagnosis_id": "d1", "health_centre_id": "missing"})
	body := decode[map[string]any](t, resp)
	if resp.StatusCode != http.StatusBadRequest && resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if body["error"] == nil || body["request_id"] == nil {
		t.Fatalf("expected error envelope, got %v", body)
	}
}

func TestAPIRoleMembership(t *testing.T) {
	c := newTestAPI(t)
	tk := setupRoles(c)

	resp := c.do(http.MethodGet, "/v1/roles/screener/members/0xSCREENER", tk.screener, nil)
	m := decode[roleMembershipResponse](t, resp)
	if !m.HasRole || m.Account != screener || m.RoleID != auth.RoleScreener.ID() {
		t.Fatalf("unexpected membership %+v", m)
	}

	// Role ids are accepted in place of names.
	c.expect(c.do(http.MethodDelete, "/v1/roles/"+auth.RoleScreener.ID()+"/members/"+screener, tk.admin, nil), http.StatusNoContent)
	resp = c.do(http.MethodGet, "/v1/roles/screener/members/"+screener, tk.admin, nil)
	if m = decode[roleMembershipResponse](t, resp); m.HasRole {
		t.Fatalf("expected role revoked")
	}

	resp = c.do(http.MethodGet, "/v1/roles/admin/members", tk.admin, nil)
	members := decode[map[string]any](t, resp)
	list, _ := members["members"].([]any)
	if len(list) != 1 || list[0] != adminAccount {
		t.Fatalf("unexpected admin members %v", members)
	}
}

func TestAPIHealthAndInfoArePublic(t *testing.T) {
	c := newTestAPI(t)
	c.expect(c.do(http.MethodGet, "/healthz", "", nil), http.StatusOK)
	c.expect(c.do(http.MethodGet, "/readyz", "", nil), http.StatusOK)

	resp := c.do(http.MethodGet, "/v1/info", "", nil)
	info := decode[map[string]any](t, resp)
	if info["name"] != serviceName || info["account"] != coreAccount {
		t.Fatalf("unexpected info %v", info)
	}
	c.expect(c.do(http.MethodGet, "/v1/does-not-exist", "", nil), http.StatusNotFound)
}

func TestAPIEventStreamReplaysBacklog(t *testing.T) {
	c := newTestAPI(t)
	tk := setupRoles(c)
	c.expect(c.do(http.MethodPost, "/v1/health-centres", tk.admin, map[string]any{"id": "hc_1"}), http.StatusCreated)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/events/stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+tk.admin)
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	buf := make([]byte, 4096)
	var got []byte
	for !bytes.Contains(got, []byte("event: "+screening.EventHealthCentreCreated)) {
		n, err := resp.Body.Read(buf)
		if err != nil {
			t.Fatalf("read stream: %v (got %q)", err, got)
		}
		got = append(got, buf[:n]...)
	}
	if !bytes.Contains(got, []byte("id: 1\n")) {
		t.Fatalf("expected sequence id in stream, got %q", got)
	}
}
