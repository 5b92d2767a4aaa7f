// Command smoke-diagnosis runs one diagnosis through its whole lifecycle
// against a running API started with auth.issue_tokens enabled and
// N4H_SMOKE_ADMIN among core.admins.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"nut4health.org/internal/ids"
	"nut4health.org/internal/rpc"
	"nut4health.org/internal/screening"
)

type client struct {
	base string
	http *http.Client
}

func (c *client) call(method, path, token string, body any, want int, out any) {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			log.Fatalf("marshal %s: %v", path, err)
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, payload)
	if err != nil {
		log.Fatalf("request %s: %v", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != want {
		log.Fatalf("%s %s: expected %d, got %d: %s", method, path, want, resp.StatusCode, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			log.Fatalf("decode %s: %v", path, err)
		}
	}
}

func (c *client) token(account string) string {
	var resp struct {
		Token string `json:"token"`
	}
	c.call(http.MethodPost, "/v1/auth/token", "", map[string]any{"account": account}, http.StatusOK, &resp)
	return resp.Token
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	log.SetFlags(0)
	c := &client{base: env("N4H_SMOKE_HTTP", "http://localhost:8080"), http: &http.Client{Timeout: 10 * time.Second}}
	grpcAddr := env("N4H_SMOKE_GRPC", "localhost:9090")
	admin := env("N4H_SMOKE_ADMIN", "0xadmin")

	run := ids.New()
	var (
		screener  = "0xscreener" + run
		health    = "0xhealth" + run
		payer     = "0xpayer" + run
		centre    = "hc_" + run
		diagnosis = "dx_" + run
		token     = "N4H"
	)

	var info struct {
		Account string `json:"account"`
	}
	c.call(http.MethodGet, "/v1/info", "", nil, http.StatusOK, &info)

	adminTok := c.token(admin)
	c.call(http.MethodPut, "/v1/roles/screener/members/"+screener, adminTok, nil, http.StatusNoContent, nil)
	c.call(http.MethodPut, "/v1/roles/health_service/members/"+health, adminTok, nil, http.StatusNoContent, nil)
	c.call(http.MethodPost, "/v1/health-centres", adminTok, map[string]any{"id": centre}, http.StatusCreated, nil)
	c.call(http.MethodPost, "/v1/health-centres/"+centre+"/health-services", adminTok,
		map[string]any{"account": health}, http.StatusNoContent, nil)

	var pc screening.PaymentConfiguration
	c.call(http.MethodPost, "/v1/payment-configurations", adminTok, map[string]any{"reward": 100}, http.StatusCreated, &pc)
	c.call(http.MethodPut, "/v1/screeners/"+screener+"/configuration", adminTok,
		map[string]any{"configuration_id": pc.ID}, http.StatusNoContent, nil)

	c.call(http.MethodPost, "/v1/tokens/"+token+"/mint", adminTok, map[string]any{"account": payer, "amount": 1000}, http.StatusOK, nil)
	c.call(http.MethodPut, "/v1/tokens/"+token+"/allowances/"+info.Account, c.token(payer), map[string]any{"amount": 1000}, http.StatusNoContent, nil)
	c.call(http.MethodPut, "/v1/settlement/token", adminTok, map[string]any{"token": token, "payer": payer}, http.StatusNoContent, nil)

	c.call(http.MethodPost, "/v1/diagnoses", c.token(screener),
		map[string]any{"diagnosis_id": diagnosis, "health_centre_id": centre}, http.StatusCreated, nil)

	var d screening.Diagnosis
	c.call(http.MethodPost, "/v1/diagnoses/"+diagnosis+"/validate", c.token(health), nil, http.StatusOK, &d)
	if d.Status != screening.StatusPaid {
		log.Fatalf("expected diagnosis to be paid on validation, got %s", d.Status)
	}

	var bal struct {
		Balance int64 `json:"balance"`
	}
	c.call(http.MethodGet, "/v1/tokens/"+token+"/balances/"+screener, adminTok, nil, http.StatusOK, &bal)
	if bal.Balance != pc.Reward {
		log.Fatalf("expected screener balance %d, got %d", pc.Reward, bal.Balance)
	}

	rc, err := rpc.Dial(grpcAddr)
	if err != nil {
		log.Fatalf("dial grpc %s: %v", grpcAddr, err)
	}
	defer rc.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := rc.GetDiagnosisDetails(ctx, diagnosis)
	if err != nil {
		log.Fatalf("grpc GetDiagnosisDetails: %v", err)
	}
	if st != screening.StatusPaid {
		log.Fatalf("grpc reports %s, expected paid", st)
	}

	fmt.Printf("smoke test passed: diagnosis=%s reward=%d\n", diagnosis, pc.Reward)
}
