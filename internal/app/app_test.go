package app

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/xela07ax/pos-override-authority/internal/domain"
	"github.com/xela07ax/pos-override-authority/internal/infra"
	"github.com/xela07ax/pos-override-authority/internal/repository/memory"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type testEnv struct {
	t   *testing.T
	app *App
	ts  *httptest.Server
	key *rsa.PrivateKey
}

func testConfig(t *testing.T, key *rsa.PrivateKey) *infra.Config {
	t.Helper()
	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	return &infra.Config{
		Server:  infra.ServerConfig{},
		Storage: infra.StorageConfig{Driver: "memory"},
		Auth: infra.AuthConfig{
			TokenTTL:   time.Hour,
			BcryptCost: bcrypt.MinCost,
			PinPepper:  "test-pepper",
			Timezone:   "UTC",
			PublicKey:  pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pub}),
			PrivateKey: pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}),
		},
		RateLimit: infra.RateLimitConfig{Backend: "memory", MaxAttempts: 5, Lockout: 15 * time.Minute},
		Requests:  infra.RequestsConfig{TTL: 10 * time.Minute, SweepInterval: time.Minute, CodeLength: 6},
		Audit:     infra.AuditConfig{RetryAttempts: 2, RetryDelay: time.Millisecond, CBTimeout: time.Second, CBFailures: 5},
	}
}

func newTestEnv(t *testing.T, mutate func(*infra.Config)) *testEnv {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	cfg := testConfig(t, key)
	if mutate != nil {
		mutate(cfg)
	}

	a, err := New(cfg, zap.NewNop(), Deps{Store: memory.New()})
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	ts := httptest.NewServer(a.Server.Handler("override-authority-test"))
	t.Cleanup(ts.Close)
	return &testEnv{t: t, app: a, ts: ts, key: key}
}

func (e *testEnv) token(userID, role string) string {
	e.t.Helper()
	claims := &domain.CustomClaims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(e.key)
	if err != nil {
		e.t.Fatalf("sign: %v", err)
	}
	return signed
}

func (e *testEnv) do(method, path, token string, body any) (*http.Response, map[string]any) {
	e.t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			e.t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, reader)
	if err != nil {
		e.t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.ts.Client().Do(req)
	if err != nil {
		e.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	if len(raw) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &out); err != nil {
			e.t.Fatalf("decode %s: %v", raw, err)
		}
	}
	return resp, out
}

func (e *testEnv) expect(resp *http.Response, want int, body map[string]any) {
	e.t.Helper()
	if resp.StatusCode != want {
		e.t.Fatalf("%s %s: expected %d, got %d (%v)", resp.Request.Method, resp.Request.URL.Path, want, resp.StatusCode, body)
	}
}

func (e *testEnv) addCredential(userID, pin string, level domain.ApprovalTier) {
	e.t.Helper()
	_, err := e.app.Credentials.Create(context.Background(), domain.CredentialInput{
		UserID: userID, ManagerName: userID, PIN: pin, ApprovalLevel: level,
	}, "test")
	if err != nil {
		e.t.Fatalf("add credential: %v", err)
	}
}

var discountLadder = map[string]any{
	"override_type": "discount_percent",
	"levels": []map[string]any{
		{"tier": "shift_lead", "max_value": "15"},
		{"tier": "manager", "max_value": "35"},
		{"tier": "admin", "is_unlimited": true},
	},
}

func TestAPI_DiscountApprovalEndToEnd(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	// Администратор входит через консоль
	if _, err := env.app.Auth.RegisterUser(ctx, "root", "Root", "root-password", "admin"); err != nil {
		t.Fatal(err)
	}
	resp, body := env.do(http.MethodPost, "/auth/token", "", map[string]string{"username": "root", "password": "root-password"})
	env.expect(resp, http.StatusOK, body)
	admin, _ := body["access_token"].(string)

	resp, body = env.do(http.MethodPost, "/v1/thresholds", admin, discountLadder)
	env.expect(resp, http.StatusCreated, body)

	resp, body = env.do(http.MethodPost, "/v1/credentials", admin, map[string]any{
		"user_id": "mgr-1", "manager_name": "Anna", "pin": "4821", "approval_level": "manager",
	})
	env.expect(resp, http.StatusCreated, body)
	if _, leaked := body["pin_hash"]; leaked {
		t.Fatal("credential response must not carry the hash")
	}
	env.addCredential("lead-1", "1357", domain.TierShiftLead)

	cashier := env.token("cashier-1", domain.RoleCashier)

	// 20% - нужен менеджер
	resp, body = env.do(http.MethodPost, "/v1/overrides/check", cashier, map[string]any{
		"override_type": "discount_percent", "value": 20,
	})
	env.expect(resp, http.StatusOK, body)
	if body["requires_approval"] != true || body["required_level"] != "manager" {
		t.Fatalf("unexpected decision %v", body)
	}

	// PIN старшего смены недостаточен
	resp, body = env.do(http.MethodPost, "/v1/overrides/verify-pin", cashier, map[string]any{
		"pin": "1357", "required_level": "manager", "override_type": "discount_percent",
		"context": map[string]string{"transaction_id": "tx-1", "cashier_id": "cashier-1"},
	})
	env.expect(resp, http.StatusUnauthorized, body)
	if body["error"] != "invalid_credentials" || body["remaining_attempts"] != float64(4) {
		t.Fatalf("unexpected denial body %v", body)
	}

	resp, body = env.do(http.MethodPost, "/v1/overrides/verify-pin", cashier, map[string]any{
		"pin": "4821", "required_level": "manager", "override_type": "discount_percent",
		"context":        map[string]string{"transaction_id": "tx-1", "cashier_id": "cashier-1"},
		"original_value": "100", "override_value": "80",
	})
	env.expect(resp, http.StatusOK, body)
	if body["valid"] != true || body["manager_id"] != "mgr-1" || body["approval_level"] != "manager" {
		t.Fatalf("unexpected approval %v", body)
	}

	// Обе попытки в журнале, новые сверху
	manager := env.token("mgr-1", "manager")
	resp, body = env.do(http.MethodGet, "/v1/audit/history?transaction_id=tx-1", manager, nil)
	env.expect(resp, http.StatusOK, body)
	items, _ := body["items"].([]any)
	if body["total"] != float64(2) || len(items) != 2 {
		t.Fatalf("expected two audit entries, got %v", body)
	}
	if first := items[0].(map[string]any); first["was_approved"] != true {
		t.Fatalf("expected approval first, got %v", first)
	}

	resp, body = env.do(http.MethodGet, "/v1/audit/summary?group_by=override_type", manager, nil)
	env.expect(resp, http.StatusOK, body)

	resp, _ = env.do(http.MethodGet, "/v1/audit/history", cashier, nil)
	env.expect(resp, http.StatusForbidden, nil)
}

func TestAPI_LockoutAfterRepeatedFailures(t *testing.T) {
	env := newTestEnv(t, func(c *infra.Config) { c.RateLimit.MaxAttempts = 3 })
	env.addCredential("mgr-1", "4821", domain.TierManager)
	cashier := env.token("cashier-1", domain.RoleCashier)

	for want := 2; want >= 1; want-- {
		resp, body := env.do(http.MethodPost, "/v1/overrides/verify-pin", cashier, map[string]any{"pin": "0000"})
		env.expect(resp, http.StatusUnauthorized, body)
		if body["remaining_attempts"] != float64(want) {
			t.Fatalf("expected %d remaining, got %v", want, body)
		}
	}

	resp, body := env.do(http.MethodPost, "/v1/overrides/verify-pin", cashier, map[string]any{"pin": "0000"})
	env.expect(resp, http.StatusTooManyRequests, body)
	if body["locked_until"] == "" || body["retry_after_ms"] == nil || resp.Header.Get("Retry-After") == "" {
		t.Fatalf("lockout body incomplete: %v", body)
	}

	// Верный PIN во время блокировки не сравнивается
	resp, body = env.do(http.MethodPost, "/v1/overrides/verify-pin", cashier, map[string]any{"pin": "4821"})
	env.expect(resp, http.StatusTooManyRequests, body)
}

func TestAPI_RemoteRequestResolvedOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addCredential("mgr-1", "4821", domain.TierManager)
	cashier := env.token("cashier-1", domain.RoleCashier)
	manager := env.token("mgr-1", "manager")

	resp, body := env.do(http.MethodPost, "/v1/requests", cashier, map[string]any{
		"override_type":  "void",
		"required_level": "manager",
		"context":        map[string]string{"register_id": "r-1", "shift_id": "s-1"},
		"payload":        map[string]any{"line": 3},
	})
	env.expect(resp, http.StatusCreated, body)
	id, _ := body["request_id"].(string)
	code, _ := body["request_code"].(string)
	if id == "" || len(code) != 6 || body["required_level"] != "manager" {
		t.Fatalf("unexpected request %v", body)
	}

	req, err := http.NewRequest(http.MethodGet, env.ts.URL+"/v1/requests?register_id=r-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+manager)
	listResp, err := env.ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var pending []domain.OverrideRequest
	if err := json.NewDecoder(listResp.Body).Decode(&pending); err != nil {
		t.Fatal(err)
	}
	listResp.Body.Close()
	if len(pending) != 1 || pending[0].ID != id || pending[0].RequestedBy != "cashier-1" {
		t.Fatalf("unexpected queue %+v", pending)
	}

	resp, body = env.do(http.MethodPost, "/v1/requests/by-code/"+strings.ToLower(code)+"/resolve", manager, map[string]any{
		"pin": "4821", "approved": true,
	})
	env.expect(resp, http.StatusOK, body)
	if body["approved"] != true || body["manager_id"] != "mgr-1" || body["log_id"] == "" {
		t.Fatalf("unexpected resolution %v", body)
	}

	resp, body = env.do(http.MethodPost, "/v1/requests/"+id+"/resolve", manager, map[string]any{
		"pin": "4821", "approved": false, "reason": "changed my mind",
	})
	env.expect(resp, http.StatusConflict, body)
	if body["error"] != "already_processed" {
		t.Fatalf("unexpected conflict body %v", body)
	}

	resp, body = env.do(http.MethodGet, "/v1/requests/"+id+"/await?timeout=1s", cashier, nil)
	env.expect(resp, http.StatusOK, body)
	if body["status"] != "approved" {
		t.Fatalf("terminal status must stay approved, got %v", body["status"])
	}

	resp, body = env.do(http.MethodGet, "/v1/requests/00000000-0000-0000-0000-000000000000", cashier, nil)
	env.expect(resp, http.StatusNotFound, body)
}

func TestAPI_AdminGatesAndErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	admin := env.token("admin-1", "admin")
	cashier := env.token("cashier-1", domain.RoleCashier)

	resp, _ := env.do(http.MethodGet, "/v1/thresholds", "", nil)
	env.expect(resp, http.StatusUnauthorized, nil)

	resp, _ = env.do(http.MethodPost, "/v1/thresholds", cashier, discountLadder)
	env.expect(resp, http.StatusForbidden, nil)

	resp, body := env.do(http.MethodPost, "/v1/thresholds", admin, discountLadder)
	env.expect(resp, http.StatusCreated, body)
	id, _ := body["id"].(string)

	resp, body = env.do(http.MethodPost, "/v1/thresholds", admin, discountLadder)
	env.expect(resp, http.StatusConflict, body)
	if body["error"] != "duplicate_scope" {
		t.Fatalf("unexpected conflict body %v", body)
	}

	// Проекции порога доступны любому вызывающему
	resp, body = env.do(http.MethodGet, "/v1/thresholds/"+id+"/can-approve?level=shift_lead&value=20", cashier, nil)
	env.expect(resp, http.StatusOK, body)
	if body["can_approve"] != false {
		t.Fatalf("shift lead must not approve 20%%: %v", body)
	}
	resp, body = env.do(http.MethodGet, "/v1/thresholds/"+id+"/required-level?value=50", cashier, nil)
	env.expect(resp, http.StatusOK, body)
	if body["required_level"] != "admin" {
		t.Fatalf("unexpected level %v", body)
	}

	resp, body = env.do(http.MethodGet, "/v1/thresholds/missing", admin, nil)
	env.expect(resp, http.StatusNotFound, body)

	resp, body = env.do(http.MethodPost, "/v1/overrides/check", cashier, "{not json")
	env.expect(resp, http.StatusBadRequest, body)
	if body["error"] != "validation_error" {
		t.Fatalf("unexpected body %v", body)
	}

	resp, body = env.do(http.MethodDelete, "/v1/thresholds/"+id, admin, nil)
	env.expect(resp, http.StatusNoContent, body)
	resp, body = env.do(http.MethodPost, "/v1/overrides/check", cashier, map[string]any{"override_type": "discount_percent", "value": 90})
	env.expect(resp, http.StatusOK, body)
	if body["requires_approval"] != false {
		t.Fatalf("deactivated threshold must not apply: %v", body)
	}
}

func TestAPI_VerifyThrottle(t *testing.T) {
	env := newTestEnv(t, func(c *infra.Config) {
		c.RateLimit.VerifyRPS = 0.001
		c.RateLimit.VerifyBurst = 1
	})
	cashier := env.token("cashier-1", domain.RoleCashier)

	resp, body := env.do(http.MethodPost, "/v1/overrides/verify-pin", cashier, map[string]any{"pin": "0000"})
	env.expect(resp, http.StatusUnauthorized, body)

	resp, body = env.do(http.MethodPost, "/v1/overrides/verify-pin", cashier, map[string]any{"pin": "0000"})
	env.expect(resp, http.StatusTooManyRequests, body)
	if body["error"] != "throttled" {
		t.Fatalf("expected process throttle, got %v", body)
	}
}

func TestAPI_HealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, _ := env.do(http.MethodGet, "/health", "", nil)
	env.expect(resp, http.StatusOK, nil)

	metricsResp, err := env.ts.Client().Get(env.ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer metricsResp.Body.Close()
	raw, _ := io.ReadAll(metricsResp.Body)
	if !strings.Contains(string(raw), "override_http_request_duration_seconds") {
		t.Fatalf("metrics output misses request histogram")
	}
}
