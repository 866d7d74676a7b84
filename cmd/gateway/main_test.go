package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bastion/pkg/auth"
	"bastion/pkg/bundles"
	"bastion/pkg/decision"
	"bastion/pkg/dsl"
	"bastion/pkg/enginepool"
	"bastion/pkg/metrics"
	"bastion/pkg/models"
	"bastion/pkg/ratelimit"
	"bastion/pkg/stream"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
)

func newTestServer(t *testing.T, policies map[string]string) *Server {
	t.Helper()
	st := bundles.NewMemoryStore()
	ctx := context.Background()
	for tenant, src := range policies {
		cp, diags := dsl.Compile(src, tenant)
		if len(diags) != 0 {
			t.Fatalf("compile %s: %+v", tenant, diags)
		}
		b, err := st.Persist(ctx, tenant, cp, models.BundleMetadata{})
		if err != nil {
			t.Fatalf("persist: %v", err)
		}
		if err := st.Activate(ctx, b.BundleID); err != nil {
			t.Fatalf("activate: %v", err)
		}
	}
	reg := metrics.NewRegistry()
	hub := stream.NewHub()
	pool := enginepool.New(st)
	return &Server{
		Eval:                decision.NewEvaluator(pool, hub, reg),
		Pool:                pool,
		Events:              hub,
		Metrics:             reg,
		AuthMode:            "off",
		MaxRequestBodyBytes: 1 << 20,
	}
}

func (s *Server) testRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(s.limitRequestBodyMiddleware)
	r.Use(s.metricsMiddleware)
	r.Post("/v1/decision", s.handleDecision)
	authRouter := chi.NewRouter()
	authRouter.Use(auth.Middleware(s.AuthMode, s.AuthSecret))
	authRouter.Post("/v1/tenants/{tenant}/reload", s.withRoles(s.handleReload, "operator", "securityadmin"))
	authRouter.Delete("/v1/tenants/{tenant}", s.withRoles(s.handleRemoveTenant, "operator", "securityadmin"))
	authRouter.Get("/v1/tenants", s.withRoles(s.handleListTenants, "operator", "securityadmin"))
	r.Mount("/", authRouter)
	return r
}

const euRule = `allow read sensor_data if subject.tenant_id == "tenant-eu" and resource.region == "EU"`

func postJSON(t *testing.T, h http.Handler, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(string(raw)))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleDecisionAllow(t *testing.T) {
	s := newTestServer(t, map[string]string{"tenant-eu": euRule})
	rec := postJSON(t, s.testRouter(), "/v1/decision", decisionRequest{
		TenantID: "tenant-eu",
		Input: models.ABACInput{
			Subject:  models.Subject{TenantID: "tenant-eu"},
			Action:   "read",
			Resource: models.Resource{Type: "sensor_data", Region: "EU"},
		},
	}, nil)
	if rec.Code != 200 {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var resp decisionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Decision.Allow {
		t.Fatalf("expected allow: %+v", resp)
	}
	snap := s.Metrics.Snapshot()
	if snap.Verdicts["allow"] != 1 {
		t.Fatalf("decision metric missing: %v", snap.Verdicts)
	}
}

func TestHandleDecisionTenantFromInput(t *testing.T) {
	s := newTestServer(t, map[string]string{"tenant-eu": euRule})
	rec := postJSON(t, s.testRouter(), "/v1/decision", decisionRequest{
		Input: models.ABACInput{
			Subject:  models.Subject{TenantID: "tenant-eu"},
			Action:   "read",
			Resource: models.Resource{Type: "sensor_data", Region: "EU"},
		},
	}, nil)
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHandleDecisionMissingTenant(t *testing.T) {
	s := newTestServer(t, nil)
	rec := postJSON(t, s.testRouter(), "/v1/decision", decisionRequest{}, nil)
	if rec.Code != 400 {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHandleDecisionInvalidJSON(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/decision", strings.NewReader("{broken"))
	rec := httptest.NewRecorder()
	s.testRouter().ServeHTTP(rec, req)
	if rec.Code != 400 {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHandleDecisionUnknownTenantDenies(t *testing.T) {
	s := newTestServer(t, nil)
	rec := postJSON(t, s.testRouter(), "/v1/decision", decisionRequest{TenantID: "ghost"}, nil)
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp decisionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Decision.Allow || resp.Decision.Reason != decision.ReasonTenantNotLoaded {
		t.Fatalf("unexpected decision: %+v", resp.Decision)
	}
}

func TestHandleDecisionRateLimited(t *testing.T) {
	s := newTestServer(t, map[string]string{"tenant-eu": euRule})
	s.Limiter = ratelimit.NewInMemory(time.Minute)
	s.DecisionRateLimit = 2
	router := s.testRouter()
	req := decisionRequest{TenantID: "tenant-eu"}
	for i := 0; i < 2; i++ {
		if rec := postJSON(t, router, "/v1/decision", req, nil); rec.Code != 200 {
			t.Fatalf("request %d: status = %d", i, rec.Code)
		}
	}
	rec := postJSON(t, router, "/v1/decision", req, nil)
	if rec.Code != 429 {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestHandleReload(t *testing.T) {
	s := newTestServer(t, map[string]string{"tenant-eu": euRule})
	router := s.testRouter()
	rec := postJSON(t, router, "/v1/tenants/tenant-eu/reload", nil, nil)
	if rec.Code != 200 {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["reloaded"] != true || resp["version"].(float64) != 1 {
		t.Fatalf("resp = %v", resp)
	}
	snap := s.Metrics.Snapshot()
	if snap.Reloads["tenant-eu|success"] != 1 {
		t.Fatalf("reload metric missing: %v", snap.Reloads)
	}
}

func TestHandleReloadUnknownTenant(t *testing.T) {
	s := newTestServer(t, nil)
	rec := postJSON(t, s.testRouter(), "/v1/tenants/ghost/reload", nil, nil)
	if rec.Code != 409 {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["reloaded"] != false || resp["error"] == "" {
		t.Fatalf("resp = %v", resp)
	}
	snap := s.Metrics.Snapshot()
	if snap.Reloads["ghost|failure"] != 1 {
		t.Fatalf("reload metric missing: %v", snap.Reloads)
	}
}

func TestHandleRemoveAndListTenants(t *testing.T) {
	s := newTestServer(t, map[string]string{"tenant-eu": euRule})
	router := s.testRouter()
	if rec := postJSON(t, router, "/v1/tenants/tenant-eu/reload", nil, nil); rec.Code != 200 {
		t.Fatalf("warm: status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/tenants", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("list: status = %d", rec.Code)
	}
	var listed struct {
		Tenants []struct {
			TenantID string `json:"tenant_id"`
			Version  uint64 `json:"version"`
		} `json:"tenants"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listed.Tenants) != 1 || listed.Tenants[0].TenantID != "tenant-eu" {
		t.Fatalf("listed = %+v", listed)
	}

	req = httptest.NewRequest(http.MethodDelete, "/v1/tenants/tenant-eu", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("remove: status = %d", rec.Code)
	}
	if _, ok := s.Pool.Lookup("tenant-eu"); ok {
		t.Fatal("tenant still loaded after remove")
	}
}

func TestWithRolesEnforced(t *testing.T) {
	s := newTestServer(t, map[string]string{"tenant-eu": euRule})
	s.AuthMode = "hs256"
	s.AuthSecret = "test-secret"
	router := s.testRouter()

	rec := postJSON(t, router, "/v1/tenants/tenant-eu/reload", nil, nil)
	if rec.Code != 401 {
		t.Fatalf("no token: status = %d", rec.Code)
	}

	mintFor := func(roles ...string) string {
		token, err := auth.MintToken(s.AuthSecret, auth.Claims{
			Roles: roles,
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "alice",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		})
		if err != nil {
			t.Fatalf("mint: %v", err)
		}
		return token
	}

	rec = postJSON(t, router, "/v1/tenants/tenant-eu/reload", nil, map[string]string{
		"Authorization": "Bearer " + mintFor("auditor"),
	})
	if rec.Code != 403 {
		t.Fatalf("wrong role: status = %d", rec.Code)
	}

	rec = postJSON(t, router, "/v1/tenants/tenant-eu/reload", nil, map[string]string{
		"Authorization": "Bearer " + mintFor("operator"),
	})
	if rec.Code != 200 {
		t.Fatalf("operator: status = %d body = %s", rec.Code, rec.Body.String())
	}
}

func TestRequestBodyLimit(t *testing.T) {
	s := newTestServer(t, nil)
	s.MaxRequestBodyBytes = 64
	big := strings.Repeat("x", 1024)
	rec := postJSON(t, s.testRouter(), "/v1/decision", map[string]string{"tenant_id": big}, nil)
	if rec.Code != 400 {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestMetricsMiddlewareRecordsEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	postJSON(t, s.testRouter(), "/v1/decision", decisionRequest{}, nil)
	snap := s.Metrics.Snapshot()
	stat, ok := snap.Endpoints["POST /v1/decision"]
	if !ok || stat.Count != 1 || stat.ErrorCount != 1 {
		t.Fatalf("endpoint stats = %+v", snap.Endpoints)
	}
	hist := s.Metrics.Histograms.Get("POST /v1/decision").Snapshot()
	if hist.Count != 1 {
		t.Fatalf("latency histogram count = %d", hist.Count)
	}
}

func TestWSOriginPatterns(t *testing.T) {
	if got := wsOriginPatterns(""); got != nil {
		t.Fatalf("empty input: %v", got)
	}
	got := wsOriginPatterns(" a.example.com , ,b.example.com ")
	if len(got) != 2 || got[0] != "a.example.com" || got[1] != "b.example.com" {
		t.Fatalf("got %v", got)
	}
}

func TestIsProductionLikeEnv(t *testing.T) {
	for _, v := range []string{"prod", "Production", " staging ", "STAGE"} {
		if !isProductionLikeEnv(v) {
			t.Fatalf("%q should be production-like", v)
		}
	}
	for _, v := range []string{"", "dev", "local", "test"} {
		if isProductionLikeEnv(v) {
			t.Fatalf("%q should not be production-like", v)
		}
	}
}

func TestRunGatewayRejectsInsecureAuthOff(t *testing.T) {
	t.Setenv("AUTH_MODE", "off")
	t.Setenv("ALLOW_INSECURE_AUTH_OFF", "false")
	stubTelemetry := func(context.Context, string) (func(context.Context) error, error) {
		return func(context.Context) error { return nil }, nil
	}
	err := runGateway(stubTelemetry, func(*http.Server) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "ALLOW_INSECURE_AUTH_OFF") {
		t.Fatalf("err = %v", err)
	}

	t.Setenv("ALLOW_INSECURE_AUTH_OFF", "true")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("STRICT_PROD_SECURITY", "false")
	err = runGateway(stubTelemetry, func(*http.Server) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "forbidden in production") {
		t.Fatalf("err = %v", err)
	}
}
