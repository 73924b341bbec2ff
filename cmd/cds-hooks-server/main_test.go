package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/ehr/cdshooks/internal/config"
	"github.com/ehr/cdshooks/internal/domain/hooks"
	"github.com/ehr/cdshooks/internal/platform/fhir"
)

const testServices = `
services:
  - id: diabetes-screen
    hook: patient-view
    title: Diabetes screening
    description: Suggests an HbA1c screen.
    prefetch:
      patient: "Patient/{{context.patientId}}"
    requiredPrefetch: [patient]
    cards:
      - summary: "Screen patient {{context.patientId}}"
        indicator: info
        source: Test CDS
        when:
          - path: prefetch.patient.resourceType
            equals: Patient
`

const testHookInstance = "d1577c69-dfbe-44ad-ba6d-3e05e953b2ea"

func writeServices(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "services.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write services file: %v", err)
	}
	return path
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Env:             "development",
		CDSHooksPath:    "/cds-services",
		CDSServicesFile: writeServices(t, testServices),
		DispatchTimeout: 2 * time.Second,
		BodyLimit:       "1M",
		CORSOrigins:     []string{"*"},
		AuthzGate:       config.GateAllowAll,
		PrefetchSource:  config.BackendNone,
		FeedbackStore:   config.BackendMemory,
	}
}

func startServer(t *testing.T, cfg *config.Config) *server {
	t.Helper()
	s, err := newServer(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func do(t *testing.T, s *server, method, target, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	for k, v := range header {
		r.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, r)
	return rec
}

func hookBody(prefetch string) string {
	return `{
		"hook": "patient-view",
		"hookInstance": "` + testHookInstance + `",
		"context": {"userId": "Practitioner/1", "patientId": "p1"},
		"prefetch": ` + prefetch + `
	}`
}

func TestServer_Health(t *testing.T) {
	s := startServer(t, testConfig(t))

	rec := do(t, s, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["booted"] != true {
		t.Errorf("expected booted true, got %v", body["booted"])
	}
	if body["services"] != float64(1) {
		t.Errorf("expected 1 service, got %v", body["services"])
	}
}

func TestServer_Discovery(t *testing.T) {
	s := startServer(t, testConfig(t))

	for _, target := range []string{"/cds-services", "/cds-services/"} {
		rec := do(t, s, http.MethodGet, target, "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %s: expected 200, got %d", target, rec.Code)
		}
		var body struct {
			Services []hooks.HookService `json:"services"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(body.Services) != 1 || body.Services[0].ID != "diabetes-screen" {
			t.Errorf("GET %s: unexpected services %+v", target, body.Services)
		}
	}
}

func TestServer_InvokeReturnsCards(t *testing.T) {
	s := startServer(t, testConfig(t))

	rec := do(t, s, http.MethodPost, "/cds-services/diabetes-screen",
		hookBody(`{"patient": {"resourceType": "Patient", "id": "p1"}}`), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp hooks.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Cards) != 1 {
		t.Fatalf("expected 1 card, got %d", len(resp.Cards))
	}
	if resp.Cards[0].Summary != "Screen patient p1" {
		t.Errorf("unexpected summary %q", resp.Cards[0].Summary)
	}
	if resp.Cards[0].UUID == "" {
		t.Error("expected card uuid to be assigned")
	}
}

func TestServer_ErrorStatuses(t *testing.T) {
	s := startServer(t, testConfig(t))

	tests := []struct {
		name   string
		target string
		body   string
		want   int
	}{
		{"unknown service", "/cds-services/nope", hookBody(`{}`), http.StatusNotFound},
		{"malformed json", "/cds-services/diabetes-screen", `{"hook":`, http.StatusBadRequest},
		{"wrong hook", "/cds-services/diabetes-screen", strings.Replace(hookBody(`{}`), "patient-view", "order-sign", 1), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, tt.target, tt.body, nil)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
			var oo fhir.OperationOutcome
			if err := json.Unmarshal(rec.Body.Bytes(), &oo); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if oo.ResourceType != "OperationOutcome" {
				t.Errorf("expected OperationOutcome body, got %q", oo.ResourceType)
			}
		})
	}
}

func TestServer_ScopeGateDeniesRequiredPrefetch(t *testing.T) {
	cfg := testConfig(t)
	cfg.AuthzGate = config.GateScope
	s := startServer(t, cfg)

	body := `{
		"hook": "patient-view",
		"hookInstance": "` + testHookInstance + `",
		"fhirServer": "https://fhir.example.org",
		"fhirAuthorization": {"access_token": "t", "token_type": "Bearer", "scope": "patient/Observation.read", "subject": "svc"},
		"context": {"userId": "Practitioner/1", "patientId": "p1"},
		"prefetch": {"patient": {"resourceType": "Patient", "id": "p1"}}
	}`
	rec := do(t, s, http.MethodPost, "/cds-services/diabetes-screen", body, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestServer_Feedback(t *testing.T) {
	s := startServer(t, testConfig(t))

	fb := `{"feedback": [{"card": "c1", "outcome": "accepted", "outcomeTimestamp": "2026-01-01T00:00:00Z"}]}`
	rec := do(t, s, http.MethodPost, "/cds-services/diabetes-screen/feedback", fb, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, s, http.MethodGet, "/cds-services/diabetes-screen/feedback", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var page struct {
		Total int `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.Total != 1 {
		t.Errorf("expected 1 feedback record, got %d", page.Total)
	}
}

func TestServer_JWTAuth(t *testing.T) {
	cfg := testConfig(t)
	cfg.AuthMode = config.AuthModeJWT
	cfg.AuthSigningKey = "test-secret"
	cfg.AuthIssuer = "https://ehr.example.org"
	s := startServer(t, cfg)

	if rec := do(t, s, http.MethodGet, "/cds-services", "", nil); rec.Code != http.StatusOK {
		t.Errorf("discovery should be public, got %d", rec.Code)
	}

	body := hookBody(`{"patient": {"resourceType": "Patient", "id": "p1"}}`)
	rec := do(t, s, http.MethodPost, "/cds-services/diabetes-screen", body, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("OperationOutcome")) {
		t.Errorf("expected OperationOutcome body, got %s", rec.Body.String())
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    "https://ehr.example.org",
		Subject:   "Practitioner/1",
		ID:        "jti-1",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	rec = do(t, s, http.MethodPost, "/cds-services/diabetes-screen", body,
		http.Header{"Authorization": {"Bearer " + signed}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestServer_FHIRPrefetchSource(t *testing.T) {
	var gotAuth, gotPath string
	fhirSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/fhir+json")
		_, _ = w.Write([]byte(`{"resourceType": "Patient", "id": "p1"}`))
	}))
	defer fhirSrv.Close()

	cfg := testConfig(t)
	cfg.PrefetchSource = config.BackendFHIR
	cfg.FHIRBaseURL = fhirSrv.URL
	cfg.FHIRRetryAttempts = 1
	cfg.FHIRTimeout = time.Second
	s := startServer(t, cfg)

	rec := do(t, s, http.MethodPost, "/cds-services/diabetes-screen", hookBody(`{}`), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if gotPath != "/Patient/p1" {
		t.Errorf("expected prefetch of /Patient/p1, got %q", gotPath)
	}
	if gotAuth != "" {
		t.Errorf("expected no bearer without fhirAuthorization, got %q", gotAuth)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("Screen patient p1")) {
		t.Errorf("expected card from fetched prefetch, got %s", rec.Body.String())
	}
}

func TestFHIRSource_UsesRequestServerAndToken(t *testing.T) {
	var gotAuth string
	fhirSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"resourceType": "Patient"}`))
	}))
	defer fhirSrv.Close()

	src := fhirSource(fhir.NewClient(fhir.ClientConfig{BaseURL: "http://unused.invalid", Attempts: 1}, zerolog.Nop()))
	req := &hooks.HookRequest{
		FHIRServer:        fhirSrv.URL,
		FHIRAuthorization: &hooks.FHIRAuthorization{AccessToken: "abc"},
	}
	if _, err := src.Fetch(context.Background(), "Patient/p1", req); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if gotAuth != "Bearer abc" {
		t.Errorf("expected bearer token, got %q", gotAuth)
	}
}

func TestNewGate(t *testing.T) {
	tests := []struct {
		gate    string
		redact  string
		want    string
		wantErr bool
	}{
		{config.GateAllowAll, "", "hooks.AllowAll", false},
		{config.GateScope, "", "hooks.ScopeGate", false},
		{config.GateRedact, "Patient:telecom", "hooks.RedactGate", false},
		{config.GateScopeRedact, "*:text", "hooks.Chain", false},
		{config.GateRedact, "Patient", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.gate, func(t *testing.T) {
			g, err := newGate(&config.Config{AuthzGate: tt.gate, AuthzRedact: tt.redact})
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("newGate: %v", err)
			}
			if got := typeName(g); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func typeName(v interface{}) string {
	switch v.(type) {
	case hooks.AllowAll:
		return "hooks.AllowAll"
	case hooks.ScopeGate:
		return "hooks.ScopeGate"
	case hooks.RedactGate:
		return "hooks.RedactGate"
	case hooks.Chain:
		return "hooks.Chain"
	}
	return "unknown"
}

func TestNewServer_InvalidDefinitionsFail(t *testing.T) {
	cfg := testConfig(t)
	cfg.CDSServicesFile = writeServices(t, `
services:
  - id: bad
    hook: patient-view
    description: no cards logic
    logic: missing
`)
	if _, err := newServer(context.Background(), cfg, zerolog.Nop()); err == nil {
		t.Fatal("expected boot failure for unknown logic")
	}
}

func TestServicesCommand(t *testing.T) {
	path := writeServices(t, testServices)

	var out bytes.Buffer
	cmd := servicesCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"validate", "--file", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out.String(), "1 service(s) OK") {
		t.Errorf("unexpected validate output %q", out.String())
	}

	out.Reset()
	cmd = servicesCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"list", "--file", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out.String(), "diabetes-screen") {
		t.Errorf("expected service id in list output, got %q", out.String())
	}
}

func TestNewLogger_Level(t *testing.T) {
	l := newLogger(&config.Config{Env: "production", LogLevel: "warn"})
	if l.GetLevel() != zerolog.WarnLevel {
		t.Errorf("expected warn level, got %s", l.GetLevel())
	}
	l = newLogger(&config.Config{Env: "production", LogLevel: "bogus"})
	if l.GetLevel() != zerolog.InfoLevel {
		t.Errorf("expected info fallback, got %s", l.GetLevel())
	}
}
