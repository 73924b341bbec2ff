package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func validClaims() Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "https://ehr.example.org",
			Subject:   "client-app",
			Audience:  jwt.ClaimStrings{"https://cds.example.org/cds-services/diabetes-screen"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(5 * time.Minute)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        "jti-1",
		},
		Scope: "user/Patient.read user/Observation.read",
	}
}

func runMiddleware(t *testing.T, mw echo.MiddlewareFunc, header string) (echo.Context, bool, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/cds-services/diabetes-screen", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	c := e.NewContext(req, httptest.NewRecorder())

	var called bool
	var seen echo.Context
	err := mw(func(c echo.Context) error {
		called = true
		seen = c
		return c.String(http.StatusOK, "ok")
	})(c)
	if seen == nil {
		seen = c
	}
	return seen, called, err
}

func assertUnauthorized(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	_, called, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "")
	assertUnauthorized(t, err)
	if called {
		t.Error("handler should not run without a token")
	}
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), tt.header)
			assertUnauthorized(t, err)
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	tokenStr := createTestToken(t, validClaims(), testSigningKey)

	cfg := JWTConfig{
		Issuer:     "https://ehr.example.org",
		Audience:   "https://cds.example.org/cds-services/diabetes-screen",
		SigningKey: testSigningKey,
	}
	c, called, err := runMiddleware(t, JWTMiddleware(cfg), "Bearer "+tokenStr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("expected handler to be called")
	}

	ctx := c.Request().Context()
	if got := ClientIDFromContext(ctx); got != "https://ehr.example.org" {
		t.Errorf("expected client id from iss, got %q", got)
	}
	if got := UserIDFromContext(ctx); got != "client-app" {
		t.Errorf("expected subject client-app, got %q", got)
	}
	scopes := ScopesFromContext(ctx)
	if len(scopes) != 2 || scopes[0] != "user/Patient.read" {
		t.Errorf("unexpected scopes %v", scopes)
	}
}

func TestJWTMiddleware_RejectsBadClaims(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Claims)
		cfg    JWTConfig
	}{
		{"expired", func(c *Claims) { c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute)) }, JWTConfig{}},
		{"missing exp", func(c *Claims) { c.ExpiresAt = nil }, JWTConfig{}},
		{"missing jti", func(c *Claims) { c.ID = "" }, JWTConfig{}},
		{"wrong issuer", func(c *Claims) { c.Issuer = "https://evil.example.org" }, JWTConfig{Issuer: "https://ehr.example.org"}},
		{"wrong audience", func(c *Claims) { c.Audience = jwt.ClaimStrings{"other"} }, JWTConfig{Audience: "https://cds.example.org/cds-services/diabetes-screen"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := validClaims()
			tt.mutate(&claims)
			tt.cfg.SigningKey = testSigningKey
			_, called, err := runMiddleware(t, JWTMiddleware(tt.cfg), "Bearer "+createTestToken(t, claims, testSigningKey))
			assertUnauthorized(t, err)
			if called {
				t.Error("handler should not run")
			}
		})
	}
}

func TestJWTMiddleware_WrongKey(t *testing.T) {
	tokenStr := createTestToken(t, validClaims(), []byte("another-key"))
	_, _, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "Bearer "+tokenStr)
	assertUnauthorized(t, err)
}

func TestJWTMiddleware_Skipper(t *testing.T) {
	cfg := JWTConfig{
		SigningKey: testSigningKey,
		Skipper:    func(echo.Context) bool { return true },
	}
	_, called, err := runMiddleware(t, JWTMiddleware(cfg), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected skipped request to reach handler")
	}
}

func TestJWTMiddleware_JWKSWithES384(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	jwks := JWKSResponse{Keys: []JWKSKey{{
		Kty: "EC",
		Kid: "ehr-key-1",
		Alg: "ES384",
		Crv: "P-384",
		X:   base64.RawURLEncoding.EncodeToString(priv.X.FillBytes(make([]byte, 48))),
		Y:   base64.RawURLEncoding.EncodeToString(priv.Y.FillBytes(make([]byte, 48))),
	}}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(jwks)
	}))
	defer srv.Close()

	token := jwt.NewWithClaims(jwt.SigningMethodES384, validClaims())
	token.Header["kid"] = "ehr-key-1"
	tokenStr, err := token.SignedString(priv)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	_, called, err := runMiddleware(t, JWTMiddleware(JWTConfig{JWKSURL: srv.URL}), "Bearer "+tokenStr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected handler to be called")
	}
}

func TestJWTMiddleware_JWKSRejectsHS256(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(JWKSResponse{})
	}))
	defer srv.Close()

	tokenStr := createTestToken(t, validClaims(), testSigningKey)
	_, _, err := runMiddleware(t, JWTMiddleware(JWTConfig{JWKSURL: srv.URL}), "Bearer "+tokenStr)
	assertUnauthorized(t, err)
}

func TestClaims_ScopesMerged(t *testing.T) {
	c := Claims{Scope: "user/Patient.read patient/*.rs", FHIRScopes: []string{"user/Patient.read", "system/*.read"}}
	got := c.Scopes()
	want := []string{"user/Patient.read", "patient/*.rs", "system/*.read"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("scope %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestDevAuthMiddleware_SetsDefaults(t *testing.T) {
	c, called, err := runMiddleware(t, DevAuthMiddleware(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("expected handler to be called")
	}
	ctx := c.Request().Context()
	if ClientIDFromContext(ctx) != "dev-client" {
		t.Errorf("expected dev-client, got %q", ClientIDFromContext(ctx))
	}
	if scopes := ScopesFromContext(ctx); len(scopes) != 1 || scopes[0] != "user/*.read" {
		t.Errorf("unexpected dev scopes %v", scopes)
	}
}

func TestWithScopes(t *testing.T) {
	ctx := WithScopes(httptest.NewRequest(http.MethodGet, "/", nil).Context(), []string{"user/Patient.read"})
	if got := ScopesFromContext(ctx); len(got) != 1 {
		t.Errorf("expected one scope, got %v", got)
	}
}
