package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	testIssuer   = "https://clerk.example.dev"
	testAudience = "creditgate"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(v TokenVerifier, cfg MiddlewareConfig) *gin.Engine {
	router := gin.New()
	router.Use(Middleware(v, cfg))
	router.GET("/protected", func(c *gin.Context) {
		c.String(http.StatusOK, UserID(c.Request.Context()))
	})
	return router
}

func serve(router *gin.Engine, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func TestMiddlewareRejects(t *testing.T) {
	verifier, _ := newTestVerifier(t)
	badKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to create key: %v", err)
	}

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Token abc"},
		{"foreign signature", "Bearer " + signToken(t, badKey, "test-key", testIssuer, time.Now().Add(time.Minute))},
	}
	router := newRouter(verifier, MiddlewareConfig{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if resp := serve(router, tt.header); resp.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", resp.Code)
			}
		})
	}
}

func TestMiddlewareValidToken(t *testing.T) {
	verifier, key := newTestVerifier(t)
	router := newRouter(verifier, MiddlewareConfig{})

	resp := serve(router, "Bearer "+signToken(t, key, "test-key", testIssuer, time.Now().Add(10*time.Minute)))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if resp.Body.String() != "user_2abc" {
		t.Fatalf("user id = %q", resp.Body.String())
	}
}

func TestMiddlewareExpiredToken(t *testing.T) {
	verifier, key := newTestVerifier(t)
	router := newRouter(verifier, MiddlewareConfig{})

	resp := serve(router, "Bearer "+signToken(t, key, "test-key", testIssuer, time.Now().Add(-time.Hour)))
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestMiddlewareOptional(t *testing.T) {
	verifier, _ := newTestVerifier(t)
	router := newRouter(verifier, MiddlewareConfig{Optional: true})

	resp := serve(router, "")
	if resp.Code != http.StatusOK || resp.Body.String() != "" {
		t.Fatalf("anonymous request = %d %q", resp.Code, resp.Body.String())
	}
	if resp := serve(router, "Bearer garbage"); resp.Code != http.StatusUnauthorized {
		t.Fatalf("bad token on optional route = %d, want 401", resp.Code)
	}
}

func TestMiddlewareDisabled(t *testing.T) {
	router := newRouter(nil, MiddlewareConfig{Disabled: true, DevSubject: "dev_user"})
	resp := serve(router, "")
	if resp.Code != http.StatusOK || resp.Body.String() != "dev_user" {
		t.Fatalf("disabled auth = %d %q", resp.Code, resp.Body.String())
	}
}

func TestExtractBearerToken(t *testing.T) {
	token, ok := extractBearerToken("Bearer abc")
	if !ok || token != "abc" {
		t.Fatalf("expected token")
	}
	for _, h := range []string{"Bearer", "Token abc", "", "Bearer   "} {
		if _, ok := extractBearerToken(h); ok {
			t.Fatalf("expected %q to be invalid", h)
		}
	}
}

func TestClaimsFromContext(t *testing.T) {
	ctx := WithClaims(context.Background(), &Claims{Subject: "user-1"})
	if UserID(ctx) != "user-1" {
		t.Fatalf("expected claims from context")
	}
	if UserID(context.Background()) != "" {
		t.Fatalf("expected empty user id")
	}
}

func newTestVerifier(t *testing.T) (*Verifier, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to create key: %v", err)
	}

	jwks := newJWKS(key, "test-key")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jwks)
	}))
	t.Cleanup(server.Close)

	verifier, err := NewVerifier(testIssuer, testAudience, server.URL)
	if err != nil {
		t.Fatalf("failed to create verifier: %v", err)
	}
	return verifier, key
}

func signToken(t *testing.T, key *rsa.PrivateKey, kid, issuer string, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{
		"iss": issuer,
		"aud": testAudience,
		"sub": "user_2abc",
		"exp": exp.Unix(),
		"iat": time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	tokenString, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return tokenString
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func newJWKS(key *rsa.PrivateKey, kid string) map[string][]jwk {
	return map[string][]jwk{
		"keys": {{
			Kty: "RSA",
			Kid: kid,
			Use: "sig",
			Alg: "RS256",
			N:   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
		}},
	}
}
