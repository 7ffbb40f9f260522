// ABOUTME: Tests for the resource gate middleware
// ABOUTME: Covers token extraction, challenges for missing and invalid tokens, and identity propagation

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/2389/tollgate/internal/oauth"
)

type fakeValidator struct {
	tokens map[string]*oauth.TokenInfo
	err    error
}

func (f *fakeValidator) Validate(_ context.Context, token string) (*oauth.TokenInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	info, ok := f.tokens[token]
	if !ok {
		return nil, &oauth.Error{Kind: oauth.KindInvalidToken, Description: "access token has been revoked"}
	}
	return info, nil
}

func newTestGate(v TokenValidator, onInvalid func(*http.Request, error)) *Gate {
	return NewGate(GateConfig{
		Validator:           v,
		ResourceMetadataURL: "https://gate.example/.well-known/oauth-protected-resource",
		AuthorizationURL:    "https://gate.example/oauth/authorize",
		OnInvalid:           onInvalid,
	})
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header    string
		wantToken string
		wantErr   bool
	}{
		{"Bearer abc", "abc", false},
		{"bearer abc", "abc", false},
		{"Bearer  abc ", "abc", false},
		{"", "", true},
		{"Basic Zm9vOmJhcg==", "", true},
		{"Bearer", "", true},
		{"Bearer ", "", true},
	}
	for _, tt := range tests {
		token, errMsg := extractBearerToken(tt.header)
		if token != tt.wantToken {
			t.Errorf("extractBearerToken(%q) token = %q, want %q", tt.header, token, tt.wantToken)
		}
		if (errMsg != "") != tt.wantErr {
			t.Errorf("extractBearerToken(%q) errMsg = %q, wantErr %v", tt.header, errMsg, tt.wantErr)
		}
	}
}

func TestGate_ValidToken(t *testing.T) {
	expires := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	v := &fakeValidator{tokens: map[string]*oauth.TokenInfo{
		"good": {TokenID: "hash", UserID: "alice", ClientID: "c1", Scopes: []string{"read_data"}, ExpiresAt: expires},
	}}

	var got *AuthContext
	handler := newTestGate(v, nil).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if got == nil {
		t.Fatal("expected AuthContext in context")
	}
	if got.UserID != "alice" || got.ClientID != "c1" || got.TokenID != "hash" {
		t.Errorf("unexpected auth context %+v", got)
	}
	if !got.HasScope("read_data") {
		t.Error("expected read_data scope")
	}
	if !got.ExpiresAt.Equal(expires) {
		t.Errorf("expected expiry %v, got %v", expires, got.ExpiresAt)
	}
}

func TestGate_MissingToken(t *testing.T) {
	called := false
	handler := newTestGate(&fakeValidator{}, func(*http.Request, error) { called = true }).
		Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("handler must not run")
		}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mcp", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rec.Code)
	}
	challenge := rec.Header().Get("WWW-Authenticate")
	if !strings.HasPrefix(challenge, "Bearer ") {
		t.Errorf("expected Bearer challenge, got %q", challenge)
	}
	for _, want := range []string{
		`realm="tollgate"`,
		`resource_metadata="https://gate.example/.well-known/oauth-protected-resource"`,
		`authorization_uri="https://gate.example/oauth/authorize"`,
	} {
		if !strings.Contains(challenge, want) {
			t.Errorf("challenge %q missing %s", challenge, want)
		}
	}
	if strings.Contains(challenge, "error=") {
		t.Errorf("challenge without credentials must not carry an error code: %q", challenge)
	}
	if called {
		t.Error("OnInvalid must only fire for presented tokens")
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["authorization_endpoint"] != "https://gate.example/oauth/authorize" {
		t.Errorf("expected pointer to authorization endpoint, got %v", body)
	}
}

func TestGate_InvalidToken(t *testing.T) {
	var hookErr error
	handler := newTestGate(&fakeValidator{}, func(_ *http.Request, err error) { hookErr = err }).
		Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("handler must not run")
		}))

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer revoked")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rec.Code)
	}
	challenge := rec.Header().Get("WWW-Authenticate")
	if !strings.Contains(challenge, `error="invalid_token"`) {
		t.Errorf("expected invalid_token in challenge, got %q", challenge)
	}
	if !strings.Contains(challenge, `error_description="access token has been revoked"`) {
		t.Errorf("expected description in challenge, got %q", challenge)
	}
	if oauth.KindOf(hookErr) != oauth.KindInvalidToken {
		t.Errorf("expected OnInvalid with InvalidToken, got %v", hookErr)
	}
}

func TestGate_ValidatorFailure(t *testing.T) {
	v := &fakeValidator{err: &oauth.Error{Kind: oauth.KindServerError, Err: errors.New("db down")}}
	handler := newTestGate(v, nil).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer whatever")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") != "" {
		t.Error("server errors must not challenge")
	}
}

func TestGate_DefaultRealm(t *testing.T) {
	g := NewGate(GateConfig{Realm: "tools"})
	if got := g.Challenge("", ""); got != `Bearer realm="tools"` {
		t.Errorf("unexpected challenge %q", got)
	}
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	if got := BearerToken(req); got != "" {
		t.Errorf("expected empty token, got %q", got)
	}
	req.Header.Set("Authorization", "Bearer tok")
	if got := BearerToken(req); got != "tok" {
		t.Errorf("expected tok, got %q", got)
	}
}
