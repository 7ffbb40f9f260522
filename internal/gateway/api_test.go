// ABOUTME: Tests for the authorization server endpoints served by the gateway
// ABOUTME: Drives authorize, consent, token, revoke and register over httptest

package gateway

import (
	"context"
	"encoding/json"
	"html"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/2389/tollgate/internal/config"
	"github.com/2389/tollgate/internal/oauth"
	"github.com/2389/tollgate/internal/store"
)

const (
	testIssuer     = "https://auth.example"
	testClientPass = "c1-secret"
	testUserPass   = "wonderland"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func mustHash(t *testing.T, secret string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

// baseConfig is a memory-backed config with two static clients and one user.
func baseConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "127.0.0.1:0", Issuer: testIssuer},
		Database: config.DatabaseConfig{Driver: config.DriverMemory},
		OAuth: config.OAuthConfig{
			Scopes:          []string{"read_data", "write_data"},
			RoundTripSecret: strings.Repeat("k", 32),
		},
		Clients: []config.ClientConfig{
			{
				ClientID:         "c1",
				ClientName:       "Example App",
				RedirectURIs:     []string{"https://app/cb"},
				ClientSecretHash: mustHash(t, testClientPass),
			},
			{
				ClientID:     "pub",
				ClientName:   "CLI",
				RedirectURIs: []string{"http://127.0.0.1:9000/cb"},
			},
		},
		Login: config.LoginConfig{
			Mode: config.LoginStatic,
			Users: []config.UserConfig{
				{Username: "alice", UserID: "user-alice", PasswordHash: mustHash(t, testUserPass)},
			},
		},
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000},
	}
	cfg.ApplyDefaults()
	return cfg
}

type testGateway struct {
	gw      *Gateway
	handler http.Handler
	clock   *testClock
}

func newTestGateway(t *testing.T, mutate ...func(*config.Config)) *testGateway {
	t.Helper()
	cfg := baseConfig(t)
	for _, m := range mutate {
		m(cfg)
	}
	clock := newTestClock()
	gw, err := New(cfg, testLogger(), WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	return &testGateway{gw: gw, handler: gw.Handler(), clock: clock}
}

func (tg *testGateway) get(t *testing.T, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	tg.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func (tg *testGateway) postForm(t *testing.T, path string, form url.Values, setup func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if setup != nil {
		setup(req)
	}
	rec := httptest.NewRecorder()
	tg.handler.ServeHTTP(rec, req)
	return rec
}

func basicAuth(id, secret string) func(*http.Request) {
	return func(r *http.Request) { r.SetBasicAuth(id, secret) }
}

func authorizeURL(params map[string]string) string {
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	return authorizePath + "?" + q.Encode()
}

func c1Params() map[string]string {
	return map[string]string{
		"client_id":     "c1",
		"redirect_uri":  "https://app/cb",
		"response_type": "code",
		"scope":         "read_data",
		"state":         "st",
	}
}

var hiddenInput = regexp.MustCompile(`<input type="hidden" name="([^"]+)" value="([^"]*)">`)

// consentFields pulls the hidden form fields out of a rendered consent page.
func consentFields(t *testing.T, body string) url.Values {
	t.Helper()
	fields := url.Values{}
	for _, m := range hiddenInput.FindAllStringSubmatch(body, -1) {
		fields.Add(m[1], html.UnescapeString(m[2]))
	}
	require.NotEmpty(t, fields.Get("ticket"), "consent page has no ticket")
	return fields
}

// approve walks authorize and consent as alice and returns the redirect.
func (tg *testGateway) approve(t *testing.T, params map[string]string) *url.URL {
	t.Helper()
	rec := tg.get(t, authorizeURL(params))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	form := consentFields(t, rec.Body.String())
	form.Set("decision", "approve")
	form.Set("username", "alice")
	form.Set("password", testUserPass)

	rec = tg.postForm(t, approvePath, form, nil)
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	return loc
}

func (tg *testGateway) exchange(t *testing.T, code string) *httptest.ResponseRecorder {
	t.Helper()
	return tg.postForm(t, tokenPath, url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {"https://app/cb"},
	}, basicAuth("c1", testClientPass))
}

func decodeToken(t *testing.T, rec *httptest.ResponseRecorder) oauth.TokenResponse {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp oauth.TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func decodeOAuthError(t *testing.T, rec *httptest.ResponseRecorder) oauthErrorBody {
	t.Helper()
	var body oauthErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func (tg *testGateway) mcpInitialize(t *testing.T, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, mcpPath, strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18"}}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	tg.handler.ServeHTTP(rec, req)
	return rec
}

func TestAuthorize_UnregisteredRedirectShowsErrorPage(t *testing.T) {
	tg := newTestGateway(t)

	tests := []struct {
		name   string
		params map[string]string
	}{
		{"evil redirect", map[string]string{"redirect_uri": "https://evil/cb"}},
		{"prefix of registered", map[string]string{"redirect_uri": "https://app/cb/extra"}},
		{"unknown client", map[string]string{"client_id": "nobody"}},
		{"missing client", map[string]string{"client_id": ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := c1Params()
			for k, v := range tt.params {
				params[k] = v
			}
			rec := tg.get(t, authorizeURL(params))

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, rec.Header().Get("Location"))
			assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
			assert.Contains(t, rec.Body.String(), "invalid_request")
			assert.NotContains(t, rec.Body.String(), "https://evil/cb?")
		})
	}
}

func TestAuthorize_ValidatedErrorsRedirect(t *testing.T) {
	tg := newTestGateway(t)

	tests := []struct {
		name      string
		params    map[string]string
		wantError string
	}{
		{"unsupported response type", map[string]string{"response_type": "token"}, "unsupported_response_type"},
		{"unknown scope", map[string]string{"scope": "admin"}, "invalid_scope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := c1Params()
			for k, v := range tt.params {
				params[k] = v
			}
			rec := tg.get(t, authorizeURL(params))
			require.Equal(t, http.StatusFound, rec.Code)

			loc, err := url.Parse(rec.Header().Get("Location"))
			require.NoError(t, err)
			assert.Equal(t, "app", loc.Host)
			assert.Equal(t, "/cb", loc.Path)
			assert.Equal(t, tt.wantError, loc.Query().Get("error"))
			assert.Equal(t, "st", loc.Query().Get("state"))
		})
	}
}

func TestAuthorize_ShowsConsent(t *testing.T) {
	tg := newTestGateway(t)

	rec := tg.get(t, authorizeURL(c1Params()))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()

	assert.Contains(t, body, "Example App")
	assert.Contains(t, body, "<li>read_data</li>")
	assert.Contains(t, body, `name="password"`)
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	fields := consentFields(t, body)
	assert.Equal(t, "c1", fields.Get("client_id"))
	assert.Equal(t, "https://app/cb", fields.Get("redirect_uri"))
	assert.Equal(t, "read_data", fields.Get("scope"))
	assert.Equal(t, "st", fields.Get("state"))
}

func TestFullFlow_CodeExchangedOnce(t *testing.T) {
	tg := newTestGateway(t)

	loc := tg.approve(t, c1Params())
	assert.Equal(t, "https", loc.Scheme)
	assert.Equal(t, "app", loc.Host)
	assert.Equal(t, "st", loc.Query().Get("state"))
	code := loc.Query().Get("code")
	require.NotEmpty(t, code)

	tok := decodeToken(t, tg.exchange(t, code))
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.Equal(t, "read_data", tok.Scope)
	assert.Equal(t, int64(3600), tok.ExpiresIn)
	assert.NotEmpty(t, tok.RefreshToken)

	rec := tg.mcpInitialize(t, tok.AccessToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("Mcp-Session-Id"))

	// Second exchange fails and, as a replay, revokes what the code produced
	rec = tg.exchange(t, code)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_grant", decodeOAuthError(t, rec).Error)

	rec = tg.mcpInitialize(t, tok.AccessToken)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestFullFlow_ConcurrentExchange(t *testing.T) {
	// With replay revocation on, the losers would also retire the winner's tokens.
	tg := newTestGateway(t, func(c *config.Config) {
		off := false
		c.Tokens.RevokeOnCodeReplay = &off
	})
	code := tg.approve(t, c1Params()).Query().Get("code")

	const n = 10
	var wg sync.WaitGroup
	codes := make(chan int, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			codes <- tg.exchange(t, code).Code
		}()
	}
	wg.Wait()
	close(codes)

	ok := 0
	for c := range codes {
		if c == http.StatusOK {
			ok++
		}
	}
	assert.Equal(t, 1, ok)
}

func TestApprove_WrongPasswordShowsConsentAgain(t *testing.T) {
	tg := newTestGateway(t)
	rec := tg.get(t, authorizeURL(c1Params()))
	form := consentFields(t, rec.Body.String())
	form.Set("decision", "approve")
	form.Set("username", "alice")
	form.Set("password", "wrong")

	rec = tg.postForm(t, approvePath, form, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, rec.Header().Get("Location"))
	assert.Contains(t, rec.Body.String(), "Invalid username or password.")

	// The page can be resubmitted as is
	again := consentFields(t, rec.Body.String())
	assert.Equal(t, form.Get("ticket"), again.Get("ticket"))
}

func TestApprove_MissingCredentialsAsksToSignIn(t *testing.T) {
	tg := newTestGateway(t)
	rec := tg.get(t, authorizeURL(c1Params()))
	form := consentFields(t, rec.Body.String())
	form.Set("decision", "approve")

	rec = tg.postForm(t, approvePath, form, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Sign in to approve this request.")
}

func TestApprove_DenyRedirectsAccessDenied(t *testing.T) {
	tg := newTestGateway(t)
	rec := tg.get(t, authorizeURL(c1Params()))
	form := consentFields(t, rec.Body.String())
	form.Set("decision", "deny")

	rec = tg.postForm(t, approvePath, form, nil)
	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "app", loc.Host)
	assert.Equal(t, "access_denied", loc.Query().Get("error"))
	assert.Equal(t, "st", loc.Query().Get("state"))
	assert.Empty(t, loc.Query().Get("code"))
}

func TestApprove_ModifiedFormIsRejected(t *testing.T) {
	tg := newTestGateway(t)

	tests := map[string]func(url.Values){
		"redirect uri": func(f url.Values) { f.Set("redirect_uri", "https://evil/cb") },
		"scope":        func(f url.Values) { f.Set("scope", "read_data write_data") },
		"state":        func(f url.Values) { f.Set("state", "other") },
		"client":       func(f url.Values) { f.Set("client_id", "pub") },
		"ticket":       func(f url.Values) { f.Set("ticket", f.Get("ticket")+"x") },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			rec := tg.get(t, authorizeURL(c1Params()))
			form := consentFields(t, rec.Body.String())
			form.Set("decision", "approve")
			form.Set("username", "alice")
			form.Set("password", testUserPass)
			mutate(form)

			rec = tg.postForm(t, approvePath, form, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, rec.Header().Get("Location"))
			assert.Contains(t, rec.Body.String(), "invalid_request")
		})
	}
}

func TestApprove_MockLogin(t *testing.T) {
	tg := newTestGateway(t, func(c *config.Config) {
		c.Login = config.LoginConfig{Mode: config.LoginMock, MockUserID: "dev"}
	})

	rec := tg.get(t, authorizeURL(c1Params()))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Signed in as <strong>dev</strong>")
	assert.NotContains(t, rec.Body.String(), `name="password"`)

	form := consentFields(t, rec.Body.String())
	form.Set("decision", "approve")
	rec = tg.postForm(t, approvePath, form, nil)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), "code=")
}

func TestApprove_NarrowedScopes(t *testing.T) {
	tg := newTestGateway(t)
	params := c1Params()
	params["scope"] = "read_data write_data"

	rec := tg.get(t, authorizeURL(params))
	form := consentFields(t, rec.Body.String())
	form.Set("decision", "approve")
	form.Set("username", "alice")
	form.Set("password", testUserPass)
	form.Set("grant_scope", "read_data")

	rec = tg.postForm(t, approvePath, form, nil)
	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)

	tok := decodeToken(t, tg.exchange(t, loc.Query().Get("code")))
	assert.Equal(t, "read_data", tok.Scope)
}

func TestToken_Errors(t *testing.T) {
	tg := newTestGateway(t)
	code := tg.approve(t, c1Params()).Query().Get("code")

	tests := []struct {
		name       string
		form       url.Values
		setup      func(*http.Request)
		wantStatus int
		wantError  string
	}{
		{
			name:       "missing grant type",
			form:       url.Values{"code": {code}},
			setup:      basicAuth("c1", testClientPass),
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_request",
		},
		{
			name:       "unsupported grant type",
			form:       url.Values{"grant_type": {"password"}},
			setup:      basicAuth("c1", testClientPass),
			wantStatus: http.StatusBadRequest,
			wantError:  "unsupported_grant_type",
		},
		{
			name:       "wrong secret",
			form:       url.Values{"grant_type": {"authorization_code"}, "code": {code}, "redirect_uri": {"https://app/cb"}},
			setup:      basicAuth("c1", "nope"),
			wantStatus: http.StatusUnauthorized,
			wantError:  "invalid_client",
		},
		{
			name:       "two auth methods",
			form:       url.Values{"grant_type": {"authorization_code"}, "code": {code}, "client_secret": {testClientPass}},
			setup:      basicAuth("c1", testClientPass),
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_request",
		},
		{
			name:       "repeated parameter",
			form:       url.Values{"grant_type": {"authorization_code"}, "code": {code, code}},
			setup:      basicAuth("c1", testClientPass),
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_request",
		},
		{
			name:       "unknown code",
			form:       url.Values{"grant_type": {"authorization_code"}, "code": {"not-a-code"}, "redirect_uri": {"https://app/cb"}},
			setup:      basicAuth("c1", testClientPass),
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_grant",
		},
		{
			name:       "redirect mismatch",
			form:       url.Values{"grant_type": {"authorization_code"}, "code": {code}, "redirect_uri": {"https://app/other"}},
			setup:      basicAuth("c1", testClientPass),
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_grant",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := tg.postForm(t, tokenPath, tt.form, tt.setup)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantError, decodeOAuthError(t, rec).Error)
			assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
		})
	}

	// Failed attempts that never reached the code leave it redeemable
	decodeToken(t, tg.exchange(t, code))
}

func TestToken_WrongSecretChallengesBasic(t *testing.T) {
	tg := newTestGateway(t)
	rec := tg.postForm(t, tokenPath, url.Values{"grant_type": {"authorization_code"}, "code": {"x"}}, basicAuth("c1", "nope"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, `Basic realm="tollgate"`, rec.Header().Get("WWW-Authenticate"))
}

func TestToken_GetNotAllowed(t *testing.T) {
	tg := newTestGateway(t)
	assert.Equal(t, http.StatusMethodNotAllowed, tg.get(t, tokenPath).Code)
}

func TestToken_RefreshRotates(t *testing.T) {
	tg := newTestGateway(t)
	code := tg.approve(t, c1Params()).Query().Get("code")
	first := decodeToken(t, tg.exchange(t, code))

	refresh := func(token string) *httptest.ResponseRecorder {
		return tg.postForm(t, tokenPath, url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {token},
		}, basicAuth("c1", testClientPass))
	}

	tg.clock.Advance(30 * time.Minute)
	second := decodeToken(t, refresh(first.RefreshToken))
	assert.NotEqual(t, first.AccessToken, second.AccessToken)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.Equal(t, "read_data", second.Scope)

	rec := refresh(first.RefreshToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_grant", decodeOAuthError(t, rec).Error)

	assert.Equal(t, http.StatusOK, tg.mcpInitialize(t, second.AccessToken).Code)
}

func TestToken_EnforcesRegisteredAuthMethod(t *testing.T) {
	tg := newTestGateway(t, func(c *config.Config) {
		c.Clients = append(c.Clients, config.ClientConfig{
			ClientID:                "cpost",
			RedirectURIs:            []string{"https://post/cb"},
			ClientSecretHash:        mustHash(t, testClientPass),
			TokenEndpointAuthMethod: "client_secret_post",
		})
	})
	refresh := url.Values{"grant_type": {"refresh_token"}, "refresh_token": {"unknown"}}
	withForm := func(id string) url.Values {
		form := url.Values{"client_id": {id}, "client_secret": {testClientPass}}
		for k, v := range refresh {
			form[k] = v
		}
		return form
	}

	// c1 registered client_secret_basic
	rec := tg.postForm(t, tokenPath, withForm("c1"), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_client", decodeOAuthError(t, rec).Error)
	assert.Empty(t, rec.Header().Get("WWW-Authenticate"))

	rec = tg.postForm(t, tokenPath, refresh, basicAuth("cpost", testClientPass))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_client", decodeOAuthError(t, rec).Error)
	assert.Equal(t, `Basic realm="tollgate"`, rec.Header().Get("WWW-Authenticate"))

	// The registered method gets past client authentication
	rec = tg.postForm(t, tokenPath, withForm("cpost"), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_grant", decodeOAuthError(t, rec).Error)

	rec = tg.postForm(t, revokePath, url.Values{"token": {"unknown"}, "client_id": {"c1"}, "client_secret": {testClientPass}}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_client", decodeOAuthError(t, rec).Error)

	rec = tg.postForm(t, revokePath, url.Values{"token": {"unknown"}}, basicAuth("cpost", testClientPass))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestToken_DefaultedRedirectURIMayBeOmitted(t *testing.T) {
	tg := newTestGateway(t)
	params := c1Params()
	delete(params, "redirect_uri")
	loc := tg.approve(t, params)
	assert.Equal(t, "https://app/cb", loc.Scheme+"://"+loc.Host+loc.Path)

	rec := tg.postForm(t, tokenPath, url.Values{
		"grant_type": {"authorization_code"},
		"code":       {loc.Query().Get("code")},
	}, basicAuth("c1", testClientPass))
	tok := decodeToken(t, rec)
	assert.NotEmpty(t, tok.AccessToken)
}

func TestRevoke(t *testing.T) {
	tg := newTestGateway(t)
	code := tg.approve(t, c1Params()).Query().Get("code")
	tok := decodeToken(t, tg.exchange(t, code))

	revoke := func(form url.Values, setup func(*http.Request)) *httptest.ResponseRecorder {
		return tg.postForm(t, revokePath, form, setup)
	}

	rec := revoke(url.Values{"token": {"unknown"}}, basicAuth("c1", testClientPass))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = revoke(url.Values{}, basicAuth("c1", testClientPass))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", decodeOAuthError(t, rec).Error)

	rec = revoke(url.Values{"token": {tok.AccessToken}}, basicAuth("c1", "nope"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_client", decodeOAuthError(t, rec).Error)

	// Another client cannot revoke c1's token
	rec = revoke(url.Values{"token": {tok.AccessToken}, "client_id": {"pub"}}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusOK, tg.mcpInitialize(t, tok.AccessToken).Code)

	// Revoking the refresh token takes its access tokens with it
	rec = revoke(url.Values{"token": {tok.RefreshToken}, "token_type_hint": {"refresh_token"}}, basicAuth("c1", testClientPass))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusUnauthorized, tg.mcpInitialize(t, tok.AccessToken).Code)

	rec = revoke(url.Values{"token": {tok.RefreshToken}}, basicAuth("c1", testClientPass))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPublicClient_RequiresPKCE(t *testing.T) {
	tg := newTestGateway(t)
	params := map[string]string{
		"client_id":     "pub",
		"redirect_uri":  "http://127.0.0.1:9000/cb",
		"response_type": "code",
		"scope":         "read_data",
		"state":         "s1",
	}

	rec := tg.get(t, authorizeURL(params))
	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "invalid_request", loc.Query().Get("error"))

	verifier := strings.Repeat("v", 43)
	params["code_challenge"] = oauth.S256Challenge(verifier)
	params["code_challenge_method"] = "S256"
	code := tg.approve(t, params).Query().Get("code")

	exchange := func(v string) *httptest.ResponseRecorder {
		return tg.postForm(t, tokenPath, url.Values{
			"grant_type":    {"authorization_code"},
			"code":          {code},
			"client_id":     {"pub"},
			"redirect_uri":  {"http://127.0.0.1:9000/cb"},
			"code_verifier": {v},
		}, nil)
	}
	rec = exchange(strings.Repeat("w", 43))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_grant", decodeOAuthError(t, rec).Error)

	tok := decodeToken(t, exchange(verifier))
	assert.NotEmpty(t, tok.AccessToken)
}

func TestRegister(t *testing.T) {
	tg := newTestGateway(t)

	register := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, registerPath, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		tg.handler.ServeHTTP(rec, req)
		return rec
	}

	rec := register(`{"redirect_uris":["https://new.example/cb"],"client_name":"New App"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var reg RegistrationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reg))
	assert.NotEmpty(t, reg.ClientID)
	assert.NotEmpty(t, reg.ClientSecret)
	require.NotNil(t, reg.ClientSecretExpiresAt)
	assert.Zero(t, *reg.ClientSecretExpiresAt)
	assert.Equal(t, store.AuthMethodClientSecretBasic, reg.TokenEndpointAuthMethod)
	assert.Equal(t, tg.clock.Now().Unix(), reg.ClientIDIssuedAt)

	// The new client can start a flow at once
	rec = tg.get(t, authorizeURL(map[string]string{
		"client_id":     reg.ClientID,
		"redirect_uri":  "https://new.example/cb",
		"response_type": "code",
		"scope":         "read_data",
	}))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = register(`{"redirect_uris":["http://127.0.0.1:7777/cb"],"token_endpoint_auth_method":"none"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	reg = RegistrationResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reg))
	assert.Empty(t, reg.ClientSecret)
	assert.Nil(t, reg.ClientSecretExpiresAt)

	tests := []struct {
		name      string
		body      string
		wantError string
	}{
		{"plain http redirect", `{"redirect_uris":["http://example.com/cb"]}`, "invalid_redirect_uri"},
		{"no redirect", `{"client_name":"x"}`, "invalid_redirect_uri"},
		{"bad auth method", `{"redirect_uris":["https://ok.example/cb"],"token_endpoint_auth_method":"private_key_jwt"}`, "invalid_client_metadata"},
		{"implicit grant", `{"redirect_uris":["https://ok.example/cb"],"grant_types":["implicit"]}`, "invalid_client_metadata"},
		{"not json", `redirect_uris=x`, "invalid_client_metadata"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := register(tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.wantError, decodeOAuthError(t, rec).Error)
		})
	}
}

func TestRegister_Disabled(t *testing.T) {
	disabled := false
	tg := newTestGateway(t, func(c *config.Config) {
		c.OAuth.AllowDynamicRegistration = &disabled
	})

	rec := tg.postForm(t, registerPath, url.Values{}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRevokedClientCannotAuthorize(t *testing.T) {
	tg := newTestGateway(t)
	require.NoError(t, tg.gw.clients.Revoke(context.Background(), "c1"))

	rec := tg.get(t, authorizeURL(c1Params()))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, rec.Header().Get("Location"))
}
