// ABOUTME: HTTP route table, discovery metadata and per-IP rate limiting
// ABOUTME: Credential endpoints are rate limited; the tool endpoint sits behind the resource gate

package gateway

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/2389/tollgate/internal/oauth"
	"github.com/2389/tollgate/internal/store"
)

// Endpoint paths.
const (
	authorizePath           = "/oauth/authorize"
	approvePath             = "/oauth/approve"
	tokenPath               = "/oauth/token"
	revokePath              = "/oauth/revoke"
	registerPath            = "/oauth/register"
	mcpPath                 = "/mcp"
	authServerMetadataPath  = "/.well-known/oauth-authorization-server"
	protectedResourcePath   = "/.well-known/oauth-protected-resource"
	protectedResourceMCPDoc = protectedResourcePath + mcpPath
)

// routes builds the gateway's handler.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	// Discovery
	mux.HandleFunc("GET /{$}", g.handleIndex)
	mux.HandleFunc("GET "+authServerMetadataPath, g.handleAuthServerMetadata)
	mux.HandleFunc("GET "+protectedResourcePath, g.handleProtectedResourceMetadata)
	mux.HandleFunc("GET "+protectedResourceMCPDoc, g.handleProtectedResourceMetadata)

	// Authorization server
	mux.HandleFunc("GET "+authorizePath, g.handleAuthorize)
	mux.Handle("POST "+approvePath, g.limiter.middleware(http.HandlerFunc(g.handleApprove)))
	mux.Handle("POST "+tokenPath, g.limiter.middleware(http.HandlerFunc(g.handleToken)))
	mux.Handle("POST "+revokePath, g.limiter.middleware(http.HandlerFunc(g.handleRevoke)))
	if g.config.OAuth.DynamicRegistrationEnabled() {
		mux.Handle("POST "+registerPath, g.limiter.middleware(http.HandlerFunc(g.handleRegister)))
	}

	// Protected resource
	mux.Handle(mcpPath, g.gate.Middleware(g.mcpServer))

	return mux
}

// AuthServerMetadata is the RFC 8414 discovery document.
type AuthServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	RevocationEndpointAuthMethods     []string `json:"revocation_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
}

// ProtectedResourceMetadata is the RFC 9728 discovery document.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	ScopesSupported        []string `json:"scopes_supported"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	ResourceName           string   `json:"resource_name"`
}

func (g *Gateway) authServerMetadata() AuthServerMetadata {
	authMethods := []string{store.AuthMethodNone, store.AuthMethodClientSecretBasic, store.AuthMethodClientSecretPost}
	md := AuthServerMetadata{
		Issuer:                            g.baseURL,
		AuthorizationEndpoint:             g.baseURL + authorizePath,
		TokenEndpoint:                     g.baseURL + tokenPath,
		RevocationEndpoint:                g.baseURL + revokePath,
		ScopesSupported:                   g.parser.Scopes(),
		ResponseTypesSupported:            []string{oauth.ResponseTypeCode},
		GrantTypesSupported:               []string{grantAuthorizationCode},
		TokenEndpointAuthMethodsSupported: authMethods,
		RevocationEndpointAuthMethods:     authMethods,
		CodeChallengeMethodsSupported:     []string{oauth.PKCEMethodS256},
	}
	if g.config.Tokens.IssueRefresh() {
		md.GrantTypesSupported = append(md.GrantTypesSupported, grantRefreshToken)
	}
	if g.config.OAuth.AllowPlainPKCE {
		md.CodeChallengeMethodsSupported = append(md.CodeChallengeMethodsSupported, oauth.PKCEMethodPlain)
	}
	if g.config.OAuth.DynamicRegistrationEnabled() {
		md.RegistrationEndpoint = g.baseURL + registerPath
	}
	return md
}

func (g *Gateway) handleAuthServerMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.authServerMetadata())
}

func (g *Gateway) handleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ProtectedResourceMetadata{
		Resource:               g.baseURL + mcpPath,
		AuthorizationServers:   []string{g.baseURL},
		ScopesSupported:        g.parser.Scopes(),
		BearerMethodsSupported: []string{"header"},
		ResourceName:           "tollgate tools",
	})
}

// writeJSON writes v with the given status. Credential responses must not be cached.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ipLimiter hands out a token bucket per client IP.
type ipLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipBucket
	limit    rate.Limit
	burst    int
	now      func() time.Time
}

type ipBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterIdle is how long an IP's bucket is kept after its last request.
const limiterIdle = 10 * time.Minute

func newIPLimiter(perSecond float64, burst int, now func() time.Time) *ipLimiter {
	return &ipLimiter{
		limiters: make(map[string]*ipBucket),
		limit:    rate.Limit(perSecond),
		burst:    burst,
		now:      now,
	}
}

// allow reports whether a request from ip may proceed.
func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.limiters[ip]
	if !ok {
		b = &ipBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[ip] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// sweep drops buckets that have been idle for limiterIdle.
func (l *ipLimiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, b := range l.limiters {
		if now.Sub(b.lastSeen) >= limiterIdle {
			delete(l.limiters, ip)
		}
	}
}

func (l *ipLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(clientIP(r)) {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, oauthErrorBody{
				Error:            "slow_down",
				ErrorDescription: "too many requests",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP returns the remote address without its port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
