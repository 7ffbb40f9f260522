// Package gateway orchestrates the tollgate server components.
//
// # Overview
//
// The gateway package is the central coordinator of tollgate. It owns the
// credential store, the client registry, the OAuth request parser, consent
// coordinator and token service, the resource gate, the tool catalog and the
// MCP session manager, and serves them all from one HTTP server.
//
// # Gateway Struct
//
// The Gateway struct is the main entry point:
//
//	type Gateway struct {
//	    config     *config.Config
//	    store      store.Store
//	    clients    *clients.Registry
//	    parser     *oauth.Parser
//	    consent    *oauth.Coordinator
//	    tokens     *oauth.TokenService
//	    gate       *auth.Gate
//	    sessions   *mcp.Manager
//	    mcpServer  *mcp.Server
//	    httpServer *http.Server
//	    // ... and more
//	}
//
// # HTTP Routes
//
//	GET  /                                         - Docs page (embedded markdown)
//	GET  /health                                   - Liveness
//	GET  /health/ready                             - Readiness (store reachable)
//	GET  /.well-known/oauth-authorization-server   - RFC 8414 metadata
//	GET  /.well-known/oauth-protected-resource     - RFC 9728 metadata
//	GET  /oauth/authorize                          - Start the flow, show consent
//	POST /oauth/approve                            - Consent form submission
//	POST /oauth/token                              - Code exchange and refresh
//	POST /oauth/revoke                             - Token revocation
//	POST /oauth/register                           - Dynamic client registration
//	*    /mcp                                      - Tool sessions, bearer token required
//
// Errors in the authorization flow that occur before the client and its
// redirect URI are verified are rendered as an error page. Later errors are
// redirected to the client with error and state parameters.
//
// The approve, token, revoke and register endpoints are rate limited per
// client IP.
//
// # Listeners
//
// The gateway listens on server.http_addr, or, with tailscale.enabled, on a
// tsnet node serving HTTPS with Tailscale certificates (optionally through
// Funnel).
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	return gw.Run(ctx) // blocks until ctx is cancelled
//
// Run also starts the session sweeper and a housekeeping loop that deletes
// expired codes and tokens. Shutdown closes every session before stopping
// the HTTP server.
package gateway
