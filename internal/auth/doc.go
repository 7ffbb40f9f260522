// Package auth guards the tool session endpoint.
//
// # Resource Gate
//
// Gate.Middleware extracts the bearer token from the Authorization header and
// validates it with the token service on every request:
//
//	gate := auth.NewGate(auth.GateConfig{Validator: tokens, AuthorizationURL: issuer + "/oauth/authorize"})
//	mux.Handle("/mcp", gate.Middleware(sessions))
//
// Requests without a token get a 401 whose WWW-Authenticate challenge points
// at the protected resource metadata and the authorization endpoint. Requests
// with a bad token additionally carry error="invalid_token". The gate keeps no
// state of its own.
//
// # Context
//
// Admitted requests carry an AuthContext (user, client, scopes, token ID)
// retrievable with FromContext.
package auth
