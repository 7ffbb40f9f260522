// Package oauth implements the OAuth 2.0 authorization code flow that guards
// the tool session endpoint.
//
// A request moves through four steps:
//
//   - Parser.Parse validates the authorization request against the client
//     registry and seals it into a consent ticket.
//   - Coordinator.Present describes the consent page for a given login identity.
//   - Coordinator.Finalize opens the ticket, checks the submitted request
//     against it, and either mints an authorization code or reports
//     access_denied.
//   - TokenService.Exchange redeems the code exactly once.
//
// Errors are *Error values whose Kind decides how they reach the caller:
// direct error page, redirect to the client, JSON body, or a 401 challenge.
// Codes and tokens are opaque random strings; only their SHA-256 hashes are
// persisted.
package oauth
