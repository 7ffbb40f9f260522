// Package clients is the OAuth client registry.
//
// Clients come from two places: static entries in the configuration file,
// loaded at startup with LoadStatic, and dynamic self-registration (RFC 7591)
// through Register. Both end up as store.Client records.
//
// A client is never deleted. Revoke marks it unusable for new authorizations,
// code exchanges and refreshes. Changing a client's metadata is an explicit
// re-registration (Reregister); static clients are re-registered whenever the
// configuration changes.
//
// Confidential clients hold a bcrypt hash of their secret. The plain secret is
// returned exactly once, in the registration response.
package clients
