// Package login defines the boundary to whoever authenticates end users.
//
// The authorization core never looks at cookies, forms or user tables. It
// receives an Identity (a user id plus whether the user is authenticated) and
// acts on it. Authenticator implementations produce Identities:
//
//   - StaticAuthenticator checks usernames against bcrypt hashes from config
//   - MockAuthenticator treats every visitor as one configured user, for development
package login
