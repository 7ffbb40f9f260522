// Package store provides the credential store: OAuth clients, authorization
// codes, and access/refresh tokens.
//
// # Backends
//
// Three implementations satisfy the Store interface:
//
//   - MemoryStore: sync.Map of records, each with its own mutex
//   - SQLiteStore: modernc.org/sqlite (driver "sqlite") or mattn/go-sqlite3 (driver "sqlite3")
//   - RedisStore: go-redis v9, JSON records plus SET NX flag keys
//
// # Single-use codes
//
// ConsumeAuthCode is the only way a code becomes consumed and it is a
// conditional write in every backend: a per-record lock in memory, an
// UPDATE ... WHERE consumed_at IS NULL in SQLite, and SET NX in Redis.
// Of any number of concurrent callers for the same code exactly one gets nil;
// the rest get ErrAlreadyConsumed. RevokeToken follows the same pattern and
// reports whether the caller performed the transition, which the token
// service uses for refresh token rotation.
//
// # Secrets
//
// Records are keyed by the hash of the secret handed to clients. The store
// never sees raw codes or tokens.
//
// # Expiry
//
// A record is valid strictly before its expiry instant. Tokens with a zero
// ExpiresAt never expire and are only invalidated by revocation.
package store
