// ABOUTME: Store interface and record types for OAuth clients, authorization codes and tokens
// ABOUTME: Implementations must make code consumption and token revocation conditional writes

package store

import (
	"context"
	"errors"
	"slices"
	"time"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when creating a record whose key is already taken
var ErrDuplicate = errors.New("already exists")

// ErrAlreadyConsumed is returned when an authorization code has already been redeemed
var ErrAlreadyConsumed = errors.New("authorization code already consumed")

// Token endpoint authentication methods a client can register with.
const (
	AuthMethodNone              = "none"
	AuthMethodClientSecretPost  = "client_secret_post"
	AuthMethodClientSecretBasic = "client_secret_basic"
)

// Client is a registered OAuth client descriptor.
type Client struct {
	ID           string
	Name         string
	RedirectURIs []string
	// SecretHash is the bcrypt hash of the client secret; empty for public clients.
	SecretHash string
	AuthMethod string
	Static     bool // pre-registered from configuration
	CreatedAt  time.Time
	RevokedAt  *time.Time
}

// IsPublic reports whether the client has no secret.
func (c *Client) IsPublic() bool {
	return c.SecretHash == ""
}

// Revoked reports whether the client has been revoked.
func (c *Client) Revoked() bool {
	return c.RevokedAt != nil
}

// HasRedirectURI reports whether uri exactly matches one of the registered URIs.
// No normalization, prefix or wildcard matching is performed.
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// AuthCode is a grant created at consent time and redeemed at the token endpoint.
// ID is the hash of the code handed to the client, never the code itself.
type AuthCode struct {
	ID       string
	ClientID string
	UserID   string
	Scopes   []string
	// RedirectURI is empty when the authorization request omitted it and the
	// client's only registered URI was used.
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	ConsumedAt          *time.Time
	// ReplayedAt is set when the code was presented again after being consumed.
	ReplayedAt *time.Time
}

// Consumed reports whether the code has been redeemed.
func (c *AuthCode) Consumed() bool {
	return c.ConsumedAt != nil
}

// Expired reports whether the code is expired at now. A code is valid strictly
// before ExpiresAt and expired from that instant on.
func (c *AuthCode) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// TokenKind distinguishes access tokens from refresh tokens.
type TokenKind string

// Token kinds.
const (
	TokenAccess  TokenKind = "access"
	TokenRefresh TokenKind = "refresh"
)

// Token is an issued access or refresh token. ID is the hash of the secret.
type Token struct {
	ID       string
	Kind     TokenKind
	ClientID string
	UserID   string
	Scopes   []string
	// ParentID links the token to the code or refresh token it was issued from.
	ParentID  string
	CreatedAt time.Time
	// ExpiresAt is zero for tokens that never expire.
	ExpiresAt time.Time
	RevokedAt *time.Time
}

// Revoked reports whether the token has been revoked.
func (t *Token) Revoked() bool {
	return t.RevokedAt != nil
}

// Expired reports whether the token is expired at now, using the same
// convention as AuthCode.Expired.
func (t *Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// ClientStore persists client descriptors.
type ClientStore interface {
	CreateClient(ctx context.Context, c *Client) error
	GetClient(ctx context.Context, id string) (*Client, error)
	// ReplaceClient overwrites an existing client (re-registration).
	ReplaceClient(ctx context.Context, c *Client) error
	RevokeClient(ctx context.Context, id string, at time.Time) error
	ListClients(ctx context.Context) ([]*Client, error)
}

// CodeStore persists authorization codes.
type CodeStore interface {
	CreateAuthCode(ctx context.Context, code *AuthCode) error
	GetAuthCode(ctx context.Context, id string) (*AuthCode, error)
	// ConsumeAuthCode marks the code consumed if and only if it is not already.
	// Exactly one of any number of concurrent callers succeeds; the others get
	// ErrAlreadyConsumed.
	ConsumeAuthCode(ctx context.Context, id string, at time.Time) error
	// MarkAuthCodeReplayed records that a consumed code was presented again.
	// Marking twice keeps the first timestamp.
	MarkAuthCodeReplayed(ctx context.Context, id string, at time.Time) error
}

// TokenStore persists access and refresh tokens.
type TokenStore interface {
	CreateToken(ctx context.Context, t *Token) error
	GetToken(ctx context.Context, id string) (*Token, error)
	// RevokeToken marks the token revoked. It returns true only for the call that
	// performed the transition, so it doubles as a compare-and-swap.
	RevokeToken(ctx context.Context, id string, at time.Time) (bool, error)
	// ListTokensByParent returns the tokens issued from the given code or token.
	ListTokensByParent(ctx context.Context, parentID string) ([]*Token, error)
}

// Store is the complete credential store.
type Store interface {
	ClientStore
	CodeStore
	TokenStore

	// DeleteExpired removes codes and tokens that expired before the given time
	// and returns how many records were removed.
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
	Close() error
}

func cloneClient(c *Client) *Client {
	out := *c
	out.RedirectURIs = slices.Clone(c.RedirectURIs)
	out.RevokedAt = cloneTime(c.RevokedAt)
	return &out
}

func cloneAuthCode(c *AuthCode) *AuthCode {
	out := *c
	out.Scopes = slices.Clone(c.Scopes)
	out.ConsumedAt = cloneTime(c.ConsumedAt)
	out.ReplayedAt = cloneTime(c.ReplayedAt)
	return &out
}

func cloneToken(t *Token) *Token {
	out := *t
	out.Scopes = slices.Clone(t.Scopes)
	out.RevokedAt = cloneTime(t.RevokedAt)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
