// ABOUTME: OAuth client registry backed by the credential store
// ABOUTME: Handles static pre-registration, dynamic registration, secret checks and revocation

package clients

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/2389/tollgate/internal/store"
)

var (
	// ErrUnknownClient is returned when no client has the given ID.
	ErrUnknownClient = errors.New("unknown client")

	// ErrClientRevoked is returned for a client that has been revoked.
	ErrClientRevoked = errors.New("client revoked")

	// ErrInvalidSecret is returned when a confidential client's secret does not match.
	ErrInvalidSecret = errors.New("invalid client secret")

	// ErrInvalidMetadata is returned for registration metadata that fails validation.
	ErrInvalidMetadata = errors.New("invalid client metadata")
)

// maxRedirectURIs bounds how many redirect URIs a single client may register.
const maxRedirectURIs = 16

// dummySecretHash is compared against for unknown clients so that failed
// lookups cost the same as failed secret checks.
const dummySecretHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// Metadata is client-supplied registration data.
type Metadata struct {
	RedirectURIs []string
	Name         string
	// AuthMethod is the token endpoint auth method; empty defaults to client_secret_basic.
	AuthMethod string
}

// Registration is the result of registering a client. Secret is only set for
// confidential clients and is not recoverable later.
type Registration struct {
	Client *store.Client
	Secret string
}

// StaticClient is a client pre-registered through configuration.
type StaticClient struct {
	ID           string
	Name         string
	RedirectURIs []string
	SecretHash   string
	// AuthMethod applies to clients with a secret; empty means client_secret_basic.
	AuthMethod string
}

// Config holds the registry's dependencies.
type Config struct {
	Store  store.ClientStore
	Logger *slog.Logger
	Now    func() time.Time
}

// Registry manages OAuth client descriptors.
type Registry struct {
	store  store.ClientStore
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Registry.
func New(cfg Config) (*Registry, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		store:  cfg.Store,
		logger: logger.With("component", "clients"),
		now:    now,
	}, nil
}

// Lookup returns an active client.
func (r *Registry) Lookup(ctx context.Context, id string) (*store.Client, error) {
	if id == "" {
		return nil, ErrUnknownClient
	}
	c, err := r.store.GetClient(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownClient
	}
	if err != nil {
		return nil, fmt.Errorf("loading client: %w", err)
	}
	if c.Revoked() {
		return nil, ErrClientRevoked
	}
	return c, nil
}

// Authenticate returns the client if secret is valid for it. Public clients
// authenticate by ID alone.
func (r *Registry) Authenticate(ctx context.Context, id, secret string) (*store.Client, error) {
	c, err := r.Lookup(ctx, id)
	if err != nil {
		if errors.Is(err, ErrUnknownClient) && secret != "" {
			// Do a dummy bcrypt comparison to maintain constant timing
			_ = bcrypt.CompareHashAndPassword([]byte(dummySecretHash), []byte(secret))
		}
		return nil, err
	}
	if c.IsPublic() {
		return c, nil
	}
	if secret == "" {
		return nil, ErrInvalidSecret
	}
	if err := bcrypt.CompareHashAndPassword([]byte(c.SecretHash), []byte(secret)); err != nil {
		return nil, ErrInvalidSecret
	}
	return c, nil
}

// Register creates a new client from self-registration metadata.
func (r *Registry) Register(ctx context.Context, md Metadata) (*Registration, error) {
	if err := ValidateMetadata(md); err != nil {
		return nil, err
	}

	c := &store.Client{
		ID:           uuid.NewString(),
		Name:         strings.TrimSpace(md.Name),
		RedirectURIs: slices.Clone(md.RedirectURIs),
		AuthMethod:   authMethodOrDefault(md.AuthMethod),
		CreatedAt:    r.now(),
	}

	secret, err := r.assignSecret(c)
	if err != nil {
		return nil, err
	}

	if err := r.store.CreateClient(ctx, c); err != nil {
		return nil, fmt.Errorf("storing client: %w", err)
	}

	r.logger.Info("client registered",
		"client_id", c.ID,
		"client_name", c.Name,
		"auth_method", c.AuthMethod,
		"redirect_uris", len(c.RedirectURIs),
	)
	return &Registration{Client: c, Secret: secret}, nil
}

// Reregister replaces an existing client's metadata. Confidential clients get
// a fresh secret; the old one stops working immediately.
func (r *Registry) Reregister(ctx context.Context, id string, md Metadata) (*Registration, error) {
	if err := ValidateMetadata(md); err != nil {
		return nil, err
	}
	existing, err := r.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	c := &store.Client{
		ID:           existing.ID,
		Name:         strings.TrimSpace(md.Name),
		RedirectURIs: slices.Clone(md.RedirectURIs),
		AuthMethod:   authMethodOrDefault(md.AuthMethod),
		Static:       existing.Static,
		CreatedAt:    existing.CreatedAt,
	}
	secret, err := r.assignSecret(c)
	if err != nil {
		return nil, err
	}
	if err := r.store.ReplaceClient(ctx, c); err != nil {
		return nil, fmt.Errorf("replacing client: %w", err)
	}

	r.logger.Info("client re-registered", "client_id", c.ID)
	return &Registration{Client: c, Secret: secret}, nil
}

// LoadStatic makes sure every configured client exists with the configured
// metadata. Static redirect URIs are trusted as written and are not subject to
// the dynamic registration URI policy.
func (r *Registry) LoadStatic(ctx context.Context, clients []StaticClient) error {
	for _, sc := range clients {
		if sc.ID == "" || len(sc.RedirectURIs) == 0 {
			return fmt.Errorf("static client %q: %w", sc.ID, ErrInvalidMetadata)
		}
		method := store.AuthMethodNone
		if sc.SecretHash != "" {
			if _, err := bcrypt.Cost([]byte(sc.SecretHash)); err != nil {
				return fmt.Errorf("static client %q: secret hash is not bcrypt: %w", sc.ID, err)
			}
			switch sc.AuthMethod {
			case "", store.AuthMethodClientSecretBasic:
				method = store.AuthMethodClientSecretBasic
			case store.AuthMethodClientSecretPost:
				method = store.AuthMethodClientSecretPost
			default:
				return fmt.Errorf("static client %q: unsupported token_endpoint_auth_method %q: %w", sc.ID, sc.AuthMethod, ErrInvalidMetadata)
			}
		} else if sc.AuthMethod != "" && sc.AuthMethod != store.AuthMethodNone {
			return fmt.Errorf("static client %q: %s requires a secret: %w", sc.ID, sc.AuthMethod, ErrInvalidMetadata)
		}
		want := &store.Client{
			ID:           sc.ID,
			Name:         sc.Name,
			RedirectURIs: slices.Clone(sc.RedirectURIs),
			SecretHash:   sc.SecretHash,
			AuthMethod:   method,
			Static:       true,
			CreatedAt:    r.now(),
		}

		existing, err := r.store.GetClient(ctx, sc.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			if err := r.store.CreateClient(ctx, want); err != nil {
				return fmt.Errorf("creating static client %q: %w", sc.ID, err)
			}
			r.logger.Info("static client registered", "client_id", sc.ID)
		case err != nil:
			return fmt.Errorf("loading static client %q: %w", sc.ID, err)
		case sameStatic(existing, want):
			continue
		default:
			want.CreatedAt = existing.CreatedAt
			want.RevokedAt = existing.RevokedAt
			if err := r.store.ReplaceClient(ctx, want); err != nil {
				return fmt.Errorf("updating static client %q: %w", sc.ID, err)
			}
			r.logger.Info("static client updated from config", "client_id", sc.ID)
		}
	}
	return nil
}

// Revoke marks a client revoked. Revoking an already revoked client is a no-op.
func (r *Registry) Revoke(ctx context.Context, id string) error {
	err := r.store.RevokeClient(ctx, id, r.now())
	if errors.Is(err, store.ErrNotFound) {
		return ErrUnknownClient
	}
	if err != nil {
		return fmt.Errorf("revoking client: %w", err)
	}
	r.logger.Info("client revoked", "client_id", id)
	return nil
}

// List returns all clients, revoked ones included.
func (r *Registry) List(ctx context.Context) ([]*store.Client, error) {
	return r.store.ListClients(ctx)
}

func (r *Registry) assignSecret(c *store.Client) (string, error) {
	if c.AuthMethod == store.AuthMethodNone {
		return "", nil
	}
	secret, err := generateSecret()
	if err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing client secret: %w", err)
	}
	c.SecretHash = string(hash)
	return secret, nil
}

// ValidateMetadata checks dynamic registration metadata: at least one redirect
// URI, every URI absolute and fragment-free, https unless it points at a
// loopback address, and a supported auth method.
func ValidateMetadata(md Metadata) error {
	if len(md.RedirectURIs) == 0 {
		return fmt.Errorf("%w: redirect_uris is required", ErrInvalidMetadata)
	}
	if len(md.RedirectURIs) > maxRedirectURIs {
		return fmt.Errorf("%w: at most %d redirect_uris allowed", ErrInvalidMetadata, maxRedirectURIs)
	}
	for _, raw := range md.RedirectURIs {
		if err := validateRedirectURI(raw); err != nil {
			return fmt.Errorf("%w: redirect_uri %q: %v", ErrInvalidMetadata, raw, err)
		}
	}
	switch authMethodOrDefault(md.AuthMethod) {
	case store.AuthMethodNone, store.AuthMethodClientSecretBasic, store.AuthMethodClientSecretPost:
	default:
		return fmt.Errorf("%w: unsupported token_endpoint_auth_method %q", ErrInvalidMetadata, md.AuthMethod)
	}
	if len(md.Name) > 200 {
		return fmt.Errorf("%w: client_name too long", ErrInvalidMetadata)
	}
	return nil
}

func validateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return errors.New("not a URI")
	}
	if !u.IsAbs() {
		return errors.New("must be absolute")
	}
	if u.Fragment != "" || strings.Contains(raw, "#") {
		return errors.New("must not contain a fragment")
	}
	switch u.Scheme {
	case "https":
		if u.Host == "" {
			return errors.New("missing host")
		}
	case "http":
		if !isLoopback(u.Hostname()) {
			return errors.New("http is only allowed for loopback hosts")
		}
	default:
		// Private-use schemes for native apps must look like reversed domain names
		if !strings.Contains(u.Scheme, ".") {
			return fmt.Errorf("scheme %q not allowed", u.Scheme)
		}
	}
	return nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func authMethodOrDefault(m string) string {
	if m == "" {
		return store.AuthMethodClientSecretBasic
	}
	return m
}

func sameStatic(a, b *store.Client) bool {
	return a.Name == b.Name &&
		a.SecretHash == b.SecretHash &&
		a.AuthMethod == b.AuthMethod &&
		a.Static == b.Static &&
		slices.Equal(a.RedirectURIs, b.RedirectURIs)
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating client secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
