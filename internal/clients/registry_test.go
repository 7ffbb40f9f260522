// ABOUTME: Tests for the client registry
// ABOUTME: Covers static loading, dynamic registration validation, secret checks and revocation

package clients

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/2389/tollgate/internal/store"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRegistry(t *testing.T) (*Registry, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	reg, err := New(Config{Store: st, Now: func() time.Time { return fixedNow }})
	require.NoError(t, err)
	return reg, st
}

func TestNew_RequiresStore(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestRegister_PublicClient(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	res, err := reg.Register(ctx, Metadata{
		RedirectURIs: []string{"http://127.0.0.1:33418/callback"},
		Name:         "  CLI Tool ",
		AuthMethod:   store.AuthMethodNone,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Client.ID)
	assert.Empty(t, res.Secret)
	assert.True(t, res.Client.IsPublic())
	assert.Equal(t, "CLI Tool", res.Client.Name)
	assert.True(t, res.Client.CreatedAt.Equal(fixedNow))

	got, err := reg.Lookup(ctx, res.Client.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://127.0.0.1:33418/callback"}, got.RedirectURIs)

	// Public clients authenticate by ID alone
	_, err = reg.Authenticate(ctx, res.Client.ID, "")
	assert.NoError(t, err)
}

func TestRegister_ConfidentialClient(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	res, err := reg.Register(ctx, Metadata{
		RedirectURIs: []string{"https://app.example.com/cb"},
		Name:         "Web App",
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Secret)
	assert.Equal(t, store.AuthMethodClientSecretBasic, res.Client.AuthMethod)
	assert.NotEqual(t, res.Secret, res.Client.SecretHash, "only the hash is stored")

	_, err = reg.Authenticate(ctx, res.Client.ID, res.Secret)
	assert.NoError(t, err)

	_, err = reg.Authenticate(ctx, res.Client.ID, "wrong")
	assert.ErrorIs(t, err, ErrInvalidSecret)

	_, err = reg.Authenticate(ctx, res.Client.ID, "")
	assert.ErrorIs(t, err, ErrInvalidSecret)
}

func TestRegister_Validation(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	tests := []struct {
		name string
		md   Metadata
	}{
		{"no redirect uris", Metadata{}},
		{"relative uri", Metadata{RedirectURIs: []string{"/cb"}}},
		{"fragment", Metadata{RedirectURIs: []string{"https://app/cb#frag"}}},
		{"plain http to remote host", Metadata{RedirectURIs: []string{"http://evil.example/cb"}}},
		{"javascript scheme", Metadata{RedirectURIs: []string{"javascript:alert(1)"}}},
		{"unknown auth method", Metadata{RedirectURIs: []string{"https://app/cb"}, AuthMethod: "private_key_jwt"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Register(ctx, tt.md)
			assert.ErrorIs(t, err, ErrInvalidMetadata)
		})
	}
}

func TestValidateMetadata_Accepts(t *testing.T) {
	for _, uri := range []string{
		"https://app.example.com/cb",
		"http://localhost:8000/cb",
		"http://[::1]:9000/cb",
		"com.example.app:/oauth2redirect",
	} {
		assert.NoError(t, ValidateMetadata(Metadata{RedirectURIs: []string{uri}, AuthMethod: "none"}), uri)
	}
}

func TestLookup_UnknownAndRevoked(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Lookup(ctx, "nope")
	assert.ErrorIs(t, err, ErrUnknownClient)
	_, err = reg.Lookup(ctx, "")
	assert.ErrorIs(t, err, ErrUnknownClient)

	res, err := reg.Register(ctx, Metadata{RedirectURIs: []string{"https://app/cb"}, AuthMethod: "none"})
	require.NoError(t, err)
	require.NoError(t, reg.Revoke(ctx, res.Client.ID))
	require.NoError(t, reg.Revoke(ctx, res.Client.ID), "revoke is idempotent")

	_, err = reg.Lookup(ctx, res.Client.ID)
	assert.ErrorIs(t, err, ErrClientRevoked)
	_, err = reg.Authenticate(ctx, res.Client.ID, "")
	assert.ErrorIs(t, err, ErrClientRevoked)

	assert.ErrorIs(t, reg.Revoke(ctx, "nope"), ErrUnknownClient)

	// Revoked clients are still listed
	all, err := reg.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestLoadStatic(t *testing.T) {
	reg, st := newTestRegistry(t)
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte("static-secret"), bcrypt.MinCost)
	require.NoError(t, err)

	require.NoError(t, reg.LoadStatic(ctx, []StaticClient{
		{ID: "c1", Name: "App", RedirectURIs: []string{"https://app/cb"}},
		{ID: "c2", Name: "Backend", RedirectURIs: []string{"https://backend/cb"}, SecretHash: string(hash)},
	}))

	c1, err := reg.Lookup(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, c1.Static)
	assert.True(t, c1.IsPublic())

	_, err = reg.Authenticate(ctx, "c2", "static-secret")
	assert.NoError(t, err)

	// Loading the same config again is a no-op
	require.NoError(t, reg.LoadStatic(ctx, []StaticClient{
		{ID: "c1", Name: "App", RedirectURIs: []string{"https://app/cb"}},
	}))

	// A config change re-registers the client in place
	require.NoError(t, reg.LoadStatic(ctx, []StaticClient{
		{ID: "c1", Name: "App v2", RedirectURIs: []string{"https://app/cb2"}},
	}))
	c1, err = st.GetClient(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "App v2", c1.Name)
	assert.Equal(t, []string{"https://app/cb2"}, c1.RedirectURIs)
	assert.False(t, c1.HasRedirectURI("https://app/cb"))
}

func TestLoadStatic_AuthMethod(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte("static-secret"), bcrypt.MinCost)
	require.NoError(t, err)

	require.NoError(t, reg.LoadStatic(ctx, []StaticClient{
		{ID: "basic", RedirectURIs: []string{"https://app/cb"}, SecretHash: string(hash)},
		{ID: "post", RedirectURIs: []string{"https://app/cb"}, SecretHash: string(hash), AuthMethod: store.AuthMethodClientSecretPost},
	}))
	c, err := reg.Lookup(ctx, "basic")
	require.NoError(t, err)
	assert.Equal(t, store.AuthMethodClientSecretBasic, c.AuthMethod)
	c, err = reg.Lookup(ctx, "post")
	require.NoError(t, err)
	assert.Equal(t, store.AuthMethodClientSecretPost, c.AuthMethod)

	err = reg.LoadStatic(ctx, []StaticClient{
		{ID: "public", RedirectURIs: []string{"https://app/cb"}, AuthMethod: store.AuthMethodClientSecretPost},
	})
	assert.ErrorIs(t, err, ErrInvalidMetadata)

	err = reg.LoadStatic(ctx, []StaticClient{
		{ID: "jwt", RedirectURIs: []string{"https://app/cb"}, SecretHash: string(hash), AuthMethod: "private_key_jwt"},
	})
	assert.ErrorIs(t, err, ErrInvalidMetadata)
}

func TestLoadStatic_RejectsPlaintextSecret(t *testing.T) {
	reg, _ := newTestRegistry(t)
	err := reg.LoadStatic(context.Background(), []StaticClient{
		{ID: "c1", RedirectURIs: []string{"https://app/cb"}, SecretHash: "hunter2"},
	})
	assert.Error(t, err)
}

func TestReregister_RotatesSecret(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	first, err := reg.Register(ctx, Metadata{RedirectURIs: []string{"https://app/cb"}, Name: "App"})
	require.NoError(t, err)

	second, err := reg.Reregister(ctx, first.Client.ID, Metadata{
		RedirectURIs: []string{"https://app/cb", "https://app/cb2"},
		Name:         "App",
	})
	require.NoError(t, err)
	assert.Equal(t, first.Client.ID, second.Client.ID)
	assert.NotEqual(t, first.Secret, second.Secret)

	_, err = reg.Authenticate(ctx, first.Client.ID, first.Secret)
	assert.ErrorIs(t, err, ErrInvalidSecret)
	_, err = reg.Authenticate(ctx, first.Client.ID, second.Secret)
	assert.NoError(t, err)

	_, err = reg.Reregister(ctx, "missing", Metadata{RedirectURIs: []string{"https://app/cb"}})
	assert.ErrorIs(t, err, ErrUnknownClient)
}
