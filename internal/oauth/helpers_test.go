// ABOUTME: Shared fixtures for the oauth package tests
// ABOUTME: Wires a memory store, a client registry and a controllable clock

package oauth

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/2389/tollgate/internal/clients"
	"github.com/2389/tollgate/internal/login"
	"github.com/2389/tollgate/internal/store"
)

var (
	baseTime   = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)
	testKey    = []byte("0123456789abcdef0123456789abcdef")
	alice      = login.Identity{UserID: "alice", Authenticated: true}
	c1Secret   = "c1-secret"
	c2Secret   = "c2-secret"
	vocabulary = []string{"read_data", "write_data"}
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// secretQueue hands out queued secrets first, then random ones.
type secretQueue struct {
	mu     sync.Mutex
	queued []string
	calls  int
}

func (q *secretQueue) push(s ...string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queued = append(q.queued, s...)
}

func (q *secretQueue) next() (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	if len(q.queued) > 0 {
		s := q.queued[0]
		q.queued = q.queued[1:]
		return s, nil
	}
	return GenerateSecret()
}

type memoryReplayLog struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (m *memoryReplayLog) Observe(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen == nil {
		m.seen = make(map[string]bool)
	}
	dup := m.seen[key]
	m.seen[key] = true
	return dup
}

type fixture struct {
	store    *store.MemoryStore
	registry *clients.Registry
	clock    *testClock
	codes    *secretQueue
	sealer   *Sealer
	parser   *Parser
	consent  *Coordinator
	tokens   *TokenService
	replays  *memoryReplayLog
}

type fixtureOption func(*TokenConfig)

func withoutRotation() fixtureOption {
	return func(c *TokenConfig) { c.RotateRefresh = false }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		store:   store.NewMemoryStore(),
		clock:   &testClock{now: baseTime},
		codes:   &secretQueue{},
		replays: &memoryReplayLog{},
	}

	var err error
	f.registry, err = clients.New(clients.Config{Store: f.store, Now: f.clock.Now})
	require.NoError(t, err)
	require.NoError(t, f.registry.LoadStatic(ctx, []clients.StaticClient{
		{ID: "c1", Name: "Example App", RedirectURIs: []string{"https://app/cb"}, SecretHash: mustHash(t, c1Secret)},
		{ID: "c2", Name: "Other App", RedirectURIs: []string{"https://other/cb", "https://app/cb"}, SecretHash: mustHash(t, c2Secret)},
		{ID: "pub", Name: "CLI", RedirectURIs: []string{"http://127.0.0.1:9000/cb"}},
		{ID: "tenant", Name: "Tenant App", RedirectURIs: []string{"https://app/cb?tenant=7"}, SecretHash: mustHash(t, c1Secret)},
	}))

	f.sealer, err = NewSealer(testKey, 10*time.Minute, f.clock.Now)
	require.NoError(t, err)

	f.parser, err = NewParser(ParserConfig{
		Clients:       f.registry,
		Sealer:        f.sealer,
		Scopes:        vocabulary,
		DefaultScopes: []string{"read_data"},
	})
	require.NoError(t, err)

	f.consent, err = NewCoordinator(CoordinatorConfig{
		Codes:     f.store,
		Clients:   f.registry,
		Sealer:    f.sealer,
		CodeTTL:   10 * time.Minute,
		Replays:   f.replays,
		Now:       f.clock.Now,
		NewSecret: f.codes.next,
	})
	require.NoError(t, err)

	tc := TokenConfig{
		Store:          f.store,
		Clients:        f.registry,
		AccessTTL:      time.Hour,
		RefreshTTL:     30 * 24 * time.Hour,
		IssueRefresh:   true,
		RotateRefresh:  true,
		RevokeOnReplay: true,
		Now:            f.clock.Now,
	}
	for _, opt := range opts {
		opt(&tc)
	}
	f.tokens, err = NewTokenService(tc)
	require.NoError(t, err)
	return f
}

func mustHash(t *testing.T, secret string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func authorizeQuery(clientID, redirectURI, scope, state string) url.Values {
	v := url.Values{}
	v.Set("client_id", clientID)
	v.Set("redirect_uri", redirectURI)
	v.Set("response_type", "code")
	if scope != "" {
		v.Set("scope", scope)
	}
	if state != "" {
		v.Set("state", state)
	}
	return v
}

// approve runs parse and finalize for c1 and returns the issued code.
func (f *fixture) approve(t *testing.T, scope string, decision Decision) *Outcome {
	t.Helper()
	ctx := context.Background()
	auth, err := f.parser.Parse(ctx, authorizeQuery("c1", "https://app/cb", scope, "xyz"))
	require.NoError(t, err)
	out, err := f.consent.Finalize(ctx, auth.Ticket, auth.Request, decision, alice)
	require.NoError(t, err)
	return out
}

// exchange redeems code for c1.
func (f *fixture) exchange(t *testing.T, code string) *TokenResponse {
	t.Helper()
	resp, err := f.tokens.Exchange(context.Background(), ExchangeRequest{
		Code:         code,
		ClientID:     "c1",
		ClientSecret: c1Secret,
		RedirectURI:  "https://app/cb",
	})
	require.NoError(t, err)
	return resp
}

func requireKind(t *testing.T, err error, kind Kind) *Error {
	t.Helper()
	require.Error(t, err)
	var oe *Error
	require.ErrorAs(t, err, &oe)
	require.Equal(t, kind, oe.Kind, "unexpected error: %v", err)
	return oe
}
