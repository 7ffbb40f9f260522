// ABOUTME: In-memory Store implementation with per-record locking
// ABOUTME: Used for development, tests, and single-process deployments without persistence

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store. Records live in sync.Maps and each record
// carries its own mutex, so operations on different codes or tokens never
// contend on a shared lock.
type MemoryStore struct {
	clients  sync.Map // client ID -> *clientEntry
	codes    sync.Map // code ID -> *codeEntry
	tokens   sync.Map // token ID -> *tokenEntry
	children sync.Map // parent ID -> *childIndex
}

type clientEntry struct {
	mu     sync.Mutex
	client *Client
}

type codeEntry struct {
	mu   sync.Mutex
	code *AuthCode
}

type tokenEntry struct {
	mu    sync.Mutex
	token *Token
}

type childIndex struct {
	mu  sync.Mutex
	ids map[string]struct{}
	// dead is set once the index has been dropped from the map.
	dead bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// CreateClient stores a new client.
func (m *MemoryStore) CreateClient(_ context.Context, c *Client) error {
	if _, loaded := m.clients.LoadOrStore(c.ID, &clientEntry{client: cloneClient(c)}); loaded {
		return ErrDuplicate
	}
	return nil
}

// GetClient retrieves a client by ID.
func (m *MemoryStore) GetClient(_ context.Context, id string) (*Client, error) {
	v, ok := m.clients.Load(id)
	if !ok {
		return nil, ErrNotFound
	}
	e := v.(*clientEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneClient(e.client), nil
}

// ReplaceClient overwrites an existing client.
func (m *MemoryStore) ReplaceClient(_ context.Context, c *Client) error {
	v, ok := m.clients.Load(c.ID)
	if !ok {
		return ErrNotFound
	}
	e := v.(*clientEntry)
	e.mu.Lock()
	e.client = cloneClient(c)
	e.mu.Unlock()
	return nil
}

// RevokeClient marks a client revoked. Revoking twice keeps the first timestamp.
func (m *MemoryStore) RevokeClient(_ context.Context, id string, at time.Time) error {
	v, ok := m.clients.Load(id)
	if !ok {
		return ErrNotFound
	}
	e := v.(*clientEntry)
	e.mu.Lock()
	if e.client.RevokedAt == nil {
		e.client.RevokedAt = &at
	}
	e.mu.Unlock()
	return nil
}

// ListClients returns all clients ordered by creation time.
func (m *MemoryStore) ListClients(_ context.Context) ([]*Client, error) {
	var out []*Client
	m.clients.Range(func(_, v any) bool {
		e := v.(*clientEntry)
		e.mu.Lock()
		out = append(out, cloneClient(e.client))
		e.mu.Unlock()
		return true
	})
	sortClients(out)
	return out, nil
}

// CreateAuthCode stores a new authorization code.
func (m *MemoryStore) CreateAuthCode(_ context.Context, code *AuthCode) error {
	if _, loaded := m.codes.LoadOrStore(code.ID, &codeEntry{code: cloneAuthCode(code)}); loaded {
		return ErrDuplicate
	}
	return nil
}

// GetAuthCode retrieves an authorization code by ID.
func (m *MemoryStore) GetAuthCode(_ context.Context, id string) (*AuthCode, error) {
	v, ok := m.codes.Load(id)
	if !ok {
		return nil, ErrNotFound
	}
	e := v.(*codeEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneAuthCode(e.code), nil
}

// ConsumeAuthCode marks a code consumed under the code's own lock.
func (m *MemoryStore) ConsumeAuthCode(_ context.Context, id string, at time.Time) error {
	v, ok := m.codes.Load(id)
	if !ok {
		return ErrNotFound
	}
	e := v.(*codeEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.code.ConsumedAt != nil {
		return ErrAlreadyConsumed
	}
	e.code.ConsumedAt = &at
	return nil
}

// MarkAuthCodeReplayed records a replay of a code under the code's own lock.
func (m *MemoryStore) MarkAuthCodeReplayed(_ context.Context, id string, at time.Time) error {
	v, ok := m.codes.Load(id)
	if !ok {
		return ErrNotFound
	}
	e := v.(*codeEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.code.ReplayedAt == nil {
		e.code.ReplayedAt = &at
	}
	return nil
}

// CreateToken stores a new token and indexes it under its parent.
func (m *MemoryStore) CreateToken(_ context.Context, t *Token) error {
	if _, loaded := m.tokens.LoadOrStore(t.ID, &tokenEntry{token: cloneToken(t)}); loaded {
		return ErrDuplicate
	}
	if t.ParentID != "" {
		m.indexChild(t.ParentID, t.ID)
	}
	return nil
}

func (m *MemoryStore) indexChild(parentID, id string) {
	for {
		v, _ := m.children.LoadOrStore(parentID, &childIndex{ids: make(map[string]struct{})})
		idx := v.(*childIndex)
		idx.mu.Lock()
		if idx.dead {
			// Swept between load and lock; retry with a fresh index.
			idx.mu.Unlock()
			continue
		}
		idx.ids[id] = struct{}{}
		idx.mu.Unlock()
		return
	}
}

// unindexChild removes id from the parent's index. An index left empty, or
// any index when id is "", is dropped.
func (m *MemoryStore) unindexChild(parentID, id string) {
	v, ok := m.children.Load(parentID)
	if !ok {
		return
	}
	idx := v.(*childIndex)
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if id != "" {
		delete(idx.ids, id)
	}
	if id == "" || len(idx.ids) == 0 {
		idx.dead = true
		m.children.CompareAndDelete(parentID, idx)
	}
}

// GetToken retrieves a token by ID.
func (m *MemoryStore) GetToken(_ context.Context, id string) (*Token, error) {
	v, ok := m.tokens.Load(id)
	if !ok {
		return nil, ErrNotFound
	}
	e := v.(*tokenEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneToken(e.token), nil
}

// RevokeToken marks a token revoked under the token's own lock.
func (m *MemoryStore) RevokeToken(_ context.Context, id string, at time.Time) (bool, error) {
	v, ok := m.tokens.Load(id)
	if !ok {
		return false, ErrNotFound
	}
	e := v.(*tokenEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.token.RevokedAt != nil {
		return false, nil
	}
	e.token.RevokedAt = &at
	return true, nil
}

// ListTokensByParent returns the tokens issued from parentID.
func (m *MemoryStore) ListTokensByParent(ctx context.Context, parentID string) ([]*Token, error) {
	v, ok := m.children.Load(parentID)
	if !ok {
		return nil, nil
	}
	idx := v.(*childIndex)
	idx.mu.Lock()
	ids := make([]string, 0, len(idx.ids))
	for id := range idx.ids {
		ids = append(ids, id)
	}
	idx.mu.Unlock()

	out := make([]*Token, 0, len(ids))
	for _, id := range ids {
		t, err := m.GetToken(ctx, id)
		if err != nil {
			continue // swept concurrently
		}
		out = append(out, t)
	}
	sortTokens(out)
	return out, nil
}

// DeleteExpired removes codes and tokens that expired before the given time.
// The child index of a removed record goes with it.
func (m *MemoryStore) DeleteExpired(_ context.Context, before time.Time) (int, error) {
	removed := 0
	m.codes.Range(func(k, v any) bool {
		e := v.(*codeEntry)
		e.mu.Lock()
		expired := e.code.Expired(before)
		e.mu.Unlock()
		if expired {
			m.codes.Delete(k)
			m.unindexChild(k.(string), "")
			removed++
		}
		return true
	})
	m.tokens.Range(func(k, v any) bool {
		e := v.(*tokenEntry)
		e.mu.Lock()
		expired := e.token.Expired(before)
		parentID := e.token.ParentID
		e.mu.Unlock()
		if !expired {
			return true
		}
		m.tokens.Delete(k)
		m.unindexChild(k.(string), "")
		if parentID != "" {
			m.unindexChild(parentID, k.(string))
		}
		removed++
		return true
	})
	return removed, nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}

func sortClients(cs []*Client) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].ID < cs[j].ID
		}
		return cs[i].CreatedAt.Before(cs[j].CreatedAt)
	})
}

func sortTokens(ts []*Token) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].ID < ts[j].ID
		}
		return ts[i].CreatedAt.Before(ts[j].CreatedAt)
	})
}
