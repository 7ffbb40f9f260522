// ABOUTME: Redis implementation of the Store interface using go-redis v9
// ABOUTME: Consume and revoke are SET NX on a companion key so one caller wins per record

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// expiryGrace keeps expired records readable for a while so callers can tell
// "expired" apart from "never existed" before DeleteExpired or Redis TTLs reap them.
const expiryGrace = time.Hour

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces every key; defaults to "tollgate:".
	KeyPrefix string
}

// RedisStore implements the Store interface on top of Redis.
// Records are JSON blobs; the mutable flags (consumed, revoked) live in separate
// keys written with SET NX.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to Redis and verifies the connection with PING.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewRedisStoreFromClient(client, cfg.KeyPrefix), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "tollgate:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: slog.Default().With("component", "store", "backend", "redis"),
		now:    time.Now,
	}
}

type redisClient struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	RedirectURIs []string   `json:"redirect_uris"`
	SecretHash   string     `json:"secret_hash,omitempty"`
	AuthMethod   string     `json:"auth_method"`
	Static       bool       `json:"static,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
}

type redisAuthCode struct {
	ID                  string    `json:"id"`
	ClientID            string    `json:"client_id"`
	UserID              string    `json:"user_id"`
	Scopes              []string  `json:"scopes"`
	RedirectURI         string    `json:"redirect_uri"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
}

type redisToken struct {
	ID        string    `json:"id"`
	Kind      TokenKind `json:"kind"`
	ClientID  string    `json:"client_id"`
	UserID    string    `json:"user_id"`
	Scopes    []string  `json:"scopes"`
	ParentID  string    `json:"parent_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *RedisStore) clientKey(id string) string   { return s.prefix + "client:" + id }
func (s *RedisStore) clientsKey() string           { return s.prefix + "clients" }
func (s *RedisStore) codeKey(id string) string     { return s.prefix + "code:" + id }
func (s *RedisStore) consumedKey(id string) string { return s.prefix + "consumed:" + id }
func (s *RedisStore) replayedKey(id string) string { return s.prefix + "replayed:" + id }
func (s *RedisStore) tokenKey(id string) string    { return s.prefix + "token:" + id }
func (s *RedisStore) revokedKey(id string) string  { return s.prefix + "revoked:" + id }
func (s *RedisStore) childrenKey(id string) string { return s.prefix + "children:" + id }

// indexChildScript adds a token to its parent's child set and keeps the set
// alive as long as its longest-lived member. ARGV[2] is that member's TTL in
// milliseconds, 0 for none.
var indexChildScript = redis.NewScript(`
local existed = redis.call('EXISTS', KEYS[1])
redis.call('SADD', KEYS[1], ARGV[1])
local ttl = tonumber(ARGV[2])
if ttl <= 0 then
	redis.call('PERSIST', KEYS[1])
	return 1
end
local current = redis.call('PTTL', KEYS[1])
if existed == 0 or (current >= 0 and current < ttl) then
	redis.call('PEXPIRE', KEYS[1], ttl)
end
return 1
`)

// ttlUntil returns the key lifetime for a record expiring at t, or 0 for no expiry.
func (s *RedisStore) ttlUntil(t time.Time) time.Duration {
	if t.IsZero() {
		return 0
	}
	ttl := t.Sub(s.now()) + expiryGrace
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

// CreateClient stores a new client.
func (s *RedisStore) CreateClient(ctx context.Context, c *Client) error {
	data, err := json.Marshal(toRedisClient(c))
	if err != nil {
		return fmt.Errorf("encoding client: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.clientKey(c.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("storing client: %w", err)
	}
	if !ok {
		return ErrDuplicate
	}
	if err := s.client.SAdd(ctx, s.clientsKey(), c.ID).Err(); err != nil {
		return fmt.Errorf("indexing client: %w", err)
	}
	return nil
}

// GetClient retrieves a client by ID.
func (s *RedisStore) GetClient(ctx context.Context, id string) (*Client, error) {
	data, err := s.client.Get(ctx, s.clientKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading client: %w", err)
	}
	var rc redisClient
	if err := json.Unmarshal(data, &rc); err != nil {
		return nil, fmt.Errorf("decoding client: %w", err)
	}
	return rc.toClient(), nil
}

// ReplaceClient overwrites an existing client.
func (s *RedisStore) ReplaceClient(ctx context.Context, c *Client) error {
	data, err := json.Marshal(toRedisClient(c))
	if err != nil {
		return fmt.Errorf("encoding client: %w", err)
	}
	ok, err := s.client.SetXX(ctx, s.clientKey(c.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("storing client: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// RevokeClient marks a client revoked inside a WATCH transaction so a
// concurrent re-registration is not overwritten with stale data.
func (s *RedisStore) RevokeClient(ctx context.Context, id string, at time.Time) error {
	key := s.clientKey(id)
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("loading client: %w", err)
		}
		var rc redisClient
		if err := json.Unmarshal(data, &rc); err != nil {
			return fmt.Errorf("decoding client: %w", err)
		}
		if rc.RevokedAt != nil {
			return nil
		}
		rc.RevokedAt = &at
		updated, err := json.Marshal(rc)
		if err != nil {
			return fmt.Errorf("encoding client: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}, key)
}

// ListClients returns all clients ordered by creation time.
func (s *RedisStore) ListClients(ctx context.Context) ([]*Client, error) {
	ids, err := s.client.SMembers(ctx, s.clientsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing clients: %w", err)
	}
	out := make([]*Client, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetClient(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sortClients(out)
	return out, nil
}

// CreateAuthCode stores a new authorization code.
func (s *RedisStore) CreateAuthCode(ctx context.Context, code *AuthCode) error {
	data, err := json.Marshal(redisAuthCode{
		ID:                  code.ID,
		ClientID:            code.ClientID,
		UserID:              code.UserID,
		Scopes:              code.Scopes,
		RedirectURI:         code.RedirectURI,
		CodeChallenge:       code.CodeChallenge,
		CodeChallengeMethod: code.CodeChallengeMethod,
		CreatedAt:           code.CreatedAt,
		ExpiresAt:           code.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("encoding auth code: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.codeKey(code.ID), data, s.ttlUntil(code.ExpiresAt)).Result()
	if err != nil {
		return fmt.Errorf("storing auth code: %w", err)
	}
	if !ok {
		return ErrDuplicate
	}
	if code.ConsumedAt != nil {
		if err := s.ConsumeAuthCode(ctx, code.ID, *code.ConsumedAt); err != nil {
			return err
		}
	}
	if code.ReplayedAt != nil {
		return s.MarkAuthCodeReplayed(ctx, code.ID, *code.ReplayedAt)
	}
	return nil
}

// GetAuthCode retrieves an authorization code by ID.
func (s *RedisStore) GetAuthCode(ctx context.Context, id string) (*AuthCode, error) {
	data, err := s.client.Get(ctx, s.codeKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading auth code: %w", err)
	}
	var rc redisAuthCode
	if err := json.Unmarshal(data, &rc); err != nil {
		return nil, fmt.Errorf("decoding auth code: %w", err)
	}

	consumedAt, err := s.flagTime(ctx, s.consumedKey(id))
	if err != nil {
		return nil, fmt.Errorf("loading consumed flag: %w", err)
	}
	replayedAt, err := s.flagTime(ctx, s.replayedKey(id))
	if err != nil {
		return nil, fmt.Errorf("loading replayed flag: %w", err)
	}

	return &AuthCode{
		ID:                  rc.ID,
		ClientID:            rc.ClientID,
		UserID:              rc.UserID,
		Scopes:              rc.Scopes,
		RedirectURI:         rc.RedirectURI,
		CodeChallenge:       rc.CodeChallenge,
		CodeChallengeMethod: rc.CodeChallengeMethod,
		CreatedAt:           rc.CreatedAt,
		ExpiresAt:           rc.ExpiresAt,
		ConsumedAt:          consumedAt,
		ReplayedAt:          replayedAt,
	}, nil
}

// ConsumeAuthCode sets the consumed flag with SET NX; only the first caller
// creates the key.
func (s *RedisStore) ConsumeAuthCode(ctx context.Context, id string, at time.Time) error {
	ttl, err := s.client.PTTL(ctx, s.codeKey(id)).Result()
	if err != nil {
		return fmt.Errorf("loading auth code ttl: %w", err)
	}
	// go-redis reports PTTL -2 (missing key) and -1 (no expiry) as raw values
	if ttl == -2 {
		return ErrNotFound
	}
	if ttl < 0 {
		ttl = 0
	}

	ok, err := s.client.SetNX(ctx, s.consumedKey(id), at.UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return fmt.Errorf("consuming auth code: %w", err)
	}
	if !ok {
		return ErrAlreadyConsumed
	}
	return nil
}

// MarkAuthCodeReplayed sets the replayed flag with SET NX, so the first
// timestamp sticks.
func (s *RedisStore) MarkAuthCodeReplayed(ctx context.Context, id string, at time.Time) error {
	ttl, err := s.client.PTTL(ctx, s.codeKey(id)).Result()
	if err != nil {
		return fmt.Errorf("loading auth code ttl: %w", err)
	}
	if ttl == -2 {
		return ErrNotFound
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.SetNX(ctx, s.replayedKey(id), at.UTC().Format(time.RFC3339Nano), ttl).Err(); err != nil {
		return fmt.Errorf("marking auth code replayed: %w", err)
	}
	return nil
}

// CreateToken stores a new token and indexes it under its parent.
func (s *RedisStore) CreateToken(ctx context.Context, t *Token) error {
	data, err := json.Marshal(redisToken{
		ID:        t.ID,
		Kind:      t.Kind,
		ClientID:  t.ClientID,
		UserID:    t.UserID,
		Scopes:    t.Scopes,
		ParentID:  t.ParentID,
		CreatedAt: t.CreatedAt,
		ExpiresAt: t.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}
	ttl := s.ttlUntil(t.ExpiresAt)
	ok, err := s.client.SetNX(ctx, s.tokenKey(t.ID), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("storing token: %w", err)
	}
	if !ok {
		return ErrDuplicate
	}
	if t.ParentID != "" {
		err := indexChildScript.Run(ctx, s.client, []string{s.childrenKey(t.ParentID)}, t.ID, ttl.Milliseconds()).Err()
		if err != nil {
			return fmt.Errorf("indexing token: %w", err)
		}
	}
	if t.RevokedAt != nil {
		if _, err := s.RevokeToken(ctx, t.ID, *t.RevokedAt); err != nil {
			return err
		}
	}
	return nil
}

// GetToken retrieves a token by ID.
func (s *RedisStore) GetToken(ctx context.Context, id string) (*Token, error) {
	data, err := s.client.Get(ctx, s.tokenKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading token: %w", err)
	}
	var rt redisToken
	if err := json.Unmarshal(data, &rt); err != nil {
		return nil, fmt.Errorf("decoding token: %w", err)
	}

	revokedAt, err := s.flagTime(ctx, s.revokedKey(id))
	if err != nil {
		return nil, fmt.Errorf("loading revoked flag: %w", err)
	}

	return &Token{
		ID:        rt.ID,
		Kind:      rt.Kind,
		ClientID:  rt.ClientID,
		UserID:    rt.UserID,
		Scopes:    rt.Scopes,
		ParentID:  rt.ParentID,
		CreatedAt: rt.CreatedAt,
		ExpiresAt: rt.ExpiresAt,
		RevokedAt: revokedAt,
	}, nil
}

// RevokeToken sets the revoked flag with SET NX.
func (s *RedisStore) RevokeToken(ctx context.Context, id string, at time.Time) (bool, error) {
	ttl, err := s.client.PTTL(ctx, s.tokenKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("loading token ttl: %w", err)
	}
	if ttl == -2 {
		return false, ErrNotFound
	}
	if ttl < 0 {
		ttl = 0
	}

	ok, err := s.client.SetNX(ctx, s.revokedKey(id), at.UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("revoking token: %w", err)
	}
	return ok, nil
}

// ListTokensByParent returns the tokens issued from parentID.
func (s *RedisStore) ListTokensByParent(ctx context.Context, parentID string) ([]*Token, error) {
	ids, err := s.client.SMembers(ctx, s.childrenKey(parentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing child tokens: %w", err)
	}
	out := make([]*Token, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetToken(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	sortTokens(out)
	return out, nil
}

// DeleteExpired scans code and token keys and removes expired records along
// with their flag keys and child sets. Redis TTLs reap anything this misses.
func (s *RedisStore) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	removed := 0

	iter := s.client.Scan(ctx, 0, s.prefix+"code:*", 100).Iterator()
	for iter.Next(ctx) {
		id := strings.TrimPrefix(iter.Val(), s.prefix+"code:")
		code, err := s.GetAuthCode(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return removed, err
		}
		if !code.Expired(before) {
			continue
		}
		if err := s.client.Del(ctx, s.codeKey(id), s.consumedKey(id), s.replayedKey(id), s.childrenKey(id)).Err(); err != nil {
			return removed, fmt.Errorf("deleting auth code: %w", err)
		}
		removed++
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("scanning auth codes: %w", err)
	}

	iter = s.client.Scan(ctx, 0, s.prefix+"token:*", 100).Iterator()
	for iter.Next(ctx) {
		id := strings.TrimPrefix(iter.Val(), s.prefix+"token:")
		t, err := s.GetToken(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return removed, err
		}
		if !t.Expired(before) {
			continue
		}
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, s.tokenKey(id), s.revokedKey(id), s.childrenKey(id))
		if t.ParentID != "" {
			pipe.SRem(ctx, s.childrenKey(t.ParentID), id)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, fmt.Errorf("deleting token: %w", err)
		}
		removed++
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("scanning tokens: %w", err)
	}

	if removed > 0 {
		s.logger.Debug("deleted expired records", "count", removed)
	}
	return removed, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// flagTime reads a flag key written by SET NX and returns its timestamp, or nil
// if the flag is not set.
func (s *RedisStore) flagTime(ctx context.Context, key string) (*time.Time, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, fmt.Errorf("parsing flag time: %w", err)
	}
	return &t, nil
}

func toRedisClient(c *Client) redisClient {
	return redisClient{
		ID:           c.ID,
		Name:         c.Name,
		RedirectURIs: c.RedirectURIs,
		SecretHash:   c.SecretHash,
		AuthMethod:   c.AuthMethod,
		Static:       c.Static,
		CreatedAt:    c.CreatedAt,
		RevokedAt:    c.RevokedAt,
	}
}

func (rc redisClient) toClient() *Client {
	return &Client{
		ID:           rc.ID,
		Name:         rc.Name,
		RedirectURIs: rc.RedirectURIs,
		SecretHash:   rc.SecretHash,
		AuthMethod:   rc.AuthMethod,
		Static:       rc.Static,
		CreatedAt:    rc.CreatedAt,
		RevokedAt:    rc.RevokedAt,
	}
}
