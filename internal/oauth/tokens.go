// ABOUTME: Token service: code exchange, refresh, revocation and validation
// ABOUTME: Code consumption and refresh rotation rely on conditional store writes for at-most-once issuance

package oauth

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/2389/tollgate/internal/store"
)

// TokenTypeBearer is the only token type issued.
const TokenTypeBearer = "Bearer"

// GrantStore is the part of the credential store the token service uses.
type GrantStore interface {
	store.CodeStore
	store.TokenStore
}

// TokenResponse is the token endpoint's success body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope"`
}

// TokenInfo describes a valid access token.
type TokenInfo struct {
	TokenID   string
	UserID    string
	ClientID  string
	Scopes    []string
	ExpiresAt time.Time
}

// ExchangeRequest is an authorization_code grant.
type ExchangeRequest struct {
	Code         string
	ClientID     string
	ClientSecret string
	// AuthMethod is how the client authenticated; empty skips the check
	// against the client's registered method.
	AuthMethod   string
	RedirectURI  string
	CodeVerifier string
}

// RefreshRequest is a refresh_token grant. Scopes may narrow the original grant.
type RefreshRequest struct {
	RefreshToken string
	ClientID     string
	ClientSecret string
	AuthMethod   string
	Scopes       []string
}

// TokenConfig configures a TokenService.
type TokenConfig struct {
	Store   GrantStore
	Clients Clients
	// AccessTTL must be positive. RefreshTTL of zero means refresh tokens never expire.
	AccessTTL      time.Duration
	RefreshTTL     time.Duration
	IssueRefresh   bool
	RotateRefresh  bool
	RevokeOnReplay bool
	Logger         *slog.Logger
	Now            func() time.Time
	NewSecret      func() (string, error)
}

// TokenService issues and checks tokens.
type TokenService struct {
	store          GrantStore
	clients        Clients
	accessTTL      time.Duration
	refreshTTL     time.Duration
	issueRefresh   bool
	rotateRefresh  bool
	revokeOnReplay bool
	logger         *slog.Logger
	now            func() time.Time
	newSecret      func() (string, error)
}

// NewTokenService creates a TokenService.
func NewTokenService(cfg TokenConfig) (*TokenService, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Clients == nil {
		return nil, errors.New("clients is required")
	}
	if cfg.AccessTTL <= 0 {
		return nil, errors.New("access ttl must be positive")
	}
	if cfg.RefreshTTL < 0 {
		return nil, errors.New("refresh ttl must not be negative")
	}
	s := &TokenService{
		store:          cfg.Store,
		clients:        cfg.Clients,
		accessTTL:      cfg.AccessTTL,
		refreshTTL:     cfg.RefreshTTL,
		issueRefresh:   cfg.IssueRefresh,
		rotateRefresh:  cfg.RotateRefresh,
		revokeOnReplay: cfg.RevokeOnReplay,
		logger:         cfg.Logger,
		now:            cfg.Now,
		newSecret:      cfg.NewSecret,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "tokens")
	if s.now == nil {
		s.now = time.Now
	}
	if s.newSecret == nil {
		s.newSecret = GenerateSecret
	}
	return s, nil
}

// Exchange redeems an authorization code. At most one call succeeds per code.
func (s *TokenService) Exchange(ctx context.Context, req ExchangeRequest) (*TokenResponse, error) {
	if req.Code == "" {
		return nil, newError(KindInvalidRequest, "code is required")
	}
	client, err := s.authenticate(ctx, req.ClientID, req.ClientSecret, req.AuthMethod)
	if err != nil {
		return nil, err
	}

	codeID := HashSecret(req.Code)
	code, err := s.store.GetAuthCode(ctx, codeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(KindInvalidGrant, "authorization code is invalid")
	}
	if err != nil {
		return nil, wrapError(KindServerError, "loading authorization code", err)
	}

	if code.Consumed() {
		s.logger.Warn("authorization code replayed", "client_id", client.ID, "code_id", ShortID(codeID))
		if s.revokeOnReplay {
			s.revokeReplayedGrant(ctx, codeID)
		}
		return nil, newError(KindInvalidGrant, "authorization code has already been used")
	}
	now := s.now()
	if code.Expired(now) {
		return nil, newError(KindInvalidGrant, "authorization code has expired")
	}
	if code.ClientID != client.ID {
		return nil, newError(KindInvalidGrant, "authorization code was issued to another client")
	}
	switch {
	case code.RedirectURI != "":
		if req.RedirectURI != code.RedirectURI {
			return nil, newError(KindInvalidGrant, "redirect_uri does not match the authorization request")
		}
	case req.RedirectURI != "" && !client.HasRedirectURI(req.RedirectURI):
		// The authorization request omitted redirect_uri, so it is optional here.
		return nil, newError(KindInvalidGrant, "redirect_uri is not registered for this client")
	}
	switch {
	case code.CodeChallenge != "":
		if !VerifyCodeChallenge(code.CodeChallenge, code.CodeChallengeMethod, req.CodeVerifier) {
			return nil, newError(KindInvalidGrant, "code_verifier does not match")
		}
	case req.CodeVerifier != "":
		return nil, newError(KindInvalidGrant, "code_verifier sent for a request without code_challenge")
	}

	if err := s.store.ConsumeAuthCode(ctx, codeID, now); err != nil {
		if errors.Is(err, store.ErrAlreadyConsumed) {
			s.logger.Warn("authorization code replayed", "client_id", client.ID, "code_id", ShortID(codeID))
			if s.revokeOnReplay {
				s.revokeReplayedGrant(ctx, codeID)
			}
			return nil, newError(KindInvalidGrant, "authorization code has already been used")
		}
		return nil, wrapError(KindServerError, "consuming authorization code", err)
	}

	resp, issued, err := s.issue(ctx, issueParams{
		clientID:      client.ID,
		userID:        code.UserID,
		accessScopes:  code.Scopes,
		refreshScopes: code.Scopes,
		parentID:      codeID,
		withRefresh:   s.issueRefresh,
		now:           now,
	})
	if err != nil {
		return nil, err
	}
	if s.revokeOnReplay {
		// A replay seen while the tokens were being stored found nothing to
		// revoke, so check for it again now that they exist.
		latest, err := s.store.GetAuthCode(ctx, codeID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			s.discard(ctx, issued)
			return nil, wrapError(KindServerError, "rechecking authorization code", err)
		}
		if latest != nil && latest.ReplayedAt != nil {
			s.logger.Warn("authorization code replayed during exchange", "client_id", client.ID, "code_id", ShortID(codeID))
			s.discard(ctx, issued)
			return nil, newError(KindInvalidGrant, "authorization code has already been used")
		}
	}
	s.logger.Info("code exchanged",
		"client_id", client.ID,
		"user_id", code.UserID,
		"scope", resp.Scope,
		"code_id", ShortID(codeID),
	)
	return resp, nil
}

// Refresh issues a new access token from a refresh token. With rotation
// enabled the presented refresh token is retired and replaced.
func (s *TokenService) Refresh(ctx context.Context, req RefreshRequest) (*TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, newError(KindInvalidRequest, "refresh_token is required")
	}
	client, err := s.authenticate(ctx, req.ClientID, req.ClientSecret, req.AuthMethod)
	if err != nil {
		return nil, err
	}

	tokenID := HashSecret(req.RefreshToken)
	tok, err := s.store.GetToken(ctx, tokenID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(KindInvalidGrant, "refresh token is invalid")
	}
	if err != nil {
		return nil, wrapError(KindServerError, "loading refresh token", err)
	}
	now := s.now()
	switch {
	case tok.Kind != store.TokenRefresh:
		return nil, newError(KindInvalidGrant, "refresh token is invalid")
	case tok.Revoked():
		return nil, newError(KindInvalidGrant, "refresh token has been revoked")
	case tok.Expired(now):
		return nil, newError(KindInvalidGrant, "refresh token has expired")
	case tok.ClientID != client.ID:
		return nil, newError(KindInvalidGrant, "refresh token was issued to another client")
	}

	scopes := tok.Scopes
	if len(req.Scopes) > 0 {
		if !IsSubset(req.Scopes, tok.Scopes) {
			return nil, newError(KindInvalidScope, "requested scope exceeds the original grant")
		}
		scopes = req.Scopes
	}

	// The replacement exists before the presented token is retired, so a
	// failed issue leaves the client with a usable refresh token.
	resp, issued, err := s.issue(ctx, issueParams{
		clientID:      client.ID,
		userID:        tok.UserID,
		accessScopes:  scopes,
		refreshScopes: tok.Scopes,
		parentID:      tokenID,
		withRefresh:   s.rotateRefresh,
		now:           now,
	})
	if err != nil {
		return nil, err
	}
	if s.rotateRefresh {
		won, err := s.store.RevokeToken(ctx, tokenID, now)
		if err != nil {
			s.discard(ctx, issued)
			return nil, wrapError(KindServerError, "retiring refresh token", err)
		}
		if !won {
			s.discard(ctx, issued)
			return nil, newError(KindInvalidGrant, "refresh token has already been used")
		}
	}
	s.logger.Info("token refreshed",
		"client_id", client.ID,
		"user_id", tok.UserID,
		"scope", resp.Scope,
		"rotated", s.rotateRefresh,
	)
	return resp, nil
}

func (s *TokenService) authenticate(ctx context.Context, id, secret, method string) (*store.Client, error) {
	client, err := s.clients.Authenticate(ctx, id, secret)
	if err != nil {
		return nil, wrapError(KindInvalidClient, "client authentication failed", err)
	}
	if err := CheckAuthMethod(client, method); err != nil {
		s.logger.Warn("client used an unregistered auth method", "client_id", client.ID, "method", method)
		return nil, err
	}
	return client, nil
}

// CheckAuthMethod fails with InvalidClient unless method is the token
// endpoint auth method c registered with. An empty method is not checked.
func CheckAuthMethod(c *store.Client, method string) error {
	if method == "" || method == c.AuthMethod {
		return nil
	}
	return newError(KindInvalidClient, "client must authenticate with "+c.AuthMethod)
}

// Revoke invalidates a token and everything issued from it. Unknown and
// already revoked tokens are not an error.
func (s *TokenService) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	tokenID := HashSecret(token)
	tok, err := s.store.GetToken(ctx, tokenID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return wrapError(KindServerError, "loading token", err)
	}
	return s.revoke(ctx, tok)
}

// RevokeForClient revokes token only if it was issued to clientID.
func (s *TokenService) RevokeForClient(ctx context.Context, token, clientID string) error {
	if token == "" {
		return nil
	}
	tok, err := s.store.GetToken(ctx, HashSecret(token))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return wrapError(KindServerError, "loading token", err)
	}
	if tok.ClientID != clientID {
		s.logger.Warn("revocation of another client's token ignored", "client_id", clientID)
		return nil
	}
	return s.revoke(ctx, tok)
}

func (s *TokenService) revoke(ctx context.Context, tok *store.Token) error {
	revoked, err := s.store.RevokeToken(ctx, tok.ID, s.now())
	if err != nil {
		return wrapError(KindServerError, "revoking token", err)
	}
	if err := s.revokeDescendants(ctx, tok.ID); err != nil {
		return wrapError(KindServerError, "revoking descendant tokens", err)
	}
	if revoked {
		s.logger.Info("token revoked", "kind", string(tok.Kind), "client_id", tok.ClientID, "user_id", tok.UserID)
	}
	return nil
}

// revokeReplayedGrant records the replay on the code, then revokes what was
// issued from it. An exchange still storing its tokens sees the mark afterwards.
func (s *TokenService) revokeReplayedGrant(ctx context.Context, codeID string) {
	if err := s.store.MarkAuthCodeReplayed(ctx, codeID, s.now()); err != nil {
		s.logger.Error("marking replayed code", "code_id", ShortID(codeID), "error", err)
	}
	if err := s.revokeDescendants(ctx, codeID); err != nil {
		s.logger.Error("revoking tokens of replayed code", "code_id", ShortID(codeID), "error", err)
	}
}

// discard revokes tokens minted by a request that then failed.
func (s *TokenService) discard(ctx context.Context, ids []string) {
	now := s.now()
	for _, id := range ids {
		if _, err := s.store.RevokeToken(ctx, id, now); err != nil {
			s.logger.Error("revoking discarded token", "token_id", ShortID(id), "error", err)
		}
	}
}

// revokeDescendants revokes every token whose ancestry leads to parentID.
func (s *TokenService) revokeDescendants(ctx context.Context, parentID string) error {
	now := s.now()
	queue := []string{parentID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		children, err := s.store.ListTokensByParent(ctx, id)
		if err != nil {
			return err
		}
		for _, child := range children {
			if _, err := s.store.RevokeToken(ctx, child.ID, now); err != nil {
				return err
			}
			queue = append(queue, child.ID)
		}
	}
	return nil
}

// Validate checks an access token presented to the protected resource.
func (s *TokenService) Validate(ctx context.Context, token string) (*TokenInfo, error) {
	if token == "" {
		return nil, newError(KindInvalidToken, "access token is missing")
	}
	return s.ValidateID(ctx, HashSecret(token))
}

// ValidateID checks an access token by its stored ID. Sessions use it to
// recheck their bound token without holding the secret.
func (s *TokenService) ValidateID(ctx context.Context, tokenID string) (*TokenInfo, error) {
	tok, err := s.store.GetToken(ctx, tokenID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(KindInvalidToken, "access token is invalid")
	}
	if err != nil {
		return nil, wrapError(KindServerError, "loading token", err)
	}
	switch {
	case tok.Kind != store.TokenAccess:
		return nil, newError(KindInvalidToken, "access token is invalid")
	case tok.Revoked():
		return nil, newError(KindInvalidToken, "access token has been revoked")
	case tok.Expired(s.now()):
		return nil, newError(KindInvalidToken, "access token has expired")
	}
	if _, err := s.clients.Lookup(ctx, tok.ClientID); err != nil {
		return nil, wrapError(KindInvalidToken, "client is no longer authorized", err)
	}
	return &TokenInfo{
		TokenID:   tok.ID,
		UserID:    tok.UserID,
		ClientID:  tok.ClientID,
		Scopes:    slices.Clone(tok.Scopes),
		ExpiresAt: tok.ExpiresAt,
	}, nil
}

// AccessTTL returns the lifetime of issued access tokens.
func (s *TokenService) AccessTTL() time.Duration {
	return s.accessTTL
}

type issueParams struct {
	clientID      string
	userID        string
	accessScopes  []string
	refreshScopes []string
	parentID      string
	withRefresh   bool
	now           time.Time
}

// issue mints an access token and optionally a refresh token. The access
// token hangs off the refresh token so revoking the latter cascades. It also
// returns the IDs of the stored tokens; on error nothing it stored stays valid.
func (s *TokenService) issue(ctx context.Context, p issueParams) (*TokenResponse, []string, error) {
	resp := &TokenResponse{
		TokenType: TokenTypeBearer,
		ExpiresIn: int64(s.accessTTL / time.Second),
		Scope:     FormatScope(p.accessScopes),
	}
	accessParent := p.parentID
	var issued []string

	if p.withRefresh {
		secret, err := s.newSecret()
		if err != nil {
			return nil, nil, wrapError(KindServerError, "generating refresh token", err)
		}
		refresh := &store.Token{
			ID:        HashSecret(secret),
			Kind:      store.TokenRefresh,
			ClientID:  p.clientID,
			UserID:    p.userID,
			Scopes:    slices.Clone(p.refreshScopes),
			ParentID:  p.parentID,
			CreatedAt: p.now,
		}
		if s.refreshTTL > 0 {
			refresh.ExpiresAt = p.now.Add(s.refreshTTL)
		}
		if err := s.store.CreateToken(ctx, refresh); err != nil {
			return nil, nil, wrapError(KindServerError, "storing refresh token", err)
		}
		resp.RefreshToken = secret
		accessParent = refresh.ID
		issued = append(issued, refresh.ID)
	}

	secret, err := s.newSecret()
	if err != nil {
		s.discard(ctx, issued)
		return nil, nil, wrapError(KindServerError, "generating access token", err)
	}
	access := &store.Token{
		ID:        HashSecret(secret),
		Kind:      store.TokenAccess,
		ClientID:  p.clientID,
		UserID:    p.userID,
		Scopes:    slices.Clone(p.accessScopes),
		ParentID:  accessParent,
		CreatedAt: p.now,
		ExpiresAt: p.now.Add(s.accessTTL),
	}
	if err := s.store.CreateToken(ctx, access); err != nil {
		s.discard(ctx, issued)
		return nil, nil, wrapError(KindServerError, "storing access token", err)
	}
	resp.AccessToken = secret
	issued = append(issued, access.ID)
	return resp, issued, nil
}
