// ABOUTME: Consent coordinator: describes the consent step and finalizes the user's decision
// ABOUTME: Approval mints a single-use authorization code; rejection redirects with access_denied

package oauth

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"slices"
	"time"

	"github.com/2389/tollgate/internal/login"
	"github.com/2389/tollgate/internal/store"
)

// ErrLoginRequired is wrapped by the error Finalize returns for an
// unauthenticated approval.
var ErrLoginRequired = errors.New("login required")

// ReplayLog records consent tickets that have already been finalized.
type ReplayLog interface {
	// Observe records key and reports whether it was seen before.
	Observe(key string) bool
}

// ConsentPrompt describes what the consent page must show.
type ConsentPrompt struct {
	ClientID      string
	ClientName    string
	RedirectURI   string
	Scopes        []string
	LoginRequired bool
	UserID        string
	// Request and Ticket are echoed back by the consent form.
	Request AuthorizationRequest
	Ticket  string
}

// Decision is the user's answer to a consent prompt.
type Decision struct {
	Approve bool
	// Scopes narrows the grant; empty approves everything requested.
	Scopes []string
}

// Outcome is the result of an approved consent.
type Outcome struct {
	RedirectURL string
	Code        string
	Scopes      []string
	ExpiresAt   time.Time
}

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	Codes   store.CodeStore
	Clients Clients
	Sealer  *Sealer
	CodeTTL time.Duration
	// Replays is optional.
	Replays   ReplayLog
	Logger    *slog.Logger
	Now       func() time.Time
	NewSecret func() (string, error)
}

// Coordinator runs the consent half of the authorization flow.
type Coordinator struct {
	codes     store.CodeStore
	clients   Clients
	sealer    *Sealer
	codeTTL   time.Duration
	replays   ReplayLog
	logger    *slog.Logger
	now       func() time.Time
	newSecret func() (string, error)
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Codes == nil {
		return nil, errors.New("code store is required")
	}
	if cfg.Clients == nil {
		return nil, errors.New("clients is required")
	}
	if cfg.Sealer == nil {
		return nil, errors.New("sealer is required")
	}
	if cfg.CodeTTL <= 0 {
		return nil, errors.New("code ttl must be positive")
	}
	c := &Coordinator{
		codes:     cfg.Codes,
		clients:   cfg.Clients,
		sealer:    cfg.Sealer,
		codeTTL:   cfg.CodeTTL,
		replays:   cfg.Replays,
		logger:    cfg.Logger,
		now:       cfg.Now,
		newSecret: cfg.NewSecret,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "consent")
	if c.now == nil {
		c.now = time.Now
	}
	if c.newSecret == nil {
		c.newSecret = GenerateSecret
	}
	return c, nil
}

// Present describes the consent step for auth and the identity the login
// collaborator reported. It has no side effects.
func (c *Coordinator) Present(auth *Authorization, id login.Identity) ConsentPrompt {
	loggedIn := id.Authenticated && id.UserID != ""
	prompt := ConsentPrompt{
		ClientID:      auth.Request.ClientID,
		ClientName:    auth.ClientName,
		RedirectURI:   auth.Request.RedirectURI,
		Scopes:        slices.Clone(auth.Request.Scopes),
		LoginRequired: !loggedIn,
		Request:       auth.Request,
		Ticket:        auth.Ticket,
	}
	if prompt.ClientName == "" {
		prompt.ClientName = auth.Request.ClientID
	}
	if loggedIn {
		prompt.UserID = id.UserID
	}
	return prompt
}

// Finalize applies the user's decision to the request carried by ticket.
// submitted must match the sealed request field for field.
func (c *Coordinator) Finalize(ctx context.Context, ticket string, submitted AuthorizationRequest, decision Decision, id login.Identity) (*Outcome, error) {
	req, flowID, err := c.sealer.Open(ticket)
	if err != nil {
		c.logger.Warn("consent ticket rejected", "client_id", submitted.ClientID, "error", err)
		return nil, err
	}
	if !req.Equal(submitted) {
		c.logger.Warn("consent request modified in transit", "client_id", req.ClientID, "flow_id", flowID)
		return nil, newError(KindTamperedRequest, "authorization request does not match consent ticket")
	}

	// The client may have been revoked while the user was deciding.
	client, err := c.clients.Lookup(ctx, req.ClientID)
	if err != nil {
		return nil, wrapError(KindInvalidRequest, "client is no longer available", err)
	}
	if !client.HasRedirectURI(req.RedirectURI) {
		return nil, newError(KindInvalidRequest, "redirect_uri is no longer registered for this client")
	}

	if !decision.Approve {
		c.logger.Info("consent denied", "client_id", req.ClientID, "flow_id", flowID)
		return nil, redirectError(KindAccessDenied, "the user denied the request", req)
	}
	if !id.Authenticated || id.UserID == "" {
		return nil, &Error{Kind: KindAccessDenied, Description: "sign in to approve this request", Err: ErrLoginRequired}
	}

	granted := req.Scopes
	if len(decision.Scopes) > 0 {
		if !IsSubset(decision.Scopes, req.Scopes) {
			return nil, redirectError(KindInvalidScope, "approved scope exceeds the request", req)
		}
		// Keep the request's ordering.
		granted = slices.DeleteFunc(slices.Clone(req.Scopes), func(s string) bool {
			return !slices.Contains(decision.Scopes, s)
		})
	}

	if c.replays != nil && c.replays.Observe(flowID) {
		// Codes are single-use at exchange, so a second approval still gets its own code.
		c.logger.Warn("consent ticket finalized again", "client_id", req.ClientID, "flow_id", flowID)
	}

	secret, err := c.newSecret()
	if err != nil {
		return nil, wrapError(KindServerError, "generating code", err)
	}
	// A code from a request that omitted redirect_uri records none, so the
	// token request may omit it as well.
	codeRedirect := req.RedirectURI
	if req.RedirectURIDefaulted {
		codeRedirect = ""
	}
	now := c.now()
	code := &store.AuthCode{
		ID:                  HashSecret(secret),
		ClientID:            req.ClientID,
		UserID:              id.UserID,
		Scopes:              slices.Clone(granted),
		RedirectURI:         codeRedirect,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(c.codeTTL),
	}
	if err := c.codes.CreateAuthCode(ctx, code); err != nil {
		return nil, wrapError(KindServerError, "storing authorization code", err)
	}

	params := url.Values{}
	params.Set("code", secret)
	if req.State != "" {
		params.Set("state", req.State)
	}
	c.logger.Info("authorization code issued",
		"client_id", req.ClientID,
		"user_id", id.UserID,
		"scope", FormatScope(granted),
		"code_id", ShortID(code.ID),
	)
	return &Outcome{
		RedirectURL: appendQuery(req.RedirectURI, params),
		Code:        secret,
		Scopes:      slices.Clone(granted),
		ExpiresAt:   code.ExpiresAt,
	}, nil
}
