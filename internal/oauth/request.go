// ABOUTME: Authorization request parsing and validation against the client registry
// ABOUTME: Failures before the redirect URI is verified are never redirectable

package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"

	"github.com/2389/tollgate/internal/store"
)

// ResponseTypeCode is the only supported response_type.
const ResponseTypeCode = "code"

// Clients is the slice of the client registry the authorization core needs.
type Clients interface {
	Lookup(ctx context.Context, id string) (*store.Client, error)
	Authenticate(ctx context.Context, id, secret string) (*store.Client, error)
}

// AuthorizationRequest is a validated request for an authorization code.
type AuthorizationRequest struct {
	ClientID    string
	RedirectURI string
	// RedirectURIDefaulted is set when the request omitted redirect_uri and
	// RedirectURI holds the client's only registered URI.
	RedirectURIDefaulted bool
	ResponseType         string
	Scopes               []string
	State                string
	CodeChallenge        string
	CodeChallengeMethod  string
}

// Equal reports whether r and other agree on every field.
func (r AuthorizationRequest) Equal(other AuthorizationRequest) bool {
	return r.ClientID == other.ClientID &&
		r.RedirectURI == other.RedirectURI &&
		r.RedirectURIDefaulted == other.RedirectURIDefaulted &&
		r.ResponseType == other.ResponseType &&
		slices.Equal(r.Scopes, other.Scopes) &&
		r.State == other.State &&
		r.CodeChallenge == other.CodeChallenge &&
		r.CodeChallengeMethod == other.CodeChallengeMethod
}

// Values encodes the request as form fields, the same shape Parse accepts.
func (r AuthorizationRequest) Values() url.Values {
	v := url.Values{}
	v.Set("client_id", r.ClientID)
	v.Set("redirect_uri", r.RedirectURI)
	if r.RedirectURIDefaulted {
		v.Set("redirect_uri_defaulted", "true")
	}
	v.Set("response_type", r.ResponseType)
	v.Set("scope", FormatScope(r.Scopes))
	if r.State != "" {
		v.Set("state", r.State)
	}
	if r.CodeChallenge != "" {
		v.Set("code_challenge", r.CodeChallenge)
		v.Set("code_challenge_method", r.CodeChallengeMethod)
	}
	return v
}

// RequestFromValues rebuilds an AuthorizationRequest from submitted form
// fields without validating it.
func RequestFromValues(v url.Values) AuthorizationRequest {
	return AuthorizationRequest{
		ClientID:             v.Get("client_id"),
		RedirectURI:          v.Get("redirect_uri"),
		RedirectURIDefaulted: v.Get("redirect_uri_defaulted") == "true",
		ResponseType:         v.Get("response_type"),
		Scopes:               ParseScope(v.Get("scope")),
		State:                v.Get("state"),
		CodeChallenge:        v.Get("code_challenge"),
		CodeChallengeMethod:  v.Get("code_challenge_method"),
	}
}

// Authorization is a parsed request ready for consent.
type Authorization struct {
	Request    AuthorizationRequest
	ClientName string
	// Ticket must come back unchanged with the consent decision.
	Ticket string
	FlowID string
}

// ParserConfig configures a Parser.
type ParserConfig struct {
	Clients Clients
	Sealer  *Sealer
	// Scopes is the vocabulary requests may draw from.
	Scopes []string
	// DefaultScopes are granted when a request names none.
	DefaultScopes  []string
	RequirePKCE    bool
	AllowPlainPKCE bool
	Logger         *slog.Logger
}

// Parser validates authorization requests.
type Parser struct {
	clients        Clients
	sealer         *Sealer
	scopes         []string
	defaultScopes  []string
	requirePKCE    bool
	allowPlainPKCE bool
	logger         *slog.Logger
}

// NewParser creates a Parser.
func NewParser(cfg ParserConfig) (*Parser, error) {
	if cfg.Clients == nil {
		return nil, errors.New("clients is required")
	}
	if cfg.Sealer == nil {
		return nil, errors.New("sealer is required")
	}
	if len(cfg.Scopes) == 0 {
		return nil, errors.New("scope vocabulary is empty")
	}
	if !IsSubset(cfg.DefaultScopes, cfg.Scopes) {
		return nil, errors.New("default scopes must be part of the vocabulary")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{
		clients:        cfg.Clients,
		sealer:         cfg.Sealer,
		scopes:         slices.Clone(cfg.Scopes),
		defaultScopes:  slices.Clone(cfg.DefaultScopes),
		requirePKCE:    cfg.RequirePKCE,
		allowPlainPKCE: cfg.AllowPlainPKCE,
		logger:         logger.With("component", "authorize"),
	}, nil
}

// Scopes returns the supported scope vocabulary.
func (p *Parser) Scopes() []string {
	return slices.Clone(p.scopes)
}

// Parse validates the query of an authorization request.
func (p *Parser) Parse(ctx context.Context, params url.Values) (*Authorization, error) {
	for key, vals := range params {
		if len(vals) > 1 {
			return nil, newError(KindInvalidRequest, fmt.Sprintf("parameter %s repeated", key))
		}
	}

	clientID := params.Get("client_id")
	if clientID == "" {
		return nil, newError(KindInvalidRequest, "client_id is required")
	}
	client, err := p.clients.Lookup(ctx, clientID)
	if err != nil {
		p.logger.Warn("authorization request for unusable client", "client_id", clientID, "error", err)
		return nil, wrapError(KindInvalidRequest, "unknown client", err)
	}

	redirectURI := params.Get("redirect_uri")
	defaulted := false
	if redirectURI == "" {
		if len(client.RedirectURIs) != 1 {
			return nil, newError(KindInvalidRequest, "redirect_uri is required")
		}
		redirectURI = client.RedirectURIs[0]
		defaulted = true
	}
	if !client.HasRedirectURI(redirectURI) {
		p.logger.Warn("redirect_uri not registered", "client_id", clientID, "redirect_uri", redirectURI)
		return nil, newError(KindInvalidRequest, "redirect_uri is not registered for this client")
	}

	// From here on the redirect target is trusted.
	req := &AuthorizationRequest{
		ClientID:             client.ID,
		RedirectURI:          redirectURI,
		RedirectURIDefaulted: defaulted,
		ResponseType:         params.Get("response_type"),
		State:                params.Get("state"),
	}

	switch req.ResponseType {
	case ResponseTypeCode:
	case "":
		return nil, redirectError(KindInvalidRequest, "response_type is required", req)
	default:
		return nil, redirectError(KindUnsupportedResponseType, "only response_type=code is supported", req)
	}

	req.Scopes = ParseScope(params.Get("scope"))
	if len(req.Scopes) == 0 {
		req.Scopes = slices.Clone(p.defaultScopes)
	}
	if len(req.Scopes) == 0 {
		return nil, redirectError(KindInvalidScope, "scope is required", req)
	}
	if !IsSubset(req.Scopes, p.scopes) {
		return nil, redirectError(KindInvalidScope, "unknown scope requested", req)
	}

	challenge := params.Get("code_challenge")
	method := params.Get("code_challenge_method")
	switch {
	case challenge != "":
		method = normalizePKCEMethod(method)
		if err := validateChallenge(challenge, method, p.allowPlainPKCE); err != nil {
			return nil, redirectError(KindInvalidRequest, err.Error(), req)
		}
		req.CodeChallenge = challenge
		req.CodeChallengeMethod = method
	case method != "":
		return nil, redirectError(KindInvalidRequest, "code_challenge_method without code_challenge", req)
	case p.requirePKCE || client.IsPublic():
		return nil, redirectError(KindInvalidRequest, "code_challenge is required", req)
	}

	ticket, flowID, err := p.sealer.Seal(*req)
	if err != nil {
		return nil, wrapError(KindServerError, "sealing consent ticket", err)
	}
	return &Authorization{
		Request:    *req,
		ClientName: client.Name,
		Ticket:     ticket,
		FlowID:     flowID,
	}, nil
}
