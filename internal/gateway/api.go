// ABOUTME: HTTP handlers for the authorization server endpoints
// ABOUTME: Authorize and approve talk to browsers; token, revoke and register speak JSON to clients

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/2389/tollgate/internal/clients"
	"github.com/2389/tollgate/internal/login"
	"github.com/2389/tollgate/internal/oauth"
	"github.com/2389/tollgate/internal/store"
)

// Grant types accepted by the token endpoint.
const (
	grantAuthorizationCode = "authorization_code"
	grantRefreshToken      = "refresh_token"
)

// maxFormBytes bounds form and JSON bodies on the credential endpoints.
const maxFormBytes = 64 << 10

// oauthErrorBody is the RFC 6749 JSON error response.
type oauthErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// RegistrationRequest is the JSON body for POST /oauth/register.
type RegistrationRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
}

// RegistrationResponse is the JSON response for POST /oauth/register.
type RegistrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	ClientSecretExpiresAt   *int64   `json:"client_secret_expires_at,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
}

// handleAuthorize handles GET /oauth/authorize. Requests that fail before the
// client and redirect URI are verified get an error page, never a redirect.
func (g *Gateway) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	authz, err := g.parser.Parse(r.Context(), r.URL.Query())
	if err != nil {
		g.authorizeError(w, r, err)
		return
	}
	prompt := g.consent.Present(authz, g.login.Identify(r))
	g.renderConsent(w, http.StatusOK, prompt, "")
}

// handleApprove handles POST /oauth/approve, the consent form submission.
func (g *Gateway) handleApprove(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		g.renderError(w, http.StatusBadRequest, "invalid_request", "The consent form could not be read.")
		return
	}
	form := r.PostForm
	ticket := form.Get("ticket")
	submitted := oauth.RequestFromValues(form)
	decision := oauth.Decision{
		Approve: form.Get("decision") == "approve",
		Scopes:  form["grant_scope"],
	}

	id := g.login.Identify(r)
	var loginErr string
	if decision.Approve && !signedIn(id) && form.Get("username") != "" {
		authed, err := g.login.Authenticate(r.Context(), form.Get("username"), form.Get("password"))
		switch {
		case err == nil:
			id = authed
		case errors.Is(err, login.ErrInvalidCredentials):
			loginErr = "Invalid username or password."
		default:
			g.logger.Error("login failed", "client_id", submitted.ClientID, "error", err)
			loginErr = "Sign-in is unavailable right now."
		}
	}

	outcome, err := g.consent.Finalize(r.Context(), ticket, submitted, decision, id)
	if errors.Is(err, oauth.ErrLoginRequired) {
		// Finalize has verified the ticket, so the submitted request is genuine.
		if loginErr == "" {
			loginErr = "Sign in to approve this request."
		}
		prompt := g.consent.Present(&oauth.Authorization{
			Request:    submitted,
			Ticket:     ticket,
			ClientName: g.clientName(r, submitted.ClientID),
		}, id)
		g.renderConsent(w, http.StatusUnauthorized, prompt, loginErr)
		return
	}
	if err != nil {
		g.authorizeError(w, r, err)
		return
	}
	http.Redirect(w, r, outcome.RedirectURL, http.StatusFound)
}

func signedIn(id login.Identity) bool {
	return id.Authenticated && id.UserID != ""
}

func (g *Gateway) clientName(r *http.Request, clientID string) string {
	c, err := g.clients.Lookup(r.Context(), clientID)
	if err != nil || c.Name == "" {
		return clientID
	}
	return c.Name
}

// authorizeError delivers an authorization flow error: by redirect once the
// redirect URI is verified, otherwise as a page shown to the user.
func (g *Gateway) authorizeError(w http.ResponseWriter, r *http.Request, err error) {
	var oe *oauth.Error
	if !errors.As(err, &oe) {
		g.logger.Error("authorization failed", "error", err)
		g.renderError(w, http.StatusInternalServerError, "server_error", "Something went wrong. Please try again.")
		return
	}
	if loc := oe.RedirectLocation(); loc != "" {
		http.Redirect(w, r, loc, http.StatusFound)
		return
	}
	if oe.Kind == oauth.KindServerError {
		g.logger.Error("authorization failed", "error", err)
		g.renderError(w, http.StatusInternalServerError, oe.Kind.Code(), "Something went wrong. Please try again.")
		return
	}
	g.renderError(w, oe.Kind.HTTPStatus(), oe.Kind.Code(), oe.Description)
}

// clientCredentials extracts client authentication from HTTP Basic or the
// form body. Using both is an error.
func clientCredentials(r *http.Request) (id, secret string, basic bool, err error) {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return r.PostForm.Get("client_id"), r.PostForm.Get("client_secret"), false, nil
	}
	// RFC 6749 2.3.1: credentials are form-encoded before Basic encoding
	if id, err = url.QueryUnescape(user); err != nil {
		return "", "", true, &oauth.Error{Kind: oauth.KindInvalidClient, Description: "malformed client credentials"}
	}
	if secret, err = url.QueryUnescape(pass); err != nil {
		return "", "", true, &oauth.Error{Kind: oauth.KindInvalidClient, Description: "malformed client credentials"}
	}
	if r.PostForm.Get("client_secret") != "" {
		return "", "", true, &oauth.Error{Kind: oauth.KindInvalidRequest, Description: "use only one client authentication method"}
	}
	if formID := r.PostForm.Get("client_id"); formID != "" && formID != id {
		return "", "", true, &oauth.Error{Kind: oauth.KindInvalidRequest, Description: "client_id does not match the authenticated client"}
	}
	return id, secret, true, nil
}

// authMethodUsed names the token endpoint auth method a request used.
func authMethodUsed(secret string, basic bool) string {
	switch {
	case secret == "":
		return store.AuthMethodNone
	case basic:
		return store.AuthMethodClientSecretBasic
	default:
		return store.AuthMethodClientSecretPost
	}
}

// parseTokenForm reads a credential endpoint form body and rejects repeated parameters.
func parseTokenForm(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		return &oauth.Error{Kind: oauth.KindInvalidRequest, Description: "malformed request body"}
	}
	for name, values := range r.PostForm {
		if len(values) > 1 {
			return &oauth.Error{Kind: oauth.KindInvalidRequest, Description: "parameter " + name + " is repeated"}
		}
	}
	return nil
}

// handleToken handles POST /oauth/token.
func (g *Gateway) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := parseTokenForm(w, r); err != nil {
		g.writeOAuthError(w, err, false)
		return
	}
	clientID, secret, basic, err := clientCredentials(r)
	if err != nil {
		g.writeOAuthError(w, err, basic)
		return
	}

	form := r.PostForm
	var resp *oauth.TokenResponse
	switch grantType := form.Get("grant_type"); grantType {
	case grantAuthorizationCode:
		resp, err = g.tokens.Exchange(r.Context(), oauth.ExchangeRequest{
			Code:         form.Get("code"),
			ClientID:     clientID,
			ClientSecret: secret,
			AuthMethod:   authMethodUsed(secret, basic),
			RedirectURI:  form.Get("redirect_uri"),
			CodeVerifier: form.Get("code_verifier"),
		})
	case grantRefreshToken:
		resp, err = g.tokens.Refresh(r.Context(), oauth.RefreshRequest{
			RefreshToken: form.Get("refresh_token"),
			ClientID:     clientID,
			ClientSecret: secret,
			AuthMethod:   authMethodUsed(secret, basic),
			Scopes:       oauth.ParseScope(form.Get("scope")),
		})
	case "":
		err = &oauth.Error{Kind: oauth.KindInvalidRequest, Description: "grant_type is required"}
	default:
		err = &oauth.Error{Kind: oauth.KindUnsupportedGrantType, Description: "grant_type " + grantType + " is not supported"}
	}
	if err != nil {
		g.writeOAuthError(w, err, basic)
		return
	}
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, resp)
}

// handleRevoke handles POST /oauth/revoke (RFC 7009). Unknown tokens and
// tokens of other clients are answered with 200 like any other.
func (g *Gateway) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := parseTokenForm(w, r); err != nil {
		g.writeOAuthError(w, err, false)
		return
	}
	clientID, secret, basic, err := clientCredentials(r)
	if err != nil {
		g.writeOAuthError(w, err, basic)
		return
	}
	token := r.PostForm.Get("token")
	if token == "" {
		g.writeOAuthError(w, &oauth.Error{Kind: oauth.KindInvalidRequest, Description: "token is required"}, basic)
		return
	}

	client, err := g.clients.Authenticate(r.Context(), clientID, secret)
	if err != nil {
		if isClientAuthError(err) {
			err = &oauth.Error{Kind: oauth.KindInvalidClient, Description: "client authentication failed", Err: err}
		}
		g.writeOAuthError(w, err, basic)
		return
	}
	if err := oauth.CheckAuthMethod(client, authMethodUsed(secret, basic)); err != nil {
		g.writeOAuthError(w, err, basic)
		return
	}
	// token_type_hint is optional and lookups are by hash either way.
	if err := g.tokens.RevokeForClient(r.Context(), token, client.ID); err != nil {
		g.writeOAuthError(w, err, basic)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}

func isClientAuthError(err error) bool {
	return errors.Is(err, clients.ErrUnknownClient) ||
		errors.Is(err, clients.ErrClientRevoked) ||
		errors.Is(err, clients.ErrInvalidSecret)
}

// handleRegister handles POST /oauth/register (RFC 7591).
func (g *Gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	var req RegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, oauthErrorBody{Error: "invalid_client_metadata", ErrorDescription: "body must be a JSON object"})
		return
	}
	for _, gt := range req.GrantTypes {
		if gt != grantAuthorizationCode && gt != grantRefreshToken {
			writeJSON(w, http.StatusBadRequest, oauthErrorBody{Error: "invalid_client_metadata", ErrorDescription: "unsupported grant_type " + gt})
			return
		}
	}
	for _, rt := range req.ResponseTypes {
		if rt != oauth.ResponseTypeCode {
			writeJSON(w, http.StatusBadRequest, oauthErrorBody{Error: "invalid_client_metadata", ErrorDescription: "unsupported response_type " + rt})
			return
		}
	}

	reg, err := g.clients.Register(r.Context(), clients.Metadata{
		RedirectURIs: req.RedirectURIs,
		Name:         req.ClientName,
		AuthMethod:   req.TokenEndpointAuthMethod,
	})
	if errors.Is(err, clients.ErrInvalidMetadata) {
		code := "invalid_client_metadata"
		if clients.ValidateMetadata(clients.Metadata{RedirectURIs: req.RedirectURIs}) != nil {
			code = "invalid_redirect_uri"
		}
		writeJSON(w, http.StatusBadRequest, oauthErrorBody{Error: code, ErrorDescription: err.Error()})
		return
	}
	if err != nil {
		g.logger.Error("client registration failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, oauthErrorBody{Error: "server_error"})
		return
	}

	c := reg.Client
	grantTypes := []string{grantAuthorizationCode}
	if g.config.Tokens.IssueRefresh() {
		grantTypes = append(grantTypes, grantRefreshToken)
	}
	resp := RegistrationResponse{
		ClientID:                c.ID,
		ClientSecret:            reg.Secret,
		ClientIDIssuedAt:        c.CreatedAt.Unix(),
		ClientName:              c.Name,
		RedirectURIs:            c.RedirectURIs,
		TokenEndpointAuthMethod: c.AuthMethod,
		GrantTypes:              grantTypes,
		ResponseTypes:           []string{oauth.ResponseTypeCode},
	}
	if reg.Secret != "" {
		var never int64
		resp.ClientSecretExpiresAt = &never
	}
	writeJSON(w, http.StatusCreated, resp)
}

// writeOAuthError answers a token, revoke or register request with a JSON error.
func (g *Gateway) writeOAuthError(w http.ResponseWriter, err error, basic bool) {
	var oe *oauth.Error
	if !errors.As(err, &oe) {
		oe = &oauth.Error{Kind: oauth.KindServerError, Err: err}
	}
	desc := oe.Description
	if oe.Kind == oauth.KindServerError {
		g.logger.Error("credential endpoint failure", "error", err)
		desc = "internal error"
	}
	if oe.Kind == oauth.KindInvalidClient && basic {
		w.Header().Set("WWW-Authenticate", `Basic realm="tollgate"`)
	}
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, oe.Kind.HTTPStatus(), oauthErrorBody{Error: oe.Kind.Code(), ErrorDescription: desc})
}
