// ABOUTME: Resource gate: bearer token middleware in front of the tool session endpoint
// ABOUTME: Rejected requests get a 401 with a WWW-Authenticate challenge naming the authorization server

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/tollgate/internal/oauth"
)

// TokenValidator checks bearer tokens.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*oauth.TokenInfo, error)
}

// GateConfig configures a Gate.
type GateConfig struct {
	Validator TokenValidator
	// Realm is reported in challenges.
	Realm string
	// ResourceMetadataURL is the protected resource metadata document (RFC 9728).
	ResourceMetadataURL string
	// AuthorizationURL is where clients start the authorization flow.
	AuthorizationURL string
	// OnInvalid is called when a presented token fails validation.
	OnInvalid func(r *http.Request, err error)
	Logger    *slog.Logger
}

// Gate admits requests that carry a valid access token.
type Gate struct {
	validator TokenValidator
	realm     string
	metadata  string
	authorize string
	onInvalid func(r *http.Request, err error)
	logger    *slog.Logger
}

// NewGate creates a Gate.
func NewGate(cfg GateConfig) *Gate {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	realm := cfg.Realm
	if realm == "" {
		realm = "tollgate"
	}
	return &Gate{
		validator: cfg.Validator,
		realm:     realm,
		metadata:  cfg.ResourceMetadataURL,
		authorize: cfg.AuthorizationURL,
		onInvalid: cfg.OnInvalid,
		logger:    logger.With("component", "gate"),
	}
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", "invalid authorization header format"
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// BearerToken returns the bearer token carried by r, or "" if there is none.
func BearerToken(r *http.Request) string {
	token, _ := extractBearerToken(r.Header.Get("Authorization"))
	return token
}

// Middleware wraps next so it only sees requests with a valid token. The
// validated identity is attached with WithAuth.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
		if errMsg != "" {
			g.reject(w, "", errMsg)
			return
		}

		info, err := g.validator.Validate(r.Context(), token)
		if err != nil {
			if oauth.KindOf(err) == oauth.KindServerError {
				g.logger.Error("token validation failed", "error", err)
				writeJSONError(w, http.StatusInternalServerError, "server_error", "token validation unavailable")
				return
			}
			g.logger.Debug("invalid token presented", "path", r.URL.Path, "error", err)
			if g.onInvalid != nil {
				g.onInvalid(r, err)
			}
			g.reject(w, "invalid_token", describe(err))
			return
		}

		authCtx := &AuthContext{
			UserID:    info.UserID,
			ClientID:  info.ClientID,
			TokenID:   info.TokenID,
			Scopes:    info.Scopes,
			ExpiresAt: info.ExpiresAt,
		}
		next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
	})
}

// Challenge builds the WWW-Authenticate value. errorCode is empty when the
// request carried no usable token.
func (g *Gate) Challenge(errorCode, description string) string {
	params := []string{fmt.Sprintf("realm=%q", g.realm)}
	if g.metadata != "" {
		params = append(params, fmt.Sprintf("resource_metadata=%q", g.metadata))
	}
	if g.authorize != "" {
		params = append(params, fmt.Sprintf("authorization_uri=%q", g.authorize))
	}
	if errorCode != "" {
		params = append(params, fmt.Sprintf("error=%q", errorCode))
		if description != "" {
			params = append(params, fmt.Sprintf("error_description=%q", description))
		}
	}
	return "Bearer " + strings.Join(params, ", ")
}

func (g *Gate) reject(w http.ResponseWriter, errorCode, description string) {
	w.Header().Set("WWW-Authenticate", g.Challenge(errorCode, description))
	code := errorCode
	if code == "" {
		code = "unauthorized"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":                  code,
		"error_description":      description,
		"authorization_endpoint": g.authorize,
	})
}

func writeJSONError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}

// describe returns the client-facing part of a validation error.
func describe(err error) string {
	var oe *oauth.Error
	if errors.As(err, &oe) && oe.Description != "" {
		return oe.Description
	}
	return "access token is invalid"
}
