// ABOUTME: Error taxonomy for the authorization flow and protected resource access
// ABOUTME: Each Kind maps to an OAuth error code, an HTTP status and a delivery channel

package oauth

import (
	"errors"
	"net/http"
	"net/url"
)

// Kind classifies every failure the authorization core can produce.
type Kind int

// Error kinds. The first six are the core taxonomy; the rest refine
// InvalidRequest/InvalidGrant into the codes OAuth clients expect on the wire.
const (
	KindInvalidRequest Kind = iota + 1
	KindAccessDenied
	KindTamperedRequest
	KindInvalidGrant
	KindInvalidToken
	KindToolError
	KindInvalidClient
	KindInvalidScope
	KindUnsupportedGrantType
	KindUnsupportedResponseType
	KindServerError
)

var kindNames = map[Kind]string{
	KindInvalidRequest:          "InvalidRequest",
	KindAccessDenied:            "AccessDenied",
	KindTamperedRequest:         "TamperedRequest",
	KindInvalidGrant:            "InvalidGrant",
	KindInvalidToken:            "InvalidToken",
	KindToolError:               "ToolError",
	KindInvalidClient:           "InvalidClient",
	KindInvalidScope:            "InvalidScope",
	KindUnsupportedGrantType:    "UnsupportedGrantType",
	KindUnsupportedResponseType: "UnsupportedResponseType",
	KindServerError:             "ServerError",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// Code returns the OAuth error code sent to clients.
func (k Kind) Code() string {
	switch k {
	case KindAccessDenied:
		return "access_denied"
	case KindInvalidGrant:
		return "invalid_grant"
	case KindInvalidToken:
		return "invalid_token"
	case KindToolError:
		return "tool_error"
	case KindInvalidClient:
		return "invalid_client"
	case KindInvalidScope:
		return "invalid_scope"
	case KindUnsupportedGrantType:
		return "unsupported_grant_type"
	case KindUnsupportedResponseType:
		return "unsupported_response_type"
	case KindServerError:
		return "server_error"
	default:
		// TamperedRequest is reported to the user agent as a plain bad request
		return "invalid_request"
	}
}

// HTTPStatus returns the status code used when the error is answered directly.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidToken, KindInvalidClient:
		return http.StatusUnauthorized
	case KindAccessDenied:
		return http.StatusForbidden
	case KindServerError, KindToolError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// Error is the error type returned by the parser, coordinator and token service.
type Error struct {
	Kind        Kind
	Description string
	// Redirectable is set once the client and redirect URI have been verified.
	// Only then may the error be delivered by redirecting the user agent.
	Redirectable bool
	RedirectURI  string
	State        string
	Err          error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// RedirectLocation returns the client redirect carrying this error, or "" if
// the error must not be redirected.
func (e *Error) RedirectLocation() string {
	if !e.Redirectable || e.RedirectURI == "" {
		return ""
	}
	params := url.Values{}
	params.Set("error", e.Kind.Code())
	if e.Description != "" {
		params.Set("error_description", e.Description)
	}
	if e.State != "" {
		params.Set("state", e.State)
	}
	return appendQuery(e.RedirectURI, params)
}

// KindOf extracts the Kind from err, or 0 if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func newError(kind Kind, description string) *Error {
	return &Error{Kind: kind, Description: description}
}

func wrapError(kind Kind, description string, err error) *Error {
	return &Error{Kind: kind, Description: description, Err: err}
}

// redirectError builds an error that may be delivered to a verified redirect URI.
func redirectError(kind Kind, description string, req *AuthorizationRequest) *Error {
	return &Error{
		Kind:         kind,
		Description:  description,
		Redirectable: true,
		RedirectURI:  req.RedirectURI,
		State:        req.State,
	}
}

// appendQuery adds params to uri, keeping any query the client registered.
func appendQuery(uri string, params url.Values) string {
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
