// ABOUTME: Consent tickets: signed, expiring encodings of an authorization request
// ABOUTME: They carry the request through the consent UI so it cannot be altered undetected

package oauth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const ticketIssuer = "tollgate/consent"

// MinTicketKeyLength is the minimum HMAC key size for consent tickets.
const MinTicketKeyLength = 32

type ticketClaims struct {
	ClientID             string   `json:"cid"`
	RedirectURI          string   `json:"ruri"`
	RedirectURIDefaulted bool     `json:"rdef,omitempty"`
	ResponseType         string   `json:"rt"`
	Scopes               []string `json:"scp"`
	State                string   `json:"st,omitempty"`
	CodeChallenge        string   `json:"cc,omitempty"`
	CodeChallengeMethod  string   `json:"ccm,omitempty"`
	jwt.RegisteredClaims
}

// Sealer signs and opens consent tickets.
type Sealer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewSealer creates a Sealer. now may be nil.
func NewSealer(key []byte, ttl time.Duration, now func() time.Time) (*Sealer, error) {
	if len(key) < MinTicketKeyLength {
		return nil, fmt.Errorf("ticket key must be at least %d bytes", MinTicketKeyLength)
	}
	if ttl <= 0 {
		return nil, errors.New("ticket ttl must be positive")
	}
	if now == nil {
		now = time.Now
	}
	return &Sealer{key: key, ttl: ttl, now: now}, nil
}

// Seal encodes req into a ticket and returns it with the flow ID it carries.
func (s *Sealer) Seal(req AuthorizationRequest) (string, string, error) {
	now := s.now()
	flowID := uuid.New().String()
	claims := ticketClaims{
		ClientID:             req.ClientID,
		RedirectURI:          req.RedirectURI,
		RedirectURIDefaulted: req.RedirectURIDefaulted,
		ResponseType:         req.ResponseType,
		Scopes:               req.Scopes,
		State:                req.State,
		CodeChallenge:        req.CodeChallenge,
		CodeChallengeMethod:  req.CodeChallengeMethod,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        flowID,
			Issuer:    ticketIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", "", fmt.Errorf("signing ticket: %w", err)
	}
	return signed, flowID, nil
}

// Open verifies a ticket and returns the request and flow ID inside it.
// A ticket that was altered or signed with another key is a TamperedRequest;
// an expired one is an InvalidRequest.
func (s *Sealer) Open(ticket string) (*AuthorizationRequest, string, error) {
	if ticket == "" {
		return nil, "", newError(KindTamperedRequest, "consent ticket missing")
	}
	var claims ticketClaims
	_, err := jwt.ParseWithClaims(ticket, &claims,
		func(*jwt.Token) (any, error) { return s.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(ticketIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, "", wrapError(KindInvalidRequest, "consent request expired, start again", err)
	case err != nil:
		return nil, "", wrapError(KindTamperedRequest, "consent ticket failed verification", err)
	case claims.ID == "":
		return nil, "", newError(KindTamperedRequest, "consent ticket has no flow id")
	}
	return &AuthorizationRequest{
		ClientID:             claims.ClientID,
		RedirectURI:          claims.RedirectURI,
		RedirectURIDefaulted: claims.RedirectURIDefaulted,
		ResponseType:         claims.ResponseType,
		Scopes:               claims.Scopes,
		State:                claims.State,
		CodeChallenge:        claims.CodeChallenge,
		CodeChallengeMethod:  claims.CodeChallengeMethod,
	}, claims.ID, nil
}
