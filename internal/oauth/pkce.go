// ABOUTME: PKCE (RFC 7636) challenge validation and verifier checking
// ABOUTME: S256 is always accepted; plain only when explicitly allowed

package oauth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
)

// PKCE challenge methods.
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// Verifier and challenge length bounds from RFC 7636.
const (
	minVerifierLength = 43
	maxVerifierLength = 128
)

// normalizePKCEMethod treats an absent method as S256.
func normalizePKCEMethod(method string) string {
	if method == "" {
		return PKCEMethodS256
	}
	return method
}

// validateChallenge checks the challenge parameters of an authorization request.
func validateChallenge(challenge, method string, allowPlain bool) error {
	switch method {
	case PKCEMethodS256:
	case PKCEMethodPlain:
		if !allowPlain {
			return errors.New("code_challenge_method plain is not allowed")
		}
	default:
		return errors.New("unsupported code_challenge_method")
	}
	if len(challenge) < minVerifierLength || len(challenge) > maxVerifierLength {
		return errors.New("code_challenge must be 43 to 128 characters")
	}
	if !isUnreserved(challenge) {
		return errors.New("code_challenge contains invalid characters")
	}
	return nil
}

// VerifyCodeChallenge reports whether verifier matches the stored challenge.
func VerifyCodeChallenge(challenge, method, verifier string) bool {
	if len(verifier) < minVerifierLength || len(verifier) > maxVerifierLength || !isUnreserved(verifier) {
		return false
	}
	var computed string
	switch method {
	case PKCEMethodS256:
		computed = S256Challenge(verifier)
	case PKCEMethodPlain:
		computed = verifier
	default:
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// S256Challenge derives the S256 code challenge for a verifier.
func S256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// isUnreserved reports whether s only uses the RFC 3986 unreserved characters.
func isUnreserved(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-', c == '.', c == '_', c == '~':
		default:
			return false
		}
	}
	return true
}
