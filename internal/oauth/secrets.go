// ABOUTME: Generation and hashing of opaque secrets (codes, tokens)
// ABOUTME: Secrets carry 256 bits of entropy; only their SHA-256 hashes are stored

package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// secretBytes is the entropy of generated codes and tokens.
const secretBytes = 32

// GenerateSecret returns a random URL-safe secret.
func GenerateSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashSecret returns the storage key for a secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// ShortID returns a log-safe prefix of a hashed secret.
func ShortID(hashed string) string {
	if len(hashed) > 12 {
		return hashed[:12]
	}
	return hashed
}
