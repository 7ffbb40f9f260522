// ABOUTME: Login collaborator contract: the Identity value and the Authenticator interface
// ABOUTME: Includes bcrypt-backed static users and a mock authenticator for development

package login

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned when a username/password pair does not match.
var ErrInvalidCredentials = errors.New("invalid username or password")

// dummyHash is compared against when the username is unknown, so lookups for
// missing users take as long as lookups for real ones.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// Identity is what the login collaborator tells the authorization core about
// the person at the browser.
type Identity struct {
	UserID        string
	Authenticated bool
}

// Anonymous is the identity of a visitor who has not logged in.
func Anonymous() Identity {
	return Identity{}
}

// Authenticator supplies identities to the consent flow.
type Authenticator interface {
	// Identify returns the identity already established for the request, or
	// Anonymous if there is none.
	Identify(r *http.Request) Identity
	// Authenticate checks credentials submitted with the consent form.
	Authenticate(ctx context.Context, username, password string) (Identity, error)
}

// User is a statically configured account.
type User struct {
	Username     string
	UserID       string
	PasswordHash string
}

// StaticAuthenticator authenticates against a fixed list of bcrypt-hashed users.
// It keeps no login state, so Identify always returns Anonymous and every
// consent submission carries credentials.
type StaticAuthenticator struct {
	users map[string]User
}

var _ Authenticator = (*StaticAuthenticator)(nil)

// NewStaticAuthenticator builds an authenticator from users. A user without a
// UserID is identified by its username.
func NewStaticAuthenticator(users []User) (*StaticAuthenticator, error) {
	byName := make(map[string]User, len(users))
	for _, u := range users {
		if u.Username == "" {
			return nil, errors.New("username is required")
		}
		if _, dup := byName[u.Username]; dup {
			return nil, fmt.Errorf("duplicate username %q", u.Username)
		}
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return nil, fmt.Errorf("user %q: invalid password hash: %w", u.Username, err)
		}
		if u.UserID == "" {
			u.UserID = u.Username
		}
		byName[u.Username] = u
	}
	return &StaticAuthenticator{users: byName}, nil
}

// Identify implements Authenticator.
func (a *StaticAuthenticator) Identify(*http.Request) Identity {
	return Anonymous()
}

// Authenticate implements Authenticator.
func (a *StaticAuthenticator) Authenticate(_ context.Context, username, password string) (Identity, error) {
	user, ok := a.users[username]
	if !ok {
		// Do a dummy bcrypt comparison to maintain constant timing
		_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
		return Anonymous(), ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return Anonymous(), ErrInvalidCredentials
	}
	return Identity{UserID: user.UserID, Authenticated: true}, nil
}

// MockAuthenticator treats every request as coming from one logged-in user.
// Development only.
type MockAuthenticator struct {
	UserID string
}

var _ Authenticator = MockAuthenticator{}

// Identify implements Authenticator.
func (m MockAuthenticator) Identify(*http.Request) Identity {
	return Identity{UserID: m.UserID, Authenticated: true}
}

// Authenticate implements Authenticator; credentials are ignored.
func (m MockAuthenticator) Authenticate(context.Context, string, string) (Identity, error) {
	return Identity{UserID: m.UserID, Authenticated: true}, nil
}

// HashPassword returns a bcrypt hash suitable for config files.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}
