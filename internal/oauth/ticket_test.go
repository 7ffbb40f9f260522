// ABOUTME: Tests for consent ticket sealing and opening
// ABOUTME: Covers tampering, foreign keys, algorithm confusion and the expiry instant

package oauth

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sampleRequest = AuthorizationRequest{
	ClientID:     "c1",
	RedirectURI:  "https://app/cb",
	ResponseType: "code",
	Scopes:       []string{"read_data"},
	State:        "xyz",
}

func TestSealer_RoundTrip(t *testing.T) {
	clock := &testClock{now: baseTime}
	s, err := NewSealer(testKey, 10*time.Minute, clock.Now)
	require.NoError(t, err)

	ticket, flowID, err := s.Seal(sampleRequest)
	require.NoError(t, err)
	assert.NotEmpty(t, flowID)

	got, gotFlow, err := s.Open(ticket)
	require.NoError(t, err)
	assert.True(t, got.Equal(sampleRequest))
	assert.Equal(t, flowID, gotFlow)
}

func TestSealer_FlowIDsAreUnique(t *testing.T) {
	s, err := NewSealer(testKey, time.Minute, nil)
	require.NoError(t, err)

	_, a, err := s.Seal(sampleRequest)
	require.NoError(t, err)
	_, b, err := s.Seal(sampleRequest)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSealer_RejectsModifiedPayload(t *testing.T) {
	s, err := NewSealer(testKey, 10*time.Minute, nil)
	require.NoError(t, err)
	ticket, _, err := s.Seal(sampleRequest)
	require.NoError(t, err)

	parts := strings.Split(ticket, ".")
	require.Len(t, parts, 3)
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	forged := strings.Replace(string(payload), "https://app/cb", "https://evil/cb", 1)
	require.NotEqual(t, string(payload), forged)
	parts[1] = base64.RawURLEncoding.EncodeToString([]byte(forged))

	_, _, err = s.Open(strings.Join(parts, "."))
	requireKind(t, err, KindTamperedRequest)
}

func TestSealer_RejectsForeignKey(t *testing.T) {
	ours, err := NewSealer(testKey, time.Minute, nil)
	require.NoError(t, err)
	theirs, err := NewSealer([]byte("ffffffffffffffffffffffffffffffff"), time.Minute, nil)
	require.NoError(t, err)

	ticket, _, err := theirs.Seal(sampleRequest)
	require.NoError(t, err)
	_, _, err = ours.Open(ticket)
	requireKind(t, err, KindTamperedRequest)
}

func TestSealer_RejectsUnsignedTicket(t *testing.T) {
	s, err := NewSealer(testKey, time.Minute, nil)
	require.NoError(t, err)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"cid": "c1",
		"iss": ticketIssuer,
		"jti": "flow",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, _, err = s.Open(unsigned)
	requireKind(t, err, KindTamperedRequest)
}

func TestSealer_RejectsGarbage(t *testing.T) {
	s, err := NewSealer(testKey, time.Minute, nil)
	require.NoError(t, err)

	for _, ticket := range []string{"", "not-a-ticket", "a.b.c"} {
		_, _, err := s.Open(ticket)
		requireKind(t, err, KindTamperedRequest)
	}
}

func TestSealer_ExpiryBoundary(t *testing.T) {
	clock := &testClock{now: baseTime}
	s, err := NewSealer(testKey, 10*time.Minute, clock.Now)
	require.NoError(t, err)
	ticket, _, err := s.Seal(sampleRequest)
	require.NoError(t, err)

	clock.Set(baseTime.Add(10*time.Minute - time.Nanosecond))
	_, _, err = s.Open(ticket)
	require.NoError(t, err)

	clock.Set(baseTime.Add(10 * time.Minute))
	_, _, err = s.Open(ticket)
	oe := requireKind(t, err, KindInvalidRequest)
	assert.False(t, oe.Redirectable)
}

func TestNewSealer_Validation(t *testing.T) {
	_, err := NewSealer([]byte("short"), time.Minute, nil)
	assert.Error(t, err)
	_, err = NewSealer(testKey, 0, nil)
	assert.Error(t, err)
}
