package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifier_RoundTrip(t *testing.T) {
	v := NewVerifier("s3cret")
	tok, err := v.Sign(Identity{UserID: "u1", Username: "alice"}, time.Minute)
	require.NoError(t, err)

	id, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "u1", id.UserID)
	assert.Equal(t, "alice", id.Username)
}

func TestVerifier_Rejects(t *testing.T) {
	v := NewVerifier("s3cret")

	other, err := NewVerifier("other").Sign(Identity{UserID: "u1"}, time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(other)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := v.Sign(Identity{UserID: "u1"}, -time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	refresh, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		UserID: "u1", Type: "refresh",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))},
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)
	_, err = v.Verify(refresh)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = v.Verify("")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifier_SubjectFallback(t *testing.T) {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		Username:         "bob",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "42"},
	}).SignedString([]byte("k"))
	require.NoError(t, err)

	id, err := NewVerifier("k").Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "42", id.UserID)
	assert.Equal(t, "bob", id.Username)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/collab/ws", nil)
	r.Header.Set("Authorization", "bearer abc")
	assert.Equal(t, "abc", TokenFromRequest(r))

	r = httptest.NewRequest("GET", "/collab/ws?token=q1", nil)
	assert.Equal(t, "q1", TokenFromRequest(r))

	r = httptest.NewRequest("GET", "/collab/ws", nil)
	r.Header.Set("Sec-WebSocket-Protocol", "bearer, p1")
	assert.Equal(t, "p1", TokenFromRequest(r))

	r = httptest.NewRequest("GET", "/collab/ws", nil)
	r.Header.Set("Sec-WebSocket-Protocol", "json, bearer.p2")
	assert.Equal(t, "p2", TokenFromRequest(r))

	r = httptest.NewRequest("GET", "/collab/ws", nil)
	assert.Equal(t, "", TokenFromRequest(r))
}
