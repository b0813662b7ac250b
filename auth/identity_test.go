package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(t *testing.T, claims Claims, secret string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestParseAccessToken(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	token := sign(t, Claims{
		Email: "pat@example.com",
		Role:  "authenticated",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}, "secret")

	id, err := ParseAccessToken(token, "secret")
	require.NoError(t, err)
	assert.Equal(t, "user-123", id.CurrentUserID())
	assert.Equal(t, "pat@example.com", id.Email)
	assert.True(t, id.ExpiresAt.Equal(exp))
	assert.False(t, id.Expired(time.Now()))
	assert.True(t, id.Expired(exp.Add(time.Second)))
}

func TestParseAccessToken_Rejects(t *testing.T) {
	good := sign(t, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"}}, "secret")

	_, err := ParseAccessToken(good, "other-secret")
	assert.ErrorIs(t, err, ErrInvalidToken)

	noSubject := sign(t, Claims{Email: "x@example.com"}, "secret")
	_, err = ParseAccessToken(noSubject, "secret")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = ParseAccessToken("not-a-jwt", "")
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired := sign(t, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}}, "secret")
	_, err = ParseAccessToken(expired, "secret")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseAccessToken_Unverified(t *testing.T) {
	token := sign(t, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "user-9"}}, "whatever")

	id, err := ParseAccessToken(token, "")
	require.NoError(t, err)
	assert.Equal(t, "user-9", id.UserID)
}
