package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scuffedchat/auth"
)

func signed(t *testing.T, subject string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	return token
}

func TestTokenAuth(t *testing.T) {
	a := &TokenAuth{
		APIToken:  "local-token",
		JWTSecret: "secret",
		Identity:  &auth.Identity{UserID: "user-self"},
		Logger:    zerolog.Nop(),
	}
	var seen *auth.Identity
	h := a.Auth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetUserFromContext(r)
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		name   string
		setup  func(r *http.Request)
		status int
	}{
		{"missing", func(r *http.Request) {}, http.StatusUnauthorized},
		{"api token header", func(r *http.Request) { r.Header.Set("Authorization", "Bearer local-token") }, http.StatusNoContent},
		{"api token query", func(r *http.Request) { r.URL.RawQuery = "token=local-token" }, http.StatusNoContent},
		{"session cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: "session", Value: "local-token"}) }, http.StatusNoContent},
		{"wrong token", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, http.StatusUnauthorized},
		{"own jwt", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+signed(t, "user-self")) }, http.StatusNoContent},
		{"foreign jwt", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+signed(t, "user-other")) }, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
			tc.setup(req)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)
			if tc.status == http.StatusNoContent {
				require.NotNil(t, seen)
				assert.Equal(t, "user-self", seen.UserID)
			}
		})
	}
}

func TestNewTokenAuth_RequiresIdentity(t *testing.T) {
	_, err := NewTokenAuth("local-token", "", nil, zerolog.Nop())
	assert.ErrorIs(t, err, ErrNoIdentity)

	_, err = NewTokenAuth("local-token", "", &auth.Identity{}, zerolog.Nop())
	assert.ErrorIs(t, err, ErrNoIdentity)

	a, err := NewTokenAuth("local-token", "", &auth.Identity{UserID: "user-self"}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "user-self", a.Identity.UserID)
}

func TestTokenAuth_WithoutIdentityNeverPassesNilUser(t *testing.T) {
	a := &TokenAuth{APIToken: "local-token", Logger: zerolog.Nop()}
	called := false
	h := a.Auth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Authorization", "Bearer local-token")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.False(t, called)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
