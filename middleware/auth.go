package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"scuffedchat/auth"
)

type contextKey string

const UserContextKey contextKey = "user"

// TokenAuth guards the local API. A request is let through when it carries
// the configured API token, or a Supabase access token for the account the
// server is running as.
type TokenAuth struct {
	APIToken  string
	JWTSecret string
	Identity  *auth.Identity
	Logger    zerolog.Logger
}

// ErrNoIdentity is returned when the middleware has no account to act as
var ErrNoIdentity = errors.New("token auth needs the identity of the running account")

// NewTokenAuth builds the middleware for identity
func NewTokenAuth(apiToken, jwtSecret string, identity *auth.Identity, logger zerolog.Logger) (*TokenAuth, error) {
	if identity == nil || identity.UserID == "" {
		return nil, ErrNoIdentity
	}
	return &TokenAuth{
		APIToken:  apiToken,
		JWTSecret: jwtSecret,
		Identity:  identity,
		Logger:    logger,
	}, nil
}

// Auth middleware checks the bearer token and adds the identity to context
func (a *TokenAuth) Auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.Identity == nil {
			a.Logger.Error().Err(ErrNoIdentity).Msg("Rejecting request")
			http.Error(w, `{"error": "Server has no account"}`, http.StatusServiceUnavailable)
			return
		}

		token := requestToken(r)
		if token == "" {
			http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
			return
		}

		if a.APIToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(a.APIToken)) == 1 {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), UserContextKey, a.Identity)))
			return
		}

		id, err := auth.ParseAccessToken(token, a.JWTSecret)
		if err != nil || a.JWTSecret == "" {
			a.Logger.Debug().Err(err).Str("path", r.URL.Path).Msg("Rejected token")
			http.Error(w, `{"error": "Invalid token"}`, http.StatusUnauthorized)
			return
		}
		if id.UserID != a.Identity.UserID {
			http.Error(w, `{"error": "Token belongs to another account"}`, http.StatusForbidden)
			return
		}

		ctx := context.WithValue(r.Context(), UserContextKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestToken reads a bearer header, the session cookie, or the token query
// parameter browsers use for websocket upgrades.
func requestToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
	}
	if cookie, err := r.Cookie("session"); err == nil {
		return cookie.Value
	}
	return r.URL.Query().Get("token")
}

// GetUserFromContext retrieves the identity from the request context
func GetUserFromContext(r *http.Request) *auth.Identity {
	user, ok := r.Context().Value(UserContextKey).(*auth.Identity)
	if !ok {
		return nil
	}
	return user
}
