// Package auth resolves the signed-in account from a Supabase access token.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for tokens that fail parsing or validation
var ErrInvalidToken = errors.New("invalid access token")

// Claims are the GoTrue claims scuffedchat cares about
type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// Identity is the account behind an access token
type Identity struct {
	UserID    string
	Email     string
	Token     string
	ExpiresAt time.Time
}

// ParseAccessToken validates tokenString with the project's HMAC secret. With
// an empty secret the signature is not checked; the backend still verifies
// the token on every request it is sent with.
func ParseAccessToken(tokenString, secret string) (*Identity, error) {
	claims := &Claims{}
	var err error
	if secret == "" {
		_, _, err = jwt.NewParser().ParseUnverified(tokenString, claims)
	} else {
		_, err = jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(secret), nil
		})
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	id := &Identity{
		UserID: claims.Subject,
		Email:  claims.Email,
		Token:  tokenString,
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}

// CurrentUserID returns the id of the signed-in account
func (i *Identity) CurrentUserID() string {
	return i.UserID
}

// Expired reports whether the token is past its expiry at now
func (i *Identity) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && now.After(i.ExpiresAt)
}
