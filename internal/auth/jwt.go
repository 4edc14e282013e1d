package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"hallpass/internal/websocket"
)

// Claims identifies the actor behind a connection
type Claims struct {
	Identity string `json:"identity"`
	jwt.RegisteredClaims
}

// NewAccessToken signs an HS256 token for identity
func NewAccessToken(secret, issuer string, ttl time.Duration, identity string) (string, error) {
	if secret == "" {
		return "", errors.New("token secret cannot be empty")
	}
	now := time.Now().UTC()
	claims := Claims{
		Identity: identity,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseToken verifies tokenString and returns its claims
func ParseToken(secret, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Identity == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// TokenAuthenticator implements websocket.Authenticator with bearer tokens
// taken from the Authorization header or the token query parameter
type TokenAuthenticator struct {
	secret string
	issuer string
}

// NewTokenAuthenticator creates an authenticator that accepts tokens from issuer
func NewTokenAuthenticator(secret, issuer string) *TokenAuthenticator {
	return &TokenAuthenticator{secret: secret, issuer: issuer}
}

var _ websocket.Authenticator = (*TokenAuthenticator)(nil)

// Authenticate returns the identity carried by the request token
func (a *TokenAuthenticator) Authenticate(r *http.Request) (string, error) {
	token := BearerToken(r)
	if token == "" {
		return "", websocket.ErrMissingCredentials
	}
	claims, err := ParseToken(a.secret, token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", websocket.ErrInvalidCredentials, err)
	}
	if a.issuer != "" && claims.Issuer != a.issuer {
		return "", fmt.Errorf("%w: unexpected issuer %q", websocket.ErrInvalidCredentials, claims.Issuer)
	}
	return claims.Identity, nil
}

// BearerToken extracts the token from the Authorization header, falling back
// to the token query parameter used by browser websocket clients
func BearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}
