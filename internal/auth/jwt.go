// Package auth resolves the credential presented on a connection handshake
// into a user id.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAuthenticationFailed is returned when a credential is missing or does
// not resolve to a user.
var ErrAuthenticationFailed = errors.New("authentication failed")

// DefaultIssuer is stamped into generated tokens when no issuer is configured.
const DefaultIssuer = "chatrelay"

// Authenticator resolves a handshake credential into a user id.
type Authenticator interface {
	Resolve(ctx context.Context, credential string) (string, error)
}

// Claims are the JWT claims accepted by JWTAuthenticator. The user id is
// carried in UserID, falling back to the registered subject.
type Claims struct {
	UserID string `json:"userId,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator verifies HS256 tokens signed with a shared secret.
type JWTAuthenticator struct {
	secretKey []byte
	issuer    string
}

// NewJWTAuthenticator creates an authenticator for secret. An empty issuer
// accepts tokens from any issuer.
func NewJWTAuthenticator(secret, issuer string) *JWTAuthenticator {
	return &JWTAuthenticator{
		secretKey: []byte(secret),
		issuer:    issuer,
	}
}

// Generate signs a token for userID valid for ttl.
func (a *JWTAuthenticator) Generate(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	issuer := a.issuer
	if issuer == "" {
		issuer = DefaultIssuer
	}
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secretKey)
}

// Verify validates the token and returns its claims.
func (a *JWTAuthenticator) Verify(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return a.secretKey, nil
		},
		opts...,
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// Resolve implements Authenticator.
func (a *JWTAuthenticator) Resolve(_ context.Context, credential string) (string, error) {
	if credential == "" {
		return "", fmt.Errorf("%w: missing credential", ErrAuthenticationFailed)
	}
	claims, err := a.Verify(credential)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return "", fmt.Errorf("%w: token has no user", ErrAuthenticationFailed)
	}
	return userID, nil
}

// ExtractCredential finds the handshake credential on r. Browsers cannot set
// headers on WebSocket upgrades, so the token query parameter is checked
// first, then the Authorization bearer header and X-Auth-Token.
func ExtractCredential(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}

	const bearerPrefix = "Bearer "
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
	}

	return r.Header.Get("X-Auth-Token")
}
