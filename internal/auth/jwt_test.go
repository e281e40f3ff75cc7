package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestJWTAuthenticator_Resolve verifies valid tokens resolve to their user.
func TestJWTAuthenticator_Resolve(t *testing.T) {
	a := NewJWTAuthenticator("secret", "chatrelay")
	token, err := a.Generate("user-1", time.Hour)
	require.NoError(t, err)

	userID, err := a.Resolve(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)
}

// TestJWTAuthenticator_Rejects verifies bad credentials fail authentication.
func TestJWTAuthenticator_Rejects(t *testing.T) {
	a := NewJWTAuthenticator("secret", "chatrelay")
	other := NewJWTAuthenticator("other-secret", "chatrelay")
	wrongIssuer := NewJWTAuthenticator("secret", "someone-else")

	forged, err := other.Generate("user-1", time.Hour)
	require.NoError(t, err)
	expired, err := a.Generate("user-1", -time.Minute)
	require.NoError(t, err)
	foreign, err := wrongIssuer.Generate("user-1", time.Hour)
	require.NoError(t, err)

	noUser := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "chatrelay",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	anonymous, err := noUser.SignedString([]byte("secret"))
	require.NoError(t, err)

	tests := []struct {
		name       string
		credential string
	}{
		{"empty", ""},
		{"garbage", "not-a-token"},
		{"wrong secret", forged},
		{"expired", expired},
		{"wrong issuer", foreign},
		{"no user", anonymous},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Resolve(context.Background(), tt.credential)
			assert.ErrorIs(t, err, ErrAuthenticationFailed)
		})
	}
}

// TestJWTAuthenticator_SubjectFallback verifies the subject claim is used
// when userId is absent.
func TestJWTAuthenticator_SubjectFallback(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "42",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte("secret"))
	require.NoError(t, err)

	userID, err := NewJWTAuthenticator("secret", "").Resolve(context.Background(), signed)
	require.NoError(t, err)
	assert.Equal(t, "42", userID)
}

// TestExtractCredential verifies the lookup order of handshake credentials.
func TestExtractCredential(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		headers map[string]string
		want    string
	}{
		{"query", "/ws?token=q", map[string]string{"Authorization": "Bearer h"}, "q"},
		{"bearer", "/ws", map[string]string{"Authorization": "Bearer h"}, "h"},
		{"x-auth-token", "/ws", map[string]string{"X-Auth-Token": "x"}, "x"},
		{"basic is ignored", "/ws", map[string]string{"Authorization": "Basic abc"}, ""},
		{"none", "/ws", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.target, nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ExtractCredential(r))
		})
	}
}

// TestUserIDContext verifies the user id round trips through a context.
func TestUserIDContext(t *testing.T) {
	_, ok := UserIDFromContext(context.Background())
	assert.False(t, ok)

	userID, ok := UserIDFromContext(WithUserID(context.Background(), "u1"))
	assert.True(t, ok)
	assert.Equal(t, "u1", userID)
}
