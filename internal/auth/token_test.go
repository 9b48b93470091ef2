// ABOUTME: Unit tests for JWT token verification and generation
// ABOUTME: Tests valid tokens, roles, invalid tokens, and expired tokens

package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTVerifier_ValidToken(t *testing.T) {
	verifier := NewJWTVerifier([]byte("test-secret-key-for-jwt-signing"))

	token, err := verifier.Generate("phone-1", RoleNode, time.Hour)
	require.NoError(t, err)

	claims, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "phone-1", claims.Subject)
	assert.Equal(t, RoleNode, claims.Role)
}

func TestJWTVerifier_InvalidToken(t *testing.T) {
	verifier := NewJWTVerifier([]byte("test-secret-key-for-jwt-signing"))

	otherToken, err := NewJWTVerifier([]byte("different-secret")).Generate("someone", RoleOperator, time.Hour)
	require.NoError(t, err)

	foreignIssuer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": "someone-else",
		"sub": "x",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("test-secret-key-for-jwt-signing"))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty token", token: ""},
		{name: "garbage token", token: "not-a-jwt-token"},
		{name: "malformed JWT", token: "header.payload.signature"},
		{name: "wrong secret", token: otherToken},
		{name: "foreign issuer", token: foreignIssuer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(tt.token)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidToken), "got %v", err)
		})
	}
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	verifier := NewJWTVerifier([]byte("test-secret-key-for-jwt-signing"))

	token, err := verifier.Generate("phone-1", RoleNode, -time.Hour)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWTVerifier_GenerateRequiresSubject(t *testing.T) {
	verifier := NewJWTVerifier([]byte("secret"))
	_, err := verifier.Generate("", RoleNode, time.Hour)
	assert.ErrorIs(t, err, ErrMissingClaim)
}

func TestJWTVerifier_DefaultRole(t *testing.T) {
	secret := []byte("secret")
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": Issuer,
		"sub": "ops",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(secret)
	require.NoError(t, err)

	claims, err := NewJWTVerifier(secret).Verify(token)
	require.NoError(t, err)
	assert.Equal(t, RoleOperator, claims.Role)
}
