package testhelpers

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/require"
)

// GenerateRSAKey generates an RSA 2048-bit key for signing test tokens.
func GenerateRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err, "failed to generate private key")

	return key
}

// CreateIDToken signs an id token with the standard claims the client reads.
// The client never verifies the signature, so any key will do.
func CreateIDToken(t *testing.T, key *rsa.PrivateKey, issuer, subject string, expiry time.Time) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{"test-client"},
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(expiry),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "test-kid"

	signed, err := token.SignedString(key)
	require.NoError(t, err, "failed to sign id token")

	return signed
}
