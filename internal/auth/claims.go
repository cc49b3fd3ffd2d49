package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	josejwt "github.com/go-jose/go-jose/v4/jwt"
)

// IDTokenClaims are the id token claims used for diagnostics.
type IDTokenClaims struct {
	Subject string
	Issuer  string
	Expiry  time.Time
}

var idTokenAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.ES256, jose.ES384, jose.ES512,
}

// DecodeIDTokenClaims reads the claims of an id token without verifying its
// signature. The token came straight from the token endpoint over TLS and is
// only used for logging.
func DecodeIDTokenClaims(raw string) (IDTokenClaims, error) {
	if raw == "" {
		return IDTokenClaims{}, errors.New("no id token")
	}

	token, err := josejwt.ParseSigned(raw, idTokenAlgorithms)
	if err != nil {
		return IDTokenClaims{}, fmt.Errorf("id token parse failed: %w", err)
	}

	var claims josejwt.Claims
	if err := token.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return IDTokenClaims{}, fmt.Errorf("id token claims invalid: %w", err)
	}

	return IDTokenClaims{
		Subject: claims.Subject,
		Issuer:  claims.Issuer,
		Expiry:  claims.Expiry.Time(),
	}, nil
}
