// Package auth verifies session tokens on the read path.
package auth

import (
	stderrors "errors"

	"github.com/golang-jwt/jwt/v5"

	"github.com/syncbridge/syncbridge/internal/errors"
)

// Verifier checks a session token and returns the authenticated subject.
type Verifier interface {
	Verify(token string) (string, error)
}

// JWTVerifier validates HMAC-signed JWTs against a shared secret and an
// optional expected issuer.
type JWTVerifier struct {
	secret []byte
	issuer string
}

// NewJWTVerifier creates a verifier for HS256 tokens.
func NewJWTVerifier(secret, issuer string) *JWTVerifier {
	return &JWTVerifier{
		secret: []byte(secret),
		issuer: issuer,
	}
}

// Verify parses and validates the token, returning the subject claim.
// Expired tokens map to TokenExpired; every other failure, including a
// non-HMAC signing method, maps to InvalidToken.
func (v *JWTVerifier) Verify(tokenString string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if stderrors.Is(err, jwt.ErrTokenExpired) {
			return "", errors.Wrap(errors.ErrCategoryAuth, errors.CodeTokenExpired, "session token expired", err)
		}
		return "", errors.Wrap(errors.ErrCategoryAuth, errors.CodeInvalidToken, "session token rejected", err)
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", errors.NewAuthError(errors.CodeInvalidToken, "session token missing subject")
	}

	return claims.Subject, nil
}
