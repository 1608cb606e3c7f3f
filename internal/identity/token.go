// Package identity is the boundary to the external identity provider. The
// provider hands each user a signed bearer token; this package extracts the
// stable identity string from it at connection time. The core trusts the
// resulting value unvalidated beyond the signature check.
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoToken      = errors.New("identity: missing token")
	ErrInvalidToken = errors.New("identity: invalid token")
)

// Claims is the only supported token shape. Identity lives in the standard
// "sub" claim.
type Claims struct {
	jwt.RegisteredClaims
}

// Verifier checks bearer tokens issued by the identity provider.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("identity: signing secret is required")
	}
	return &Verifier{secret: []byte(secret)}, nil
}

// IdentityFromToken verifies tok (HS256) and returns its subject.
func (v *Verifier) IdentityFromToken(tok string) (string, error) {
	if tok == "" {
		return "", ErrNoToken
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// IssueToken mints a token for id. Exists for tests and for dev setups that
// run without a separate identity provider.
func (v *Verifier) IssueToken(id string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
