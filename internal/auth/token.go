// Package auth issues and verifies the tenant bearer tokens accepted by the entity server.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/fieldsync/internal/errs"
)

// Leeway tolerated on exp/nbf between devices and the server.
const Leeway = 30 * time.Second

// Claims is the JWT body: the standard claims plus the tenant the bearer may act for.
type Claims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// Issue signs an HS256 token for tenantID valid for ttl from now.
func Issue(key []byte, tenantID string, ttl time.Duration, now time.Time) (string, error) {
	if len(key) == 0 {
		return "", errors.New("empty signing key")
	}
	if tenantID == "" {
		return "", fmt.Errorf("%w: empty tenant", errs.ErrValidation)
	}
	claims := Claims{
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tenantID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

// Parse verifies an HS256 token and returns its claims. Every failure wraps
// errs.ErrUnauthorized.
func Parse(key []byte, token string) (Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return key, nil
	}, jwt.WithLeeway(Leeway))
	if err != nil || !parsed.Valid {
		return Claims{}, fmt.Errorf("%w: invalid token", errs.ErrUnauthorized)
	}
	if claims.TenantID == "" {
		return Claims{}, fmt.Errorf("%w: token has no tenant", errs.ErrUnauthorized)
	}
	return claims, nil
}
