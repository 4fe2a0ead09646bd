// Package auth adapts the external authorization collaborator: bearer tokens
// whose claims carry the caller's identity, role, and consultation grant.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/curago/telemed/internal/core"
	"github.com/curago/telemed/internal/domain"
)

// Claims is the token payload the authorization service issues per visit.
type Claims struct {
	jwt.RegisteredClaims
	Role         string `json:"role"`
	Consultation string `json:"cid"`
}

type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Authorize validates the token signature and checks that its grant names
// the consultation being joined. Any failure maps to ErrUnauthorized; the
// caller never learns which check tripped.
func (v *Verifier) Authorize(_ context.Context, token string, id domain.ConsultationID) (core.AuthClaims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return core.AuthClaims{}, fmt.Errorf("%w: %w", core.ErrUnauthorized, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return core.AuthClaims{}, core.ErrUnauthorized
	}
	role, err := domain.ParseRole(claims.Role)
	if err != nil {
		return core.AuthClaims{}, fmt.Errorf("%w: %w", core.ErrUnauthorized, err)
	}
	if claims.Consultation != string(id) {
		return core.AuthClaims{}, fmt.Errorf("%w: token not granted for consultation", core.ErrUnauthorized)
	}
	return core.AuthClaims{
		Identity: domain.Identity(claims.Subject),
		Role:     role,
	}, nil
}

// Issue mints a token the way the authorization service does. Used by
// tooling and tests.
func (v *Verifier) Issue(identity domain.Identity, role domain.Role, id domain.ConsultationID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(identity),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role:         string(role),
		Consultation: string(id),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
