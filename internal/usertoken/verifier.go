// Package usertoken validates the bearer tokens the auth layer issues.
// Issuance lives outside this service; only verification happens here.
package usertoken

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"qrforge/pkg/domain"
)

var ErrInvalidToken = errors.New("invalid token")

// Principal is the verified caller identity.
type Principal struct {
	UserID string
	Role   domain.UserRole
}

// Verifier checks HS256 tokens with issuer/audience claims.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
}

// NewVerifier builds a verifier. Secret is required; leeway defaults to 30s.
func NewVerifier(secret, issuer, audience string, leeway time.Duration) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("token secret required")
	}
	if leeway <= 0 {
		leeway = 30 * time.Second
	}
	return &Verifier{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		leeway:   leeway,
	}, nil
}

// Verify parses and validates a token and returns the caller principal.
func (v *Verifier) Verify(token string) (Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return Principal{}, ErrInvalidToken
	}

	sub, _ := claims["sub"].(string)
	if strings.TrimSpace(sub) == "" {
		return Principal{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	role, _ := claims["role"].(string)
	principal := Principal{UserID: sub, Role: domain.UserRole(role)}
	if principal.Role != domain.RoleAdmin {
		principal.Role = domain.RoleUser
	}
	return principal, nil
}
