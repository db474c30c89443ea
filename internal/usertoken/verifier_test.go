package usertoken

import (
	"errors"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"qrforge/pkg/domain"
)

const secret = "verifier-test-secret"

func sign(t *testing.T, claims jwt.MapClaims, key string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func TestVerifyValidToken(t *testing.T) {
	v, err := NewVerifier(secret, "qrforge", "api", time.Minute)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	token := sign(t, jwt.MapClaims{
		"sub":  "u-1",
		"role": "admin",
		"iss":  "qrforge",
		"aud":  "api",
		"exp":  time.Now().Add(time.Hour).Unix(),
	}, secret)

	p, err := v.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.UserID != "u-1" || p.Role != domain.RoleAdmin {
		t.Fatalf("unexpected principal: %+v", p)
	}
}

func TestVerifyCoercesUnknownRoles(t *testing.T) {
	v, err := NewVerifier(secret, "", "", time.Minute)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	token := sign(t, jwt.MapClaims{
		"sub":  "u-1",
		"role": "superuser",
		"exp":  time.Now().Add(time.Hour).Unix(),
	}, secret)

	p, err := v.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.Role != domain.RoleUser {
		t.Fatalf("unknown roles must downgrade to user, got %q", p.Role)
	}
}

func TestVerifyRejections(t *testing.T) {
	v, err := NewVerifier(secret, "qrforge", "", time.Second)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	future := time.Now().Add(time.Hour).Unix()

	cases := []struct {
		name  string
		token string
	}{
		{"wrong key", sign(t, jwt.MapClaims{"sub": "u", "iss": "qrforge", "exp": future}, "other-key")},
		{"expired", sign(t, jwt.MapClaims{"sub": "u", "iss": "qrforge", "exp": time.Now().Add(-time.Hour).Unix()}, secret)},
		{"no expiry", sign(t, jwt.MapClaims{"sub": "u", "iss": "qrforge"}, secret)},
		{"wrong issuer", sign(t, jwt.MapClaims{"sub": "u", "iss": "someone-else", "exp": future}, secret)},
		{"missing subject", sign(t, jwt.MapClaims{"iss": "qrforge", "exp": future}, secret)},
		{"garbage", "not.a.token"},
	}
	for _, tc := range cases {
		if _, err := v.Verify(tc.token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("%s: expected ErrInvalidToken, got %v", tc.name, err)
		}
	}
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	if _, err := NewVerifier("  ", "", "", 0); err == nil {
		t.Fatal("blank secret must be rejected")
	}
}
