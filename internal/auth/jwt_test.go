package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newVerifier(t *testing.T, secret string, leeway time.Duration, now time.Time) *JWTVerifier {
	t.Helper()
	verifier, err := NewJWTVerifier(secret, leeway)
	if err != nil {
		t.Fatalf("NewJWTVerifier: %v", err)
	}
	verifier.WithClock(func() time.Time { return now })
	return verifier
}

func TestJWTVerifierValidToken(t *testing.T) {
	now := time.Unix(1700000000, 0)
	verifier := newVerifier(t, "secret", time.Second, now)
	token, err := verifier.Issue(Principal{UserID: 42, Name: "Dana", IsAdmin: true}, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	p, err := verifier.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("Authenticate returned error: %v", err)
	}
	if p.UserID != 42 || p.Name != "Dana" || !p.IsAdmin {
		t.Fatalf("unexpected principal %+v", p)
	}
}

func TestJWTVerifierRejectsExpiredToken(t *testing.T) {
	now := time.Unix(1700000000, 0)
	issuer := newVerifier(t, "secret", 0, now.Add(-time.Hour))
	token, err := issuer.Issue(Principal{UserID: 7}, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	verifier := newVerifier(t, "secret", 0, now)
	if _, err := verifier.Authenticate(context.Background(), token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestJWTVerifierHonoursLeeway(t *testing.T) {
	now := time.Unix(1700000000, 0)
	issuer := newVerifier(t, "secret", 0, now.Add(-61*time.Second))
	token, _ := issuer.Issue(Principal{UserID: 7}, time.Minute)
	verifier := newVerifier(t, "secret", 5*time.Second, now)
	if _, err := verifier.Authenticate(context.Background(), token); err != nil {
		t.Fatalf("token within leeway must pass, got %v", err)
	}
}

func TestJWTVerifierRejectsInvalidSignature(t *testing.T) {
	now := time.Unix(1700000000, 0)
	token, _ := newVerifier(t, "other-secret", 0, now).Issue(Principal{UserID: 7}, time.Minute)
	verifier := newVerifier(t, "secret", time.Second, now)
	if _, err := verifier.Authenticate(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestJWTVerifierRejectsMalformedClaims(t *testing.T) {
	now := time.Unix(1700000000, 0)
	verifier := newVerifier(t, "secret", 0, now)
	cases := map[string]jwt.Claims{
		"non-numeric subject": jwt.RegisteredClaims{Subject: "pilot-7", ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute))},
		"missing expiry":      jwt.RegisteredClaims{Subject: "7"},
	}
	for name, claims := range cases {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
		if err != nil {
			t.Fatalf("%s: sign: %v", name, err)
		}
		if _, err := verifier.Authenticate(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
	if _, err := verifier.Authenticate(context.Background(), "   "); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("blank token: expected ErrInvalidToken, got %v", err)
	}
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "7", ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute))}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if _, err := verifier.Authenticate(context.Background(), none); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("alg none: expected ErrInvalidToken, got %v", err)
	}
}

func TestNewJWTVerifierRequiresSecret(t *testing.T) {
	if _, err := NewJWTVerifier("  ", 0); err == nil {
		t.Fatal("expected an error for an empty secret")
	}
}
