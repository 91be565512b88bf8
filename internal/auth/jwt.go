// Package auth resolves bearer credentials into coordinator principals.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken indicates the token failed signature checks or had malformed structure.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken signals that the token's expiry is in the past.
	ErrExpiredToken = errors.New("token expired")
)

// Principal is the authenticated identity behind a session.
type Principal struct {
	UserID  int64
	Name    string
	IsAdmin bool
}

// Authenticator resolves a credential into a principal.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Principal, error)
}

// Claims is the token payload: numeric subject, display name and admin flag.
type Claims struct {
	Name  string `json:"name,omitempty"`
	Admin bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
	leeway time.Duration
}

// NewJWTVerifier constructs a verifier for the supplied shared secret and clock skew allowance.
func NewJWTVerifier(secret string, leeway time.Duration) (*JWTVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("jwt secret must not be empty")
	}
	if leeway < 0 {
		leeway = 0
	}
	return &JWTVerifier{secret: []byte(secret), now: time.Now, leeway: leeway}, nil
}

// WithClock overrides the verifier clock, enabling deterministic unit tests.
func (v *JWTVerifier) WithClock(clock func() time.Time) {
	if clock == nil {
		return
	}
	v.now = clock
}

// Authenticate parses the token, checks signature and expiry, and returns the principal.
func (v *JWTVerifier) Authenticate(_ context.Context, token string) (Principal, error) {
	if v == nil || len(v.secret) == 0 {
		return Principal{}, errors.New("verifier not initialised")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrInvalidToken
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return Principal{}, ErrExpiredToken
	case err != nil:
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	userID, err := strconv.ParseInt(strings.TrimSpace(claims.Subject), 10, 64)
	if err != nil || userID <= 0 {
		return Principal{}, fmt.Errorf("%w: subject must be a positive user id", ErrInvalidToken)
	}
	return Principal{UserID: userID, Name: claims.Name, IsAdmin: claims.Admin}, nil
}

// Issue signs a token for the principal. It is used by tooling and tests.
func (v *JWTVerifier) Issue(p Principal, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		Name:  p.Name,
		Admin: p.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(p.UserID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
