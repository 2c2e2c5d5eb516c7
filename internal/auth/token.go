// Package auth verifies and mints the bearer credentials shared with the
// login service. Both transports go through Verifier so they reject the same
// tokens for the same reasons.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"socialchat/internal/model"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrExpiredToken = errors.New("token expired")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims mirrors the payload the login service signs.
type Claims struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks HMAC-signed tokens against a shared secret.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// NewVerifier builds a Verifier for secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), now: time.Now}
}

// Verify validates token and extracts the identity it carries. It has no side effects.
func (v *Verifier) Verify(token string) (model.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return model.Identity{}, ErrMissingToken
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithTimeFunc(v.now),
	)
	parsed, err := parser.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return model.Identity{}, fmt.Errorf("%w: %v", ErrMissingToken, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return model.Identity{}, ErrExpiredToken
	case err != nil:
		return model.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return model.Identity{}, ErrInvalidToken
	}
	return claims.identity()
}

// Peek reads the identity from token without checking its signature or
// expiry. Clients use it to recognise their own messages; servers must use
// Verify.
func Peek(token string) (model.Identity, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(token), claims); err != nil {
		return model.Identity{}, fmt.Errorf("%w: %v", ErrMissingToken, err)
	}
	return claims.identity()
}

func (claims *Claims) identity() (model.Identity, error) {
	id := strings.TrimSpace(claims.UserID)
	if id == "" {
		id = strings.TrimSpace(claims.Subject)
	}
	if id == "" {
		return model.Identity{}, fmt.Errorf("%w: no user id claim", ErrInvalidToken)
	}

	name := strings.TrimSpace(claims.Name)
	if name == "" {
		name = "User " + id
	}
	return model.Identity{ID: id, DisplayName: name}, nil
}

// Issuer mints tokens in the login service's format. The server never
// issues tokens itself; this exists for the CLI and for tests.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer builds an Issuer. A non-positive ttl produces tokens without expiry.
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs an HS256 token for identity.
func (i *Issuer) Issue(identity model.Identity) (string, error) {
	if strings.TrimSpace(identity.ID) == "" {
		return "", errors.New("user id required")
	}
	now := i.now()
	claims := Claims{
		UserID: identity.ID,
		Name:   identity.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  identity.ID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if i.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(i.ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" value.
func BearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if len(header) < len("bearer ") || !strings.EqualFold(header[:len("bearer ")], "bearer ") {
		return "", ErrMissingToken
	}
	token := strings.TrimSpace(header[len("bearer "):])
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}
