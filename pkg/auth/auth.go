// Package auth issues and verifies bearer tokens of the knitops API.
//
// Tokens are JWS signed with HS256. The subject of a token is the owner
// of projects deployed with it.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

var ErrInvalidToken = errors.New("invalid token")

const issuer = "knitops"

type Claims struct {
	jwt.RegisteredClaims
}

// Owner is the subject of the token.
func (c *Claims) Owner() string {
	return c.Subject
}

// Authority signs and verifies tokens with one shared secret.
type Authority struct {
	kid    string
	secret []byte
	now    func() time.Time
}

// New creates an Authority.
//
// # Args
//
// - kid: key id, put on the header of tokens.
//
// - secret: HMAC key. It should be 32 bytes or longer.
func New(kid string, secret []byte) (*Authority, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("secret is too short: %d bytes (want >= 32)", len(secret))
	}
	return &Authority{kid: kid, secret: secret, now: time.Now}, nil
}

// Issue returns a token for the subject.
//
// If ttl is 0 or negative, the token never expires.
func (a *Authority) Issue(subject string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", errors.New("subject is empty")
	}
	now := a.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   issuer,
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
			ID:       uuid.NewString(),
		},
	}
	if 0 < ttl {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims)
	tok.Header["kid"] = a.kid
	return tok.SignedString(a.secret)
}

// Verify checks the token, and returns its claims.
//
// # Returns
//
// - error: ErrInvalidToken joined with the cause, when the token is malformed,
// signed by other keys, or expired.
func (a *Authority) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(
		token, claims,
		func(t *jwt.Token) (any, error) {
			if kid, ok := t.Header["kid"].(string); ok && kid != a.kid {
				return nil, fmt.Errorf("unknown key: %s", kid)
			}
			return a.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}
	if !tok.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

const ownerKey = "knitops.owner"

// Middleware rejects requests without a valid bearer token,
// and keeps the owner of the token in the echo context.
func (a *Authority) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Request().Header.Get(echo.HeaderAuthorization)
			token, ok := strings.CutPrefix(h, "Bearer ")
			if !ok || token == "" {
				c.Response().Header().Set(echo.HeaderWWWAuthenticate, `Bearer realm="knitops"`)
				return echo.NewHTTPError(http.StatusUnauthorized, "bearer token is required")
			}
			claims, err := a.Verify(strings.TrimSpace(token))
			if err != nil {
				c.Response().Header().Set(echo.HeaderWWWAuthenticate, `Bearer realm="knitops", error="invalid_token"`)
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token").SetInternal(err)
			}
			c.Set(ownerKey, claims.Owner())
			return next(c)
		}
	}
}

// Owner returns the owner authenticated by Middleware. It is empty without authentication.
func Owner(c echo.Context) string {
	o, _ := c.Get(ownerKey).(string)
	return o
}
