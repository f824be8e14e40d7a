package v1

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/csagent/internal/domain"
)

const principalKey = "principal"

// Authenticator verifies HS256 bearer tokens. The token subject becomes the principal.
// With an empty secret every request passes unauthenticated.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator creates an authenticator for secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Enabled reports whether tokens are required.
func (a *Authenticator) Enabled() bool {
	return len(a.secret) > 0
}

// Middleware rejects requests without a valid token when auth is enabled.
// Browsers cannot set headers on websocket upgrades, so the token may also come from ?token=.
func (a *Authenticator) Middleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !a.Enabled() {
			return next(c)
		}
		raw := strings.TrimPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer ")
		if raw == "" {
			raw = c.QueryParam("token")
		}
		if raw == "" {
			return unauthorized(c, "missing bearer token")
		}
		subject, err := a.Verify(raw)
		if err != nil {
			return unauthorized(c, err.Error())
		}
		c.Set(principalKey, subject)
		return next(c)
	}
}

// Verify parses a token and returns its subject.
func (a *Authenticator) Verify(raw string) (string, error) {
	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("invalid token: missing subject")
	}
	return claims.Subject, nil
}

// IssueToken signs a token for subject. It backs csagentctl and tests.
func IssueToken(secret, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  subject,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// Principal returns the authenticated subject, or "" when auth is disabled.
func Principal(c echo.Context) string {
	p, _ := c.Get(principalKey).(string)
	return p
}

func unauthorized(c echo.Context, message string) error {
	return c.JSON(http.StatusUnauthorized, domain.ErrorResponse{Error: message, Code: "unauthorized"})
}
