// Package auth validates API tokens and resolves the ledger identity every
// request acts as. The identity selects the wallet entry used to sign
// transactions, so it is fixed here and never taken from request bodies.
package auth

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

const identityKey = "ledger_identity"

// Claims are the token claims the gateway cares about. LedgerIdentity names
// the wallet entry; when absent the token subject is used.
type Claims struct {
	jwt.RegisteredClaims
	LedgerIdentity string   `json:"ledger_identity"`
	Roles          []string `json:"roles"`
}

// JWTConfig configures the token middleware.
type JWTConfig struct {
	Issuer     string
	Audience   string
	SigningKey []byte
}

// JWTMiddleware validates bearer tokens and stores the ledger identity on the
// request context.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			opts := []jwt.ParserOption{
				jwt.WithValidMethods([]string{"HS256"}),
			}
			if cfg.Issuer != "" {
				opts = append(opts, jwt.WithIssuer(cfg.Issuer))
			}
			if cfg.Audience != "" {
				opts = append(opts, jwt.WithAudience(cfg.Audience))
			}

			token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (interface{}, error) {
				return cfg.SigningKey, nil
			}, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			identity := claims.LedgerIdentity
			if identity == "" {
				identity = claims.Subject
			}
			if identity == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "token carries no identity")
			}
			c.Set(identityKey, identity)

			return next(c)
		}
	}
}

// DevAuthMiddleware is a permissive middleware for development. The identity
// comes from the X-Identity header, defaulting to "admin".
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			identity := c.Request().Header.Get("X-Identity")
			if identity == "" {
				identity = "admin"
			}
			c.Set(identityKey, identity)
			return next(c)
		}
	}
}

// IdentityFrom returns the ledger identity resolved for the request, or ""
// when the request never passed the auth middleware.
func IdentityFrom(c echo.Context) string {
	identity, _ := c.Get(identityKey).(string)
	return identity
}
