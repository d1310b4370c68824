package middleware // declare the middleware package; contains reusable HTTP middleware functions

import (
	"fmt"
	"net/http" // HTTP status codes for responses
	"strings"  // string utilities for prefix checking and trimming

	"github.com/golang-jwt/jwt/v5" // JWT library for parsing and validating tokens
	"github.com/labstack/echo/v4"  // Echo framework used for defining middleware and handlers
)

// Context keys set by the JWT middleware.
const (
	ctxUserID = "user_id"
	ctxRole   = "role"
)

// JWTAuth returns an Echo middleware that requires a valid Bearer access
// token and injects the token's subject and role claims into the request
// context under "user_id" and "role".
func JWTAuth(secret string) echo.MiddlewareFunc {
	return jwtMiddleware(secret, true)
}

// OptionalJWT is like JWTAuth but lets requests without an Authorization
// header through as guests.  A header that is present but invalid is still
// rejected with 401, so a client never books anonymously by accident.
func OptionalJWT(secret string) echo.MiddlewareFunc {
	return jwtMiddleware(secret, false)
}

func jwtMiddleware(secret string, required bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			auth := c.Request().Header.Get("Authorization")
			if auth == "" && !required {
				return next(c)
			}
			if !strings.HasPrefix(auth, "Bearer ") {
				return unauthorized(c, "missing bearer token")
			}
			if secret == "" {
				// identity is not configured; no token can be verified
				return unauthorized(c, "authentication is not configured")
			}
			raw := strings.TrimPrefix(auth, "Bearer ")

			// Parse the token using HMAC and our secret.  Any other signing
			// method is rejected.
			tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, echo.ErrUnauthorized
				}
				return []byte(secret), nil
			})
			if err != nil || !tok.Valid {
				return unauthorized(c, "invalid token")
			}
			claims, ok := tok.Claims.(jwt.MapClaims)
			if !ok {
				return unauthorized(c, "invalid claims")
			}

			c.Set(ctxUserID, claimString(claims["sub"]))
			c.Set(ctxRole, claimString(claims["role"]))
			return next(c)
		}
	}
}

// claimString renders a claim as a string.  Numeric subjects decode as
// float64 and are printed without a fraction.
func claimString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return fmt.Sprintf("%.0f", t)
	default:
		return fmt.Sprint(t)
	}
}

func unauthorized(c echo.Context, msg string) error {
	return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized", "message": msg})
}
