package middleware

import "github.com/labstack/echo/v4"

// UserID returns the authenticated user id set by the JWT middleware, or ""
// for guests.
func UserID(c echo.Context) string {
	s, _ := c.Get(ctxUserID).(string)
	return s
}

// Role returns the role claim of the authenticated user, or "".
func Role(c echo.Context) string {
	s, _ := c.Get(ctxRole).(string)
	return s
}
