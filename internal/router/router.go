package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/cineverse-seat-lock/internal/handler"
	"github.com/iliyamo/cineverse-seat-lock/internal/middleware"
)

// RegisterRoutes registers the health checks.  rdb may be nil when the
// service runs without Redis.
func RegisterRoutes(e *echo.Echo, rdb redis.UniversalClient) {
	e.GET("/healthz", handler.Health)
	e.GET("/healthz/redis", handler.RedisHealth(rdb))
}

// RegisterPublic registers the read-only showtime routes and the seat
// stream.  Catalog details go through the response cache; seat maps never
// do, since they change with every lock.
func RegisterPublic(e *echo.Echo, s *handler.ShowtimeHandler, rt *handler.RealtimeHandler, cache echo.MiddlewareFunc) {
	g := e.Group("/v1/showtimes")
	g.GET("/:id", s.Get, cache)
	g.GET("/:id/seats", s.SeatMap)
	g.GET("/:id/seats/ws", rt.Subscribe)
}

// RegisterLocks registers the lock routes.  Identity is optional; only the
// lock listing requires the ADMIN role.  Acquiring is rate limited.
func RegisterLocks(e *echo.Echo, h *handler.LockHandler, jwtSecret string, limit echo.MiddlewareFunc) {
	g := e.Group("/v1/showtimes/:id/locks", middleware.OptionalJWT(jwtSecret))
	g.POST("", h.Lock, limit)
	g.POST("/extend", h.Extend)
	g.POST("/release", h.Release)
	g.POST("/validate", h.Validate)
	g.DELETE("/:lock_id", h.ReleaseByID)
	g.GET("", h.List, middleware.RequireRole("ADMIN"))
}

// RegisterBookings registers the commit and booking lookup routes.  A valid
// bearer token attaches the user to the booking.
func RegisterBookings(e *echo.Echo, h *handler.BookingHandler, jwtSecret string) {
	e.POST("/v1/showtimes/:id/bookings", h.Commit, middleware.OptionalJWT(jwtSecret))
	e.GET("/v1/bookings/:id", h.Get)
}
