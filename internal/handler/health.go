package handler // declare the package name; contains HTTP handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

// Health is a simple health-check endpoint used by load balancers and
// monitoring systems to verify that the service is running.
func Health(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// RedisHealth reports the round trip of a Redis PING.  A nil client means
// the service runs without Redis and answers 503.
func RedisHealth(rdb redis.UniversalClient) echo.HandlerFunc {
	return func(c echo.Context) error {
		if rdb == nil {
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "disabled"})
		}
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		start := time.Now()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "down", "error": err.Error()})
		}
		return c.JSON(http.StatusOK, echo.Map{
			"status":     "ok",
			"latency_ms": float64(time.Since(start).Microseconds()) / 1000,
		})
	}
}
