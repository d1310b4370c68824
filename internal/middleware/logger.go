package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/cineverse-seat-lock/internal/telemetry"
)

// CtxError is where handlers stash an error they answered with a generic
// message, so the log line still carries the cause.
const CtxError = "error"

// RequestLogger logs one line per request.  The level follows the status
// class: 5xx is an error, 4xx a warning, anything else info.
func RequestLogger(log *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				// let echo render the error so the logged status is the real one
				c.Error(err)
			}

			req := c.Request()
			res := c.Response()
			fields := []zap.Field{
				zap.String("request_id", res.Header().Get(echo.HeaderXRequestID)),
				zap.Int("status", res.Status),
				zap.String("method", req.Method),
				zap.String("path", req.URL.Path),
				zap.String("route", c.Path()),
				zap.String("ip", c.RealIP()),
				zap.Duration("latency", time.Since(start)),
				zap.Int64("body_size", res.Size),
			}
			if tid := telemetry.TraceID(req.Context()); tid != "" {
				fields = append(fields, zap.String("trace_id", tid))
			}
			if err != nil {
				fields = append(fields, zap.Error(err))
			} else if cause, ok := c.Get(CtxError).(error); ok {
				fields = append(fields, zap.Error(cause))
			}

			switch status := res.Status; {
			case status >= 500:
				log.Error("Server error", fields...)
			case status >= 400:
				log.Warn("Client error", fields...)
			default:
				log.Info("Request completed", fields...)
			}
			return nil
		}
	}
}
