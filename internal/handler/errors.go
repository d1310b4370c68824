package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/cineverse-seat-lock/internal/middleware"
	"github.com/iliyamo/cineverse-seat-lock/internal/reservation"
)

// retryAfterSeconds is sent with 503 responses for transient store errors.
const retryAfterSeconds = 1

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error   string                    `json:"error"`
	Message string                    `json:"message"`
	Seats   []reservation.SeatFailure `json:"seats,omitempty"`
}

// writeError maps a service error to its HTTP status and writes the body.
func writeError(c echo.Context, err error) error {
	status, code := classify(err)
	if status == http.StatusServiceUnavailable {
		c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	msg := err.Error()
	if status == http.StatusServiceUnavailable {
		// store internals stay in the logs
		msg = "temporarily unavailable, retry"
		c.Set(middleware.CtxError, err)
	}
	return c.JSON(status, errorBody{Error: code, Message: msg, Seats: reservation.SeatFailures(err)})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, reservation.ErrShowtimeNotFound):
		return http.StatusNotFound, "showtime_not_found"
	case errors.Is(err, reservation.ErrBookingNotFound):
		return http.StatusNotFound, "booking_not_found"
	case errors.Is(err, reservation.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, reservation.ErrSeatUnavailable):
		return http.StatusConflict, "seat_unavailable"
	case errors.Is(err, reservation.ErrLockExpired):
		return http.StatusGone, "lock_expired"
	case errors.Is(err, reservation.ErrLockNotOwned):
		return http.StatusForbidden, "lock_not_owned"
	case errors.Is(err, reservation.ErrPaymentNotConfirmed):
		return http.StatusPaymentRequired, "payment_not_confirmed"
	case errors.Is(err, reservation.ErrTransientStore):
		return http.StatusServiceUnavailable, "transient_store_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid_request", Message: msg})
}
