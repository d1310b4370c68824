// Package repository holds the seat inventory: showtimes, their seat maps
// and the permanent bookings.  The sentinel errors below let the
// reservation service tell a missing showtime from a lost race without
// inspecting driver errors.
package repository

import (
	"errors"
	"strings"
)

// ErrShowtimeNotFound is returned when the showtime does not exist.
var ErrShowtimeNotFound = errors.New("showtime not found")

// ErrBookingNotFound is returned when no booking matches the lookup.
var ErrBookingNotFound = errors.New("booking not found")

// ErrDuplicatePayment is returned when a booking with the same payment
// reference already exists.  Callers should load and return that booking.
var ErrDuplicatePayment = errors.New("payment reference already used")

// ErrSeatsTaken is matched by *SeatsTakenError.
var ErrSeatsTaken = errors.New("seats already booked")

// SeatsTakenError lists the seats that prevented a booking from being
// written.  Nothing was written when it is returned.
type SeatsTakenError struct {
	Seats []string
}

func (e *SeatsTakenError) Error() string {
	return "seats already booked: " + strings.Join(e.Seats, ",")
}

// Is makes errors.Is(err, ErrSeatsTaken) succeed.
func (e *SeatsTakenError) Is(target error) bool { return target == ErrSeatsTaken }
