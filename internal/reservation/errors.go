package reservation

import (
	"errors"
	"strings"

	"github.com/iliyamo/cineverse-seat-lock/internal/locktable"
)

// Error kinds.  Every error returned by Service matches one of them with
// errors.Is.
var (
	ErrInvalidRequest      = errors.New("invalid request")
	ErrSeatUnavailable     = errors.New("seat unavailable")
	ErrLockExpired         = errors.New("lock expired")
	ErrLockNotOwned        = errors.New("lock not owned")
	ErrPaymentNotConfirmed = errors.New("payment not confirmed")
	ErrTransientStore      = errors.New("transient store error")
	ErrBookingNotFound     = errors.New("booking not found")

	// ErrShowtimeNotFound also matches ErrInvalidRequest.
	ErrShowtimeNotFound error = &refinedError{msg: "showtime not found", parent: ErrInvalidRequest}
)

type refinedError struct {
	msg    string
	parent error
}

func (e *refinedError) Error() string { return e.msg }

func (e *refinedError) Unwrap() error { return e.parent }

// SeatFailure names one seat and why it failed.
type SeatFailure struct {
	SeatID string           `json:"seat_id"`
	Reason locktable.Reason `json:"reason"`
}

// SeatError is a typed failure that lists the seats involved so clients
// can reconcile their selection.
type SeatError struct {
	Kind  error
	Seats []SeatFailure
	Cause error
}

func (e *SeatError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if len(e.Seats) > 0 {
		b.WriteString(": ")
		for i, s := range e.Seats {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(s.SeatID)
			b.WriteString(" (")
			b.WriteString(string(s.Reason))
			b.WriteString(")")
		}
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *SeatError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

func seatError(kind error, failures []SeatFailure, cause error) *SeatError {
	return &SeatError{Kind: kind, Seats: failures, Cause: cause}
}

func invalid(msg string) error {
	return &SeatError{Kind: ErrInvalidRequest, Cause: errors.New(msg)}
}

func transient(err error) error {
	return &SeatError{Kind: ErrTransientStore, Cause: err}
}

// SeatFailures extracts per-seat failures from err, if any.
func SeatFailures(err error) []SeatFailure {
	var se *SeatError
	if errors.As(err, &se) {
		return se.Seats
	}
	return nil
}

func failuresFrom(cs []locktable.Conflict) []SeatFailure {
	out := make([]SeatFailure, 0, len(cs))
	for _, c := range cs {
		out = append(out, SeatFailure{SeatID: c.SeatID, Reason: c.Reason})
	}
	return out
}
