// Package queue defines message payloads exchanged over the message broker.
package queue

import (
	"time"

	"github.com/iliyamo/cineverse-seat-lock/internal/model"
)

// BookingConfirmedQueue is the default queue carrying committed bookings.
const BookingConfirmedQueue = "booking.confirmed"

// BookingConfirmedEvent is published when a lock is successfully committed.
// It contains enough information for downstream consumers to log, notify, or
// trigger analytics without querying the primary database.
type BookingConfirmedEvent struct {
	BookingID        string   `json:"booking_id"`
	ShowtimeID       string   `json:"showtime_id"`
	UserID           string   `json:"user_id,omitempty"`
	SeatIDs          []string `json:"seats"`
	TotalAmountCents int64    `json:"total_amount_cents"`
	PaymentRef       string   `json:"payment_ref,omitempty"`
	ConfirmedAt      string   `json:"confirmed_at"`
}

// EventFromBooking builds the message for a committed booking.
func EventFromBooking(b *model.Booking) BookingConfirmedEvent {
	return BookingConfirmedEvent{
		BookingID:        b.ID,
		ShowtimeID:       b.ShowtimeID,
		UserID:           b.UserID,
		SeatIDs:          append([]string(nil), b.SeatIDs...),
		TotalAmountCents: b.Amount,
		PaymentRef:       b.PaymentRef,
		ConfirmedAt:      b.CommittedAt.UTC().Format(time.RFC3339Nano),
	}
}
