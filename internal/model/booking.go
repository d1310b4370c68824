package model

import "time"

// Booking is the permanent record created when a lock is committed.
// It is never modified after creation.
//
// Fields:
//
//	ID          – booking identifier (UUID).
//	ShowtimeID  – showtime the seats belong to.
//	SeatIDs     – booked seats.
//	Amount      – amount charged in minor units.
//	OwnerToken  – owner token that held the lock.
//	UserID      – authenticated user, empty for guests.
//	PaymentRef  – payment identifier from the payment collaborator.
//	CommittedAt – commit timestamp.
type Booking struct {
	ID          string    `json:"booking_id"`            // bookings.id
	ShowtimeID  string    `json:"showtime_id"`           // bookings.showtime_id
	SeatIDs     []string  `json:"seat_ids"`              // booking_seats.seat_id
	Amount      int64     `json:"amount"`                // bookings.amount_cents
	OwnerToken  string    `json:"owner_token"`           // bookings.owner_token
	UserID      string    `json:"user_id,omitempty"`     // bookings.user_id (nullable)
	PaymentRef  string    `json:"payment_ref,omitempty"` // bookings.payment_ref (nullable)
	CommittedAt time.Time `json:"committed_at"`          // bookings.committed_at
}
