package model

import "time"

// LockStatus tracks a lock through its lifecycle.
type LockStatus string

const (
	LockActive    LockStatus = "active"
	LockExpired   LockStatus = "expired"
	LockReleased  LockStatus = "released"
	LockCommitted LockStatus = "committed"
)

// Lock is one owner's temporary claim over a set of seats within a
// showtime.  An owner holds at most one lock per showtime; acquiring
// more seats grows that lock and refreshes its expiry.
//
// Fields:
//
//	ID         – opaque lock identifier.
//	ShowtimeID – showtime the seats belong to.
//	OwnerToken – opaque client-supplied owner, not a user account.
//	SeatIDs    – seats currently covered by the lock.
//	CreatedAt  – when the lock was first granted.
//	ExpiresAt  – when the lock lapses unless extended.
//	Status     – active, expired, released or committed.
type Lock struct {
	ID         string     `json:"lock_id"`
	ShowtimeID string     `json:"showtime_id"`
	OwnerToken string     `json:"owner_token"`
	SeatIDs    []string   `json:"seat_ids"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	Status     LockStatus `json:"status"`
}

// TTL returns the time left before the lock expires, never negative.
func (l Lock) TTL(now time.Time) time.Duration {
	if d := l.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}
