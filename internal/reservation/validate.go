package reservation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/cineverse-seat-lock/internal/locktable"
	"github.com/iliyamo/cineverse-seat-lock/internal/model"
)

// ValidateRequest names the seats an owner is about to pay for.
type ValidateRequest struct {
	ShowtimeID string
	OwnerToken string
	SeatIDs    []string
}

// LockValidation tells a client whether its seats are still held.  LockID
// and ExpiresAt describe the owner's lock when every seat is covered.
type LockValidation struct {
	Valid        bool          `json:"valid"`
	InvalidSeats []SeatFailure `json:"invalid_seats"`
	Reason       string        `json:"reason,omitempty"`
	LockID       string        `json:"lock_id,omitempty"`
	ExpiresAt    *time.Time    `json:"expires_at,omitempty"`
}

const reasonSeatsNotHeld = "seats are no longer locked by this owner"

// ValidateLocks checks, without touching the locks, that the owner holds
// every seat.  It is meant to run before the client starts a payment; the
// commit still re-checks under the pin.
func (s *Service) ValidateLocks(ctx context.Context, req ValidateRequest) (*LockValidation, error) {
	seatIDs := normalize(req.SeatIDs)
	if req.ShowtimeID == "" || req.OwnerToken == "" {
		return nil, invalid("showtime and owner token are required")
	}
	if len(seatIDs) == 0 {
		return nil, invalid("at least one seat is required")
	}
	seats, err := s.seatIndex(ctx, req.ShowtimeID)
	if err != nil {
		return nil, err
	}
	if unknown := unknownSeats(seats, seatIDs); len(unknown) > 0 {
		return nil, seatError(ErrInvalidRequest, unknown, nil)
	}
	locks, err := s.locks.Snapshot(ctx, req.ShowtimeID)
	if err != nil {
		return nil, transient(err)
	}

	var own *model.Lock
	lockedBy := make(map[string]string)
	for i := range locks {
		l := &locks[i]
		if l.OwnerToken == req.OwnerToken {
			own = l
		}
		for _, id := range l.SeatIDs {
			lockedBy[id] = l.OwnerToken
		}
	}

	res := &LockValidation{InvalidSeats: []SeatFailure{}}
	for _, id := range seatIDs {
		owner, locked := lockedBy[id]
		switch {
		case seats[id].Status == model.SeatBooked:
			res.InvalidSeats = append(res.InvalidSeats, SeatFailure{SeatID: id, Reason: locktable.ReasonBooked})
		case !locked:
			res.InvalidSeats = append(res.InvalidSeats, SeatFailure{SeatID: id, Reason: locktable.ReasonNotLocked})
		case owner != req.OwnerToken:
			res.InvalidSeats = append(res.InvalidSeats, SeatFailure{SeatID: id, Reason: locktable.ReasonLockedByOther})
		}
	}
	if len(res.InvalidSeats) > 0 {
		res.Reason = reasonSeatsNotHeld
		s.log.Debug("lock validation failed",
			zap.String("showtime_id", req.ShowtimeID),
			zap.Int("invalid", len(res.InvalidSeats)))
		return res, nil
	}
	res.Valid = true
	res.LockID = own.ID
	exp := own.ExpiresAt
	res.ExpiresAt = &exp
	return res, nil
}
