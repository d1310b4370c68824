package reservation

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iliyamo/cineverse-seat-lock/internal/locktable"
	"github.com/iliyamo/cineverse-seat-lock/internal/model"
	"github.com/iliyamo/cineverse-seat-lock/internal/repository"
)

// CommitRequest converts the owner's lock into a booking.
type CommitRequest struct {
	ShowtimeID string
	OwnerToken string
	SeatIDs    []string
	Amount     int64
	Payment    PaymentProof
	// UserID is attached when the caller is authenticated.
	UserID string
}

// CommitBooking books the seats if the owner holds a live lock over all of
// them and the payment is confirmed.  On any failure nothing is booked and
// the returned *SeatError says which seats failed and why.
//
// Resubmitting a confirmed commit with a payment id that already produced a
// booking for the same owner and seats returns that booking.
func (s *Service) CommitBooking(ctx context.Context, req CommitRequest) (*model.Booking, error) {
	seatIDs := normalize(req.SeatIDs)
	if req.ShowtimeID == "" || req.OwnerToken == "" {
		return nil, invalid("showtime and owner token are required")
	}
	if len(seatIDs) == 0 {
		return nil, invalid("at least one seat is required")
	}
	if req.Amount < 0 {
		return nil, invalid("amount must not be negative")
	}

	if err := checkPayment(req.Payment, req.Amount, s.verifier); err != nil {
		s.log.Info("commit refused: payment",
			zap.String("showtime_id", req.ShowtimeID),
			zap.String("payment_id", req.Payment.PaymentID),
			zap.Error(err))
		return nil, err
	}

	// Only the owner that produced the booking gets it back; anyone else
	// falls through to the booked check below.
	if ref := req.Payment.PaymentID; ref != "" {
		b, err := s.inv.BookingByPaymentRef(ctx, ref)
		switch {
		case err == nil && b.OwnerToken == req.OwnerToken:
			return s.replay(b, req.ShowtimeID, seatIDs)
		case err != nil && !errors.Is(err, repository.ErrBookingNotFound):
			return nil, transient(err)
		}
	}

	seats, err := s.seatIndex(ctx, req.ShowtimeID)
	if err != nil {
		return nil, err
	}
	if unknown := unknownSeats(seats, seatIDs); len(unknown) > 0 {
		return nil, seatError(ErrInvalidRequest, unknown, nil)
	}
	var booked []SeatFailure
	for _, id := range seatIDs {
		if seats[id].Status == model.SeatBooked {
			booked = append(booked, SeatFailure{SeatID: id, Reason: locktable.ReasonBooked})
		}
	}
	if len(booked) > 0 {
		return nil, seatError(ErrSeatUnavailable, booked, nil)
	}

	prep, err := s.locks.PrepareCommit(ctx, req.ShowtimeID, req.OwnerToken, seatIDs, s.policy.CommitHold)
	if err != nil {
		return nil, transient(err)
	}
	if len(prep.Failures) > 0 {
		return nil, prepareError(prep.Failures)
	}

	b := &model.Booking{
		ID:          uuid.NewString(),
		ShowtimeID:  req.ShowtimeID,
		SeatIDs:     seatIDs,
		Amount:      req.Amount,
		OwnerToken:  req.OwnerToken,
		UserID:      req.UserID,
		PaymentRef:  req.Payment.PaymentID,
		CommittedAt: s.now().UTC().Truncate(time.Millisecond),
	}
	if err := s.inv.CommitBooking(ctx, b); err != nil {
		s.abort(req.ShowtimeID, prep.LockID)
		if errors.Is(err, repository.ErrDuplicatePayment) {
			// a concurrent commit with the same payment won the race
			if prev, lerr := s.inv.BookingByPaymentRef(ctx, req.Payment.PaymentID); lerr == nil && prev.OwnerToken == req.OwnerToken {
				return s.replay(prev, req.ShowtimeID, seatIDs)
			}
			return nil, invalid("payment already used for another booking")
		}
		return nil, s.inventoryError(err, req.ShowtimeID)
	}

	mu, err := s.locks.CompleteCommit(ctx, req.ShowtimeID, prep.LockID, seatIDs)
	if err != nil {
		// The booking is durable; inventory wins over the lock table on the
		// next seat map read and the pinned lock lapses on its own.
		s.log.Error("complete commit failed",
			zap.String("showtime_id", req.ShowtimeID),
			zap.String("lock_id", prep.LockID),
			zap.Error(err))
		mu = locktable.Mutation{ShowtimeID: req.ShowtimeID}
		for _, id := range seatIDs {
			mu.Changes = append(mu.Changes, locktable.SeatChange{SeatID: id, Status: model.SeatBooked, Cause: locktable.CauseCommitted})
		}
	}
	s.publish(ctx, mu)

	s.log.Info("booking committed",
		zap.String("booking_id", b.ID),
		zap.String("showtime_id", b.ShowtimeID),
		zap.Strings("seats", b.SeatIDs),
		zap.Int64("amount", b.Amount))
	s.notify(b)
	return b, nil
}

// Booking loads a committed booking.
func (s *Service) Booking(ctx context.Context, id string) (*model.Booking, error) {
	b, err := s.inv.BookingByID(ctx, id)
	if errors.Is(err, repository.ErrBookingNotFound) {
		return nil, ErrBookingNotFound
	}
	if err != nil {
		return nil, transient(err)
	}
	return b, nil
}

// replay answers a resubmitted commit.  A payment id reused for other
// seats is refused.
func (s *Service) replay(b *model.Booking, showtimeID string, seatIDs []string) (*model.Booking, error) {
	if b.ShowtimeID == showtimeID && sameSeats(b.SeatIDs, seatIDs) {
		return b, nil
	}
	return nil, invalid("payment already used for another booking")
}

// prepareError picks the most specific kind: seats held by someone else or
// booked beat an expired lock, which beats a lock the caller never had.
func prepareError(failures []locktable.Conflict) error {
	kind := ErrLockNotOwned
	rank := 0
	for _, f := range failures {
		switch f.Reason {
		case locktable.ReasonBooked, locktable.ReasonLockedByOther:
			if rank < 3 {
				kind, rank = ErrSeatUnavailable, 3
			}
		case locktable.ReasonExpired:
			if rank < 2 {
				kind, rank = ErrLockExpired, 2
			}
		case locktable.ReasonNotLocked:
			if rank < 1 {
				kind, rank = ErrLockNotOwned, 1
			}
		}
	}
	if rank == 0 {
		// only commit_in_progress: another commit of this owner is running
		kind = ErrTransientStore
	}
	return seatError(kind, failuresFrom(failures), nil)
}

func (s *Service) inventoryError(err error, showtimeID string) error {
	var taken *repository.SeatsTakenError
	switch {
	case errors.As(err, &taken):
		failures := make([]SeatFailure, 0, len(taken.Seats))
		for _, id := range taken.Seats {
			failures = append(failures, SeatFailure{SeatID: id, Reason: locktable.ReasonBooked})
		}
		return seatError(ErrSeatUnavailable, failures, err)
	case errors.Is(err, repository.ErrShowtimeNotFound):
		return ErrShowtimeNotFound
	default:
		s.log.Warn("inventory commit failed", zap.String("showtime_id", showtimeID), zap.Error(err))
		return transient(err)
	}
}

// abort unpins the lock after a failed inventory write.  It must run even
// when the request context is already cancelled.
func (s *Service) abort(showtimeID, lockID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.locks.AbortCommit(ctx, showtimeID, lockID); err != nil {
		s.log.Warn("abort commit failed",
			zap.String("showtime_id", showtimeID),
			zap.String("lock_id", lockID),
			zap.Error(err))
	}
}

func (s *Service) notify(b *model.Booking) {
	if s.notifier == nil {
		return
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.notifier.BookingCommitted(ctx, b); err != nil {
			s.log.Warn("booking notification failed",
				zap.String("booking_id", b.ID), zap.Error(err))
		}
	}()
}

func sameSeats(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]string(nil), a...)
	y := append([]string(nil), b...)
	sort.Strings(x)
	sort.Strings(y)
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}
