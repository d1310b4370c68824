// Package locktable holds short-lived, owner-scoped seat locks.  Two
// implementations share the same semantics: Memory for a single process
// and Redis for a fleet of API instances.
package locktable

import (
	"context"
	"errors"
	"time"

	"github.com/iliyamo/cineverse-seat-lock/internal/model"
)

// ErrLockExpired is returned by Extend when the owner's lock has lapsed
// but has not been reclaimed yet.
var ErrLockExpired = errors.New("lock expired")

// Reason explains why a seat could not be granted or committed.
type Reason string

const (
	ReasonLockedByOther Reason = "locked"
	ReasonBooked        Reason = "booked"
	ReasonLimit         Reason = "limit"
	ReasonNotLocked     Reason = "not_locked"
	ReasonExpired       Reason = "expired"
	ReasonBusy          Reason = "commit_in_progress"
)

// Conflict is a seat that an operation could not apply to.
type Conflict struct {
	SeatID string `json:"seat_id"`
	Reason Reason `json:"reason"`
}

// Cause tags a seat change with what triggered it.
type Cause string

const (
	CauseAcquired  Cause = "acquired"
	CauseReleased  Cause = "released"
	CauseExpired   Cause = "expired"
	CauseCommitted Cause = "committed"
)

// SeatChange is one visible state transition of a seat.
type SeatChange struct {
	SeatID string
	Status model.SeatStatus
	Cause  Cause
}

// Mutation is the set of seat changes produced by one table operation.
// Revision increases per showtime and orders mutations on the same seat.
type Mutation struct {
	ShowtimeID string
	Revision   int64
	Changes    []SeatChange
}

// Empty reports whether the mutation changed nothing.
func (m Mutation) Empty() bool { return len(m.Changes) == 0 }

// AcquireRequest asks for seats on behalf of one owner.
type AcquireRequest struct {
	ShowtimeID string
	OwnerToken string
	SeatIDs    []string
	TTL        time.Duration
	// MaxSeats caps the seats a single lock may cover; 0 disables the cap.
	MaxSeats int
}

// AcquireResult reports the owner's lock after an acquire.  LockID is
// empty when nothing was granted and the owner holds no lock.
type AcquireResult struct {
	LockID    string
	ExpiresAt time.Time
	Granted   []string
	Conflicts []Conflict
	Mutation  Mutation
}

// ReleaseRequest selects what to release: a lock id, or an owner's lock,
// optionally narrowed to some seats.
type ReleaseRequest struct {
	ShowtimeID string
	LockID     string
	OwnerToken string
	SeatIDs    []string
}

// ExtendResult reports the refreshed expiry.  Extended is empty when the
// owner holds none of the seats, which is not an error.
type ExtendResult struct {
	LockID    string
	ExpiresAt time.Time
	Extended  []string
}

// PrepareResult is the outcome of pinning a lock for commit.  When
// Failures is non-empty nothing was pinned.
type PrepareResult struct {
	LockID   string
	Failures []Conflict
}

// Table is the lock table contract shared by the memory and Redis
// implementations.  Every operation on a showtime is atomic with
// respect to every other operation on that showtime.
type Table interface {
	Acquire(ctx context.Context, req AcquireRequest) (*AcquireResult, error)
	Release(ctx context.Context, req ReleaseRequest) (Mutation, error)
	Extend(ctx context.Context, showtimeID, ownerToken string, seatIDs []string, ttl time.Duration) (*ExtendResult, error)

	// PrepareCommit checks that ownerToken holds a live lock over every
	// seat and pins the lock for hold so neither the sweep nor a release
	// can take it away while the booking is written.
	PrepareCommit(ctx context.Context, showtimeID, ownerToken string, seatIDs []string, hold time.Duration) (*PrepareResult, error)
	// CompleteCommit marks the seats booked and releases whatever else
	// the lock covered.
	CompleteCommit(ctx context.Context, showtimeID, lockID string, seatIDs []string) (Mutation, error)
	// AbortCommit unpins a lock after a failed commit.
	AbortCommit(ctx context.Context, showtimeID, lockID string) error

	// Sweep reclaims up to limit expired locks across all showtimes.
	Sweep(ctx context.Context, limit int) ([]Mutation, error)
	// Snapshot lists the live locks of a showtime.
	Snapshot(ctx context.Context, showtimeID string) ([]model.Lock, error)
}

// Clock returns the current time.  Tests inject a fake one.
type Clock func() time.Time

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// coalesce keeps the last change per seat, in order of first appearance.
// A seat reclaimed from an expired lock and granted again in the same
// operation is reported once, as locked.
func coalesce(changes []SeatChange) []SeatChange {
	if len(changes) < 2 {
		return changes
	}
	idx := make(map[string]int, len(changes))
	out := make([]SeatChange, 0, len(changes))
	for _, ch := range changes {
		if i, ok := idx[ch.SeatID]; ok {
			out[i] = ch
			continue
		}
		idx[ch.SeatID] = len(out)
		out = append(out, ch)
	}
	return out
}
