// Package reservation runs seat locking and booking against the lock
// table and the seat inventory, and publishes every seat change to the
// realtime hub.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/iliyamo/cineverse-seat-lock/internal/hub"
	"github.com/iliyamo/cineverse-seat-lock/internal/locktable"
	"github.com/iliyamo/cineverse-seat-lock/internal/model"
	"github.com/iliyamo/cineverse-seat-lock/internal/repository"
)

// ReasonUnknownSeat marks a seat id that is not part of the showtime.
const ReasonUnknownSeat locktable.Reason = "unknown_seat"

// Inventory is the durable seat store.  CommitBooking must book every seat
// of the booking or none, and report lost races as repository.ErrSeatsTaken.
type Inventory interface {
	Showtime(ctx context.Context, id string) (*model.Showtime, error)
	Seats(ctx context.Context, showtimeID string) ([]model.Seat, error)
	CommitBooking(ctx context.Context, b *model.Booking) error
	BookingByPaymentRef(ctx context.Context, ref string) (*model.Booking, error)
	BookingByID(ctx context.Context, id string) (*model.Booking, error)
}

// Notifier receives committed bookings.  Failures are logged only.
type Notifier interface {
	BookingCommitted(ctx context.Context, b *model.Booking) error
}

// Policy bounds lock requests.
type Policy struct {
	DefaultTTL time.Duration
	MinTTL     time.Duration
	MaxTTL     time.Duration
	// MaxSeats caps the seats one owner may hold per showtime; 0 is unlimited.
	MaxSeats int
	// CommitHold is how long a commit in flight pins the owner's lock.
	CommitHold time.Duration
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		DefaultTTL: 180 * time.Second,
		MinTTL:     time.Second,
		MaxTTL:     15 * time.Minute,
		MaxSeats:   10,
		CommitHold: 30 * time.Second,
	}
}

// ttl resolves a requested TTL; zero selects the default.  A TTL below
// MinTTL is refused.  One above MaxTTL is cut to MaxTTL and the shorter
// expiry is reported back.
func (p Policy) ttl(requested time.Duration) (time.Duration, error) {
	switch {
	case requested == 0:
		return p.DefaultTTL, nil
	case requested < 0, p.MinTTL > 0 && requested < p.MinTTL:
		return 0, invalid(fmt.Sprintf("ttl must be at least %d ms", p.MinTTL.Milliseconds()))
	case p.MaxTTL > 0 && requested > p.MaxTTL:
		return p.MaxTTL, nil
	}
	return requested, nil
}

// Service is safe for concurrent use.
type Service struct {
	locks    locktable.Table
	inv      Inventory
	pub      hub.Publisher
	notifier Notifier
	verifier SignatureVerifier
	policy   Policy
	now      func() time.Time
	log      *zap.Logger

	seatLoads singleflight.Group
	bg        sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithPolicy replaces the default policy.
func WithPolicy(p Policy) Option {
	return func(s *Service) { s.policy = p }
}

// WithPublisher sets where seat changes are published.
func WithPublisher(p hub.Publisher) Option {
	return func(s *Service) { s.pub = p }
}

// WithNotifier sets the post-commit notifier.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithSignatureVerifier enables payment signature checks.
func WithSignatureVerifier(v SignatureVerifier) Option {
	return func(s *Service) { s.verifier = v }
}

// NewService wires a service over a lock table and an inventory.
func NewService(locks locktable.Table, inv Inventory, opts ...Option) *Service {
	s := &Service{
		locks:  locks,
		inv:    inv,
		policy: DefaultPolicy(),
		now:    time.Now,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Wait blocks until background notifications have finished.
func (s *Service) Wait() { s.bg.Wait() }

// LockRequest asks for seats on behalf of an owner.
type LockRequest struct {
	ShowtimeID string
	OwnerToken string
	SeatIDs    []string
	TTL        time.Duration
}

// LockResult reports the granted seats and why the others were refused.
type LockResult struct {
	LockID    string               `json:"lock_id,omitempty"`
	ExpiresAt time.Time            `json:"expires_at,omitempty"`
	Granted   []string             `json:"granted"`
	Conflicts []locktable.Conflict `json:"conflicts"`
}

// LockSeats grants every free seat of the request and reports the rest as
// conflicts.  A result with nothing granted is not an error.
func (s *Service) LockSeats(ctx context.Context, req LockRequest) (*LockResult, error) {
	seatIDs := normalize(req.SeatIDs)
	if req.ShowtimeID == "" || req.OwnerToken == "" {
		return nil, invalid("showtime and owner token are required")
	}
	if len(seatIDs) == 0 {
		return nil, invalid("at least one seat is required")
	}
	ttl, err := s.policy.ttl(req.TTL)
	if err != nil {
		return nil, err
	}
	seats, err := s.seatIndex(ctx, req.ShowtimeID)
	if err != nil {
		return nil, err
	}
	if unknown := unknownSeats(seats, seatIDs); len(unknown) > 0 {
		return nil, seatError(ErrInvalidRequest, unknown, nil)
	}

	res := &LockResult{Granted: []string{}, Conflicts: []locktable.Conflict{}}
	wanted := make([]string, 0, len(seatIDs))
	for _, id := range seatIDs {
		if seats[id].Status == model.SeatBooked {
			res.Conflicts = append(res.Conflicts, locktable.Conflict{SeatID: id, Reason: locktable.ReasonBooked})
			continue
		}
		wanted = append(wanted, id)
	}
	if len(wanted) == 0 {
		return res, nil
	}

	out, err := s.locks.Acquire(ctx, locktable.AcquireRequest{
		ShowtimeID: req.ShowtimeID,
		OwnerToken: req.OwnerToken,
		SeatIDs:    wanted,
		TTL:        ttl,
		MaxSeats:   s.policy.MaxSeats,
	})
	if err != nil {
		return nil, transient(err)
	}
	s.publish(ctx, out.Mutation)

	res.LockID = out.LockID
	res.ExpiresAt = out.ExpiresAt
	res.Granted = append(res.Granted, out.Granted...)
	res.Conflicts = append(res.Conflicts, out.Conflicts...)
	s.log.Debug("seats locked",
		zap.String("showtime_id", req.ShowtimeID),
		zap.String("lock_id", res.LockID),
		zap.Strings("granted", res.Granted),
		zap.Int("conflicts", len(res.Conflicts)))
	return res, nil
}

// ExtendRequest refreshes an owner's lock.
type ExtendRequest struct {
	ShowtimeID string
	OwnerToken string
	SeatIDs    []string
	TTL        time.Duration
}

// ExtendResult is empty apart from the seats when the owner held none of them.
type ExtendResult struct {
	LockID    string    `json:"lock_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Extended  []string  `json:"extended"`
}

// ExtendLock moves the expiry of the owner's lock forward.  Seats the owner
// does not hold are ignored; an owner holding none of them gets an empty
// result.  A lapsed lock yields ErrLockExpired and an unknown showtime
// ErrShowtimeNotFound.
func (s *Service) ExtendLock(ctx context.Context, req ExtendRequest) (*ExtendResult, error) {
	seatIDs := normalize(req.SeatIDs)
	if req.ShowtimeID == "" || req.OwnerToken == "" {
		return nil, invalid("showtime and owner token are required")
	}
	if len(seatIDs) == 0 {
		return nil, invalid("at least one seat is required")
	}
	ttl, err := s.policy.ttl(req.TTL)
	if err != nil {
		return nil, err
	}
	if _, err := s.Showtime(ctx, req.ShowtimeID); err != nil {
		return nil, err
	}
	out, err := s.locks.Extend(ctx, req.ShowtimeID, req.OwnerToken, seatIDs, ttl)
	if errors.Is(err, locktable.ErrLockExpired) {
		failures := make([]SeatFailure, 0, len(seatIDs))
		for _, id := range seatIDs {
			failures = append(failures, SeatFailure{SeatID: id, Reason: locktable.ReasonExpired})
		}
		return nil, seatError(ErrLockExpired, failures, nil)
	}
	if err != nil {
		return nil, transient(err)
	}
	res := &ExtendResult{LockID: out.LockID, ExpiresAt: out.ExpiresAt, Extended: out.Extended}
	if res.Extended == nil {
		res.Extended = []string{}
	}
	return res, nil
}

// UnlockRequest selects a lock by id, or an owner's lock optionally
// narrowed to some seats.
type UnlockRequest struct {
	ShowtimeID string
	LockID     string
	OwnerToken string
	SeatIDs    []string
}

// UnlockResult lists the seats that became available.
type UnlockResult struct {
	Released []string `json:"released"`
}

// UnlockSeats is best effort: store failures are logged and reported as an
// empty release, since the sweep reclaims the lock anyway.
func (s *Service) UnlockSeats(ctx context.Context, req UnlockRequest) (*UnlockResult, error) {
	if req.ShowtimeID == "" || (req.LockID == "" && req.OwnerToken == "") {
		return nil, invalid("showtime and a lock id or owner token are required")
	}
	res := &UnlockResult{Released: []string{}}
	mu, err := s.locks.Release(ctx, locktable.ReleaseRequest{
		ShowtimeID: req.ShowtimeID,
		LockID:     req.LockID,
		OwnerToken: req.OwnerToken,
		SeatIDs:    normalize(req.SeatIDs),
	})
	if err != nil {
		s.log.Warn("unlock failed; leaving it to the sweep",
			zap.String("showtime_id", req.ShowtimeID),
			zap.String("lock_id", req.LockID),
			zap.Error(err))
		return res, nil
	}
	s.publish(ctx, mu)
	for _, c := range mu.Changes {
		res.Released = append(res.Released, c.SeatID)
	}
	return res, nil
}

// Showtime returns catalog details.
func (s *Service) Showtime(ctx context.Context, id string) (*model.Showtime, error) {
	st, err := s.inv.Showtime(ctx, id)
	if errors.Is(err, repository.ErrShowtimeNotFound) {
		return nil, ErrShowtimeNotFound
	}
	if err != nil {
		return nil, transient(err)
	}
	return st, nil
}

// SeatMap is the reconciliation snapshot: inventory status overlaid with
// live locks.  Seats locked by ownerToken are flagged as mine.
func (s *Service) SeatMap(ctx context.Context, showtimeID, ownerToken string) (*model.SeatMap, error) {
	st, err := s.Showtime(ctx, showtimeID)
	if err != nil {
		return nil, err
	}
	seats, err := s.loadSeats(ctx, showtimeID)
	if err != nil {
		return nil, err
	}
	locks, err := s.locks.Snapshot(ctx, showtimeID)
	if err != nil {
		return nil, transient(err)
	}
	lockedBy := make(map[string]string)
	for _, l := range locks {
		for _, id := range l.SeatIDs {
			lockedBy[id] = l.OwnerToken
		}
	}

	m := &model.SeatMap{ShowtimeID: showtimeID, Seats: make([]model.SeatView, 0, len(seats))}
	for _, seat := range seats {
		price, _ := st.PriceFor(seat.Category)
		v := model.SeatView{
			SeatID:   seat.ID,
			Row:      seat.Row,
			Number:   seat.Number,
			Category: seat.Category,
			Price:    price,
			Status:   model.SeatAvailable,
		}
		owner, locked := lockedBy[seat.ID]
		switch {
		case seat.Status == model.SeatBooked:
			v.Status = model.SeatBooked
			m.Booked++
		case locked:
			v.Status = model.SeatLocked
			v.Mine = ownerToken != "" && owner == ownerToken
			m.Locked++
		default:
			m.Available++
		}
		m.Seats = append(m.Seats, v)
	}
	m.Sections = sections(m.Seats)
	return m, nil
}

// sections groups seats by category, then row, ordered by seat number.
func sections(views []model.SeatView) []model.SeatSection {
	byCat := make(map[string]map[string][]model.SeatView)
	prices := make(map[string]int64)
	var cats []string
	for _, v := range views {
		rows, ok := byCat[v.Category]
		if !ok {
			rows = make(map[string][]model.SeatView)
			byCat[v.Category] = rows
			cats = append(cats, v.Category)
			prices[v.Category] = v.Price
		}
		rows[v.Row] = append(rows[v.Row], v)
	}
	out := make([]model.SeatSection, 0, len(cats))
	for _, cat := range cats {
		sec := model.SeatSection{Category: cat, Price: prices[cat]}
		rowNames := make([]string, 0, len(byCat[cat]))
		for r := range byCat[cat] {
			rowNames = append(rowNames, r)
		}
		sort.Strings(rowNames)
		for _, r := range rowNames {
			seats := byCat[cat][r]
			sort.Slice(seats, func(i, j int) bool { return seats[i].Number < seats[j].Number })
			sec.Rows = append(sec.Rows, model.SeatRow{Row: r, Seats: seats})
		}
		out = append(out, sec)
	}
	return out
}

// Locks lists the live locks of a showtime.
func (s *Service) Locks(ctx context.Context, showtimeID string) ([]model.Lock, error) {
	if _, err := s.Showtime(ctx, showtimeID); err != nil {
		return nil, err
	}
	locks, err := s.locks.Snapshot(ctx, showtimeID)
	if err != nil {
		return nil, transient(err)
	}
	return locks, nil
}

// Sweep reclaims up to limit expired locks, publishes the freed seats and
// returns how many seats were freed.
func (s *Service) Sweep(ctx context.Context, limit int) (int, error) {
	muts, err := s.locks.Sweep(ctx, limit)
	freed := 0
	for _, mu := range muts {
		s.publish(ctx, mu)
		freed += len(mu.Changes)
	}
	if err != nil {
		return freed, transient(err)
	}
	return freed, nil
}

// seatLoadTimeout bounds a shared seat load, which outlives the request
// that started it.
const seatLoadTimeout = 5 * time.Second

// loadSeats collapses concurrent loads of one showtime.  The load runs on a
// detached context so a caller that gives up does not fail the others that
// joined it; that caller returns as soon as its own ctx is done.
func (s *Service) loadSeats(ctx context.Context, showtimeID string) ([]model.Seat, error) {
	ch := s.seatLoads.DoChan(showtimeID, func() (interface{}, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), seatLoadTimeout)
		defer cancel()
		return s.inv.Seats(lctx, showtimeID)
	})
	var r singleflight.Result
	select {
	case r = <-ch:
	case <-ctx.Done():
		return nil, transient(ctx.Err())
	}
	if errors.Is(r.Err, repository.ErrShowtimeNotFound) {
		return nil, ErrShowtimeNotFound
	}
	if r.Err != nil {
		return nil, transient(r.Err)
	}
	return r.Val.([]model.Seat), nil
}

func (s *Service) seatIndex(ctx context.Context, showtimeID string) (map[string]model.Seat, error) {
	seats, err := s.loadSeats(ctx, showtimeID)
	if err != nil {
		return nil, err
	}
	idx := make(map[string]model.Seat, len(seats))
	for _, seat := range seats {
		idx[seat.ID] = seat
	}
	return idx, nil
}

func unknownSeats(idx map[string]model.Seat, ids []string) []SeatFailure {
	var out []SeatFailure
	for _, id := range ids {
		if _, ok := idx[id]; !ok {
			out = append(out, SeatFailure{SeatID: id, Reason: ReasonUnknownSeat})
		}
	}
	return out
}

// publish turns a mutation into hub events.  Publishing never fails the
// operation that produced the mutation.
func (s *Service) publish(ctx context.Context, mu locktable.Mutation) {
	if s.pub == nil || mu.Empty() {
		return
	}
	at := s.now().UTC()
	events := make([]hub.Event, 0, len(mu.Changes))
	for _, c := range mu.Changes {
		events = append(events, hub.Event{
			ShowtimeID: mu.ShowtimeID,
			SeatID:     c.SeatID,
			Status:     c.Status,
			Reason:     string(c.Cause),
			Revision:   mu.Revision,
			At:         at,
		})
	}
	if err := s.pub.Publish(ctx, events); err != nil {
		s.log.Warn("publish seat changes failed",
			zap.String("showtime_id", mu.ShowtimeID), zap.Error(err))
	}
}

// normalize drops empty and duplicate seat ids, keeping order.
func normalize(ids []string) []string {
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
