package locktable

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/cineverse-seat-lock/internal/model"
)

const bookedMarker = "\x00booked"

// Memory is an in-process lock table.  Each showtime has its own mutex so
// operations on different showtimes never contend.  A showtime entry exists
// only while it holds locks or booked seats; the sweep prunes empty ones.
type Memory struct {
	mu        sync.RWMutex
	showtimes map[string]*showtimeLocks
	now       Clock
	newID     func() string
	retain    time.Duration

	// rev is table-wide so revisions keep rising when a pruned showtime
	// comes back.
	rev atomic.Int64
}

// MemoryOption configures a Memory table.
type MemoryOption func(*Memory)

// WithClock overrides time.Now.
func WithClock(c Clock) MemoryOption {
	return func(m *Memory) {
		if c != nil {
			m.now = c
		}
	}
}

// WithRetention sets how long an expired lock is remembered after it is
// reclaimed, so a late commit reports the lock as expired.
func WithRetention(d time.Duration) MemoryOption {
	return func(m *Memory) {
		if d >= 0 {
			m.retain = d
		}
	}
}

// NewMemory returns an empty in-memory lock table.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		showtimes: make(map[string]*showtimeLocks),
		now:       time.Now,
		newID:     uuid.NewString,
		retain:    10 * time.Minute,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type showtimeLocks struct {
	mu     sync.Mutex
	dead   bool              // pruned from the table; callers must look it up again
	seats  map[string]string // seat -> lock id, or bookedMarker
	locks  map[string]*memLock
	owners map[string]string // owner -> lock id
}

type memLock struct {
	id          string
	owner       string
	seats       map[string]struct{}
	createdAt   time.Time
	expiresAt   time.Time
	pinnedUntil time.Time
	// expired is set once the lock has been reclaimed; its seats are
	// kept only to answer late commits.
	expired bool
}

func (l *memLock) live(now time.Time) bool {
	return !l.expired && (l.expiresAt.After(now) || l.pinnedUntil.After(now))
}

func (l *memLock) sortedSeats() []string {
	out := make([]string, 0, len(l.seats))
	for s := range l.seats {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// lockShowtime returns the showtime entry with its mutex held.  Without
// create it returns nil for a showtime that has no entry.
func (m *Memory) lockShowtime(id string, create bool) *showtimeLocks {
	for {
		var st *showtimeLocks
		if create {
			st = m.showtime(id)
		} else {
			m.mu.RLock()
			st = m.showtimes[id]
			m.mu.RUnlock()
			if st == nil {
				return nil
			}
		}
		st.mu.Lock()
		if !st.dead {
			return st
		}
		st.mu.Unlock()
	}
}

// prune removes the entry of a showtime left with no locks and no seats.
func (m *Memory) prune(id string, st *showtimeLocks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st.mu.Lock()
	defer st.mu.Unlock()
	if m.showtimes[id] == st && st.empty() {
		st.dead = true
		delete(m.showtimes, id)
	}
}

func (st *showtimeLocks) empty() bool {
	return len(st.locks) == 0 && len(st.seats) == 0
}

func (m *Memory) showtime(id string) *showtimeLocks {
	m.mu.RLock()
	st, ok := m.showtimes[id]
	m.mu.RUnlock()
	if ok {
		return st
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok = m.showtimes[id]; ok {
		return st
	}
	st = &showtimeLocks{
		seats:  make(map[string]string),
		locks:  make(map[string]*memLock),
		owners: make(map[string]string),
	}
	m.showtimes[id] = st
	return st
}

func (st *showtimeLocks) ownerLock(owner string) *memLock {
	if id, ok := st.owners[owner]; ok {
		return st.locks[id]
	}
	return nil
}

// retire frees the seats of an expired lock and keeps the lock around
// for late commits.
func (st *showtimeLocks) retire(l *memLock, changes *[]SeatChange) {
	for _, seat := range l.sortedSeats() {
		if st.seats[seat] == l.id {
			delete(st.seats, seat)
			*changes = append(*changes, SeatChange{SeatID: seat, Status: model.SeatAvailable, Cause: CauseExpired})
		}
	}
	l.expired = true
}

// drop forgets a lock entirely.  Seats still pointing at it are freed
// without producing changes; callers release seats first when the
// change must be visible.
func (st *showtimeLocks) drop(l *memLock) {
	for seat := range l.seats {
		if st.seats[seat] == l.id {
			delete(st.seats, seat)
		}
	}
	delete(st.locks, l.id)
	if st.owners[l.owner] == l.id {
		delete(st.owners, l.owner)
	}
}

// mutation must be called with the showtime mutex held, which keeps
// revisions in commit order within the showtime.
func (m *Memory) mutation(showtimeID string, changes []SeatChange) Mutation {
	mu := Mutation{ShowtimeID: showtimeID, Changes: coalesce(changes)}
	if len(mu.Changes) > 0 {
		mu.Revision = m.rev.Add(1)
	}
	return mu
}

// Acquire grants every requested seat that is free or already held by the
// owner, and reports the rest as conflicts.
func (m *Memory) Acquire(_ context.Context, req AcquireRequest) (*AcquireResult, error) {
	seats := dedupe(req.SeatIDs)
	st := m.lockShowtime(req.ShowtimeID, true)
	defer st.mu.Unlock()
	now := m.now()

	var changes []SeatChange
	lock := st.ownerLock(req.OwnerToken)
	if lock != nil && !lock.live(now) {
		if !lock.expired {
			st.retire(lock, &changes)
		}
		st.drop(lock)
		lock = nil
	}

	held := 0
	if lock != nil {
		held = len(lock.seats)
	}
	res := &AcquireResult{}
	var fresh []string
	for _, seat := range seats {
		cur, taken := st.seats[seat]
		switch {
		case taken && cur == bookedMarker:
			res.Conflicts = append(res.Conflicts, Conflict{SeatID: seat, Reason: ReasonBooked})
			continue
		case taken && lock != nil && cur == lock.id:
			res.Granted = append(res.Granted, seat)
			continue
		case taken:
			other := st.locks[cur]
			if other != nil && other.live(now) {
				res.Conflicts = append(res.Conflicts, Conflict{SeatID: seat, Reason: ReasonLockedByOther})
				continue
			}
			if other != nil {
				st.retire(other, &changes)
			} else {
				delete(st.seats, seat)
			}
		}
		if req.MaxSeats > 0 && held+len(fresh) >= req.MaxSeats {
			res.Conflicts = append(res.Conflicts, Conflict{SeatID: seat, Reason: ReasonLimit})
			continue
		}
		fresh = append(fresh, seat)
	}

	if len(res.Granted)+len(fresh) > 0 {
		if lock == nil {
			lock = &memLock{
				id:        m.newID(),
				owner:     req.OwnerToken,
				seats:     make(map[string]struct{}, len(fresh)),
				createdAt: now,
			}
			st.locks[lock.id] = lock
			st.owners[lock.owner] = lock.id
		}
		if exp := now.Add(req.TTL); exp.After(lock.expiresAt) {
			lock.expiresAt = exp
		}
		for _, seat := range fresh {
			st.seats[seat] = lock.id
			lock.seats[seat] = struct{}{}
			res.Granted = append(res.Granted, seat)
			changes = append(changes, SeatChange{SeatID: seat, Status: model.SeatLocked, Cause: CauseAcquired})
		}
	}
	if lock != nil {
		res.LockID = lock.id
		res.ExpiresAt = lock.expiresAt
	}
	res.Mutation = m.mutation(req.ShowtimeID, changes)
	return res, nil
}

// Release frees the selected lock, or some of its seats.  Unknown,
// expired or foreign locks are ignored.
func (m *Memory) Release(_ context.Context, req ReleaseRequest) (Mutation, error) {
	st := m.lockShowtime(req.ShowtimeID, false)
	if st == nil {
		return Mutation{ShowtimeID: req.ShowtimeID}, nil
	}
	defer st.mu.Unlock()
	now := m.now()

	var lock *memLock
	switch {
	case req.LockID != "":
		lock = st.locks[req.LockID]
		if lock != nil && req.OwnerToken != "" && lock.owner != req.OwnerToken {
			lock = nil
		}
	case req.OwnerToken != "":
		lock = st.ownerLock(req.OwnerToken)
	}
	if lock == nil || lock.expired || lock.pinnedUntil.After(now) {
		return Mutation{ShowtimeID: req.ShowtimeID}, nil
	}

	seats := dedupe(req.SeatIDs)
	if len(seats) == 0 {
		seats = lock.sortedSeats()
	}
	var changes []SeatChange
	for _, seat := range seats {
		if _, ok := lock.seats[seat]; !ok {
			continue
		}
		if st.seats[seat] == lock.id {
			delete(st.seats, seat)
		}
		delete(lock.seats, seat)
		changes = append(changes, SeatChange{SeatID: seat, Status: model.SeatAvailable, Cause: CauseReleased})
	}
	if len(lock.seats) == 0 {
		st.drop(lock)
	}
	return m.mutation(req.ShowtimeID, changes), nil
}

// Extend refreshes the owner's lock when it covers any of seatIDs.
func (m *Memory) Extend(_ context.Context, showtimeID, ownerToken string, seatIDs []string, ttl time.Duration) (*ExtendResult, error) {
	st := m.lockShowtime(showtimeID, false)
	if st == nil {
		return &ExtendResult{}, nil
	}
	defer st.mu.Unlock()
	now := m.now()

	lock := st.ownerLock(ownerToken)
	if lock == nil {
		return &ExtendResult{}, nil
	}
	var owned []string
	for _, seat := range dedupe(seatIDs) {
		if _, ok := lock.seats[seat]; ok {
			owned = append(owned, seat)
		}
	}
	if len(owned) == 0 {
		return &ExtendResult{}, nil
	}
	if lock.expired || !lock.expiresAt.After(now) {
		return &ExtendResult{LockID: lock.id, ExpiresAt: lock.expiresAt}, ErrLockExpired
	}
	if exp := now.Add(ttl); exp.After(lock.expiresAt) {
		lock.expiresAt = exp
	}
	return &ExtendResult{LockID: lock.id, ExpiresAt: lock.expiresAt, Extended: owned}, nil
}

// PrepareCommit validates ownership of every seat and pins the lock.
func (m *Memory) PrepareCommit(_ context.Context, showtimeID, ownerToken string, seatIDs []string, hold time.Duration) (*PrepareResult, error) {
	seats := dedupe(seatIDs)
	st := m.lockShowtime(showtimeID, false)
	if st == nil {
		res := &PrepareResult{}
		for _, seat := range seats {
			res.Failures = append(res.Failures, Conflict{SeatID: seat, Reason: ReasonNotLocked})
		}
		return res, nil
	}
	defer st.mu.Unlock()
	now := m.now()

	lock := st.ownerLock(ownerToken)
	res := &PrepareResult{}
	if lock != nil {
		res.LockID = lock.id
		if !lock.expired && lock.pinnedUntil.After(now) {
			for _, seat := range seats {
				res.Failures = append(res.Failures, Conflict{SeatID: seat, Reason: ReasonBusy})
			}
			return res, nil
		}
	}
	expired := lock != nil && (lock.expired || !lock.expiresAt.After(now))
	for _, seat := range seats {
		cur, taken := st.seats[seat]
		switch {
		case taken && cur == bookedMarker:
			res.Failures = append(res.Failures, Conflict{SeatID: seat, Reason: ReasonBooked})
		case expired && lock.has(seat):
			res.Failures = append(res.Failures, Conflict{SeatID: seat, Reason: ReasonExpired})
		case lock != nil && taken && cur == lock.id:
		case taken && st.locks[cur] != nil && st.locks[cur].live(now):
			res.Failures = append(res.Failures, Conflict{SeatID: seat, Reason: ReasonLockedByOther})
		default:
			res.Failures = append(res.Failures, Conflict{SeatID: seat, Reason: ReasonNotLocked})
		}
	}
	if len(res.Failures) == 0 && lock != nil {
		lock.pinnedUntil = now.Add(hold)
	}
	return res, nil
}

func (l *memLock) has(seat string) bool {
	_, ok := l.seats[seat]
	return ok
}

// CompleteCommit turns the committed seats into permanent booked markers
// and releases the rest of the lock.
func (m *Memory) CompleteCommit(_ context.Context, showtimeID, lockID string, seatIDs []string) (Mutation, error) {
	st := m.lockShowtime(showtimeID, true)
	defer st.mu.Unlock()

	lock := st.locks[lockID]
	var changes []SeatChange
	for _, seat := range dedupe(seatIDs) {
		st.seats[seat] = bookedMarker
		if lock != nil {
			delete(lock.seats, seat)
		}
		changes = append(changes, SeatChange{SeatID: seat, Status: model.SeatBooked, Cause: CauseCommitted})
	}
	if lock != nil {
		for _, seat := range lock.sortedSeats() {
			if st.seats[seat] == lock.id {
				delete(st.seats, seat)
				changes = append(changes, SeatChange{SeatID: seat, Status: model.SeatAvailable, Cause: CauseReleased})
			}
		}
		st.drop(lock)
	}
	return m.mutation(showtimeID, changes), nil
}

// AbortCommit unpins the lock; if it lapsed meanwhile the sweep takes it.
func (m *Memory) AbortCommit(_ context.Context, showtimeID, lockID string) error {
	st := m.lockShowtime(showtimeID, false)
	if st == nil {
		return nil
	}
	defer st.mu.Unlock()
	if lock := st.locks[lockID]; lock != nil {
		lock.pinnedUntil = time.Time{}
	}
	return nil
}

// Sweep reclaims expired locks, oldest expiry first within a showtime,
// and purges reclaimed locks past the retention window.
func (m *Memory) Sweep(ctx context.Context, limit int) ([]Mutation, error) {
	now := m.now()

	m.mu.RLock()
	ids := make([]string, 0, len(m.showtimes))
	for id := range m.showtimes {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)

	var out []Mutation
	reclaimed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if limit > 0 && reclaimed >= limit {
			break
		}
		st := m.lockShowtime(id, false)
		if st == nil {
			continue
		}
		locks := make([]*memLock, 0, len(st.locks))
		for _, l := range st.locks {
			locks = append(locks, l)
		}
		sort.Slice(locks, func(i, j int) bool { return locks[i].expiresAt.Before(locks[j].expiresAt) })

		var changes []SeatChange
		for _, l := range locks {
			if l.expired {
				if !l.expiresAt.Add(m.retain).After(now) {
					st.drop(l)
				}
				continue
			}
			if l.live(now) {
				continue
			}
			if limit > 0 && reclaimed >= limit {
				break
			}
			st.retire(l, &changes)
			reclaimed++
		}
		if mu := m.mutation(id, changes); !mu.Empty() {
			out = append(out, mu)
		}
		empty := st.empty()
		st.mu.Unlock()
		if empty {
			m.prune(id, st)
		}
	}
	return out, nil
}

// Snapshot lists live locks of a showtime ordered by lock id.
func (m *Memory) Snapshot(_ context.Context, showtimeID string) ([]model.Lock, error) {
	st := m.lockShowtime(showtimeID, false)
	if st == nil {
		return []model.Lock{}, nil
	}
	defer st.mu.Unlock()
	now := m.now()

	out := make([]model.Lock, 0, len(st.locks))
	for _, l := range st.locks {
		if !l.live(now) {
			continue
		}
		out = append(out, model.Lock{
			ID:         l.id,
			ShowtimeID: showtimeID,
			OwnerToken: l.owner,
			SeatIDs:    l.sortedSeats(),
			CreatedAt:  l.createdAt,
			ExpiresAt:  l.expiresAt,
			Status:     model.LockActive,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
