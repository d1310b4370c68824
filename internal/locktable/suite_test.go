package locktable

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/cineverse-seat-lock/internal/model"
)

// fakeClock is a manually advanced clock shared by a table and its test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 18, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type tableFactory func(t *testing.T, clock *fakeClock) Table

const ttl = 180 * time.Second

func acquire(t *testing.T, tbl Table, st, owner string, seats ...string) *AcquireResult {
	t.Helper()
	res, err := tbl.Acquire(context.Background(), AcquireRequest{
		ShowtimeID: st,
		OwnerToken: owner,
		SeatIDs:    seats,
		TTL:        ttl,
	})
	require.NoError(t, err)
	return res
}

func conflictSeats(cs []Conflict) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.SeatID)
	}
	sort.Strings(out)
	return out
}

func sorted(ss []string) []string {
	out := append([]string(nil), ss...)
	sort.Strings(out)
	return out
}

func changesOf(mu Mutation) map[string]model.SeatStatus {
	out := make(map[string]model.SeatStatus, len(mu.Changes))
	for _, c := range mu.Changes {
		out[c.SeatID] = c.Status
	}
	return out
}

func lockedSeats(t *testing.T, tbl Table, st string) map[string]string {
	t.Helper()
	locks, err := tbl.Snapshot(context.Background(), st)
	require.NoError(t, err)
	out := map[string]string{}
	for _, l := range locks {
		for _, s := range l.SeatIDs {
			out[s] = l.OwnerToken
		}
	}
	return out
}

func runTableSuite(t *testing.T, newTable tableFactory) {
	ctx := context.Background()

	t.Run("partial grant on overlap", func(t *testing.T) {
		tbl := newTable(t, newFakeClock())
		a := acquire(t, tbl, "500", "owner-a", "A1", "A2")
		assert.Equal(t, []string{"A1", "A2"}, sorted(a.Granted))
		assert.Empty(t, a.Conflicts)
		assert.NotEmpty(t, a.LockID)
		assert.Equal(t, model.SeatLocked, changesOf(a.Mutation)["A1"])

		b := acquire(t, tbl, "500", "owner-b", "A2", "A3")
		assert.Equal(t, []string{"A3"}, b.Granted)
		require.Len(t, b.Conflicts, 1)
		assert.Equal(t, Conflict{SeatID: "A2", Reason: ReasonLockedByOther}, b.Conflicts[0])
		assert.NotEqual(t, a.LockID, b.LockID)
		assert.Greater(t, b.Mutation.Revision, a.Mutation.Revision)
	})

	t.Run("reacquire by owner refreshes ttl", func(t *testing.T) {
		clock := newFakeClock()
		tbl := newTable(t, clock)
		first := acquire(t, tbl, "500", "owner-a", "A1")
		clock.Advance(time.Minute)
		again := acquire(t, tbl, "500", "owner-a", "A1", "A2")
		assert.Equal(t, first.LockID, again.LockID)
		assert.Equal(t, []string{"A1", "A2"}, sorted(again.Granted))
		assert.True(t, again.ExpiresAt.After(first.ExpiresAt))
		assert.Equal(t, map[string]model.SeatStatus{"A2": model.SeatLocked}, changesOf(again.Mutation))
	})

	t.Run("release is idempotent and isolated", func(t *testing.T) {
		tbl := newTable(t, newFakeClock())
		a := acquire(t, tbl, "500", "owner-a", "A1", "A2")
		acquire(t, tbl, "500", "owner-b", "B1")

		mu, err := tbl.Release(ctx, ReleaseRequest{ShowtimeID: "500", LockID: a.LockID})
		require.NoError(t, err)
		assert.Equal(t, map[string]model.SeatStatus{"A1": model.SeatAvailable, "A2": model.SeatAvailable}, changesOf(mu))

		mu, err = tbl.Release(ctx, ReleaseRequest{ShowtimeID: "500", LockID: a.LockID})
		require.NoError(t, err)
		assert.True(t, mu.Empty())

		mu, err = tbl.Release(ctx, ReleaseRequest{ShowtimeID: "500", OwnerToken: "owner-c", SeatIDs: []string{"B1"}})
		require.NoError(t, err)
		assert.True(t, mu.Empty())
		assert.Equal(t, map[string]string{"B1": "owner-b"}, lockedSeats(t, tbl, "500"))
	})

	t.Run("release subset by owner", func(t *testing.T) {
		tbl := newTable(t, newFakeClock())
		acquire(t, tbl, "500", "owner-a", "A1", "A2", "A3")
		mu, err := tbl.Release(ctx, ReleaseRequest{ShowtimeID: "500", OwnerToken: "owner-a", SeatIDs: []string{"A2", "Z9"}})
		require.NoError(t, err)
		assert.Equal(t, map[string]model.SeatStatus{"A2": model.SeatAvailable}, changesOf(mu))
		assert.Equal(t, map[string]string{"A1": "owner-a", "A3": "owner-a"}, lockedSeats(t, tbl, "500"))

		mu, err = tbl.Release(ctx, ReleaseRequest{ShowtimeID: "500", OwnerToken: "owner-a"})
		require.NoError(t, err)
		assert.Len(t, mu.Changes, 2)
		assert.Empty(t, lockedSeats(t, tbl, "500"))
	})

	t.Run("extend by owner and by stranger", func(t *testing.T) {
		clock := newFakeClock()
		tbl := newTable(t, clock)
		a := acquire(t, tbl, "500", "owner-a", "C1")

		clock.Advance(170 * time.Second)
		ext, err := tbl.Extend(ctx, "500", "owner-a", []string{"C1"}, ttl)
		require.NoError(t, err)
		assert.Equal(t, []string{"C1"}, ext.Extended)
		assert.True(t, ext.ExpiresAt.After(a.ExpiresAt))

		ext, err = tbl.Extend(ctx, "500", "owner-b", []string{"C1"}, ttl)
		require.NoError(t, err)
		assert.Empty(t, ext.Extended)

		clock.Advance(30 * time.Second)
		b := acquire(t, tbl, "500", "owner-b", "C1")
		assert.Empty(t, b.Granted)
		assert.Equal(t, []string{"C1"}, conflictSeats(b.Conflicts))
	})

	t.Run("extend after expiry reports expired", func(t *testing.T) {
		clock := newFakeClock()
		tbl := newTable(t, clock)
		acquire(t, tbl, "500", "owner-a", "C1")
		clock.Advance(ttl + time.Second)
		_, err := tbl.Extend(ctx, "500", "owner-a", []string{"C1"}, ttl)
		assert.ErrorIs(t, err, ErrLockExpired)
	})

	t.Run("sweep reclaims expired locks", func(t *testing.T) {
		clock := newFakeClock()
		tbl := newTable(t, clock)
		acquire(t, tbl, "500", "owner-a", "A1", "A2")
		acquire(t, tbl, "501", "owner-b", "A1")

		muts, err := tbl.Sweep(ctx, 100)
		require.NoError(t, err)
		assert.Empty(t, muts)

		clock.Advance(ttl + time.Second)
		assert.Empty(t, lockedSeats(t, tbl, "500"))

		muts, err = tbl.Sweep(ctx, 100)
		require.NoError(t, err)
		got := map[string]model.SeatStatus{}
		for _, mu := range muts {
			for _, c := range mu.Changes {
				assert.Equal(t, CauseExpired, c.Cause)
				got[mu.ShowtimeID+"/"+c.SeatID] = c.Status
			}
		}
		assert.Equal(t, map[string]model.SeatStatus{
			"500/A1": model.SeatAvailable,
			"500/A2": model.SeatAvailable,
			"501/A1": model.SeatAvailable,
		}, got)

		muts, err = tbl.Sweep(ctx, 100)
		require.NoError(t, err)
		assert.Empty(t, muts)
	})

	t.Run("expired lock is reclaimed lazily by acquire", func(t *testing.T) {
		clock := newFakeClock()
		tbl := newTable(t, clock)
		acquire(t, tbl, "500", "owner-a", "A1", "A2")
		clock.Advance(ttl + time.Second)

		b := acquire(t, tbl, "500", "owner-b", "A1")
		assert.Equal(t, []string{"A1"}, b.Granted)
		assert.Equal(t, map[string]model.SeatStatus{
			"A1": model.SeatLocked,
			"A2": model.SeatAvailable,
		}, changesOf(b.Mutation))
	})

	t.Run("commit books seats and releases the rest", func(t *testing.T) {
		tbl := newTable(t, newFakeClock())
		a := acquire(t, tbl, "500", "owner-a", "B5", "B6")

		prep, err := tbl.PrepareCommit(ctx, "500", "owner-a", []string{"B5"}, 30*time.Second)
		require.NoError(t, err)
		assert.Empty(t, prep.Failures)
		assert.Equal(t, a.LockID, prep.LockID)

		// pinned locks cannot be released underneath the commit
		mu, err := tbl.Release(ctx, ReleaseRequest{ShowtimeID: "500", OwnerToken: "owner-a"})
		require.NoError(t, err)
		assert.True(t, mu.Empty())

		mu, err = tbl.CompleteCommit(ctx, "500", prep.LockID, []string{"B5"})
		require.NoError(t, err)
		assert.Equal(t, map[string]model.SeatStatus{"B5": model.SeatBooked, "B6": model.SeatAvailable}, changesOf(mu))

		b := acquire(t, tbl, "500", "owner-b", "B5", "B6")
		assert.Equal(t, []string{"B6"}, b.Granted)
		assert.Equal(t, []Conflict{{SeatID: "B5", Reason: ReasonBooked}}, b.Conflicts)

		prep, err = tbl.PrepareCommit(ctx, "500", "owner-a", []string{"B5"}, 30*time.Second)
		require.NoError(t, err)
		assert.Equal(t, []Conflict{{SeatID: "B5", Reason: ReasonBooked}}, prep.Failures)
	})

	t.Run("prepare reports each failing seat", func(t *testing.T) {
		clock := newFakeClock()
		tbl := newTable(t, clock)
		acquire(t, tbl, "500", "owner-a", "A1")
		acquire(t, tbl, "500", "owner-b", "A2")

		prep, err := tbl.PrepareCommit(ctx, "500", "owner-a", []string{"A1", "A2", "A3"}, 30*time.Second)
		require.NoError(t, err)
		assert.ElementsMatch(t, []Conflict{
			{SeatID: "A2", Reason: ReasonLockedByOther},
			{SeatID: "A3", Reason: ReasonNotLocked},
		}, prep.Failures)

		clock.Advance(ttl + time.Second)
		_, err = tbl.Sweep(ctx, 100)
		require.NoError(t, err)
		prep, err = tbl.PrepareCommit(ctx, "500", "owner-a", []string{"A1"}, 30*time.Second)
		require.NoError(t, err)
		assert.Equal(t, []Conflict{{SeatID: "A1", Reason: ReasonExpired}}, prep.Failures)
	})

	t.Run("aborted commit keeps the lock", func(t *testing.T) {
		tbl := newTable(t, newFakeClock())
		acquire(t, tbl, "500", "owner-a", "A1")
		prep, err := tbl.PrepareCommit(ctx, "500", "owner-a", []string{"A1"}, 30*time.Second)
		require.NoError(t, err)
		require.Empty(t, prep.Failures)
		require.NoError(t, tbl.AbortCommit(ctx, "500", prep.LockID))

		assert.Equal(t, map[string]string{"A1": "owner-a"}, lockedSeats(t, tbl, "500"))
		mu, err := tbl.Release(ctx, ReleaseRequest{ShowtimeID: "500", OwnerToken: "owner-a"})
		require.NoError(t, err)
		assert.Len(t, mu.Changes, 1)
	})

	t.Run("aborted commit on a lapsed lock is swept at once", func(t *testing.T) {
		clock := newFakeClock()
		tbl := newTable(t, clock)
		acquire(t, tbl, "500", "owner-a", "A1")
		clock.Advance(ttl - time.Second)
		prep, err := tbl.PrepareCommit(ctx, "500", "owner-a", []string{"A1"}, 30*time.Second)
		require.NoError(t, err)
		require.Empty(t, prep.Failures)

		clock.Advance(5 * time.Second)
		muts, err := tbl.Sweep(ctx, 100)
		require.NoError(t, err)
		assert.Empty(t, muts)

		require.NoError(t, tbl.AbortCommit(ctx, "500", prep.LockID))
		muts, err = tbl.Sweep(ctx, 100)
		require.NoError(t, err)
		require.Len(t, muts, 1)
		assert.Equal(t, map[string]model.SeatStatus{"A1": model.SeatAvailable}, changesOf(muts[0]))
		assert.Empty(t, lockedSeats(t, tbl, "500"))
	})

	t.Run("max seats per lock", func(t *testing.T) {
		tbl := newTable(t, newFakeClock())
		res, err := tbl.Acquire(ctx, AcquireRequest{
			ShowtimeID: "500", OwnerToken: "owner-a", SeatIDs: []string{"A1", "A2", "A3"}, TTL: ttl, MaxSeats: 2,
		})
		require.NoError(t, err)
		assert.Len(t, res.Granted, 2)
		require.Len(t, res.Conflicts, 1)
		assert.Equal(t, ReasonLimit, res.Conflicts[0].Reason)
	})

	t.Run("concurrent acquires never double lock", func(t *testing.T) {
		tbl := newTable(t, newFakeClock())
		const owners = 16
		seats := []string{"D1", "D2", "D3", "D4"}

		var wg sync.WaitGroup
		results := make([]*AcquireResult, owners)
		for i := 0; i < owners; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				// each owner wants an overlapping window of two seats
				want := []string{seats[i%len(seats)], seats[(i+1)%len(seats)]}
				res, err := tbl.Acquire(ctx, AcquireRequest{
					ShowtimeID: "777", OwnerToken: fmt.Sprintf("owner-%d", i), SeatIDs: want, TTL: ttl,
				})
				if assert.NoError(t, err) {
					results[i] = res
				}
			}(i)
		}
		wg.Wait()

		holder := map[string]string{}
		for i, res := range results {
			if res == nil {
				continue
			}
			for _, s := range res.Granted {
				prev, dup := holder[s]
				assert.False(t, dup, "seat %s granted to %s and owner-%d", s, prev, i)
				holder[s] = fmt.Sprintf("owner-%d", i)
			}
		}
		assert.Len(t, holder, len(seats))
		assert.Equal(t, holder, lockedSeats(t, tbl, "777"))
	})
}
