package locktable

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTable(t *testing.T) {
	runTableSuite(t, func(t *testing.T, clock *fakeClock) Table {
		return NewMemory(WithClock(clock.Now))
	})
}

func TestMemoryPurgesRetainedLocks(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	tbl := NewMemory(WithClock(clock.Now), WithRetention(time.Minute))

	acquire(t, tbl, "500", "owner-a", "A1")
	clock.Advance(ttl + time.Second)
	_, err := tbl.Sweep(ctx, 0)
	require.NoError(t, err)

	prep, err := tbl.PrepareCommit(ctx, "500", "owner-a", []string{"A1"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, ReasonExpired, prep.Failures[0].Reason)

	clock.Advance(2 * time.Minute)
	_, err = tbl.Sweep(ctx, 0)
	require.NoError(t, err)

	prep, err = tbl.PrepareCommit(ctx, "500", "owner-a", []string{"A1"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, ReasonNotLocked, prep.Failures[0].Reason)
	assert.NotContains(t, tbl.showtimes, "500")
}

func TestMemorySweepLimit(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	tbl := NewMemory(WithClock(clock.Now))
	for _, owner := range []string{"a", "b", "c"} {
		acquire(t, tbl, "500", owner, "seat-"+owner)
	}
	clock.Advance(ttl + time.Second)

	muts, err := tbl.Sweep(ctx, 2)
	require.NoError(t, err)
	require.Len(t, muts, 1)
	assert.Len(t, muts[0].Changes, 2)

	muts, err = tbl.Sweep(ctx, 2)
	require.NoError(t, err)
	require.Len(t, muts, 1)
	assert.Len(t, muts[0].Changes, 1)
}

func TestMemoryPinnedLockSurvivesSweep(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	tbl := NewMemory(WithClock(clock.Now))
	acquire(t, tbl, "500", "owner-a", "A1")
	clock.Advance(ttl - time.Second)

	prep, err := tbl.PrepareCommit(ctx, "500", "owner-a", []string{"A1"}, 30*time.Second)
	require.NoError(t, err)
	require.Empty(t, prep.Failures)

	clock.Advance(5 * time.Second)
	muts, err := tbl.Sweep(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, muts)

	b := acquire(t, tbl, "500", "owner-b", "A1")
	assert.Equal(t, ReasonLockedByOther, b.Conflicts[0].Reason)

	mu, err := tbl.CompleteCommit(ctx, "500", prep.LockID, []string{"A1"})
	require.NoError(t, err)
	assert.Equal(t, CauseCommitted, mu.Changes[0].Cause)
}

func TestMemoryUnknownShowtimesLeaveNoEntries(t *testing.T) {
	ctx := context.Background()
	tbl := NewMemory()

	for i := 0; i < 10000; i++ {
		id := fmt.Sprintf("bogus-%d", i)
		mu, err := tbl.Release(ctx, ReleaseRequest{ShowtimeID: id, OwnerToken: "owner-a"})
		require.NoError(t, err)
		assert.True(t, mu.Empty())

		ext, err := tbl.Extend(ctx, id, "owner-a", []string{"A1"}, ttl)
		require.NoError(t, err)
		assert.Empty(t, ext.Extended)

		locks, err := tbl.Snapshot(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, locks)

		prep, err := tbl.PrepareCommit(ctx, id, "owner-a", []string{"A1"}, time.Second)
		require.NoError(t, err)
		assert.Equal(t, []Conflict{{SeatID: "A1", Reason: ReasonNotLocked}}, prep.Failures)

		require.NoError(t, tbl.AbortCommit(ctx, id, "lock-x"))
	}
	assert.Empty(t, tbl.showtimes)
}

func TestMemorySweepPrunesEmptyShowtimes(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	tbl := NewMemory(WithClock(clock.Now), WithRetention(0))

	first := acquire(t, tbl, "500", "owner-a", "A1")
	_, err := tbl.Release(ctx, ReleaseRequest{ShowtimeID: "500", OwnerToken: "owner-a"})
	require.NoError(t, err)
	acquire(t, tbl, "501", "owner-a", "B1")
	clock.Advance(ttl + time.Second)

	_, err = tbl.Sweep(ctx, 0)
	require.NoError(t, err)
	assert.NotContains(t, tbl.showtimes, "500")
	// 501 still remembers the reclaimed lock until the next pass.
	_, err = tbl.Sweep(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, tbl.showtimes)

	again := acquire(t, tbl, "500", "owner-b", "A1")
	require.Equal(t, []string{"A1"}, again.Granted)
	assert.Greater(t, again.Mutation.Revision, first.Mutation.Revision)
}

func TestMemoryKeepsShowtimesWithBookedSeats(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	tbl := NewMemory(WithClock(clock.Now))

	acquire(t, tbl, "500", "owner-a", "A1")
	prep, err := tbl.PrepareCommit(ctx, "500", "owner-a", []string{"A1"}, time.Second)
	require.NoError(t, err)
	_, err = tbl.CompleteCommit(ctx, "500", prep.LockID, []string{"A1"})
	require.NoError(t, err)

	clock.Advance(time.Hour)
	_, err = tbl.Sweep(ctx, 0)
	require.NoError(t, err)

	b := acquire(t, tbl, "500", "owner-b", "A1")
	assert.Equal(t, []Conflict{{SeatID: "A1", Reason: ReasonBooked}}, b.Conflicts)
}

func TestCoalesceKeepsLastChange(t *testing.T) {
	got := coalesce([]SeatChange{
		{SeatID: "A1", Status: "available", Cause: CauseExpired},
		{SeatID: "A2", Status: "available", Cause: CauseExpired},
		{SeatID: "A1", Status: "locked", Cause: CauseAcquired},
	})
	assert.Equal(t, []SeatChange{
		{SeatID: "A1", Status: "locked", Cause: CauseAcquired},
		{SeatID: "A2", Status: "available", Cause: CauseExpired},
	}, got)
}
