package lock

import (
	"context"
	"testing"
	"time"

	"github.com/matryer/is"
)

func TestMakeKey(t *testing.T) {
	is := is.New(t)
	key := MakeKey("handle", "realtime.sherbrooke", "R:vj1", "2012-06-15 14:00:00")
	is.Equal(key, "tripfeed|handle|realtime.sherbrooke|R:vj1|2012-06-15 14:00:00")
	is.Equal(MakeKey("purge", "gtfs-rt"), "tripfeed|purge|gtfs-rt")
}

func TestMemoryLockerExclusion(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	locker := NewMemoryLocker()

	first, err := locker.Acquire(ctx, "k", time.Minute)
	is.NoErr(err)
	is.True(first != nil)

	second, err := locker.Acquire(ctx, "k", time.Minute)
	is.NoErr(err)
	is.True(second == nil)

	is.NoErr(first.Release(ctx))
	is.True(!locker.Held("k"))

	third, err := locker.Acquire(ctx, "k", time.Minute)
	is.NoErr(err)
	is.True(third != nil)
}

func TestMemoryLockerTTLExpiry(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	locker := NewMemoryLocker()
	now := time.Date(2012, 6, 15, 14, 0, 0, 0, time.UTC)
	locker.clock = func() time.Time { return now }

	held, err := locker.Acquire(ctx, "k", time.Minute)
	is.NoErr(err)
	is.True(held != nil)

	now = now.Add(2 * time.Minute)
	reacquired, err := locker.Acquire(ctx, "k", time.Minute)
	is.NoErr(err)
	is.True(reacquired != nil)
}

func TestReleaseIdempotent(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	locker := NewMemoryLocker()

	held, err := locker.Acquire(ctx, "k", time.Minute)
	is.NoErr(err)
	is.NoErr(held.Release(ctx))
	is.NoErr(held.Release(ctx))

	var nilLock *Lock
	is.NoErr(nilLock.Release(ctx))
}
