package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/charforge-backend/pkg/redis"
)

func newTracker(t *testing.T, ttl time.Duration) (*Tracker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	raw := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = raw.Close() })
	tracker, err := NewTracker(redis.Wrap(raw), "outbox-publisher", ttl)
	require.NoError(t, err)
	return tracker, mr
}

func TestClaimOnlyOnce(t *testing.T) {
	tracker, mr := newTracker(t, time.Hour)
	ctx := context.Background()
	id := uuid.New()

	ok, err := tracker.Claim(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = tracker.Claim(ctx, id)
	require.NoError(t, err)
	require.False(t, ok)

	key := "cf:idempotency:evt:published:outbox-publisher:" + id.String()
	require.True(t, mr.Exists(key))
	require.Equal(t, time.Hour, mr.TTL(key))
}

func TestReleaseAllowsRetry(t *testing.T) {
	tracker, _ := newTracker(t, time.Hour)
	ctx := context.Background()
	id := uuid.New()

	_, err := tracker.Claim(ctx, id)
	require.NoError(t, err)
	require.NoError(t, tracker.Release(ctx, id))

	ok, err := tracker.Claim(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMarkerExpires(t *testing.T) {
	tracker, mr := newTracker(t, time.Minute)
	ctx := context.Background()
	id := uuid.New()

	_, err := tracker.Claim(ctx, id)
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)

	ok, err := tracker.Claim(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestTrackerValidation(t *testing.T) {
	_, err := NewTracker(nil, "relay", time.Hour)
	require.Error(t, err)

	tracker, _ := newTracker(t, time.Hour)
	_, err = tracker.Claim(context.Background(), uuid.Nil)
	require.Error(t, err)

	raw := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:0"})
	defer raw.Close()
	_, err = NewTracker(redis.Wrap(raw), "", time.Hour)
	require.Error(t, err)
	_, err = NewTracker(redis.Wrap(raw), "relay", -time.Second)
	require.Error(t, err)
}
