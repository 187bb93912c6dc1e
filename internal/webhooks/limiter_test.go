package webhooks

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiter(t *testing.T) {
	l := NewMemoryLimiter(2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, wait, err := l.Allow(ctx, "wh_a")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Zero(t, wait)
	}

	ok, wait, err := l.Allow(ctx, "wh_a")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, 30*time.Second)

	ok, _, _ = l.Allow(ctx, "wh_b")
	assert.True(t, ok, "buckets are per subscription")

	l.Forget("wh_a")
	ok, _, _ = l.Allow(ctx, "wh_a")
	assert.True(t, ok, "a forgotten subscription starts with a full bucket")
}

func TestMemoryLimiterDeniedAttemptDoesNotConsume(t *testing.T) {
	l := NewMemoryLimiter(1)
	ctx := context.Background()

	ok, _, _ := l.Allow(ctx, "wh_a")
	require.True(t, ok)
	_, first, _ := l.Allow(ctx, "wh_a")
	_, second, _ := l.Allow(ctx, "wh_a")
	assert.InDelta(t, first.Seconds(), second.Seconds(), 1, "cancelled reservations must not push the wait out")
}

func TestMemoryLimiterClampsRate(t *testing.T) {
	l := NewMemoryLimiter(0)
	ok, _, err := l.Allow(context.Background(), "wh_a")
	require.NoError(t, err)
	assert.True(t, ok)
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := NewRedisClient(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLimiter(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLimiter(client, 2, time.Minute)
	clock := newFakeClock()
	clock.advanceTo(clock.Now().Truncate(time.Minute).Add(40 * time.Second))
	l.now = clock.Now
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, _, err := l.Allow(ctx, "wh_a")
		require.NoError(t, err)
		assert.True(t, ok)
	}

	ok, wait, err := l.Allow(ctx, "wh_a")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 20*time.Second, wait)

	ok, _, err = l.Allow(ctx, "wh_b")
	require.NoError(t, err)
	assert.True(t, ok)

	key := "herald:ratelimit:wh_a:" + strconv.FormatInt(clock.Now().Truncate(time.Minute).Unix(), 10)
	require.True(t, mr.Exists(key))
	assert.Equal(t, time.Minute, mr.TTL(key))

	clock.advance(time.Minute)
	ok, _, err = l.Allow(ctx, "wh_a")
	require.NoError(t, err)
	assert.True(t, ok, "a new window resets the count")
}

func TestRedisLimiterFailsOpen(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLimiter(client, 1, time.Minute)
	mr.Close()

	ok, _, err := l.Allow(context.Background(), "wh_a")
	assert.True(t, ok)
	assert.Error(t, err)
}

func TestNewRedisClientErrors(t *testing.T) {
	_, err := NewRedisClient(context.Background(), "not-a-redis-url")
	assert.ErrorContains(t, err, "invalid redis url")
}
