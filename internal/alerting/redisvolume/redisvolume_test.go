package redisvolume

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linnemanlabs/warden/internal/alerting"
)

func openCounter(t *testing.T, retention time.Duration) *Counter {
	t.Helper()
	addr := os.Getenv("WARDEN_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("WARDEN_TEST_REDIS_ADDR not set, skipping integration test")
	}
	rdb, err := Dial(context.Background(), addr, os.Getenv("WARDEN_TEST_REDIS_PASSWORD"), 0)
	require.NoError(t, err)

	c := New(rdb, "warden-test-"+ulid.Make().String(), retention)
	t.Cleanup(func() {
		_ = c.Reset(context.Background())
		_ = rdb.Close()
	})
	return c
}

func TestNew_KeyPrefix(t *testing.T) {
	t.Parallel()

	c := New(nil, "", time.Hour)
	assert.Equal(t, "warden:breaker:creations", c.setKey)
	assert.Equal(t, "warden:breaker:first", c.firstKey)

	c = New(nil, "blue", time.Hour)
	assert.Equal(t, "blue:breaker:creations", c.setKey)
}

func TestUnavailable_WrapsSentinel(t *testing.T) {
	t.Parallel()

	err := unavailable(errors.New("dial tcp: connection refused"))
	assert.ErrorIs(t, err, alerting.ErrUpstreamUnavailable)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestCounter_UnreachableServer(t *testing.T) {
	t.Parallel()

	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer func() { _ = rdb.Close() }()
	c := New(rdb, "unreachable", time.Hour)

	_, err := c.Count(context.Background(), time.Now().Add(-time.Hour), time.Now())
	assert.ErrorIs(t, err, alerting.ErrUpstreamUnavailable)
}

func TestCounter_RecordAndCount(t *testing.T) {
	c := openCounter(t, 0)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	_, ok, err := c.Earliest(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "empty counter reports an earliest creation")

	for i := range 5 {
		require.NoError(t, c.Record(ctx, base.Add(time.Duration(i)*10*time.Minute)))
	}

	n, err := c.Count(ctx, base, base.Add(40*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	n, err = c.Count(ctx, base.Add(15*time.Minute), base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	first, ok, err := c.Earliest(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, first.Equal(base), "earliest = %v, want %v", first, base)
}

func TestCounter_RetentionTrims(t *testing.T) {
	c := openCounter(t, time.Hour)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, c.Record(ctx, base))
	require.NoError(t, c.Record(ctx, base.Add(2*time.Hour)))

	n, err := c.Count(ctx, base.Add(-time.Hour), base.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	first, ok, err := c.Earliest(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, first.Equal(base), "earliest survives trimming")
}

func TestCounter_DrivesBreaker(t *testing.T) {
	c := openCounter(t, 0)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	p := alerting.DefaultPolicy().Breaker
	p.Threshold = 3
	b := alerting.NewCircuitBreaker(p, c, nil, alerting.BreakerHooks{})

	for range 4 {
		b.RecordCreation(ctx, now.Add(-time.Minute))
	}
	d := b.Evaluate(ctx, now)
	assert.Equal(t, alerting.BreakerOpen, d.State)
	assert.Equal(t, int64(4), d.Current)
}
