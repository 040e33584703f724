// Package redisvolume provides a Redis-backed alerting.VolumeCounter shared
// by every warden instance.
package redisvolume

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/warden/internal/alerting"
)

// Counter records alert creations in a sorted set scored by unix milliseconds.
type Counter struct {
	rdb       redis.UniversalClient
	setKey    string
	firstKey  string
	retention time.Duration
}

// New creates a counter under the given key prefix. Entries older than
// retention are trimmed on every Record.
func New(rdb redis.UniversalClient, prefix string, retention time.Duration) *Counter {
	if prefix == "" {
		prefix = "warden"
	}
	return &Counter{
		rdb:       rdb,
		setKey:    prefix + ":breaker:creations",
		firstKey:  prefix + ":breaker:first",
		retention: retention,
	}
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", addr, err)
	}
	return rdb, nil
}

// Record implements alerting.VolumeCounter.
func (c *Counter) Record(ctx context.Context, at time.Time) error {
	ms := at.UnixMilli()
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, c.setKey, redis.Z{Score: float64(ms), Member: ulid.Make().String()})
		pipe.SetNX(ctx, c.firstKey, ms, 0)
		if c.retention > 0 {
			cutoff := at.Add(-c.retention).UnixMilli()
			pipe.ZRemRangeByScore(ctx, c.setKey, "-inf", "("+strconv.FormatInt(cutoff, 10))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record creation: %w", unavailable(err))
	}
	return nil
}

// Count implements alerting.VolumeCounter. Both ends are inclusive.
func (c *Counter) Count(ctx context.Context, since, until time.Time) (int64, error) {
	n, err := c.rdb.ZCount(ctx, c.setKey,
		strconv.FormatInt(since.UnixMilli(), 10),
		strconv.FormatInt(until.UnixMilli(), 10),
	).Result()
	if err != nil {
		return 0, fmt.Errorf("count creations: %w", unavailable(err))
	}
	return n, nil
}

// Earliest implements alerting.VolumeCounter.
func (c *Counter) Earliest(ctx context.Context) (time.Time, bool, error) {
	ms, err := c.rdb.Get(ctx, c.firstKey).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read first creation: %w", unavailable(err))
	}
	return time.UnixMilli(ms), true, nil
}

// Reset removes all recorded creations.
func (c *Counter) Reset(ctx context.Context) error {
	if err := c.rdb.Del(ctx, c.setKey, c.firstKey).Err(); err != nil {
		return fmt.Errorf("reset: %w", unavailable(err))
	}
	return nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", alerting.ErrUpstreamUnavailable, err)
}

var _ alerting.VolumeCounter = (*Counter)(nil)
