// Package ratewatch flags bursts of successful redemptions for a class.
//
// It is advisory: counting or reporting failures are logged and never reach
// the redemption path.
package ratewatch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"rollcall/cmd/ids"

	"github.com/redis/go-redis/v9"
)

// Counter records a redemption at `at` and returns how many redemptions for
// classID fall within (at-window, at], including this one.
type Counter interface {
	Count(ctx context.Context, classID int64, at time.Time, window time.Duration) (int, error)
}

// MarkCounter is the ledger query LedgerCounter relies on.
type MarkCounter interface {
	CountSince(ctx context.Context, classID int64, since time.Time) (int, error)
}

// LedgerCounter counts marks already persisted in the attendance ledger.
// The ledger is the record, so nothing is written here.
type LedgerCounter struct {
	Marks MarkCounter
}

func (c LedgerCounter) Count(ctx context.Context, classID int64, at time.Time, window time.Duration) (int, error) {
	return c.Marks.CountSince(ctx, classID, at.Add(-window))
}

// RedisCounter keeps a sliding window per class in a sorted set scored by
// unix milliseconds, so several server instances share one view.
type RedisCounter struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisCounter constructs a RedisCounter. Keys are "<prefix>:<class_id>".
func NewRedisCounter(rdb redis.UniversalClient, prefix string) *RedisCounter {
	if prefix == "" {
		prefix = "rollcall:redeem"
	}
	return &RedisCounter{rdb: rdb, prefix: prefix}
}

func (c *RedisCounter) key(classID int64) string {
	return c.prefix + ":" + strconv.FormatInt(classID, 10)
}

func (c *RedisCounter) Count(ctx context.Context, classID int64, at time.Time, window time.Duration) (int, error) {
	member, err := ids.NewULID(at)
	if err != nil {
		return 0, err
	}
	key := c.key(classID)
	nowMS := at.UnixMilli()
	cutoff := nowMS - window.Milliseconds()

	var card *redis.IntCmd
	_, err = c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, key, redis.Z{Score: float64(nowMS), Member: member})
		p.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))
		card = p.ZCard(ctx, key)
		p.PExpire(ctx, key, 2*window)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis window: %w", err)
	}
	return int(card.Val()), nil
}
