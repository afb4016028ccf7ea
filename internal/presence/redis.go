package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/blink-signaling/internal/store"
)

// Redis tracks presence in a sorted set scored by the time of the last
// heartbeat, so every gateway instance sees the same count.
type Redis struct {
	rdb redis.Cmdable
	key string
	ttl time.Duration
	now func() time.Time
}

// NewRedis returns a tracker storing its set under prefix+"presence".
func NewRedis(rdb redis.Cmdable, prefix string, ttl time.Duration) *Redis {
	return &Redis{rdb: rdb, key: prefix + "presence", ttl: ttl, now: time.Now}
}

func (r *Redis) Heartbeat(ctx context.Context, participantID string) error {
	err := r.rdb.ZAdd(ctx, r.key, redis.Z{
		Score:  float64(r.now().UnixMilli()),
		Member: participantID,
	}).Err()
	return wrap(err)
}

func (r *Redis) Leave(ctx context.Context, participantID string) error {
	return wrap(r.rdb.ZRem(ctx, r.key, participantID).Err())
}

// Count trims entries older than the TTL before counting.
func (r *Redis) Count(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.ttl).UnixMilli()
	pipe := r.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, r.key, "-inf", "("+strconv.FormatInt(cutoff, 10))
	card := pipe.ZCard(ctx, r.key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, wrap(err)
	}
	return card.Val(), nil
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("presence: %w: %v", store.ErrUnavailable, err)
}
