package entitlement

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// redisKeyPrefix + subscriber id holds the premium expiry as unix seconds.
const redisKeyPrefix = "entitlement:premium:"

// Redis reads premium expiries from Redis. A missing key means no premium;
// an expiry in the past means it lapsed.
type Redis struct {
	rdb *goredis.Client
	now func() time.Time
}

func NewRedis(rdb *goredis.Client) *Redis {
	return &Redis{rdb: rdb, now: time.Now}
}

func (r *Redis) Premium(ctx context.Context, subscriberID string) (bool, error) {
	val, err := r.rdb.Get(ctx, redisKeyPrefix+subscriberID).Result()
	if err == goredis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("entitlement get: %w", err)
	}
	expiry, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return false, fmt.Errorf("entitlement value %q: %w", val, err)
	}
	return r.now().Unix() < expiry, nil
}
