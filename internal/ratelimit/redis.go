package ratelimit

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/diagnosis/bus-reserve/pkg/logger"
)

// slidingWindowScript trims the sorted set to the window, then adds the
// request only if the count is still below the maximum.
var slidingWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local now_ms = tonumber(ARGV[1])
	local window_ms = tonumber(ARGV[2])
	local max = tonumber(ARGV[3])
	local member = ARGV[4]

	redis.call('ZREMRANGEBYSCORE', key, '-inf', now_ms - window_ms)
	local count = redis.call('ZCARD', key)
	if count >= max then
		return 0
	end
	redis.call('ZADD', key, now_ms, member)
	redis.call('PEXPIRE', key, window_ms)
	return 1
`)

// RedisSlidingWindow shares the window between processes through a Redis sorted set.
type RedisSlidingWindow struct {
	rdb    redis.UniversalClient
	prefix string
	max    int
	window time.Duration
	now    func() time.Time
}

func NewRedisSlidingWindow(rdb redis.UniversalClient, prefix string, max int, window time.Duration) *RedisSlidingWindow {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RedisSlidingWindow{rdb: rdb, prefix: prefix, max: max, window: window, now: time.Now}
}

// Key hashes the identifier so dealer logins never appear in Redis.
func (r *RedisSlidingWindow) Key(id string) string {
	sum := sha256.Sum256([]byte(id))
	return fmt.Sprintf("%s:%x", r.prefix, sum[:])
}

func (r *RedisSlidingWindow) Allow(ctx context.Context, id string) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	now := r.now()
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + uuid.NewString()
	res, err := slidingWindowScript.Run(ctx, r.rdb, []string{r.Key(id)},
		now.UnixMilli(), r.window.Milliseconds(), r.max, member).Int()
	if err != nil {
		// On redis error, allow the request (fail open)
		logger.WarnContext(ctx, "Rate limiter unavailable, allowing request", "error", err)
		return true
	}
	return res == 1
}

var _ Limiter = (*RedisSlidingWindow)(nil)
