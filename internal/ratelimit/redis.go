package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// twoWindowScript checks the minute and hour windows for a key in one atomic
// step. Both windows are sorted sets of request timestamps; expired members
// are pruned before counting, and the request is recorded in both sets only
// when both windows admit it, so there is no split decision between them.
//
// KEYS[1] = minute window key
// KEYS[2] = hour window key
// ARGV[1] = now (unix nanoseconds)
// ARGV[2] = minute limit
// ARGV[3] = hour limit
//
// Returns {verdict, minuteCount, hourCount} where verdict is
// 0 = allowed, 1 = minute limit hit, 2 = hour limit hit.
var twoWindowScript = redis.NewScript(`
		local minKey  = KEYS[1]
		local hourKey = KEYS[2]
		local now     = tonumber(ARGV[1])
		local rpm     = tonumber(ARGV[2])
		local rph     = tonumber(ARGV[3])

		local minute = 60 * 1e9
		local hour   = 3600 * 1e9

		redis.call('ZREMRANGEBYSCORE', minKey, 0, now - minute)
		redis.call('ZREMRANGEBYSCORE', hourKey, 0, now - hour)

		local minCount  = redis.call('ZCARD', minKey)
		local hourCount = redis.call('ZCARD', hourKey)

		if minCount >= rpm then
			return {1, minCount, hourCount}
		end
		if hourCount >= rph then
			return {2, minCount, hourCount}
		end

		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', minKey, now, member)
		redis.call('ZADD', hourKey, now, member)
		redis.call('PEXPIRE', minKey, 60 * 1000)
		redis.call('PEXPIRE', hourKey, 3600 * 1000)
		return {0, minCount + 1, hourCount + 1}
`)

// RedisLimiter shares the sliding windows and concurrent slots across
// replicas. When Redis is unreachable the limiter fails open and allows
// the request.
type RedisLimiter struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisLimiter creates a limiter using the given client. prefix namespaces
// the keys, e.g. "rl".
func NewRedisLimiter(rdb redis.UniversalClient, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "rl"
	}
	return &RedisLimiter{rdb: rdb, prefix: prefix}
}

func (r *RedisLimiter) minuteKey(key string) string { return r.prefix + ":m:{" + key + "}" }
func (r *RedisLimiter) hourKey(key string) string   { return r.prefix + ":h:{" + key + "}" }
func (r *RedisLimiter) slotKey(key string) string   { return r.prefix + ":c:{" + key + "}" }

// Check runs the two-window script and, when the windows admit the request,
// verifies the concurrent slot count.
func (r *RedisLimiter) Check(ctx context.Context, key string, policy Policy) (Decision, error) {
	p := NormalizePolicy(policy)
	d := Decision{MinuteLimit: p.RPM, HourLimit: p.RPH}

	res, err := twoWindowScript.Run(ctx, r.rdb,
		[]string{r.minuteKey(key), r.hourKey(key)},
		time.Now().UnixNano(), p.RPM, p.RPH,
	).Int64Slice()
	if err != nil {
		// Redis unavailable: fail open rather than block all traffic.
		d.Allowed = true
		d.MinuteRemaining = p.RPM
		d.HourRemaining = p.RPH
		return d, nil
	}
	if len(res) != 3 {
		return d, fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}

	verdict, minCount, hourCount := res[0], int(res[1]), int(res[2])
	d.MinuteRemaining = clampNonNegative(p.RPM - minCount)
	d.HourRemaining = clampNonNegative(p.RPH - hourCount)

	switch verdict {
	case 1:
		d.Reason = ReasonMinuteLimit
		d.RetryAfter = minuteWindow
		return d, nil
	case 2:
		d.Reason = ReasonHourLimit
		d.RetryAfter = hourWindow
		return d, nil
	}

	used, err := r.rdb.Get(ctx, r.slotKey(key)).Int()
	if err != nil && err != redis.Nil {
		d.Allowed = true
		return d, nil
	}
	if used >= p.Concurrent {
		d.Reason = ReasonConcurrentLimit
		d.RetryAfter = time.Second
		return d, nil
	}

	d.Allowed = true
	return d, nil
}

// StartRequest takes a concurrent slot. The slot key carries a TTL so an
// instance crash cannot leak slots forever.
func (r *RedisLimiter) StartRequest(ctx context.Context, key string) error {
	pipe := r.rdb.TxPipeline()
	pipe.Incr(ctx, r.slotKey(key))
	pipe.Expire(ctx, r.slotKey(key), hourWindow)
	_, err := pipe.Exec(ctx)
	return err
}

// FinishRequest releases a concurrent slot, clamping at zero.
func (r *RedisLimiter) FinishRequest(ctx context.Context, key string) error {
	n, err := r.rdb.Decr(ctx, r.slotKey(key)).Result()
	if err != nil {
		return err
	}
	if n < 0 {
		return r.rdb.Set(ctx, r.slotKey(key), 0, hourWindow).Err()
	}
	return nil
}

// Status reports window usage from the live sets.
func (r *RedisLimiter) Status(ctx context.Context, key string, policy Policy) (Status, error) {
	p := NormalizePolicy(policy)
	now := time.Now()

	pipe := r.rdb.Pipeline()
	minCard := pipe.ZCount(ctx, r.minuteKey(key),
		fmt.Sprint(now.Add(-minuteWindow).UnixNano()), "+inf")
	hourCard := pipe.ZCount(ctx, r.hourKey(key),
		fmt.Sprint(now.Add(-hourWindow).UnixNano()), "+inf")
	slots := pipe.Get(ctx, r.slotKey(key))
	_, err := pipe.Exec(ctx)
	if err != nil && err != redis.Nil {
		return Status{}, err
	}

	used, _ := slots.Int()
	if used < 0 {
		used = 0
	}
	return Status{
		PerMinute: WindowStatus{
			Limit:   p.RPM,
			Used:    int(minCard.Val()),
			ResetAt: now.Add(minuteWindow),
		},
		PerHour: WindowStatus{
			Limit:   p.RPH,
			Used:    int(hourCard.Val()),
			ResetAt: now.Add(hourWindow),
		},
		Concurrent: SlotStatus{
			Limit: p.Concurrent,
			Used:  used,
		},
	}, nil
}
