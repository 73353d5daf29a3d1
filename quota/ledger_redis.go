package quota

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

var redisUsagePrefix string = "quota/"

// reserveScript makes check-then-commit a single atomic round trip.
// KEYS[1] usage counter, ARGV[1] amount, ARGV[2] limit (-1 unlimited).
var reserveScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local amount = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
if limit >= 0 and current + amount > limit then
	return {0, current}
end
current = redis.call('INCRBY', KEYS[1], amount)
return {1, current}
`)

// releaseScript decrements with a floor at zero.
var releaseScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local amount = tonumber(ARGV[1])
if amount > current then
	amount = current
end
if amount > 0 then
	redis.call('DECRBY', KEYS[1], amount)
end
return current - amount
`)

// RedisLedger keeps usage counters in redis so that multiple
// processes share one view of tenant consumption. Policies are local,
// immutable configuration.
type RedisLedger struct {
	Client   *redis.Client
	policies *PolicySet
}

var _ Ledger = (*RedisLedger)(nil)

func NewRedisLedger(redisURL string, policies *PolicySet) (*RedisLedger, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	if _, err := rdb.Ping(context.TODO()).Result(); err != nil {
		return nil, err
	}
	return &RedisLedger{Client: rdb, policies: policies}, nil
}

func usageKey(tenant string, r Resource) string {
	return redisUsagePrefix + tenant + "/" + string(r)
}

func (l *RedisLedger) Check(ctx context.Context, tenant string, r Resource, amount int64) (Result, error) {
	current, err := l.Client.Get(ctx, usageKey(tenant, r)).Int64()
	if err == redis.Nil {
		current = 0
	} else if err != nil {
		return Result{}, err
	}
	limit, ok := l.policies.Limit(tenant, r)
	if !ok {
		return Result{Allowed: true, Resource: r, Current: current, Limit: -1}, nil
	}
	return Result{
		Allowed:  current+amount <= limit,
		Resource: r,
		Current:  current,
		Limit:    limit,
	}, nil
}

func (l *RedisLedger) Reserve(ctx context.Context, tenant string, r Resource, amount int64) (Result, error) {
	limit, ok := l.policies.Limit(tenant, r)
	if !ok {
		limit = -1
	}
	raw, err := reserveScript.Run(ctx, l.Client, []string{usageKey(tenant, r)}, amount, limit).Result()
	if err != nil {
		return Result{}, err
	}
	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 2 {
		return Result{}, fmt.Errorf("unexpected reserve script reply: %v", raw)
	}
	allowed := vals[0].(int64) == 1
	current := vals[1].(int64)
	if allowed {
		quotaReservations.WithLabelValues(string(r)).Inc()
	} else {
		quotaDenials.WithLabelValues(string(r)).Inc()
	}
	return Result{Allowed: allowed, Resource: r, Current: current, Limit: limit}, nil
}

func (l *RedisLedger) Release(ctx context.Context, tenant string, r Resource, amount int64) error {
	return releaseScript.Run(ctx, l.Client, []string{usageKey(tenant, r)}, amount).Err()
}

func (l *RedisLedger) Usage(ctx context.Context, tenant string) (map[Resource]int64, error) {
	out := make(map[Resource]int64)
	for _, r := range AllResources {
		v, err := l.Client.Get(ctx, usageKey(tenant, r)).Int64()
		if err == redis.Nil {
			continue
		} else if err != nil {
			return nil, err
		}
		out[r] = v
	}
	return out, nil
}
