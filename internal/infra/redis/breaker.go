package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/fieldtrace/syncpipe/internal/retry"
	goredis "github.com/redis/go-redis/v9"
)

const (
	breakerFailuresKey = "syncpipe:breaker:failures"
	breakerOpenKey     = "syncpipe:breaker:open"
)

// failureScript counts a failure inside the sliding window and trips the
// breaker open once the threshold is reached.
// KEYS[1]=failures KEYS[2]=open ARGV[1]=windowSecs ARGV[2]=threshold ARGV[3]=cooldownSecs
var failureScript = goredis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
if count >= tonumber(ARGV[2]) then
  redis.call("SET", KEYS[2], "1", "EX", ARGV[3])
  redis.call("DEL", KEYS[1])
  return 1
end
return 0
`)

var _ retry.Breaker = (*RedisBreaker)(nil)

// RedisBreaker is the distributed circuit breaker: the failure window and
// the open flag live in Redis so every orchestrator worker pauses together
// during an ERP outage.
type RedisBreaker struct {
	client    *goredis.Client
	threshold int
	window    time.Duration
	cooldown  time.Duration
	script    *goredis.Script
}

func NewRedisBreaker(client *goredis.Client, threshold int, window, cooldown time.Duration) (*RedisBreaker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if threshold < 1 {
		threshold = retry.DefaultBreakerThreshold
	}
	if window <= 0 {
		window = retry.DefaultBreakerWindow
	}
	if cooldown <= 0 {
		cooldown = retry.DefaultBreakerCooldown
	}

	return &RedisBreaker{
		client:    client,
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
		script:    failureScript,
	}, nil
}

func (b *RedisBreaker) Allow(ctx context.Context) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	exists, err := b.client.Exists(ctx, breakerOpenKey).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check breaker state: %w", err)
	}

	return exists == 0, nil
}

func (b *RedisBreaker) RecordFailure(ctx context.Context) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	windowSecs := int64(b.window / time.Second)
	cooldownSecs := int64(b.cooldown / time.Second)
	result, err := b.script.Run(ctx, b.client,
		[]string{breakerFailuresKey, breakerOpenKey},
		windowSecs, b.threshold, cooldownSecs,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to record breaker failure: %w", err)
	}

	return result == 1, nil
}

func (b *RedisBreaker) RecordSuccess(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := b.client.Del(ctx, breakerFailuresKey).Err(); err != nil {
		return fmt.Errorf("failed to clear breaker failures: %w", err)
	}

	return nil
}
