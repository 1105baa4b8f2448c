package store

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rafaeljc/paygate/internal/occurrence"
	"github.com/rafaeljc/paygate/internal/validation"
)

var _ occurrence.AtomicStore = (*RedisOccurrences)(nil)

// recordIfBelowScript trims members older than the window, counts it and
// adds the occurrence in one step.
// KEYS[1] = sorted set, ARGV = since, at, max, member.
var recordIfBelowScript = redis.NewScript(`
if ARGV[1] ~= '-inf' then
	redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
end
local count = redis.call('ZCOUNT', KEYS[1], ARGV[1], '+inf')
if count >= tonumber(ARGV[3]) then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[4])
return 1
`)

// RedisOccurrences keeps one sorted set per occurrence key, scored by unix
// milliseconds, so several instances of one user share their limits.
type RedisOccurrences struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisOccurrences creates a store whose keys are namespaced by prefix.
func NewRedisOccurrences(client *redis.Client, prefix string) *RedisOccurrences {
	validation.AssertNotNil(client, "redis client")
	if prefix == "" {
		prefix = "paygate:occurrences"
	}
	return &RedisOccurrences{client: client, prefix: prefix}
}

func (s *RedisOccurrences) key(key string) string {
	return s.prefix + ":" + key
}

// CountSince counts occurrences of key recorded at or after since.
func (s *RedisOccurrences) CountSince(ctx context.Context, key string, since time.Time) (int, error) {
	count, err := s.client.ZCount(ctx, s.key(key), score(since), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count occurrences of %q: %w", key, err)
	}
	if count > math.MaxInt32 {
		count = math.MaxInt32
	}
	return int(count), nil
}

// Record appends an occurrence of key.
func (s *RedisOccurrences) Record(ctx context.Context, key string, at time.Time) error {
	err := s.client.ZAdd(ctx, s.key(key), redis.Z{
		Score:  float64(millis(at)),
		Member: uuid.NewString(),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to record occurrence of %q: %w", key, err)
	}
	return nil
}

// RecordIfBelow runs the trim, the count and the insert as one Lua script.
func (s *RedisOccurrences) RecordIfBelow(ctx context.Context, key string, since, at time.Time, max int) (bool, error) {
	res, err := recordIfBelowScript.Run(ctx, s.client,
		[]string{s.key(key)},
		score(since), millis(at), max, uuid.NewString(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to record occurrence of %q: %w", key, err)
	}
	return res == 1, nil
}

func score(t time.Time) string {
	if t.IsZero() {
		return "-inf"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}
