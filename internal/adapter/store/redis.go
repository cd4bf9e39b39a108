package store

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aeropartners/aeropartners/internal/domain"
)

// RedisStore implements domain.DedupStore and domain.RateLimitStore on a
// shared Redis instance, so multiple collector replicas agree on dedup and
// window counts.
type RedisStore struct {
	client *redis.Client
	incr   *redis.Script
}

// incrScript bumps a window counter and stamps its TTL only on creation, so
// the bucket expires with the window no matter how many events land in it.
const incrScript = `
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		incr:   redis.NewScript(incrScript),
	}
}

const dedupPrefix = "dedup:"
const ratePrefix = "rate:"

// Seen reports whether the fingerprint is present.
func (s *RedisStore) Seen(ctx domain.Context, fingerprint string) (bool, error) {
	n, err := s.client.Exists(ctx, dedupPrefix+fingerprint).Result()
	if err != nil {
		return false, fmt.Errorf("op=store.seen: %w", err)
	}
	return n > 0, nil
}

// Add records the fingerprint with a TTL.
func (s *RedisStore) Add(ctx domain.Context, fingerprint string, ttl time.Duration) error {
	if err := s.client.Set(ctx, dedupPrefix+fingerprint, 1, ttl).Err(); err != nil {
		return fmt.Errorf("op=store.add: %w", err)
	}
	return nil
}

// Incr atomically bumps the bucket and returns the post-increment count.
func (s *RedisStore) Incr(ctx domain.Context, key string, ttl time.Duration) (int64, error) {
	res, err := s.incr.Run(ctx, s.client, []string{ratePrefix + key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("op=store.incr: %w", err)
	}
	return res, nil
}

// Count returns the bucket's current count, zero when absent.
func (s *RedisStore) Count(ctx domain.Context, key string) (int64, error) {
	res, err := s.client.Get(ctx, ratePrefix+key).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("op=store.count: %w", err)
	}
	return res, nil
}
