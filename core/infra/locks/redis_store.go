package locks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultTTL = 30 * time.Second
	keyPrefix  = "cad:lock:"
)

// Release and renew only act when the caller still owns the key.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisLocker implements Locker with SET NX PX plus owner-checked scripts.
type RedisLocker struct {
	client redis.UniversalClient
}

func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) TryAcquire(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	key, err := l.key(resource, owner)
	if err != nil {
		return false, err
	}
	return l.client.SetNX(ctx, key, owner, normalizeTTL(ttl)).Result()
}

func (l *RedisLocker) Renew(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	key, err := l.key(resource, owner)
	if err != nil {
		return false, err
	}
	n, err := renewScript.Run(ctx, l.client, []string{key}, owner, normalizeTTL(ttl).Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *RedisLocker) Release(ctx context.Context, resource, owner string) (bool, error) {
	key, err := l.key(resource, owner)
	if err != nil {
		return false, err
	}
	n, err := releaseScript.Run(ctx, l.client, []string{key}, owner).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *RedisLocker) key(resource, owner string) (string, error) {
	if l == nil || l.client == nil {
		return "", fmt.Errorf("lock store unavailable")
	}
	resource = strings.TrimSpace(resource)
	if resource == "" || strings.TrimSpace(owner) == "" {
		return "", fmt.Errorf("resource and owner required")
	}
	return keyPrefix + resource, nil
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return defaultTTL
	}
	return ttl
}
