package locks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cordum/toolforge/core/infra/redisutil"
)

const (
	defaultTTL = 30 * time.Second
	keyPrefix  = "toolforge:lease:"
)

type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects a Redis-backed lease store.
func NewRedisStore(ctx context.Context, url string, opts ...redisutil.Option) (*RedisStore, error) {
	client, err := redisutil.Connect(ctx, url, opts...)
	if err != nil {
		return nil, err
	}
	return &RedisStore{client: client}, nil
}

// Close shuts down the Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	name, owner, err := s.check(name, owner)
	if err != nil {
		return false, err
	}
	ok, err := s.client.SetNX(ctx, leaseKey(name), owner, normalizeTTL(ttl)).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if ok {
		return true, nil
	}
	// Re-acquiring our own lease extends it.
	return s.Renew(ctx, name, owner, ttl)
}

func (s *RedisStore) Renew(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	name, owner, err := s.check(name, owner)
	if err != nil {
		return false, err
	}
	n, err := renewScript.Run(ctx, s.client, []string{leaseKey(name)}, owner, normalizeTTL(ttl).Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew lease %s: %w", name, err)
	}
	return n == 1, nil
}

func (s *RedisStore) Release(ctx context.Context, name, owner string) (bool, error) {
	name, owner, err := s.check(name, owner)
	if err != nil {
		return false, err
	}
	n, err := releaseScript.Run(ctx, s.client, []string{leaseKey(name)}, owner).Int()
	if err != nil {
		return false, fmt.Errorf("release lease %s: %w", name, err)
	}
	return n == 1, nil
}

// Get returns the current holder, or nil when the lease is free.
func (s *RedisStore) Get(ctx context.Context, name string) (*Lease, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("lease store unavailable")
	}
	name = strings.TrimSpace(name)
	key := leaseKey(name)
	pipe := s.client.TxPipeline()
	get := pipe.Get(ctx, key)
	pttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	owner, err := get.Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	lease := &Lease{Name: name, Owner: owner}
	if d := pttl.Val(); d > 0 {
		lease.ExpiresAt = time.Now().UTC().Add(d)
	}
	return lease, nil
}

func (s *RedisStore) check(name, owner string) (string, string, error) {
	if s == nil || s.client == nil {
		return "", "", errors.New("lease store unavailable")
	}
	name = strings.TrimSpace(name)
	owner = strings.TrimSpace(owner)
	if name == "" || owner == "" {
		return "", "", errors.New("lease name and owner required")
	}
	return name, owner, nil
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return defaultTTL
	}
	return ttl
}

func leaseKey(name string) string {
	return keyPrefix + name
}

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("DEL", KEYS[1])
  return 1
end
return 0
`)
