package state

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// casScript implements compare-and-set atomically in Redis. An empty expected
// value means the key must not exist. TTL is in seconds; 0 keeps no expiry.
var casScript = redis.NewScript(`
	local cur = redis.call('GET', KEYS[1])
	if ARGV[1] == '' then
		if cur then return 0 end
	else
		if cur ~= ARGV[1] then return 0 end
	end
	if tonumber(ARGV[3]) > 0 then
		redis.call('SET', KEYS[1], ARGV[2], 'EX', ARGV[3])
	else
		redis.call('SET', KEYS[1], ARGV[2])
	end
	return 1
`)

// incrScript increments a counter and applies the TTL only on creation so a
// window cannot be extended by later hits.
var incrScript = redis.NewScript(`
	local v = redis.call('INCRBY', KEYS[1], ARGV[1])
	if tonumber(ARGV[2]) > 0 and tostring(v) == ARGV[1] then
		redis.call('EXPIRE', KEYS[1], ARGV[2])
	end
	return v
`)

// windowScript keeps a sliding log of hit timestamps in a sorted set: prune
// everything at or before the window start, record the new hit, count what
// remains. ARGV: cutoff score, hit score, member, ttl millis.
var windowScript = redis.NewScript(`
	redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
	redis.call('ZADD', KEYS[1], ARGV[2], ARGV[3])
	redis.call('PEXPIRE', KEYS[1], ARGV[4])
	return redis.call('ZCARD', KEYS[1])
`)

// RedisBackend implements Backend on a Redis-compatible store.
type RedisBackend struct {
	client redis.UniversalClient
}

// NewRedisBackend wraps an existing client.
func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client}
}

// NewRedisBackendFromURL connects from a redis:// URL and verifies the
// connection.
func NewRedisBackendFromURL(ctx context.Context, url string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse state back-end URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to state back-end: %w", err)
	}
	return &RedisBackend{client: client}, nil
}

func (b *RedisBackend) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := b.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: get %s: %v", ErrUnavailable, key, err)
	}
	return val, true, nil
}

func (b *RedisBackend) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := b.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: put %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (b *RedisBackend) PutIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	won, err := b.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: putnx %s: %v", ErrUnavailable, key, err)
	}
	return won, nil
}

func (b *RedisBackend) CompareAndSet(ctx context.Context, key, expected, value string, ttl time.Duration) (bool, error) {
	ttlSecs := int64(0)
	if ttl > 0 {
		ttlSecs = int64(ttl / time.Second)
		if ttlSecs == 0 {
			ttlSecs = 1
		}
	}
	res, err := casScript.Run(ctx, b.client, []string{key}, expected, value, ttlSecs).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: cas %s: %v", ErrUnavailable, key, err)
	}
	return res == 1, nil
}

func (b *RedisBackend) IncrementBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	ttlSecs := int64(0)
	if ttl > 0 {
		ttlSecs = int64(ttl / time.Second)
		if ttlSecs == 0 {
			ttlSecs = 1
		}
	}
	val, err := incrScript.Run(ctx, b.client, []string{key}, delta, ttlSecs).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: incr %s: %v", ErrUnavailable, key, err)
	}
	return val, nil
}

func (b *RedisBackend) WindowHit(ctx context.Context, key string, window time.Duration, now time.Time) (int64, error) {
	cutoff := now.Add(-window).UnixNano()
	score := now.UnixNano()
	member := strconv.FormatInt(score, 10) + ":" + uuid.New().String()
	count, err := windowScript.Run(ctx, b.client, []string{key},
		cutoff, score, member, window.Milliseconds()+1).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: window %s: %v", ErrUnavailable, key, err)
	}
	return count, nil
}

func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: del %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

// Close releases the underlying client.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
