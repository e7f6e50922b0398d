package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only when it still holds our owner token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript refreshes the TTL only when the key still holds our owner token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisMutex implements Mutex with SET NX PX. The value of each key is the
// owner token of the acquisition holding it.
type RedisMutex struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisMutex wraps an existing client. Keys are stored as prefix+key.
func NewRedisMutex(client redis.UniversalClient, prefix string) *RedisMutex {
	if prefix == "" {
		prefix = "convo:lock:"
	}
	return &RedisMutex{client: client, prefix: prefix}
}

// NewRedisMutexFromURL parses a redis:// URL, pings the server and returns a mutex.
func NewRedisMutexFromURL(ctx context.Context, url string) (*RedisMutex, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisMutex(client, ""), nil
}

func (m *RedisMutex) TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := m.client.SetNX(ctx, m.prefix+key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis lock %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (m *RedisMutex) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, m.client, []string{m.prefix + key}, token, ttl.Milliseconds()).Int()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("redis extend %s: %w", key, err)
	}
	return n == 1, nil
}

func (m *RedisMutex) Release(ctx context.Context, key, token string) error {
	if token == "" {
		return nil
	}
	if err := releaseScript.Run(ctx, m.client, []string{m.prefix + key}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("redis unlock %s: %w", key, err)
	}
	return nil
}

// Close closes the underlying client.
func (m *RedisMutex) Close() error {
	return m.client.Close()
}
