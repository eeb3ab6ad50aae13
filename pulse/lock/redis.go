package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/teranos/pulsecron/errors"
)

// keyPrefix namespaces lock keys: pulsecron:lock:{name}
const keyPrefix = "pulsecron:lock:"

func lockKey(name string) string { return keyPrefix + name }

// releaseScript deletes the key only if it still holds our token, so a lock
// that expired and was re-taken by another instance is left alone.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisProvider implements Provider with SET NX PX on a shared Redis.
// The caller owns the client lifecycle.
type RedisProvider struct {
	client goredis.Cmdable
}

// NewRedisProvider creates a Redis-backed lock provider.
func NewRedisProvider(client goredis.Cmdable) *RedisProvider {
	return &RedisProvider{client: client}
}

// Ping verifies the Redis connection is alive.
func (p *RedisProvider) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// TryAcquire implements Provider.
func (p *RedisProvider) TryAcquire(ctx context.Context, name string, ttl, wait time.Duration) (Handle, error) {
	token := uuid.NewString()
	key := lockKey(name)

	ok, err := retryUntil(ctx, wait, func() (bool, error) {
		acquired, err := p.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return false, errors.Wrapf(err, "redis lock setnx %s", name)
		}
		return acquired, nil
	})
	if err != nil || !ok {
		return nil, err
	}
	return &redisHandle{client: p.client, name: name, token: token}, nil
}

type redisHandle struct {
	client goredis.Cmdable
	name   string
	token  string
}

func (h *redisHandle) Name() string { return h.name }

func (h *redisHandle) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, h.client, []string{lockKey(h.name)}, h.token).Err(); err != nil {
		return errors.Wrapf(err, "redis lock release %s", h.name)
	}
	return nil
}
