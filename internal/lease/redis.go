package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yairfalse/warden/types"
)

// Token-checked scripts: a holder can only touch a key still carrying its token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a Locker backed by SET NX PX
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis creates a locker; keys are stored under prefix
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "warden:lease:"
	}
	return &Redis{client: client, prefix: prefix}
}

// Ping checks the connection
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %v: %w", err, types.ErrStorageUnavailable)
	}
	return nil
}

// Acquire claims key for ttl unless another token holds it
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		return nil, types.Invalid("ttl", "must be positive")
	}
	token := newToken()
	ok, err := r.client.SetNX(ctx, r.prefix+key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %v: %w", key, err, types.ErrStorageUnavailable)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrHeld)
	}
	return &redisLease{owner: r, key: key, token: token}, nil
}

type redisLease struct {
	owner *Redis
	key   string
	token string
}

func (l *redisLease) Key() string { return l.key }

func (l *redisLease) Refresh(ctx context.Context, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, l.owner.client, []string{l.owner.prefix + l.key}, l.token, ttl.Milliseconds()).Int64()
	return l.result("refresh", n, err)
}

func (l *redisLease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.owner.client, []string{l.owner.prefix + l.key}, l.token).Int64()
	return l.result("release", n, err)
}

func (l *redisLease) result(op string, n int64, err error) error {
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%s %s: %v: %w", op, l.key, err, types.ErrStorageUnavailable)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", l.key, ErrLost)
	}
	return nil
}
