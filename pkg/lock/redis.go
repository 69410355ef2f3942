package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// releaseScript deletes the key only while it still holds our token, so an
// expired lock re-acquired by another process is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lease only while the key still holds our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

type RedisConfig struct {
	Prefix     string
	TTL        time.Duration
	RetryDelay time.Duration
}

// Redis is a lease lock shared between processes. A live holder renews its
// lease every TTL/3; a holder that dies keeps the key until TTL expires.
type Redis struct {
	client     redis.UniversalClient
	prefix     string
	ttl        time.Duration
	retryDelay time.Duration
	logger     *logrus.Logger
}

var _ Locker = (*Redis)(nil)

func NewRedis(client redis.UniversalClient, cfg RedisConfig, logger *logrus.Logger) *Redis {
	if cfg.Prefix == "" {
		cfg.Prefix = "shadowtrade:lock:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 50 * time.Millisecond
	}
	return &Redis{
		client:     client,
		prefix:     cfg.Prefix,
		ttl:        cfg.TTL,
		retryDelay: cfg.RetryDelay,
		logger:     logger,
	}
}

// TryLock makes a single attempt and returns ErrNotAcquired when the key is held.
func (r *Redis) TryLock(ctx context.Context, key string) (func(), error) {
	redisKey := r.prefix + key
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis SETNX %s: %w", redisKey, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}

	stop := make(chan struct{})
	go r.renew(redisKey, token, stop)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			// The caller's context may already be done.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, r.client, []string{redisKey}, token).Err(); err != nil {
				r.logger.WithError(err).WithField("key", redisKey).Warn("Failed to release lock")
			}
		})
	}, nil
}

// renew keeps the lease alive until stop is closed or the lease is lost.
func (r *Redis) renew(redisKey, token string, stop <-chan struct{}) {
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), r.ttl/3)
		n, err := renewScript.Run(ctx, r.client, []string{redisKey}, token, r.ttl.Milliseconds()).Int64()
		cancel()
		if err != nil {
			r.logger.WithError(err).WithField("key", redisKey).Warn("Failed to renew lock")
			continue
		}
		if n == 0 {
			r.logger.WithField("key", redisKey).Error("Lock lease lost before release")
			return
		}
	}
}

// Lock retries TryLock until it succeeds or ctx ends.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	delay := r.retryDelay
	for {
		unlock, err := r.TryLock(ctx, key)
		if err == nil {
			return unlock, nil
		}
		if err != ErrNotAcquired {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for lock %s: %w", key, ctx.Err())
		case <-time.After(delay):
		}
		if delay < time.Second {
			delay *= 2
		}
	}
}
