// Package redislock is a Redis-backed mutual exclusion lock keyed by string.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNotAcquired is returned when the lock stayed held for the whole wait
var ErrNotAcquired = errors.New("lock not acquired")

// release deletes the key only while it still holds our token
var release = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Config controls lock lifetime and acquisition
type Config struct {
	// TTL bounds how long a crashed holder can block others
	TTL time.Duration
	// Wait is the longest Lock blocks before giving up
	Wait time.Duration
	// RetryInterval between attempts while waiting
	RetryInterval time.Duration
}

// DefaultConfig returns settings sized for a single request
func DefaultConfig() Config {
	return Config{
		TTL:           10 * time.Second,
		Wait:          2 * time.Second,
		RetryInterval: 50 * time.Millisecond,
	}
}

// Locker hands out locks stored in Redis
type Locker struct {
	client *redis.Client
	config Config
	logger *zap.Logger
}

// New creates a locker on client
func New(client *redis.Client, cfg Config, logger *zap.Logger) *Locker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Locker{client: client, config: cfg, logger: logger}
}

// Lock blocks until key is acquired, Wait elapses or ctx is done. The
// returned func releases the lock if it is still ours.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.New().String()
	ctx, cancel := context.WithTimeout(ctx, l.config.Wait)
	defer cancel()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.config.TTL).Result()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("failed to acquire %s: %w", key, err)
		}
		if ok {
			return func() { l.unlock(key, token) }, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrNotAcquired, key)
		case <-time.After(l.config.RetryInterval):
		}
	}
}

func (l *Locker) unlock(key, token string) {
	// the request context may already be cancelled
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n, err := release.Run(ctx, l.client, []string{key}, token).Int()
	if err != nil {
		l.logger.Warn("failed to release lock", zap.String("key", key), zap.Error(err))
		return
	}
	if n == 0 {
		l.logger.Warn("lock expired before release", zap.String("key", key))
	}
}
