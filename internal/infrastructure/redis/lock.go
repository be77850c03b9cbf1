package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/suokelife/messagebus/internal/application/messaging"
	"github.com/suokelife/messagebus/pkg/retry"
)

// Only the owner token may release the lock.
var releaseLockScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

var errLockHeld = errors.New("lock held by another instance")

// Locker serializes topic declaration across instances sharing one Redis.
type Locker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	wait   retry.Config
}

var _ messaging.Locker = (*Locker)(nil)

// NewLocker returns a locker whose locks expire after ttl if never released.
func NewLocker(client redis.UniversalClient, prefix string, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Locker{
		client: client,
		prefix: prefix + "lock:",
		ttl:    ttl,
		wait: retry.Config{
			MaxAttempts:  10,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     time.Second,
		},
	}
}

// Lock blocks until key is acquired or the wait budget runs out. The
// returned func releases it.
func (l *Locker) Lock(ctx context.Context, key string) (func(context.Context) error, error) {
	lockKey := l.prefix + key
	token := uuid.New().String()

	err := retry.Do(ctx, l.wait, func() error {
		ok, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
		if err != nil {
			return retry.Permanent(err)
		}
		if !ok {
			return errLockHeld
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}

	return func(ctx context.Context) error {
		res, err := releaseLockScript.Run(ctx, l.client, []string{lockKey}, token).Int64()
		if err != nil {
			return fmt.Errorf("failed to release lock %s: %w", key, err)
		}
		if res == 0 {
			return fmt.Errorf("lock %s expired before release", key)
		}
		return nil
	}, nil
}
