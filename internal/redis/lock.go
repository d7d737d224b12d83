package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrLockNotAcquired means another dispatcher holds the key.
var ErrLockNotAcquired = errors.New("lock not acquired")

// Deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Extends the lease only if the key still holds our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RecipientLock serializes deliveries to one recipient across processes.
// Lock does not wait: a held key fails fast with ErrLockNotAcquired.
//
// The lease is ttl long and is renewed every ttl/3 until unlock, so a
// transport call that outlives ttl keeps the recipient locked. If the process
// dies the key expires after at most ttl.
type RecipientLock struct {
	client     *Client
	logger     *zap.Logger
	ttl        time.Duration
	renewEvery time.Duration
}

func NewRecipientLock(client *Client, ttl time.Duration, logger *zap.Logger) *RecipientLock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RecipientLock{client: client, logger: logger, ttl: ttl, renewEvery: ttl / 3}
}

func (l *RecipientLock) Lock(ctx context.Context, key string) (func(), error) {
	k := "lock:" + key
	token := uuid.NewString()

	ok, err := l.client.rdb.SetNX(ctx, k, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLockNotAcquired, key)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.renew(k, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done

			// The caller's context may already be cancelled.
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, l.client.rdb, []string{k}, token).Err(); err != nil {
				l.logger.Warn("failed to release lock", zap.String("key", key), zap.Error(err))
			}
		})
	}, nil
}

// renew extends the lease until stop is closed or the lease is lost.
func (l *RecipientLock) renew(k, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.renewEvery)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.renewEvery)
			n, err := renewScript.Run(ctx, l.client.rdb, []string{k}, token, l.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				l.logger.Warn("failed to renew lock", zap.String("key", k), zap.Error(err))
				continue
			}
			if n == 0 {
				l.logger.Warn("lock lease lost", zap.String("key", k))
				return
			}
		}
	}
}
