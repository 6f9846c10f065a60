package cache

import (
	"context"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

// Locker hands out a single named redsync mutex. Acquire does not wait: a
// lock held elsewhere returns an error immediately.
type Locker struct {
	mutex *redsync.Mutex
	name  string
}

func NewLocker(client *redis.Client, name string, expiry time.Duration) *Locker {
	rs := redsync.New(goredis.NewPool(client))
	return &Locker{
		mutex: rs.NewMutex(name, redsync.WithExpiry(expiry), redsync.WithTries(1)),
		name:  name,
	}
}

func (l *Locker) Acquire(ctx context.Context) (func(), error) {
	if err := l.mutex.LockContext(ctx); err != nil {
		return nil, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if ok, err := l.mutex.UnlockContext(ctx); err != nil || !ok {
			log.Warnf("[Cache] release of lock %s failed (ok=%v): %v", l.name, ok, err)
		}
	}, nil
}
