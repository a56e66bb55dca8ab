package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// lockPoll is how often Block retries a held lock.
var lockPoll = 50 * time.Millisecond

type locker interface {
	tryLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	unlock(ctx context.Context, name, owner string) error
}

type lease struct {
	l     locker
	name  string
	owner string
	ttl   time.Duration
}

func newLease(l locker, name string, ttl time.Duration) *lease {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &lease{l: l, name: name, owner: uuid.NewString(), ttl: ttl}
}

func (k *lease) Block(ctx context.Context, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	for {
		ok, err := k.l.tryLock(ctx, k.name, k.owner, k.ttl)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if !time.Now().Before(deadline) {
			return ErrLockTimeout
		}
		t := time.NewTimer(min(lockPoll, time.Until(deadline)))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (k *lease) Release(ctx context.Context) error {
	return k.l.unlock(ctx, k.name, k.owner)
}
