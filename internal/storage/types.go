package storage

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrDisabled    = errors.New("storage disabled")
	ErrNotFound    = errors.New("storage: key not found")
	ErrLockTimeout = errors.New("storage: lock wait timed out")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local map (default)
//   - "sqlite": SQLite database file shared by processes on one host
//   - "redis": shared redis server
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Client is the connection used by the redis driver. The caller owns it.
	Client redis.UniversalClient
}

// Store is a key/value cache with TTLs, counters and a distributed lock.
type Store interface {
	// Get returns ErrNotFound for missing or expired keys.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put stores value. ttl <= 0 keeps it until deleted.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Increment adds one to a decimal counter, creating it at 1.
	Increment(ctx context.Context, key string) (int64, error)
	// Lock returns an unacquired lock on name. The lock expires after ttl
	// even if never released.
	Lock(name string, ttl time.Duration) Lock
	Close() error
}

// Lock is a named mutual-exclusion lease.
type Lock interface {
	// Block waits up to wait for the lock. It returns ErrLockTimeout when
	// the lock is still held elsewhere after wait.
	Block(ctx context.Context, wait time.Duration) error
	// Release frees the lock if this holder still owns it.
	Release(ctx context.Context) error
}
