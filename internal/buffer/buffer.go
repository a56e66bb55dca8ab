// Package buffer holds events waiting for batch delivery.
//
// Two strategies implement Buffer:
//   - CacheBuffer: a JSON list in a storage.Store guarded by a store lock,
//     bounded by a capacity with ring eviction.
//   - RedisBuffer: a redis list, unbounded, popped atomically by a script.
//
// Neither returns errors to callers. A push that cannot complete is dropped
// and a pop that cannot complete returns an empty batch.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"logshipper/internal/shipper"
	"logshipper/internal/storage"
	logx "logshipper/pkg/logx"
)

const (
	DefaultKey      = "log_shipper_buffer"
	DefaultCapacity = 1000

	// MaxPopBatch is the largest accepted PopBatch size.
	MaxPopBatch = 10000
)

var ErrUnknownDriver = errors.New("buffer: unknown driver")

// Buffer is an ordered queue of payloads.
type Buffer interface {
	Push(ctx context.Context, p shipper.Payload)
	// PopBatch removes and returns up to n of the oldest payloads. n outside
	// 1..MaxPopBatch returns nil without touching the buffer.
	PopBatch(ctx context.Context, n int) []shipper.Payload
	// Requeue puts a popped batch back at the head in its original order.
	Requeue(ctx context.Context, batch []shipper.Payload)
	// Size is approximate under concurrent use.
	Size(ctx context.Context) int
}

type Config struct {
	Driver   string // "redis" (default) or "cache"
	Key      string
	Capacity int

	LockWait time.Duration
}

// Deps are the connections a driver may need.
type Deps struct {
	Store storage.Store
	Redis redis.UniversalClient
	Log   logx.Logger
}

// Open selects the strategy named by cfg.Driver.
func Open(cfg Config, deps Deps) (Buffer, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "redis":
		if deps.Redis == nil {
			return nil, errors.New("buffer: redis driver requires a redis connection")
		}
		return NewRedis(deps.Redis, cfg.Key, WithLogger(deps.Log)), nil
	case "cache":
		if deps.Store == nil {
			return nil, errors.New("buffer: cache driver requires a store")
		}
		return NewCache(deps.Store, cfg.Key, cfg.Capacity, WithLogger(deps.Log), WithLockWait(cfg.LockWait)), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
}

// Driver names the strategy behind b.
func Driver(b Buffer) string {
	switch b.(type) {
	case *CacheBuffer:
		return "cache"
	case *RedisBuffer:
		return "redis"
	default:
		return "unknown"
	}
}

func validBatch(n int) bool { return n >= 1 && n <= MaxPopBatch }

type options struct {
	log       logx.Logger
	lockWait  time.Duration
	scripting bool
}

type Option func(*options)

func WithLogger(l logx.Logger) Option {
	return func(o *options) {
		if !l.IsZero() {
			o.log = l
		}
	}
}

// WithLockWait bounds how long the cache buffer waits for its lock.
func WithLockWait(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.lockWait = d
		}
	}
}

// WithScripting toggles the atomic pop script of the redis buffer.
func WithScripting(on bool) Option { return func(o *options) { o.scripting = on } }

func applyOptions(opts []Option) options {
	o := options{log: logx.Nop(), lockWait: 5 * time.Second, scripting: true}
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	o.log = o.log.With(logx.Internal())
	return o
}
