package storage

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConn describes one named redis connection.
type RedisConn struct {
	Addr     string
	Username string
	Password string
	DB       int
}

// NewRedisClient dials lazily; the first command opens the connection.
func NewRedisClient(c RedisConn) *redis.Client {
	addr := c.Addr
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: c.Username,
		Password: c.Password,
		DB:       c.DB,
	})
}

// releaseScript deletes the lock only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type redisStore struct {
	rdb redis.UniversalClient
}

// NewRedis wraps an existing client. Close does not close the client.
func NewRedis(rdb redis.UniversalClient) Store {
	return &redisStore{rdb: rdb}
}

func (r *redisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return b, err
}

func (r *redisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

func (r *redisStore) Delete(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}

func (r *redisStore) Increment(ctx context.Context, key string) (int64, error) {
	return r.rdb.Incr(ctx, key).Result()
}

func (r *redisStore) Lock(name string, ttl time.Duration) Lock {
	return newLease(r, name, ttl)
}

func (r *redisStore) tryLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	return r.rdb.SetNX(ctx, name, owner, ttl).Result()
}

func (r *redisStore) unlock(ctx context.Context, name, owner string) error {
	return releaseScript.Run(ctx, r.rdb, []string{name}, owner).Err()
}

func (r *redisStore) Close() error { return nil }
