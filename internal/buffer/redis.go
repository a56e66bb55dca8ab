package buffer

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"logshipper/internal/shipper"
	logx "logshipper/pkg/logx"
)

// popScript removes and returns the first ARGV[1] items in one step.
var popScript = redis.NewScript(`
local items = redis.call("LRANGE", KEYS[1], 0, tonumber(ARGV[1]) - 1)
if #items > 0 then
	redis.call("LTRIM", KEYS[1], #items, -1)
end
return items
`)

// RedisBuffer is a redis list: RPUSH to append, script or LPOP to remove.
type RedisBuffer struct {
	rdb redis.UniversalClient
	key string
	opt options
}

func NewRedis(rdb redis.UniversalClient, key string, opts ...Option) *RedisBuffer {
	if key == "" {
		key = DefaultKey
	}
	return &RedisBuffer{rdb: rdb, key: key, opt: applyOptions(opts)}
}

func (b *RedisBuffer) Push(ctx context.Context, p shipper.Payload) {
	item, err := shipper.Encode(p)
	if err != nil {
		b.opt.log.Debug("buffer.encode_failed", logx.Err(err))
		return
	}
	if err := b.rdb.RPush(ctx, b.key, item).Err(); err != nil {
		b.opt.log.Warn("buffer.push_dropped", logx.String("key", b.key), logx.Err(err))
	}
}

func (b *RedisBuffer) PopBatch(ctx context.Context, n int) []shipper.Payload {
	if !validBatch(n) {
		return nil
	}
	if b.opt.scripting {
		items, err := popScript.Run(ctx, b.rdb, []string{b.key}, n).StringSlice()
		if err == nil || errors.Is(err, redis.Nil) {
			return decodeItems(items, b.opt.log)
		}
		b.opt.log.Debug("buffer.script_failed", logx.Err(err))
	}
	return b.popSequential(ctx, n)
}

// popSequential is the fallback when scripts are unavailable. Two concurrent
// extractors may interleave their pops.
func (b *RedisBuffer) popSequential(ctx context.Context, n int) []shipper.Payload {
	items := make([]string, 0, n)
	for i := 0; i < n; i++ {
		it, err := b.rdb.LPop(ctx, b.key).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				b.opt.log.Debug("buffer.lpop_failed", logx.Err(err))
			}
			break
		}
		items = append(items, it)
	}
	return decodeItems(items, b.opt.log)
}

// Requeue LPUSHes batch in reverse so its first item ends up at the head.
func (b *RedisBuffer) Requeue(ctx context.Context, batch []shipper.Payload) {
	items := make([]any, 0, len(batch))
	for i := len(batch) - 1; i >= 0; i-- {
		item, err := shipper.Encode(batch[i])
		if err != nil {
			b.opt.log.Debug("buffer.encode_failed", logx.Err(err))
			continue
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		return
	}
	if err := b.rdb.LPush(ctx, b.key, items...).Err(); err != nil {
		b.opt.log.Warn("buffer.requeue_dropped", logx.String("key", b.key), logx.Int("items", len(items)), logx.Err(err))
	}
}

func (b *RedisBuffer) Size(ctx context.Context) int {
	n, err := b.rdb.LLen(ctx, b.key).Result()
	if err != nil {
		return 0
	}
	return int(n)
}
