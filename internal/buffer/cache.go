package buffer

import (
	"context"
	"errors"
	"time"

	json "github.com/goccy/go-json"

	"logshipper/internal/shipper"
	"logshipper/internal/storage"
	logx "logshipper/pkg/logx"
)

const (
	pushLockTTL = 5 * time.Second
	popLockTTL  = 10 * time.Second
)

// CacheBuffer stores the whole list under one store key. Every mutation
// takes the "<key>:lock" lock; Size reads without it.
type CacheBuffer struct {
	store    storage.Store
	key      string
	capacity int
	opt      options
}

func NewCache(store storage.Store, key string, capacity int, opts ...Option) *CacheBuffer {
	if key == "" {
		key = DefaultKey
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &CacheBuffer{store: store, key: key, capacity: capacity, opt: applyOptions(opts)}
}

func (b *CacheBuffer) lockName() string { return b.key + ":lock" }

// Push appends p, evicting the oldest items when the list is at capacity.
func (b *CacheBuffer) Push(ctx context.Context, p shipper.Payload) {
	item, err := shipper.Encode(p)
	if err != nil {
		b.opt.log.Debug("buffer.encode_failed", logx.Err(err))
		return
	}

	lock := b.store.Lock(b.lockName(), pushLockTTL)
	if err := lock.Block(ctx, b.opt.lockWait); err != nil {
		b.opt.log.Warn("buffer.push_dropped", logx.String("key", b.key), logx.Err(err))
		return
	}
	defer b.release(lock)

	items := b.read(ctx)
	if len(items) >= b.capacity {
		items = items[len(items)-b.capacity+1:]
	}
	items = append(items, item)
	if err := b.write(ctx, items); err != nil {
		b.opt.log.Warn("buffer.push_dropped", logx.String("key", b.key), logx.Err(err))
	}
}

func (b *CacheBuffer) PopBatch(ctx context.Context, n int) []shipper.Payload {
	if !validBatch(n) {
		return nil
	}

	lock := b.store.Lock(b.lockName(), popLockTTL)
	if err := lock.Block(ctx, b.opt.lockWait); err != nil {
		b.opt.log.Debug("buffer.pop_skipped", logx.String("key", b.key), logx.Err(err))
		return nil
	}
	defer b.release(lock)

	items := b.read(ctx)
	if len(items) == 0 {
		return nil
	}
	n = min(n, len(items))
	head, rest := items[:n], items[n:]

	var err error
	if len(rest) == 0 {
		err = b.store.Delete(ctx, b.key)
	} else {
		err = b.write(ctx, rest)
	}
	if err != nil {
		// Nothing was removed; handing the items out would duplicate them.
		b.opt.log.Warn("buffer.pop_failed", logx.String("key", b.key), logx.Err(err))
		return nil
	}

	return decodeItems(head, b.opt.log)
}

// Requeue prepends batch. When the list would exceed capacity the oldest
// items go first, the same as Push.
func (b *CacheBuffer) Requeue(ctx context.Context, batch []shipper.Payload) {
	if len(batch) == 0 {
		return
	}
	head := make([]json.RawMessage, 0, len(batch))
	for _, p := range batch {
		item, err := shipper.Encode(p)
		if err != nil {
			b.opt.log.Debug("buffer.encode_failed", logx.Err(err))
			continue
		}
		head = append(head, item)
	}

	lock := b.store.Lock(b.lockName(), pushLockTTL)
	if err := lock.Block(ctx, b.opt.lockWait); err != nil {
		b.opt.log.Warn("buffer.requeue_dropped", logx.String("key", b.key), logx.Int("items", len(head)), logx.Err(err))
		return
	}
	defer b.release(lock)

	items := append(head, b.read(ctx)...)
	if over := len(items) - b.capacity; over > 0 {
		items = items[over:]
	}
	if err := b.write(ctx, items); err != nil {
		b.opt.log.Warn("buffer.requeue_dropped", logx.String("key", b.key), logx.Int("items", len(head)), logx.Err(err))
	}
}

func (b *CacheBuffer) Size(ctx context.Context) int {
	return len(b.read(ctx))
}

// read treats a missing or corrupt list as empty.
func (b *CacheBuffer) read(ctx context.Context) []json.RawMessage {
	raw, err := b.store.Get(ctx, b.key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			b.opt.log.Debug("buffer.read_failed", logx.Err(err))
		}
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		b.opt.log.Debug("buffer.corrupt", logx.String("key", b.key), logx.Err(err))
		return nil
	}
	return items
}

func (b *CacheBuffer) write(ctx context.Context, items []json.RawMessage) error {
	raw, err := json.Marshal(items)
	if err != nil {
		return err
	}
	return b.store.Put(ctx, b.key, raw, 0)
}

func (b *CacheBuffer) release(l storage.Lock) {
	// Release even when the caller's context is already done.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.Release(ctx); err != nil {
		b.opt.log.Debug("buffer.unlock_failed", logx.Err(err))
	}
}

func decodeItems[T ~[]byte | ~string](items []T, log logx.Logger) []shipper.Payload {
	out := make([]shipper.Payload, 0, len(items))
	for _, it := range items {
		p, err := shipper.Decode([]byte(it))
		if err != nil {
			log.Debug("buffer.item_skipped", logx.Err(err))
			continue
		}
		out = append(out, p)
	}
	return out
}
