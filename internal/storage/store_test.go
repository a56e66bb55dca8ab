package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "logshipper/pkg/logx"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "cache.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })

	rs, err := Open(Config{Driver: "redis", Client: rdb}, logx.Nop())
	require.NoError(t, err)

	mem, err := Open(Config{}, logx.Nop())
	require.NoError(t, err)

	return map[string]Store{"memory": mem, "sqlite": sq, "redis": rs}
}

func TestStoreContract(t *testing.T) {
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := st.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, st.Put(ctx, "k", []byte("v1"), 0))
			got, err := st.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, "v1", string(got))

			require.NoError(t, st.Put(ctx, "k", []byte("v2"), time.Minute))
			got, err = st.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, "v2", string(got))

			require.NoError(t, st.Delete(ctx, "k"))
			_, err = st.Get(ctx, "k")
			assert.ErrorIs(t, err, ErrNotFound)

			for i := int64(1); i <= 3; i++ {
				n, err := st.Increment(ctx, "counter")
				require.NoError(t, err)
				assert.Equal(t, i, n)
			}
			require.NoError(t, st.Delete(ctx, "counter"))
			n, err := st.Increment(ctx, "counter")
			require.NoError(t, err)
			assert.EqualValues(t, 1, n)
		})
	}
}

func TestStoreLockExcludes(t *testing.T) {
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			a := st.Lock("buf:lock", 5*time.Second)
			b := st.Lock("buf:lock", 5*time.Second)

			require.NoError(t, a.Block(ctx, time.Second))
			assert.ErrorIs(t, b.Block(ctx, 120*time.Millisecond), ErrLockTimeout)

			// a stale holder cannot release someone else's lock
			require.NoError(t, a.Release(ctx))
			require.NoError(t, b.Block(ctx, time.Second))
			require.NoError(t, a.Release(ctx))
			assert.ErrorIs(t, st.Lock("buf:lock", time.Second).Block(ctx, 60*time.Millisecond), ErrLockTimeout)
			require.NoError(t, b.Release(ctx))
		})
	}
}

func TestStoreLockSerializesCounters(t *testing.T) {
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				holders int
				maxSeen int
			)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					l := st.Lock("ser", 5*time.Second)
					if err := l.Block(ctx, 5*time.Second); err != nil {
						return
					}
					mu.Lock()
					holders++
					maxSeen = max(maxSeen, holders)
					mu.Unlock()
					time.Sleep(5 * time.Millisecond)
					mu.Lock()
					holders--
					mu.Unlock()
					_ = l.Release(ctx)
				}()
			}
			wg.Wait()
			assert.Equal(t, 1, maxSeen)
		})
	}
}

func TestMemoryExpiry(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	m := newMemory(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, "k", []byte("v"), time.Second))
	now = now.Add(2 * time.Second)
	_, err := m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	l := m.Lock("x", time.Second)
	require.NoError(t, l.Block(ctx, 0))
	now = now.Add(2 * time.Second)
	// expired lease can be taken over
	require.NoError(t, m.Lock("x", time.Second).Block(ctx, 0))
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()

	_, err := Open(Config{Driver: "mongo"}, logx.Nop())
	assert.Error(t, err)
	_, err = Open(Config{Driver: "redis"}, logx.Nop())
	assert.Error(t, err)
}
