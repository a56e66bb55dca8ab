package circuit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logshipper/internal/eventbus"
	"logshipper/internal/storage"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newBreaker(t *testing.T, cfg Config) (*Breaker, *clock) {
	t.Helper()
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	return New(storage.NewMemory(), cfg, WithClock(c.Now)), c
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	b, _ := newBreaker(t, Config{Enabled: true})
	for i := 0; i < DefaultThreshold-1; i++ {
		b.RecordFailure(ctx)
		assert.False(t, b.IsOpen(ctx), "open after %d failures", i+1)
	}
	b.RecordFailure(ctx)
	assert.True(t, b.IsOpen(ctx))

	st := b.State(ctx)
	assert.True(t, st.Open)
	assert.EqualValues(t, DefaultThreshold, st.Failures)
}

func TestBreakerExpiresAfterDuration(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	b, c := newBreaker(t, Config{Enabled: true, Threshold: 2, Duration: time.Minute})
	b.RecordFailure(ctx)
	b.RecordFailure(ctx)
	require.True(t, b.IsOpen(ctx))

	c.Advance(59 * time.Second)
	assert.True(t, b.IsOpen(ctx))
	c.Advance(2 * time.Second)
	assert.False(t, b.IsOpen(ctx))
}

func TestBreakerSuccessResets(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	b, _ := newBreaker(t, Config{Enabled: true, Threshold: 3})
	b.RecordFailure(ctx)
	b.RecordFailure(ctx)
	b.RecordSuccess(ctx)
	assert.EqualValues(t, 0, b.Failures(ctx))

	b.RecordFailure(ctx)
	b.RecordFailure(ctx)
	assert.False(t, b.IsOpen(ctx))
	b.RecordFailure(ctx)
	assert.True(t, b.IsOpen(ctx))
}

func TestBreakerDisabled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	b, _ := newBreaker(t, Config{Enabled: false, Threshold: 1})
	b.RecordFailure(ctx)
	assert.False(t, b.IsOpen(ctx))
	assert.False(t, b.State(ctx).Enabled)

	var nilBreaker *Breaker
	assert.False(t, nilBreaker.IsOpen(ctx))
	nilBreaker.RecordFailure(ctx)
}

func TestBreakerSharedAcrossInstances(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	st := storage.NewMemory()
	a := New(st, Config{Enabled: true, Threshold: 2})
	b := New(st, Config{Enabled: true, Threshold: 2})
	a.RecordFailure(ctx)
	b.RecordFailure(ctx)
	assert.True(t, a.IsOpen(ctx))
	assert.True(t, b.IsOpen(ctx))
}

func TestBreakerPublishesOpen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	b := New(storage.NewMemory(), Config{Enabled: true, Threshold: 1}, WithBus(bus))
	b.RecordFailure(ctx)

	select {
	case ev := <-ch:
		assert.Equal(t, eventbus.TypeCircuitOpened, ev.Type)
		data, ok := ev.Data.(eventbus.CircuitEvent)
		require.True(t, ok)
		assert.EqualValues(t, 1, data.Failures)
	case <-time.After(time.Second):
		t.Fatal("no circuit event")
	}
}
