// Package circuit implements the shared failure-counting breaker that gates
// delivery attempts.
//
// State lives in a storage.Store so every process sharing the store sees the
// same breaker:
//   - On failure: increments the failure counter and, once it reaches the
//     threshold, writes a dead-until timestamp that expires after duration.
//   - On success: deletes the counter.
//
// There is no persisted "closed" transition. The circuit is open while now is
// before dead-until, and closes when that passes.
package circuit

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"logshipper/internal/eventbus"
	"logshipper/internal/storage"
	logx "logshipper/pkg/logx"
)

const (
	FailuresKey  = "log_shipper_failures"
	DeadUntilKey = "log_shipper_dead_until"

	DefaultThreshold = 5
	DefaultDuration  = 300 * time.Second

	storeTimeout = 2 * time.Second
)

type Config struct {
	Enabled   bool
	Threshold int
	Duration  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.Duration <= 0 {
		c.Duration = DefaultDuration
	}
	return c
}

// State is a point-in-time view for status reports.
type State struct {
	Enabled   bool      `json:"enabled"`
	Failures  int64     `json:"failures"`
	Open      bool      `json:"open"`
	DeadUntil time.Time `json:"dead_until,omitempty"`
}

type Breaker struct {
	store storage.Store
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time

	mu  sync.RWMutex
	cfg Config
}

type Option func(*Breaker)

func WithLogger(l logx.Logger) Option       { return func(b *Breaker) { b.log = l } }
func WithBus(bus eventbus.Bus) Option       { return func(b *Breaker) { b.bus = bus } }
func WithClock(now func() time.Time) Option { return func(b *Breaker) { b.now = now } }

func New(store storage.Store, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{store: store, cfg: cfg.withDefaults(), now: time.Now, log: logx.Nop()}
	for _, o := range opts {
		if o != nil {
			o(b)
		}
	}
	b.log = b.log.With(logx.Internal())
	return b
}

// Apply swaps thresholds at runtime. Stored state is kept.
func (b *Breaker) Apply(cfg Config) {
	b.mu.Lock()
	b.cfg = cfg.withDefaults()
	b.mu.Unlock()
}

func (b *Breaker) config() Config {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg
}

func (b *Breaker) Enabled() bool {
	return b != nil && b.store != nil && b.config().Enabled
}

// IsOpen reports whether delivery should be skipped right now.
func (b *Breaker) IsOpen(ctx context.Context) bool {
	until, ok := b.DeadUntil(ctx)
	return ok && b.now().Before(until)
}

// DeadUntil returns the stored cooldown end, if any.
func (b *Breaker) DeadUntil(ctx context.Context) (time.Time, bool) {
	if !b.Enabled() {
		return time.Time{}, false
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	raw, err := b.store.Get(ctx, DeadUntilKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			b.log.Debug("circuit.read_failed", logx.Err(err))
		}
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// RecordFailure counts one failed delivery and opens the circuit once the
// threshold is reached. Store errors are logged and ignored.
func (b *Breaker) RecordFailure(ctx context.Context) {
	if !b.Enabled() {
		return
	}
	cfg := b.config()
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	n, err := b.store.Increment(ctx, FailuresKey)
	if err != nil {
		b.log.Debug("circuit.increment_failed", logx.Err(err))
		return
	}
	if n < int64(cfg.Threshold) {
		return
	}

	until := b.now().Add(cfg.Duration)
	if err := b.store.Put(ctx, DeadUntilKey, []byte(strconv.FormatInt(until.UnixMilli(), 10)), cfg.Duration); err != nil {
		b.log.Debug("circuit.open_failed", logx.Err(err))
		return
	}
	b.log.Warn("circuit.opened",
		logx.Int64("failures", n),
		logx.Time("dead_until", until),
		logx.Duration("duration", cfg.Duration),
	)
	if b.bus != nil {
		b.bus.Publish(eventbus.Event{
			Type: eventbus.TypeCircuitOpened,
			Data: eventbus.CircuitEvent{Failures: n, DeadUntil: until.UnixMilli()},
		})
	}
}

// RecordSuccess resets the failure counter. dead-until is left to expire.
func (b *Breaker) RecordSuccess(ctx context.Context) {
	if !b.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := b.store.Delete(ctx, FailuresKey); err != nil {
		b.log.Debug("circuit.reset_failed", logx.Err(err))
		return
	}
	if b.bus != nil {
		b.bus.Publish(eventbus.Event{Type: eventbus.TypeCircuitReset, Data: eventbus.CircuitEvent{}})
	}
}

// Failures returns the stored counter, 0 when absent.
func (b *Breaker) Failures(ctx context.Context) int64 {
	if !b.Enabled() {
		return 0
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	raw, err := b.store.Get(ctx, FailuresKey)
	if err != nil {
		return 0
	}
	n, _ := strconv.ParseInt(string(raw), 10, 64)
	return n
}

func (b *Breaker) State(ctx context.Context) State {
	st := State{Enabled: b.Enabled()}
	if !st.Enabled {
		return st
	}
	st.Failures = b.Failures(ctx)
	if until, ok := b.DeadUntil(ctx); ok {
		st.DeadUntil = until
		st.Open = b.now().Before(until)
	}
	return st
}
