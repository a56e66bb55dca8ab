// Package extractor drains the batch buffer on a cadence.
//
// Run pops fixed-size batches and hands each one to the delivery side as an
// independent job. It never waits for a delivery; the wall-clock budget is
// checked between pops, so an in-flight pop always completes.
package extractor

import (
	"context"
	"sync"
	"time"

	"logshipper/internal/buffer"
	"logshipper/internal/circuit"
	"logshipper/internal/eventbus"
	"logshipper/internal/metrics"
	"logshipper/internal/shipper"
	logx "logshipper/pkg/logx"
)

const (
	DefaultBatchSize = 100
	DefaultBudget    = 55 * time.Second
)

// Stop reasons.
const (
	StopEmpty       = "empty"
	StopBudget      = "budget"
	StopCircuitOpen = "circuit_open"
	StopCanceled    = "canceled"
	StopDispatch    = "dispatch_failed"
)

// BatchShipper queues one batch for delivery.
type BatchShipper interface {
	ShipBatch(batch []shipper.Payload) error
}

type Config struct {
	BatchSize int
	Budget    time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchSize > buffer.MaxPopBatch {
		c.BatchSize = buffer.MaxPopBatch
	}
	if c.Budget <= 0 {
		c.Budget = DefaultBudget
	}
	return c
}

// Report summarises one Run.
type Report struct {
	Batches  int           `json:"batches"`
	Events   int           `json:"events"`
	Duration time.Duration `json:"duration"`
	Stopped  string        `json:"stopped"`
}

type Extractor struct {
	buf     buffer.Buffer
	ship    BatchShipper
	breaker *circuit.Breaker
	metrics *metrics.Shipper
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time

	mu  sync.RWMutex
	cfg Config
}

type Option func(*Extractor)

func WithBreaker(b *circuit.Breaker) Option { return func(e *Extractor) { e.breaker = b } }
func WithMetrics(m *metrics.Shipper) Option { return func(e *Extractor) { e.metrics = m } }
func WithBus(b eventbus.Bus) Option         { return func(e *Extractor) { e.bus = b } }
func WithLogger(l logx.Logger) Option       { return func(e *Extractor) { e.log = l } }
func WithClock(now func() time.Time) Option { return func(e *Extractor) { e.now = now } }

func New(buf buffer.Buffer, ship BatchShipper, cfg Config, opts ...Option) *Extractor {
	e := &Extractor{buf: buf, ship: ship, cfg: cfg.withDefaults(), log: logx.Nop(), now: time.Now}
	for _, o := range opts {
		if o != nil {
			o(e)
		}
	}
	if e.metrics == nil {
		e.metrics = metrics.New()
	}
	e.log = e.log.With(logx.Internal(), logx.String("component", "extractor"))
	return e
}

// Apply swaps batch size and budget for the next Run.
func (e *Extractor) Apply(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg.withDefaults()
	e.mu.Unlock()
}

func (e *Extractor) config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Run drains the buffer until it is empty, the budget is spent, the circuit
// opens or ctx is done.
//
// While the circuit is open nothing is popped, so events wait in the buffer
// instead of going to the fallback channel. The redis buffer keeps all of
// them. The cache buffer is bounded, so during a long outage its ring
// eviction drops the oldest events and they reach neither the endpoint nor
// the fallback. A batch whose dispatch fails is requeued at the head.
func (e *Extractor) Run(ctx context.Context) Report {
	cfg := e.config()
	start := e.now()
	deadline := start.Add(cfg.Budget)
	rep := Report{}

	for {
		if ctx.Err() != nil {
			rep.Stopped = StopCanceled
			break
		}
		if !e.now().Before(deadline) {
			rep.Stopped = StopBudget
			break
		}
		// Items stay buffered while the endpoint is known to be down.
		if e.breaker.IsOpen(ctx) {
			rep.Stopped = StopCircuitOpen
			break
		}

		batch := e.buf.PopBatch(ctx, cfg.BatchSize)
		if len(batch) == 0 {
			rep.Stopped = StopEmpty
			break
		}
		if err := e.ship.ShipBatch(batch); err != nil {
			e.log.Warn("extractor.dispatch_failed", logx.Int("items", len(batch)), logx.Err(err))
			e.buf.Requeue(ctx, batch)
			rep.Stopped = StopDispatch
			break
		}
		rep.Batches++
		rep.Events += len(batch)
		e.metrics.BatchesExtracted.Inc()
		e.metrics.EventsExtracted.Add(uint64(len(batch)))
	}

	rep.Duration = e.now().Sub(start)
	if rep.Batches > 0 {
		e.log.Info("extractor.finished",
			logx.Int("batches", rep.Batches),
			logx.Int("events", rep.Events),
			logx.Duration("dur", rep.Duration),
			logx.String("stopped", rep.Stopped),
		)
	} else {
		e.log.Debug("extractor.finished", logx.String("stopped", rep.Stopped))
	}
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeBatchExtracted, Data: rep})
	}
	return rep
}
