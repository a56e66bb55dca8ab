// Package delivery posts payloads to the ingestion endpoint.
//
// A Worker owns one attempt (Post) and the policy around it: queued jobs on
// the task engine with a fixed backoff schedule, the breaker bookkeeping, and
// the fallback record written once every attempt has failed.
package delivery

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mitchellh/copystructure"

	"logshipper/internal/circuit"
	"logshipper/internal/eventbus"
	"logshipper/internal/metrics"
	"logshipper/internal/shipper"
	"logshipper/internal/task/engine"
	logx "logshipper/pkg/logx"
)

const (
	DefaultHTTPTimeout      = 10 * time.Second
	DefaultJobTimeout       = 15 * time.Second
	DefaultBatchHTTPTimeout = 20 * time.Second
	DefaultBatchJobTimeout  = 30 * time.Second
	DefaultTries            = 3

	ProductionEnv = "production"
)

// DefaultBackoff is the delay before the 2nd, 3rd and later attempts.
var DefaultBackoff = []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second}

type Config struct {
	Endpoint    string
	APIKey      string
	Environment string

	HTTPTimeout      time.Duration
	JobTimeout       time.Duration
	BatchHTTPTimeout time.Duration
	BatchJobTimeout  time.Duration

	Tries   int
	Backoff []time.Duration

	Compress bool
}

func (c Config) withDefaults() Config {
	c.Endpoint = strings.TrimSpace(c.Endpoint)
	c.APIKey = strings.TrimSpace(c.APIKey)
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = DefaultHTTPTimeout
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = DefaultJobTimeout
	}
	if c.BatchHTTPTimeout <= 0 {
		c.BatchHTTPTimeout = DefaultBatchHTTPTimeout
	}
	if c.BatchJobTimeout <= 0 {
		c.BatchJobTimeout = DefaultBatchJobTimeout
	}
	if c.Tries <= 0 {
		c.Tries = DefaultTries
	}
	if len(c.Backoff) == 0 {
		c.Backoff = append([]time.Duration(nil), DefaultBackoff...)
	}
	return c
}

// Ready reports whether the endpoint settings allow a request at all.
func (c Config) Ready() error {
	switch {
	case c.APIKey == "":
		return errors.New("api key is empty")
	case c.Endpoint == "":
		return errors.New("endpoint is empty")
	case strings.EqualFold(c.Environment, ProductionEnv) && !strings.HasPrefix(c.Endpoint, "https://"):
		return errors.New("endpoint must use https in production")
	}
	return nil
}

// Attempt is one HTTP delivery.
type Attempt struct {
	Endpoint string
	APIKey   string
	Body     []byte
	Items    int
	Timeout  time.Duration

	Number  int // 1-based
	Max     int
	Backoff []time.Duration
}

// Enqueuer is the part of the task engine the worker needs.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

type Worker struct {
	client    *http.Client
	breaker   *circuit.Breaker
	engine    Enqueuer
	metrics   *metrics.Shipper
	bus       eventbus.Bus
	log       logx.Logger
	sanitizer atomic.Pointer[shipper.Sanitizer]

	mu       sync.RWMutex
	cfg      Config
	fallback Sink
}

type Option func(*Worker)

func WithHTTPClient(c *http.Client) Option      { return func(w *Worker) { w.client = c } }
func WithBreaker(b *circuit.Breaker) Option     { return func(w *Worker) { w.breaker = b } }
func WithEngine(e Enqueuer) Option              { return func(w *Worker) { w.engine = e } }
func WithFallback(s Sink) Option                { return func(w *Worker) { w.fallback = s } }
func WithMetrics(m *metrics.Shipper) Option     { return func(w *Worker) { w.metrics = m } }
func WithBus(b eventbus.Bus) Option             { return func(w *Worker) { w.bus = b } }
func WithLogger(l logx.Logger) Option           { return func(w *Worker) { w.log = l } }
func WithSanitizer(s *shipper.Sanitizer) Option { return func(w *Worker) { w.sanitizer.Store(s) } }

func New(cfg Config, opts ...Option) *Worker {
	w := &Worker{cfg: cfg.withDefaults(), log: logx.Nop()}
	for _, o := range opts {
		if o != nil {
			o(w)
		}
	}
	if w.client == nil {
		w.client = &http.Client{}
	}
	if w.metrics == nil {
		w.metrics = metrics.New()
	}
	if w.sanitizer.Load() == nil {
		w.sanitizer.Store(shipper.NewSanitizer(nil))
	}
	w.log = w.log.With(logx.Internal(), logx.String("component", "delivery"))
	return w
}

// Apply swaps endpoint settings, timeouts, the sanitizer and the fallback
// sink. Jobs already queued keep the attempt they were built with.
func (w *Worker) Apply(cfg Config, san *shipper.Sanitizer, fallback Sink) {
	w.mu.Lock()
	w.cfg = cfg.withDefaults()
	w.fallback = fallback
	w.mu.Unlock()
	if san != nil {
		w.sanitizer.Store(san)
	}
}

func (w *Worker) Config() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

func (w *Worker) fallbackSink() Sink {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.fallback
}

// Post makes one attempt. Skipped attempts return nil. On success the breaker
// resets; on failure it records one failure and the error is returned.
func (w *Worker) Post(ctx context.Context, a Attempt) error {
	cfg := w.Config()
	probe := Config{Endpoint: a.Endpoint, APIKey: a.APIKey, Environment: cfg.Environment}
	if err := probe.Ready(); err != nil {
		w.metrics.DeliveriesSkipped.Inc()
		w.log.Debug("delivery.skipped", logx.Err(err))
		return nil
	}

	err := post(ctx, w.client, a, cfg.Compress)
	if err == nil {
		w.metrics.DeliveriesOK.Inc()
		w.breaker.RecordSuccess(ctx)
		return nil
	}

	w.metrics.DeliveriesFailed.Inc()
	w.breaker.RecordFailure(ctx)
	w.log.Warn("delivery.attempt_failed",
		logx.Int("attempt", a.Number),
		logx.Int("max", a.Max),
		logx.Int("items", a.Items),
		logx.Err(err),
	)
	return err
}

// Ship queues a single payload for delivery.
func (w *Worker) Ship(p shipper.Payload) error {
	body, err := shipper.Encode(p)
	if err != nil {
		return err
	}
	cfg := w.Config()
	return w.enqueue("deliver", cfg.JobTimeout, w.attempt(cfg, body, 1, cfg.HTTPTimeout), []shipper.Payload{p})
}

// ShipBatch queues a batch as one JSON array request.
func (w *Worker) ShipBatch(batch []shipper.Payload) error {
	if len(batch) == 0 {
		return nil
	}
	body, err := shipper.EncodeBatch(batch)
	if err != nil {
		return err
	}
	cfg := w.Config()
	return w.enqueue("deliver_batch", cfg.BatchJobTimeout, w.attempt(cfg, body, len(batch), cfg.BatchHTTPTimeout), batch)
}

// DeliverNow makes a single inline attempt and goes straight to the fallback
// on failure.
func (w *Worker) DeliverNow(ctx context.Context, p shipper.Payload) error {
	body, err := shipper.Encode(p)
	if err != nil {
		return err
	}
	cfg := w.Config()
	a := w.attempt(cfg, body, 1, cfg.HTTPTimeout)
	a.Max = 1
	if err := w.Post(ctx, a); err != nil {
		w.Fail(ctx, []shipper.Payload{p}, err)
		return err
	}
	return nil
}

func (w *Worker) attempt(cfg Config, body []byte, items int, timeout time.Duration) Attempt {
	return Attempt{
		Endpoint: cfg.Endpoint,
		APIKey:   cfg.APIKey,
		Body:     body,
		Items:    items,
		Timeout:  timeout,
		Number:   1,
		Max:      cfg.Tries,
		Backoff:  cfg.Backoff,
	}
}

func (w *Worker) enqueue(name string, jobTimeout time.Duration, a Attempt, payloads []shipper.Payload) error {
	if w.engine == nil {
		return engine.ErrDisabled
	}
	var n atomic.Int32
	err := w.engine.Enqueue(engine.Task{
		Name:    name,
		Timeout: jobTimeout,
		Opt:     engine.TaskOptions{Tries: a.Max, Backoff: a.Backoff},
		Run: func(ctx context.Context) error {
			at := a
			at.Number = int(n.Add(1))
			return w.Post(ctx, at)
		},
		Failed: func(ctx context.Context, err error) {
			w.Fail(ctx, payloads, err)
		},
	})
	if err != nil {
		w.log.Warn("delivery.enqueue_failed", logx.String("task", name), logx.Int("items", len(payloads)), logx.Err(err))
	}
	return err
}

// Fail writes one fallback record per payload. Sink errors are swallowed.
func (w *Worker) Fail(ctx context.Context, payloads []shipper.Payload, cause error) {
	w.publish(eventbus.TypeDeliveryFailed, len(payloads), cause)
	sink := w.fallbackSink()
	if sink == nil {
		return
	}
	for _, p := range payloads {
		rec := w.fallbackRecord(p, cause)
		if err := sink.Write(ctx, rec); err != nil {
			w.metrics.FallbackErrors.Inc()
			continue
		}
		w.metrics.FallbackWrites.Inc()
	}
	w.publish(eventbus.TypeFallbackUsed, len(payloads), cause)
}

func (w *Worker) fallbackRecord(p shipper.Payload, cause error) Record {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	ctxMap := map[string]any{}
	for k, v := range p.Context() {
		ctxMap[k] = v
	}
	ctxMap[shipper.FailureKey] = msg

	original := shipper.Payload{}
	if cp, err := copystructure.Copy(map[string]any(p)); err == nil {
		if m, ok := cp.(map[string]any); ok {
			original = m
		}
	} else {
		for k, v := range p {
			original[k] = v
		}
	}
	if c := original.Context(); c != nil {
		original["context"] = w.sanitizer.Load().Map(c)
	}
	ctxMap[shipper.OriginalPayloadKey] = map[string]any(original)

	ts := time.Now()
	if s, ok := p["datetime"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			ts = t
		}
	}
	return Record{Level: p.Level(), Message: p.Message(), Context: ctxMap, Time: ts}
}

func (w *Worker) publish(typ string, items int, cause error) {
	if w.bus == nil {
		return
	}
	data := map[string]any{"items": items}
	if cause != nil {
		data["error"] = cause.Error()
	}
	w.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
