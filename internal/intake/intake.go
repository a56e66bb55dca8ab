// Package intake is the entry point for application log events.
//
// Handle runs one event through the pipeline: guard, level filter, breaker
// gate, normalisation and redaction, size limit, then one of three dispatch
// modes (sync, queue, batch).
package intake

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"logshipper/internal/buffer"
	"logshipper/internal/circuit"
	"logshipper/internal/metrics"
	"logshipper/internal/shipper"
	logx "logshipper/pkg/logx"
)

const (
	ModeSync  = "sync"
	ModeQueue = "queue"
	ModeBatch = "batch"
)

// Deliverer is the delivery side the intake dispatches to.
type Deliverer interface {
	Ship(p shipper.Payload) error
	DeliverNow(ctx context.Context, p shipper.Payload) error
}

type SendContext struct {
	AppEnv   bool
	Hostname bool
	EventID  bool
}

type Config struct {
	Enabled  bool
	Endpoint string
	APIKey   string
	Mode     string
	MinLevel logx.Level

	AppName string
	AppEnv  string

	MaxPayloadSize int
	SendContext    SendContext

	SanitizeFields   []string // nil: defaults
	GuardIdentifiers []string // nil: defaults

	IPObfuscation IPObfuscation
}

type IPObfuscation struct {
	Enabled bool
	Method  string
	Salt    string
	Fields  []string
}

func (c Config) withDefaults() Config {
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	if c.Mode == "" {
		c.Mode = ModeQueue
	}
	if c.MaxPayloadSize <= 0 {
		c.MaxPayloadSize = shipper.DefaultMaxPayloadSize
	}
	return c
}

// missing names the unset endpoint settings.
func (c Config) missing() []string {
	var out []string
	if strings.TrimSpace(c.Endpoint) == "" {
		out = append(out, "endpoint")
	}
	if strings.TrimSpace(c.APIKey) == "" {
		out = append(out, "api_key")
	}
	return out
}

type pipeline struct {
	cfg       Config
	guard     *shipper.Guard
	sanitizer *shipper.Sanitizer
	ips       *shipper.IPObfuscator
}

type Service struct {
	deliver Deliverer
	buf     buffer.Buffer
	breaker *circuit.Breaker
	metrics *metrics.Shipper
	log     logx.Logger
	warnOut io.Writer

	hostname string
	p        atomic.Pointer[pipeline]

	warnMu   sync.Mutex
	warnSent string
}

type Option func(*Service)

func WithBuffer(b buffer.Buffer) Option     { return func(s *Service) { s.buf = b } }
func WithBreaker(b *circuit.Breaker) Option { return func(s *Service) { s.breaker = b } }
func WithMetrics(m *metrics.Shipper) Option { return func(s *Service) { s.metrics = m } }
func WithLogger(l logx.Logger) Option       { return func(s *Service) { s.log = l } }
func WithWarningOutput(w io.Writer) Option  { return func(s *Service) { s.warnOut = w } }
func WithHostname(h string) Option          { return func(s *Service) { s.hostname = h } }

func New(cfg Config, d Deliverer, opts ...Option) *Service {
	s := &Service{deliver: d, log: logx.Nop(), warnOut: os.Stderr}
	if h, err := os.Hostname(); err == nil {
		s.hostname = h
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	s.log = s.log.With(logx.Internal(), logx.String("component", "intake"))
	s.Apply(cfg)
	return s
}

// Apply rebuilds the matchers and swaps the config atomically.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	p := &pipeline{
		cfg:       cfg,
		guard:     shipper.NewGuard(cfg.GuardIdentifiers),
		sanitizer: shipper.NewSanitizer(cfg.SanitizeFields),
	}
	if cfg.IPObfuscation.Enabled {
		p.ips = shipper.NewIPObfuscator(cfg.IPObfuscation.Method, cfg.IPObfuscation.Salt, cfg.IPObfuscation.Fields)
	}
	s.p.Store(p)
}

func (s *Service) Config() Config { return s.p.Load().cfg }

// Sanitizer is the active redaction list, shared with the delivery fallback.
func (s *Service) Sanitizer() *shipper.Sanitizer { return s.p.Load().sanitizer }

// Handle ships one event. It never returns transport errors: those belong to
// the delivery side. Errors are returned only for events that could not be
// encoded or handed off.
func (s *Service) Handle(ctx context.Context, ev shipper.Event) error {
	p := s.p.Load()
	cfg := p.cfg

	if ev.Internal {
		s.metrics.EventsGuarded.Inc()
		return nil
	}
	if !cfg.Enabled {
		s.metrics.EventsFiltered.Inc()
		return nil
	}
	if miss := cfg.missing(); len(miss) > 0 {
		s.warnMissing(miss)
		s.metrics.EventsFiltered.Inc()
		return nil
	}
	if ev.Level < cfg.MinLevel {
		s.metrics.EventsFiltered.Inc()
		return nil
	}
	if reason := p.guard.Check(ev); reason != shipper.Allowed {
		s.metrics.EventsGuarded.Inc()
		s.log.Trace("intake.guarded", logx.String("reason", string(reason)))
		return nil
	}
	// The breaker gates delivery attempts, never buffering.
	if cfg.Mode != ModeBatch && s.breaker.IsOpen(ctx) {
		s.metrics.EventsSkipped.Inc()
		return nil
	}

	payload := s.prepare(p, ev)
	payload, _, err := shipper.Limit(payload, cfg.MaxPayloadSize)
	if err != nil {
		s.metrics.EventsInvalid.Inc()
		s.log.Debug("intake.encode_failed", logx.Err(err))
		return err
	}
	if payload.Truncated() {
		s.metrics.EventsTruncated.Inc()
	}
	s.metrics.EventsAccepted.Inc()

	switch cfg.Mode {
	case ModeSync:
		return s.deliver.DeliverNow(ctx, payload)
	case ModeBatch:
		if s.buf == nil {
			return fmt.Errorf("intake: batch mode without a buffer")
		}
		s.buf.Push(ctx, payload)
		s.metrics.EventsBuffered.Inc()
		return nil
	default:
		return s.deliver.Ship(payload)
	}
}

// prepare builds the transport payload: normalised context, IP masking,
// redaction and the configured extra fields.
func (s *Service) prepare(p *pipeline, ev shipper.Event) shipper.Payload {
	ctxMap, _ := shipper.Normalize(ev.Context).(map[string]any)
	if ctxMap == nil {
		ctxMap = map[string]any{}
	}
	if p.ips != nil {
		ctxMap = p.ips.Map(ctxMap)
	}

	extra, _ := shipper.Normalize(ev.Extra).(map[string]any)
	if extra == nil {
		extra = map[string]any{}
	}
	sc := p.cfg.SendContext
	if p.cfg.AppName != "" {
		extra["app_name"] = p.cfg.AppName
	}
	if sc.AppEnv && p.cfg.AppEnv != "" {
		extra["app_env"] = p.cfg.AppEnv
	}
	if sc.Hostname && s.hostname != "" {
		extra["hostname"] = s.hostname
	}
	if sc.EventID {
		extra["event_id"] = uuid.NewString()
	}

	ev.Context = ctxMap
	ev.Extra = extra
	return p.sanitizer.Payload(ev.Payload())
}

// warnMissing prints one warning per distinct set of missing settings.
func (s *Service) warnMissing(miss []string) {
	key := strings.Join(miss, ",")
	s.warnMu.Lock()
	defer s.warnMu.Unlock()
	if s.warnSent == key {
		return
	}
	s.warnSent = key
	fmt.Fprintf(s.warnOut, "logshipper: shipping disabled, missing settings: %s\n", strings.Join(miss, ", "))
}
