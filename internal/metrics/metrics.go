// Package metrics keeps the shipper's counters and renders them in the
// Prometheus text format.
package metrics

import (
	"io"
	"sort"
	"sync"
	"sync/atomic"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"

	"logshipper/internal/eventbus"
)

const namespace = "logshipper_"

// Counter is a monotonically increasing value. The zero value is ready.
type Counter struct{ v atomic.Uint64 }

func (c *Counter) Inc() {
	if c != nil {
		c.v.Add(1)
	}
}

func (c *Counter) Add(n uint64) {
	if c != nil {
		c.v.Add(n)
	}
}

func (c *Counter) Load() uint64 {
	if c == nil {
		return 0
	}
	return c.v.Load()
}

// Shipper holds every pipeline counter. A nil *Shipper is a valid no-op.
type Shipper struct {
	EventsAccepted  Counter // passed guard and filters
	EventsFiltered  Counter // below min level or shipping disabled
	EventsGuarded   Counter // dropped by the self-reference guard
	EventsSkipped   Counter // circuit open
	EventsInvalid   Counter // could not be encoded
	EventsTruncated Counter
	EventsBuffered  Counter

	DeliveriesOK      Counter
	DeliveriesFailed  Counter // per attempt
	DeliveriesSkipped Counter // precondition not met
	FallbackWrites    Counter
	FallbackErrors    Counter

	BatchesExtracted Counter
	EventsExtracted  Counter

	StatusPushes     Counter
	StatusPushFailed Counter

	// Fed from the event bus by Observe.
	CircuitOpened  Counter
	CircuitResets  Counter
	TasksFailed    Counter
	TasksDropped   Counter
	TasksSkipped   Counter
	ScheduleMisses Counter
	ConfigReloads  Counter

	mu     sync.Mutex
	gauges map[string]gauge
}

type gauge struct {
	help string
	fn   func() float64
}

func New() *Shipper { return &Shipper{} }

// Gauge registers a value read at exposition time.
func (s *Shipper) Gauge(name, help string, fn func() float64) {
	if s == nil || fn == nil {
		return
	}
	s.mu.Lock()
	if s.gauges == nil {
		s.gauges = map[string]gauge{}
	}
	s.gauges[name] = gauge{help: help, fn: fn}
	s.mu.Unlock()
}

func (s *Shipper) counters() []struct {
	name, help string
	c          *Counter
} {
	return []struct {
		name, help string
		c          *Counter
	}{
		{"events_accepted_total", "Events accepted for shipping.", &s.EventsAccepted},
		{"events_filtered_total", "Events below the minimum level or received while disabled.", &s.EventsFiltered},
		{"events_guarded_total", "Events dropped by the self-reference guard.", &s.EventsGuarded},
		{"events_circuit_skipped_total", "Events not delivered because the circuit was open.", &s.EventsSkipped},
		{"events_invalid_total", "Events dropped because they could not be encoded.", &s.EventsInvalid},
		{"events_truncated_total", "Events replaced by a truncation marker.", &s.EventsTruncated},
		{"events_buffered_total", "Events pushed to the batch buffer.", &s.EventsBuffered},
		{"deliveries_succeeded_total", "Successful HTTP deliveries.", &s.DeliveriesOK},
		{"deliveries_failed_total", "Failed HTTP delivery attempts.", &s.DeliveriesFailed},
		{"deliveries_skipped_total", "Deliveries skipped for missing or insecure endpoint settings.", &s.DeliveriesSkipped},
		{"fallback_writes_total", "Records written to the fallback channel.", &s.FallbackWrites},
		{"fallback_errors_total", "Fallback channel write errors.", &s.FallbackErrors},
		{"batches_extracted_total", "Batches popped from the buffer.", &s.BatchesExtracted},
		{"events_extracted_total", "Events popped from the buffer.", &s.EventsExtracted},
		{"status_pushes_total", "Status reports sent.", &s.StatusPushes},
		{"status_push_failures_total", "Status reports that failed.", &s.StatusPushFailed},
		{"circuit_opened_total", "Times the circuit breaker opened.", &s.CircuitOpened},
		{"circuit_resets_total", "Times the circuit breaker was reset by a success.", &s.CircuitResets},
		{"tasks_failed_total", "Engine tasks that exhausted their tries.", &s.TasksFailed},
		{"tasks_dropped_total", "Engine tasks dropped on a full or stale queue.", &s.TasksDropped},
		{"tasks_skipped_total", "Engine tasks skipped by the overlap policy.", &s.TasksSkipped},
		{"schedule_misses_total", "Scheduled runs that could not be enqueued.", &s.ScheduleMisses},
		{"config_reloads_total", "Configuration changes applied at runtime.", &s.ConfigReloads},
	}
}

// Observe counts one bus event. Types counted at their source, such as
// delivery failures and extracted batches, are ignored here.
func (s *Shipper) Observe(e eventbus.Event) {
	if s == nil {
		return
	}
	switch e.Type {
	case eventbus.TypeCircuitOpened:
		s.CircuitOpened.Inc()
	case eventbus.TypeCircuitReset:
		s.CircuitResets.Inc()
	case eventbus.TypeTaskFailed:
		s.TasksFailed.Inc()
	case eventbus.TypeTaskDropped:
		s.TasksDropped.Inc()
	case eventbus.TypeTaskSkipped:
		s.TasksSkipped.Inc()
	case eventbus.TypeScheduleEnqueueFailed:
		s.ScheduleMisses.Inc()
	case eventbus.TypeConfigReload:
		s.ConfigReloads.Inc()
	}
}

// ObservedTypes lists the event types Observe counts.
var ObservedTypes = []string{
	eventbus.TypeCircuitOpened,
	eventbus.TypeCircuitReset,
	eventbus.TypeTaskFailed,
	eventbus.TypeTaskDropped,
	eventbus.TypeTaskSkipped,
	eventbus.TypeScheduleEnqueueFailed,
	eventbus.TypeConfigReload,
}

// Families builds the metric families for exposition.
func (s *Shipper) Families() []*dto.MetricFamily {
	if s == nil {
		return nil
	}
	var out []*dto.MetricFamily
	for _, c := range s.counters() {
		out = append(out, &dto.MetricFamily{
			Name:   proto.String(namespace + c.name),
			Help:   proto.String(c.help),
			Type:   dto.MetricType_COUNTER.Enum(),
			Metric: []*dto.Metric{{Counter: &dto.Counter{Value: proto.Float64(float64(c.c.Load()))}}},
		})
	}

	s.mu.Lock()
	names := make([]string, 0, len(s.gauges))
	for n := range s.gauges {
		names = append(names, n)
	}
	gauges := make(map[string]gauge, len(s.gauges))
	for k, v := range s.gauges {
		gauges[k] = v
	}
	s.mu.Unlock()
	sort.Strings(names)

	for _, n := range names {
		g := gauges[n]
		out = append(out, &dto.MetricFamily{
			Name:   proto.String(namespace + n),
			Help:   proto.String(g.help),
			Type:   dto.MetricType_GAUGE.Enum(),
			Metric: []*dto.Metric{{Gauge: &dto.Gauge{Value: proto.Float64(g.fn())}}},
		})
	}
	return out
}

// WriteText writes the families in the Prometheus text format.
func (s *Shipper) WriteText(w io.Writer) error {
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range s.Families() {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}

// ContentType is the header value matching WriteText.
func ContentType() string { return string(expfmt.NewFormat(expfmt.TypeTextPlain)) }
