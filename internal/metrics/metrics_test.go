package metrics

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logshipper/internal/eventbus"
)

func TestNilShipperIsNoop(t *testing.T) {
	t.Parallel()

	var s *Shipper
	s.Gauge("x", "x", func() float64 { return 1 })
	assert.Nil(t, s.Families())

	var buf bytes.Buffer
	require.NoError(t, s.WriteText(&buf))
	assert.Empty(t, buf.String())

	var c *Counter
	c.Inc()
	assert.Zero(t, c.Load())
}

func TestWriteText(t *testing.T) {
	t.Parallel()

	s := New()
	s.EventsAccepted.Inc()
	s.EventsAccepted.Inc()
	s.FallbackWrites.Add(4)
	s.Gauge("circuit_open", "1 while the circuit is open.", func() float64 { return 1 })
	s.Gauge("buffer_size", "Items waiting in the batch buffer.", func() float64 { return 42 })

	var buf bytes.Buffer
	require.NoError(t, s.WriteText(&buf))
	out := buf.String()

	assert.Contains(t, out, "# TYPE logshipper_events_accepted_total counter")
	assert.Contains(t, out, "logshipper_events_accepted_total 2")
	assert.Contains(t, out, "logshipper_fallback_writes_total 4")
	assert.Contains(t, out, "# TYPE logshipper_buffer_size gauge")
	assert.Contains(t, out, "logshipper_circuit_open 1")
	assert.Less(t, strings.Index(out, "logshipper_buffer_size"), strings.Index(out, "logshipper_circuit_open"))
}

func TestObserveCountsBusEvents(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8, ObservedTypes...)
	defer unsub()

	bus.Publish(eventbus.Event{Type: eventbus.TypeCircuitOpened, Data: eventbus.CircuitEvent{Failures: 5}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeDeliveryFailed, Data: 1})
	bus.Publish(eventbus.Event{Type: eventbus.TypeTaskFailed})
	bus.Publish(eventbus.Event{Type: eventbus.TypeTaskFailed})
	bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReload})

	s := New()
	require.Len(t, ch, 4, "delivery failures are counted at their source")
	for len(ch) > 0 {
		s.Observe(<-ch)
	}

	assert.EqualValues(t, 1, s.CircuitOpened.Load())
	assert.EqualValues(t, 2, s.TasksFailed.Load())
	assert.EqualValues(t, 1, s.ConfigReloads.Load())
	assert.Zero(t, s.DeliveriesFailed.Load())

	var buf bytes.Buffer
	require.NoError(t, s.WriteText(&buf))
	assert.Contains(t, buf.String(), "logshipper_tasks_failed_total 2")
}
