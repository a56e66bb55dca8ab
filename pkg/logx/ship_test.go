package logx

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logshipper/internal/shipper"
)

type recordingIntake struct {
	mu  sync.Mutex
	evs []shipper.Event
}

func (r *recordingIntake) Handle(_ context.Context, ev shipper.Event) error {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
	return nil
}

func (r *recordingIntake) events() []shipper.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]shipper.Event(nil), r.evs...)
}

func TestShipSinkForwardsErrors(t *testing.T) {
	in := &recordingIntake{}
	svc, log := New(Config{
		Level: "debug",
		Ship:  ShipConfig{Enabled: true, MinLevel: "error", RatePerSec: 100, Channel: "self"},
	}, in)
	defer svc.Close()

	log.Info("ignored")
	log.Error("db down", String("host", "db1"), Err(errors.New("refused")))
	log.With(Internal()).Error("delivery.failed")

	require.Eventually(t, func() bool { return len(in.events()) == 1 }, 2*time.Second, 10*time.Millisecond)
	// give a stray internal event a chance to show up
	time.Sleep(50 * time.Millisecond)

	evs := in.events()
	require.Len(t, evs, 1)
	ev := evs[0]
	assert.Equal(t, zerolog.ErrorLevel, ev.Level)
	assert.Equal(t, "db down", ev.Message)
	assert.Equal(t, "self", ev.Channel)
	assert.Equal(t, "db1", ev.Context["host"])
	assert.Equal(t, "refused", ev.Context["err"])
	assert.False(t, ev.Internal)
}

func TestDecodeLine(t *testing.T) {
	t.Parallel()

	ev, ok := decodeLine(zerolog.WarnLevel, []byte(`{"level":"warn","message":"m","_internal":true,"channel":"jobs","k":1}`), "def")
	require.True(t, ok)
	assert.True(t, ev.Internal)
	assert.Equal(t, "jobs", ev.Channel)
	assert.Equal(t, "m", ev.Message)
	assert.NotContains(t, ev.Context, "level")
	assert.EqualValues(t, 1, ev.Context["k"])

	_, ok = decodeLine(zerolog.WarnLevel, []byte("not json"), "def")
	assert.False(t, ok)
}
