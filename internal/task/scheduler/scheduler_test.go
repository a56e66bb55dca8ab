package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"logshipper/internal/eventbus"
	"logshipper/internal/task/engine"
	logx "logshipper/pkg/logx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingEngine struct {
	mu    sync.Mutex
	tasks []engine.Task
	err   error
}

func (r *recordingEngine) Enqueue(t engine.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.tasks = append(r.tasks, t)
	return nil
}

func (r *recordingEngine) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t.Name)
	}
	return out
}

func noop(context.Context) error { return nil }

func TestCronEnqueuesIntoEngine(t *testing.T) {
	eng := &recordingEngine{}
	s := New(Config{Enabled: true, Timezone: "UTC"}, eng, logx.Nop(), nil)
	require.NoError(t, s.AddCron("batch.extract", "* * * * * *", 30*time.Second, noop))

	s.Start(context.Background())
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool { return len(eng.names()) > 0 }, 3*time.Second, 20*time.Millisecond)
	eng.mu.Lock()
	first := eng.tasks[0]
	eng.mu.Unlock()
	assert.Equal(t, "batch.extract", first.Name)
	assert.Equal(t, 30*time.Second, first.Timeout)
	assert.Equal(t, engine.OverlapSkipIfRunning, first.Opt.Overlap)
	assert.NotNil(t, first.State)

	snap := s.Snapshot()
	assert.True(t, snap.Running)
	assert.Equal(t, "UTC", snap.Timezone)
	require.Len(t, snap.Schedules, 1)
	assert.False(t, snap.Schedules[0].Next.IsZero())
}

func TestAddCronValidatesAndReplaces(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true}, &recordingEngine{}, logx.Nop(), nil)
	assert.Error(t, s.AddCron("", "@daily", 0, noop))
	assert.Error(t, s.AddCron("x", "not a spec", 0, noop))
	assert.Error(t, s.AddCron("x", "@daily", 0, nil))

	require.NoError(t, s.AddCron("status.push", "*/5 * * * *", 0, noop))
	require.NoError(t, s.AddCron("status.push", "0 */2 * * *", 0, noop))
	snap := s.Snapshot()
	require.Len(t, snap.Schedules, 1)
	assert.Equal(t, "0 */2 * * *", snap.Schedules[0].Spec)
	assert.False(t, snap.Running)

	assert.True(t, s.Remove("status.push"))
	assert.False(t, s.Remove("status.push"))
}

func TestTrigger(t *testing.T) {
	t.Parallel()

	eng := &recordingEngine{}
	s := New(Config{}, eng, logx.Nop(), nil)
	require.NoError(t, s.AddCron("status.push", "@hourly", 0, noop))

	require.NoError(t, s.Trigger("status.push"))
	assert.Equal(t, []string{"status.push"}, eng.names())
	assert.Error(t, s.Trigger("missing"))
}

func TestDisabledDoesNotStart(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: false}, &recordingEngine{}, logx.Nop(), nil)
	s.Start(context.Background())
	assert.False(t, s.Snapshot().Running)
	s.Stop(context.Background())
}

func TestEnqueueFailuresArePublished(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	s := New(Config{}, &recordingEngine{err: engine.ErrQueueFull}, logx.Nop(), bus)
	s.reportEnqueueError("batch.extract", engine.ErrQueueFull)
	s.reportEnqueueError("batch.extract", engine.ErrOverlapSkip)

	ev := <-ch
	assert.Equal(t, eventbus.TypeScheduleEnqueueFailed, ev.Type)
	assert.Equal(t, "batch.extract", ev.Data)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %v", ev)
	default:
	}
}
