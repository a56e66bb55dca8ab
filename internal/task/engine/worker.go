package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync/atomic"
	"time"

	"logshipper/internal/eventbus"
	logx "logshipper/pkg/logx"
)

// failedHookTimeout bounds Task.Failed.
const failedHookTimeout = 10 * time.Second

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask, idx int) {
	// Per-worker RNG: avoids global lock contention when many tasks retry concurrently.
	seed := time.Now().UnixNano() ^ (int64(idx) << 32)
	rng := rand.New(rand.NewSource(seed))

	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t, ok := <-queue:
			if !ok {
				return
			}
			atomic.AddInt32(&s.inFlight, 1)
			s.execOne(ctx, stopCh, t, rng)
			atomic.AddInt32(&s.inFlight, -1)
			atomic.AddInt64(&s.pending, -1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) {
	start := time.Now()
	queueDelay := time.Duration(0)
	if !qt.enqueuedAt.IsZero() {
		queueDelay = max(0, start.Sub(qt.enqueuedAt))
	}

	// Copy config early for stale-queue checks and race-free history trimming.
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if qt.track && qt.state != nil {
		defer qt.state.release()
	}

	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		s.onStaleDropped(start, qt.task, queueDelay)
		s.record(HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"}, cfg.HistorySize)
		s.runFailed(ctx, qt.task, errors.New("stale queue delay"))
		return
	}

	s.log.Debug("task.started", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay))

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskStarted, Time: start, Data: TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay}})
	}

	var err error
	attempts := 0
	maxAttempts := max(1, qt.opt.Tries)
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt

		runCtx := ctx
		var cancel func()
		if qt.timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		}
		// Convert task panics to errors so one bad task can't kill a worker.
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
					s.log.Error("task.panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			err = qt.task.Run(runCtx)
		}()
		if cancel != nil {
			cancel()
		}
		if err == nil {
			break
		}
		// Allow tasks to mark failures as non-retryable.
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
			break
		}
		if attempt >= maxAttempts {
			break
		}

		delay := backoffDelayWithHint(qt.opt, attempt, err, rng)
		if delay > 0 {
			s.log.Debug("task retry scheduled", logx.String("task", qt.task.Name), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Any("err", err))
			tmr := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				tmr.Stop()
				err = fmt.Errorf("%w (retry aborted: %v)", err, ctx.Err())
				break attemptLoop
			case <-stopCh:
				tmr.Stop()
				err = fmt.Errorf("%w (retry aborted: %w)", err, ErrStopped)
				break attemptLoop
			case <-tmr.C:
			}
		}
	}

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, Duration: dur, QueueDelay: queueDelay, Attempts: attempts}
	if err != nil {
		atomic.AddUint64(&s.failed, 1)
		item.Error = err.Error()
		s.log.Warn("task.failed", logx.String("task", qt.task.Name), logx.Any("err", err), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskFailed, Time: time.Now(), Data: TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts, Error: item.Error}})
		}
		s.runFailed(ctx, qt.task, err)
	} else {
		atomic.AddUint64(&s.succeeded, 1)
		if dur >= 750*time.Millisecond {
			s.log.Info("task.completed", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		} else {
			s.log.Debug("task.completed", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		}
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskFinished, Time: time.Now(), Data: TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}})
		}
	}

	s.record(item, cfg.HistorySize)
}

// runFailed calls the task's exhausted hook. Panics in the hook are
// swallowed.
func (s *Service) runFailed(ctx context.Context, t Task, err error) {
	if t.Failed == nil {
		return
	}
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failedHookTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task.failed_hook_panic", logx.String("task", t.Name), logx.Any("panic", r))
		}
	}()
	t.Failed(hctx, err)
}

func backoffDelayWithHint(opt TaskOptions, retry int, err error, rng *rand.Rand) time.Duration {
	// Respect explicit retry-after hints if provided by the task.
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d := max(0, ra.RetryAfter())
		maxD := opt.RetryMaxDelay
		if maxD <= 0 {
			maxD = 15 * time.Second
		}
		for _, b := range opt.Backoff {
			maxD = max(maxD, b)
		}
		return min(d, maxD)
	}
	if len(opt.Backoff) > 0 {
		return scheduledDelay(opt.Backoff, retry)
	}
	return backoffDelay(opt, retry, rng)
}

// scheduledDelay picks the delay after attempt retry (1-based).
func scheduledDelay(schedule []time.Duration, retry int) time.Duration {
	i := min(max(retry-1, 0), len(schedule)-1)
	return max(0, schedule[i])
}

func backoffDelay(opt TaskOptions, retry int, rng *rand.Rand) time.Duration {
	base := opt.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := opt.RetryMaxDelay
	if maxD <= 0 {
		maxD = 15 * time.Second
	}
	j := opt.RetryJitter
	if j <= 0 {
		j = 0.2
	}

	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > maxD {
			d = maxD
			break
		}
	}
	if j > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * j
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > maxD {
		d = maxD
	}
	return d
}
