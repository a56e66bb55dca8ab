package scheduler

import (
	"errors"
	"time"

	"logshipper/internal/eventbus"
	"logshipper/internal/task/engine"
	logx "logshipper/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	// A previous extraction still running is normal.
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("scheduler.trigger_skipped", logx.String("schedule", name), logx.Err(err))
		return
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleEnqueueFailed, Data: name})
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()

	s.log.Warn("scheduler.enqueue_failed", logx.String("schedule", name), logx.Err(err))
}
