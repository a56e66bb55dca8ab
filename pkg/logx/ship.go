package logx

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"logshipper/internal/shipper"
)

const shipQueueSize = 256

// Intake accepts events for shipping.
type Intake interface {
	Handle(ctx context.Context, ev shipper.Event) error
}

// ---- Ship writer (zerolog sink) ----

type shipWriter struct{ svc *Service }

func (w *shipWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *shipWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	if s == nil {
		return len(p), nil
	}

	s.mu.Lock()
	in := s.intake
	lim := s.limiter
	min := s.minLevel
	channel := s.channel
	s.mu.Unlock()

	if in == nil || lim == nil || level < min {
		return len(p), nil
	}

	ev, ok := decodeLine(level, p, channel)
	if !ok || ev.Internal {
		return len(p), nil
	}
	if !lim.Allow() {
		return len(p), nil
	}

	// Never block core logging.
	select {
	case s.shipQueue <- ev:
	default:
		s.dropped.Add(1)
	}
	return len(p), nil
}

func (s *Service) shipWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.shipQueue:
			s.mu.Lock()
			in := s.intake
			s.mu.Unlock()
			if in == nil {
				continue
			}
			_ = in.Handle(ctx, ev)
		}
	}
}

// decodeLine turns a zerolog JSON line into an event. Unknown fields land
// in the context; the reserved internal field sets Event.Internal.
func decodeLine(level zerolog.Level, p []byte, channel string) (shipper.Event, bool) {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return shipper.Event{}, false
	}

	ev := shipper.Event{
		Level:   level,
		Channel: channel,
		Time:    time.Now(),
		Context: make(map[string]any, len(m)),
	}
	for k, v := range m {
		switch k {
		case zerolog.LevelFieldName:
		case zerolog.MessageFieldName:
			ev.Message, _ = v.(string)
		case zerolog.TimestampFieldName:
			if s, ok := v.(string); ok {
				if t, err := time.Parse(zerolog.TimeFieldFormat, s); err == nil {
					ev.Time = t
				}
			}
		case shipper.InternalField:
			ev.Internal, _ = v.(bool)
		case "channel":
			if s, ok := v.(string); ok && s != "" {
				ev.Channel = s
			}
		default:
			ev.Context[k] = v
		}
	}
	return ev, true
}
