package shipper

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Reserved payload and context keys.
const (
	// FailureKey tags records written by the fallback path. The guard drops
	// any event whose context carries it.
	FailureKey = "log_shipper_failure"

	// OriginalPayloadKey holds the sanitized copy of an undeliverable payload.
	OriginalPayloadKey = "original_payload"

	// InternalField is the reserved log field that marks a record as produced
	// by the shipper itself.
	InternalField = "_internal"

	Redacted         = "[REDACTED]"
	TruncatedContext = "[TRUNCATED: Payload too large]"
)

// Event is one application log record as seen by the shipper.
//
// Events are values: the pipeline never mutates Context or Extra in place,
// it builds new maps when it needs to change them.
type Event struct {
	Level   zerolog.Level
	Message string
	Context map[string]any
	Channel string
	Time    time.Time
	Extra   map[string]any

	// Internal marks records produced by the shipper itself (fallback output,
	// delivery diagnostics). They are never shipped, whatever their level.
	Internal bool
}

// Payload is the transport form of an Event.
type Payload map[string]any

// Payload renders the event in its transport form.
func (e Event) Payload() Payload {
	ctx := e.Context
	if ctx == nil {
		ctx = map[string]any{}
	}
	extra := e.Extra
	if extra == nil {
		extra = map[string]any{}
	}
	ts := e.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return Payload{
		"level":    LevelName(e.Level),
		"message":  e.Message,
		"context":  ctx,
		"channel":  e.Channel,
		"datetime": ts.Format(time.RFC3339Nano),
		"extra":    extra,
	}
}

func (p Payload) Level() string {
	s, _ := p["level"].(string)
	if s == "" {
		return "error"
	}
	return s
}

func (p Payload) Message() string {
	s, _ := p["message"].(string)
	if s == "" {
		return "Unknown error"
	}
	return s
}

// Context returns the payload context when it is a map. Truncated payloads
// carry a string context and return nil.
func (p Payload) Context() map[string]any {
	m, _ := p["context"].(map[string]any)
	return m
}

// Truncated reports whether the payload was replaced by the size limiter.
func (p Payload) Truncated() bool {
	b, _ := p["_truncated"].(bool)
	return b
}

// LevelName returns the wire name for a level. Ingestion servers expect
// PSR-3 style names, so warn is sent as "warning".
func LevelName(l zerolog.Level) string {
	switch l {
	case zerolog.TraceLevel, zerolog.DebugLevel:
		return "debug"
	case zerolog.InfoLevel:
		return "info"
	case zerolog.WarnLevel:
		return "warning"
	case zerolog.ErrorLevel:
		return "error"
	case zerolog.FatalLevel:
		return "critical"
	case zerolog.PanicLevel:
		return "emergency"
	default:
		return "error"
	}
}

// ParseLevel accepts zerolog and PSR-3 level names. Unknown names map to def.
func ParseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info", "notice":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error", "err":
		return zerolog.ErrorLevel
	case "critical", "fatal":
		return zerolog.FatalLevel
	case "alert", "emergency", "panic":
		return zerolog.PanicLevel
	default:
		return def
	}
}
