package shipper

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// DefaultGuardIdentifiers name the delivery worker. Any warning-or-worse
// event mentioning one of them is assumed to come from the shipping path.
var DefaultGuardIdentifiers = []string{
	"logshipper/internal/delivery.(*Worker)",
	"logshipper/internal/delivery.Worker",
	"logshipper/internal/delivery",
}

// guardMinLevel is the lowest level the textual checks run at.
const guardMinLevel = zerolog.WarnLevel

// errorContextKeys are inspected for error values and stack text.
var errorContextKeys = []string{"error", "exception", "err", "stack"}

// Reason describes why the guard dropped an event.
type Reason string

const (
	Allowed       Reason = ""
	ReasonBypass  Reason = "internal"
	ReasonMarker  Reason = "failure_marker"
	ReasonMessage Reason = "message_reference"
	ReasonError   Reason = "error_reference"
)

// Guard drops events produced by the shipper's own failure path.
//
// Identifiers are matched as case-sensitive substrings. Renaming the
// delivery worker without updating the list disables the textual check;
// the Internal flag and the failure marker are unaffected.
type Guard struct {
	identifiers []string
}

// NewGuard builds a guard. A nil list selects DefaultGuardIdentifiers.
func NewGuard(identifiers []string) *Guard {
	if identifiers == nil {
		identifiers = DefaultGuardIdentifiers
	}
	ids := make([]string, 0, len(identifiers))
	for _, id := range identifiers {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return &Guard{identifiers: ids}
}

func (g *Guard) Identifiers() []string {
	if g == nil {
		return nil
	}
	return append([]string(nil), g.identifiers...)
}

// Check returns Allowed or the reason the event must be dropped.
func (g *Guard) Check(ev Event) Reason {
	if ev.Internal {
		return ReasonBypass
	}
	if ev.Level < guardMinLevel {
		return Allowed
	}
	if _, ok := ev.Context[FailureKey]; ok {
		return ReasonMarker
	}
	if g == nil {
		return Allowed
	}
	if g.mentions(ev.Message) {
		return ReasonMessage
	}
	for _, k := range errorContextKeys {
		v, ok := ev.Context[k]
		if !ok || v == nil {
			continue
		}
		if g.mentions(errorText(v)) {
			return ReasonError
		}
	}
	return Allowed
}

// Allow is Check reduced to a bool.
func (g *Guard) Allow(ev Event) bool { return g.Check(ev) == Allowed }

func (g *Guard) mentions(s string) bool {
	if s == "" {
		return false
	}
	for _, id := range g.identifiers {
		if strings.Contains(s, id) {
			return true
		}
	}
	return false
}

// errorText renders an error with %+v so wrapped errors that carry a stack
// trace expose their frames.
func errorText(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case error:
		return fmt.Sprintf("%+v", x)
	case fmt.Stringer:
		return x.String()
	case map[string]any:
		var b strings.Builder
		for _, k := range []string{"message", "class", "file", "trace", "stack"} {
			if s, ok := x[k].(string); ok {
				b.WriteString(s)
				b.WriteByte('\n')
			}
		}
		return b.String()
	default:
		return fmt.Sprint(v)
	}
}
