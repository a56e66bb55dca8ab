package shipper

import (
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestGuardCheck(t *testing.T) {
	t.Parallel()

	g := NewGuard(nil)
	cases := []struct {
		name string
		ev   Event
		want Reason
	}{
		{
			name: "failure marker",
			ev:   Event{Level: zerolog.ErrorLevel, Message: "x", Context: map[string]any{FailureKey: "boom"}},
			want: ReasonMarker,
		},
		{
			name: "message mentions worker",
			ev:   Event{Level: zerolog.ErrorLevel, Message: "panic in logshipper/internal/delivery.(*Worker).Attempt"},
			want: ReasonMessage,
		},
		{
			name: "error value mentions worker",
			ev: Event{Level: zerolog.ErrorLevel, Message: "job failed", Context: map[string]any{
				"error": fmt.Errorf("logshipper/internal/delivery.Worker: %w", errors.New("dial tcp")),
			}},
			want: ReasonError,
		},
		{
			name: "exception stack mentions worker",
			ev: Event{Level: zerolog.WarnLevel, Message: "job failed", Context: map[string]any{
				"exception": map[string]any{"message": "x", "trace": "logshipper/internal/delivery.go:42"},
			}},
			want: ReasonError,
		},
		{
			name: "unrelated error",
			ev:   Event{Level: zerolog.ErrorLevel, Message: "Database connection failed"},
			want: Allowed,
		},
		{
			name: "info skips textual check",
			ev:   Event{Level: zerolog.InfoLevel, Message: "logshipper/internal/delivery.Worker started"},
			want: Allowed,
		},
		{
			name: "info skips marker check",
			ev:   Event{Level: zerolog.InfoLevel, Context: map[string]any{FailureKey: "x"}},
			want: Allowed,
		},
		{
			name: "warn applies marker check",
			ev:   Event{Level: zerolog.WarnLevel, Message: "x", Context: map[string]any{FailureKey: "x"}},
			want: ReasonMarker,
		},
		{
			name: "internal at debug",
			ev:   Event{Level: zerolog.DebugLevel, Message: "anything", Internal: true},
			want: ReasonBypass,
		},
		{
			name: "case variation is not matched",
			ev:   Event{Level: zerolog.ErrorLevel, Message: "LOGSHIPPER/INTERNAL/DELIVERY.WORKER failed"},
			want: Allowed,
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, g.Check(tc.ev))
		})
	}
}

func TestGuardCustomIdentifiers(t *testing.T) {
	t.Parallel()

	g := NewGuard([]string{"ShipLogJob"})
	assert.False(t, g.Allow(Event{Level: zerolog.ErrorLevel, Message: "ShipLogJob failed"}))
	assert.True(t, g.Allow(Event{Level: zerolog.ErrorLevel, Message: "shiplogjob failed"}))
	// the renamed worker is no longer recognised
	assert.True(t, g.Allow(Event{Level: zerolog.ErrorLevel, Message: "logshipper/internal/delivery.Worker"}))
}
