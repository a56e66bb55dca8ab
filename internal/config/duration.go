package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// ParseBytesOrDefault accepts "1MB", "512KiB" or a plain byte count.
func ParseBytesOrDefault(path, raw string, def int) (int, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid size %q: %w", path, raw, err)
	}
	if n == 0 {
		return def, nil
	}
	if n > 1<<31-1 {
		return 0, fmt.Errorf("%s: size %s is too large", path, humanize.IBytes(n))
	}
	return int(n), nil
}

// IntervalCron converts a cadence in minutes to a cron spec:
// "*/N * * * *" below an hour, "0 */H * * *" from an hour, "@daily" from a day.
func IntervalCron(minutes int) (string, error) {
	switch {
	case minutes < 1:
		return "", fmt.Errorf("interval must be >= 1 minute, got %d", minutes)
	case minutes >= 24*60:
		return "@daily", nil
	case minutes >= 60:
		return fmt.Sprintf("0 */%d * * *", minutes/60), nil
	default:
		return fmt.Sprintf("*/%d * * * *", minutes), nil
	}
}
