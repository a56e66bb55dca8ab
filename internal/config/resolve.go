package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

// ReservedChannel is the fallback channel name the shipper itself logs to.
const ReservedChannel = "shipper"

// Environment overrides applied after the file is decoded.
const (
	EnvEndpoint = "LOG_SHIPPER_ENDPOINT"
	EnvKey      = "LOG_SHIPPER_KEY"
	EnvEnabled  = "LOG_SHIPPER_ENABLED"
	EnvEnv      = "LOG_SHIPPER_ENV"
)

var validModes = map[string]bool{"": true, "sync": true, "queue": true, "batch": true}

// ApplyEnv overlays the LOG_SHIPPER_* variables onto cfg. Unset or
// unparsable values leave the file value in place.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil || getenv == nil {
		return
	}
	if v := strings.TrimSpace(getenv(EnvEndpoint)); v != "" {
		cfg.Shipper.Endpoint = v
	}
	if v := strings.TrimSpace(getenv(EnvKey)); v != "" {
		cfg.Shipper.APIKey = v
	}
	if v := strings.TrimSpace(getenv(EnvEnv)); v != "" {
		cfg.Shipper.Environment = v
	}
	if v := strings.TrimSpace(getenv(EnvEnabled)); v != "" {
		if on, err := strconv.ParseBool(v); err == nil {
			cfg.Shipper.Enabled = &on
		}
	}
}

// Resolved carries the parsed form of the string-typed settings. Zero
// values mean "use the component default".
type Resolved struct {
	Shipper       ShipperSettings
	Circuit       CircuitSettings
	Batch         BatchSettings
	Status        StatusSettings
	Cache         CacheSettings
	TaskEngine    TaskEngineSettings
	Location      *time.Location
	Observability ObservabilitySettings
}

type ShipperSettings struct {
	Enabled          bool
	MaxPayloadSize   int
	Backoff          []time.Duration
	HTTPTimeout      time.Duration
	JobTimeout       time.Duration
	BatchHTTPTimeout time.Duration
	BatchJobTimeout  time.Duration
}

type CircuitSettings struct {
	Duration time.Duration
}

type BatchSettings struct {
	Cron      string
	RunBudget time.Duration
}

type StatusSettings struct {
	Cron    string
	Timeout time.Duration
}

type CacheSettings struct {
	BusyTimeout time.Duration
	LockWait    time.Duration
}

type TaskEngineSettings struct {
	MaxQueueDelay time.Duration
}

type ObservabilitySettings struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Resolve validates cfg and parses its durations, sizes and cadences. All
// problems are reported together.
func Resolve(cfg *Config) (*Resolved, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	var (
		r    Resolved
		errs *multierror.Error
	)
	dur := func(path, raw string) time.Duration {
		d, err := ParseDurationField(path, raw)
		errs = multierror.Append(errs, err)
		return d
	}

	sh := cfg.Shipper
	r.Shipper.Enabled = sh.IsEnabled()
	if !validModes[strings.ToLower(strings.TrimSpace(sh.Mode))] {
		errs = multierror.Append(errs, fmt.Errorf("shipper.mode: unknown mode %q", sh.Mode))
	}
	size, err := ParseBytesOrDefault("shipper.max_payload_size", sh.MaxPayloadSize, 0)
	errs = multierror.Append(errs, err)
	r.Shipper.MaxPayloadSize = size
	if sh.Retries < 0 {
		errs = multierror.Append(errs, errors.New("shipper.retries: must be >= 0"))
	}
	for i, raw := range sh.Backoff {
		r.Shipper.Backoff = append(r.Shipper.Backoff, dur(fmt.Sprintf("shipper.backoff[%d]", i), raw))
	}
	r.Shipper.HTTPTimeout = dur("shipper.http_timeout", sh.HTTPTimeout)
	r.Shipper.JobTimeout = dur("shipper.job_timeout", sh.JobTimeout)
	r.Shipper.BatchHTTPTimeout = dur("shipper.batch_http_timeout", sh.BatchHTTPTimeout)
	r.Shipper.BatchJobTimeout = dur("shipper.batch_job_timeout", sh.BatchJobTimeout)
	switch strings.ToLower(strings.TrimSpace(sh.IPObfuscation.Method)) {
	case "", "mask", "hash":
	default:
		errs = multierror.Append(errs, fmt.Errorf("shipper.ip_obfuscation.method: unknown method %q", sh.IPObfuscation.Method))
	}
	if name := strings.TrimSpace(sh.FallbackChannel); name != "" {
		if strings.EqualFold(name, ReservedChannel) {
			errs = multierror.Append(errs, fmt.Errorf("shipper.fallback_channel: %q is reserved", name))
		} else if _, ok := cfg.Channels[name]; !ok {
			errs = multierror.Append(errs, fmt.Errorf("shipper.fallback_channel: channel %q is not configured", name))
		}
	}
	for name := range cfg.Channels {
		if strings.EqualFold(strings.TrimSpace(name), ReservedChannel) {
			errs = multierror.Append(errs, fmt.Errorf("channels.%s: name is reserved", name))
		}
	}

	if cfg.Circuit.FailureThreshold < 0 {
		errs = multierror.Append(errs, errors.New("circuit_breaker.failure_threshold: must be >= 0"))
	}
	r.Circuit.Duration = dur("circuit_breaker.duration", cfg.Circuit.Duration)

	b := cfg.Batch
	switch strings.ToLower(strings.TrimSpace(b.Driver)) {
	case "", "redis", "cache":
	default:
		errs = multierror.Append(errs, fmt.Errorf("batch.driver: unknown driver %q", b.Driver))
	}
	if b.Capacity < 0 || b.Size < 0 {
		errs = multierror.Append(errs, errors.New("batch.capacity and batch.size must be >= 0"))
	}
	if b.Enabled || b.Interval != 0 {
		interval := b.Interval
		if interval == 0 {
			interval = 1
		}
		spec, err := IntervalCron(interval)
		errs = multierror.Append(errs, wrapPath("batch.interval", err))
		r.Batch.Cron = spec
	}
	r.Batch.RunBudget = dur("batch.run_budget", b.RunBudget)
	if b.Enabled && BatchDriver(b) == "redis" {
		if _, ok := cfg.Redis.Connections[connName(b.Connection)]; !ok {
			errs = multierror.Append(errs, fmt.Errorf("batch.connection: redis connection %q is not configured", connName(b.Connection)))
		}
	}

	st := cfg.Status
	if st.Enabled || st.Interval != 0 {
		interval := st.Interval
		if interval == 0 {
			interval = 1
		}
		spec, err := IntervalCron(interval)
		errs = multierror.Append(errs, wrapPath("status.interval", err))
		r.Status.Cron = spec
	}
	r.Status.Timeout = dur("status.timeout", st.Timeout)

	c := cfg.Cache
	switch strings.ToLower(strings.TrimSpace(c.Driver)) {
	case "", "memory", "array", "none":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(c.Path) == "" {
			errs = multierror.Append(errs, errors.New("cache.path: required for sqlite"))
		}
	case "redis":
		if _, ok := cfg.Redis.Connections[connName(c.Connection)]; !ok {
			errs = multierror.Append(errs, fmt.Errorf("cache.connection: redis connection %q is not configured", connName(c.Connection)))
		}
	default:
		errs = multierror.Append(errs, fmt.Errorf("cache.driver: unknown driver %q", c.Driver))
	}
	r.Cache.BusyTimeout = dur("cache.busy_timeout", c.BusyTimeout)
	r.Cache.LockWait = dur("cache.lock_wait", c.LockWait)

	for name, rc := range cfg.Redis.Connections {
		if strings.TrimSpace(rc.Addr) == "" {
			errs = multierror.Append(errs, fmt.Errorf("redis.connections.%s.addr: required", name))
		}
	}

	if cfg.TaskEngine.Workers < 0 || cfg.TaskEngine.QueueSize < 0 || cfg.TaskEngine.HistorySize < 0 {
		errs = multierror.Append(errs, errors.New("task_engine: workers, queue_size and history_size must be >= 0"))
	}
	r.TaskEngine.MaxQueueDelay = dur("task_engine.max_queue_delay", cfg.TaskEngine.MaxQueueDelay)

	r.Location = time.Local
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		} else {
			r.Location = loc
		}
	}

	for i, src := range cfg.Sources.Tail {
		if strings.TrimSpace(src.Path) == "" {
			errs = multierror.Append(errs, fmt.Errorf("sources.tail[%d].path: required", i))
		}
		switch strings.ToLower(strings.TrimSpace(src.Format)) {
		case "", "json", "text":
		default:
			errs = multierror.Append(errs, fmt.Errorf("sources.tail[%d].format: unknown format %q", i, src.Format))
		}
	}

	o := cfg.Observability
	r.Observability.ReadTimeout = dur("observability.read_timeout", o.ReadTimeout)
	r.Observability.WriteTimeout = dur("observability.write_timeout", o.WriteTimeout)
	r.Observability.IdleTimeout = dur("observability.idle_timeout", o.IdleTimeout)

	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Validate is Resolve without the result, for ConfigManager.SetValidator.
func Validate(cfg *Config) error {
	_, err := Resolve(cfg)
	return err
}

// MissingShipperSettings names the required delivery settings that are
// empty, in config-key form.
func MissingShipperSettings(cfg *Config) []string {
	var missing []string
	if cfg == nil || strings.TrimSpace(cfg.Shipper.Endpoint) == "" {
		missing = append(missing, "shipper.endpoint ("+EnvEndpoint+")")
	}
	if cfg == nil || strings.TrimSpace(cfg.Shipper.APIKey) == "" {
		missing = append(missing, "shipper.api_key ("+EnvKey+")")
	}
	return missing
}

func connName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "default"
	}
	return s
}

// BatchDriver returns the normalized buffer driver, "redis" when unset.
func BatchDriver(b BatchConfig) string {
	d := strings.ToLower(strings.TrimSpace(b.Driver))
	if d == "" {
		return "redis"
	}
	return d
}

// ConnectionName returns the redis connection a section refers to.
func ConnectionName(s string) string { return connName(s) }

func wrapPath(path string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", path, err)
}
