package config

// Config is the on-disk configuration (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "10s", "5m"). Byte sizes accept
// humanized values ("1MB", "512KiB") or plain integers.
type Config struct {
	Logging       LoggingConfig            `json:"logging"`
	Shipper       ShipperConfig            `json:"shipper"`
	Circuit       CircuitConfig            `json:"circuit_breaker"`
	Batch         BatchConfig              `json:"batch"`
	Status        StatusConfig             `json:"status"`
	Cache         CacheConfig              `json:"cache"`
	Redis         RedisConfig              `json:"redis"`
	Channels      map[string]ChannelConfig `json:"channels,omitempty"`
	TaskEngine    TaskEngineConfig         `json:"task_engine"`
	Scheduler     SchedulerConfig          `json:"scheduler"`
	Sources       SourcesConfig            `json:"sources"`
	Observability ObservabilityConfig      `json:"observability"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Ship    LoggingShip `json:"ship"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingShip forwards the process's own log lines into the intake.
type LoggingShip struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
	Channel    string `json:"channel,omitempty"`
}

// ShipperConfig controls intake and delivery.
//
// Enabled is a pointer so an omitted key defaults to true while an explicit
// false disables shipping.
//
// Defaults (when fields are omitted/zero):
//   - mode: "queue"
//   - min_level: "error"
//   - max_payload_size: "1MiB"
//   - retries: 3, backoff: ["2s","5s","10s"]
//   - http_timeout: "10s", job_timeout: "15s"
//   - batch_http_timeout: "20s", batch_job_timeout: "30s"
type ShipperConfig struct {
	Enabled     *bool  `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint"`
	APIKey      string `json:"api_key"` // do not log
	Environment string `json:"environment"`
	AppName     string `json:"app_name,omitempty"`
	Mode        string `json:"mode,omitempty"`
	MinLevel    string `json:"min_level,omitempty"`

	// nil keeps the built-in lists; an explicit empty list disables matching.
	SanitizeFields   []string `json:"sanitize_fields,omitempty"`
	GuardIdentifiers []string `json:"guard_identifiers,omitempty"`

	MaxPayloadSize  string `json:"max_payload_size,omitempty"`
	FallbackChannel string `json:"fallback_channel,omitempty"`

	Retries          int      `json:"retries,omitempty"`
	Backoff          []string `json:"backoff,omitempty"`
	HTTPTimeout      string   `json:"http_timeout,omitempty"`
	JobTimeout       string   `json:"job_timeout,omitempty"`
	BatchHTTPTimeout string   `json:"batch_http_timeout,omitempty"`
	BatchJobTimeout  string   `json:"batch_job_timeout,omitempty"`
	Compress         bool     `json:"compress,omitempty"`

	IPObfuscation IPObfuscationConfig `json:"ip_obfuscation"`
	SendContext   SendContextConfig   `json:"send_context"`
}

// IsEnabled applies the default for an omitted enabled key.
func (s ShipperConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

type IPObfuscationConfig struct {
	Enabled bool     `json:"enabled"`
	Method  string   `json:"method,omitempty"` // mask | hash
	Salt    string   `json:"salt,omitempty"`   // do not log
	Fields  []string `json:"fields,omitempty"`
}

type SendContextConfig struct {
	AppEnv   bool `json:"app_env"`
	Hostname bool `json:"hostname"`
	EventID  bool `json:"event_id"`
}

type CircuitConfig struct {
	Enabled          bool   `json:"enabled"`
	FailureThreshold int    `json:"failure_threshold,omitempty"`
	Duration         string `json:"duration,omitempty"`
}

// BatchConfig controls buffering and the periodic extractor.
//
// Interval is in minutes (>= 1). Driver is "redis" (default) or "cache".
type BatchConfig struct {
	Enabled    bool   `json:"enabled"`
	Driver     string `json:"driver,omitempty"`
	Connection string `json:"connection,omitempty"`
	BufferKey  string `json:"buffer_key,omitempty"`
	Capacity   int    `json:"capacity,omitempty"`
	Size       int    `json:"size,omitempty"`
	Interval   int    `json:"interval,omitempty"`
	RunBudget  string `json:"run_budget,omitempty"`
}

type StatusConfig struct {
	Enabled          bool          `json:"enabled"`
	Endpoint         string        `json:"endpoint,omitempty"`
	Interval         int           `json:"interval,omitempty"` // minutes
	Timeout          string        `json:"timeout,omitempty"`
	Metrics          StatusMetrics `json:"metrics"`
	MonitoredFiles   []string      `json:"monitored_files,omitempty"`
	MonitoredFolders []string      `json:"monitored_folders,omitempty"`
}

// StatusMetrics toggles report sections. Omitted sections are enabled.
type StatusMetrics struct {
	System     *bool `json:"system,omitempty"`
	Queue      *bool `json:"queue,omitempty"`
	Buffer     *bool `json:"buffer,omitempty"`
	Circuit    *bool `json:"circuit,omitempty"`
	FileSize   *bool `json:"filesize,omitempty"`
	FolderSize *bool `json:"foldersize,omitempty"`
}

// CacheConfig selects the shared store behind the breaker and the cache
// buffer.
//
// Example:
//
//	"cache": { "driver": "sqlite", "path": "./logshipper.db" }
type CacheConfig struct {
	Driver      string `json:"driver,omitempty"` // memory | sqlite | redis | none
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	Connection  string `json:"connection,omitempty"`
	LockWait    string `json:"lock_wait,omitempty"`
}

type RedisConfig struct {
	Connections map[string]RedisConnection `json:"connections,omitempty"`
}

type RedisConnection struct {
	Addr     string `json:"addr"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // do not log
	DB       int    `json:"db,omitempty"`
}

// ChannelConfig is a named fallback destination.
type ChannelConfig struct {
	Driver   string `json:"driver"` // log | file | stderr | s3 | discard
	Path     string `json:"path,omitempty"`
	Bucket   string `json:"bucket,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
	Region   string `json:"region,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
}

// TaskEngineConfig controls the delivery job engine.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
type TaskEngineConfig struct {
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`
}

type SchedulerConfig struct {
	Timezone string `json:"timezone,omitempty"`
}

type SourcesConfig struct {
	Tail []TailSource `json:"tail,omitempty"`
}

type TailSource struct {
	Path      string `json:"path"`
	Channel   string `json:"channel,omitempty"`
	Level     string `json:"level,omitempty"`
	Format    string `json:"format,omitempty"` // json | text
	FromStart bool   `json:"from_start,omitempty"`
	Poll      bool   `json:"poll,omitempty"`
}

// ObservabilityConfig controls the diagnostics HTTP server (/metrics and
// optionally pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9464").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type ObservabilityConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9464"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
