package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
shipper:
  endpoint: https://ingest.example.test/logs
  api_key: secret
  environment: production
  mode: batch
  max_payload_size: 512KiB
  backoff: ["1s", "3s"]
  fallback_channel: archive
channels:
  archive:
    driver: file
    path: /var/log/shipper-failed.log
batch:
  enabled: true
  interval: 5
redis:
  connections:
    default:
      addr: 127.0.0.1:6379
status:
  enabled: true
  interval: 120
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestParseYAMLAndResolve(t *testing.T) {
	t.Parallel()

	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))
	m.getenv = func(string) string { return "" }
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())
	assert.True(t, cfg.Shipper.IsEnabled())
	assert.Equal(t, "batch", cfg.Shipper.Mode)

	r, err := Resolve(cfg)
	require.NoError(t, err)
	assert.Equal(t, 512*1024, r.Shipper.MaxPayloadSize)
	assert.Equal(t, []time.Duration{time.Second, 3 * time.Second}, r.Shipper.Backoff)
	assert.Equal(t, "*/5 * * * *", r.Batch.Cron)
	assert.Equal(t, "0 */2 * * *", r.Status.Cron)
	assert.Equal(t, time.Local, r.Location)
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()

	_, err := Decode("c.json", []byte(`{"shipper":{"endpoint":"x","bogus":1}}`))
	assert.Error(t, err)

	_, err = Decode("c.json", []byte(`{} {}`))
	assert.Error(t, err)

	cfg, err := Decode("c.yml", []byte(""))
	require.NoError(t, err)
	assert.NotNil(t, cfg)
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		EnvEndpoint: "https://env.example.test",
		EnvKey:      "env-key",
		EnvEnabled:  "false",
		EnvEnv:      "staging",
	}
	cfg := &Config{Shipper: ShipperConfig{Endpoint: "https://file.example.test", APIKey: "file-key"}}
	ApplyEnv(cfg, func(k string) string { return env[k] })

	assert.Equal(t, "https://env.example.test", cfg.Shipper.Endpoint)
	assert.Equal(t, "env-key", cfg.Shipper.APIKey)
	assert.Equal(t, "staging", cfg.Shipper.Environment)
	assert.False(t, cfg.Shipper.IsEnabled())

	cfg = &Config{}
	ApplyEnv(cfg, func(k string) string {
		if k == EnvEnabled {
			return "maybe"
		}
		return ""
	})
	assert.True(t, cfg.Shipper.IsEnabled())
}

func TestIntervalCron(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   int
		want string
	}{
		{1, "*/1 * * * *"},
		{59, "*/59 * * * *"},
		{60, "0 */1 * * *"},
		{180, "0 */3 * * *"},
		{1439, "0 */23 * * *"},
		{1440, "@daily"},
		{5000, "@daily"},
	}
	for _, tc := range cases {
		got, err := IntervalCron(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "minutes=%d", tc.in)
	}
	_, err := IntervalCron(0)
	assert.Error(t, err)
}

func TestResolveValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "reserved fallback channel",
			cfg:  Config{Shipper: ShipperConfig{FallbackChannel: "Shipper"}},
			want: "reserved",
		},
		{
			name: "unknown fallback channel",
			cfg:  Config{Shipper: ShipperConfig{FallbackChannel: "nope"}},
			want: "not configured",
		},
		{
			name: "negative batch interval",
			cfg:  Config{Batch: BatchConfig{Enabled: true, Driver: "cache", Interval: -1}},
			want: "batch.interval",
		},
		{
			name: "bad duration",
			cfg:  Config{Circuit: CircuitConfig{Duration: "soon"}},
			want: "circuit_breaker.duration",
		},
		{
			name: "bad size",
			cfg:  Config{Shipper: ShipperConfig{MaxPayloadSize: "lots"}},
			want: "shipper.max_payload_size",
		},
		{
			name: "redis buffer without connection",
			cfg:  Config{Batch: BatchConfig{Enabled: true}},
			want: "batch.connection",
		},
		{
			name: "unknown mode",
			cfg:  Config{Shipper: ShipperConfig{Mode: "later"}},
			want: "shipper.mode",
		},
		{
			name: "unknown timezone",
			cfg:  Config{Scheduler: SchedulerConfig{Timezone: "Mars/Olympus"}},
			want: "scheduler.timezone",
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&tc.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}

	require.NoError(t, Validate(&Config{}))
}

func TestResolveAggregatesErrors(t *testing.T) {
	t.Parallel()

	err := Validate(&Config{
		Shipper: ShipperConfig{HTTPTimeout: "x", JobTimeout: "y"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shipper.http_timeout")
	assert.Contains(t, err.Error(), "shipper.job_timeout")
}

func TestMissingShipperSettings(t *testing.T) {
	t.Parallel()

	assert.Len(t, MissingShipperSettings(&Config{}), 2)
	assert.Equal(t,
		[]string{"shipper.api_key (LOG_SHIPPER_KEY)"},
		MissingShipperSettings(&Config{Shipper: ShipperConfig{Endpoint: "https://x"}}),
	)
	assert.Empty(t, MissingShipperSettings(&Config{Shipper: ShipperConfig{Endpoint: "https://x", APIKey: "k"}}))
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{Shipper: ShipperConfig{APIKey: "old-secret"}}
	newCfg := &Config{
		Shipper: ShipperConfig{APIKey: "new-secret"},
		Cache:   CacheConfig{Driver: "sqlite", Path: "/tmp/x.db"},
	}
	changed, attrs, restart := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"cache", "shipper"}, changed)
	assert.Equal(t, []string{"cache"}, restart)
	assert.NotEmpty(t, attrs)

	changed, _, restart = SummarizeConfigChange(oldCfg, oldCfg)
	assert.Empty(t, changed)
	assert.Empty(t, restart)

	assert.NotContains(t, redactShipper(newCfg.Shipper).APIKey, "secret")
}

func TestWatchPublishesChanges(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.json", `{"logging":{"level":"info"}}`)
	m := NewConfigManager(path)
	m.getenv = func(string) string { return "" }
	_, err := m.Load()
	require.NoError(t, err)
	m.SetValidator(func(_ context.Context, cfg *Config) error { return Validate(cfg) })

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o600))

	select {
	case cfg := <-ch:
		assert.Equal(t, "debug", cfg.Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestReloadRejectsInvalid(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.json", `{}`)
	m := NewConfigManager(path)
	m.getenv = func(string) string { return "" }
	_, err := m.Load()
	require.NoError(t, err)
	m.SetValidator(func(_ context.Context, cfg *Config) error { return Validate(cfg) })

	require.NoError(t, os.WriteFile(path, []byte(`{"shipper":{"fallback_channel":"shipper"}}`), 0o600))
	assert.False(t, m.reload(context.Background()))
	assert.Empty(t, strings.TrimSpace(m.Get().Shipper.FallbackChannel))

	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o600))
	assert.False(t, m.reload(context.Background()), "unchanged content is not republished")
}
