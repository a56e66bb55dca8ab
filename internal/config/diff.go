package config

import (
	"reflect"
	"sort"
	"strconv"
	"strings"

	logx "logshipper/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like API
// keys, salts or passwords), and (3) the sections whose change only takes
// effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	restart := make([]string, 0, 2)
	attrs := make([]logx.Field, 0, 20)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.ship_enabled", newCfg.Logging.Ship.Enabled),
		)
	}

	// Shipper (never log api_key or salt)
	o, n := redactShipper(oldCfg.Shipper), redactShipper(newCfg.Shipper)
	if !reflect.DeepEqual(o, n) {
		changed = append(changed, "shipper")
		attrs = append(attrs,
			logx.Bool("shipper.enabled", newCfg.Shipper.IsEnabled()),
			logx.String("shipper.endpoint", strings.TrimSpace(newCfg.Shipper.Endpoint)),
			logx.Bool("shipper.api_key_set", strings.TrimSpace(newCfg.Shipper.APIKey) != ""),
			logx.String("shipper.mode", newCfg.Shipper.Mode),
			logx.String("shipper.min_level", newCfg.Shipper.MinLevel),
			logx.String("shipper.fallback_channel", newCfg.Shipper.FallbackChannel),
		)
	}

	if !reflect.DeepEqual(oldCfg.Circuit, newCfg.Circuit) {
		changed = append(changed, "circuit_breaker")
		attrs = append(attrs,
			logx.Bool("circuit_breaker.enabled", newCfg.Circuit.Enabled),
			logx.Int("circuit_breaker.failure_threshold", newCfg.Circuit.FailureThreshold),
			logx.String("circuit_breaker.duration", newCfg.Circuit.Duration),
		)
	}

	if !reflect.DeepEqual(oldCfg.Batch, newCfg.Batch) {
		changed = append(changed, "batch")
		attrs = append(attrs,
			logx.Bool("batch.enabled", newCfg.Batch.Enabled),
			logx.String("batch.driver", BatchDriver(newCfg.Batch)),
			logx.Int("batch.size", newCfg.Batch.Size),
			logx.Int("batch.interval", newCfg.Batch.Interval),
		)
		if BatchDriver(oldCfg.Batch) != BatchDriver(newCfg.Batch) ||
			connName(oldCfg.Batch.Connection) != connName(newCfg.Batch.Connection) ||
			oldCfg.Batch.BufferKey != newCfg.Batch.BufferKey ||
			oldCfg.Batch.Capacity != newCfg.Batch.Capacity {
			restart = append(restart, "batch")
		}
	}

	if !reflect.DeepEqual(oldCfg.Status, newCfg.Status) {
		changed = append(changed, "status")
		attrs = append(attrs,
			logx.Bool("status.enabled", newCfg.Status.Enabled),
			logx.Int("status.interval", newCfg.Status.Interval),
			logx.Int("status.monitored_files", len(newCfg.Status.MonitoredFiles)),
			logx.Int("status.monitored_folders", len(newCfg.Status.MonitoredFolders)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Cache, newCfg.Cache) {
		changed = append(changed, "cache")
		restart = append(restart, "cache")
		attrs = append(attrs,
			logx.String("cache.driver", strings.TrimSpace(newCfg.Cache.Driver)),
			logx.Bool("cache.path_set", strings.TrimSpace(newCfg.Cache.Path) != ""),
		)
	}

	if !reflect.DeepEqual(redactRedis(oldCfg.Redis), redactRedis(newCfg.Redis)) {
		changed = append(changed, "redis")
		restart = append(restart, "redis")
		attrs = append(attrs, logx.Int("redis.connections", len(newCfg.Redis.Connections)))
	}

	if !reflect.DeepEqual(oldCfg.Channels, newCfg.Channels) {
		changed = append(changed, "channels")
		attrs = append(attrs, logx.Int("channels.count", len(newCfg.Channels)))
	}

	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		changed = append(changed, "task_engine")
		restart = append(restart, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.workers", newCfg.TaskEngine.Workers),
			logx.Int("task_engine.queue_size", newCfg.TaskEngine.QueueSize),
		)
	}

	if strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)))
	}

	if !reflect.DeepEqual(oldCfg.Sources, newCfg.Sources) {
		changed = append(changed, "sources")
		restart = append(restart, "sources")
		attrs = append(attrs, logx.Int("sources.tail", len(newCfg.Sources.Tail)))
	}

	// Observability (never log token)
	oo, no := oldCfg.Observability, newCfg.Observability
	nTok := strings.TrimSpace(no.Token) != ""
	oo.Token, no.Token = secretMarker(oo.Token), secretMarker(no.Token)
	if !reflect.DeepEqual(oo, no) {
		changed = append(changed, "observability")
		attrs = append(attrs,
			logx.Bool("observability.enabled", no.Enabled),
			logx.String("observability.addr", strings.TrimSpace(no.Addr)),
			logx.Bool("observability.token_set", nTok),
			logx.Bool("observability.pprof", no.Pprof),
		)
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}

// redactShipper replaces secrets with a hash so a rotated key still counts
// as a change.
func redactShipper(s ShipperConfig) ShipperConfig {
	s.APIKey = secretMarker(s.APIKey)
	s.IPObfuscation.Salt = secretMarker(s.IPObfuscation.Salt)
	return s
}

func redactRedis(r RedisConfig) RedisConfig {
	if len(r.Connections) == 0 {
		return r
	}
	out := RedisConfig{Connections: make(map[string]RedisConnection, len(r.Connections))}
	for k, v := range r.Connections {
		v.Password = secretMarker(v.Password)
		out.Connections[k] = v
	}
	return out
}

func secretMarker(s string) string {
	if s == "" {
		return ""
	}
	return strconv.FormatUint(hashBytes([]byte(s)), 16)
}
