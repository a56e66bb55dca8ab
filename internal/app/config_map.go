package app

import (
	"strings"

	"github.com/redis/go-redis/v9"

	"logshipper/internal/buffer"
	"logshipper/internal/circuit"
	"logshipper/internal/config"
	"logshipper/internal/delivery"
	"logshipper/internal/extractor"
	"logshipper/internal/intake"
	"logshipper/internal/observability/server"
	"logshipper/internal/shipper"
	"logshipper/internal/source"
	"logshipper/internal/status"
	"logshipper/internal/storage"
	"logshipper/internal/task/engine"
	"logshipper/internal/task/scheduler"
	logx "logshipper/pkg/logx"
)

// settings is every component config derived from one config file.
type settings struct {
	cfg *config.Config
	res *config.Resolved

	logging    logx.Config
	storage    storage.Config
	buffer     buffer.Config
	breaker    circuit.Config
	engine     engine.Config
	delivery   delivery.Config
	intake     intake.Config
	extractor  extractor.Config
	status     status.Config
	scheduler  scheduler.Config
	server     server.Config
	fallback   string
	channel    delivery.ChannelConfig
	tails      []source.TailConfig
	bufferUsed bool
}

func mapSettings(cfg *config.Config) (*settings, error) {
	res, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}
	s := &settings{cfg: cfg, res: res}
	sh := cfg.Shipper

	s.logging = logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
		Ship: logx.ShipConfig{
			Enabled:    cfg.Logging.Ship.Enabled,
			MinLevel:   cfg.Logging.Ship.MinLevel,
			RatePerSec: cfg.Logging.Ship.RatePerSec,
			Channel:    cfg.Logging.Ship.Channel,
		},
	}

	s.storage = storage.Config{
		Driver:      cfg.Cache.Driver,
		Path:        cfg.Cache.Path,
		BusyTimeout: res.Cache.BusyTimeout,
	}

	mode := strings.ToLower(strings.TrimSpace(sh.Mode))
	s.bufferUsed = cfg.Batch.Enabled || mode == intake.ModeBatch
	s.buffer = buffer.Config{
		Driver:   config.BatchDriver(cfg.Batch),
		Key:      cfg.Batch.BufferKey,
		Capacity: cfg.Batch.Capacity,
		LockWait: res.Cache.LockWait,
	}
	if s.buffer.Key == "" {
		s.buffer.Key = buffer.DefaultKey
	}

	s.breaker = circuit.Config{
		Enabled:   cfg.Circuit.Enabled,
		Threshold: cfg.Circuit.FailureThreshold,
		Duration:  res.Circuit.Duration,
	}

	s.engine = mapTaskEngineConfig(cfg, res)

	s.delivery = delivery.Config{
		Endpoint:         sh.Endpoint,
		APIKey:           sh.APIKey,
		Environment:      sh.Environment,
		HTTPTimeout:      res.Shipper.HTTPTimeout,
		JobTimeout:       res.Shipper.JobTimeout,
		BatchHTTPTimeout: res.Shipper.BatchHTTPTimeout,
		BatchJobTimeout:  res.Shipper.BatchJobTimeout,
		Tries:            sh.Retries,
		Backoff:          res.Shipper.Backoff,
		Compress:         sh.Compress,
	}

	s.intake = intake.Config{
		Enabled:        res.Shipper.Enabled,
		Endpoint:       sh.Endpoint,
		APIKey:         sh.APIKey,
		Mode:           mode,
		MinLevel:       shipper.ParseLevel(sh.MinLevel, logx.LevelError),
		AppName:        sh.AppName,
		AppEnv:         sh.Environment,
		MaxPayloadSize: res.Shipper.MaxPayloadSize,
		SendContext: intake.SendContext{
			AppEnv:   sh.SendContext.AppEnv,
			Hostname: sh.SendContext.Hostname,
			EventID:  sh.SendContext.EventID,
		},
		SanitizeFields:   sh.SanitizeFields,
		GuardIdentifiers: sh.GuardIdentifiers,
		IPObfuscation: intake.IPObfuscation{
			Enabled: sh.IPObfuscation.Enabled,
			Method:  sh.IPObfuscation.Method,
			Salt:    sh.IPObfuscation.Salt,
			Fields:  sh.IPObfuscation.Fields,
		},
	}

	s.extractor = extractor.Config{BatchSize: cfg.Batch.Size, Budget: res.Batch.RunBudget}

	st := cfg.Status
	s.status = status.Config{
		Enabled:          st.Enabled,
		Endpoint:         st.Endpoint,
		ShipperEndpoint:  sh.Endpoint,
		APIKey:           sh.APIKey,
		Timeout:          res.Status.Timeout,
		AppName:          sh.AppName,
		AppEnv:           sh.Environment,
		MonitoredFiles:   st.MonitoredFiles,
		MonitoredFolders: st.MonitoredFolders,
		Sections: status.Sections{
			System:     on(st.Metrics.System),
			Queue:      on(st.Metrics.Queue),
			Buffer:     on(st.Metrics.Buffer),
			Circuit:    on(st.Metrics.Circuit),
			FileSize:   on(st.Metrics.FileSize),
			FolderSize: on(st.Metrics.FolderSize),
		},
	}

	s.scheduler = scheduler.Config{
		Enabled:  cfg.Batch.Enabled || st.Enabled,
		Timezone: cfg.Scheduler.Timezone,
	}

	o := cfg.Observability
	s.server = server.Config{
		Enabled:              o.Enabled,
		Addr:                 o.Addr,
		Token:                o.Token,
		AllowInsecure:        o.AllowInsecure,
		Pprof:                o.Pprof,
		ReadTimeout:          res.Observability.ReadTimeout,
		WriteTimeout:         res.Observability.WriteTimeout,
		IdleTimeout:          res.Observability.IdleTimeout,
		MutexProfileFraction: o.MutexProfileFraction,
		BlockProfileRate:     o.BlockProfileRate,
	}

	s.fallback = strings.TrimSpace(sh.FallbackChannel)
	if ch, ok := cfg.Channels[s.fallback]; ok {
		s.channel = delivery.ChannelConfig{
			Driver:   ch.Driver,
			Path:     ch.Path,
			Bucket:   ch.Bucket,
			Prefix:   ch.Prefix,
			Region:   ch.Region,
			Endpoint: ch.Endpoint,
		}
	}
	if s.fallback == "" {
		s.fallback = "log"
	}

	for _, t := range cfg.Sources.Tail {
		s.tails = append(s.tails, source.TailConfig{
			Path:      t.Path,
			Channel:   t.Channel,
			Level:     t.Level,
			Format:    t.Format,
			FromStart: t.FromStart,
			Poll:      t.Poll,
		})
	}
	return s, nil
}

func on(b *bool) bool { return b == nil || *b }

func mapTaskEngineConfig(cfg *config.Config, res *config.Resolved) engine.Config {
	te := cfg.TaskEngine
	out := engine.Config{
		Enabled:       true,
		Workers:       te.Workers,
		QueueSize:     te.QueueSize,
		HistorySize:   te.HistorySize,
		MaxQueueDelay: res.TaskEngine.MaxQueueDelay,
	}
	if out.Workers <= 0 {
		out.Workers = 2
	}
	if out.QueueSize <= 0 {
		out.QueueSize = 256
	}
	if out.HistorySize <= 0 {
		out.HistorySize = 200
	}
	return out
}

// openRedis creates one client per configured connection. Clients dial
// lazily.
func openRedis(cfg *config.Config) map[string]*redis.Client {
	out := make(map[string]*redis.Client, len(cfg.Redis.Connections))
	for name, c := range cfg.Redis.Connections {
		out[name] = storage.NewRedisClient(storage.RedisConn{
			Addr:     c.Addr,
			Username: c.Username,
			Password: c.Password,
			DB:       c.DB,
		})
	}
	return out
}
