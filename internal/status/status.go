// Package status collects a health snapshot of the shipper and its host and
// posts it to the ingestion service. Pushes are best-effort.
package status

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	json "github.com/goccy/go-json"

	"logshipper/internal/buffer"
	"logshipper/internal/circuit"
	"logshipper/internal/delivery"
	"logshipper/internal/metrics"
	"logshipper/internal/runtime/supervisor"
	"logshipper/internal/task/engine"
	logx "logshipper/pkg/logx"
)

const DefaultTimeout = 10 * time.Second

// ModulePath is the main module reported as log_shipper_version.
const ModulePath = "logshipper"

type Sections struct {
	System     bool
	Queue      bool
	Buffer     bool
	Circuit    bool
	FileSize   bool
	FolderSize bool
}

// AllSections enables every section.
var AllSections = Sections{System: true, Queue: true, Buffer: true, Circuit: true, FileSize: true, FolderSize: true}

type Config struct {
	Enabled bool

	// Endpoint is the dedicated status URL. When empty the shipper endpoint
	// with "/status" appended is used.
	Endpoint        string
	ShipperEndpoint string
	APIKey          string
	Timeout         time.Duration

	AppName string
	AppEnv  string

	Sections         Sections
	MonitoredFiles   []string
	MonitoredFolders []string
}

// URL resolves the status endpoint.
func (c Config) URL() string {
	if ep := strings.TrimSpace(c.Endpoint); ep != "" {
		return ep
	}
	base := strings.TrimSpace(c.ShipperEndpoint)
	if base == "" {
		return ""
	}
	return strings.TrimRight(base, "/") + "/status"
}

// QueueStats is the part of the task engine a report reads.
type QueueStats interface {
	Snapshot() engine.Snapshot
}

type Report struct {
	Timestamp  string           `json:"timestamp"`
	AppName    string           `json:"app_name"`
	AppEnv     string           `json:"app_env"`
	InstanceID string           `json:"instance_id"`
	Version    string           `json:"log_shipper_version"`
	System     *System          `json:"system,omitempty"`
	Queue      *Queue           `json:"queue,omitempty"`
	Buffer     *Buffer          `json:"buffer,omitempty"`
	Circuit    *circuit.State   `json:"circuit,omitempty"`
	FileSize   map[string]int64 `json:"filesize,omitempty"`
	FolderSize map[string]int64 `json:"foldersize,omitempty"`
}

type System struct {
	GoVersion        string      `json:"go_version"`
	Goroutines       int         `json:"goroutines"`
	MemoryUsage      uint64      `json:"memory_usage"`
	MemoryUsageHuman string      `json:"memory_usage_human"`
	MemoryAlloc      uint64      `json:"memory_alloc"`
	Uptime           int64       `json:"uptime"`
	HostUptime       *int64      `json:"host_uptime"`
	CPULoad          *float64    `json:"cpu_usage"`
	ServerMemory     *HostMemory `json:"server_memory"`
	DiskSpace        *DiskSpace  `json:"disk_space"`
	Dropped          uint64      `json:"log_lines_dropped"`

	Routines *supervisor.Snapshot `json:"routines,omitempty"`
}

type HostMemory struct {
	Total       uint64  `json:"total"`
	Free        uint64  `json:"free"`
	Used        uint64  `json:"used"`
	PercentUsed float64 `json:"percent_used"`
}

type DiskSpace = HostMemory

type Queue struct {
	Size     int    `json:"size"`
	Capacity int    `json:"capacity"`
	InFlight int    `json:"in_flight"`
	Workers  int    `json:"workers"`
	Dropped  uint64 `json:"dropped"`
	Failed   uint64 `json:"failed"`
}

type Buffer struct {
	Driver string `json:"driver"`
	Size   int    `json:"size"`
}

type Reporter struct {
	client   *http.Client
	queue    QueueStats
	buf      buffer.Buffer
	breaker  *circuit.Breaker
	metrics  *metrics.Shipper
	log      logx.Logger
	dropped  func() uint64
	routines func() supervisor.Snapshot
	hostname string
	started  time.Time
	now      func() time.Time

	mu  sync.RWMutex
	cfg Config
}

type Option func(*Reporter)

func WithHTTPClient(c *http.Client) Option     { return func(r *Reporter) { r.client = c } }
func WithQueue(q QueueStats) Option            { return func(r *Reporter) { r.queue = q } }
func WithBuffer(b buffer.Buffer) Option        { return func(r *Reporter) { r.buf = b } }
func WithBreaker(b *circuit.Breaker) Option    { return func(r *Reporter) { r.breaker = b } }
func WithMetrics(m *metrics.Shipper) Option    { return func(r *Reporter) { r.metrics = m } }
func WithLogger(l logx.Logger) Option          { return func(r *Reporter) { r.log = l } }
func WithDroppedLines(fn func() uint64) Option { return func(r *Reporter) { r.dropped = fn } }
func WithClock(now func() time.Time) Option    { return func(r *Reporter) { r.now = now } }

// WithRoutines adds the supervised goroutines to the system section.
func WithRoutines(fn func() supervisor.Snapshot) Option { return func(r *Reporter) { r.routines = fn } }

func New(cfg Config, opts ...Option) *Reporter {
	r := &Reporter{cfg: cfg, log: logx.Nop(), now: time.Now}
	r.hostname, _ = os.Hostname()
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	if r.client == nil {
		r.client = &http.Client{}
	}
	if r.metrics == nil {
		r.metrics = metrics.New()
	}
	r.started = r.now()
	r.log = r.log.With(logx.Internal(), logx.String("component", "status"))
	return r
}

// Apply swaps the status settings.
func (r *Reporter) Apply(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

func (r *Reporter) Config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Collect builds a report from the enabled sections.
func (r *Reporter) Collect(ctx context.Context) Report {
	cfg := r.Config()
	rep := Report{
		Timestamp:  r.now().Format(time.RFC3339),
		AppName:    cfg.AppName,
		AppEnv:     cfg.AppEnv,
		InstanceID: r.hostname,
		Version:    Version(),
	}
	sec := cfg.Sections
	if sec.System {
		rep.System = r.system()
	}
	if sec.Queue && r.queue != nil {
		s := r.queue.Snapshot()
		rep.Queue = &Queue{Size: s.QueueLen, Capacity: s.QueueCap, InFlight: s.InFlight, Workers: s.Workers, Dropped: s.Dropped, Failed: s.Failed}
	}
	if sec.Buffer && r.buf != nil {
		rep.Buffer = &Buffer{Driver: buffer.Driver(r.buf), Size: r.buf.Size(ctx)}
	}
	if sec.Circuit && r.breaker != nil {
		st := r.breaker.State(ctx)
		rep.Circuit = &st
	}
	if sec.FileSize {
		rep.FileSize = fileSizes(cfg.MonitoredFiles)
	}
	if sec.FolderSize {
		rep.FolderSize = folderSizes(cfg.MonitoredFolders)
	}
	return rep
}

func (r *Reporter) system() *System {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	s := &System{
		GoVersion:        runtime.Version(),
		Goroutines:       runtime.NumGoroutine(),
		MemoryUsage:      m.Sys,
		MemoryUsageHuman: humanize.IBytes(m.Sys),
		MemoryAlloc:      m.Alloc,
		Uptime:           int64(r.now().Sub(r.started).Seconds()),
		HostUptime:       hostUptime(),
		CPULoad:          loadAverage(),
		ServerMemory:     hostMemory(),
		DiskSpace:        diskSpace("."),
	}
	if r.dropped != nil {
		s.Dropped = r.dropped()
	}
	if r.routines != nil {
		snap := r.routines()
		s.Routines = &snap
	}
	return s
}

// Push posts one report. Failures are counted and returned, never retried.
func (r *Reporter) Push(ctx context.Context) error {
	cfg := r.Config()
	if !cfg.Enabled {
		return nil
	}
	url := cfg.URL()
	if url == "" || strings.TrimSpace(cfg.APIKey) == "" {
		return nil
	}

	body, err := json.Marshal(r.Collect(ctx))
	if err != nil {
		r.metrics.StatusPushFailed.Inc()
		return err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		r.metrics.StatusPushFailed.Inc()
		return err
	}
	delivery.SetHeaders(req.Header, cfg.APIKey)

	resp, err := r.client.Do(req)
	if err != nil {
		r.metrics.StatusPushFailed.Inc()
		r.log.Debug("status.push_failed", logx.Err(err))
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		r.metrics.StatusPushFailed.Inc()
		err := &delivery.StatusError{Code: resp.StatusCode}
		r.log.Debug("status.push_failed", logx.Err(err))
		return err
	}
	r.metrics.StatusPushes.Inc()
	return nil
}

// DryRun writes the report as indented JSON instead of sending it.
func (r *Reporter) DryRun(ctx context.Context, w io.Writer) error {
	b, err := json.MarshalIndent(r.Collect(ctx), "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

// Version is the main module version from the build info.
func Version() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok || bi == nil {
		return "unknown"
	}
	if bi.Main.Path == ModulePath && bi.Main.Version != "" {
		return bi.Main.Version
	}
	return "unknown"
}

// fileSizes maps each file's base name to its size, -1 when missing.
func fileSizes(paths []string) map[string]int64 {
	out := make(map[string]int64, len(paths))
	for _, p := range paths {
		fi, err := os.Stat(p)
		if err != nil || fi.IsDir() {
			out[filepath.Base(p)] = -1
			continue
		}
		out[filepath.Base(p)] = fi.Size()
	}
	return out
}

// folderSizes maps each folder's base name to the recursive size of its
// regular files, -1 when missing and 0 when it cannot be walked.
func folderSizes(paths []string) map[string]int64 {
	out := make(map[string]int64, len(paths))
	for _, p := range paths {
		fi, err := os.Stat(p)
		if err != nil || !fi.IsDir() {
			out[filepath.Base(p)] = -1
			continue
		}
		out[filepath.Base(p)] = dirSize(p)
	}
	return out
}

func dirSize(root string) int64 {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0
	}
	return total
}
