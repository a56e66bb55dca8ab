package status

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logshipper/internal/buffer"
	"logshipper/internal/circuit"
	"logshipper/internal/metrics"
	"logshipper/internal/runtime/supervisor"
	"logshipper/internal/shipper"
	"logshipper/internal/storage"
	"logshipper/internal/task/engine"
)

type fixedQueue engine.Snapshot

func (q fixedQueue) Snapshot() engine.Snapshot { return engine.Snapshot(q) }

func TestURLResolution(t *testing.T) {
	t.Parallel()

	cases := []struct {
		cfg  Config
		want string
	}{
		{Config{Endpoint: "https://status.example.test/in"}, "https://status.example.test/in"},
		{Config{ShipperEndpoint: "https://ingest.example.test/logs/"}, "https://ingest.example.test/logs/status"},
		{Config{ShipperEndpoint: "https://ingest.example.test/logs"}, "https://ingest.example.test/logs/status"},
		{Config{}, ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.cfg.URL())
	}
}

func TestCollectSections(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logFile := filepath.Join(dir, "app.log")
	require.NoError(t, os.WriteFile(logFile, []byte("12345"), 0o644))
	sub := filepath.Join(dir, "archive", "2026")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "a.gz"), make([]byte, 100), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "archive", "b.gz"), make([]byte, 20), 0o644))

	store := storage.NewMemory()
	buf := buffer.NewCache(store, "buf", 10)
	buf.Push(context.Background(), shipper.Payload{"message": "queued"})
	br := circuit.New(store, circuit.Config{Enabled: true})

	r := New(Config{
		AppName:          "shop",
		AppEnv:           "staging",
		Sections:         AllSections,
		MonitoredFiles:   []string{logFile, filepath.Join(dir, "missing.log")},
		MonitoredFolders: []string{filepath.Join(dir, "archive"), filepath.Join(dir, "nope")},
	},
		WithQueue(fixedQueue{QueueLen: 2, QueueCap: 64, Workers: 4}),
		WithBuffer(buf),
		WithBreaker(br),
		WithDroppedLines(func() uint64 { return 7 }),
	)

	rep := r.Collect(context.Background())
	assert.Equal(t, "shop", rep.AppName)
	assert.Equal(t, "staging", rep.AppEnv)
	assert.NotEmpty(t, rep.Version)
	_, err := time.Parse(time.RFC3339, rep.Timestamp)
	require.NoError(t, err)

	require.NotNil(t, rep.System)
	assert.Positive(t, rep.System.Goroutines)
	assert.EqualValues(t, 7, rep.System.Dropped)
	require.NotNil(t, rep.Queue)
	assert.Equal(t, 2, rep.Queue.Size)
	assert.Equal(t, 64, rep.Queue.Capacity)
	require.NotNil(t, rep.Buffer)
	assert.Equal(t, "cache", rep.Buffer.Driver)
	assert.Equal(t, 1, rep.Buffer.Size)
	require.NotNil(t, rep.Circuit)
	assert.False(t, rep.Circuit.Open)

	assert.Equal(t, map[string]int64{"app.log": 5, "missing.log": -1}, rep.FileSize)
	assert.Equal(t, map[string]int64{"archive": 120, "nope": -1}, rep.FolderSize)
}

func TestSystemReportsSupervisedRoutines(t *testing.T) {
	t.Parallel()

	sup := supervisor.New(context.Background())
	sup.Go0("tail.app", func(ctx context.Context) { <-ctx.Done() })
	defer func() {
		sup.Cancel()
		require.NoError(t, sup.Wait(context.Background()))
	}()
	require.Eventually(t, func() bool { return sup.Snapshot().Running == 1 }, 5*time.Second, 5*time.Millisecond)

	r := New(Config{Sections: Sections{System: true}}, WithRoutines(sup.Snapshot))
	rep := r.Collect(context.Background())
	require.NotNil(t, rep.System)
	require.NotNil(t, rep.System.Routines)
	require.Len(t, rep.System.Routines.Routines, 1)
	assert.Equal(t, "tail.app", rep.System.Routines.Routines[0].Name)

	b, err := json.Marshal(rep)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"routines":{"running":1`)

	assert.Nil(t, New(Config{Sections: Sections{System: true}}).Collect(context.Background()).System.Routines)
}

func TestCollectDisabledSections(t *testing.T) {
	t.Parallel()

	rep := New(Config{}).Collect(context.Background())
	assert.Nil(t, rep.System)
	assert.Nil(t, rep.Queue)
	assert.Nil(t, rep.FileSize)

	b, err := json.Marshal(rep)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "system")
	assert.Contains(t, string(b), "log_shipper_version")
}

func TestPush(t *testing.T) {
	t.Parallel()

	var (
		hits   atomic.Int32
		header http.Header
		path   string
		body   []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		header = r.Header.Clone()
		path = r.URL.Path
		body, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	m := metrics.New()
	r := New(Config{Enabled: true, ShipperEndpoint: srv.URL + "/logs", APIKey: "k", AppName: "shop"}, WithMetrics(m))
	require.NoError(t, r.Push(context.Background()))

	assert.EqualValues(t, 1, hits.Load())
	assert.Equal(t, "/logs/status", path)
	assert.Equal(t, "k", header.Get("X-Project-Key"))
	assert.Equal(t, "application/json", header.Get("Content-Type"))

	var got map[string]any
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "shop", got["app_name"])
	assert.EqualValues(t, 1, m.StatusPushes.Load())
}

func TestPushSkipsAndFailures(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx := context.Background()
	require.NoError(t, New(Config{Enabled: false, Endpoint: srv.URL, APIKey: "k"}).Push(ctx))
	require.NoError(t, New(Config{Enabled: true, Endpoint: srv.URL}).Push(ctx))
	assert.Zero(t, hits.Load())

	m := metrics.New()
	err := New(Config{Enabled: true, Endpoint: srv.URL, APIKey: "k"}, WithMetrics(m)).Push(ctx)
	assert.Error(t, err)
	assert.EqualValues(t, 1, m.StatusPushFailed.Load())
}

func TestDryRunPrintsJSON(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	r := New(Config{AppName: "shop", Sections: Sections{System: true}})
	require.NoError(t, r.DryRun(context.Background(), &out))

	var got map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, "shop", got["app_name"])
	assert.Contains(t, got, "system")
	assert.Contains(t, out.String(), "\n  ")
}

func TestProcParsers(t *testing.T) {
	t.Parallel()

	up := parseUptime("35231.55 140012.12\n")
	require.NotNil(t, up)
	assert.EqualValues(t, 35231, *up)
	assert.Nil(t, parseUptime(""))

	load := parseLoadAvg("0.42 0.30 0.25 1/123 4567\n")
	require.NotNil(t, load)
	assert.InDelta(t, 0.42, *load, 1e-9)

	mem := parseMeminfo("MemTotal:       2000 kB\nMemFree:        100 kB\nMemAvailable:   500 kB\n")
	require.NotNil(t, mem)
	assert.EqualValues(t, 2000*1024, mem.Total)
	assert.EqualValues(t, 500*1024, mem.Free)
	assert.EqualValues(t, 1500*1024, mem.Used)
	assert.InDelta(t, 75.0, mem.PercentUsed, 1e-9)
	assert.Nil(t, parseMeminfo("MemTotal: 10 kB\n"))
}
