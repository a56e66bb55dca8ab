package delivery

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logshipper/internal/circuit"
	"logshipper/internal/metrics"
	"logshipper/internal/shipper"
	"logshipper/internal/storage"
	"logshipper/internal/task/engine"
	logx "logshipper/pkg/logx"
)

type recordingSink struct {
	mu   sync.Mutex
	recs []Record
	err  error
}

func (s *recordingSink) Write(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, r)
	return s.err
}

func (s *recordingSink) records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.recs...)
}

func startEngine(t *testing.T) *engine.Service {
	t.Helper()
	e := engine.New(engine.Config{Enabled: true, Workers: 2}, logx.Nop(), nil)
	e.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Stop(ctx)
	})
	return e
}

func newBreaker(threshold int) *circuit.Breaker {
	return circuit.New(storage.NewMemory(), circuit.Config{Enabled: true, Threshold: threshold, Duration: time.Minute})
}

func samplePayload() shipper.Payload {
	return shipper.Event{
		Level:   logx.LevelError,
		Message: "checkout failed",
		Context: map[string]any{"order_id": 42, "password": "hunter2"},
		Channel: "app",
		Time:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}.Payload()
}

func TestPostSendsHeadersAndResetsBreaker(t *testing.T) {
	t.Parallel()

	var got http.Header
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	br := newBreaker(5)
	ctx := context.Background()
	br.RecordFailure(ctx)
	require.EqualValues(t, 1, br.Failures(ctx))

	w := New(Config{Endpoint: srv.URL, APIKey: "proj-key"}, WithBreaker(br))
	require.NoError(t, w.DeliverNow(ctx, samplePayload()))

	assert.Equal(t, "application/json", got.Get("Accept"))
	assert.Equal(t, "application/json", got.Get("Content-Type"))
	assert.Equal(t, "proj-key", got.Get("X-Project-Key"))
	assert.Empty(t, got.Get("Content-Encoding"))

	p, err := shipper.Decode(body)
	require.NoError(t, err)
	assert.Equal(t, "checkout failed", p.Message())
	assert.Equal(t, "error", p.Level())
	assert.EqualValues(t, 0, br.Failures(ctx))
}

func TestPostNon2xxIsFailure(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		code      int
		retryHint time.Duration
		header    string
	}{
		{name: "server error", code: http.StatusBadGateway},
		{name: "unprocessable", code: http.StatusUnprocessableEntity},
		{name: "unauthorized", code: http.StatusUnauthorized},
		{name: "request timeout", code: http.StatusRequestTimeout},
		{name: "rate limited", code: http.StatusTooManyRequests, header: "7", retryHint: 7 * time.Second},
		{name: "redirect", code: http.StatusNotModified},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tc.header != "" {
					w.Header().Set("Retry-After", tc.header)
				}
				w.WriteHeader(tc.code)
				_, _ = w.Write([]byte("nope"))
			}))
			defer srv.Close()

			br := newBreaker(5)
			w := New(Config{Endpoint: srv.URL, APIKey: "k"}, WithBreaker(br))
			err := w.Post(context.Background(), Attempt{Endpoint: srv.URL, APIKey: "k", Body: []byte(`{}`), Number: 1, Max: 1})
			require.Error(t, err)

			var se *StatusError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tc.code, se.Code)
			assert.False(t, engine.IsNoRetry(err), "non-2xx stays retryable")

			var ra engine.RetryAfterError
			if tc.retryHint > 0 {
				require.ErrorAs(t, err, &ra)
				assert.Equal(t, tc.retryHint, ra.RetryAfter())
			}
			assert.EqualValues(t, 1, br.Failures(context.Background()))
		})
	}
}

func TestPostSkipsWithoutPreconditions(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	cases := []struct {
		name string
		cfg  Config
	}{
		{name: "no key", cfg: Config{Endpoint: srv.URL}},
		{name: "no endpoint", cfg: Config{APIKey: "k"}},
		{name: "http in production", cfg: Config{Endpoint: srv.URL, APIKey: "k", Environment: "production"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := metrics.New()
			sink := &recordingSink{}
			w := New(tc.cfg, WithMetrics(m), WithFallback(sink))
			require.NoError(t, w.DeliverNow(context.Background(), samplePayload()))
			assert.EqualValues(t, 1, m.DeliveriesSkipped.Load())
			assert.Empty(t, sink.records())
		})
	}
	assert.Zero(t, hits.Load())
}

func TestHTTPSAllowedInProduction(t *testing.T) {
	t.Parallel()

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := metrics.New()
	w := New(Config{Endpoint: srv.URL, APIKey: "k", Environment: "production"},
		WithHTTPClient(srv.Client()), WithMetrics(m))
	require.NoError(t, w.DeliverNow(context.Background(), samplePayload()))
	assert.EqualValues(t, 1, m.DeliveriesOK.Load())
}

func TestShipRetriesThenWritesFallback(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	eng := startEngine(t)
	sink := &recordingSink{}
	br := newBreaker(10)
	w := New(Config{
		Endpoint: srv.URL,
		APIKey:   "k",
		Tries:    3,
		Backoff:  []time.Duration{time.Millisecond},
	}, WithEngine(eng), WithFallback(sink), WithBreaker(br))

	require.NoError(t, w.Ship(samplePayload()))
	require.NoError(t, eng.Drain(context.Background()))

	assert.EqualValues(t, 3, hits.Load())
	assert.EqualValues(t, 3, br.Failures(context.Background()))

	recs := sink.records()
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, "error", rec.Level)
	assert.Equal(t, "checkout failed", rec.Message)
	assert.Contains(t, rec.Context[shipper.FailureKey], "503")
	assert.EqualValues(t, 42, rec.Context["order_id"])

	orig, ok := rec.Context[shipper.OriginalPayloadKey].(map[string]any)
	require.True(t, ok)
	origCtx, ok := orig["context"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, shipper.Redacted, origCtx["password"])
	assert.EqualValues(t, 42, origCtx["order_id"])
}

func TestShipRetriesClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	eng := startEngine(t)
	sink := &recordingSink{}
	w := New(Config{
		Endpoint: srv.URL,
		APIKey:   "stale",
		Tries:    3,
		Backoff:  []time.Duration{time.Millisecond},
	}, WithEngine(eng), WithFallback(sink), WithBreaker(newBreaker(10)))

	require.NoError(t, w.Ship(samplePayload()))
	require.NoError(t, eng.Drain(context.Background()))

	assert.EqualValues(t, 3, hits.Load(), "a 401 uses every configured try")
	recs := sink.records()
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0].Context[shipper.FailureKey], "401")
}

func TestShipRecoversOnRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	eng := startEngine(t)
	sink := &recordingSink{}
	br := newBreaker(10)
	w := New(Config{Endpoint: srv.URL, APIKey: "k", Backoff: []time.Duration{time.Millisecond}},
		WithEngine(eng), WithFallback(sink), WithBreaker(br))

	require.NoError(t, w.Ship(samplePayload()))
	require.NoError(t, eng.Drain(context.Background()))

	assert.EqualValues(t, 2, hits.Load())
	assert.Empty(t, sink.records())
	assert.EqualValues(t, 0, br.Failures(context.Background()))
}

func TestShipBatchPostsArray(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies [][]byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, b)
		mu.Unlock()
	}))
	defer srv.Close()

	eng := startEngine(t)
	w := New(Config{Endpoint: srv.URL, APIKey: "k"}, WithEngine(eng))

	batch := []shipper.Payload{samplePayload(), samplePayload(), samplePayload()}
	require.NoError(t, w.ShipBatch(batch))
	require.NoError(t, w.ShipBatch(nil))
	require.NoError(t, eng.Drain(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 1)
	var arr []map[string]any
	require.NoError(t, json.Unmarshal(bodies[0], &arr))
	assert.Len(t, arr, 3)
}

func TestShipBatchFallbackPerItem(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	eng := startEngine(t)
	sink := &recordingSink{}
	w := New(Config{Endpoint: srv.URL, APIKey: "k"}, WithEngine(eng), WithFallback(sink))

	require.NoError(t, w.ShipBatch([]shipper.Payload{samplePayload(), samplePayload()}))
	require.NoError(t, eng.Drain(context.Background()))
	assert.Len(t, sink.records(), 2)
}

func TestFallbackErrorsAreSwallowed(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	sink := &recordingSink{err: errors.New("disk full")}
	w := New(Config{}, WithFallback(sink), WithMetrics(m))

	assert.NotPanics(t, func() {
		w.Fail(context.Background(), []shipper.Payload{samplePayload()}, errors.New("boom"))
	})
	assert.EqualValues(t, 1, m.FallbackErrors.Load())
	assert.EqualValues(t, 0, m.FallbackWrites.Load())
}

func TestFallbackDoesNotMutatePayload(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	w := New(Config{}, WithFallback(sink))
	p := samplePayload()
	w.Fail(context.Background(), []shipper.Payload{p}, errors.New("boom"))

	assert.Equal(t, "hunter2", p.Context()["password"])
	_, marked := p.Context()[shipper.FailureKey]
	assert.False(t, marked)
}

func TestCompressedBody(t *testing.T) {
	t.Parallel()

	var decoded shipper.Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Encoding") != "gzip" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		raw, _ := io.ReadAll(zr)
		decoded, _ = shipper.Decode(raw)
	}))
	defer srv.Close()

	w := New(Config{Endpoint: srv.URL, APIKey: "k", Compress: true})
	require.NoError(t, w.DeliverNow(context.Background(), samplePayload()))
	assert.Equal(t, "checkout failed", decoded.Message())
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))
	assert.Zero(t, parseRetryAfter(""))
	assert.Zero(t, parseRetryAfter("-1"))
	assert.Zero(t, parseRetryAfter("soon"))
	future := time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)
	assert.InDelta(t, float64(time.Minute), float64(parseRetryAfter(future)), float64(2*time.Second))
}
