package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logshipper/internal/metrics"
	logx "logshipper/pkg/logx"
)

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	m.DeliveriesOK.Add(3)
	m.Gauge("buffer_size", "Items waiting in the batch buffer.", func() float64 { return 12 })

	s := New(Config{}, m, logx.Nop())
	rec := httptest.NewRecorder()
	s.Handler(Config{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "logshipper_deliveries_succeeded_total 3")
	assert.Contains(t, body, "logshipper_buffer_size 12")
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()

	h := New(Config{}, metrics.New(), logx.Nop()).Handler(Config{Token: "s3cret"})

	cases := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{"missing", "/metrics", "", http.StatusUnauthorized},
		{"wrong bearer", "/metrics", "Bearer nope", http.StatusUnauthorized},
		{"bearer", "/metrics", "Bearer s3cret", http.StatusOK},
		{"query", "/metrics?token=s3cret", "", http.StatusOK},
		{"wrong query", "/healthz?token=x", "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestHealthAndPprofRoutes(t *testing.T) {
	t.Parallel()

	s := New(Config{}, metrics.New(), logx.Nop())
	s.SetHealth(func() error { return errors.New("breaker open") })

	rec := httptest.NewRecorder()
	s.Handler(Config{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler(Config{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler(Config{Pprof: true}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReconfigureStartsAndStops(t *testing.T) {
	s := New(Config{}, metrics.New(), logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	t.Cleanup(func() { s.Stop(context.Background()) })

	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	require.Eventually(t, func() bool { return s.Addr() != "" }, 3*time.Second, 20*time.Millisecond)

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "ok", string(b))

	s.Reconfigure(ctx, Config{Enabled: false})
	assert.Empty(t, s.Addr())
}

func TestRefusesPublicBindWithoutToken(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, metrics.New(), logx.Nop())
	err := s.serveOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-loopback")

	assert.True(t, isLoopbackAddr("127.0.0.1:9464"))
	assert.True(t, isLoopbackAddr("localhost:1"))
	assert.False(t, isLoopbackAddr(":9464"))
	assert.False(t, isLoopbackAddr("10.0.0.1:9464"))
}
