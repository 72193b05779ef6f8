package agent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/lotus-agent/internal/clock"
	"github.com/tinytelemetry/lotus-agent/internal/collector"
	"github.com/tinytelemetry/lotus-agent/internal/config"
	"github.com/tinytelemetry/lotus-agent/internal/delivery"
	"github.com/tinytelemetry/lotus-agent/internal/model"
)

// counterEndpoint answers 5, then 7, then 7 forever.
func counterEndpoint(t *testing.T) *httptest.Server {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		v := 7
		if n == 1 {
			v = 5
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"requests":{"total":%d}}`, v)
	}))
	t.Cleanup(srv.Close)
	return srv
}

type receiver struct {
	mu     sync.Mutex
	bodies []string
	auth   string
}

func (r *receiver) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.bodies = append(r.bodies, string(body))
		r.auth = req.Header.Get("Authorization")
		r.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
}

func (r *receiver) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.bodies...)
}

func baseConfig(endpoint string) config.Config {
	return config.Config{
		Token: "tok",
		Source: config.SourceConfig{
			FreshFraction:    0.75,
			FailureThreshold: 3,
			PauseWindow:      time.Minute,
		},
		Channel: config.ChannelConfig{Capacity: 100, Overflow: "memory"},
		Delivery: config.DeliveryConfig{
			BatchSize:        10,
			MaxBatchInterval: 5 * time.Second,
			Backoff:          10 * time.Millisecond,
			MaxBackoff:       50 * time.Millisecond,
			DrainTimeout:     time.Second,
		},
		Collectors: []config.CollectorConfig{{
			Name:      "web",
			Namespace: "http",
			App:       "shop",
			URL:       endpoint,
			Interval:  30 * time.Second,
			Metrics:   map[string]string{"reqs": "requests.total"},
			Types:     map[string]string{"reqs": "counter"},
		}},
	}
}

func TestAgentEndToEndHTTPSink(t *testing.T) {
	rcv := &receiver{}
	target := httptest.NewServer(rcv.handler())
	t.Cleanup(target.Close)

	cfg := baseConfig(counterEndpoint(t).URL)
	cfg.Sink = config.SinkConfig{Type: "http", URL: target.URL, Timeout: time.Second}

	clk := clock.NewFake(time.UnixMilli(0))
	a, err := New(cfg, nil, WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	ctx := context.Background()
	col := a.Collectors()[0]

	out, err := col.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, collector.Suppressed, out)

	clk.Advance(30 * time.Second)
	out, err = col.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, collector.Emitted, out)

	status, err := a.Delivery().Process(ctx)
	require.NoError(t, err)
	assert.Equal(t, delivery.Ready, status)

	bodies := rcv.received()
	require.Len(t, bodies, 1)
	assert.Equal(t, "http,token=tok,app=shop reqs=12i 30000000000", bodies[0])
	assert.Equal(t, "Bearer tok", rcv.auth)
	assert.Zero(t, a.Channel().Len())

	conn, ok := a.Health().Source("web")
	require.True(t, ok)
	assert.Equal(t, "OK", string(conn.Status))
}

func TestAgentEndToEndDuckDBSink(t *testing.T) {
	cfg := baseConfig(counterEndpoint(t).URL)
	cfg.Sink = config.SinkConfig{Type: "duckdb", Path: filepath.Join(t.TempDir(), "archive.duckdb")}

	clk := clock.NewFake(time.UnixMilli(0))
	a, err := New(cfg, nil, WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	ctx := context.Background()
	col := a.Collectors()[0]
	_, err = col.Tick(ctx)
	require.NoError(t, err)
	clk.Advance(30 * time.Second)
	_, err = col.Tick(ctx)
	require.NoError(t, err)

	_, err = a.Delivery().Process(ctx)
	require.NoError(t, err)

	lines, err := a.Archive().Lines(ctx, "http", 10)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "http,token=tok,app=shop reqs=12i 30000000000", lines[0].Line)
}

func TestAgentRunStopsOnCancel(t *testing.T) {
	rcv := &receiver{}
	target := httptest.NewServer(rcv.handler())
	t.Cleanup(target.Close)

	cfg := baseConfig(counterEndpoint(t).URL)
	cfg.Sink = config.SinkConfig{Type: "http", URL: target.URL}
	cfg.Collectors[0].Background = true

	a, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestAgentRejectsBadCollector(t *testing.T) {
	cfg := baseConfig("http://127.0.0.1:1")
	cfg.Sink = config.SinkConfig{Type: "http", URL: "http://127.0.0.1:1"}
	cfg.Collectors[0].Types = map[string]string{"reqs": "histogram"}

	_, err := New(cfg, nil)
	var cfgErr *model.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}
