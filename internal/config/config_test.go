package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/lotus-agent/internal/model"
)

const sampleConfig = `
token: abc123
api-port: 9500
sink:
  url: https://ingest.example.com/write
  gzip: false
channel:
  capacity: 50
  overflow: bolt
  overflow-path: /tmp/lotus-agent-test/overflow.db
delivery:
  batch-size: 20
  max-batch-interval: 2s
collectors:
  - name: web
    namespace: http
    app: shop
    url: http://localhost:8080/stats
    interval: 10s
    metrics:
      reqs: requests.total
      heap_used: jvm.heap.used
    types:
      reqs: counter
      heap_used: gauge
    percentiles:
      latency: [50, 99]
    tags:
      env: prod
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "abc123", cfg.Token)
	assert.Equal(t, "127.0.0.1:9500", cfg.APIAddr)
	assert.Equal(t, "http", cfg.Sink.Type)
	assert.False(t, cfg.Sink.Gzip)
	assert.Equal(t, 10*time.Second, cfg.Sink.Timeout)
	assert.Equal(t, 50, cfg.Channel.Capacity)
	assert.Equal(t, "bolt", cfg.Channel.Overflow)
	assert.Equal(t, 20, cfg.Delivery.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.Delivery.MaxBatchInterval)
	assert.Equal(t, time.Second, cfg.Delivery.Backoff)
	assert.Equal(t, model.DefaultFailureThreshold, cfg.Source.FailureThreshold)

	require.Len(t, cfg.Collectors, 1)
	col := cfg.Collectors[0]
	assert.Equal(t, 10*time.Second, col.Interval)
	assert.Equal(t, "jvm.heap.used", col.Metrics["heap_used"])
	assert.Equal(t, []int{50, 99}, col.Percentiles["latency"])
	assert.Equal(t, "prod", col.Tags["env"])

	tt, err := cfg.TypeTable(col)
	require.NoError(t, err)
	assert.Equal(t, model.Gauge, tt.Lookup("heap_used"))
	assert.Equal(t, model.Counter, tt.Lookup("reqs"))
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("LOTUS_AGENT_TOKEN", "from-env")
	t.Setenv("LOTUS_AGENT_DELIVERY_BATCH_SIZE", "7")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Token)
	assert.Equal(t, 7, cfg.Delivery.BatchSize)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	require.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"unknown type": `
token: t
sink: {url: http://x}
collectors:
  - {name: a, namespace: n, url: http://y, metrics: {m: p}, types: {m: histogram}}
`,
		"bad percentile": `
token: t
sink: {url: http://x}
collectors:
  - {name: a, namespace: n, url: http://y, metrics: {m: p}, percentiles: {m: [0]}}
`,
		"missing sink url": `
token: t
collectors:
  - {name: a, namespace: n, url: http://y, metrics: {m: p}}
`,
		"duplicate collector": `
token: t
sink: {url: http://x}
collectors:
  - {name: a, namespace: n, url: http://y, metrics: {m: p}}
  - {name: a, namespace: n, url: http://z, metrics: {m: p}}
`,
		"no collectors": `
token: t
sink: {url: http://x}
`,
		"backup without duckdb": `
token: t
sink: {url: http://x, backup: {enabled: true}}
collectors:
  - {name: a, namespace: n, url: http://y, metrics: {m: p}}
`,
		"unknown sink": `
sink: {type: kafka}
collectors:
  - {name: a, namespace: n, url: http://y, metrics: {m: p}}
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			var cfgErr *ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestTypeTableMergesSharedFile(t *testing.T) {
	dir := t.TempDir()
	typesPath := filepath.Join(dir, "types.yml")
	require.NoError(t, os.WriteFile(typesPath, []byte("metrics:\n  reqs: gauge\n  errors: counter\n"), 0o600))

	cfg := Config{MetricTypesFile: typesPath}
	tt, err := cfg.TypeTable(CollectorConfig{Types: map[string]string{"reqs": "counter"}})
	require.NoError(t, err)
	assert.Equal(t, model.Counter, tt.Lookup("reqs"))
	assert.Equal(t, model.Counter, tt.Lookup("errors"))
}

func TestDuckDBSinkNeedsNoToken(t *testing.T) {
	_, err := Load(writeConfig(t, `
sink: {type: duckdb, path: ~/archive.duckdb}
collectors:
  - {name: a, namespace: n, url: http://y, metrics: {m: p}}
`))
	require.NoError(t, err)
}

func TestBackupDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
sink:
  type: duckdb
  backup: {enabled: true, local-dir: ~/snapshots, keep-last: 3}
collectors:
  - {name: a, namespace: n, url: http://y, metrics: {m: p}}
`))
	require.NoError(t, err)

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.True(t, cfg.Sink.Backup.Enabled)
	assert.Equal(t, filepath.Join(home, "snapshots"), cfg.Sink.Backup.LocalDir)
	assert.Equal(t, 3, cfg.Sink.Backup.KeepLast)
	assert.Equal(t, 6*time.Hour, cfg.Sink.Backup.Interval)
}
