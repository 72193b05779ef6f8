package httpjson

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/lotus-agent/internal/model"
	"github.com/tinytelemetry/lotus-agent/internal/source"
)

func TestTryFetchExtractsTypedValues(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"stats":{"requests":12,"heap":0.75,"mode":"active","ready":true,"latency":[1,2]}}`))
	}))
	defer srv.Close()

	f, err := New(Config{
		URL:     srv.URL,
		Headers: map[string]string{"X-Api-Key": "secret"},
		Metrics: map[string]string{
			"reqs":    "stats.requests",
			"heap":    "stats.heap",
			"mode":    "stats.mode",
			"ready":   "stats.ready",
			"missing": "stats.nope",
			"latency": "stats.latency",
		},
	}, srv.Client())
	require.NoError(t, err)

	fields, err := f.TryFetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.Fields{
		"reqs":  model.Int(12),
		"heap":  model.Float(0.75),
		"mode":  model.String("active"),
		"ready": model.Bool(true),
	}, fields)
}

func TestNumericKindIsPinnedPerEndpoint(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			_, _ = w.Write([]byte(`{"reqs":5}`))
			return
		}
		_, _ = w.Write([]byte(`{"reqs":7.0}`))
	}))
	defer srv.Close()

	f, err := New(Config{URL: srv.URL, Metrics: map[string]string{"reqs": "reqs"}}, srv.Client())
	require.NoError(t, err)

	first, err := f.TryFetch(context.Background())
	require.NoError(t, err)
	second, err := f.TryFetch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, model.Int(5), first["reqs"])
	assert.Equal(t, model.Int(7), second["reqs"])
}

func TestFractionalReadingOnIntMetricIsNotTruncated(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			_, _ = w.Write([]byte(`{"reqs":5}`))
			return
		}
		_, _ = w.Write([]byte(`{"reqs":5.7}`))
	}))
	defer srv.Close()

	f, err := New(Config{URL: srv.URL, Metrics: map[string]string{"reqs": "reqs"}}, srv.Client())
	require.NoError(t, err)

	first, err := f.TryFetch(context.Background())
	require.NoError(t, err)
	second, err := f.TryFetch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, model.Int(5), first["reqs"])
	assert.Equal(t, model.Float(5.7), second["reqs"])
}

func TestTryFetchErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/bad":
			_, _ = w.Write([]byte(`{"reqs":`))
		case "/down":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			_, _ = w.Write([]byte(`{"other":1}`))
		}
	}))
	defer srv.Close()

	tests := []struct {
		name    string
		path    string
		isEmpty bool
	}{
		{name: "invalid json", path: "/bad"},
		{name: "server error", path: "/down"},
		{name: "no configured metric present", path: "/empty", isEmpty: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := New(Config{URL: srv.URL + tt.path, Metrics: map[string]string{"reqs": "reqs"}}, srv.Client())
			require.NoError(t, err)
			_, err = f.TryFetch(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.isEmpty, errors.Is(err, source.ErrEmpty))
		})
	}
}

func TestNotModifiedReusesLastBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(`{"up":true}`))
	}))
	defer srv.Close()

	f, err := New(Config{URL: srv.URL, Metrics: map[string]string{"up": "up"}}, srv.Client())
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		fields, err := f.TryFetch(context.Background())
		require.NoError(t, err)
		assert.Equal(t, model.Bool(true), fields["up"])
	}
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{Metrics: map[string]string{"a": "a"}}, nil)
	assert.Error(t, err)
	_, err = New(Config{URL: "http://localhost"}, nil)
	assert.Error(t, err)
}
