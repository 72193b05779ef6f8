package httpsink

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/lotus-agent/internal/model"
	"github.com/tinytelemetry/lotus-agent/internal/sink"
)

var batch = []model.Event{{Body: []byte("ns,token=t a=1i 1")}, {Body: []byte("ns,token=t a=2i 2")}}

func TestSendPostsBody(t *testing.T) {
	var (
		gotBody []byte
		gotReq  *http.Request
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReq = r
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s, err := New(Config{URL: srv.URL, Token: "secret", UserAgent: "lotus-agent/test"}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Send(context.Background(), batch))

	assert.Equal(t, http.MethodPost, gotReq.Method)
	assert.Equal(t, "Bearer secret", gotReq.Header.Get("Authorization"))
	assert.Equal(t, "lotus-agent/test", gotReq.Header.Get("User-Agent"))
	assert.Equal(t, "ns,token=t a=1i 1\nns,token=t a=2i 2", string(gotBody))
}

func TestSendGzip(t *testing.T) {
	var plain []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "gzip", r.Header.Get("Content-Encoding"))
		zr, err := gzip.NewReader(r.Body)
		require.NoError(t, err)
		plain, _ = io.ReadAll(zr)
	}))
	defer srv.Close()

	s, err := New(Config{URL: srv.URL, Gzip: true}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Send(context.Background(), batch[:1]))
	assert.Equal(t, "ns,token=t a=1i 1", string(plain))
}

func TestSendClassifiesStatus(t *testing.T) {
	cases := map[int]sink.Kind{
		http.StatusBadRequest:          sink.Permanent,
		http.StatusProxyAuthRequired:   sink.Transient,
		http.StatusServiceUnavailable:  sink.Transient,
		http.StatusUnprocessableEntity: sink.Permanent,
	}
	for status, want := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "nope", status)
		}))
		s, err := New(Config{URL: srv.URL}, nil)
		require.NoError(t, err)

		err = s.Send(context.Background(), batch)
		var se *sink.SendError
		require.True(t, errors.As(err, &se), "status %d", status)
		assert.Equal(t, want, se.Kind, "status %d", status)
		assert.Equal(t, status, se.StatusCode)
		srv.Close()
	}
}

func TestSendTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	s, err := New(Config{URL: srv.URL, Timeout: 50 * time.Millisecond}, nil)
	require.NoError(t, err)
	err = s.Send(context.Background(), batch)
	require.Error(t, err)
	assert.False(t, sink.IsPermanent(err))
}

func TestNewValidatesURL(t *testing.T) {
	_, err := New(Config{}, nil)
	var cfgErr *model.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)

	_, err = New(Config{URL: "ftp://x"}, nil)
	assert.ErrorAs(t, err, &cfgErr)
}
