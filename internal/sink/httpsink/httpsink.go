// Package httpsink posts batches of line-protocol records to an HTTP
// endpoint.
package httpsink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/tinytelemetry/lotus-agent/internal/model"
	"github.com/tinytelemetry/lotus-agent/internal/sink"
)

const (
	defaultTimeout = 10 * time.Second
	// maxErrorBody bounds how much of a failed response is kept for logs.
	maxErrorBody = 512
)

// Config configures the HTTP sink.
type Config struct {
	Name      string
	URL       string
	Token     string
	Timeout   time.Duration
	Gzip      bool
	UserAgent string
}

// Sink is an HTTP delivery target.
type Sink struct {
	cfg    Config
	client *http.Client
}

var _ sink.Sink = (*Sink)(nil)

// New validates cfg. A nil client gets one with cfg.Timeout.
func New(cfg Config, client *http.Client) (*Sink, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, model.ConfigErrorf("sink.url", "is required")
	}
	if !strings.HasPrefix(cfg.URL, "http://") && !strings.HasPrefix(cfg.URL, "https://") {
		return nil, model.ConfigErrorf("sink.url", "unsupported scheme in %q", cfg.URL)
	}
	if cfg.Name == "" {
		cfg.Name = "http"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "lotus-agent"
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Sink{cfg: cfg, client: client}, nil
}

func (s *Sink) Name() string { return s.cfg.Name }

// Send posts the batch as one newline-delimited body.
func (s *Sink) Send(ctx context.Context, batch []model.Event) error {
	body := sink.Body(batch)
	if s.cfg.Gzip {
		var err error
		if body, err = compress(body); err != nil {
			return sink.PermanentError(err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return sink.PermanentError(fmt.Errorf("httpsink: build request: %w", err))
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	if s.cfg.Gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return sink.TransientError(fmt.Errorf("httpsink: post: %w", err))
	}
	defer resp.Body.Close()

	ok, kind := sink.Classify(resp.StatusCode)
	if ok {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(snippet))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &sink.SendError{Kind: kind, StatusCode: resp.StatusCode, Err: errors.New(msg)}
}

func (s *Sink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func compress(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, fmt.Errorf("httpsink: gzip: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("httpsink: gzip: %w", err)
	}
	return buf.Bytes(), nil
}
