// Package httpjson is a Fetcher that polls a JSON document over HTTP and
// extracts metrics from it with gjson paths.
package httpjson

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/tinytelemetry/lotus-agent/internal/model"
	"github.com/tinytelemetry/lotus-agent/internal/source"
)

const defaultMaxBody = 4 << 20

// Config describes one endpoint.
type Config struct {
	URL     string
	Headers map[string]string
	// Metrics maps metric name to gjson path, e.g. "reqs": "stats.requests.total".
	Metrics map[string]string
	// MaxBodyBytes caps the response size. Zero means 4 MiB.
	MaxBodyBytes int64
}

// Context is the per-endpoint state derived while polling. It lives on the
// Fetcher rather than in package state so several endpoints can be polled
// independently.
type Context struct {
	mu sync.Mutex
	// numericKinds pins each metric to the numeric kind first observed so a
	// counter never flips between integral and floating accumulation because
	// the endpoint printed "5" once and "5.0" later.
	numericKinds map[string]model.ValueKind
	etag         string
	lastBody     []byte
}

// Fetcher implements source.Fetcher[model.Fields].
type Fetcher struct {
	cfg    Config
	client *http.Client
	names  []string
	ctx    *Context
}

var _ source.Fetcher[model.Fields] = (*Fetcher)(nil)

// New validates cfg and returns a Fetcher. A nil client uses a client with a
// 10s timeout.
func New(cfg Config, client *http.Client) (*Fetcher, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("httpjson: url is empty")
	}
	if len(cfg.Metrics) == 0 {
		return nil, errors.New("httpjson: no metric paths configured")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBody
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	names := make([]string, 0, len(cfg.Metrics))
	for name := range cfg.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return &Fetcher{
		cfg:    cfg,
		client: client,
		names:  names,
		ctx:    &Context{numericKinds: make(map[string]model.ValueKind)},
	}, nil
}

// TryFetch issues one GET and extracts every configured path. Paths missing
// from the document are skipped; a document yielding nothing is ErrEmpty.
func (f *Fetcher) TryFetch(ctx context.Context) (model.Fields, error) {
	body, err := f.get(ctx)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("httpjson: invalid json from %s", f.cfg.URL)
	}

	fields := make(model.Fields, len(f.names))
	results := gjson.GetManyBytes(body, f.pathList()...)
	for i, name := range f.names {
		if v, ok := f.convert(name, results[i]); ok {
			fields[name] = v
		}
	}
	if len(fields) == 0 {
		return nil, source.ErrEmpty
	}
	return fields, nil
}

func (f *Fetcher) pathList() []string {
	paths := make([]string, len(f.names))
	for i, name := range f.names {
		paths[i] = f.cfg.Metrics[name]
	}
	return paths
}

func (f *Fetcher) get(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("httpjson: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range f.cfg.Headers {
		req.Header.Set(k, v)
	}

	f.ctx.mu.Lock()
	if f.ctx.etag != "" {
		req.Header.Set("If-None-Match", f.ctx.etag)
	}
	f.ctx.mu.Unlock()

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpjson: get %s: %w", f.cfg.URL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		f.ctx.mu.Lock()
		defer f.ctx.mu.Unlock()
		if f.ctx.lastBody == nil {
			return nil, fmt.Errorf("httpjson: 304 from %s without cached body", f.cfg.URL)
		}
		return f.ctx.lastBody, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("httpjson: get %s: status %d", f.cfg.URL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("httpjson: read body: %w", err)
	}

	f.ctx.mu.Lock()
	f.ctx.etag = resp.Header.Get("ETag")
	if f.ctx.etag != "" {
		f.ctx.lastBody = body
	} else {
		f.ctx.lastBody = nil
	}
	f.ctx.mu.Unlock()
	return body, nil
}

func (f *Fetcher) convert(name string, r gjson.Result) (model.Value, bool) {
	switch r.Type {
	case gjson.Number:
		return f.number(name, r), true
	case gjson.String:
		return model.String(r.Str), true
	case gjson.True:
		return model.Bool(true), true
	case gjson.False:
		return model.Bool(false), true
	default:
		// Null, missing, or a nested JSON object/array.
		return model.Null(), false
	}
}

func (f *Fetcher) number(name string, r gjson.Result) model.Value {
	integral := !strings.ContainsAny(r.Raw, ".eE")

	f.ctx.mu.Lock()
	kind, pinned := f.ctx.numericKinds[name]
	if !pinned {
		kind = model.KindFloat
		if integral {
			kind = model.KindInt
		}
		f.ctx.numericKinds[name] = kind
	}
	f.ctx.mu.Unlock()

	if kind == model.KindInt {
		// A fractional reading stays a float so the compressor sees the
		// change of kind instead of a truncated int.
		if fv := r.Float(); !integral && fv != math.Trunc(fv) {
			return model.Float(fv)
		}
		return model.Int(r.Int())
	}
	return model.Float(r.Float())
}
