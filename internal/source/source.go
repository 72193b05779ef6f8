// Package source shields collectors from unreliable remote endpoints with a
// freshness cache, single-flight fetching and a failure circuit breaker.
package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/lotus-agent/internal/clock"
	"github.com/tinytelemetry/lotus-agent/internal/health"
	"github.com/tinytelemetry/lotus-agent/internal/metrics"
	"github.com/tinytelemetry/lotus-agent/internal/model"
)

// ErrEmpty is returned by a Fetcher whose endpoint answered without data.
var ErrEmpty = errors.New("source: empty result")

// Fetcher performs one attempt against a remote endpoint. Implementations own
// the protocol; any error is treated as a transient failure.
type Fetcher[T any] interface {
	TryFetch(ctx context.Context) (T, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc[T any] func(ctx context.Context) (T, error)

func (f FetcherFunc[T]) TryFetch(ctx context.Context) (T, error) { return f(ctx) }

// Config tunes a CachedSource.
type Config struct {
	Name string
	// Interval is the polling interval of the owning collector.
	Interval time.Duration
	// FreshFraction of Interval during which a cached value is served
	// without fetching.
	FreshFraction float64
	// FailureThreshold consecutive failures deactivate the circuit.
	FailureThreshold int
	// PauseWindow is how long a deactivated circuit stays closed to callers.
	PauseWindow time.Duration
	// FetchTimeout bounds one fetch attempt. Zero means Interval.
	FetchTimeout time.Duration
	// Background makes Start refresh the value on a fixed cadence; Fetch then
	// never blocks.
	Background bool
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = model.DefaultCollectInterval
	}
	if c.FreshFraction <= 0 || c.FreshFraction > 1 {
		c.FreshFraction = model.DefaultFreshFraction
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = model.DefaultFailureThreshold
	}
	if c.PauseWindow <= 0 {
		c.PauseWindow = model.DefaultPauseWindow
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = c.Interval
	}
}

// cacheEntry is immutable once published.
type cacheEntry[T any] struct {
	value     T
	ok        bool
	fetchedAt time.Time
}

// CachedSource wraps one Fetcher. Readers load the published entry without
// locking; the fetch itself runs inside an exclusive section.
type CachedSource[T any] struct {
	name        string
	fetcher     Fetcher[T]
	clk         clock.Clock
	health      *health.Registry
	metrics     *metrics.Metrics
	logger      *zap.Logger
	freshWindow time.Duration
	pauseWindow time.Duration
	threshold   int
	timeout     time.Duration
	interval    time.Duration
	background  bool

	entry         atomic.Pointer[cacheEntry[T]]
	active        atomic.Bool
	inactiveSince atomic.Int64 // unix nanos

	mu       sync.Mutex // exclusive fetch section
	failures int
}

// Option configures optional collaborators of a CachedSource.
type Option func(*options)

type options struct {
	clk     clock.Clock
	health  *health.Registry
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func WithClock(c clock.Clock) Option        { return func(o *options) { o.clk = c } }
func WithHealth(r *health.Registry) Option  { return func(o *options) { o.health = r } }
func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }
func WithLogger(l *zap.Logger) Option       { return func(o *options) { o.logger = l } }

// New creates a CachedSource around f.
func New[T any](cfg Config, f Fetcher[T], opts ...Option) *CachedSource[T] {
	cfg.applyDefaults()
	o := options{clk: clock.Real(), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	s := &CachedSource[T]{
		name:        cfg.Name,
		fetcher:     f,
		clk:         o.clk,
		health:      o.health,
		metrics:     o.metrics,
		logger:      o.logger.With(zap.String("source", cfg.Name)),
		freshWindow: time.Duration(float64(cfg.Interval) * cfg.FreshFraction),
		pauseWindow: cfg.PauseWindow,
		threshold:   cfg.FailureThreshold,
		timeout:     cfg.FetchTimeout,
		interval:    cfg.Interval,
		background:  cfg.Background,
	}
	s.active.Store(true)
	return s
}

// Name returns the configured source name.
func (s *CachedSource[T]) Name() string { return s.name }

// Fetch returns the current value and whether it is available. It never
// returns an error: failures surface only as available == false.
func (s *CachedSource[T]) Fetch(ctx context.Context) (T, bool) {
	var zero T
	if !s.allow(s.clk.Now()) {
		return zero, false
	}
	if s.background {
		return s.cached()
	}
	if v, ok, fresh := s.fresh(s.clk.Now()); fresh {
		return v, ok
	}

	// A fetch already in flight is not waited for: the caller gets the
	// previous value, stale by at most one freshness window.
	if !s.mu.TryLock() {
		return s.cached()
	}
	defer s.mu.Unlock()
	if v, ok, fresh := s.fresh(s.clk.Now()); fresh {
		return v, ok
	}
	return s.refreshLocked(ctx)
}

// Start runs the background refresh loop until ctx is done. It is a no-op
// returning nil for sources not configured for background mode.
func (s *CachedSource[T]) Start(ctx context.Context) error {
	if !s.background {
		return nil
	}
	for {
		if s.allow(s.clk.Now()) {
			s.mu.Lock()
			s.refreshLocked(ctx)
			s.mu.Unlock()
		}
		select {
		case <-ctx.Done():
			return nil
		case <-s.clk.After(s.interval):
		}
	}
}

// Active reports whether the circuit currently admits fetches.
func (s *CachedSource[T]) Active() bool { return s.active.Load() }

func (s *CachedSource[T]) cached() (T, bool) {
	var zero T
	e := s.entry.Load()
	if e == nil || !e.ok {
		return zero, false
	}
	return e.value, true
}

func (s *CachedSource[T]) fresh(now time.Time) (T, bool, bool) {
	var zero T
	e := s.entry.Load()
	if e == nil || now.Sub(e.fetchedAt) > s.freshWindow {
		return zero, false, false
	}
	return e.value, e.ok, true
}

func (s *CachedSource[T]) paused(now time.Time) bool {
	since := time.Unix(0, s.inactiveSince.Load())
	return now.Sub(since) <= s.pauseWindow
}

// allow checks the circuit, reactivating it once the pause window elapsed.
func (s *CachedSource[T]) allow(now time.Time) bool {
	if s.active.Load() {
		return true
	}
	if s.paused(now) {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active.Load() {
		// The circuit may have tripped again while we waited for the lock.
		if s.paused(now) {
			return false
		}
		since := time.Unix(0, s.inactiveSince.Load())
		s.failures = 0
		s.active.Store(true)
		s.logger.Info("source circuit reactivated", zap.Duration("paused", now.Sub(since)))
	}
	return true
}

func (s *CachedSource[T]) refreshLocked(ctx context.Context) (T, bool) {
	var zero T

	value, err := s.tryFetch(ctx)
	now := s.clk.Now()
	if err == nil && isNil(value) {
		err = ErrEmpty
	}

	if err == nil {
		s.failures = 0
		s.active.Store(true)
		s.entry.Store(&cacheEntry[T]{value: value, ok: true, fetchedAt: now})
		s.health.SourceOK(s.name)
		return value, true
	}

	s.failures++
	s.metrics.FetchFailure(s.name)
	s.health.SourceFailed(s.name, err)
	s.logger.Debug("fetch failed", zap.Int("consecutive_failures", s.failures), zap.Error(err))
	if s.failures >= s.threshold {
		// inactiveSince is published first so a reader that sees the
		// circuit inactive also sees when it tripped.
		s.inactiveSince.Store(now.UnixNano())
		s.active.Store(false)
		s.logger.Warn("source circuit deactivated",
			zap.Int("failures", s.failures),
			zap.Duration("pause", s.pauseWindow),
			zap.Error(err))
		s.failures = 0
		s.metrics.CircuitOpen(s.name)
	}
	// A zero fetchedAt is never fresh, so the next caller fetches again.
	s.entry.Store(&cacheEntry[T]{})
	return zero, false
}

// tryFetch calls the fetcher with a bounded deadline, converting panics into
// errors so a misbehaving protocol implementation cannot crash the loop.
func (s *CachedSource[T]) tryFetch(ctx context.Context) (value T, err error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("source: fetcher panic: %v", r)
		}
	}()
	return s.fetcher.TryFetch(ctx)
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	if f, ok := v.(model.Fields); ok {
		return len(f) == 0
	}
	return false
}
