// Package delivery drains a Channel into a Sink in transactional batches.
package delivery

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/lotus-agent/internal/channel"
	"github.com/tinytelemetry/lotus-agent/internal/clock"
	"github.com/tinytelemetry/lotus-agent/internal/health"
	"github.com/tinytelemetry/lotus-agent/internal/metrics"
	"github.com/tinytelemetry/lotus-agent/internal/model"
	"github.com/tinytelemetry/lotus-agent/internal/sink"
)

// Status tells the loop whether to run the next cycle immediately.
type Status int

const (
	Ready Status = iota
	Backoff
)

func (s Status) String() string {
	if s == Ready {
		return "READY"
	}
	return "BACKOFF"
}

const (
	defaultBackoff      = time.Second
	defaultMaxBackoff   = 30 * time.Second
	defaultDrainTimeout = 5 * time.Second
)

// Config configures one delivery agent.
type Config struct {
	BatchSize int
	// MaxBatchInterval stops filling a batch once this much time has passed
	// since the last successful send.
	MaxBatchInterval time.Duration
	Backoff          time.Duration
	MaxBackoff       time.Duration
	DrainTimeout     time.Duration
}

// Agent is the single consumer of one Channel.
type Agent struct {
	cfg     Config
	ch      *channel.Channel
	sink    sink.Sink
	clk     clock.Clock
	health  *health.Registry
	metrics *metrics.Metrics
	logger  *zap.Logger

	lastSend time.Time
}

// Option configures an Agent.
type Option func(*Agent)

func WithClock(c clock.Clock) Option        { return func(a *Agent) { a.clk = c } }
func WithHealth(h *health.Registry) Option  { return func(a *Agent) { a.health = h } }
func WithMetrics(m *metrics.Metrics) Option { return func(a *Agent) { a.metrics = m } }
func WithLogger(l *zap.Logger) Option       { return func(a *Agent) { a.logger = l } }

// New creates an agent. The last-send time starts at creation so the batch
// interval bounds the very first batch too.
func New(cfg Config, ch *channel.Channel, s sink.Sink, opts ...Option) (*Agent, error) {
	if cfg.BatchSize <= 0 {
		return nil, model.ConfigErrorf("delivery.batch-size", "must be positive, got %d", cfg.BatchSize)
	}
	if cfg.MaxBatchInterval <= 0 {
		cfg.MaxBatchInterval = model.DefaultMaxBatchInterval
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxBackoff < cfg.Backoff {
		cfg.MaxBackoff = max(defaultMaxBackoff, cfg.Backoff)
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}

	a := &Agent{cfg: cfg, ch: ch, sink: s, clk: clock.Real(), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.Named("delivery").With(
		zap.String("channel", ch.Name()),
		zap.String("sink", s.Name()))
	a.lastSend = a.clk.Now()
	return a, nil
}

// LastSend returns the time of the last successful send.
func (a *Agent) LastSend() time.Time { return a.lastSend }

// Process runs one delivery cycle.
func (a *Agent) Process(ctx context.Context) (Status, error) {
	tx, err := a.ch.Begin()
	if err != nil {
		return Backoff, err
	}

	for tx.Len() < a.cfg.BatchSize {
		_, ok, err := tx.Take()
		if err != nil {
			_ = tx.Rollback()
			return Backoff, err
		}
		if !ok {
			break
		}
		if a.clk.Now().Sub(a.lastSend) > a.cfg.MaxBatchInterval {
			break
		}
	}

	if tx.Len() == 0 {
		return Backoff, tx.Commit()
	}

	batch := tx.Events()
	sendErr := a.sink.Send(ctx, batch)
	switch {
	case sendErr == nil:
		if err := tx.Commit(); err != nil {
			return Backoff, err
		}
		a.lastSend = a.clk.Now()
		a.health.DeliveryOK(a.sink.Name(), a.lastSend)
		a.metrics.DeliverySend(a.sink.Name(), "ok", len(batch))
		a.logger.Debug("batch delivered", zap.Int("events", len(batch)))
		return Ready, nil

	case sink.IsPermanent(sendErr):
		if err := tx.Commit(); err != nil {
			return Backoff, err
		}
		a.health.DeliveryFailed(a.sink.Name(), sendErr)
		a.metrics.DeliverySend(a.sink.Name(), "rejected", len(batch))
		a.logger.Error("batch rejected, discarding",
			zap.Int("events", len(batch)),
			zap.String("batch", sink.Fingerprint(batch)),
			zap.Error(sendErr))
		return Ready, nil

	default:
		if err := tx.Rollback(); err != nil {
			return Backoff, errors.Join(sendErr, err)
		}
		a.health.DeliveryFailed(a.sink.Name(), sendErr)
		a.metrics.DeliverySend(a.sink.Name(), "retry", len(batch))
		a.logger.Warn("batch delivery failed, will retry",
			zap.Int("events", len(batch)),
			zap.String("batch", sink.Fingerprint(batch)),
			zap.Error(sendErr))
		return Backoff, sendErr
	}
}

// Run processes until ctx is cancelled, then makes a bounded attempt to
// drain what is left.
func (a *Agent) Run(ctx context.Context) error {
	backoff := a.cfg.Backoff
	for {
		status, err := a.Process(ctx)

		var wait time.Duration
		switch {
		case err != nil:
			wait = backoff
			backoff = min(backoff*2, a.cfg.MaxBackoff)
		case status == Backoff:
			wait = a.cfg.Backoff
			backoff = a.cfg.Backoff
		default:
			backoff = a.cfg.Backoff
		}

		if wait == 0 {
			if ctx.Err() != nil {
				a.drain()
				return nil
			}
			continue
		}
		select {
		case <-ctx.Done():
			a.drain()
			return nil
		case <-a.clk.After(wait):
		}
	}
}

func (a *Agent) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.DrainTimeout)
	defer cancel()

	sent := 0
	for ctx.Err() == nil {
		before := a.ch.Len()
		status, err := a.Process(ctx)
		if err != nil || status == Backoff {
			break
		}
		sent += before - a.ch.Len()
	}
	if left := a.ch.Len(); left > 0 {
		a.logger.Warn("shutdown drain incomplete", zap.Int("remaining", left))
	} else if sent > 0 {
		a.logger.Info("shutdown drain complete", zap.Int("events", sent))
	}
}
