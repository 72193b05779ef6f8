// Package collector drives one monitored endpoint: every interval it fetches
// raw fields, runs them through the pipeline, encodes the surviving values
// and hands the record to a channel.
package collector

import (
	"context"
	"errors"
	"maps"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tinytelemetry/lotus-agent/internal/channel"
	"github.com/tinytelemetry/lotus-agent/internal/clock"
	"github.com/tinytelemetry/lotus-agent/internal/lineproto"
	"github.com/tinytelemetry/lotus-agent/internal/metrics"
	"github.com/tinytelemetry/lotus-agent/internal/model"
	"github.com/tinytelemetry/lotus-agent/internal/pipeline"
)

// Event header keys set on every record.
const (
	HeaderEventID   = "event-id"
	HeaderCollector = "collector"
)

// Config configures one collector.
type Config struct {
	Name      string
	Namespace string
	App       string
	Interval  time.Duration
	// Tags are static tags added to every record next to app.
	Tags map[string]string
}

// Outcome of one tick.
type Outcome string

const (
	Emitted     Outcome = "emitted"
	Suppressed  Outcome = "suppressed"
	Unavailable Outcome = "unavailable"
	Dropped     Outcome = "dropped"
)

// Collector owns its pipeline state; ticks never run concurrently.
type Collector struct {
	cfg     Config
	src     model.FieldSource
	pipe    *pipeline.Pipeline
	enc     *lineproto.Encoder
	out     model.EventPutter
	clk     clock.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Option configures a Collector.
type Option func(*Collector)

func WithClock(c clock.Clock) Option        { return func(col *Collector) { col.clk = c } }
func WithLogger(l *zap.Logger) Option       { return func(col *Collector) { col.logger = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(col *Collector) { col.metrics = m } }

// New wires a collector.
func New(cfg Config, src model.FieldSource, pipe *pipeline.Pipeline, enc *lineproto.Encoder, out model.EventPutter, opts ...Option) (*Collector, error) {
	if cfg.Name == "" {
		return nil, model.ConfigErrorf("collectors.name", "is required")
	}
	if cfg.Namespace == "" {
		return nil, model.ConfigErrorf("collectors."+cfg.Name+".namespace", "is required")
	}
	if cfg.Interval <= 0 {
		return nil, model.ConfigErrorf("collectors."+cfg.Name+".interval", "must be positive, got %s", cfg.Interval)
	}
	c := &Collector{
		cfg:    cfg,
		src:    src,
		pipe:   pipe,
		enc:    enc,
		out:    out,
		clk:    clock.Real(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("collector").With(zap.String("collector", cfg.Name))
	return c, nil
}

// Name returns the collector name.
func (c *Collector) Name() string { return c.cfg.Name }

// Tick runs one collection. The returned error is a ConfigurationError from
// the pipeline and is fatal; every other problem is absorbed.
func (c *Collector) Tick(ctx context.Context) (Outcome, error) {
	s := model.NewSample(c.clk.Now().UnixMilli(), c.cfg.Namespace, c.cfg.App)
	maps.Copy(s.Tags, c.cfg.Tags)
	if c.cfg.App != "" {
		s.Tags["app"] = c.cfg.App
	}

	// An unavailable source still runs the pipeline on an empty sample so a
	// flush boundary is not missed and accumulated counters are emitted.
	fields, available := c.src.Fetch(ctx)
	if available {
		maps.Copy(s.Fields, fields)
	}

	decision, err := c.pipe.Process(s)
	if err != nil {
		return "", err
	}

	outcome := c.emit(s)
	if !available && outcome != Emitted {
		outcome = Unavailable
	}
	c.metrics.CollectorSample(c.cfg.Name, string(outcome))
	if decision.Flush {
		c.logger.Debug("window flushed",
			zap.Int64("minute", decision.Minute),
			zap.Bool("forced", decision.Forced),
			zap.String("outcome", string(outcome)))
	}
	return outcome, nil
}

func (c *Collector) emit(s *model.Sample) Outcome {
	record, ok := c.enc.Encode(s)
	if !ok {
		return Suppressed
	}
	ev := model.Event{
		Body: record,
		Headers: map[string]string{
			HeaderEventID:   uuid.NewString(),
			HeaderCollector: c.cfg.Name,
		},
	}
	if err := c.out.Put(ev); err != nil {
		if !errors.Is(err, channel.ErrFull) {
			c.logger.Warn("enqueue failed", zap.Error(err))
		}
		return Dropped
	}
	return Emitted
}

// Run ticks on a fixed cadence until ctx is done.
func (c *Collector) Run(ctx context.Context) error {
	c.logger.Info("collector started", zap.Duration("interval", c.cfg.Interval))
	for {
		started := c.clk.Now()
		if _, err := c.Tick(ctx); err != nil {
			c.logger.Error("collector stopped", zap.Error(err))
			return err
		}
		wait := c.cfg.Interval - c.clk.Now().Sub(started)
		if wait < 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			return nil
		case <-c.clk.After(wait):
		}
	}
}
