// Package agent assembles the collectors, the channel, the delivery loop and
// the local API from a loaded configuration and runs them as one unit.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/lotus-agent/internal/backup"
	"github.com/tinytelemetry/lotus-agent/internal/channel"
	"github.com/tinytelemetry/lotus-agent/internal/clock"
	"github.com/tinytelemetry/lotus-agent/internal/collector"
	"github.com/tinytelemetry/lotus-agent/internal/config"
	"github.com/tinytelemetry/lotus-agent/internal/delivery"
	"github.com/tinytelemetry/lotus-agent/internal/health"
	"github.com/tinytelemetry/lotus-agent/internal/httpserver"
	"github.com/tinytelemetry/lotus-agent/internal/lineproto"
	"github.com/tinytelemetry/lotus-agent/internal/metrics"
	"github.com/tinytelemetry/lotus-agent/internal/model"
	"github.com/tinytelemetry/lotus-agent/internal/overflow"
	"github.com/tinytelemetry/lotus-agent/internal/pipeline"
	"github.com/tinytelemetry/lotus-agent/internal/sink"
	"github.com/tinytelemetry/lotus-agent/internal/sink/duckdbsink"
	"github.com/tinytelemetry/lotus-agent/internal/sink/httpsink"
	"github.com/tinytelemetry/lotus-agent/internal/source"
	"github.com/tinytelemetry/lotus-agent/internal/source/httpjson"
)

const channelName = "metrics"

// Agent owns every long-lived component of one agent process.
type Agent struct {
	cfg     config.Config
	version string
	clk     clock.Clock
	client  *http.Client
	logger  *zap.Logger

	registry *prometheus.Registry
	metrics  *metrics.Metrics
	health   *health.Registry

	channel   *channel.Channel
	sink      sink.Sink
	archive   *duckdbsink.Sink
	retention *duckdbsink.RetentionCleaner
	backups   *backup.Manager
	delivery  *delivery.Agent

	collectors []*collector.Collector
	background []func(context.Context) error
	server     *httpserver.Server
}

// Option configures optional collaborators of an Agent.
type Option func(*Agent)

func WithClock(c clock.Clock) Option { return func(a *Agent) { a.clk = c } }

// WithHTTPClient sets the client used by endpoint fetchers and the HTTP sink.
func WithHTTPClient(c *http.Client) Option { return func(a *Agent) { a.client = c } }

func WithVersion(v string) Option { return func(a *Agent) { a.version = v } }

// New builds every component described by cfg. Nothing runs until Run.
func New(cfg config.Config, logger *zap.Logger, opts ...Option) (*Agent, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Agent{
		cfg:      cfg,
		version:  "dev",
		clk:      clock.Real(),
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)
	a.health = health.NewRegistry(a.clk)

	if err := a.build(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *Agent) build() error {
	kind, err := overflow.ParseKind(a.cfg.Channel.Overflow)
	if err != nil {
		return &model.ConfigurationError{Field: "channel.overflow", Err: err}
	}
	a.channel, err = channel.Open(channel.Config{
		Name:             channelName,
		Capacity:         a.cfg.Channel.Capacity,
		Overflow:         kind,
		OverflowPath:     a.cfg.Channel.OverflowPath,
		OverflowCapacity: a.cfg.Channel.OverflowCapacity,
	}, a.logger, a.metrics)
	if err != nil {
		return err
	}

	if err := a.buildSink(); err != nil {
		return err
	}

	a.delivery, err = delivery.New(delivery.Config{
		BatchSize:        a.cfg.Delivery.BatchSize,
		MaxBatchInterval: a.cfg.Delivery.MaxBatchInterval,
		Backoff:          a.cfg.Delivery.Backoff,
		MaxBackoff:       a.cfg.Delivery.MaxBackoff,
		DrainTimeout:     a.cfg.Delivery.DrainTimeout,
	}, a.channel, a.sink,
		delivery.WithClock(a.clk),
		delivery.WithHealth(a.health),
		delivery.WithMetrics(a.metrics),
		delivery.WithLogger(a.logger),
	)
	if err != nil {
		return err
	}

	enc := lineproto.NewEncoder(a.cfg.Token)
	for _, col := range a.cfg.Collectors {
		if err := a.buildCollector(col, enc); err != nil {
			return err
		}
	}

	if a.cfg.APIEnabled {
		srv := httpserver.Config{
			Addr:     a.cfg.APIAddr,
			Version:  a.version,
			Health:   a.health,
			Channels: []httpserver.ChannelStater{a.channel},
			Gatherer: a.registry,
		}
		if a.archive != nil {
			srv.Archive = a.archive
		}
		a.server = httpserver.NewServer(srv)
	}
	return nil
}

func (a *Agent) buildSink() error {
	sc := a.cfg.Sink
	switch sc.Type {
	case "duckdb":
		archive, err := duckdbsink.Open(duckdbsink.Config{Path: sc.Path, QueryTimeout: sc.Timeout}, a.clk)
		if err != nil {
			return fmt.Errorf("opening archive %s: %w", sc.Path, err)
		}
		a.archive = archive
		a.sink = archive
		a.retention = duckdbsink.NewRetentionCleaner(archive, a.logger, duckdbsink.RetentionConfig{
			RetentionDays: sc.RetentionDays,
		})
		a.backups, err = backup.NewManager(archive, backup.Config{
			Enabled:        sc.Backup.Enabled,
			Interval:       sc.Backup.Interval,
			LocalDir:       sc.Backup.LocalDir,
			KeepLast:       sc.Backup.KeepLast,
			BucketURL:      sc.Backup.BucketURL,
			S3Endpoint:     sc.Backup.S3Endpoint,
			S3Region:       sc.Backup.S3Region,
			S3AccessKey:    sc.Backup.S3AccessKey,
			S3SecretKey:    sc.Backup.S3SecretKey,
			S3SessionToken: sc.Backup.S3SessionToken,
			S3UseSSL:       sc.Backup.S3UseSSL,
		}, a.clk, a.logger)
		if err != nil {
			return fmt.Errorf("initializing backups: %w", err)
		}
	case "http", "":
		s, err := httpsink.New(httpsink.Config{
			URL:       sc.URL,
			Token:     a.cfg.Token,
			Timeout:   sc.Timeout,
			Gzip:      sc.Gzip,
			UserAgent: "lotus-agent/" + a.version,
		}, a.client)
		if err != nil {
			return err
		}
		a.sink = s
	default:
		return model.ConfigErrorf("sink.type", "unknown sink %q", sc.Type)
	}
	return nil
}

func (a *Agent) buildCollector(col config.CollectorConfig, enc *lineproto.Encoder) error {
	types, err := a.cfg.TypeTable(col)
	if err != nil {
		return err
	}
	pipe, err := pipeline.New(pipeline.Config{
		Name:        col.Name,
		Interval:    col.Interval,
		Types:       types,
		Percentiles: col.Percentiles,
	}, a.logger, a.metrics)
	if err != nil {
		return err
	}

	fetcher, err := httpjson.New(httpjson.Config{
		URL:     col.URL,
		Headers: col.Headers,
		Metrics: col.Metrics,
	}, a.client)
	if err != nil {
		return &model.ConfigurationError{Field: "collectors." + col.Name, Err: err}
	}
	src := source.New[model.Fields](source.Config{
		Name:             col.Name,
		Interval:         col.Interval,
		FreshFraction:    a.cfg.Source.FreshFraction,
		FailureThreshold: a.cfg.Source.FailureThreshold,
		PauseWindow:      a.cfg.Source.PauseWindow,
		FetchTimeout:     col.FetchTimeout,
		Background:       col.Background,
	}, fetcher,
		source.WithClock(a.clk),
		source.WithHealth(a.health),
		source.WithMetrics(a.metrics),
		source.WithLogger(a.logger),
	)
	if col.Background {
		a.background = append(a.background, src.Start)
	}

	c, err := collector.New(collector.Config{
		Name:      col.Name,
		Namespace: col.Namespace,
		App:       col.App,
		Interval:  col.Interval,
		Tags:      col.Tags,
	}, src, pipe, enc, a.channel,
		collector.WithClock(a.clk),
		collector.WithLogger(a.logger),
		collector.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.collectors = append(a.collectors, c)
	return nil
}

// Collectors returns the collectors in configuration order.
func (a *Agent) Collectors() []*collector.Collector { return a.collectors }

// Delivery returns the delivery loop.
func (a *Agent) Delivery() *delivery.Agent { return a.delivery }

// Channel returns the channel between collectors and delivery.
func (a *Agent) Channel() *channel.Channel { return a.channel }

// Archive returns the duckdb archive, or nil for other sinks.
func (a *Agent) Archive() *duckdbsink.Sink { return a.archive }

// Health returns the connectivity registry.
func (a *Agent) Health() *health.Registry { return a.health }

// Run starts the API and every loop, and blocks until ctx is done or a loop
// fails with a configuration error. Delivery drains before Run returns.
func (a *Agent) Run(ctx context.Context) error {
	if a.server != nil {
		if err := a.server.Start(); err != nil {
			return fmt.Errorf("starting API server on %s: %w", a.cfg.APIAddr, err)
		}
		a.logger.Info("API server listening", zap.String("addr", a.cfg.APIAddr))
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, start := range a.background {
		g.Go(func() error { return start(gctx) })
	}
	for _, c := range a.collectors {
		g.Go(func() error { return c.Run(gctx) })
	}

	// Delivery drains the channel once gctx is cancelled.
	g.Go(func() error { return a.delivery.Run(gctx) })

	a.logger.Info("agent started",
		zap.Int("collectors", len(a.collectors)),
		zap.String("sink", a.sink.Name()))

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Close releases every component. Safe after a failed New.
func (a *Agent) Close() error {
	var errs []error
	if a.server != nil {
		if err := a.server.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("api server: %w", err))
		}
	}
	a.backups.Stop()
	a.retention.Stop()
	if a.sink != nil {
		if err := a.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("sink: %w", err))
		}
	}
	if a.channel != nil {
		if err := a.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("channel: %w", err))
		}
	}
	return errors.Join(errs...)
}

// StatePath returns the directory holding the overflow store, for display.
func (a *Agent) StatePath() string {
	if a.cfg.Channel.OverflowPath == "" {
		return ""
	}
	return filepath.Dir(a.cfg.Channel.OverflowPath)
}
