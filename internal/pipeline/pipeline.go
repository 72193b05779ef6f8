// Package pipeline reduces a high-frequency sample stream into a low-volume
// one. Each tick runs three stages in order on one sample: the flush
// decision, the percentile reduction and the stateful compression.
package pipeline

import (
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/lotus-agent/internal/metrics"
	"github.com/tinytelemetry/lotus-agent/internal/model"
)

// Config configures one collector's pipeline.
type Config struct {
	Name        string
	Interval    time.Duration
	Types       *TypeTable
	Percentiles map[string][]int
}

// Pipeline is not safe for concurrent use; ticks of one collector are
// sequential.
type Pipeline struct {
	name       string
	decider    FlushDecider
	reducer    PercentileReducer
	compressor Compressor
	state      *State
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// New validates cfg. Malformed percentile ranks or a non-positive interval
// are configuration errors.
func New(cfg Config, logger *zap.Logger, m *metrics.Metrics) (*Pipeline, error) {
	if cfg.Interval <= 0 {
		return nil, model.ConfigErrorf(cfg.Name+".interval", "must be positive, got %s", cfg.Interval)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	reducer, err := NewPercentileReducer(cfg.Percentiles)
	if err != nil {
		return nil, err
	}

	types := cfg.Types.Merge(nil)
	for _, derived := range reducer.DerivedNames() {
		types.with(derived, model.Percentile)
	}

	p := &Pipeline{
		name:    cfg.Name,
		decider: NewFlushDecider(cfg.Interval),
		reducer: reducer,
		state:   NewState(),
		logger:  logger.With(zap.String("collector", cfg.Name)),
		metrics: m,
	}
	p.compressor = NewCompressor(types, p.reportError)
	return p, nil
}

// Process runs the three stages on s, mutating it in place. A returned error
// is a ConfigurationError; recoverable per-metric errors are only logged.
func (p *Pipeline) Process(s *model.Sample) (FlushDecision, error) {
	decision := p.decider.Decide(s, p.state)
	p.reducer.Reduce(s, p.state, decision.Flush)
	if err := p.compressor.Compress(s, p.state, decision.Flush); err != nil {
		return decision, err
	}
	if decision.Forced {
		p.logger.Info("forced flush after stalled window", zap.Int64("minute", decision.Minute))
	}
	return decision, nil
}

// State exposes the pipeline state for inspection.
func (p *Pipeline) State() *State { return p.state }

func (p *Pipeline) reportError(metric string, err error) {
	p.metrics.PipelineError(p.name)
	p.logger.Error("metric processing error", zap.String("metric", metric), zap.Error(err))
}
