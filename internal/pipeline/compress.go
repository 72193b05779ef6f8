package pipeline

import (
	"errors"
	"fmt"
	"math"

	"github.com/tinytelemetry/lotus-agent/internal/model"
)

var (
	// ErrUnknownMetricType means a metric resolved to a type outside the
	// closed set. It is a configuration error and stops the collector.
	ErrUnknownMetricType = errors.New("pipeline: unknown metric type")

	// ErrKindMismatch is reported when a counter contribution does not match
	// the numeric kind already accumulated.
	ErrKindMismatch = errors.New("pipeline: counter kind mismatch")
)

// Compressor is the last stage: it accumulates counters, suppresses
// unchanged gauges and text, and backfills silent counters at flush.
type Compressor struct {
	types *TypeTable
	// onError receives recoverable per-metric processing errors.
	onError func(metric string, err error)
}

// NewCompressor creates a compressor over types.
func NewCompressor(types *TypeTable, onError func(metric string, err error)) Compressor {
	if onError == nil {
		onError = func(string, error) {}
	}
	return Compressor{types: types, onError: onError}
}

// Compress rewrites s in place.
func (c Compressor) Compress(s *model.Sample, st *State, flush bool) error {
	for name, current := range s.Fields {
		mt := c.types.Lookup(name)
		switch mt {
		case model.Counter:
			c.counter(s, st, name, current, flush)
		case model.Gauge, model.Text:
			c.changeOnly(s, st, name, current)
		case model.Percentile, model.Other:
		default:
			return &model.ConfigurationError{
				Field: name,
				Err:   fmt.Errorf("%w: %s", ErrUnknownMetricType, mt),
			}
		}
	}

	if !flush {
		return nil
	}
	for name, retained := range st.LastRecorded {
		if _, present := s.Fields[name]; present {
			continue
		}
		switch c.types.Lookup(name) {
		case model.Counter, model.Percentile:
			s.Set(name, retained)
		}
	}
	clear(st.LastRecorded)
	return nil
}

func (c Compressor) counter(s *model.Sample, st *State, name string, current model.Value, flush bool) {
	last, hasLast := st.LastRecorded[name]
	if !hasLast && current.IsNull() {
		return
	}

	next, err := addCounter(last, hasLast, current)
	if err != nil {
		c.onError(name, err)
		next = last
		if !hasLast {
			s.Set(name, model.Null())
			return
		}
	}
	st.LastRecorded[name] = next

	if flush {
		s.Set(name, next)
	} else {
		s.Set(name, model.Null())
	}
}

func addCounter(last model.Value, hasLast bool, current model.Value) (model.Value, error) {
	if current.IsNull() {
		return last, nil
	}
	if !current.IsNumeric() {
		return model.Null(), fmt.Errorf("%w: non-numeric contribution %q", ErrKindMismatch, current.String())
	}
	if !hasLast {
		return current, nil
	}
	if last.Kind() != current.Kind() {
		return model.Null(), fmt.Errorf("%w: accumulated %v, got %v", ErrKindMismatch, kindName(last), kindName(current))
	}
	if a, ok := last.AsInt(); ok {
		b, _ := current.AsInt()
		if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
			return model.Null(), fmt.Errorf("pipeline: counter overflow %d + %d", a, b)
		}
		return model.Int(a + b), nil
	}
	a, _ := last.AsFloat()
	b, _ := current.AsFloat()
	return model.Float(a + b), nil
}

// changeOnly keeps a value only when it differs from the last one seen. The
// current value is always remembered, even when unchanged.
func (c Compressor) changeOnly(s *model.Sample, st *State, name string, current model.Value) {
	if current.IsNull() {
		return
	}
	last, hasLast := st.LastRecorded[name]
	st.LastRecorded[name] = current
	if hasLast && last.Equal(current) {
		s.Set(name, model.Null())
	}
}

func kindName(v model.Value) string {
	switch v.Kind() {
	case model.KindInt:
		return "integer"
	case model.KindFloat:
		return "float"
	case model.KindString:
		return "string"
	case model.KindBool:
		return "bool"
	default:
		return "null"
	}
}
