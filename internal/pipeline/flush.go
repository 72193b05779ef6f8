package pipeline

import (
	"time"

	"github.com/tinytelemetry/lotus-agent/internal/model"
)

const minuteMillis = int64(time.Minute / time.Millisecond)

// FlushDecision is the outcome of the first pipeline stage.
type FlushDecision struct {
	Flush bool
	// Forced is set when the flush recovers from a stall of two or more
	// minutes; the sample timestamp was snapped to the end of the previous
	// minute.
	Forced bool
	Minute int64
}

// FlushDecider decides whether a tick closes the current one-minute window.
type FlushDecider struct {
	interval int64 // ms
}

// NewFlushDecider creates a decider for a collector polling every interval.
func NewFlushDecider(interval time.Duration) FlushDecider {
	return FlushDecider{interval: interval.Milliseconds()}
}

// Decide flushes when the next tick would land in a later minute, or when at
// least two minutes passed since the last flush. It may rewrite the sample
// timestamp and updates st.LastFlushMinute on flush.
func (d FlushDecider) Decide(s *model.Sample, st *State) FlushDecision {
	ts := s.Timestamp
	current := floorDiv(ts, minuteMillis)
	next := floorDiv(ts+d.interval, minuteMillis)

	if !st.started {
		st.LastFlushMinute = current
		st.started = true
	}

	decision := FlushDecision{Minute: current}
	if current-st.LastFlushMinute >= 2 {
		s.Timestamp = current*minuteMillis - 1000
		current--
		decision.Flush = true
		decision.Forced = true
		decision.Minute = current
	} else if next > current {
		decision.Flush = true
	}

	if decision.Flush {
		st.LastFlushMinute = current
	}
	return decision
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
