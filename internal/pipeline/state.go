package pipeline

import "github.com/tinytelemetry/lotus-agent/internal/model"

// State is the long-lived per-collector pipeline state. It is owned by one
// collector loop and never shared.
type State struct {
	LastFlushMinute int64
	// LastRecorded holds the last emitted gauge/text value or the running
	// counter accumulation of the current window.
	LastRecorded map[string]model.Value
	// PercentileBuffers holds observations since the last flush, in
	// insertion order.
	PercentileBuffers map[string][]model.Value

	started bool
}

// NewState returns an empty state.
func NewState() *State {
	return &State{
		LastRecorded:      make(map[string]model.Value),
		PercentileBuffers: make(map[string][]model.Value),
	}
}
