package model

import "time"

// Shared defaults used by the agent binary and its packages.
const (
	DefaultCollectInterval  = 30 * time.Second
	DefaultFreshFraction    = 0.75
	DefaultFailureThreshold = 5
	DefaultPauseWindow      = 60 * time.Second
	DefaultChannelCapacity  = 10_000
	DefaultBatchSize        = 500
	DefaultMaxBatchInterval = 5 * time.Second
)
