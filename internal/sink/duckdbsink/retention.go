package duckdbsink

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// RetentionConfig holds configuration for the retention cleaner.
type RetentionConfig struct {
	RetentionDays int
	Interval      time.Duration
}

// RetentionCleaner periodically deletes archived lines older than the
// configured retention period.
type RetentionCleaner struct {
	sink          *Sink
	retentionDays int
	interval      time.Duration
	logger        *zap.Logger
	done          chan struct{}
	wg            sync.WaitGroup
	stopOnce      sync.Once
}

// NewRetentionCleaner starts a cleaner. Returns nil when retention is 0
// (disabled).
func NewRetentionCleaner(s *Sink, logger *zap.Logger, conf RetentionConfig) *RetentionCleaner {
	if conf.RetentionDays <= 0 {
		return nil
	}
	if conf.Interval <= 0 {
		conf.Interval = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	rc := &RetentionCleaner{
		sink:          s,
		retentionDays: conf.RetentionDays,
		interval:      conf.Interval,
		logger:        logger.Named("retention"),
		done:          make(chan struct{}),
	}

	// Startup cleanup to catch up after downtime.
	rc.cleanup()

	rc.wg.Add(1)
	go rc.tickLoop()
	return rc
}

func (rc *RetentionCleaner) tickLoop() {
	defer rc.wg.Done()
	for {
		select {
		case <-rc.sink.clk.After(rc.interval):
			rc.cleanup()
		case <-rc.done:
			return
		}
	}
}

func (rc *RetentionCleaner) cleanup() {
	cutoff := rc.sink.clk.Now().Add(-time.Duration(rc.retentionDays) * 24 * time.Hour)

	rows, err := rc.sink.DeleteBefore(cutoff)
	if err != nil {
		rc.logger.Error("retention cleanup failed", zap.Error(err))
		return
	}
	if rows > 0 {
		rc.logger.Info("retention cleanup",
			zap.Int64("deleted", rows),
			zap.Int("retention_days", rc.retentionDays))
	}
}

// Stop signals the cleaner to stop and waits for it to finish. Safe on a
// nil cleaner.
func (rc *RetentionCleaner) Stop() {
	if rc == nil {
		return
	}
	rc.stopOnce.Do(func() {
		close(rc.done)
		rc.wg.Wait()
	})
}
