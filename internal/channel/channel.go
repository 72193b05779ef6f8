// Package channel is the transactional buffer between collectors and the
// delivery agent. Puts never block: once memory and overflow capacity are
// exhausted the newest event is dropped and counted.
package channel

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tinytelemetry/lotus-agent/internal/metrics"
	"github.com/tinytelemetry/lotus-agent/internal/model"
	"github.com/tinytelemetry/lotus-agent/internal/overflow"
)

var (
	// ErrFull is returned by Put when the event was dropped.
	ErrFull = errors.New("channel: full")
	// ErrTxOpen is returned by Begin while another transaction is open.
	ErrTxOpen = errors.New("channel: transaction already open")
	// ErrTxDone is returned when a finished transaction is used again.
	ErrTxDone = errors.New("channel: transaction already finished")
)

// overflowReadChunk is how many overflow entries a transaction prefetches.
const overflowReadChunk = 64

// Config configures one Channel.
type Config struct {
	Name     string
	Capacity int

	Overflow         overflow.Kind
	OverflowPath     string
	OverflowCapacity int
	// AltOverflowPath is tried when OverflowPath cannot be opened. Empty means
	// a location under os.TempDir().
	AltOverflowPath string
}

// Stats is a point-in-time view of a Channel.
type Stats struct {
	Name             string `json:"name"`
	Backend          string `json:"backend"`
	Capacity         int    `json:"capacity"`
	Size             int    `json:"size"`
	InFlight         int    `json:"in_flight"`
	Overflow         int    `json:"overflow"`
	OverflowCapacity int    `json:"overflow_capacity"`
	Puts             uint64 `json:"puts"`
	Drops            uint64 `json:"drops"`
	Spills           uint64 `json:"spills"`
	Commits          uint64 `json:"commits"`
	Rollbacks        uint64 `json:"rollbacks"`
}

// Channel is a bounded FIFO of events with an optional persistent overflow
// tier. It is safe for concurrent producers and one consumer.
type Channel struct {
	name        string
	capacity    int
	overflowCap int
	backend     overflow.Kind
	store       model.OverflowStore

	mu       sync.Mutex
	memory   []model.Event
	inFlight int
	tx       *Tx

	puts, drops, spills, commits, rollbacks uint64

	dropLog *rate.Limiter
	logger  *zap.Logger
	metrics *metrics.Metrics
}

var _ model.EventPutter = (*Channel)(nil)

// Open creates a channel. When the overflow store cannot be opened at its
// configured path the alternate path is tried, and if that fails too the
// channel runs memory-only instead of refusing to start.
func Open(cfg Config, logger *zap.Logger, m *metrics.Metrics) (*Channel, error) {
	if cfg.Capacity <= 0 {
		return nil, model.ConfigErrorf("channel.capacity", "must be positive, got %d", cfg.Capacity)
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("channel").With(zap.String("channel", cfg.Name))

	c := &Channel{
		name:        cfg.Name,
		capacity:    cfg.Capacity,
		overflowCap: cfg.OverflowCapacity,
		backend:     overflow.KindNone,
		dropLog:     rate.NewLimiter(rate.Every(10*time.Second), 1),
		logger:      logger,
		metrics:     m,
	}

	if cfg.Overflow == overflow.KindNone || cfg.Overflow == "" {
		return c, nil
	}
	if c.overflowCap <= 0 {
		c.overflowCap = model.DefaultChannelCapacity * 10
	}

	alt := cfg.AltOverflowPath
	if alt == "" {
		alt = filepath.Join(os.TempDir(), "lotus-agent", cfg.Name+"."+string(cfg.Overflow))
	}
	for _, path := range []string{cfg.OverflowPath, alt} {
		if path == "" {
			continue
		}
		store, err := overflow.Open(cfg.Overflow, path)
		if err != nil {
			logger.Warn("overflow store unavailable", zap.String("path", path), zap.Error(err))
			continue
		}
		c.store = store
		c.backend = cfg.Overflow
		logger.Info("overflow store opened",
			zap.String("backend", string(cfg.Overflow)),
			zap.String("path", path),
			zap.Int("pending", store.Len()))
		return c, nil
	}

	logger.Error("no usable overflow path, running memory-only")
	return c, nil
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// Put enqueues ev without blocking. It returns ErrFull when the event was
// dropped.
func (c *Channel) Put(ev model.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.putLocked(ev)
}

// PutAll enqueues every event and returns how many were accepted. The error
// is ErrFull when at least one was dropped.
func (c *Channel) PutAll(evs []model.Event) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	accepted := 0
	var firstErr error
	for _, ev := range evs {
		if err := c.putLocked(ev); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		accepted++
	}
	return accepted, firstErr
}

func (c *Channel) putLocked(ev model.Event) error {
	// Once events sit in the overflow tier, later events follow them there so
	// delivery order stays FIFO across both tiers.
	spilling := c.store != nil && c.store.Len() > 0

	if !spilling && len(c.memory)+c.inFlight < c.capacity {
		c.memory = append(c.memory, ev)
		c.accepted()
		return nil
	}

	if c.store != nil && c.store.Len() < c.overflowCap {
		if _, err := c.store.Append(ev); err != nil {
			c.drop(fmt.Errorf("overflow append: %w", err))
			return fmt.Errorf("channel %s: %w", c.name, err)
		}
		c.spills++
		c.metrics.ChannelSpill(c.name)
		c.accepted()
		return nil
	}

	c.drop(nil)
	return ErrFull
}

func (c *Channel) accepted() {
	c.puts++
	c.metrics.ChannelPut(c.name)
	c.reportSize()
}

func (c *Channel) drop(cause error) {
	c.drops++
	c.metrics.ChannelDrop(c.name)
	if c.dropLog.Allow() {
		fields := []zap.Field{zap.Uint64("drops_total", c.drops), zap.Int("capacity", c.capacity)}
		if cause != nil {
			fields = append(fields, zap.Error(cause))
		}
		c.logger.Warn("channel full, dropping newest event", fields...)
	}
}

func (c *Channel) reportSize() {
	ov := 0
	if c.store != nil {
		ov = c.store.Len()
	}
	c.metrics.ChannelSize(c.name, len(c.memory)+c.inFlight, ov)
}

// Begin opens the channel's single transaction.
func (c *Channel) Begin() (*Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx != nil {
		return nil, ErrTxOpen
	}
	c.tx = &Tx{c: c}
	return c.tx, nil
}

// Take begins a transaction holding up to n events.
func (c *Channel) Take(n int) (*Tx, []model.Event, error) {
	tx, err := c.Begin()
	if err != nil {
		return nil, nil, err
	}
	for tx.Len() < n {
		_, ok, err := tx.Take()
		if err != nil {
			_ = tx.Rollback()
			return nil, nil, err
		}
		if !ok {
			break
		}
	}
	return tx, tx.Events(), nil
}

// Len returns the number of queued events in both tiers, excluding events
// held by an open transaction.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.memory)
	if c.store != nil {
		n += c.store.Len()
		if c.tx != nil {
			n -= len(c.tx.fromOverflow)
		}
	}
	return n
}

// Stats returns counters and sizes.
func (c *Channel) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Name:      c.name,
		Backend:   string(c.backend),
		Capacity:  c.capacity,
		Size:      len(c.memory),
		InFlight:  c.inFlight,
		Puts:      c.puts,
		Drops:     c.drops,
		Spills:    c.spills,
		Commits:   c.commits,
		Rollbacks: c.rollbacks,
	}
	if c.store != nil {
		s.Overflow = c.store.Len()
		s.OverflowCapacity = c.overflowCap
	}
	if c.tx != nil {
		s.InFlight += len(c.tx.fromOverflow)
	}
	return s
}

// Close persists events still queued in memory to the overflow store and
// releases it. They are appended after entries already in the store. Without
// a store, or once it is full, the remaining events are counted as drops.
// Events held by an open transaction are persisted ahead of the queue.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := c.memory
	if c.tx != nil && !c.tx.done {
		pending = append(append([]model.Event(nil), c.tx.fromMemory...), c.memory...)
		c.tx.done = true
		c.tx = nil
		c.inFlight = 0
	}
	c.memory = nil

	persisted, lost := 0, 0
	var appendErr error
	for _, ev := range pending {
		if c.store == nil || appendErr != nil || c.store.Len() >= c.overflowCap {
			lost++
			continue
		}
		if _, err := c.store.Append(ev); err != nil {
			appendErr = err
			lost++
			continue
		}
		persisted++
	}
	for i := 0; i < lost; i++ {
		c.drops++
		c.metrics.ChannelDrop(c.name)
	}
	if persisted > 0 {
		c.logger.Info("queued events persisted to overflow", zap.Int("events", persisted))
	}
	if lost > 0 {
		fields := []zap.Field{zap.Int("events", lost), zap.Uint64("drops_total", c.drops)}
		if appendErr != nil {
			fields = append(fields, zap.Error(appendErr))
		}
		c.logger.Warn("queued events dropped at close", fields...)
	}
	c.reportSize()

	if c.store == nil {
		return nil
	}
	err := c.store.Close()
	c.store = nil
	if appendErr != nil {
		err = errors.Join(fmt.Errorf("channel %s: persist queued events: %w", c.name, appendErr), err)
	}
	return err
}
