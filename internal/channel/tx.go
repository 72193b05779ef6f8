package channel

import (
	"fmt"

	"github.com/tinytelemetry/lotus-agent/internal/model"
)

// Tx is an open take on a Channel. Its events are removed by Commit or
// restored in their original order by Rollback.
type Tx struct {
	c            *Channel
	fromMemory   []model.Event
	fromOverflow []model.StoredEvent
	prefetched   []model.StoredEvent
	done         bool
}

// Take moves the next queued event into the transaction. ok is false when
// the channel has nothing more to give.
func (tx *Tx) Take() (model.Event, bool, error) {
	c := tx.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if tx.done {
		return model.Event{}, false, ErrTxDone
	}

	if len(c.memory) > 0 {
		ev := c.memory[0]
		c.memory[0] = model.Event{}
		c.memory = c.memory[1:]
		if len(c.memory) == 0 {
			c.memory = nil
		}
		c.inFlight++
		tx.fromMemory = append(tx.fromMemory, ev)
		return ev, true, nil
	}

	if c.store == nil {
		return model.Event{}, false, nil
	}
	if len(tx.prefetched) == 0 {
		next, err := c.store.Read(len(tx.fromOverflow), overflowReadChunk)
		if err != nil {
			return model.Event{}, false, fmt.Errorf("channel %s: %w", c.name, err)
		}
		if len(next) == 0 {
			return model.Event{}, false, nil
		}
		tx.prefetched = next
	}
	se := tx.prefetched[0]
	tx.prefetched = tx.prefetched[1:]
	tx.fromOverflow = append(tx.fromOverflow, se)
	return se.Event, true, nil
}

// Len returns the number of events taken so far.
func (tx *Tx) Len() int {
	return len(tx.fromMemory) + len(tx.fromOverflow)
}

// Events returns the taken events in delivery order.
func (tx *Tx) Events() []model.Event {
	out := make([]model.Event, 0, tx.Len())
	out = append(out, tx.fromMemory...)
	for _, se := range tx.fromOverflow {
		out = append(out, se.Event)
	}
	return out
}

// Commit permanently removes the taken events.
func (tx *Tx) Commit() error {
	c := tx.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	c.tx = nil
	c.inFlight -= len(tx.fromMemory)
	c.commits++
	defer c.reportSize()

	if len(tx.fromOverflow) > 0 && c.store != nil {
		last := tx.fromOverflow[len(tx.fromOverflow)-1].Seq
		if err := c.store.Commit(last); err != nil {
			return fmt.Errorf("channel %s: commit overflow: %w", c.name, err)
		}
	}
	return nil
}

// Rollback returns the taken events to the head of the channel.
func (tx *Tx) Rollback() error {
	c := tx.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	c.tx = nil
	c.inFlight -= len(tx.fromMemory)
	c.rollbacks++

	if len(tx.fromMemory) > 0 {
		restored := make([]model.Event, 0, len(tx.fromMemory)+len(c.memory))
		restored = append(restored, tx.fromMemory...)
		restored = append(restored, c.memory...)
		c.memory = restored
	}
	// Overflow entries were only read, never removed.
	c.reportSize()
	return nil
}
