package model

// OverflowStore is a persistent FIFO used by a Channel once its in-memory
// capacity is exhausted. Entries are removed only by Commit.
type OverflowStore interface {
	// Append persists one event and returns its sequence number.
	Append(ev Event) (uint64, error)
	// Read returns up to n uncommitted entries in sequence order, skipping the
	// first skip of them. It never removes entries.
	Read(skip, n int) ([]StoredEvent, error)
	// Commit removes every entry with a sequence number <= seq.
	Commit(seq uint64) error
	// Len returns the number of uncommitted entries.
	Len() int
	Close() error
}

// EventPutter is the producer side of a Channel.
type EventPutter interface {
	Put(ev Event) error
}
