// Package overflow opens the persistent stores a Channel spills into once
// its memory capacity is exhausted.
package overflow

import (
	"fmt"
	"strings"

	"github.com/tinytelemetry/lotus-agent/internal/journal"
	"github.com/tinytelemetry/lotus-agent/internal/model"
)

// Kind selects an overflow backend.
type Kind string

const (
	KindNone    Kind = "memory"
	KindJournal Kind = "journal"
	KindBolt    Kind = "bolt"
)

// ParseKind accepts "", "memory", "none", "journal" and "bolt".
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "memory", "none":
		return KindNone, nil
	case "journal":
		return KindJournal, nil
	case "bolt", "bbolt":
		return KindBolt, nil
	default:
		return "", fmt.Errorf("overflow: unknown backend %q", s)
	}
}

// Open opens a store of kind at path. KindNone returns a nil store.
func Open(kind Kind, path string) (model.OverflowStore, error) {
	switch kind {
	case KindNone:
		return nil, nil
	case KindJournal:
		j, err := journal.Open(path)
		if err != nil {
			return nil, err
		}
		return j, nil
	case KindBolt:
		b, err := OpenBolt(path)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("overflow: unknown backend %q", kind)
	}
}
