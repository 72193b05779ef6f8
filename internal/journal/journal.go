// Package journal is a file-backed overflow store. Events are appended as
// JSON lines and commit progress is tracked in a sidecar file, so spilled
// events survive an agent restart.
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/tinytelemetry/lotus-agent/internal/model"
)

const (
	defaultFileMode = 0644
	defaultDirMode  = 0755
)

type entry struct {
	Seq   uint64      `json:"seq"`
	Event model.Event `json:"event"`
}

// span locates one uncommitted entry in the journal file.
type span struct {
	seq    uint64
	offset int64
	length int64
}

// Journal implements model.OverflowStore.
type Journal struct {
	mu         sync.Mutex
	path       string
	commitPath string
	file       *os.File
	size       int64
	nextSeq    uint64
	committed  uint64
	pending    []span
}

var _ model.OverflowStore = (*Journal)(nil)

// Open creates or opens a journal at path. On startup it compacts committed
// entries and ignores a partially written trailing line.
func Open(path string) (*Journal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("journal: path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), defaultDirMode); err != nil {
		return nil, fmt.Errorf("journal: mkdir: %w", err)
	}

	commitPath := path + ".commit"
	committed, err := readCommitted(commitPath)
	if err != nil {
		return nil, err
	}

	maxSeq, pending, size, err := compactCommitted(path, committed)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, defaultFileMode)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}

	next := maxSeq + 1
	if committed+1 > next {
		next = committed + 1
	}

	return &Journal{
		path:       path,
		commitPath: commitPath,
		file:       f,
		size:       size,
		nextSeq:    next,
		committed:  committed,
		pending:    pending,
	}, nil
}

// Path returns the journal file path.
func (j *Journal) Path() string { return j.path }

// Append persists one event and returns its sequence number.
func (j *Journal) Append(ev model.Event) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return 0, errors.New("journal: closed")
	}

	seq := j.nextSeq
	line, err := json.Marshal(entry{Seq: seq, Event: ev})
	if err != nil {
		return 0, fmt.Errorf("journal: marshal entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := j.file.Write(line); err != nil {
		return 0, fmt.Errorf("journal: write entry: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return 0, fmt.Errorf("journal: sync entry: %w", err)
	}

	j.nextSeq++
	j.pending = append(j.pending, span{seq: seq, offset: j.size, length: int64(len(line))})
	j.size += int64(len(line))
	return seq, nil
}

// Read returns up to n uncommitted entries after skipping the first skip.
func (j *Journal) Read(skip, n int) ([]model.StoredEvent, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return nil, errors.New("journal: closed")
	}
	if skip >= len(j.pending) || n <= 0 {
		return nil, nil
	}
	end := min(skip+n, len(j.pending))

	out := make([]model.StoredEvent, 0, end-skip)
	for _, sp := range j.pending[skip:end] {
		buf := make([]byte, sp.length)
		if _, err := j.file.ReadAt(buf, sp.offset); err != nil {
			return nil, fmt.Errorf("journal: read entry %d: %w", sp.seq, err)
		}
		var e entry
		if err := json.Unmarshal(buf, &e); err != nil {
			return nil, fmt.Errorf("journal: decode entry %d: %w", sp.seq, err)
		}
		out = append(out, model.StoredEvent{Seq: e.Seq, Event: e.Event})
	}
	return out, nil
}

// Commit marks all entries up to seq as committed. Once every entry is
// committed the file is truncated.
func (j *Journal) Commit(seq uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if seq <= j.committed {
		return nil
	}
	j.committed = seq
	if err := writeCommitted(j.commitPath, seq); err != nil {
		return err
	}

	i := 0
	for i < len(j.pending) && j.pending[i].seq <= seq {
		i++
	}
	j.pending = j.pending[i:]

	if len(j.pending) == 0 && j.file != nil && j.size > 0 {
		if err := j.file.Truncate(0); err != nil {
			return fmt.Errorf("journal: truncate: %w", err)
		}
		j.size = 0
		j.pending = nil
	}
	return nil
}

// Len returns the number of uncommitted entries.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.pending)
}

// Committed returns the highest committed sequence number.
func (j *Journal) Committed() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.committed
}

// Close closes the underlying journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

func readCommitted(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("journal: read commit file: %w", err)
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0, nil
	}
	seq, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("journal: parse commit seq: %w", err)
	}
	return seq, nil
}

func writeCommitted(path string, seq uint64) error {
	tmp := path + ".tmp"
	payload := []byte(strconv.FormatUint(seq, 10) + "\n")
	if err := os.WriteFile(tmp, payload, defaultFileMode); err != nil {
		return fmt.Errorf("journal: write commit tmp: %w", err)
	}

	f, err := os.OpenFile(tmp, os.O_RDWR, defaultFileMode)
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("journal: open commit tmp: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("journal: sync commit tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("journal: close commit tmp: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("journal: rename commit file: %w", err)
	}
	return nil
}

// compactCommitted rewrites path keeping only entries above committed and
// returns the highest sequence seen, the index of kept entries and the
// compacted size.
func compactCommitted(path string, committed uint64) (uint64, []span, int64, error) {
	src, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, defaultFileMode)
	if err != nil {
		return 0, nil, 0, fmt.Errorf("journal: open source for compact: %w", err)
	}
	defer src.Close()

	tmpPath := path + ".compact"
	dst, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, defaultFileMode)
	if err != nil {
		return 0, nil, 0, fmt.Errorf("journal: open compact tmp: %w", err)
	}
	fail := func(format string, err error) (uint64, []span, int64, error) {
		_ = dst.Close()
		_ = os.Remove(tmpPath)
		return 0, nil, 0, fmt.Errorf(format, err)
	}

	reader := bufio.NewReader(src)
	var (
		maxSeq  uint64
		pending []span
		size    int64
	)

	for {
		line, rerr := reader.ReadBytes('\n')
		if rerr != nil && !errors.Is(rerr, io.EOF) {
			return fail("journal: compact read: %w", rerr)
		}
		if len(line) == 0 || line[len(line)-1] != '\n' {
			// Ignore a potentially partial trailing line.
			break
		}

		var e entry
		if uerr := json.Unmarshal(line, &e); uerr != nil {
			break
		}
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
		if e.Seq > committed {
			if _, werr := dst.Write(line); werr != nil {
				return fail("journal: compact write: %w", werr)
			}
			pending = append(pending, span{seq: e.Seq, offset: size, length: int64(len(line))})
			size += int64(len(line))
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
	}

	if err := dst.Sync(); err != nil {
		return fail("journal: compact sync: %w", err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return 0, nil, 0, fmt.Errorf("journal: compact close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return 0, nil, 0, fmt.Errorf("journal: compact rename: %w", err)
	}
	return maxSeq, pending, size, nil
}
