package duckdbsink

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrInMemory indicates the archive has no file and cannot be snapshotted.
var ErrInMemory = errors.New("duckdbsink: in-memory archive cannot be snapshotted")

// DBPath returns the archive file path. Empty means in-memory.
func (s *Sink) DBPath() string { return s.path }

// SnapshotTo checkpoints the archive and copies its file to dstPath. The
// checkpoint runs under the write lock; the copy does not.
func (s *Sink) SnapshotTo(dstPath string) error {
	if s.path == "" {
		return ErrInMemory
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	s.mu.Lock()
	_, err := s.db.Exec("CHECKPOINT")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}

	if err := copyFile(s.path, dstPath); err != nil {
		return fmt.Errorf("copy archive file: %w", err)
	}
	return nil
}

func copyFile(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	tmp := dstPath + ".tmp"
	dst, err := os.Create(tmp)
	if err != nil {
		return err
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dstPath)
}
