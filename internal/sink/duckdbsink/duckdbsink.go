// Package duckdbsink archives delivered records into a local DuckDB file,
// for installs without a reachable receiver and for local inspection.
package duckdbsink

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/tinytelemetry/lotus-agent/internal/clock"
	"github.com/tinytelemetry/lotus-agent/internal/model"
	"github.com/tinytelemetry/lotus-agent/internal/sink"
	"github.com/tinytelemetry/lotus-agent/internal/sink/duckdbsink/migrate"
)

// Config configures the archive sink.
type Config struct {
	Name string
	// Path of the database file. Empty means an in-memory database.
	Path         string
	QueryTimeout time.Duration
}

// Line is one archived record.
type Line struct {
	ID         int64
	ReceivedAt time.Time
	Namespace  string
	Line       string
	Batch      string
}

// Sink writes each record of a batch as one row of metric_lines.
type Sink struct {
	name         string
	path         string
	db           *sql.DB
	mu           sync.Mutex
	clk          clock.Clock
	queryTimeout time.Duration
}

var _ sink.Sink = (*Sink)(nil)

// Open opens or creates the database and applies migrations.
func Open(cfg Config, clk clock.Clock) (*Sink, error) {
	dsn := ""
	if cfg.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, fmt.Errorf("duckdbsink: mkdir: %w", err)
		}
		dsn = cfg.Path
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("duckdbsink: open: %w", err)
	}
	if _, err := migrate.Apply(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("duckdbsink: migrate: %w", err)
	}

	if cfg.Name == "" {
		cfg.Name = "duckdb"
	}
	if clk == nil {
		clk = clock.Real()
	}
	qt := 30 * time.Second
	if cfg.QueryTimeout > 0 {
		qt = cfg.QueryTimeout
	}
	return &Sink{name: cfg.Name, path: cfg.Path, db: db, clk: clk, queryTimeout: qt}, nil
}

func (s *Sink) Name() string { return s.name }

// Send inserts the batch in one transaction. Any database failure is
// transient: the batch stays queued and is retried.
func (s *Sink) Send(ctx context.Context, batch []model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	now := s.clk.Now().UTC()
	batchID := sink.Fingerprint(batch)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sink.TransientError(fmt.Errorf("duckdbsink: begin: %w", err))
	}
	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO metric_lines (received_at, namespace, line, batch) VALUES (?, ?, ?, ?)")
	if err != nil {
		_ = tx.Rollback()
		return sink.TransientError(fmt.Errorf("duckdbsink: prepare: %w", err))
	}
	defer stmt.Close()

	for _, ev := range batch {
		line := string(ev.Body)
		if _, err := stmt.ExecContext(ctx, now, Namespace(line), line, batchID); err != nil {
			_ = tx.Rollback()
			return sink.TransientError(fmt.Errorf("duckdbsink: insert: %w", err))
		}
	}
	if err := tx.Commit(); err != nil {
		return sink.TransientError(fmt.Errorf("duckdbsink: commit: %w", err))
	}
	return nil
}

// Lines returns archived rows in insertion order, optionally filtered by
// namespace.
func (s *Sink) Lines(ctx context.Context, namespace string, limit int) ([]Line, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := "SELECT id, received_at, namespace, line, COALESCE(batch, '') FROM metric_lines"
	var args []any
	if namespace != "" {
		query += " WHERE namespace = ?"
		args = append(args, namespace)
	}
	query += " ORDER BY id"
	if limit > 0 {
		query += " LIMIT " + strconv.Itoa(limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("duckdbsink: query lines: %w", err)
	}
	defer rows.Close()

	var out []Line
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ID, &l.ReceivedAt, &l.Namespace, &l.Line, &l.Batch); err != nil {
			return nil, fmt.Errorf("duckdbsink: scan line: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// DeleteBefore removes rows received before cutoff and returns how many.
func (s *Sink) DeleteBefore(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.queryTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, "DELETE FROM metric_lines WHERE received_at < ?", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("duckdbsink: delete before: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database connection.
func (s *Sink) Close() error {
	return s.db.Close()
}

// Namespace returns the measurement part of a record, up to the first
// unescaped comma or space.
func Namespace(line string) string {
	var b strings.Builder
	for i := 0; i < len(line); i++ {
		c := line[i]
		if c == '\\' && i+1 < len(line) {
			i++
			b.WriteByte(line[i])
			continue
		}
		if c == ',' || c == ' ' {
			break
		}
		b.WriteByte(c)
	}
	return b.String()
}
