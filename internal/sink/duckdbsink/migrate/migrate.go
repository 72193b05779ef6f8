// Package migrate keeps the archive schema at the version embedded in the
// binary. Every applied step is recorded with a checksum of its SQL so an
// archive written by a build with a different history is refused instead of
// being migrated on top of.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

//go:embed migrations/*.sql
var embedded embed.FS

// ErrDrift is returned when a recorded step no longer matches the embedded one.
var ErrDrift = errors.New("migrate: archive schema history differs from this build")

const ledgerDDL = `CREATE TABLE IF NOT EXISTS archive_schema (
	version    INTEGER PRIMARY KEY,
	name       VARCHAR NOT NULL,
	checksum   VARCHAR NOT NULL,
	applied_at TIMESTAMP DEFAULT current_timestamp
)`

// Step is one numbered schema change.
type Step struct {
	Version  int
	Name     string
	Checksum string
	body     string
}

var steps = sync.OnceValues(func() ([]Step, error) {
	return load(embedded, "migrations")
})

// Steps returns the embedded schema history in version order.
func Steps() ([]Step, error) { return steps() }

// load reads NNN_name.sql files from dir. Versions must start at 1 and have
// no gaps, so a missing file cannot be skipped silently.
func load(fsys fs.FS, dir string) ([]Step, error) {
	names, err := fs.Glob(fsys, path.Join(dir, "*.sql"))
	if err != nil {
		return nil, err
	}
	out := make([]Step, 0, len(names))
	for _, name := range names {
		base := path.Base(name)
		prefix, _, ok := strings.Cut(base, "_")
		if !ok {
			return nil, fmt.Errorf("migrate: %s: want NNN_name.sql", base)
		}
		v, err := strconv.Atoi(prefix)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("migrate: %s: bad version %q", base, prefix)
		}
		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, err
		}
		out = append(out, Step{
			Version:  v,
			Name:     strings.TrimSuffix(base, ".sql"),
			Checksum: strconv.FormatUint(xxhash.Sum64(body), 16),
			body:     string(body),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	for i, s := range out {
		if s.Version != i+1 {
			return nil, fmt.Errorf("migrate: %s: expected version %d", s.Name, i+1)
		}
	}
	return out, nil
}

// recorded returns the checksum of every step already applied to db.
func recorded(ctx context.Context, db *sql.DB) (map[int]string, error) {
	if _, err := db.ExecContext(ctx, ledgerDDL); err != nil {
		return nil, fmt.Errorf("migrate: create ledger: %w", err)
	}
	rows, err := db.QueryContext(ctx, `SELECT version, checksum FROM archive_schema`)
	if err != nil {
		return nil, fmt.Errorf("migrate: read ledger: %w", err)
	}
	defer rows.Close()

	done := make(map[int]string)
	for rows.Next() {
		var v int
		var sum string
		if err := rows.Scan(&v, &sum); err != nil {
			return nil, err
		}
		done[v] = sum
	}
	return done, rows.Err()
}

func pending(all []Step, done map[int]string) ([]Step, error) {
	var todo []Step
	for _, s := range all {
		sum, ok := done[s.Version]
		switch {
		case !ok:
			todo = append(todo, s)
		case sum != s.Checksum:
			return nil, fmt.Errorf("%w: step %s", ErrDrift, s.Name)
		}
	}
	for v := range done {
		if v > len(all) {
			return nil, fmt.Errorf("%w: archive is at version %d, this build knows %d", ErrDrift, v, len(all))
		}
	}
	return todo, nil
}

// Pending returns the steps db has not applied yet.
func Pending(ctx context.Context, db *sql.DB) ([]Step, error) {
	all, err := Steps()
	if err != nil {
		return nil, err
	}
	done, err := recorded(ctx, db)
	if err != nil {
		return nil, err
	}
	return pending(all, done)
}

// Apply runs every pending step, each in its own transaction, and returns the
// versions it applied.
func Apply(ctx context.Context, db *sql.DB) ([]int, error) {
	todo, err := Pending(ctx, db)
	if err != nil {
		return nil, err
	}
	var applied []int
	for _, s := range todo {
		if err := applyStep(ctx, db, s); err != nil {
			return applied, err
		}
		applied = append(applied, s.Version)
	}
	return applied, nil
}

func applyStep(ctx context.Context, db *sql.DB, s Step) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migrate: %s: %w", s.Name, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.body); err != nil {
		return fmt.Errorf("migrate: %s: %w", s.Name, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO archive_schema (version, name, checksum) VALUES (?, ?, ?)`,
		s.Version, s.Name, s.Checksum); err != nil {
		return fmt.Errorf("migrate: record %s: %w", s.Name, err)
	}
	return tx.Commit()
}

// Version returns the highest step applied to db, 0 for a fresh database.
func Version(ctx context.Context, db *sql.DB) (int, error) {
	done, err := recorded(ctx, db)
	if err != nil {
		return 0, err
	}
	v := 0
	for n := range done {
		v = max(v, n)
	}
	return v, nil
}
