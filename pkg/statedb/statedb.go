// Package statedb persists which files each job has successfully backed up,
// so differential runs can skip unchanged files across engine restarts. Rows
// are written only after a file has fully landed in the target, encryption
// included.
package statedb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS file_state (
	job_name     TEXT    NOT NULL,
	rel_path     TEXT    NOT NULL,
	size         INTEGER NOT NULL,
	mod_time_ns  INTEGER NOT NULL,
	run_id       TEXT    NOT NULL,
	completed_at INTEGER NOT NULL,
	PRIMARY KEY (job_name, rel_path)
);
`

// FileState is the recorded fingerprint of one backed-up file.
type FileState struct {
	RelPath string
	Size    int64
	ModTime time.Time
}

// DB wraps the sqlite store.
type DB struct {
	db *sql.DB
}

// Open opens (creating if needed) the state database at path.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database %s: %w", path, err)
	}
	// A single writer avoids SQLITE_BUSY under concurrent job workers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize state database %s: %w", path, err)
	}
	return &DB{db: db}, nil
}

// Close releases the underlying handle.
func (d *DB) Close() error {
	return d.db.Close()
}

// LoadJob returns the recorded state of every file of a job, keyed by
// relative path. An unknown job yields an empty map.
func (d *DB) LoadJob(ctx context.Context, jobName string) (map[string]FileState, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT rel_path, size, mod_time_ns FROM file_state WHERE job_name = ?`, jobName)
	if err != nil {
		return nil, fmt.Errorf("failed to load state for job %q: %w", jobName, err)
	}
	defer rows.Close()

	out := make(map[string]FileState)
	for rows.Next() {
		var s FileState
		var modNs int64
		if err := rows.Scan(&s.RelPath, &s.Size, &modNs); err != nil {
			return nil, fmt.Errorf("failed to scan state row for job %q: %w", jobName, err)
		}
		s.ModTime = time.Unix(0, modNs)
		out[s.RelPath] = s
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate state rows for job %q: %w", jobName, err)
	}
	return out, nil
}

// UpsertFile records or refreshes one completed transfer.
func (d *DB) UpsertFile(ctx context.Context, jobName, relPath string, size int64, modTime time.Time, runID string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO file_state (job_name, rel_path, size, mod_time_ns, run_id, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_name, rel_path) DO UPDATE SET
			size = excluded.size,
			mod_time_ns = excluded.mod_time_ns,
			run_id = excluded.run_id,
			completed_at = excluded.completed_at`,
		jobName, relPath, size, modTime.UnixNano(), runID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to record %q for job %q: %w", relPath, jobName, err)
	}
	return nil
}

// PruneJob drops all state of a job, forcing its next differential run to
// copy everything.
func (d *DB) PruneJob(ctx context.Context, jobName string) error {
	if _, err := d.db.ExecContext(ctx,
		`DELETE FROM file_state WHERE job_name = ?`, jobName); err != nil {
		return fmt.Errorf("failed to prune state for job %q: %w", jobName, err)
	}
	return nil
}

// Unchanged reports whether a source file matches its recorded fingerprint.
// Modification times compare at nanosecond precision.
func (s FileState) Unchanged(size int64, modTime time.Time) bool {
	return s.Size == size && s.ModTime.Equal(modTime)
}
