// Package journal provides SQLite-backed records of every range the
// streaming loop materialized, with a BLAKE3 digest per range. A cancelled
// run leaves a durable account of what was copied; `chainstream verify`
// re-checks the digests against the flattened image.
package journal

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	_ "modernc.org/sqlite"
)

const flushBatch = 100

// Range is one journaled copy.
type Range struct {
	Off    int64
	Length int64
	Digest string
}

// Journal batches range records into a WAL-mode SQLite database.
type Journal struct {
	db   *sql.DB
	path string

	mu      sync.Mutex
	batch   []Range
	done    chan struct{}
	stopped bool
}

// DefaultPath derives a per-target journal location under XDG_RUNTIME_DIR
// (or the system temp dir) from a digest of the target path.
func DefaultPath(target string) string {
	h := blake3.New()
	h.Write([]byte(target))
	id := hex.EncodeToString(h.Sum(nil)[:8])

	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "chainstream", id+".db")
	}
	return filepath.Join(os.TempDir(), "chainstream-"+id+".db")
}

// Open opens (or creates) the journal at path for the given target image.
// Reusing a journal written for a different target is an error.
func Open(path, target string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}

	j := &Journal{db: db, path: path, done: make(chan struct{})}
	if err := j.init(target); err != nil {
		db.Close()
		return nil, err
	}
	go j.flushLoop()
	return j, nil
}

func (j *Journal) init(target string) error {
	_, err := j.db.Exec(`
		CREATE TABLE IF NOT EXISTS ranges (
			off    INTEGER NOT NULL,
			len    INTEGER NOT NULL,
			digest TEXT NOT NULL,
			PRIMARY KEY (off, len)
		);
		CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("create tables: %w", err)
	}

	var stored string
	row := j.db.QueryRow("SELECT value FROM meta WHERE key = 'target'")
	if err := row.Scan(&stored); err == nil {
		if stored != target {
			return fmt.Errorf("journal belongs to %s, not %s", stored, target)
		}
		return nil
	}
	_, err = j.db.Exec("INSERT OR REPLACE INTO meta (key, value) VALUES ('target', ?)", target)
	if err != nil {
		return fmt.Errorf("store meta: %w", err)
	}
	return nil
}

// Record queues one materialized range. Writes are batched and flushed
// periodically.
func (j *Journal) Record(off, length int64, digest string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.batch = append(j.batch, Range{Off: off, Length: length, Digest: digest})
	if len(j.batch) >= flushBatch {
		return j.flushLocked()
	}
	return nil
}

// Flush writes any pending batch entries to the database.
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.flushLocked()
}

func (j *Journal) flushLocked() error {
	if len(j.batch) == 0 {
		return nil
	}

	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	stmt, err := tx.Prepare("INSERT OR REPLACE INTO ranges (off, len, digest) VALUES (?, ?, ?)")
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range j.batch {
		if _, err := stmt.Exec(r.Off, r.Length, r.Digest); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert range %d+%d: %w", r.Off, r.Length, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	j.batch = j.batch[:0]
	return nil
}

func (j *Journal) flushLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.mu.Lock()
			_ = j.flushLocked()
			j.mu.Unlock()
		}
	}
}

// Ranges returns all journaled ranges ordered by offset.
func (j *Journal) Ranges() ([]Range, error) {
	if err := j.Flush(); err != nil {
		return nil, err
	}
	rows, err := j.db.Query("SELECT off, len, digest FROM ranges ORDER BY off")
	if err != nil {
		return nil, fmt.Errorf("query ranges: %w", err)
	}
	defer rows.Close()

	var out []Range
	for rows.Next() {
		var r Range
		if err := rows.Scan(&r.Off, &r.Length, &r.Digest); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close flushes pending writes and closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	if !j.stopped {
		j.stopped = true
		close(j.done)
	}
	_ = j.flushLocked()
	j.mu.Unlock()
	return j.db.Close()
}

// Remove deletes the journal file.
func (j *Journal) Remove() error {
	return os.Remove(j.path)
}

// Path returns the journal file location.
func (j *Journal) Path() string { return j.path }
