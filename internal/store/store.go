// Package store provides SQLite persistence for gribsync: the index of
// cached files and the registered datasets.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/abelbrown/gribsync/internal/dataset"
)

// Store handles SQLite persistence. NOT an interface - concrete type.
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Store struct {
	db *sql.DB
	mu sync.RWMutex // Protects all database operations
}

// CachedFile is one downloaded file on disk.
type CachedFile struct {
	Path      string    `json:"path"`
	DatasetID string    `json:"dataset_id"`
	Base      time.Time `json:"base"`
	Step      int       `json:"step"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Open creates a new Store with the given database path.
// Creates tables if they don't exist.
// Uses WAL mode for better concurrent read performance (file-based DBs only).
func Open(dbPath string) (*Store, error) {
	connStr := dbPath
	if dbPath == ":memory:" {
		// Shared cache so every connection in the pool sees the same database.
		connStr = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if dbPath != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}

	s := &Store{db: db}

	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return s, nil
}

// Times are stored as unix milliseconds so comparisons happen in SQL.
func (s *Store) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cached_files (
		path TEXT PRIMARY KEY,
		dataset_id TEXT NOT NULL,
		cycle_base INTEGER NOT NULL,
		step INTEGER NOT NULL,
		size INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE (dataset_id, cycle_base, step)
	);

	CREATE INDEX IF NOT EXISTS idx_cached_created ON cached_files(created_at);
	CREATE INDEX IF NOT EXISTS idx_cached_dataset ON cached_files(dataset_id);

	CREATE TABLE IF NOT EXISTS datasets (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		body TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
// Thread-safe: acquires write lock to prevent closing during in-flight operations.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// SaveFile records a cached file, replacing any earlier row for the same
// path or the same (dataset, base, step).
func (s *Store) SaveFile(ctx context.Context, f CachedFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO cached_files (path, dataset_id, cycle_base, step, size, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, f.Path, f.DatasetID, f.Base.UnixMilli(), f.Step, f.Size, f.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save cached file %s: %w", f.Path, err)
	}
	return nil
}

// Lookup returns the indexed file for a key, if any.
func (s *Store) Lookup(ctx context.Context, datasetID string, base time.Time, step int) (CachedFile, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	files, err := s.queryFiles(ctx, `
		SELECT path, dataset_id, cycle_base, step, size, created_at
		FROM cached_files
		WHERE dataset_id = ? AND cycle_base = ? AND step = ?
	`, datasetID, base.UnixMilli(), step)
	if err != nil {
		return CachedFile{}, false, err
	}
	if len(files) == 0 {
		return CachedFile{}, false, nil
	}
	return files[0], true, nil
}

// HasPath reports whether path is indexed.
func (s *Store) HasPath(ctx context.Context, path string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM cached_files WHERE path = ?", path).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ExpiredFiles returns files created strictly before cutoff, oldest first.
func (s *Store) ExpiredFiles(ctx context.Context, cutoff time.Time) ([]CachedFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryFiles(ctx, `
		SELECT path, dataset_id, cycle_base, step, size, created_at
		FROM cached_files
		WHERE created_at < ?
		ORDER BY created_at
	`, cutoff.UnixMilli())
}

// FilesForDataset returns a dataset's files ordered by base and step.
func (s *Store) FilesForDataset(ctx context.Context, datasetID string) ([]CachedFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryFiles(ctx, `
		SELECT path, dataset_id, cycle_base, step, size, created_at
		FROM cached_files
		WHERE dataset_id = ?
		ORDER BY cycle_base, step
	`, datasetID)
}

// DeleteFile removes a path from the index. Deleting an unknown path is
// not an error.
func (s *Store) DeleteFile(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM cached_files WHERE path = ?", path)
	return err
}

// queryFiles executes a query and scans results into CachedFiles.
// Caller must hold s.mu (read lock is sufficient).
func (s *Store) queryFiles(ctx context.Context, query string, args ...any) ([]CachedFile, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []CachedFile
	for rows.Next() {
		var (
			f                 CachedFile
			baseMs, createdMs int64
		)
		if err := rows.Scan(&f.Path, &f.DatasetID, &baseMs, &f.Step, &f.Size, &createdMs); err != nil {
			return nil, err
		}
		f.Base = time.UnixMilli(baseMs).UTC()
		f.CreatedAt = time.UnixMilli(createdMs).UTC()
		files = append(files, f)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return files, nil
}

// SaveDataset persists a dataset request.
func (s *Store) SaveDataset(ctx context.Context, r dataset.Request) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode dataset: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO datasets (id, name, body, created_at) VALUES (?, ?, ?, ?)
	`, r.ID, r.Name, string(body), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save dataset %s: %w", r.Name, err)
	}
	return nil
}

// DeleteDataset removes a persisted dataset. Its cached file rows stay
// until eviction removes them with the files.
func (s *Store) DeleteDataset(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM datasets WHERE id = ?", id)
	return err
}

// LoadDatasets returns every persisted dataset in creation order.
func (s *Store) LoadDatasets(ctx context.Context) ([]dataset.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT id, body FROM datasets ORDER BY created_at, name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []dataset.Request
	var errs []error
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, err
		}
		var r dataset.Request
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			errs = append(errs, fmt.Errorf("dataset %s: %w", id, err))
			continue
		}
		r.ID = id
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, errors.Join(errs...)
}
