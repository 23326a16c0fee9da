// Package cache stores downloaded files on disk under deterministic names
// and evicts them once they are older than the configured age.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/abelbrown/gribsync/internal/store"
)

// partSuffix marks files still being written.
const partSuffix = ".part"

// DiskError is a filesystem failure while writing or evicting.
type DiskError struct {
	Op   string
	Path string
	Err  error
}

func (e *DiskError) Error() string {
	return fmt.Sprintf("cache %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *DiskError) Unwrap() error { return e.Err }

// Naming builds cache file names of the form
// <provider>-<product>-<region>-<dataset>-<yyyyMMdd>-<HH>+<SS>.<ext>.
type Naming struct {
	Provider string `yaml:"provider"`
	Product  string `yaml:"product"`
	Region   string `yaml:"region"`
	Ext      string `yaml:"ext"`
}

// FileName is the name of step of the cycle based at base for a dataset.
func (n Naming) FileName(datasetName string, base time.Time, step int) string {
	base = base.UTC()
	ext := strings.TrimPrefix(n.Ext, ".")
	if ext == "" {
		ext = "grib2"
	}
	return fmt.Sprintf("%s-%s-%s-%s-%s-%s+%02d.%s",
		n.Provider, n.Product, n.Region, datasetName,
		base.Format("20060102"), base.Format("15"), step, ext)
}

// prefix is shared by every file this naming produces. Eviction never
// touches files without it.
func (n Naming) prefix() string {
	return fmt.Sprintf("%s-%s-%s-", n.Provider, n.Product, n.Region)
}

// Index is the file index the cache keeps in step with the disk.
type Index interface {
	SaveFile(ctx context.Context, f store.CachedFile) error
	Lookup(ctx context.Context, datasetID string, base time.Time, step int) (store.CachedFile, bool, error)
	HasPath(ctx context.Context, path string) (bool, error)
	ExpiredFiles(ctx context.Context, cutoff time.Time) ([]store.CachedFile, error)
	FilesForDataset(ctx context.Context, datasetID string) ([]store.CachedFile, error)
	DeleteFile(ctx context.Context, path string) error
}

// Cache is a directory of downloaded files plus their index.
type Cache struct {
	dir    string
	naming Naming
	index  Index
	logger *slog.Logger
}

// New creates dir if needed.
func New(dir string, naming Naming, index Index, logger *slog.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &DiskError{Op: "mkdir", Path: dir, Err: err}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{dir: dir, naming: naming, index: index, logger: logger}, nil
}

// Dir returns the cache directory.
func (c *Cache) Dir() string { return c.dir }

// Path is where a file of a dataset lands.
func (c *Cache) Path(datasetName string, base time.Time, step int) string {
	return filepath.Join(c.dir, c.naming.FileName(datasetName, base, step))
}

// Lookup returns the indexed file for a key when it is still on disk.
func (c *Cache) Lookup(ctx context.Context, datasetID string, base time.Time, step int) (store.CachedFile, bool) {
	f, ok, err := c.index.Lookup(ctx, datasetID, base, step)
	if err != nil {
		c.logger.Warn("cache index lookup failed", "dataset", datasetID, "err", err)
		return store.CachedFile{}, false
	}
	if !ok {
		return store.CachedFile{}, false
	}
	if _, err := os.Stat(f.Path); err != nil {
		return store.CachedFile{}, false
	}
	return f, true
}

// Write stores data for a key atomically: readers see either no file or
// the complete one. The file is indexed with created_at = now.
func (c *Cache) Write(ctx context.Context, datasetID, datasetName string, base time.Time, step int, data []byte, now time.Time) (store.CachedFile, error) {
	path := c.Path(datasetName, base, step)

	tmp, err := os.CreateTemp(c.dir, filepath.Base(path)+".*"+partSuffix)
	if err != nil {
		return store.CachedFile{}, &DiskError{Op: "create", Path: path, Err: err}
	}
	tmpName := tmp.Name()
	fail := func(op string, err error) (store.CachedFile, error) {
		tmp.Close()
		os.Remove(tmpName)
		return store.CachedFile{}, &DiskError{Op: op, Path: path, Err: err}
	}

	if _, err := tmp.Write(data); err != nil {
		return fail("write", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("sync", err)
	}
	// CreateTemp makes the file private; cached files are shared.
	if err := tmp.Chmod(0o644); err != nil {
		return fail("chmod", err)
	}
	if err := tmp.Close(); err != nil {
		return fail("close", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return store.CachedFile{}, &DiskError{Op: "rename", Path: path, Err: err}
	}

	f := store.CachedFile{
		Path:      path,
		DatasetID: datasetID,
		Base:      base.UTC(),
		Step:      step,
		Size:      int64(len(data)),
		CreatedAt: now.UTC(),
	}
	if err := c.index.SaveFile(ctx, f); err != nil {
		return store.CachedFile{}, &DiskError{Op: "index", Path: path, Err: err}
	}
	return f, nil
}

// EvictResult summarises one eviction pass.
type EvictResult struct {
	Files int
	Bytes int64
}

// Evict removes every indexed file created more than maxAge before now,
// then sweeps files on disk that the index does not know about and that
// are equally old (orphans, abandoned partial writes). Running it twice in
// a row removes nothing the second time. Per-file failures are collected
// and returned together; the pass does not stop at the first one.
func (c *Cache) Evict(ctx context.Context, now time.Time, maxAge time.Duration) (EvictResult, error) {
	cutoff := now.Add(-maxAge)
	var (
		res  EvictResult
		errs []error
	)

	expired, err := c.index.ExpiredFiles(ctx, cutoff)
	if err != nil {
		return res, &DiskError{Op: "evict", Path: c.dir, Err: err}
	}
	for _, f := range expired {
		if err := os.Remove(f.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, &DiskError{Op: "remove", Path: f.Path, Err: err})
			continue
		}
		if err := c.index.DeleteFile(ctx, f.Path); err != nil {
			errs = append(errs, &DiskError{Op: "unindex", Path: f.Path, Err: err})
			continue
		}
		res.Files++
		res.Bytes += f.Size
	}

	orphans, err := c.sweep(ctx, cutoff)
	res.Files += orphans.Files
	res.Bytes += orphans.Bytes
	if err != nil {
		errs = append(errs, err)
	}

	if res.Files > 0 {
		c.logger.Info("cache evicted", "files", res.Files, "bytes", res.Bytes)
	}
	return res, errors.Join(errs...)
}

// Forget removes every file of a dataset from disk and from the index, so
// the next lookup misses and the file is downloaded again.
func (c *Cache) Forget(ctx context.Context, datasetID string) (EvictResult, error) {
	var res EvictResult
	files, err := c.index.FilesForDataset(ctx, datasetID)
	if err != nil {
		return res, &DiskError{Op: "forget", Path: c.dir, Err: err}
	}
	var errs []error
	for _, f := range files {
		if err := os.Remove(f.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, &DiskError{Op: "remove", Path: f.Path, Err: err})
			continue
		}
		if err := c.index.DeleteFile(ctx, f.Path); err != nil {
			errs = append(errs, &DiskError{Op: "unindex", Path: f.Path, Err: err})
			continue
		}
		res.Files++
		res.Bytes += f.Size
	}
	return res, errors.Join(errs...)
}

func (c *Cache) sweep(ctx context.Context, cutoff time.Time) (EvictResult, error) {
	var res EvictResult
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return res, &DiskError{Op: "readdir", Path: c.dir, Err: err}
	}

	prefix := c.naming.prefix()
	var errs []error
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(c.dir, e.Name())
		if !strings.HasSuffix(path, partSuffix) {
			indexed, err := c.index.HasPath(ctx, path)
			if err != nil || indexed {
				continue
			}
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, &DiskError{Op: "remove", Path: path, Err: err})
			continue
		}
		res.Files++
		res.Bytes += info.Size()
	}
	return res, errors.Join(errs...)
}
