package dataset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/abelbrown/gribsync/internal/otel"
	"github.com/abelbrown/gribsync/internal/queue"
	"github.com/abelbrown/gribsync/internal/resolver"
	"github.com/abelbrown/gribsync/internal/schedule"
)

var (
	ErrNotFound  = errors.New("dataset not found")
	ErrDuplicate = errors.New("dataset already exists")
)

// ModelSource hands out the current schedule model.
type ModelSource interface {
	Load() *schedule.Model
}

// Persister stores requests across restarts.
type Persister interface {
	SaveDataset(ctx context.Context, r Request) error
	DeleteDataset(ctx context.Context, id string) error
	LoadDatasets(ctx context.Context) ([]Request, error)
}

// Registry owns the registered datasets. Adding or removing one updates the
// queue right away and wakes the engine.
type Registry struct {
	mu       sync.RWMutex
	datasets map[string]Request

	queue   *queue.Queue
	models  ModelSource
	store   Persister // optional
	journal *otel.Journal
	logger  *slog.Logger
	wake    func()
	now     func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithPersister persists every Add and Remove.
func WithPersister(p Persister) Option {
	return func(r *Registry) { r.store = p }
}

// WithJournal records dataset events.
func WithJournal(j *otel.Journal) Option {
	return func(r *Registry) { r.journal = j }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(q *queue.Queue, models ModelSource, opts ...Option) *Registry {
	r := &Registry{
		datasets: make(map[string]Request),
		queue:    q,
		models:   models,
		logger:   slog.Default(),
		wake:     func() {},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetWake installs the function called after every Add and Remove. The
// engine registers its Wake here once it exists.
func (r *Registry) SetWake(fn func()) {
	if fn == nil {
		fn = func() {}
	}
	r.mu.Lock()
	r.wake = fn
	r.mu.Unlock()
}

// Add validates and registers req, queues every forecast hour that is
// already available for it, and returns its ID. A request without an ID
// gets a random one.
func (r *Registry) Add(ctx context.Context, req Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	req = req.clone()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	r.mu.Lock()
	if err := r.conflict(req); err != nil {
		r.mu.Unlock()
		return "", err
	}
	if r.store != nil {
		if err := r.store.SaveDataset(ctx, req); err != nil {
			r.mu.Unlock()
			return "", fmt.Errorf("persist dataset %s: %w", req.Name, err)
		}
	}
	r.datasets[req.ID] = req
	wake := r.wake
	r.mu.Unlock()

	n := r.enqueue(req.ID, resolver.Resolve(r.models.Load(), r.now()))
	r.logger.Info("dataset added", "id", req.ID, "name", req.Name, "queued", n)
	r.journal.Emit(otel.Event{
		Level:   otel.LevelInfo,
		Kind:    otel.KindDatasetAdd,
		Comp:    "dataset",
		Dataset: req.ID,
		Count:   n,
		Msg:     req.Name,
	})
	wake()
	return req.ID, nil
}

// conflict must be called with mu held.
func (r *Registry) conflict(req Request) error {
	if _, ok := r.datasets[req.ID]; ok {
		return fmt.Errorf("%w: id %s", ErrDuplicate, req.ID)
	}
	for _, d := range r.datasets {
		if strings.EqualFold(d.Name, req.Name) {
			return fmt.Errorf("%w: name %s", ErrDuplicate, req.Name)
		}
	}
	return nil
}

// Remove forgets the dataset and every queued task of it. Downloads already
// in flight finish but their results are discarded.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	req, ok := r.datasets[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.datasets, id)
	purged := r.queue.PurgeDataset(id)
	wake := r.wake
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.DeleteDataset(ctx, id); err != nil {
			// The dataset is gone from memory either way; a stale row is
			// restored on the next start and can be removed again.
			r.logger.Error("failed to delete persisted dataset", "id", id, "err", err)
		}
	}

	r.logger.Info("dataset removed", "id", id, "name", req.Name, "purged", purged)
	r.journal.Emit(otel.Event{
		Level:   otel.LevelInfo,
		Kind:    otel.KindDatasetRemove,
		Comp:    "dataset",
		Dataset: id,
		Count:   purged,
		Msg:     req.Name,
	})
	wake()
	return nil
}

// Replace swaps the registered dataset with the same ID for req. Every
// queued task of the old request is dropped and the available hours are
// queued again for the new one.
func (r *Registry) Replace(ctx context.Context, req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	req = req.clone()

	r.mu.Lock()
	old, ok := r.datasets[req.ID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, req.ID)
	}
	delete(r.datasets, req.ID)
	err := r.conflict(req)
	if err == nil && r.store != nil {
		err = r.persistReplace(ctx, old, req)
	}
	if err != nil {
		r.datasets[req.ID] = old
		r.mu.Unlock()
		return err
	}
	r.datasets[req.ID] = req
	purged := r.queue.PurgeDataset(req.ID)
	wake := r.wake
	r.mu.Unlock()

	n := r.enqueue(req.ID, resolver.Resolve(r.models.Load(), r.now()))
	r.logger.Info("dataset replaced", "id", req.ID, "name", req.Name, "purged", purged, "queued", n)
	r.journal.Emit(otel.Event{
		Level:   otel.LevelInfo,
		Kind:    otel.KindDatasetReplace,
		Comp:    "dataset",
		Dataset: req.ID,
		Count:   n,
		Msg:     req.Name,
	})
	wake()
	return nil
}

// persistReplace rewrites the stored row, putting the old one back when the
// new one cannot be saved. Must be called with mu held.
func (r *Registry) persistReplace(ctx context.Context, old, req Request) error {
	if err := r.store.DeleteDataset(ctx, req.ID); err != nil {
		return fmt.Errorf("persist dataset %s: %w", req.Name, err)
	}
	if err := r.store.SaveDataset(ctx, req); err != nil {
		if rerr := r.store.SaveDataset(ctx, old); rerr != nil {
			r.logger.Error("failed to restore persisted dataset", "id", old.ID, "err", rerr)
		}
		return fmt.Errorf("persist dataset %s: %w", req.Name, err)
	}
	return nil
}

// Get returns a copy of the dataset.
func (r *Registry) Get(id string) (Request, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	req, ok := r.datasets[id]
	if !ok {
		return Request{}, false
	}
	return req.clone(), true
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.datasets[id]
	return ok
}

// List returns every dataset ordered by name.
func (r *Registry) List() []Request {
	r.mu.RLock()
	out := make([]Request, 0, len(r.datasets))
	for _, req := range r.datasets {
		out = append(out, req.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Refresh resolves the current plan once and queues it for every dataset.
// It returns the number of new tasks.
func (r *Registry) Refresh(now time.Time) int {
	plan := resolver.Resolve(r.models.Load(), now)

	r.mu.RLock()
	ids := make([]string, 0, len(r.datasets))
	for id := range r.datasets {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	n := 0
	for _, id := range ids {
		n += r.enqueue(id, plan)
	}
	return n
}

// enqueue holds the read lock so a concurrent Remove cannot leave tasks
// behind for a dataset that no longer exists.
func (r *Registry) enqueue(id string, plan []resolver.Source) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.datasets[id]; !ok {
		return 0
	}

	m := r.models.Load()
	n := 0
	for _, src := range plan {
		ready, ok := m.ReadyAt(src.Base, src.Step)
		if !ok {
			continue
		}
		if r.queue.Enqueue(queue.NewKey(id, src.Base, src.Step), ready) {
			n++
		}
	}
	return n
}

// Restore registers every persisted dataset. It runs once at startup,
// before the engine, and does not write back to the store.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	reqs, err := r.store.LoadDatasets(ctx)
	if err != nil {
		if len(reqs) == 0 {
			return 0, fmt.Errorf("load datasets: %w", err)
		}
		r.logger.Warn("some persisted datasets are unreadable", "err", err)
	}

	n := 0
	for _, req := range reqs {
		if err := req.Validate(); err != nil {
			r.logger.Warn("skipping invalid persisted dataset", "id", req.ID, "err", err)
			continue
		}
		r.mu.Lock()
		err := r.conflict(req)
		if err == nil {
			r.datasets[req.ID] = req.clone()
		}
		r.mu.Unlock()
		if err != nil {
			r.logger.Warn("skipping persisted dataset", "id", req.ID, "err", err)
			continue
		}
		n++
	}
	r.logger.Info("datasets restored", "count", n)
	return n, nil
}
