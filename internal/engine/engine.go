// Package engine runs the download loop: evict old files, queue newly
// available forecast hours, and fetch whatever is ready.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/abelbrown/gribsync/internal/cache"
	"github.com/abelbrown/gribsync/internal/dataset"
	"github.com/abelbrown/gribsync/internal/fetch"
	"github.com/abelbrown/gribsync/internal/otel"
	"github.com/abelbrown/gribsync/internal/queue"
	"github.com/abelbrown/gribsync/internal/schedule"
)

// Options are the loop's tunables.
type Options struct {
	CheckInterval time.Duration
	FetchTimeout  time.Duration
	MaxAge        time.Duration
	MaxConcurrent int
}

// Deps are the collaborators the engine drives.
type Deps struct {
	Queue    *queue.Queue
	Registry *dataset.Registry
	Models   *schedule.Provider
	Cache    *cache.Cache
	Source   fetch.Source
	Client   fetch.Getter
	Notifier Notifier      // optional
	Journal  *otel.Journal // optional
	Logger   *slog.Logger  // optional
}

// Engine owns the download loop.
// Uses context cancellation as the ONLY stop mechanism.
type Engine struct {
	opts     Options
	queue    *queue.Queue
	registry *dataset.Registry
	models   *schedule.Provider
	cache    *cache.Cache
	src      fetch.Source
	client   fetch.Getter
	notify   Notifier
	journal  *otel.Journal
	logger   *slog.Logger
	now      func() time.Time

	wake chan struct{}
	wg   sync.WaitGroup
}

// New creates an Engine. It registers itself as the registry's wake hook.
func New(opts Options, d Deps) *Engine {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	e := &Engine{
		opts:     opts,
		queue:    d.Queue,
		registry: d.Registry,
		models:   d.Models,
		cache:    d.Cache,
		src:      d.Source,
		client:   d.Client,
		notify:   d.Notifier,
		journal:  d.Journal,
		logger:   d.Logger,
		now:      time.Now,
		wake:     make(chan struct{}, 1),
	}
	if e.notify == nil {
		e.notify = Discard
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	d.Registry.SetWake(e.Wake)
	return e
}

// Wake runs the next tick right away instead of at the next interval.
// Never blocks.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Start begins the loop and the nightly schedule rebuild. Call with a
// cancellable context. The first tick runs immediately.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.models.Run(ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.loop(ctx)
	}()
}

// Wait blocks until the loop exits, including downloads that were in
// flight when the context was cancelled.
// Call after canceling the context passed to Start.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Run is Start followed by Wait once ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	e.Start(ctx)
	<-ctx.Done()
	e.Wait()
	return nil
}

func (e *Engine) loop(ctx context.Context) {
	e.Tick(ctx)

	ticker := time.NewTicker(e.opts.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.wake:
		}
		if ctx.Err() != nil {
			return
		}
		e.Tick(ctx)
	}
}

// Tick runs one pass: eviction, refresh, dispatch. It returns once every
// dispatched download has finished.
func (e *Engine) Tick(ctx context.Context) {
	now := e.now()

	e.evict(ctx, now)

	model := e.models.Load()
	queued := e.registry.Refresh(now)
	horizon := time.Duration(model.MaxStep()) * model.StepInterval()
	pruned := e.queue.Prune(model.CycleBase(now).Add(-horizon))
	if queued > 0 || pruned > 0 {
		e.logger.Debug("queue refreshed", "queued", queued, "pruned", pruned)
		e.journal.Emit(otel.Event{Level: otel.LevelDebug, Kind: otel.KindTaskEnqueued, Comp: "engine", Count: queued})
	}

	e.dispatch(ctx, e.queue.DequeueReady(now))
}

func (e *Engine) evict(ctx context.Context, now time.Time) {
	res, err := e.cache.Evict(ctx, now, e.opts.MaxAge)
	if err != nil {
		e.logger.Error("eviction failed", "err", err)
		e.journal.Error(otel.KindCacheError, "engine", err)
		e.notify.Error(ErrorEvent{Op: "evict", Err: err})
	}
	if res.Files > 0 {
		e.journal.Emit(otel.Event{
			Level: otel.LevelInfo,
			Kind:  otel.KindCacheEvict,
			Comp:  "engine",
			Count: res.Files,
			Bytes: res.Bytes,
		})
	}
}

// dispatch downloads tasks with bounded parallelism. Tasks not started
// before ctx is cancelled go back to Pending.
func (e *Engine) dispatch(ctx context.Context, tasks []queue.Task) {
	if len(tasks) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(e.opts.MaxConcurrent)

	for _, t := range tasks {
		t := t
		g.Go(func() error {
			if ctx.Err() != nil {
				e.queue.Release(t.Key)
				return nil
			}
			e.process(ctx, t)
			return nil // never fail the group - errors reported per-task
		})
	}

	_ = g.Wait()
}

// process downloads one task. The download itself ignores cancellation of
// ctx and is bounded by the fetch timeout instead, so shutdown waits for
// it rather than leaving half-written files.
func (e *Engine) process(ctx context.Context, t queue.Task) {
	k := t.Key
	req, ok := e.registry.Get(k.DatasetID)
	if !ok {
		e.discard(k, "dataset removed before download")
		return
	}

	work, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.FetchTimeout)
	defer cancel()

	if f, ok := e.cache.Lookup(work, k.DatasetID, k.Base, k.Step); ok {
		if e.queue.MarkDone(k) {
			e.journal.Emit(otel.Event{Level: otel.LevelDebug, Kind: otel.KindFetchCached, Comp: "engine", Dataset: k.DatasetID, Task: label(k), Path: f.Path})
			e.notify.FileAvailable(FileEvent{DatasetID: k.DatasetID, Base: k.Base, Step: k.Step, Path: f.Path, Size: f.Size, Cached: true})
		}
		return
	}

	url := e.src.FilterURL(k.Base, k.Step, fetch.Subset{
		Top:    req.Region.Top,
		Bottom: req.Region.Bottom,
		Left:   req.Region.Left,
		Right:  req.Region.Right,
		Fields: req.Fields,
		Levels: req.Levels,
	})

	start := e.now()
	attempt := t.Attempts + 1
	e.journal.Emit(otel.Event{Level: otel.LevelDebug, Kind: otel.KindFetchStart, Comp: "engine", Dataset: k.DatasetID, Task: label(k), Attempt: attempt})

	data, err := e.client.Get(work, url)
	if err != nil {
		e.fail(k, err)
		return
	}
	if !e.registry.Has(k.DatasetID) {
		e.discard(k, "dataset removed during download")
		return
	}

	f, err := e.cache.Write(work, k.DatasetID, req.Name, k.Base, k.Step, data, e.now())
	if err != nil {
		e.logger.Error("failed to store download", "dataset", req.Name, "task", label(k), "err", err)
		e.journal.Emit(otel.Event{Level: otel.LevelError, Kind: otel.KindCacheError, Comp: "engine", Dataset: k.DatasetID, Task: label(k), Err: err.Error()})
		e.notify.Error(ErrorEvent{Op: "write", DatasetID: k.DatasetID, Err: err})
		e.fail(k, err)
		return
	}

	if !e.queue.MarkDone(k) || !e.registry.Has(k.DatasetID) {
		e.discard(k, "dataset removed during download")
		return
	}

	e.logger.Info("file downloaded", "dataset", req.Name, "task", label(k), "bytes", f.Size)
	e.journal.Emit(otel.Event{
		Level:   otel.LevelInfo,
		Kind:    otel.KindFetchComplete,
		Comp:    "engine",
		Dataset: k.DatasetID,
		Task:    label(k),
		Attempt: attempt,
		Dur:     e.now().Sub(start),
		Bytes:   f.Size,
		Path:    f.Path,
	})
	e.notify.FileAvailable(FileEvent{DatasetID: k.DatasetID, Base: k.Base, Step: k.Step, Path: f.Path, Size: f.Size})
}

// fail records a failed attempt: retryable errors and disk errors wait for
// another try, anything else abandons the task.
func (e *Engine) fail(k queue.Key, err error) {
	if !e.registry.Has(k.DatasetID) {
		e.discard(k, "dataset removed during download")
		return
	}

	var diskErr *cache.DiskError
	if !fetch.IsRetryable(err) && !errors.As(err, &diskErr) {
		if task, ok := e.queue.Abandon(k, err); ok {
			e.abandoned(task, err)
		}
		return
	}

	task, gaveUp := e.queue.MarkFailed(k, e.now(), err)
	if gaveUp {
		e.abandoned(task, fmt.Errorf("%w: %w", queue.ErrExhaustedRetries, err))
		return
	}
	if task.Status != queue.Failed {
		return
	}

	if errors.Is(err, fetch.ErrNotYetAvailable) {
		e.logger.Debug("file not published yet", "task", k.String(), "attempt", task.Attempts)
	} else {
		e.logger.Warn("download failed, will retry", "task", k.String(), "attempt", task.Attempts, "err", err)
	}
	e.journal.Emit(otel.Event{
		Level:   otel.LevelWarn,
		Kind:    otel.KindFetchRetry,
		Comp:    "engine",
		Dataset: k.DatasetID,
		Task:    label(k),
		Attempt: task.Attempts,
		Err:     err.Error(),
	})
}

func (e *Engine) abandoned(task queue.Task, err error) {
	k := task.Key
	e.logger.Error("download abandoned", "task", k.String(), "attempts", task.Attempts, "err", err)
	e.journal.Emit(otel.Event{
		Level:   otel.LevelError,
		Kind:    otel.KindTaskAbandoned,
		Comp:    "engine",
		Dataset: k.DatasetID,
		Task:    label(k),
		Attempt: task.Attempts,
		Err:     err.Error(),
	})
	e.notify.Abandoned(AbandonEvent{DatasetID: k.DatasetID, Base: k.Base, Step: k.Step, Attempts: task.Attempts, Err: err})
}

func (e *Engine) discard(k queue.Key, why string) {
	e.logger.Debug("completion discarded", "task", k.String(), "reason", why)
	e.journal.Emit(otel.Event{Level: otel.LevelDebug, Kind: otel.KindFetchDiscard, Comp: "engine", Dataset: k.DatasetID, Task: label(k), Msg: why})
}

func label(k queue.Key) string {
	return fmt.Sprintf("%s+%02d", k.Base.UTC().Format("20060102T15Z"), k.Step)
}
