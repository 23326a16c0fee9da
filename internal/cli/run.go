package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/abelbrown/gribsync/internal/api"
	"github.com/abelbrown/gribsync/internal/cache"
	"github.com/abelbrown/gribsync/internal/config"
	"github.com/abelbrown/gribsync/internal/dataset"
	"github.com/abelbrown/gribsync/internal/engine"
	"github.com/abelbrown/gribsync/internal/fetch"
	"github.com/abelbrown/gribsync/internal/listing"
	"github.com/abelbrown/gribsync/internal/logging"
	"github.com/abelbrown/gribsync/internal/otel"
	"github.com/abelbrown/gribsync/internal/queue"
	"github.com/abelbrown/gribsync/internal/schedule"
	"github.com/abelbrown/gribsync/internal/store"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the download engine and the HTTP API until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runEngine,
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger, closeLog, err := logging.Setup(level, cfg.Logging.File)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	recent := otel.NewRecent(otel.DefaultRecentSize)
	journal, closeEvents, err := openJournal(cfg.Logging.EventsFile)
	if err != nil {
		return err
	}
	journal.Attach(recent)
	defer func() {
		journal.Close()
		closeEvents()
	}()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	c, err := cache.New(cfg.Engine.CacheDir, cfg.Naming, st, logging.For(logger, "cache"))
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}

	client := newClient(cfg)
	builder, err := newBuilder(cfg, client, cfg.Schedule.Observe, logger)
	if err != nil {
		return err
	}
	models := schedule.NewProvider(builder, cfg.Schedule.RebuildAt, logging.For(logger, "schedule"), journal)

	q := queue.New(cfg.Engine.MaxRetry, cfg.Engine.RetryDelay)
	reg := dataset.NewRegistry(q, models,
		dataset.WithPersister(st),
		dataset.WithJournal(journal),
		dataset.WithLogger(logging.For(logger, "dataset")),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := reg.Restore(ctx); err != nil {
		return err
	}
	if err := addConfigured(ctx, reg, c, cfg.Datasets, logger); err != nil {
		return err
	}

	eng := engine.New(engine.Options{
		CheckInterval: cfg.Engine.CheckInterval,
		FetchTimeout:  cfg.Engine.FetchTimeout,
		MaxAge:        cfg.Engine.MaxAge,
		MaxConcurrent: cfg.Engine.MaxConcurrent,
	}, engine.Deps{
		Queue:    q,
		Registry: reg,
		Models:   models,
		Cache:    c,
		Source:   cfg.Source,
		Client:   client,
		Journal:  journal,
		Logger:   logging.For(logger, "engine"),
	})

	journal.Info(otel.KindStartup, "main", Version)
	logger.Info("gribsync starting", "version", Version, "datasets", len(reg.List()), "cache", c.Dir())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eng.Run(gctx)
	})
	if cfg.API.Listen != "" {
		router := api.NewRouter(api.Deps{
			Registry: reg,
			Queue:    q,
			Models:   models,
			Recent:   recent,
			Wake:     eng.Wake,
			Logger:   logging.For(logger, "api"),
		})
		g.Go(func() error {
			return api.Serve(gctx, cfg.API.Listen, router, logging.For(logger, "api"))
		})
	}

	err = g.Wait()
	journal.Info(otel.KindShutdown, "main", "stopped")
	logger.Info("gribsync stopped")
	return err
}

// addConfigured registers the datasets declared in the config file. Their
// IDs derive from their names, so a restart finds them already restored. A
// restored dataset whose config entry was edited is replaced, and its cached
// files are dropped so the new subset is downloaded. c may be nil.
func addConfigured(ctx context.Context, reg *dataset.Registry, c *cache.Cache, reqs []dataset.Request, logger *slog.Logger) error {
	for _, req := range reqs {
		if req.ID == "" {
			req.ID = dataset.StableID(req.Name)
		}
		if cur, ok := reg.Get(req.ID); ok {
			if cur.Same(req) {
				continue
			}
			if err := reg.Replace(ctx, req); err != nil {
				return fmt.Errorf("dataset %s: %w", req.Name, err)
			}
			logger.Info("configured dataset changed, replaced the stored one",
				"name", req.Name, "fields", req.Fields, "levels", req.Levels)
			if c != nil {
				res, err := c.Forget(ctx, req.ID)
				if err != nil {
					logger.Warn("failed to drop cached files of replaced dataset", "name", req.Name, "err", err)
				}
				if res.Files > 0 {
					logger.Info("dropped cached files of replaced dataset", "name", req.Name, "files", res.Files)
				}
			}
			continue
		}
		if _, err := reg.Add(ctx, req); err != nil {
			if errors.Is(err, dataset.ErrDuplicate) {
				logger.Warn("configured dataset clashes with a stored one", "name", req.Name, "err", err)
				continue
			}
			return fmt.Errorf("dataset %s: %w", req.Name, err)
		}
	}
	return nil
}

// openJournal appends events to path. An empty path keeps events in memory
// only.
func openJournal(path string) (*otel.Journal, func() error, error) {
	if path == "" {
		return otel.NewNullJournal(), func() error { return nil }, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create events directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open events file: %w", err)
	}
	return otel.NewJournal(f), f.Close, nil
}

func openStore(cfg *config.Config) (*store.Store, error) {
	if cfg.Engine.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Engine.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	st, err := store.Open(cfg.Engine.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return st, nil
}

func newClient(cfg *config.Config) *fetch.Client {
	return fetch.NewClient(cfg.HTTP.Timeout, cfg.HTTP.Rate, cfg.HTTP.Burst, cfg.HTTP.UserAgent)
}

// newBuilder wires the directory listing scanner in as the sample source
// when observe is set.
func newBuilder(cfg *config.Config, get fetch.Getter, observe bool, logger *slog.Logger) (*schedule.Builder, error) {
	var src schedule.SampleSource
	if observe {
		scanner, err := listing.NewScanner(get, cfg.Source)
		if err != nil {
			return nil, fmt.Errorf("listing scanner: %w", err)
		}
		src = scanner
	}
	b, err := schedule.NewBuilder(cfg.Schedule.Params(), src, cfg.Schedule.ObserveCycles, logging.For(logger, "schedule"))
	if err != nil {
		return nil, fmt.Errorf("schedule: %w", err)
	}
	return b, nil
}

// quietLogger is used by the inspection commands, which print tables and
// should only log problems.
func quietLogger(cfg *config.Config) *slog.Logger {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil || level < slog.LevelWarn {
		level = slog.LevelWarn
	}
	return logging.NewWithWriters(os.Stderr, io.Discard, level)
}
