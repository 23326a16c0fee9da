package schedule

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/abelbrown/gribsync/internal/otel"
)

// Provider hands out the current Model and replaces it wholesale on
// rebuild. Readers never observe a partially built model.
type Provider struct {
	builder   *Builder // nil for static providers
	current   atomic.Pointer[Model]
	rebuildAt time.Duration // offset from UTC midnight
	logger    *slog.Logger
	journal   *otel.Journal
	now       func() time.Time
}

// NewProvider starts out with the builder's estimated model. Call Rebuild
// or Run to replace it with an observed one.
func NewProvider(b *Builder, rebuildAt time.Duration, logger *slog.Logger, journal *otel.Journal) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{
		builder:   b,
		rebuildAt: rebuildAt,
		logger:    logger,
		journal:   journal,
		now:       time.Now,
	}
	p.current.Store(b.Estimated())
	return p
}

// NewStaticProvider always serves m.
func NewStaticProvider(m *Model) *Provider {
	p := &Provider{logger: slog.Default(), now: time.Now}
	p.current.Store(m)
	return p
}

// Load returns the current model. Never nil.
func (p *Provider) Load() *Model {
	return p.current.Load()
}

// Rebuild builds a fresh model and swaps it in.
func (p *Provider) Rebuild(ctx context.Context) *Model {
	if p.builder == nil {
		return p.Load()
	}

	start := p.now()
	m := p.builder.Build(ctx, start)
	p.current.Store(m)

	if p.builder.Observing() && m.Origin() == OriginEstimated {
		p.journal.Warn(otel.KindScheduleFallback, "schedule", "observed schedule unavailable, using estimate")
	}
	p.journal.Emit(otel.Event{
		Level: otel.LevelInfo,
		Kind:  otel.KindScheduleRebuild,
		Comp:  "schedule",
		Msg:   string(m.Origin()),
		Dur:   p.now().Sub(start),
	})
	p.logger.Info("schedule model replaced", "origin", m.Origin())
	return m
}

// Run rebuilds immediately and then once a day at the configured time
// until ctx is cancelled.
func (p *Provider) Run(ctx context.Context) {
	if p.builder == nil {
		return
	}
	p.Rebuild(ctx)

	for {
		wait := NextRebuild(p.now(), p.rebuildAt).Sub(p.now())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			p.Rebuild(ctx)
		}
	}
}

// NextRebuild returns the first instant after now that lies at offset at
// past UTC midnight.
func NextRebuild(now time.Time, at time.Duration) time.Time {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	next := midnight.Add(at)
	for !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
