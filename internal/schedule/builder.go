package schedule

import (
	"context"
	"log/slog"
	"time"
)

// maxLookback bounds how far back Build searches for finished cycles.
const maxLookback = 7 * 24 * time.Hour

// SampleSource produces observed publication times for the given cycle
// bases, typically by reading the server's directory listing.
type SampleSource interface {
	Samples(ctx context.Context, bases []time.Time) ([]Sample, error)
}

// Builder derives a Model, preferring observations and falling back to the
// estimate.
type Builder struct {
	params   Params
	source   SampleSource // optional: nil means estimate only
	cycles   int
	estimate *Model
	logger   *slog.Logger
}

// NewBuilder validates params. source may be nil. cycles is how many
// recent finished cycles of each kind to observe.
func NewBuilder(params Params, source SampleSource, cycles int, logger *slog.Logger) (*Builder, error) {
	est, err := Estimate(params)
	if err != nil {
		return nil, err
	}
	if cycles <= 0 {
		cycles = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		params:   params,
		source:   source,
		cycles:   cycles,
		estimate: est,
		logger:   logger,
	}, nil
}

// Estimated returns the model built from static estimates.
func (b *Builder) Estimated() *Model {
	return b.estimate
}

// Observing reports whether Build consults a sample source at all.
func (b *Builder) Observing() bool {
	return b.source != nil
}

// Build returns an observed model when the source yields usable samples and
// the estimated model otherwise. Listing and parse errors are logged here
// and never reach the caller.
func (b *Builder) Build(ctx context.Context, now time.Time) *Model {
	if b.source == nil {
		return b.stamp(b.estimate, now)
	}

	bases := b.finishedBases(now)
	samples, err := b.source.Samples(ctx, bases)
	if err != nil {
		b.logger.Warn("schedule listing unusable, using estimate", "err", err)
		return b.stamp(b.estimate, now)
	}

	m, err := Observe(b.params, samples)
	if err != nil {
		b.logger.Warn("schedule observations rejected, using estimate", "samples", len(samples), "err", err)
		return b.stamp(b.estimate, now)
	}
	b.logger.Info("schedule built from observations", "samples", len(samples), "cycles", len(bases))
	return b.stamp(m, now)
}

// finishedBases lists, newest first, the bases of the most recent cycles of
// each kind that the estimate says are fully published.
func (b *Builder) finishedBases(now time.Time) []time.Time {
	est := b.estimate
	want := map[Kind]int{Regular: b.cycles, Extended: b.cycles}
	var bases []time.Time

	oldest := now.Add(-maxLookback)
	for base := est.CycleBase(now); base.After(oldest); base = base.Add(-est.CycleInterval()) {
		kind := est.KindOf(base)
		if want[kind] == 0 {
			if want[Regular] == 0 && want[Extended] == 0 {
				break
			}
			continue
		}
		last, _ := est.ReadyAt(base, est.Range(kind).Last)
		if last.After(now) {
			continue
		}
		bases = append(bases, base)
		want[kind]--
	}
	return bases
}

func (b *Builder) stamp(m *Model, now time.Time) *Model {
	cp := *m
	cp.builtAt = now
	return &cp
}
