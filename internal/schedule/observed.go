package schedule

import (
	"errors"
	"fmt"
	"time"
)

// ErrInsufficientSamples means the observations do not cover enough of a
// cycle kind to replace the estimate.
var ErrInsufficientSamples = errors.New("insufficient schedule samples")

// minCoverage is the fraction of a kind's steps that must be observed
// before observed offsets are trusted.
const minCoverage = 0.5

// Sample is one observation: step of the cycle based at Base appeared on
// the server at Published.
type Sample struct {
	Base      time.Time
	Step      int
	Published time.Time
}

// Observe builds a Model from observed publication times. For each step the
// latest observed offset wins. Steps without observations fall back to the
// estimate, and offsets are clamped so they never decrease.
func Observe(p Params, samples []Sample) (*Model, error) {
	est, err := Estimate(p)
	if err != nil {
		return nil, err
	}

	seen := map[Kind]map[int]time.Duration{
		Regular:  {},
		Extended: {},
	}
	for _, s := range samples {
		kind := est.KindOf(s.Base)
		if !est.Range(kind).Contains(s.Step) {
			continue
		}
		off := s.Published.Sub(s.Base.UTC())
		if off < 0 {
			continue
		}
		if prev, ok := seen[kind][s.Step]; !ok || off > prev {
			seen[kind][s.Step] = off
		}
	}

	regular, err := merge(est.regular, seen[Regular])
	if err != nil {
		return nil, fmt.Errorf("regular cycles: %w", err)
	}
	extended, err := merge(est.extended, seen[Extended])
	if err != nil {
		return nil, fmt.Errorf("extended cycles: %w", err)
	}
	return newModel(p, regular, extended, OriginObserved)
}

func merge(est StepOffsets, observed map[int]time.Duration) (StepOffsets, error) {
	need := int(float64(est.Range.Len())*minCoverage + 0.5)
	if len(observed) < max(need, 1) {
		return StepOffsets{}, fmt.Errorf("%w: %d of %d steps observed", ErrInsufficientSamples, len(observed), est.Range.Len())
	}

	out := StepOffsets{Range: est.Range, Offsets: make([]time.Duration, len(est.Offsets))}
	var floor time.Duration
	for i := range out.Offsets {
		off, ok := observed[est.Range.First+i]
		if !ok {
			off = est.Offsets[i]
		}
		off = max(off, floor)
		out.Offsets[i] = off
		floor = off
	}
	return out, nil
}
