// Package resolver decides, for every forecast hour in the horizon, which
// already-published cycle to download it from.
package resolver

import (
	"fmt"
	"time"

	"github.com/abelbrown/gribsync/internal/schedule"
)

// Source names the file that covers one forecast hour: step Step of the
// cycle based at Base.
type Source struct {
	ValidTime time.Time `json:"valid_time"`
	Base      time.Time `json:"base"`
	Step      int       `json:"step"`
}

func (s Source) String() string {
	return fmt.Sprintf("%s+%02d", s.Base.UTC().Format("20060102T15Z"), s.Step)
}

// Resolve returns, in ascending valid-time order, the freshest source for
// each forecast hour from the current cycle base up to MaxStep steps ahead.
// A source is only chosen once its ReadyAt has passed. Hours that no
// published cycle reaches are left out.
//
// Resolve is pure: the same model and now give the same result.
func Resolve(m *schedule.Model, now time.Time) []Source {
	now = now.UTC()
	step := m.StepInterval()
	horizon := time.Duration(m.MaxStep()) * step
	current := m.CycleBase(now)

	out := make([]Source, 0, m.MaxStep()+1)
	for i := 0; i <= m.MaxStep(); i++ {
		h := current.Add(time.Duration(i) * step)
		if src, ok := resolveHour(m, h, now, current, horizon); ok {
			out = append(out, src)
		}
	}
	return out
}

func resolveHour(m *schedule.Model, h, now, current time.Time, horizon time.Duration) (Source, bool) {
	start := m.CycleBase(h)
	if start.After(current) {
		start = current
	}
	for base := start; h.Sub(base) <= horizon; base = base.Add(-m.CycleInterval()) {
		s := int(h.Sub(base) / m.StepInterval())
		ready, ok := m.ReadyAt(base, s)
		if !ok || ready.After(now) {
			continue
		}
		return Source{ValidTime: h, Base: base, Step: s}, true
	}
	return Source{}, false
}

// Planned is a resolved source annotated for display.
type Planned struct {
	Source
	Kind    schedule.Kind `json:"kind"`
	ReadyAt time.Time     `json:"ready_at"`
}

// Plan is Resolve with the kind and expected publication time of each
// chosen cycle.
func Plan(m *schedule.Model, now time.Time) []Planned {
	srcs := Resolve(m, now)
	out := make([]Planned, len(srcs))
	for i, s := range srcs {
		ready, _ := m.ReadyAt(s.Base, s.Step)
		out[i] = Planned{Source: s, Kind: m.KindOf(s.Base), ReadyAt: ready}
	}
	return out
}
