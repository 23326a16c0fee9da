// Package schedule models when the files of a forecast cycle appear on the
// source server.
//
// A cycle is anchored at a base hour. Each forecast step of the cycle is
// published at its own offset after the base hour, so a cycle trickles onto
// the server over an hour or two rather than appearing at once. A Model
// answers "when is step s of the cycle based at B expected to be ready?"
// for both cycle kinds.
package schedule

import (
	"errors"
	"fmt"
	"time"
)

// Kind distinguishes short-horizon cycles from the long-horizon ones produced
// at a coarser cadence.
type Kind int

const (
	Regular Kind = iota
	Extended
)

func (k Kind) String() string {
	switch k {
	case Regular:
		return "regular"
	case Extended:
		return "extended"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText renders the kind by name for JSON consumers.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Origin records how a Model was derived.
type Origin string

const (
	OriginEstimated Origin = "estimated"
	OriginObserved  Origin = "observed"
)

// Range is an inclusive range of forecast steps.
type Range struct {
	First int `json:"first"`
	Last  int `json:"last"`
}

// Contains reports whether step lies within the range.
func (r Range) Contains(step int) bool {
	return step >= r.First && step <= r.Last
}

// Len returns the number of steps in the range.
func (r Range) Len() int {
	return r.Last - r.First + 1
}

// StepOffsets maps each step of a range to the delay after the cycle base at
// which that step is expected on the server. Offsets[i] belongs to step
// Range.First+i and the sequence never decreases.
type StepOffsets struct {
	Range   Range           `json:"range"`
	Offsets []time.Duration `json:"offsets"`
}

// At returns the offset of step, or false if step is outside the range.
func (o StepOffsets) At(step int) (time.Duration, bool) {
	if !o.Range.Contains(step) {
		return 0, false
	}
	return o.Offsets[step-o.Range.First], true
}

func (o StepOffsets) validate() error {
	if len(o.Offsets) != o.Range.Len() {
		return fmt.Errorf("have %d offsets for %d steps", len(o.Offsets), o.Range.Len())
	}
	for i := 1; i < len(o.Offsets); i++ {
		if o.Offsets[i] < o.Offsets[i-1] {
			return fmt.Errorf("offset of step %d (%v) precedes step %d (%v)",
				o.Range.First+i, o.Offsets[i], o.Range.First+i-1, o.Offsets[i-1])
		}
	}
	return nil
}

// Model is an immutable publication schedule. Rebuilding produces a new
// Model; see Provider for swapping it atomically.
type Model struct {
	regular       StepOffsets
	extended      StepOffsets
	extraDelay    time.Duration
	cycleInterval time.Duration
	extendedEvery time.Duration
	stepInterval  time.Duration
	origin        Origin
	builtAt       time.Time
}

// newModel assembles a Model from already-computed offsets.
func newModel(p Params, regular, extended StepOffsets, origin Origin) (*Model, error) {
	if err := regular.validate(); err != nil {
		return nil, fmt.Errorf("regular offsets: %w", err)
	}
	if err := extended.validate(); err != nil {
		return nil, fmt.Errorf("extended offsets: %w", err)
	}
	return &Model{
		regular:       regular,
		extended:      extended,
		extraDelay:    p.ExtraDelay,
		cycleInterval: p.CycleInterval,
		extendedEvery: p.ExtendedEvery,
		stepInterval:  p.StepInterval,
		origin:        origin,
	}, nil
}

// CycleBase returns the base hour of the most recent cycle starting at or
// before t.
func (m *Model) CycleBase(t time.Time) time.Time {
	return t.UTC().Truncate(m.cycleInterval)
}

// KindOf reports which kind of cycle is based at base.
func (m *Model) KindOf(base time.Time) Kind {
	base = base.UTC()
	if base.Truncate(m.extendedEvery).Equal(base) {
		return Extended
	}
	return Regular
}

// Offsets returns the per-step offsets of a cycle kind.
func (m *Model) Offsets(k Kind) StepOffsets {
	if k == Extended {
		return m.extended
	}
	return m.regular
}

// Range returns the declared step range of a cycle kind.
func (m *Model) Range(k Kind) Range {
	return m.Offsets(k).Range
}

// MaxStep is the furthest step any cycle kind produces.
func (m *Model) MaxStep() int {
	return max(m.regular.Range.Last, m.extended.Range.Last)
}

// ReadyAt returns when step of the cycle based at base is expected to be
// downloadable: base + extra delay + offset. The second result is false when
// the cycle kind does not produce that step.
func (m *Model) ReadyAt(base time.Time, step int) (time.Time, bool) {
	off, ok := m.Offsets(m.KindOf(base)).At(step)
	if !ok {
		return time.Time{}, false
	}
	return base.UTC().Add(m.extraDelay + off), true
}

// ValidTime is the absolute forecast hour step of the cycle based at base
// refers to.
func (m *Model) ValidTime(base time.Time, step int) time.Time {
	return base.UTC().Add(time.Duration(step) * m.stepInterval)
}

func (m *Model) StepInterval() time.Duration  { return m.stepInterval }
func (m *Model) CycleInterval() time.Duration { return m.cycleInterval }
func (m *Model) ExtraDelay() time.Duration    { return m.extraDelay }
func (m *Model) Origin() Origin               { return m.origin }

// BuiltAt is when the model was built; zero for models built outside a
// Builder.
func (m *Model) BuiltAt() time.Time { return m.builtAt }

// KindParams are the four numbers describing one cycle kind in the
// estimated strategy: the step range and the offsets of its first and last
// step. Intermediate steps are spread evenly between them.
type KindParams struct {
	FirstStep   int           `yaml:"first_step"`
	LastStep    int           `yaml:"last_step"`
	FirstOffset time.Duration `yaml:"first_offset"`
	LastOffset  time.Duration `yaml:"last_offset"`
}

func (k KindParams) rng() Range {
	return Range{First: k.FirstStep, Last: k.LastStep}
}

func (k KindParams) validate() error {
	switch {
	case k.FirstStep < 0:
		return errors.New("first step must not be negative")
	case k.LastStep < k.FirstStep:
		return fmt.Errorf("last step %d before first step %d", k.LastStep, k.FirstStep)
	case k.FirstOffset < 0:
		return errors.New("first offset must not be negative")
	case k.LastOffset < k.FirstOffset:
		return fmt.Errorf("last offset %v before first offset %v", k.LastOffset, k.FirstOffset)
	}
	return nil
}

// Params holds everything needed to build a Model.
type Params struct {
	CycleInterval time.Duration
	ExtendedEvery time.Duration
	StepInterval  time.Duration
	ExtraDelay    time.Duration
	Regular       KindParams
	Extended      KindParams
}

// Validate checks the cadence values line up: cycles start on step
// boundaries and extended cycles on cycle boundaries.
func (p Params) Validate() error {
	if p.CycleInterval <= 0 || p.ExtendedEvery <= 0 || p.StepInterval <= 0 {
		return errors.New("schedule intervals must be positive")
	}
	if p.CycleInterval%p.StepInterval != 0 {
		return fmt.Errorf("cycle interval %v is not a multiple of step interval %v", p.CycleInterval, p.StepInterval)
	}
	if p.ExtendedEvery%p.CycleInterval != 0 {
		return fmt.Errorf("extended cadence %v is not a multiple of cycle interval %v", p.ExtendedEvery, p.CycleInterval)
	}
	if p.ExtraDelay < 0 {
		return errors.New("extra delay must not be negative")
	}
	if err := p.Regular.validate(); err != nil {
		return fmt.Errorf("regular: %w", err)
	}
	if err := p.Extended.validate(); err != nil {
		return fmt.Errorf("extended: %w", err)
	}
	return nil
}

// Estimate builds a Model from static estimates, distributing the offsets
// of each kind evenly between its first and last step.
func Estimate(p Params) (*Model, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return newModel(p, interpolate(p.Regular), interpolate(p.Extended), OriginEstimated)
}

func interpolate(k KindParams) StepOffsets {
	r := k.rng()
	out := StepOffsets{Range: r, Offsets: make([]time.Duration, r.Len())}
	span := int64(k.LastOffset - k.FirstOffset)
	n := int64(r.Len() - 1)
	for i := range out.Offsets {
		if n == 0 {
			out.Offsets[i] = k.FirstOffset
			continue
		}
		out.Offsets[i] = k.FirstOffset + time.Duration(span*int64(i)/n)
	}
	return out
}
