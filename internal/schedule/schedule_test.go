package schedule

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"
)

func hrrrParams() Params {
	return Params{
		CycleInterval: time.Hour,
		ExtendedEvery: 6 * time.Hour,
		StepInterval:  time.Hour,
		Regular:       KindParams{FirstStep: 0, LastStep: 18, FirstOffset: 49 * time.Minute, LastOffset: 85 * time.Minute},
		Extended:      KindParams{FirstStep: 0, LastStep: 48, FirstOffset: 49 * time.Minute, LastOffset: 145 * time.Minute},
	}
}

func mustEstimate(t *testing.T, p Params) *Model {
	t.Helper()
	m, err := Estimate(p)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	return m
}

func assertNonDecreasing(t *testing.T, m *Model) {
	t.Helper()
	for _, k := range []Kind{Regular, Extended} {
		o := m.Offsets(k)
		for s1 := o.Range.First; s1 <= o.Range.Last; s1++ {
			for s2 := s1 + 1; s2 <= o.Range.Last; s2++ {
				a, _ := o.At(s1)
				b, _ := o.At(s2)
				if a > b {
					t.Fatalf("%s: offset(%d)=%v > offset(%d)=%v", k, s1, a, s2, b)
				}
			}
		}
	}
}

func TestEstimateSpreadsOffsetsEvenly(t *testing.T) {
	m := mustEstimate(t, hrrrParams())

	for step := 0; step <= 18; step++ {
		off, ok := m.Offsets(Regular).At(step)
		if !ok {
			t.Fatalf("step %d should be in range", step)
		}
		if want := time.Duration(49+2*step) * time.Minute; off != want {
			t.Errorf("regular step %d: offset %v, want %v", step, off, want)
		}
	}
	if off, _ := m.Offsets(Extended).At(48); off != 145*time.Minute {
		t.Errorf("extended last offset = %v, want 145m", off)
	}
	if m.Origin() != OriginEstimated {
		t.Errorf("origin = %q", m.Origin())
	}
	assertNonDecreasing(t, m)
}

func TestEstimateSingleStepRange(t *testing.T) {
	p := hrrrParams()
	p.Regular = KindParams{FirstStep: 3, LastStep: 3, FirstOffset: time.Hour, LastOffset: time.Hour}
	m := mustEstimate(t, p)

	if off, ok := m.Offsets(Regular).At(3); !ok || off != time.Hour {
		t.Errorf("At(3) = %v, %v", off, ok)
	}
	if _, ok := m.Offsets(Regular).At(2); ok {
		t.Error("step 2 should be out of range")
	}
}

func TestParamsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Params)
	}{
		{"zero cycle", func(p *Params) { p.CycleInterval = 0 }},
		{"cycle not multiple of step", func(p *Params) { p.StepInterval = 40 * time.Minute }},
		{"extended not multiple of cycle", func(p *Params) { p.ExtendedEvery = 90 * time.Minute }},
		{"negative delay", func(p *Params) { p.ExtraDelay = -time.Minute }},
		{"reversed steps", func(p *Params) { p.Regular.LastStep = -1 }},
		{"reversed offsets", func(p *Params) { p.Extended.LastOffset = time.Minute }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := hrrrParams()
			tt.mutate(&p)
			if _, err := Estimate(p); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	m := mustEstimate(t, hrrrParams())
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for h := 0; h < 24; h++ {
		base := day.Add(time.Duration(h) * time.Hour)
		want := Regular
		if h%6 == 0 {
			want = Extended
		}
		if got := m.KindOf(base); got != want {
			t.Errorf("%02dZ: kind %s, want %s", h, got, want)
		}
	}
}

func TestReadyAt(t *testing.T) {
	p := hrrrParams()
	p.ExtraDelay = 5 * time.Minute
	m := mustEstimate(t, p)
	base := time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)

	got, ok := m.ReadyAt(base, 3)
	if !ok {
		t.Fatal("step 3 should be produced by a regular cycle")
	}
	if want := base.Add(5*time.Minute + 55*time.Minute); !got.Equal(want) {
		t.Errorf("ReadyAt = %v, want %v", got, want)
	}

	if _, ok := m.ReadyAt(base, 19); ok {
		t.Error("regular cycle must not produce step 19")
	}
	if _, ok := m.ReadyAt(base.Add(5*time.Hour), 48); !ok {
		t.Error("extended cycle should produce step 48")
	}
}

func TestCycleBaseAndValidTime(t *testing.T) {
	m := mustEstimate(t, hrrrParams())
	now := time.Date(2024, 3, 10, 13, 47, 12, 0, time.FixedZone("X", 3600))

	if got, want := m.CycleBase(now), time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("CycleBase = %v, want %v", got, want)
	}
	base := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	if got := m.ValidTime(base, 7); !got.Equal(base.Add(7 * time.Hour)) {
		t.Errorf("ValidTime = %v", got)
	}
	if m.MaxStep() != 48 {
		t.Errorf("MaxStep = %d", m.MaxStep())
	}
}

func TestObserveTakesLatestSampleAndClamps(t *testing.T) {
	p := hrrrParams()
	base := time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC) // regular
	ext := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)  // extended

	var samples []Sample
	for s := 0; s <= 18; s++ {
		samples = append(samples, Sample{Base: base, Step: s, Published: base.Add(time.Duration(50+s) * time.Minute)})
	}
	// A later cycle publishing step 4 later wins.
	later := base.Add(time.Hour)
	samples = append(samples, Sample{Base: later, Step: 4, Published: later.Add(70 * time.Minute)})
	for s := 0; s <= 48; s++ {
		samples = append(samples, Sample{Base: ext, Step: s, Published: ext.Add(time.Duration(60+s) * time.Minute)})
	}

	m, err := Observe(p, samples)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if m.Origin() != OriginObserved {
		t.Errorf("origin = %q", m.Origin())
	}

	reg := m.Offsets(Regular)
	if off, _ := reg.At(4); off != 70*time.Minute {
		t.Errorf("step 4 = %v, want latest observation 70m", off)
	}
	// Steps 5..18 were observed earlier than step 4, so they are clamped.
	for s := 5; s <= 18; s++ {
		if off, _ := reg.At(s); off < 70*time.Minute {
			t.Errorf("step %d = %v, should be clamped to >= 70m", s, off)
		}
	}
	if off, _ := m.Offsets(Extended).At(10); off != 70*time.Minute {
		t.Errorf("extended step 10 = %v, want 70m", off)
	}
	assertNonDecreasing(t, m)
}

func TestObserveFillsGapsFromEstimate(t *testing.T) {
	p := hrrrParams()
	reg := time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)
	ext := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var samples []Sample
	for s := 0; s <= 18; s += 2 { // 10 of 19 steps
		samples = append(samples, Sample{Base: reg, Step: s, Published: reg.Add(time.Duration(40+2*s) * time.Minute)})
	}
	for s := 0; s <= 48; s++ {
		samples = append(samples, Sample{Base: ext, Step: s, Published: ext.Add(time.Duration(49+2*s) * time.Minute)})
	}

	m, err := Observe(p, samples)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	// Step 1 has no sample: estimate is 51m, above the observed step 0.
	if off, _ := m.Offsets(Regular).At(1); off != 51*time.Minute {
		t.Errorf("step 1 = %v, want estimated 51m", off)
	}
	assertNonDecreasing(t, m)
}

func TestObserveRejectsSparseSamples(t *testing.T) {
	p := hrrrParams()
	reg := time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)
	samples := []Sample{
		{Base: reg, Step: 0, Published: reg.Add(50 * time.Minute)},
		{Base: reg, Step: 1, Published: reg.Add(52 * time.Minute)},
	}

	_, err := Observe(p, samples)
	if !errors.Is(err, ErrInsufficientSamples) {
		t.Fatalf("expected ErrInsufficientSamples, got %v", err)
	}
}

func TestObservedOffsetsNeverDecrease(t *testing.T) {
	p := hrrrParams()
	rng := rand.New(rand.NewSource(7))
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for round := 0; round < 25; round++ {
		var samples []Sample
		for h := 0; h < 12; h++ {
			base := day.Add(time.Duration(h) * time.Hour)
			last := 18
			if h%6 == 0 {
				last = 48
			}
			for s := 0; s <= last; s++ {
				jitter := time.Duration(rng.Intn(180)) * time.Minute
				samples = append(samples, Sample{Base: base, Step: s, Published: base.Add(jitter)})
			}
		}
		m, err := Observe(p, samples)
		if err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
		assertNonDecreasing(t, m)
	}
}

type fakeSource struct {
	samples []Sample
	err     error
	asked   []time.Time
}

func (f *fakeSource) Samples(ctx context.Context, bases []time.Time) ([]Sample, error) {
	f.asked = bases
	return f.samples, f.err
}

func TestBuilderFallsBackOnSourceError(t *testing.T) {
	src := &fakeSource{err: errors.New("unexpected listing markup")}
	b, err := NewBuilder(hrrrParams(), src, 2, nil)
	if err != nil {
		t.Fatal(err)
	}

	now := time.Date(2024, 1, 2, 12, 30, 0, 0, time.UTC)
	m := b.Build(context.Background(), now)
	if m.Origin() != OriginEstimated {
		t.Errorf("expected estimated fallback, got %q", m.Origin())
	}
	if !m.BuiltAt().Equal(now) {
		t.Errorf("BuiltAt = %v", m.BuiltAt())
	}
}

func TestBuilderFallsBackOnInsufficientSamples(t *testing.T) {
	src := &fakeSource{}
	b, _ := NewBuilder(hrrrParams(), src, 2, nil)

	m := b.Build(context.Background(), time.Date(2024, 1, 2, 12, 30, 0, 0, time.UTC))
	if m.Origin() != OriginEstimated {
		t.Errorf("expected estimated fallback, got %q", m.Origin())
	}
}

func TestBuilderAsksForFinishedCycles(t *testing.T) {
	src := &fakeSource{}
	b, _ := NewBuilder(hrrrParams(), src, 2, nil)
	now := time.Date(2024, 1, 2, 12, 30, 0, 0, time.UTC)
	b.Build(context.Background(), now)

	est := b.Estimated()
	kinds := map[Kind]int{}
	for _, base := range src.asked {
		k := est.KindOf(base)
		kinds[k]++
		last, _ := est.ReadyAt(base, est.Range(k).Last)
		if last.After(now) {
			t.Errorf("base %v is not finished at %v", base, now)
		}
	}
	if kinds[Regular] != 2 || kinds[Extended] != 2 {
		t.Errorf("asked for %v, want 2 of each kind", kinds)
	}
}

func TestProviderSwapsModel(t *testing.T) {
	p := hrrrParams()
	reg := time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)
	ext := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var samples []Sample
	for s := 0; s <= 18; s++ {
		samples = append(samples, Sample{Base: reg, Step: s, Published: reg.Add(time.Duration(60+s) * time.Minute)})
	}
	for s := 0; s <= 48; s++ {
		samples = append(samples, Sample{Base: ext, Step: s, Published: ext.Add(time.Duration(60+s) * time.Minute)})
	}

	b, _ := NewBuilder(p, &fakeSource{samples: samples}, 1, nil)
	prov := NewProvider(b, 3*time.Hour, nil, nil)

	before := prov.Load()
	if before.Origin() != OriginEstimated {
		t.Fatalf("provider should start from the estimate")
	}
	after := prov.Rebuild(context.Background())
	if after.Origin() != OriginObserved || prov.Load() != after {
		t.Errorf("Rebuild should swap in the observed model")
	}
	if before.Origin() != OriginEstimated {
		t.Error("previous model must stay unchanged")
	}
}

func TestNextRebuild(t *testing.T) {
	at := 3 * time.Hour
	tests := []struct {
		now, want time.Time
	}{
		{time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC), time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC)},
		{time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC), time.Date(2024, 1, 2, 3, 0, 0, 0, time.UTC)},
		{time.Date(2024, 1, 1, 22, 0, 0, 0, time.UTC), time.Date(2024, 1, 2, 3, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		if got := NextRebuild(tt.now, at); !got.Equal(tt.want) {
			t.Errorf("NextRebuild(%v) = %v, want %v", tt.now, got, tt.want)
		}
	}
}
