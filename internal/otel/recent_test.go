package otel

import (
	"sync"
	"testing"
)

func TestRecentKeepsOrder(t *testing.T) {
	r := NewRecent(8)
	for i := 0; i < 5; i++ {
		r.Push(Event{Kind: KindFetchStart, Count: i})
	}

	got := r.Last(10, nil)
	if len(got) != 5 {
		t.Fatalf("expected 5 events, got %d", len(got))
	}
	for i, e := range got {
		if e.Count != i {
			t.Errorf("got[%d].Count=%d, want %d", i, e.Count, i)
		}
	}
}

func TestRecentWrapsAround(t *testing.T) {
	r := NewRecent(4)
	for i := 0; i < 10; i++ {
		r.Push(Event{Kind: KindFetchStart, Count: i})
	}

	got := r.Last(10, nil)
	if len(got) != 4 {
		t.Fatalf("expected 4 events, got %d", len(got))
	}
	for i, e := range got {
		if want := i + 6; e.Count != want {
			t.Errorf("got[%d].Count=%d, want %d", i, e.Count, want)
		}
	}
}

func TestRecentLastLimitsAndFilters(t *testing.T) {
	r := NewRecent(16)
	for i := 0; i < 10; i++ {
		id := "a"
		if i%2 == 1 {
			id = "b"
		}
		r.Push(Event{Kind: KindFetchComplete, Dataset: id, Count: i})
	}

	got := r.Last(3, ForDataset("b"))
	want := []int{5, 7, 9}
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(got))
	}
	for i, e := range got {
		if e.Count != want[i] || e.Dataset != "b" {
			t.Errorf("got[%d] = %+v, want count %d of dataset b", i, e, want[i])
		}
	}

	if r.Last(0, nil) != nil {
		t.Error("Last(0) should return nil")
	}
}

func TestRecentCounts(t *testing.T) {
	r := NewRecent(4)
	r.Push(Event{Kind: KindFetchStart})
	r.Push(Event{Kind: KindFetchStart})
	r.Push(Event{Kind: KindTaskAbandoned})

	c := r.Counts()
	if c[KindFetchStart] != 2 || c[KindTaskAbandoned] != 1 {
		t.Errorf("unexpected counts: %v", c)
	}
}

func TestRecentCopiesExtra(t *testing.T) {
	r := NewRecent(2)
	extra := map[string]any{"k": 1}
	r.Push(Event{Kind: KindFetchStart, Extra: extra})
	extra["k"] = 2

	if got := r.Last(1, nil)[0].Extra["k"]; got != 1 {
		t.Errorf("buffered Extra should not alias caller map, got %v", got)
	}
}

func TestRecentConcurrent(t *testing.T) {
	r := NewRecent(64)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := 0; k < 100; k++ {
				r.Push(Event{Kind: KindFetchStart})
				_ = r.Last(5, nil)
			}
		}()
	}
	wg.Wait()

	if got := len(r.Last(1000, nil)); got != 64 {
		t.Errorf("expected a full buffer of 64, got %d", got)
	}
}
