package otel

import "sync"

// DefaultRecentSize is the default number of events kept in memory.
const DefaultRecentSize = 512

// Recent keeps the newest events in a fixed-size circular buffer.
type Recent struct {
	mu   sync.Mutex
	buf  []Event
	next int
	full bool
}

// NewRecent creates a buffer holding up to size events.
func NewRecent(size int) *Recent {
	if size <= 0 {
		size = DefaultRecentSize
	}
	return &Recent{buf: make([]Event, size)}
}

// Push stores e, overwriting the oldest event when full.
func (r *Recent) Push(e Event) {
	if e.Extra != nil {
		cp := make(map[string]any, len(e.Extra))
		for k, v := range e.Extra {
			cp[k] = v
		}
		e.Extra = cp
	}

	r.mu.Lock()
	r.buf[r.next] = e
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

// Last returns up to n of the newest events matching keep, oldest first.
// A nil keep matches everything.
func (r *Recent) Last(n int, keep func(Event) bool) []Event {
	if n <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.full {
		size = len(r.buf)
	}

	// Walk backwards from the newest entry, then reverse.
	var out []Event
	for i := 0; i < size && len(out) < n; i++ {
		idx := (r.next - 1 - i + len(r.buf)) % len(r.buf)
		if keep == nil || keep(r.buf[idx]) {
			out = append(out, r.buf[idx])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Counts tallies the buffered events by kind.
func (r *Recent) Counts() map[EventKind]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.full {
		size = len(r.buf)
	}
	counts := make(map[EventKind]int)
	for _, e := range r.buf[:size] {
		counts[e.Kind]++
	}
	return counts
}

// ForDataset matches events about one dataset.
func ForDataset(id string) func(Event) bool {
	return func(e Event) bool { return e.Dataset == id }
}
