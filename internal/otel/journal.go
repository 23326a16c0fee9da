package otel

// Goroutine safety:
// The drain goroutine is the only reader of j.ch and the only writer to j.w.
// j.mu guards the recent pointer. Recent has its own lock; drain releases
// j.mu before pushing so locks never nest.

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// queueSize is the capacity of the async write channel.
const queueSize = 4096

type entry struct {
	line []byte
	ev   Event
}

// Journal writes events as JSONL through a buffered channel drained by a
// background goroutine. A nil *Journal discards everything, so components
// can be built without one.
type Journal struct {
	mu        sync.Mutex
	recent    *Recent
	sessionID string
	ch        chan entry
	w         io.Writer
	dropped   atomic.Uint64
	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// NewJournal starts a Journal writing to w. Call Close to flush.
func NewJournal(w io.Writer) *Journal {
	var sid [8]byte
	_, _ = rand.Read(sid[:])

	j := &Journal{
		sessionID: hex.EncodeToString(sid[:]),
		ch:        make(chan entry, queueSize),
		w:         w,
		done:      make(chan struct{}),
	}
	go j.drain()
	return j
}

// NewNullJournal returns a Journal that discards output but still feeds an
// attached Recent buffer.
func NewNullJournal() *Journal {
	return NewJournal(io.Discard)
}

func (j *Journal) drain() {
	defer close(j.done)
	for e := range j.ch {
		if _, err := j.w.Write(e.line); err != nil {
			j.dropped.Add(1)
		}

		j.mu.Lock()
		r := j.recent
		j.mu.Unlock()

		if r != nil {
			r.Push(e.ev)
		}
	}
}

// Emit queues an event. It never blocks: when the channel is full or the
// journal is closed the event is counted as dropped.
func (j *Journal) Emit(e Event) {
	if j == nil {
		return
	}
	// Close may race between the closed check and the send.
	defer func() {
		if recover() != nil {
			j.dropped.Add(1)
		}
	}()

	if j.closed.Load() {
		j.dropped.Add(1)
		return
	}

	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	e.SessionID = j.sessionID

	line, err := json.Marshal(e)
	if err != nil {
		j.dropped.Add(1)
		return
	}
	line = append(line, '\n')

	select {
	case j.ch <- entry{line: line, ev: e}:
	default:
		j.dropped.Add(1)
	}
}

// Info emits an info-level event.
func (j *Journal) Info(kind EventKind, comp, msg string) {
	j.Emit(Event{Level: LevelInfo, Kind: kind, Comp: comp, Msg: msg})
}

// Warn emits a warn-level event.
func (j *Journal) Warn(kind EventKind, comp, msg string) {
	j.Emit(Event{Level: LevelWarn, Kind: kind, Comp: comp, Msg: msg})
}

// Error emits an error-level event. A nil err is recorded as empty.
func (j *Journal) Error(kind EventKind, comp string, err error) {
	var msg string
	if err != nil {
		msg = err.Error()
	}
	j.Emit(Event{Level: LevelError, Kind: kind, Comp: comp, Err: msg})
}

// Attach feeds every written event into r as well.
func (j *Journal) Attach(r *Recent) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.recent = r
}

// Dropped returns the number of events lost since creation.
func (j *Journal) Dropped() uint64 {
	if j == nil {
		return 0
	}
	return j.dropped.Load()
}

// Close flushes pending events and stops the drain goroutine. Safe to call
// more than once and concurrently with Emit.
func (j *Journal) Close() {
	if j == nil {
		return
	}
	j.closeOnce.Do(func() {
		j.closed.Store(true)
		close(j.ch)
		<-j.done

		if d := j.dropped.Load(); d > 0 {
			fmt.Fprintf(os.Stderr, "gribsync: %d journal events dropped in session %s\n", d, j.sessionID)
		}
	})
}
