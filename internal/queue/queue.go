// Package queue tracks every (dataset, cycle, step) download the engine has
// ever planned and moves each through its lifecycle exactly once.
package queue

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrExhaustedRetries is wrapped into the error of a task abandoned after
// too many failed attempts.
var ErrExhaustedRetries = errors.New("retries exhausted")

// Status is the lifecycle state of a task.
type Status int

const (
	Pending Status = iota
	Downloading
	Done
	// Failed is waiting for its retry: still live, dispatched again once
	// ReadyAt passes.
	Failed
	Abandoned
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Downloading:
		return "downloading"
	case Done:
		return "done"
	case Failed:
		return "failed"
	case Abandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transition happens without an
// explicit Retry.
func (s Status) Terminal() bool {
	return s == Done || s == Abandoned
}

// Key identifies one file of one dataset.
type Key struct {
	DatasetID string    `json:"dataset_id"`
	Base      time.Time `json:"base"`
	Step      int       `json:"step"`
}

// NewKey builds a Key with its base normalised to UTC so equal instants
// compare equal as map keys.
func NewKey(datasetID string, base time.Time, step int) Key {
	return Key{DatasetID: datasetID, Base: base.UTC().Round(0), Step: step}
}

func (k Key) norm() Key {
	return NewKey(k.DatasetID, k.Base, k.Step)
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s+%02d", k.DatasetID, k.Base.UTC().Format("20060102T15Z"), k.Step)
}

// Task is a snapshot of one queue entry.
type Task struct {
	Key       Key       `json:"key"`
	ReadyAt   time.Time `json:"ready_at"`
	Attempts  int       `json:"attempts"`
	Status    Status    `json:"status"`
	LastError string    `json:"last_error,omitempty"`
}

// Queue is safe for concurrent use. Every transition happens under one
// mutex.
type Queue struct {
	mu         sync.Mutex
	tasks      map[Key]*Task
	maxRetry   int
	retryDelay time.Duration
}

// New returns an empty queue. A task is abandoned once it has failed more
// than maxRetry times; between failures it waits retryDelay.
func New(maxRetry int, retryDelay time.Duration) *Queue {
	return &Queue{
		tasks:      make(map[Key]*Task),
		maxRetry:   maxRetry,
		retryDelay: retryDelay,
	}
}

// Enqueue adds a pending task. It is a no-op returning false when the key
// is already known in any state, including Done and Abandoned.
func (q *Queue) Enqueue(key Key, readyAt time.Time) bool {
	key = key.norm()
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.tasks[key]; ok {
		return false
	}
	q.tasks[key] = &Task{Key: key, ReadyAt: readyAt.UTC(), Status: Pending}
	return true
}

// DequeueReady moves every pending or failed task whose ReadyAt has passed
// to Downloading and returns copies of them, earliest ReadyAt first.
func (q *Queue) DequeueReady(now time.Time) []Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Task
	for _, t := range q.tasks {
		if t.Status != Pending && t.Status != Failed {
			continue
		}
		if t.ReadyAt.After(now) {
			continue
		}
		t.Status = Downloading
		out = append(out, *t)
	}
	sortTasks(out)
	return out
}

// MarkDone records a successful download.
func (q *Queue) MarkDone(key Key) bool {
	key = key.norm()
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[key]
	if !ok || t.Status.Terminal() {
		return false
	}
	t.Status = Done
	t.LastError = ""
	return true
}

// Release hands a Downloading task back as Pending without counting an
// attempt, for tasks dequeued but never started.
func (q *Queue) Release(key Key) bool {
	key = key.norm()
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[key]
	if !ok || t.Status != Downloading {
		return false
	}
	t.Status = Pending
	return true
}

// MarkFailed counts a failed attempt. Past maxRetry the task is abandoned
// and the second result is true; this happens exactly once per task.
// Otherwise the task waits retryDelay before it is dispatched again.
func (q *Queue) MarkFailed(key Key, now time.Time, cause error) (Task, bool) {
	key = key.norm()
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[key]
	if !ok || t.Status.Terminal() {
		return Task{}, false
	}
	t.Attempts++
	if cause != nil {
		t.LastError = cause.Error()
	}
	if t.Attempts > q.maxRetry {
		t.Status = Abandoned
		t.LastError = fmt.Errorf("%w after %d attempts: %s", ErrExhaustedRetries, t.Attempts, t.LastError).Error()
		return *t, true
	}
	t.Status = Failed
	t.ReadyAt = now.UTC().Add(q.retryDelay)
	return *t, false
}

// Abandon moves a task straight to Abandoned after a fatal error. The
// second result is true only on the transition itself.
func (q *Queue) Abandon(key Key, cause error) (Task, bool) {
	key = key.norm()
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[key]
	if !ok || t.Status.Terminal() {
		return Task{}, false
	}
	t.Attempts++
	t.Status = Abandoned
	if cause != nil {
		t.LastError = cause.Error()
	}
	return *t, true
}

// Retry revives an abandoned task as pending, ready at now, with its
// attempt count reset.
func (q *Queue) Retry(key Key, now time.Time) bool {
	key = key.norm()
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[key]
	if !ok || t.Status != Abandoned {
		return false
	}
	t.Status = Pending
	t.Attempts = 0
	t.ReadyAt = now.UTC()
	return true
}

// RetryDataset revives every abandoned task of a dataset.
func (q *Queue) RetryDataset(datasetID string, now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for k, t := range q.tasks {
		if k.DatasetID != datasetID || t.Status != Abandoned {
			continue
		}
		t.Status = Pending
		t.Attempts = 0
		t.ReadyAt = now.UTC()
		n++
	}
	return n
}

// PurgeDataset forgets every task of a dataset and returns how many were
// removed.
func (q *Queue) PurgeDataset(datasetID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for k := range q.tasks {
		if k.DatasetID == datasetID {
			delete(q.tasks, k)
			n++
		}
	}
	return n
}

// Prune forgets Done and Abandoned tasks whose base is before the given
// instant. Callers pass the oldest base the resolver can still emit, so
// pruned keys can never be enqueued again.
func (q *Queue) Prune(before time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for k, t := range q.tasks {
		if t.Status.Terminal() && k.Base.Before(before) {
			delete(q.tasks, k)
			n++
		}
	}
	return n
}

// Get returns a copy of the task for key.
func (q *Queue) Get(key Key) (Task, bool) {
	key = key.norm()
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[key]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Tasks returns copies of a dataset's tasks ordered by base then step. An
// empty datasetID returns every task.
func (q *Queue) Tasks(datasetID string) []Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Task
	for k, t := range q.tasks {
		if datasetID != "" && k.DatasetID != datasetID {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		return keyLess(out[i].Key, out[j].Key)
	})
	return out
}

// Counts returns the number of tasks in each status.
func (q *Queue) Counts() map[Status]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	c := make(map[Status]int)
	for _, t := range q.tasks {
		c[t.Status]++
	}
	return c
}

// Len returns the number of tracked tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func sortTasks(ts []Task) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].ReadyAt.Equal(ts[j].ReadyAt) {
			return ts[i].ReadyAt.Before(ts[j].ReadyAt)
		}
		return keyLess(ts[i].Key, ts[j].Key)
	})
}

func keyLess(a, b Key) bool {
	if a.DatasetID != b.DatasetID {
		return a.DatasetID < b.DatasetID
	}
	if !a.Base.Equal(b.Base) {
		return a.Base.Before(b.Base)
	}
	return a.Step < b.Step
}
