package engine

import (
	"sync"
	"sync/atomic"
	"time"
)

// FileEvent announces a file that is ready in the cache.
type FileEvent struct {
	DatasetID string
	Base      time.Time
	Step      int
	Path      string
	Size      int64
	Cached    bool // already on disk, no download happened
}

// AbandonEvent announces a download the engine gave up on.
type AbandonEvent struct {
	DatasetID string
	Base      time.Time
	Step      int
	Attempts  int
	Err       error
}

// ErrorEvent reports a failure outside a single download, such as a disk
// error during eviction.
type ErrorEvent struct {
	Op        string
	DatasetID string
	Err       error
}

// Notifier receives engine completions. Methods are called from worker
// goroutines and must not block for long.
type Notifier interface {
	FileAvailable(FileEvent)
	Abandoned(AbandonEvent)
	Error(ErrorEvent)
}

// Discard ignores every notification.
var Discard Notifier = Funcs{}

// Funcs adapts plain functions to Notifier. Nil fields are skipped.
type Funcs struct {
	OnFile      func(FileEvent)
	OnAbandoned func(AbandonEvent)
	OnError     func(ErrorEvent)
}

func (f Funcs) FileAvailable(e FileEvent) {
	if f.OnFile != nil {
		f.OnFile(e)
	}
}

func (f Funcs) Abandoned(e AbandonEvent) {
	if f.OnAbandoned != nil {
		f.OnAbandoned(e)
	}
}

func (f Funcs) Error(e ErrorEvent) {
	if f.OnError != nil {
		f.OnError(e)
	}
}

// ChannelNotifier delivers every event as a message on C: a FileEvent,
// AbandonEvent or ErrorEvent. File events never block; when C is full they
// are dropped and counted. Abandon and error events wait for room in C
// until Close is called, so the consumer must keep draining C.
type ChannelNotifier struct {
	C       chan any
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

// NewChannelNotifier creates a notifier with a buffer of size messages.
func NewChannelNotifier(size int) *ChannelNotifier {
	return &ChannelNotifier{C: make(chan any, size), done: make(chan struct{})}
}

func (n *ChannelNotifier) offer(msg any) {
	select {
	case n.C <- msg:
	default:
		n.dropped.Add(1)
	}
}

func (n *ChannelNotifier) deliver(msg any) {
	select {
	case n.C <- msg:
		return
	default:
	}
	select {
	case n.C <- msg:
	case <-n.done:
		n.dropped.Add(1)
	}
}

func (n *ChannelNotifier) FileAvailable(e FileEvent) { n.offer(e) }
func (n *ChannelNotifier) Abandoned(e AbandonEvent)  { n.deliver(e) }
func (n *ChannelNotifier) Error(e ErrorEvent)        { n.deliver(e) }

// Close releases senders blocked on a full C. Events sent afterwards are
// delivered only if C has room. C itself stays open.
func (n *ChannelNotifier) Close() {
	n.once.Do(func() { close(n.done) })
}

// Dropped returns how many events did not fit in C.
func (n *ChannelNotifier) Dropped() int64 {
	return n.dropped.Load()
}

// multi fans notifications out in order.
type multi []Notifier

func (m multi) FileAvailable(e FileEvent) {
	for _, n := range m {
		n.FileAvailable(e)
	}
}

func (m multi) Abandoned(e AbandonEvent) {
	for _, n := range m {
		n.Abandoned(e)
	}
}

func (m multi) Error(e ErrorEvent) {
	for _, n := range m {
		n.Error(e)
	}
}

// Multi combines notifiers.
func Multi(ns ...Notifier) Notifier {
	return multi(ns)
}
