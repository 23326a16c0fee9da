// Package otel records what the download engine does as a journal of
// typed events.
//
// Events are serialized as JSONL lines by an asynchronous Journal. A Recent
// buffer keeps the latest events in memory for the control API.
package otel

import (
	"encoding/json"
	"time"
)

// Level defines event severity for filtering.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// EventKind identifies the category of an event.
// Dot-delimited: "<subsystem>.<action>".
type EventKind string

const (
	// Download pipeline
	KindTaskEnqueued  EventKind = "task.enqueue"
	KindTaskAbandoned EventKind = "task.abandoned"
	KindFetchStart    EventKind = "fetch.start"
	KindFetchComplete EventKind = "fetch.complete"
	KindFetchRetry    EventKind = "fetch.retry"
	KindFetchCached   EventKind = "fetch.cached"
	KindFetchDiscard  EventKind = "fetch.discard"

	// Cache directory
	KindCacheEvict EventKind = "cache.evict"
	KindCacheError EventKind = "cache.error"

	// Schedule model
	KindScheduleRebuild  EventKind = "schedule.rebuild"
	KindScheduleFallback EventKind = "schedule.fallback"

	// Registry
	KindDatasetAdd     EventKind = "dataset.add"
	KindDatasetRemove  EventKind = "dataset.remove"
	KindDatasetReplace EventKind = "dataset.replace"

	// System
	KindStartup  EventKind = "sys.startup"
	KindShutdown EventKind = "sys.shutdown"
	KindError    EventKind = "sys.error"
)

// Event is the universal journal record. Every field except Kind and Time
// is optional.
type Event struct {
	Time      time.Time      `json:"t"`
	Level     Level          `json:"level,omitempty"`
	Kind      EventKind      `json:"kind"`
	Comp      string         `json:"comp,omitempty"`       // component: "engine", "registry", "schedule", "main"
	SessionID string         `json:"session_id,omitempty"` // random hex, same for one process
	Dataset   string         `json:"dataset,omitempty"`
	Task      string         `json:"task,omitempty"` // cycle and step, e.g. "20240101T06Z+03"
	Attempt   int            `json:"attempt,omitempty"`
	Dur       time.Duration  `json:"-"`
	DurMs     float64        `json:"dur_ms,omitempty"` // computed from Dur at marshal time
	Count     int            `json:"count,omitempty"`
	Bytes     int64          `json:"bytes,omitempty"`
	Path      string         `json:"path,omitempty"`
	Err       string         `json:"err,omitempty"`
	Msg       string         `json:"msg,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// MarshalJSON implements json.Marshaler, converting Dur to DurMs.
func (e Event) MarshalJSON() ([]byte, error) {
	type alias Event
	a := alias(e)
	if e.Dur > 0 {
		a.DurMs = float64(e.Dur) / float64(time.Millisecond)
	}
	return json.Marshal(a)
}
