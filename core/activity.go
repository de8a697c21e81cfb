/*
Package core provides the user-visible activity log of a session.

The ActivityLog keeps a bounded, ordered list of textual entries (prompts,
tool calls, tool outputs, errors) for the host UI. Every failure the pipeline
recovers from ends up here, so nothing is lost silently even though no error
terminates the process.
*/
package core

import (
	"sync"
	"time"
)

// Activity entry kinds.
const (
	ActivityPrompt     = "prompt"
	ActivityToolCall   = "tool_call"
	ActivityToolOutput = "tool_output"
	ActivityError      = "error"
	ActivityInfo       = "info"
)

// ActivityEntry is one line of the activity log.
type ActivityEntry struct {
	Time   time.Time `json:"time"`   // When the entry was added
	Kind   string    `json:"kind"`   // One of the Activity* kinds
	Text   string    `json:"text"`   // Human readable description
	Replay bool      `json:"replay"` // Produced by playback rather than live traffic
}

// ActivityLog is a bounded, thread-safe list of activity entries.
type ActivityLog struct {
	entries []ActivityEntry
	limit   int
	total   int
	mutex   sync.RWMutex
}

// NewActivityLog creates a log keeping at most limit entries.
func NewActivityLog(limit int) *ActivityLog {
	if limit <= 0 {
		limit = 500
	}
	return &ActivityLog{
		entries: make([]ActivityEntry, 0),
		limit:   limit,
	}
}

// Add appends an entry, evicting the oldest once the limit is reached.
//
// Parameters:
//   - kind: Entry kind, e.g. ActivityError
//   - text: Description shown to the user
//   - replay: Whether the entry comes from playback
func (a *ActivityLog) Add(kind, text string, replay bool) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.entries = append(a.entries, ActivityEntry{
		Time:   time.Now(),
		Kind:   kind,
		Text:   text,
		Replay: replay,
	})
	a.total++
	if len(a.entries) > a.limit {
		a.entries = append([]ActivityEntry(nil), a.entries[len(a.entries)-a.limit:]...)
	}
}

// Recent returns up to limit of the newest entries in chronological order.
// A non-positive limit returns everything held.
func (a *ActivityLog) Recent(limit int) []ActivityEntry {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	start := 0
	if limit > 0 && len(a.entries) > limit {
		start = len(a.entries) - limit
	}
	return append([]ActivityEntry(nil), a.entries[start:]...)
}

// Clear removes every entry and returns how many were removed.
func (a *ActivityLog) Clear() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	count := len(a.entries)
	a.entries = make([]ActivityEntry, 0)
	return count
}

// Stats reports how many entries are held and how many were ever added.
func (a *ActivityLog) Stats() map[string]interface{} {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	errorCount := 0
	for _, e := range a.entries {
		if e.Kind == ActivityError {
			errorCount++
		}
	}
	return map[string]interface{}{
		"entries": len(a.entries),
		"errors":  errorCount,
		"total":   a.total,
	}
}
