/*
Package core provides session capture for the event pipeline.

This file implements the Recorder, a bus Observer that appends every prompt,
stream update, tool call, tool output, terminal response and error to an
in-memory log while recording. The log is owned by one Recorder per session
and is handed out only as copies.

Lifecycle:
- Start discards the previous log and begins recording
- Stop ends recording; the log stays readable until the next Start
- Start is rejected while a playback is running
*/
package core

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RecorderState is the recording lifecycle state.
type RecorderState int

const (
	RecorderIdle RecorderState = iota
	RecorderRecording
)

func (s RecorderState) String() string {
	if s == RecorderRecording {
		return "recording"
	}
	return "idle"
}

// MarshalJSON encodes the state by name.
func (s RecorderState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Recorder captures bus traffic into an ordered session log.
type Recorder struct {
	mu      sync.Mutex
	state   RecorderState
	entries []LogEntry
	last    time.Time

	playbackActive func() bool
	now            func() time.Time

	listenerMu sync.Mutex
	listeners  map[uint64]func(RecorderState)
	nextID     uint64

	logger  *logrus.Entry
	metrics *Metrics
}

// NewRecorder creates an idle recorder.
//
// Parameters:
//   - playbackActive: Reports whether a playback is running (may be nil)
//   - logger: Logger for lifecycle messages
//   - metrics: Optional metrics sink (may be nil)
//
// Returns:
//   - *Recorder: Idle recorder with an empty log
func NewRecorder(playbackActive func() bool, logger *logrus.Logger, metrics *Metrics) *Recorder {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if playbackActive == nil {
		playbackActive = func() bool { return false }
	}
	return &Recorder{
		entries:        []LogEntry{},
		playbackActive: playbackActive,
		now:            time.Now,
		listeners:      make(map[uint64]func(RecorderState)),
		logger:         logger.WithField("component", "recorder"),
		metrics:        metrics,
	}
}

// Start begins a fresh recording. Any previous log is discarded.
func (r *Recorder) Start() error {
	if r.playbackActive() {
		r.logger.Warn("Refusing to record while playback is active")
		return ErrPlaybackActive
	}

	r.mu.Lock()
	discarded := len(r.entries)
	r.entries = []LogEntry{}
	r.last = time.Time{}
	r.state = RecorderRecording
	r.mu.Unlock()

	r.logger.WithField("discardedEntries", discarded).Info("Recording started")
	r.broadcast(RecorderRecording)
	return nil
}

// Stop ends recording and keeps the captured log.
func (r *Recorder) Stop() {
	r.mu.Lock()
	wasRecording := r.state == RecorderRecording
	r.state = RecorderIdle
	count := len(r.entries)
	r.mu.Unlock()

	if !wasRecording {
		return
	}
	r.logger.WithField("entries", count).Info("Recording stopped")
	r.broadcast(RecorderIdle)
}

// State returns the current lifecycle state.
func (r *Recorder) State() RecorderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Logs returns a copy of the captured log.
func (r *Recorder) Logs() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LogEntry, len(r.entries))
	for i, e := range r.entries {
		e.Data = append(json.RawMessage(nil), e.Data...)
		out[i] = e
	}
	return out
}

// Save writes the log as a JSON array of entries.
func (r *Recorder) Save(w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(r.Logs()); err != nil {
		return fmt.Errorf("failed to write session log: %w", err)
	}
	return nil
}

// Subscribe registers fn for state changes. fn runs synchronously within
// Start and Stop.
func (r *Recorder) Subscribe(fn func(RecorderState)) *Subscription {
	r.listenerMu.Lock()
	r.nextID++
	id := r.nextID
	r.listeners[id] = fn
	r.listenerMu.Unlock()

	return newSubscription(func() {
		r.listenerMu.Lock()
		delete(r.listeners, id)
		r.listenerMu.Unlock()
	})
}

func (r *Recorder) broadcast(state RecorderState) {
	r.listenerMu.Lock()
	listeners := make([]func(RecorderState), 0, len(r.listeners))
	for _, fn := range r.listeners {
		listeners = append(listeners, fn)
	}
	r.listenerMu.Unlock()

	for _, fn := range listeners {
		fn(state)
	}
}

// ObserveEvent records stream updates, tool calls and error events.
func (r *Recorder) ObserveEvent(evt Event) {
	switch evt.Kind {
	case EventStream:
		r.append(LogStream, evt.Payload)
	case EventToolRequest:
		r.append(LogToolCall, evt.Payload)
	case EventError:
		r.append(LogError, evt.Payload)
	}
}

// ObserveCommand records prompts and tool outputs.
func (r *Recorder) ObserveCommand(command string, payload json.RawMessage) {
	switch command {
	case CommandChat, CommandStreamChat:
		r.append(LogPrompt, payload)
	case CommandSubmitToolOutput:
		r.append(LogToolOutput, payload)
	}
}

// ObserveResponse records the terminal response of a non-streaming chat.
func (r *Recorder) ObserveResponse(command string, response json.RawMessage) {
	if command == CommandChat {
		r.append(LogResponse, response)
	}
}

// ObserveError records failed backend commands.
func (r *Recorder) ObserveError(command string, err error) {
	data, _ := json.Marshal(map[string]string{
		"command": command,
		"message": err.Error(),
	})
	r.append(LogError, data)
}

func (r *Recorder) append(kind LogKind, data json.RawMessage) {
	r.mu.Lock()
	if r.state != RecorderRecording {
		r.mu.Unlock()
		return
	}
	ts := r.now().UTC()
	if ts.Before(r.last) {
		ts = r.last
	}
	r.last = ts
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	r.entries = append(r.entries, LogEntry{
		Timestamp: ts,
		Kind:      kind,
		Data:      append(json.RawMessage(nil), data...),
	})
	r.mu.Unlock()

	r.metrics.RecorderEntry(kind)
}

var _ Observer = (*Recorder)(nil)
