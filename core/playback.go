package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// PlaybackState is the replay lifecycle state.
type PlaybackState int32

const (
	PlaybackIdle PlaybackState = iota
	PlaybackLoading
	PlaybackPlaying
)

func (s PlaybackState) String() string {
	switch s {
	case PlaybackLoading:
		return "loading"
	case PlaybackPlaying:
		return "playing"
	default:
		return "idle"
	}
}

// MarshalJSON encodes the state by name.
func (s PlaybackState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Playback re-delivers a saved session through the bus in place of live
// backend events. Only one playback runs at a time and it cannot be paused.
type Playback struct {
	bus   *Bus
	delay time.Duration
	state atomic.Int32

	logger  *logrus.Entry
	metrics *Metrics
}

// NewPlayback creates an idle playback engine publishing on bus with delay
// between entries.
func NewPlayback(bus *Bus, delay time.Duration, logger *logrus.Logger, metrics *Metrics) *Playback {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Playback{
		bus:     bus,
		delay:   delay,
		logger:  logger.WithField("component", "playback"),
		metrics: metrics,
	}
}

// State returns the current lifecycle state.
func (p *Playback) State() PlaybackState {
	return PlaybackState(p.state.Load())
}

// Active reports whether a playback is loading or playing.
func (p *Playback) Active() bool {
	return p.State() != PlaybackIdle
}

// ParseLog decodes a saved session and keeps the replayable entries.
// The input must be a JSON array of entry objects with non-decreasing
// timestamps; entries without a timestamp are accepted in place.
func ParseLog(data []byte) ([]LogEntry, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("%w: expected a JSON array of entries: %v", ErrPlaybackParse, err)
	}

	entries := make([]LogEntry, 0, len(items))
	var last time.Time
	for i, item := range items {
		if !isObject(item) {
			return nil, fmt.Errorf("%w: entry %d is not an object", ErrPlaybackParse, i)
		}
		var entry LogEntry
		if err := json.Unmarshal(item, &entry); err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrPlaybackParse, i, err)
		}
		if !entry.Timestamp.IsZero() {
			if entry.Timestamp.Before(last) {
				return nil, fmt.Errorf("%w: entry %d is out of order (%s before %s)", ErrPlaybackParse, i,
					entry.Timestamp.Format(time.RFC3339Nano), last.Format(time.RFC3339Nano))
			}
			last = entry.Timestamp
		}
		if !entry.Kind.Replayable() {
			continue
		}
		if len(bytes.TrimSpace(entry.Data)) == 0 {
			entry.Data = json.RawMessage("null")
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Start validates data and begins replaying it in the background. Parse
// failures are returned directly and leave every consumer untouched. The
// returned channel yields the outcome of the replay once it finishes.
func (p *Playback) Start(ctx context.Context, data []byte) (<-chan error, error) {
	if !p.state.CompareAndSwap(int32(PlaybackIdle), int32(PlaybackLoading)) {
		return nil, ErrPlaybackActive
	}

	entries, err := ParseLog(data)
	if err != nil {
		p.state.Store(int32(PlaybackIdle))
		p.metrics.PlaybackRun("parse_error")
		p.logger.WithError(err).Error("Rejected session log")
		return nil, err
	}

	p.state.Store(int32(PlaybackPlaying))
	p.bus.MuteInbound(true)
	p.logger.WithFields(logrus.Fields{
		"entries": len(entries),
		"delay":   p.delay,
	}).Info("Playback started")

	done := make(chan error, 1)
	go func() {
		err := p.play(ctx, entries)
		p.bus.MuteInbound(false)
		p.state.Store(int32(PlaybackIdle))

		switch {
		case err == nil:
			p.metrics.PlaybackRun("completed")
			p.logger.WithField("entries", len(entries)).Info("Playback completed")
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			p.metrics.PlaybackRun("aborted")
			p.logger.WithError(err).Warn("Playback aborted")
		default:
			p.metrics.PlaybackRun("failed")
			p.logger.WithError(err).Error("Playback failed")
		}
		done <- err
	}()
	return done, nil
}

// Run replays data and blocks until every entry has been dispatched.
func (p *Playback) Run(ctx context.Context, data []byte) error {
	done, err := p.Start(ctx, data)
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// The replay goroutine observes the same context and returns shortly.
		<-done
		return ctx.Err()
	}
}

func (p *Playback) play(ctx context.Context, entries []LogEntry) error {
	start, _ := json.Marshal(map[string]int{"entries": len(entries)})
	if err := p.bus.Publish(ctx, Event{Kind: EventPlaybackStart, Payload: start, Source: SourcePlayback}); err != nil {
		return err
	}

	for i, entry := range entries {
		if i > 0 && p.delay > 0 {
			timer := time.NewTimer(p.delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		payload, err := json.Marshal(PlaybackEntry{Kind: entry.Kind, Data: entry.Data})
		if err != nil {
			return fmt.Errorf("failed to encode entry %d: %w", i, err)
		}
		if err := p.bus.Publish(ctx, Event{Kind: EventPlayback, Payload: payload, Source: SourcePlayback}); err != nil {
			return err
		}
	}

	// Consumers have applied every entry once Sync returns.
	return p.bus.Sync(ctx)
}
