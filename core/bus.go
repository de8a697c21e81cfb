/*
Package core provides the event pipeline that connects the agent backend to
client-side consumers.

This file implements the Bus. It carries named events from the backend (and
from playback) to subscribed handlers, and sends commands to the backend.

Dispatch model:
- One goroutine (Run) drains a FIFO queue and invokes handlers to completion,
  so handlers never run concurrently with each other
- Handlers for a kind run in subscription order
- Handler panics are recovered and logged
- Observers see every event and command before handlers do (session capture)
*/
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/panics"
)

// Source identifies where an event entered the pipeline.
type Source string

const (
	SourceBackend  Source = "backend"
	SourcePlayback Source = "playback"
	SourceLocal    Source = "local"
)

// Event is one named message flowing through the bus.
type Event struct {
	Kind    string
	Payload json.RawMessage
	Source  Source
}

// Handler processes one event. It runs on the bus goroutine.
type Handler func(ctx context.Context, evt Event)

// Transport sends commands to the backend. *transport.Client satisfies it.
type Transport interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// Observer passively sees traffic crossing the bus. Event callbacks run on the
// bus goroutine; command callbacks run on the caller of Send.
type Observer interface {
	ObserveEvent(evt Event)
	ObserveCommand(command string, payload json.RawMessage)
	ObserveResponse(command string, response json.RawMessage)
	ObserveError(command string, err error)
}

// Subscription releases a handler or observer registration. Unsubscribe is
// idempotent and safe on a nil receiver.
type Subscription struct {
	once    sync.Once
	release func()
}

func newSubscription(release func()) *Subscription {
	return &Subscription{release: release}
}

// Unsubscribe stops further deliveries to the registration.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}

type handlerEntry struct {
	id      uint64
	handler Handler
}

type observerEntry struct {
	id       uint64
	observer Observer
}

// queued is either an event or a barrier used by Sync.
type queued struct {
	evt     Event
	barrier chan struct{}
}

// Bus is the single dispatch point for backend and playback events.
type Bus struct {
	mu        sync.RWMutex
	handlers  map[string][]handlerEntry
	observers []observerEntry
	nextID    uint64
	transport Transport

	queue  chan queued
	done   chan struct{}
	closed sync.Once
	muted  atomic.Bool

	logger  *logrus.Entry
	metrics *Metrics
}

// NewBus creates a bus with a queue of the given capacity.
//
// Parameters:
//   - buffer: Queue capacity; producers block when it is full
//   - logger: Logger for dispatch failures
//   - metrics: Optional metrics sink (may be nil)
//
// Returns:
//   - *Bus: Bus ready for Run
func NewBus(buffer int, logger *logrus.Logger, metrics *Metrics) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Bus{
		handlers: make(map[string][]handlerEntry),
		queue:    make(chan queued, buffer),
		done:     make(chan struct{}),
		logger:   logger.WithField("component", "bus"),
		metrics:  metrics,
	}
}

// SetTransport attaches (or detaches, with nil) the backend transport.
func (b *Bus) SetTransport(t Transport) {
	b.mu.Lock()
	b.transport = t
	b.mu.Unlock()
}

// Subscribe registers handler for kind. Multiple handlers per kind are allowed.
func (b *Bus) Subscribe(kind string, handler Handler) *Subscription {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[kind] = append(b.handlers[kind], handlerEntry{id: id, handler: handler})
	b.mu.Unlock()

	return newSubscription(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.handlers[kind]
		for i, e := range entries {
			if e.id == id {
				b.handlers[kind] = append(entries[:i:i], entries[i+1:]...)
				break
			}
		}
		if len(b.handlers[kind]) == 0 {
			delete(b.handlers, kind)
		}
	})
}

// Observe registers a passive observer of all traffic.
func (b *Bus) Observe(o Observer) *Subscription {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.observers = append(b.observers, observerEntry{id: id, observer: o})
	b.mu.Unlock()

	return newSubscription(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, e := range b.observers {
			if e.id == id {
				b.observers = append(b.observers[:i:i], b.observers[i+1:]...)
				break
			}
		}
	})
}

// Emit enqueues a locally produced event.
func (b *Bus) Emit(ctx context.Context, kind string, payload any) error {
	raw, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	return b.Publish(ctx, Event{Kind: kind, Payload: raw, Source: SourceLocal})
}

// TryEmit enqueues a locally produced event without blocking. It is safe to
// call from handlers running on the bus goroutine. Events that do not fit in
// the queue are dropped and reported false.
func (b *Bus) TryEmit(kind string, payload any) bool {
	raw, err := encodePayload(payload)
	if err != nil {
		b.logger.WithError(err).WithField("kind", kind).Error("Failed to encode event payload")
		return false
	}
	select {
	case b.queue <- queued{evt: Event{Kind: kind, Payload: raw, Source: SourceLocal}}:
		return true
	case <-b.done:
		return false
	default:
		b.logger.WithField("kind", kind).Warn("Bus queue full, dropping local event")
		return false
	}
}

// Publish enqueues evt, blocking while the queue is full.
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	select {
	case b.queue <- queued{evt: evt}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return fmt.Errorf("bus is closed")
	}
}

// Deliver accepts a backend event. It matches transport.NotificationHandler.
// Events arriving while inbound delivery is muted (during playback) are dropped.
func (b *Bus) Deliver(kind string, payload json.RawMessage) {
	if b.muted.Load() {
		b.logger.WithField("kind", kind).Debug("Dropping backend event during playback")
		return
	}
	evt := Event{Kind: kind, Payload: append(json.RawMessage(nil), payload...), Source: SourceBackend}
	select {
	case b.queue <- queued{evt: evt}:
	case <-b.done:
	}
}

// MuteInbound stops (or resumes) delivery of backend events.
func (b *Bus) MuteInbound(muted bool) {
	b.muted.Store(muted)
}

// Sync blocks until every event enqueued before the call has been dispatched.
func (b *Bus) Sync(ctx context.Context) error {
	barrier := make(chan struct{})
	select {
	case b.queue <- queued{barrier: barrier}:
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return fmt.Errorf("bus is closed")
	}
	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return fmt.Errorf("bus is closed")
	}
}

// Run dispatches queued events until ctx is canceled or Close is called.
func (b *Bus) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return nil
		case item := <-b.queue:
			if item.barrier != nil {
				close(item.barrier)
				continue
			}
			b.dispatch(ctx, item.evt)
		}
	}
}

// Close stops Run and releases every subscription.
func (b *Bus) Close() {
	b.closed.Do(func() {
		close(b.done)
		b.mu.Lock()
		b.handlers = make(map[string][]handlerEntry)
		b.observers = nil
		b.mu.Unlock()
	})
}

func (b *Bus) dispatch(ctx context.Context, evt Event) {
	b.mu.RLock()
	observers := append([]observerEntry(nil), b.observers...)
	handlers := append([]handlerEntry(nil), b.handlers[evt.Kind]...)
	b.mu.RUnlock()

	for _, o := range observers {
		b.safely(evt.Kind, func() { o.observer.ObserveEvent(evt) })
	}

	if len(handlers) == 0 {
		b.logger.WithField("kind", evt.Kind).Debug("No handler for event")
		return
	}
	for _, h := range handlers {
		b.safely(evt.Kind, func() { h.handler(ctx, evt) })
	}
}

func (b *Bus) safely(kind string, fn func()) {
	var pc panics.Catcher
	pc.Try(fn)
	if r := pc.Recovered(); r != nil {
		b.logger.WithFields(logrus.Fields{
			"kind":  kind,
			"panic": fmt.Sprint(r.Value),
		}).Error("Event handler panicked")
	}
}

// Send issues a command to the backend and returns its response. Transport
// failures wrap ErrTransport, are logged, and are never retried.
func (b *Bus) Send(ctx context.Context, command string, payload any) (json.RawMessage, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", command, err)
	}

	b.mu.RLock()
	observers := append([]observerEntry(nil), b.observers...)
	t := b.transport
	b.mu.RUnlock()

	for _, o := range observers {
		b.safely(command, func() { o.observer.ObserveCommand(command, raw) })
	}

	startTime := time.Now()
	var resp json.RawMessage
	if t == nil {
		err = fmt.Errorf("%w: %s: %w", ErrTransport, command, ErrNotConnected)
	} else if resp, err = t.Call(ctx, command, raw); err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrTransport, command, err)
	}

	if err != nil {
		b.metrics.TransportError(command)
		b.logger.WithError(err).WithFields(logrus.Fields{
			"command":  command,
			"duration": time.Since(startTime),
		}).Error("Backend command failed")
		for _, o := range observers {
			b.safely(command, func() { o.observer.ObserveError(command, err) })
		}
		return nil, err
	}

	for _, o := range observers {
		b.safely(command, func() { o.observer.ObserveResponse(command, resp) })
	}
	b.logger.WithFields(logrus.Fields{
		"command":  command,
		"duration": time.Since(startTime),
	}).Debug("Backend command completed")
	return resp, nil
}

// encodePayload accepts raw JSON as-is and marshals anything else.
func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage("null"), nil
		}
		return p, nil
	case []byte:
		if len(p) == 0 {
			return json.RawMessage("null"), nil
		}
		return json.RawMessage(p), nil
	default:
		return json.Marshal(payload)
	}
}
