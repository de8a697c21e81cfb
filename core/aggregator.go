package core

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"
)

// Change describes the effect of one applied update. Snapshot is a deep copy
// of the fully merged thread; consumers never see a partial merge.
type Change struct {
	Shape       Shape
	Snapshot    TaskSnapshot
	Focused     bool // the update touched the focused thread
	TaskCreated bool // a task id was promoted for the first time
	Completed   bool // status moved into completed or failed
	Stale       bool // shorter history ignored; status still applied
	Dropped     bool // canceled task; nothing changed
	Raw         json.RawMessage
}

// Pending resolves when the focused thread next completes or fails.
type Pending struct {
	done     chan struct{}
	once     sync.Once
	snapshot TaskSnapshot
	err      error
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

func (p *Pending) resolve(snap TaskSnapshot, err error) {
	p.once.Do(func() {
		p.snapshot = snap
		p.err = err
		close(p.done)
	})
}

// Done is closed once the pending request resolves.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until resolution or ctx cancellation.
func (p *Pending) Wait(ctx context.Context) (TaskSnapshot, error) {
	select {
	case <-p.done:
		return p.snapshot, p.err
	case <-ctx.Done():
		return TaskSnapshot{}, ctx.Err()
	}
}

// Aggregator folds stream updates into per-thread snapshots.
//
// One thread is focused: updates without a task id apply to it, and a draft
// focused thread (no id yet) adopts the first id it sees. Updates for other ids
// are kept per task without touching the focused view.
type Aggregator struct {
	mu        sync.Mutex
	threads   map[string]TaskSnapshot
	draft     TaskSnapshot
	focus     string
	resume    string // finished task the focused draft may resume
	announced map[string]struct{}
	canceled  map[string]struct{}
	pending   []*Pending

	listenerMu sync.RWMutex
	listeners  map[uint64]func(Change)
	nextID     uint64

	logger  *logrus.Entry
	metrics *Metrics
}

// NewAggregator creates an aggregator focused on a new draft thread.
func NewAggregator(logger *logrus.Logger, metrics *Metrics) *Aggregator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	a := &Aggregator{
		listeners: make(map[uint64]func(Change)),
		logger:    logger.WithField("component", "aggregator"),
		metrics:   metrics,
	}
	a.resetLocked()
	return a
}

func (a *Aggregator) resetLocked() {
	a.threads = make(map[string]TaskSnapshot)
	a.draft = TaskSnapshot{Status: StatusWorking, History: []ConversationTurn{}}
	a.focus = ""
	a.resume = ""
	a.announced = make(map[string]struct{})
	a.canceled = make(map[string]struct{})
}

// OnChange registers a listener called after every applied update, outside
// the aggregator's lock.
func (a *Aggregator) OnChange(fn func(Change)) *Subscription {
	a.listenerMu.Lock()
	a.nextID++
	id := a.nextID
	a.listeners[id] = fn
	a.listenerMu.Unlock()

	return newSubscription(func() {
		a.listenerMu.Lock()
		delete(a.listeners, id)
		a.listenerMu.Unlock()
	})
}

// Snapshot returns a copy of the focused thread.
func (a *Aggregator) Snapshot() TaskSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.focusedLocked().Clone()
}

// Task returns a copy of the thread held for id.
func (a *Aggregator) Task(id string) (TaskSnapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	snap, ok := a.threads[id]
	if !ok {
		return TaskSnapshot{}, false
	}
	return snap.Clone(), true
}

// Focus switches the focused thread. An empty id starts a new draft; a loaded
// snapshot (e.g. from getTask) seeds the thread when none is held yet.
func (a *Aggregator) Focus(id string, loaded *TaskSnapshot) TaskSnapshot {
	a.mu.Lock()
	a.resume = ""
	if id == "" {
		a.draft = TaskSnapshot{Status: StatusWorking, History: []ConversationTurn{}}
		a.focus = ""
	} else {
		if _, held := a.threads[id]; !held && loaded != nil {
			snap := loaded.Clone()
			snap.TaskID = id
			a.threads[id] = snap
			a.announced[id] = struct{}{}
		}
		if _, held := a.threads[id]; !held {
			a.threads[id] = TaskSnapshot{TaskID: id, Status: StatusWorking, History: []ConversationTurn{}}
			a.announced[id] = struct{}{}
		}
		a.focus = id
	}
	snap := a.focusedLocked().Clone()
	a.mu.Unlock()

	a.notify(Change{Shape: ShapeTask, Snapshot: snap, Focused: true})
	return snap
}

// NextExchange prepares the focused thread for a new prompt and returns the
// thread the prompt continues. A completed or failed focused task is parked:
// focus moves to a new draft that either adopts the next new task id or
// returns to the parked task when the backend answers on its id. A canceled
// task is left behind entirely.
func (a *Aggregator) NextExchange() TaskSnapshot {
	a.mu.Lock()
	cur := a.focusedLocked().Clone()
	if cur.TaskID == "" || !cur.Status.Terminal() {
		a.mu.Unlock()
		return cur
	}
	a.draft = TaskSnapshot{Status: StatusWorking, History: []ConversationTurn{}}
	a.focus = ""
	a.resume = ""
	if cur.Status != StatusCanceled {
		a.resume = cur.TaskID
	}
	snap := a.draft.Clone()
	a.mu.Unlock()

	a.notify(Change{Shape: ShapeTask, Snapshot: snap, Focused: true})
	return cur
}

// Expect registers a pending request resolved by the next completion of the
// focused thread.
func (a *Aggregator) Expect() *Pending {
	p := newPending()
	a.mu.Lock()
	a.pending = append(a.pending, p)
	a.mu.Unlock()
	return p
}

// Forget drops a pending request that will never be answered.
func (a *Aggregator) Forget(p *Pending, err error) {
	a.mu.Lock()
	for i, q := range a.pending {
		if q == p {
			a.pending = append(a.pending[:i:i], a.pending[i+1:]...)
			break
		}
	}
	a.mu.Unlock()
	p.resolve(TaskSnapshot{}, err)
}

// Reset discards every thread and starts a new draft. Pending requests stay
// registered.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.resetLocked()
	snap := a.focusedLocked().Clone()
	a.mu.Unlock()

	a.notify(Change{Shape: ShapeTask, Snapshot: snap, Focused: true})
}

// MarkCanceled treats id as terminal: its status becomes canceled and later
// updates for it are discarded.
func (a *Aggregator) MarkCanceled(id string) {
	if id == "" {
		return
	}
	a.mu.Lock()
	a.canceled[id] = struct{}{}
	snap, held := a.threads[id]
	if held {
		snap = snap.Clone()
		snap.Status = StatusCanceled
		a.threads[id] = snap
	}
	focused := id == a.focus
	a.mu.Unlock()

	a.logger.WithField("taskId", id).Info("Task marked canceled")
	if held {
		a.notify(Change{Shape: ShapeStatus, Snapshot: snap.Clone(), Focused: focused})
	}
}

// Apply normalizes and merges one stream payload.
func (a *Aggregator) Apply(payload json.RawMessage) Change {
	return a.ApplyUpdate(Normalize(payload))
}

// ApplyUpdate merges an already normalized update.
func (a *Aggregator) ApplyUpdate(u Update) Change {
	a.metrics.StreamUpdate(u.Shape)

	if u.Shape == ShapeRaw {
		a.logger.WithField("payload", truncateForLog(string(u.Raw), 200)).Warn("Unrecognized stream payload surfaced as raw content")
		change := Change{Shape: ShapeRaw, Raw: u.Raw}
		a.notify(change)
		return change
	}

	a.mu.Lock()

	prev, key, promote := a.targetLocked(u.TaskID)
	if _, gone := a.canceled[firstNonEmpty(key, u.TaskID)]; gone {
		a.mu.Unlock()
		a.metrics.DroppedUpdate("canceled")
		a.logger.WithField("taskId", firstNonEmpty(key, u.TaskID)).Debug("Dropping update for canceled task")
		return Change{Shape: u.Shape, Dropped: true}
	}
	next, stale := merge(prev, u)
	if stale {
		a.metrics.DroppedUpdate("stale")
		a.logger.WithFields(logrus.Fields{
			"taskId":     firstNonEmpty(key, u.TaskID),
			"heldTurns":  len(prev.History),
			"staleTurns": len(u.History),
			"status":     u.Status,
		}).Warn("Keeping held history over stale snapshot with shorter history")
	}

	change := Change{Shape: u.Shape, Stale: stale}
	if promote {
		next.TaskID = u.TaskID
		key = u.TaskID
		a.draft = TaskSnapshot{Status: StatusWorking, History: []ConversationTurn{}}
		a.focus = u.TaskID
		a.resume = ""
	}
	if key == "" {
		a.draft = next
	} else {
		a.threads[key] = next
		if _, seen := a.announced[key]; !seen {
			a.announced[key] = struct{}{}
			change.TaskCreated = true
		}
	}

	change.Focused = key == a.focus
	change.Snapshot = next.Clone()
	change.Completed = (next.Status == StatusCompleted || next.Status == StatusFailed) &&
		(!prev.Status.Terminal() || len(next.History) > len(prev.History))

	var resolved []*Pending
	if change.Completed && change.Focused {
		resolved = a.pending
		a.pending = nil
	}
	a.mu.Unlock()

	if change.TaskCreated {
		a.logger.WithField("taskId", key).Info("Task id assigned")
	}
	for _, p := range resolved {
		p.resolve(change.Snapshot.Clone(), nil)
	}
	a.notify(change)
	return change
}

// targetLocked picks the thread an update applies to. promote is set when the
// focused draft adopts id. An update for the parked task moves focus back to
// it.
func (a *Aggregator) targetLocked(id string) (prev TaskSnapshot, key string, promote bool) {
	switch {
	case id == "":
		return a.focusedLocked(), a.focus, false
	case a.focus == "":
		if held, ok := a.threads[id]; ok {
			if id == a.resume {
				a.draft = TaskSnapshot{Status: StatusWorking, History: []ConversationTurn{}}
				a.focus = id
				a.resume = ""
			}
			return held, id, false
		}
		return a.draft, "", true
	default:
		if held, ok := a.threads[id]; ok {
			return held, id, false
		}
		return TaskSnapshot{TaskID: id, Status: StatusWorking, History: []ConversationTurn{}}, id, false
	}
}

func (a *Aggregator) focusedLocked() TaskSnapshot {
	if a.focus == "" {
		return a.draft
	}
	return a.threads[a.focus]
}

func (a *Aggregator) notify(change Change) {
	a.listenerMu.RLock()
	listeners := make([]func(Change), 0, len(a.listeners))
	for _, fn := range a.listeners {
		listeners = append(listeners, fn)
	}
	a.listenerMu.RUnlock()

	for _, fn := range listeners {
		fn(change)
	}
}

// merge applies u to prev. A full snapshot whose history is shorter than the
// one held keeps the held history and reports stale; its status and context
// still apply.
func merge(prev TaskSnapshot, u Update) (next TaskSnapshot, stale bool) {
	next = prev.Clone()
	if u.ContextID != "" {
		next.ContextID = u.ContextID
	}
	if u.TaskID != "" {
		next.TaskID = u.TaskID
	}

	switch u.Shape {
	case ShapeTask, ShapeFlatTask:
		if u.HasHistory {
			if len(u.History) < len(prev.History) {
				stale = true
			} else {
				next.History = TaskSnapshot{History: u.History}.Clone().History
			}
		}
		if u.Status != "" {
			next.Status = u.Status
		}
	case ShapeStatus:
		if u.Status != "" {
			next.Status = u.Status
		}
	case ShapeMessage:
		if u.Message != nil && !containsTurn(next.History, *u.Message) {
			turn := *u.Message
			turn.Content = append([]string(nil), turn.Content...)
			next.History = append(next.History, turn)
		}
	}
	if next.Status == "" {
		next.Status = StatusWorking
	}
	return next, stale
}

func containsTurn(history []ConversationTurn, turn ConversationTurn) bool {
	if turn.MessageID != "" {
		for _, t := range history {
			if t.MessageID == turn.MessageID {
				return true
			}
		}
		return false
	}
	return len(history) > 0 && history[len(history)-1].equal(turn)
}

// ExtractReply returns the text to surface for a finished exchange: the last
// turn when the assistant wrote it, otherwise the last non-user turn. It
// reports false when no such turn exists.
func ExtractReply(snap TaskSnapshot) (string, bool) {
	if len(snap.History) == 0 {
		return "", false
	}
	if last := snap.History[len(snap.History)-1]; last.Role == RoleAssistant {
		return last.Text(), true
	}
	for i := len(snap.History) - 1; i >= 0; i-- {
		if snap.History[i].Role != RoleUser {
			return snap.History[i].Text(), true
		}
	}
	return "", false
}
