package core

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// TaskList keeps the latest task list of the backend fresh by polling
// listTasks on a cancellable ticker.
type TaskList struct {
	backend  *Backend
	interval time.Duration
	scope    func() string // context id to list, empty for all

	mutex   sync.RWMutex
	tasks   []TaskSnapshot
	updated time.Time
	lastErr error

	logger *logrus.Logger
}

// NewTaskList creates a refresher. scope may be nil.
//
// Parameters:
//   - backend: Backend call surface
//   - interval: Polling interval
//   - scope: Returns the context id to list, or "" for every task
//   - logger: Logger for refresh failures
//
// Returns:
//   - *TaskList: Refresher holding an empty list until the first refresh
func NewTaskList(backend *Backend, interval time.Duration, scope func() string, logger *logrus.Logger) *TaskList {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if scope == nil {
		scope = func() string { return "" }
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &TaskList{
		backend:  backend,
		interval: interval,
		scope:    scope,
		tasks:    []TaskSnapshot{},
		logger:   logger,
	}
}

// Run refreshes immediately and then on every tick until ctx is canceled.
// Refresh failures are logged and retried on the next tick.
func (t *TaskList) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	_ = t.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_ = t.Refresh(ctx)
		}
	}
}

// Refresh fetches the task list once.
func (t *TaskList) Refresh(ctx context.Context) error {
	contextID := t.scope()
	tasks, err := t.backend.ListTasks(ctx, contextID)

	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.lastErr = err
	if err != nil {
		t.logger.WithError(err).WithField("contextId", contextID).Warn("Task list refresh failed")
		return err
	}

	changed := len(tasks) != len(t.tasks)
	t.tasks = tasks
	t.updated = time.Now()
	if changed {
		t.logger.WithFields(logrus.Fields{
			"tasks":     len(tasks),
			"contextId": contextID,
			"interval":  t.interval,
		}).Info("Task list updated")
	}
	return nil
}

// Tasks returns a copy of the latest list.
func (t *TaskList) Tasks() []TaskSnapshot {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	out := make([]TaskSnapshot, len(t.tasks))
	for i, task := range t.tasks {
		out[i] = task.Clone()
	}
	return out
}

// Stats reports list freshness for the status endpoint.
func (t *TaskList) Stats() map[string]interface{} {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	stats := map[string]interface{}{
		"tasks":    len(t.tasks),
		"interval": t.interval.String(),
	}
	if !t.updated.IsZero() {
		stats["updated"] = t.updated
	}
	if t.lastErr != nil {
		stats["lastError"] = t.lastErr.Error()
	}
	return stats
}
