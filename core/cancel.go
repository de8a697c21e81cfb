/*
Package core provides in-flight tool execution tracking.

This file implements the ExecutionTracker, which records the cancel function
of every running tool execution keyed by request id. It backs status reporting
(which requests are still running) and cancellation on shutdown.
*/
package core

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Execution describes one running tool execution.
type Execution struct {
	RequestID string    `json:"requestId"`
	Tool      string    `json:"tool"`
	Started   time.Time `json:"started"`
}

type trackedExecution struct {
	Execution
	cancel context.CancelFunc
}

// ExecutionTracker tracks running tool executions and their cancel functions.
type ExecutionTracker struct {
	executions map[string]trackedExecution // Request ID to execution
	mutex      sync.RWMutex
}

// NewExecutionTracker creates an empty tracker.
func NewExecutionTracker() *ExecutionTracker {
	return &ExecutionTracker{
		executions: make(map[string]trackedExecution),
	}
}

// AddExecution registers a running execution.
//
// Parameters:
//   - requestID: Correlation id of the tool request
//   - tool: Tool name, for reporting
//   - cancel: Cancels the execution's context
func (et *ExecutionTracker) AddExecution(requestID, tool string, cancel context.CancelFunc) {
	et.mutex.Lock()
	defer et.mutex.Unlock()
	et.executions[requestID] = trackedExecution{
		Execution: Execution{RequestID: requestID, Tool: tool, Started: time.Now()},
		cancel:    cancel,
	}
}

// RemoveExecution stops tracking a finished execution.
func (et *ExecutionTracker) RemoveExecution(requestID string) {
	et.mutex.Lock()
	defer et.mutex.Unlock()
	delete(et.executions, requestID)
}

// CancelExecution cancels a running execution by request id.
//
// Returns:
//   - bool: true if the execution was found and cancelled
func (et *ExecutionTracker) CancelExecution(requestID string) bool {
	et.mutex.RLock()
	exec, exists := et.executions[requestID]
	et.mutex.RUnlock()

	if exists {
		exec.cancel()
		et.RemoveExecution(requestID)
		return true
	}
	return false
}

// CancelAll cancels every running execution and returns how many there were.
func (et *ExecutionTracker) CancelAll() int {
	et.mutex.Lock()
	defer et.mutex.Unlock()
	n := len(et.executions)
	for id, exec := range et.executions {
		exec.cancel()
		delete(et.executions, id)
	}
	return n
}

// GetActiveExecutions returns the running executions ordered by start time.
func (et *ExecutionTracker) GetActiveExecutions() []Execution {
	et.mutex.RLock()
	defer et.mutex.RUnlock()

	executions := make([]Execution, 0, len(et.executions))
	for _, exec := range et.executions {
		executions = append(executions, exec.Execution)
	}
	sort.Slice(executions, func(i, j int) bool {
		if executions[i].Started.Equal(executions[j].Started) {
			return executions[i].RequestID < executions[j].RequestID
		}
		return executions[i].Started.Before(executions[j].Started)
	})
	return executions
}
