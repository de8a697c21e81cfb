package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskListRefresh(t *testing.T) {
	transport := newFakeTransport()
	transport.respond(CommandListTasks, `[{"id":"t1","status":"working"},{"id":"t2","status":"failed"}]`)
	bus := NewBus(8, quietLogger(), nil)
	bus.SetTransport(transport)

	list := NewTaskList(NewBackend(bus, quietLogger()), time.Hour, func() string { return "ctx-1" }, quietLogger())
	assert.Empty(t, list.Tasks())

	require.NoError(t, list.Refresh(context.Background()))
	tasks := list.Tasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, StatusFailed, tasks[1].Status)

	sent := transport.commands(CommandListTasks)
	require.Len(t, sent, 1)
	assert.JSONEq(t, `{"contextId":"ctx-1"}`, string(sent[0]))

	stats := list.Stats()
	assert.Equal(t, 2, stats["tasks"])
	assert.Contains(t, stats, "updated")
	assert.NotContains(t, stats, "lastError")
}

func TestTaskListKeepsLastListOnFailure(t *testing.T) {
	transport := newFakeTransport()
	transport.respond(CommandListTasks, `{"tasks":[{"id":"t1"}]}`)
	bus := NewBus(8, quietLogger(), nil)
	bus.SetTransport(transport)
	list := NewTaskList(NewBackend(bus, quietLogger()), time.Hour, nil, quietLogger())

	require.NoError(t, list.Refresh(context.Background()))
	transport.fail(CommandListTasks, errBoom)
	err := list.Refresh(context.Background())

	assert.ErrorIs(t, err, ErrTransport)
	assert.Len(t, list.Tasks(), 1)
	assert.Contains(t, list.Stats(), "lastError")
}

func TestTaskListRunPollsUntilCanceled(t *testing.T) {
	transport := newFakeTransport()
	transport.respond(CommandListTasks, `[]`)
	bus := NewBus(8, quietLogger(), nil)
	bus.SetTransport(transport)
	list := NewTaskList(NewBackend(bus, quietLogger()), 10*time.Millisecond, nil, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- list.Run(ctx) }()

	require.True(t, waitFor(func() bool { return len(transport.commands(CommandListTasks)) >= 3 }))
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("task list did not stop")
	}
}
