package core

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func taskPayload(id, state string, turns ...string) json.RawMessage {
	history := make([]map[string]any, 0, len(turns))
	for i, text := range turns {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		history = append(history, map[string]any{
			"role":  role,
			"parts": []map[string]string{{"text": text}},
		})
	}
	task := map[string]any{
		"contextId": "ctx-1",
		"status":    map[string]string{"state": state},
		"history":   history,
	}
	if id != "" {
		task["id"] = id
	}
	raw, _ := json.Marshal(map[string]any{"Task": task})
	return raw
}

func TestAggregatorReplacesHistoryWithLongerSnapshot(t *testing.T) {
	agg := NewAggregator(quietLogger(), nil)

	agg.Apply(taskPayload("t1", "working", "hi"))
	change := agg.Apply(taskPayload("t1", "working", "hi", "hello", "more"))

	require.False(t, change.Dropped)
	snap := agg.Snapshot()
	require.Len(t, snap.History, 3)
	assert.Equal(t, "more", snap.History[2].Text())
	assert.Equal(t, "t1", snap.TaskID)
	assert.Equal(t, "ctx-1", snap.ContextID)
}

func TestAggregatorKeepsHistoryOverStaleSnapshot(t *testing.T) {
	agg := NewAggregator(quietLogger(), nil)

	agg.Apply(taskPayload("t1", "working", "hi", "hello", "more"))
	change := agg.Apply(taskPayload("t1", "failed", "hi"))

	assert.True(t, change.Stale)
	assert.False(t, change.Dropped)
	snap := agg.Snapshot()
	assert.Len(t, snap.History, 3)
	assert.Equal(t, StatusFailed, snap.Status)
	assert.True(t, change.Completed)
}

func TestAggregatorStaleSnapshotStillCompletes(t *testing.T) {
	agg := NewAggregator(quietLogger(), nil)

	agg.Apply(taskPayload("t1", "working", "hi"))
	pending := agg.Expect()
	agg.Apply(json.RawMessage(`{"Message":{"taskId":"t1","role":"agent","parts":[{"text":"partial answer"}]}}`))
	change := agg.Apply(taskPayload("t1", "completed", "hi"))

	assert.True(t, change.Stale)
	assert.True(t, change.Completed)
	assert.True(t, change.Focused)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	snap, err := pending.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, snap.Status)
	require.Len(t, snap.History, 2)
	assert.Equal(t, "partial answer", snap.History[1].Text())
}

func TestAggregatorPromotesDraftOnce(t *testing.T) {
	agg := NewAggregator(quietLogger(), nil)

	var created []string
	agg.OnChange(func(c Change) {
		if c.TaskCreated {
			created = append(created, c.Snapshot.TaskID)
		}
	})

	first := agg.Apply(taskPayload("t1", "working", "hi"))
	second := agg.Apply(taskPayload("t1", "working", "hi", "there"))

	assert.True(t, first.TaskCreated)
	assert.True(t, first.Focused)
	assert.False(t, second.TaskCreated)
	assert.Equal(t, []string{"t1"}, created)
	assert.Equal(t, "t1", agg.Snapshot().TaskID)
}

func TestAggregatorMessagesAppendWithoutDuplicates(t *testing.T) {
	agg := NewAggregator(quietLogger(), nil)

	msg := json.RawMessage(`{"Message":{"role":"assistant","messageId":"m1","parts":[{"text":"partial"}]}}`)
	agg.Apply(msg)
	agg.Apply(msg)
	agg.Apply(json.RawMessage(`{"Message":{"role":"assistant","messageId":"m2","parts":[{"text":"next"}]}}`))

	snap := agg.Snapshot()
	require.Len(t, snap.History, 2)
	assert.Equal(t, "partial", snap.History[0].Text())
	assert.Equal(t, "next", snap.History[1].Text())
	assert.Equal(t, StatusWorking, snap.Status)
}

func TestAggregatorOtherTaskDoesNotTouchFocus(t *testing.T) {
	agg := NewAggregator(quietLogger(), nil)
	agg.Apply(taskPayload("t1", "working", "hi"))

	change := agg.Apply(taskPayload("t2", "working", "elsewhere"))

	assert.False(t, change.Focused)
	assert.True(t, change.TaskCreated)
	assert.Equal(t, "t1", agg.Snapshot().TaskID)
	other, ok := agg.Task("t2")
	require.True(t, ok)
	assert.Equal(t, "elsewhere", other.History[0].Text())
}

func TestAggregatorCompletionResolvesPending(t *testing.T) {
	agg := NewAggregator(quietLogger(), nil)
	pending := agg.Expect()

	agg.Apply(taskPayload("t1", "working", "hi"))
	select {
	case <-pending.Done():
		t.Fatal("pending resolved before completion")
	default:
	}

	change := agg.Apply(taskPayload("t1", "completed", "hi", "answer"))
	assert.True(t, change.Completed)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	snap, err := pending.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, snap.Status)

	reply, ok := ExtractReply(snap)
	require.True(t, ok)
	assert.Equal(t, "answer", reply)
}

func TestAggregatorStatusUpdateCompletes(t *testing.T) {
	agg := NewAggregator(quietLogger(), nil)
	agg.Apply(taskPayload("t1", "working", "hi", "answer"))
	pending := agg.Expect()

	change := agg.Apply(json.RawMessage(`{"TaskStatusUpdate":{"taskId":"t1","status":{"state":"failed"}}}`))

	assert.True(t, change.Completed)
	select {
	case <-pending.Done():
	case <-time.After(time.Second):
		t.Fatal("pending not resolved")
	}
	assert.Equal(t, StatusFailed, agg.Snapshot().Status)
}

func TestAggregatorCanceledTaskDropsUpdates(t *testing.T) {
	agg := NewAggregator(quietLogger(), nil)
	agg.Apply(taskPayload("t1", "working", "hi"))

	agg.MarkCanceled("t1")
	change := agg.Apply(taskPayload("t1", "working", "hi", "late"))

	assert.True(t, change.Dropped)
	snap := agg.Snapshot()
	assert.Equal(t, StatusCanceled, snap.Status)
	assert.Len(t, snap.History, 1)
}

func TestAggregatorRawPayloadLeavesStateAlone(t *testing.T) {
	agg := NewAggregator(quietLogger(), nil)
	agg.Apply(taskPayload("t1", "working", "hi"))

	change := agg.Apply(json.RawMessage(`"just text"`))

	assert.Equal(t, ShapeRaw, change.Shape)
	assert.Equal(t, `"just text"`, string(change.Raw))
	assert.Len(t, agg.Snapshot().History, 1)
}

func TestAggregatorFocusAndReset(t *testing.T) {
	agg := NewAggregator(quietLogger(), nil)
	agg.Apply(taskPayload("t1", "completed", "hi", "bye"))

	loaded := TaskSnapshot{Status: StatusCompleted, History: []ConversationTurn{{Role: RoleUser, Content: []string{"old"}}}}
	snap := agg.Focus("t9", &loaded)
	assert.Equal(t, "t9", snap.TaskID)
	require.Len(t, snap.History, 1)

	draft := agg.Focus("", nil)
	assert.Empty(t, draft.TaskID)
	assert.Empty(t, draft.History)
	assert.Equal(t, StatusWorking, draft.Status)

	agg.Reset()
	_, ok := agg.Task("t1")
	assert.False(t, ok)
}

func TestAggregatorSnapshotIsACopy(t *testing.T) {
	agg := NewAggregator(quietLogger(), nil)
	agg.Apply(taskPayload("t1", "working", "hi"))

	snap := agg.Snapshot()
	snap.History[0].Content[0] = "mutated"

	assert.Equal(t, "hi", agg.Snapshot().History[0].Text())
}

func TestAggregatorForgetResolvesWithError(t *testing.T) {
	agg := NewAggregator(quietLogger(), nil)
	pending := agg.Expect()

	agg.Forget(pending, errBoom)
	_, err := pending.Wait(context.Background())
	assert.ErrorIs(t, err, errBoom)

	// A later completion must not panic on the forgotten request.
	agg.Apply(taskPayload("t1", "completed", "hi", "done"))
}

func TestExtractReply(t *testing.T) {
	_, ok := ExtractReply(TaskSnapshot{})
	assert.False(t, ok)

	reply, ok := ExtractReply(TaskSnapshot{History: []ConversationTurn{
		{Role: RoleUser, Content: []string{"q"}},
		{Role: RoleTool, Content: []string{"tool says"}},
		{Role: RoleUser, Content: []string{"again"}},
	}})
	require.True(t, ok)
	assert.Equal(t, "tool says", reply)

	_, ok = ExtractReply(TaskSnapshot{History: []ConversationTurn{{Role: RoleUser, Content: []string{"q"}}}})
	assert.False(t, ok)
}

func TestAggregatorNextExchangeParksFinishedTask(t *testing.T) {
	agg := NewAggregator(quietLogger(), nil)

	agg.Apply(taskPayload("t1", "completed", "hi", "ok"))
	cur := agg.NextExchange()
	assert.Equal(t, "t1", cur.TaskID)
	assert.Empty(t, agg.Snapshot().TaskID)

	change := agg.Apply(taskPayload("t1", "working", "hi", "ok", "again"))
	assert.True(t, change.Focused)
	assert.Equal(t, "t1", agg.Snapshot().TaskID)

	cur = agg.NextExchange()
	assert.Equal(t, "t1", cur.TaskID, "open task stays focused")
	assert.Equal(t, "t1", agg.Snapshot().TaskID)
}

func TestAggregatorNextExchangeLeavesCanceledTask(t *testing.T) {
	agg := NewAggregator(quietLogger(), nil)

	agg.Apply(taskPayload("t1", "working", "hi"))
	agg.MarkCanceled("t1")
	cur := agg.NextExchange()
	assert.Equal(t, StatusCanceled, cur.Status)

	change := agg.Apply(taskPayload("t1", "working", "hi", "late"))
	assert.True(t, change.Dropped)
	assert.Empty(t, agg.Snapshot().TaskID)
}
