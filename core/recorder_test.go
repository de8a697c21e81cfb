package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCapturesWhileRecording(t *testing.T) {
	rec := NewRecorder(nil, quietLogger(), nil)

	rec.ObserveEvent(Event{Kind: EventStream, Payload: json.RawMessage(`{"dropped":true}`)})
	assert.Empty(t, rec.Logs(), "idle recorder must not capture")

	require.NoError(t, rec.Start())
	rec.ObserveCommand(CommandStreamChat, json.RawMessage(`{"message":"hi"}`))
	rec.ObserveEvent(Event{Kind: EventStream, Payload: json.RawMessage(`{"a":1}`)})
	rec.ObserveEvent(Event{Kind: EventToolRequest, Payload: json.RawMessage(`{"requestId":"r1"}`)})
	rec.Stop()

	rec.ObserveEvent(Event{Kind: EventStream, Payload: json.RawMessage(`{"late":true}`)})

	logs := rec.Logs()
	require.Len(t, logs, 3)
	assert.Equal(t, LogPrompt, logs[0].Kind)
	assert.Equal(t, LogStream, logs[1].Kind)
	assert.Equal(t, LogToolCall, logs[2].Kind)
	assert.JSONEq(t, `{"a":1}`, string(logs[1].Data))

	require.NoError(t, rec.Start())
	assert.Empty(t, rec.Logs(), "start discards the previous log")
}

func TestRecorderClassifiesTraffic(t *testing.T) {
	rec := NewRecorder(nil, quietLogger(), nil)
	require.NoError(t, rec.Start())

	rec.ObserveCommand(CommandChat, json.RawMessage(`{"message":"q"}`))
	rec.ObserveResponse(CommandChat, json.RawMessage(`{"Task":{}}`))
	rec.ObserveCommand(CommandSubmitToolOutput, json.RawMessage(`{"requestId":"r1"}`))
	rec.ObserveResponse(CommandSubmitToolOutput, json.RawMessage(`{}`))
	rec.ObserveCommand(CommandListTasks, json.RawMessage(`{}`))
	rec.ObserveEvent(Event{Kind: EventError, Payload: json.RawMessage(`{"message":"x"}`)})
	rec.ObserveEvent(Event{Kind: EventPlayback, Payload: json.RawMessage(`{}`)})
	rec.ObserveError(CommandGetTask, errors.New("offline"))

	var kinds []LogKind
	for _, e := range rec.Logs() {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []LogKind{LogPrompt, LogResponse, LogToolOutput, LogError, LogError}, kinds)
	assert.JSONEq(t, `{"command":"get_task","message":"offline"}`, string(rec.Logs()[4].Data))
}

func TestRecorderTimestampsNeverDecrease(t *testing.T) {
	rec := NewRecorder(nil, quietLogger(), nil)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	times := []time.Time{base, base.Add(-time.Second), base.Add(time.Second)}
	i := 0
	rec.now = func() time.Time {
		ts := times[i]
		i++
		return ts
	}

	require.NoError(t, rec.Start())
	for range times {
		rec.ObserveEvent(Event{Kind: EventStream, Payload: json.RawMessage(`{}`)})
	}

	logs := rec.Logs()
	require.Len(t, logs, 3)
	assert.Equal(t, base, logs[0].Timestamp)
	assert.Equal(t, base, logs[1].Timestamp)
	assert.Equal(t, base.Add(time.Second), logs[2].Timestamp)
}

func TestRecorderRejectsStartDuringPlayback(t *testing.T) {
	playing := true
	rec := NewRecorder(func() bool { return playing }, quietLogger(), nil)

	assert.ErrorIs(t, rec.Start(), ErrPlaybackActive)
	assert.Equal(t, RecorderIdle, rec.State())

	playing = false
	require.NoError(t, rec.Start())
	assert.Equal(t, RecorderRecording, rec.State())
}

func TestRecorderBroadcastsStateChanges(t *testing.T) {
	rec := NewRecorder(nil, quietLogger(), nil)

	var states []RecorderState
	sub := rec.Subscribe(func(s RecorderState) { states = append(states, s) })

	require.NoError(t, rec.Start())
	rec.Stop()
	rec.Stop() // already idle; no broadcast
	sub.Unsubscribe()
	require.NoError(t, rec.Start())

	assert.Equal(t, []RecorderState{RecorderRecording, RecorderIdle}, states)
}

func TestRecorderLogsAreCopies(t *testing.T) {
	rec := NewRecorder(nil, quietLogger(), nil)
	require.NoError(t, rec.Start())
	rec.ObserveEvent(Event{Kind: EventStream, Payload: json.RawMessage(`{"a":1}`)})

	logs := rec.Logs()
	logs[0].Data[2] = 'b'
	logs[0].Kind = LogError

	fresh := rec.Logs()
	assert.Equal(t, LogStream, fresh[0].Kind)
	assert.JSONEq(t, `{"a":1}`, string(fresh[0].Data))
}

func TestRecorderSaveRoundTripsThroughParseLog(t *testing.T) {
	rec := NewRecorder(nil, quietLogger(), nil)
	require.NoError(t, rec.Start())
	rec.ObserveCommand(CommandStreamChat, json.RawMessage(`{"message":"hi"}`))
	rec.ObserveEvent(Event{Kind: EventStream, Payload: json.RawMessage(`{"Task":{"id":"t1","history":[]}}`)})
	rec.ObserveResponse(CommandChat, json.RawMessage(`{}`))
	rec.Stop()

	var buf bytes.Buffer
	require.NoError(t, rec.Save(&buf))

	var raw []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &raw))
	require.Len(t, raw, 3)
	assert.Equal(t, "prompt", raw[0]["type"])
	assert.Contains(t, raw[0], "timestamp")

	entries, err := ParseLog(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, entries, 2, "responses are not replayed")
	assert.Equal(t, LogPrompt, entries[0].Kind)
	assert.Equal(t, LogStream, entries[1].Kind)
}

func TestRecorderStateJSON(t *testing.T) {
	raw, err := json.Marshal(map[string]RecorderState{"state": RecorderRecording})
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"recording"}`, string(raw))
}
