package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runBus(t *testing.T, bus *Bus) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bus.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		bus.Close()
	})
}

// recordingObserver captures everything it sees.
type recordingObserver struct {
	mu        sync.Mutex
	events    []string
	commands  []string
	responses []string
	errors    []string
}

func (o *recordingObserver) ObserveEvent(evt Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, evt.Kind)
}

func (o *recordingObserver) ObserveCommand(command string, payload json.RawMessage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.commands = append(o.commands, command)
}

func (o *recordingObserver) ObserveResponse(command string, response json.RawMessage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.responses = append(o.responses, command)
}

func (o *recordingObserver) ObserveError(command string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errors = append(o.errors, command)
}

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus(64, quietLogger(), nil)
	runBus(t, bus)

	var got []int
	bus.Subscribe("tick", func(ctx context.Context, evt Event) {
		var n int
		require.NoError(t, json.Unmarshal(evt.Payload, &n))
		got = append(got, n)
	})

	for i := 0; i < 50; i++ {
		require.NoError(t, bus.Emit(context.Background(), "tick", i))
	}
	require.NoError(t, bus.Sync(context.Background()))

	require.Len(t, got, 50)
	for i, n := range got {
		assert.Equal(t, i, n)
	}
}

func TestBusHandlersRunInSubscriptionOrder(t *testing.T) {
	bus := NewBus(8, quietLogger(), nil)
	runBus(t, bus)

	var order []string
	bus.Subscribe("evt", func(ctx context.Context, evt Event) { order = append(order, "first") })
	bus.Subscribe("evt", func(ctx context.Context, evt Event) { order = append(order, "second") })

	bus.Deliver("evt", json.RawMessage(`{}`))
	require.NoError(t, bus.Sync(context.Background()))

	assert.Equal(t, []string{"first", "second"}, order)
}

func TestBusUnsubscribeIsIdempotent(t *testing.T) {
	bus := NewBus(8, quietLogger(), nil)
	runBus(t, bus)

	calls := 0
	sub := bus.Subscribe("evt", func(ctx context.Context, evt Event) { calls++ })
	other := 0
	bus.Subscribe("evt", func(ctx context.Context, evt Event) { other++ })

	sub.Unsubscribe()
	sub.Unsubscribe()
	var nilSub *Subscription
	nilSub.Unsubscribe()

	bus.Deliver("evt", nil)
	require.NoError(t, bus.Sync(context.Background()))

	assert.Equal(t, 0, calls)
	assert.Equal(t, 1, other)
}

func TestBusRecoversFromHandlerPanic(t *testing.T) {
	bus := NewBus(8, quietLogger(), nil)
	runBus(t, bus)

	var seen []string
	bus.Subscribe("evt", func(ctx context.Context, evt Event) { panic("handler exploded") })
	bus.Subscribe("evt", func(ctx context.Context, evt Event) { seen = append(seen, "after") })

	bus.Deliver("evt", json.RawMessage(`1`))
	bus.Deliver("evt", json.RawMessage(`2`))
	require.NoError(t, bus.Sync(context.Background()))

	assert.Equal(t, []string{"after", "after"}, seen)
}

func TestBusObserversSeeEventsBeforeHandlers(t *testing.T) {
	bus := NewBus(8, quietLogger(), nil)
	runBus(t, bus)

	obs := &recordingObserver{}
	bus.Observe(obs)

	var observedFirst bool
	bus.Subscribe("evt", func(ctx context.Context, evt Event) {
		obs.mu.Lock()
		observedFirst = len(obs.events) == 1
		obs.mu.Unlock()
	})

	bus.Deliver("evt", nil)
	bus.Deliver("unhandled", nil)
	require.NoError(t, bus.Sync(context.Background()))

	assert.True(t, observedFirst)
	assert.Equal(t, []string{"evt", "unhandled"}, obs.events)
}

func TestBusSendWithoutTransport(t *testing.T) {
	bus := NewBus(8, quietLogger(), nil)
	obs := &recordingObserver{}
	bus.Observe(obs)

	_, err := bus.Send(context.Background(), CommandChat, PromptRequest{Message: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, []string{CommandChat}, obs.commands)
	assert.Equal(t, []string{CommandChat}, obs.errors)
	assert.Empty(t, obs.responses)
}

func TestBusSendThroughTransport(t *testing.T) {
	bus := NewBus(8, quietLogger(), nil)
	transport := newFakeTransport()
	transport.respond(CommandGetTask, `{"id":"t1"}`)
	bus.SetTransport(transport)
	obs := &recordingObserver{}
	bus.Observe(obs)

	resp, err := bus.Send(context.Background(), CommandGetTask, map[string]string{"taskId": "t1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"t1"}`, string(resp))

	sent := transport.commands(CommandGetTask)
	require.Len(t, sent, 1)
	assert.JSONEq(t, `{"taskId":"t1"}`, string(sent[0]))
	assert.Equal(t, []string{CommandGetTask}, obs.responses)
}

func TestBusSendWrapsTransportFailure(t *testing.T) {
	bus := NewBus(8, quietLogger(), nil)
	transport := newFakeTransport()
	transport.fail(CommandSaveMemory, errBoom)
	bus.SetTransport(transport)

	_, err := bus.Send(context.Background(), CommandSaveMemory, SaveMemoryRequest{Text: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, errBoom)
	assert.Len(t, transport.commands(CommandSaveMemory), 1)
}

func TestBusMutedInboundDropsBackendEvents(t *testing.T) {
	bus := NewBus(8, quietLogger(), nil)
	runBus(t, bus)

	var kinds []Source
	bus.Subscribe("evt", func(ctx context.Context, evt Event) { kinds = append(kinds, evt.Source) })

	bus.MuteInbound(true)
	bus.Deliver("evt", nil)
	require.NoError(t, bus.Publish(context.Background(), Event{Kind: "evt", Source: SourcePlayback}))
	bus.MuteInbound(false)
	bus.Deliver("evt", nil)
	require.NoError(t, bus.Sync(context.Background()))

	assert.Equal(t, []Source{SourcePlayback, SourceBackend}, kinds)
}

func TestBusTryEmitFromHandler(t *testing.T) {
	bus := NewBus(8, quietLogger(), nil)
	runBus(t, bus)

	var got []string
	bus.Subscribe("first", func(ctx context.Context, evt Event) {
		got = append(got, "first")
		assert.True(t, bus.TryEmit("second", map[string]string{"from": "first"}))
	})
	bus.Subscribe("second", func(ctx context.Context, evt Event) {
		got = append(got, "second")
		assert.Equal(t, SourceLocal, evt.Source)
	})

	require.NoError(t, bus.Emit(context.Background(), "first", nil))
	require.NoError(t, bus.Sync(context.Background()))

	assert.Equal(t, []string{"first", "second"}, got)
}

func TestBusTryEmitDropsWhenFull(t *testing.T) {
	bus := NewBus(1, quietLogger(), nil)

	assert.True(t, bus.TryEmit("evt", 1))
	assert.False(t, bus.TryEmit("evt", 2))
}

func TestBusPublishAfterClose(t *testing.T) {
	bus := NewBus(1, quietLogger(), nil)
	bus.Close()
	bus.Close()

	// Fill the queue so only the closed channel can be selected.
	bus.queue <- queued{}
	err := bus.Publish(context.Background(), Event{Kind: "evt"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, context.Canceled))
}

func TestBusPublishHonorsContext(t *testing.T) {
	bus := NewBus(1, quietLogger(), nil)
	require.NoError(t, bus.Publish(context.Background(), Event{Kind: "fill"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := bus.Publish(ctx, Event{Kind: "evt"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEncodePayload(t *testing.T) {
	tests := []struct {
		name    string
		payload any
		want    string
	}{
		{"nil", nil, `null`},
		{"empty raw", json.RawMessage(nil), `null`},
		{"raw", json.RawMessage(`{"a":1}`), `{"a":1}`},
		{"bytes", []byte(`[1,2]`), `[1,2]`},
		{"struct", PromptRequest{Message: "hi"}, `{"message":"hi"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := encodePayload(tt.payload)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(raw), fmt.Sprintf("payload %v", tt.payload))
		})
	}
}
