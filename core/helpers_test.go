package core

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"agentlink/tools"

	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type sentCommand struct {
	Command string
	Payload json.RawMessage
}

// fakeTransport records commands and answers them from a per-command table.
type fakeTransport struct {
	mu        sync.Mutex
	sent      []sentCommand
	responses map[string]json.RawMessage
	failures  map[string]error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		responses: make(map[string]json.RawMessage),
		failures:  make(map[string]error),
	}
}

func (f *fakeTransport) respond(command, response string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[command] = json.RawMessage(response)
}

func (f *fakeTransport) fail(command string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[command] = err
}

func (f *fakeTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := encodePayload(params)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentCommand{Command: method, Payload: raw})
	if err := f.failures[method]; err != nil {
		return nil, err
	}
	if resp, ok := f.responses[method]; ok {
		return resp, nil
	}
	return json.RawMessage(`{}`), nil
}

func (f *fakeTransport) commands(name string) []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []json.RawMessage
	for _, c := range f.sent {
		if c.Command == name {
			out = append(out, c.Payload)
		}
	}
	return out
}

// fakeSender implements Sender directly, without a bus.
type fakeSender struct {
	mu      sync.Mutex
	results []ToolResult
	err     error
	calls   int
}

func (f *fakeSender) Send(ctx context.Context, command string, payload any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if res, ok := payload.(ToolResult); ok {
		f.results = append(f.results, res)
	}
	return json.RawMessage(`{}`), nil
}

func (f *fakeSender) sent() []ToolResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ToolResult(nil), f.results...)
}

// funcTool adapts a function to tools.Tool with a permissive schema.
type funcTool struct {
	name string
	fn   func(ctx context.Context, args map[string]any) (any, error)

	mu    sync.Mutex
	calls int
}

func (f *funcTool) Name() string        { return f.name }
func (f *funcTool) Description() string { return "test tool " + f.name }
func (f *funcTool) Schema() []byte      { return []byte(`{"type":"object"}`) }
func (f *funcTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.fn(ctx, args)
}

func (f *funcTool) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var errBoom = errors.New("boom")

func testRegistry(extra ...tools.Tool) *tools.Registry {
	reg := tools.NewRegistry()
	reg.MustRegister(tools.NewCalculatorTool())
	reg.MustRegister(extra...)
	return reg
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
