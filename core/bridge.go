package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"agentlink/tools"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/kaptinlin/jsonrepair"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

// resolvedHistory bounds how many answered request ids are remembered for
// duplicate detection.
const resolvedHistory = 1024

// Sender sends a command to the backend. *Bus satisfies it.
type Sender interface {
	Send(ctx context.Context, command string, payload any) (json.RawMessage, error)
}

// BridgeOptions configures a ToolBridge.
type BridgeOptions struct {
	// Timeout bounds each tool execution; zero disables it.
	Timeout time.Duration
	// OnResult is called after a result has been sent successfully.
	OnResult func(req ToolRequest, res ToolResult)
	// OnError receives every failure the bridge cannot return to a caller.
	OnError func(err error)
}

// ToolBridge executes backend tool requests and returns exactly one result
// per request id. Executions run concurrently; results are sent as they finish.
type ToolBridge struct {
	registry *tools.Registry
	sender   Sender
	tracker  *ExecutionTracker
	opts     BridgeOptions

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu          sync.Mutex
	outstanding map[string]string // request id to tool name
	resolved    *lru.Cache[string, struct{}]

	logger  *logrus.Entry
	metrics *Metrics
}

// NewToolBridge creates a bridge executing tools from registry and sending
// results through sender.
func NewToolBridge(registry *tools.Registry, sender Sender, tracker *ExecutionTracker, opts BridgeOptions, logger *logrus.Logger, metrics *Metrics) *ToolBridge {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if tracker == nil {
		tracker = NewExecutionTracker()
	}
	// lru.New only fails for a non-positive size.
	resolved, _ := lru.New[string, struct{}](resolvedHistory)
	ctx, cancel := context.WithCancel(context.Background())

	return &ToolBridge{
		registry:    registry,
		sender:      sender,
		tracker:     tracker,
		opts:        opts,
		ctx:         ctx,
		cancel:      cancel,
		outstanding: make(map[string]string),
		resolved:    resolved,
		logger:      logger.WithField("component", "tool_bridge"),
		metrics:     metrics,
	}
}

type wireToolRequest struct {
	RequestID      string          `json:"requestId"`
	RequestIDSnake string          `json:"request_id"`
	Name           string          `json:"name"`
	Args           json.RawMessage `json:"args"`
	Arguments      json.RawMessage `json:"arguments"`
}

// HandleEvent is the bus handler for tool_execution_request events.
func (b *ToolBridge) HandleEvent(ctx context.Context, evt Event) {
	var wire wireToolRequest
	if err := json.Unmarshal(evt.Payload, &wire); err != nil {
		b.report(fmt.Errorf("%w: tool request: %v", ErrMalformedPayload, err))
		return
	}

	req := ToolRequest{
		RequestID: firstNonEmpty(wire.RequestID, wire.RequestIDSnake),
		Name:      wire.Name,
	}
	if req.RequestID == "" {
		b.report(fmt.Errorf("%w: tool request without requestId", ErrMalformedPayload))
		return
	}

	argsRaw := wire.Args
	if len(argsRaw) == 0 {
		argsRaw = wire.Arguments
	}
	args, argErr := decodeArguments(argsRaw)
	req.Arguments = args

	if err := b.Dispatch(req, argErr); err != nil {
		b.report(err)
	}
}

// Dispatch registers req as outstanding and executes it in the background.
// A non-nil argErr answers the request with an error result without running
// any tool.
func (b *ToolBridge) Dispatch(req ToolRequest, argErr error) error {
	b.mu.Lock()
	_, busy := b.outstanding[req.RequestID]
	answered := b.resolved.Contains(req.RequestID)
	if busy || answered {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateRequest, req.RequestID)
	}
	b.outstanding[req.RequestID] = req.Name
	b.mu.Unlock()

	requestLogger := b.logger.WithFields(logrus.Fields{
		"requestId": req.RequestID,
		"tool":      req.Name,
	})
	requestLogger.Info("Tool request received")

	var execCtx context.Context
	var cancel context.CancelFunc
	if b.opts.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(b.ctx, b.opts.Timeout)
	} else {
		execCtx, cancel = context.WithCancel(b.ctx)
	}
	b.tracker.AddExecution(req.RequestID, req.Name, cancel)
	b.metrics.ToolStarted()

	b.wg.Go(func() {
		defer b.metrics.ToolFinished()
		defer b.tracker.RemoveExecution(req.RequestID)
		defer cancel()

		var result ToolResult
		if argErr != nil {
			result = errorResult(req.RequestID, argErr)
			b.metrics.ObserveTool(req.Name, "invalid_arguments", 0)
		} else {
			result = b.execute(execCtx, req)
		}

		if err := b.Submit(context.Background(), result); err != nil {
			requestLogger.WithError(err).Error("Tool result was not delivered")
			return
		}
		if b.opts.OnResult != nil {
			b.opts.OnResult(req, result)
		}
	})
	return nil
}

// execute runs one tool, converting failures and panics into error results.
func (b *ToolBridge) execute(ctx context.Context, req ToolRequest) ToolResult {
	startTime := time.Now()

	var value any
	var err error
	var pc panics.Catcher
	pc.Try(func() {
		value, err = b.registry.Execute(ctx, req.Name, req.Arguments)
	})
	if r := pc.Recovered(); r != nil {
		err = fmt.Errorf("%w: %s panicked: %v", ErrToolExecution, req.Name, r.Value)
	}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}

	duration := time.Since(startTime)
	requestLogger := b.logger.WithFields(logrus.Fields{
		"requestId":     req.RequestID,
		"tool":          req.Name,
		"executionTime": duration,
	})

	if err != nil {
		outcome := "error"
		switch {
		case errors.Is(err, tools.ErrUnknownTool):
			outcome = "unknown_tool"
			err = fmt.Errorf("Unknown tool: %s", req.Name)
		case errors.Is(err, tools.ErrInvalidArguments):
			outcome = "invalid_arguments"
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			outcome = "timeout"
			err = fmt.Errorf("%w: %s timed out after %s", ErrToolExecution, req.Name, b.opts.Timeout)
		case errors.Is(ctx.Err(), context.Canceled):
			outcome = "canceled"
			err = fmt.Errorf("%w: %s was canceled", ErrToolExecution, req.Name)
		case !errors.Is(err, ErrToolExecution):
			err = fmt.Errorf("%w: %s: %w", ErrToolExecution, req.Name, err)
		}
		b.metrics.ObserveTool(req.Name, outcome, duration)
		requestLogger.WithError(err).Warn("Tool execution failed")
		return errorResult(req.RequestID, err)
	}

	encoded, encErr := json.Marshal(value)
	if encErr != nil {
		b.metrics.ObserveTool(req.Name, "error", duration)
		err = fmt.Errorf("%w: %s returned a value that cannot be encoded: %v", ErrToolExecution, req.Name, encErr)
		requestLogger.WithError(err).Warn("Tool result encoding failed")
		return errorResult(req.RequestID, err)
	}

	b.metrics.ObserveTool(req.Name, "ok", duration)
	requestLogger.WithField("resultLength", len(encoded)).Info("Tool execution completed")
	return ToolResult{RequestID: req.RequestID, Value: encoded}
}

// Submit sends res to the backend. A result for an id that is not outstanding
// is rejected and never sent. Send failures are reported and not retried.
func (b *ToolBridge) Submit(ctx context.Context, res ToolResult) error {
	b.mu.Lock()
	name, ok := b.outstanding[res.RequestID]
	if !ok {
		answered := b.resolved.Contains(res.RequestID)
		b.mu.Unlock()
		var err error
		if answered {
			err = fmt.Errorf("%w: %s", ErrDuplicateResult, res.RequestID)
		} else {
			err = fmt.Errorf("%w: %s", ErrUnmatchedResult, res.RequestID)
		}
		b.logger.WithError(err).WithField("requestId", res.RequestID).Error("Rejected tool result")
		b.report(err)
		return err
	}
	delete(b.outstanding, res.RequestID)
	b.resolved.Add(res.RequestID, struct{}{})
	b.mu.Unlock()

	if _, err := b.sender.Send(ctx, CommandSubmitToolOutput, res); err != nil {
		b.logger.WithError(err).WithFields(logrus.Fields{
			"requestId": res.RequestID,
			"tool":      name,
		}).Error("Failed to send tool result")
		b.report(err)
		return err
	}

	b.logger.WithFields(logrus.Fields{
		"requestId": res.RequestID,
		"tool":      name,
		"isError":   res.IsError,
	}).Info("Tool result sent")
	return nil
}

// Outstanding lists request ids awaiting a result.
func (b *ToolBridge) Outstanding() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.outstanding))
	for id := range b.outstanding {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Executions lists running tool executions.
func (b *ToolBridge) Executions() []Execution {
	return b.tracker.GetActiveExecutions()
}

// Cancel stops the running execution for requestID. The request is still
// answered, with an error result. It reports false when nothing runs under
// that id.
func (b *ToolBridge) Cancel(requestID string) bool {
	if !b.tracker.CancelExecution(requestID) {
		return false
	}
	b.logger.WithField("requestId", requestID).Info("Tool execution canceled")
	return true
}

// Wait blocks until every dispatched request has been answered.
func (b *ToolBridge) Wait() {
	b.wg.Wait()
}

// Close cancels running executions and waits for their results to be sent.
func (b *ToolBridge) Close() {
	b.cancel()
	if n := b.tracker.CancelAll(); n > 0 {
		b.logger.WithField("canceled", n).Info("Canceled running tool executions")
	}
	b.wg.Wait()
}

func (b *ToolBridge) report(err error) {
	if b.opts.OnError != nil {
		b.opts.OnError(err)
	}
}

func errorResult(requestID string, err error) ToolResult {
	msg, _ := json.Marshal(err.Error())
	return ToolResult{RequestID: requestID, Value: msg, IsError: true}
}

// decodeArguments accepts an argument object, or a JSON string holding one.
// Strings that are not valid JSON are repaired before giving up.
func decodeArguments(raw json.RawMessage) (map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return map[string]any{}, nil
	}

	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return map[string]any{}, fmt.Errorf("%w: arguments: %v", ErrMalformedPayload, err)
		}
		return parseArgumentString(s)
	}

	var args map[string]any
	if err := json.Unmarshal(trimmed, &args); err != nil {
		return map[string]any{}, fmt.Errorf("%w: arguments must be an object: %v", ErrMalformedPayload, err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func parseArgumentString(s string) (map[string]any, error) {
	if len(bytes.TrimSpace([]byte(s))) == 0 {
		return map[string]any{}, nil
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(s), &args); err == nil && args != nil {
		return args, nil
	}

	repaired, err := jsonrepair.JSONRepair(s)
	if err != nil {
		return map[string]any{}, fmt.Errorf("%w: arguments are not valid JSON: %v", ErrMalformedPayload, err)
	}
	if err := json.Unmarshal([]byte(repaired), &args); err != nil || args == nil {
		return map[string]any{}, fmt.Errorf("%w: arguments must be an object", ErrMalformedPayload)
	}
	return args, nil
}
