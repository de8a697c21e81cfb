/*
Package core wires the event pipeline into a single session.

This file implements the Session, which owns one of each pipeline component
and connects them through the bus:

- stream_event            -> Aggregator
- tool_execution_request  -> ToolBridge (results go back through the bus)
- playback_start          -> Aggregator reset, activity log cleared
- playback_event          -> the consumer that would have received the live event
- chat_response           -> Aggregator (non-streaming chat replies)

The Recorder observes the bus, so everything above is captured while
recording. Handlers run on the bus goroutine; callers of Chat, StreamChat and
the task and memory operations run on their own goroutines.
*/
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"agentlink/tools"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Session is one client pipeline bound to at most one backend connection.
type Session struct {
	config   *Config
	registry *tools.Registry

	bus        *Bus
	backend    *Backend
	tracker    *ExecutionTracker
	bridge     *ToolBridge
	aggregator *Aggregator
	recorder   *Recorder
	playback   *Playback
	tasks      *TaskList
	activity   *ActivityLog

	ctx     context.Context
	cancel  context.CancelFunc
	replies sync.Map // chat response ref -> Change
	subs    []*Subscription

	logger  *logrus.Logger
	metrics *Metrics
}

type chatResponseEvent struct {
	Ref      string          `json:"ref"`
	Response json.RawMessage `json:"response"`
}

// NewSession builds a pipeline from config and registry. The bus is not
// running until Run is called.
//
// Parameters:
//   - config: Loaded configuration
//   - registry: Tools the backend may invoke
//   - logger: Structured logger shared by every component
//   - metrics: Optional metrics sink (may be nil)
//
// Returns:
//   - *Session: Session with every handler subscribed
func NewSession(config *Config, registry *tools.Registry, logger *logrus.Logger, metrics *Metrics) *Session {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		config:   config,
		registry: registry,
		tracker:  NewExecutionTracker(),
		activity: NewActivityLog(500),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
		metrics:  metrics,
	}

	s.bus = NewBus(config.EventBuffer, logger, metrics)
	s.backend = NewBackend(s.bus, logger)
	s.aggregator = NewAggregator(logger, metrics)
	s.playback = NewPlayback(s.bus, config.PlaybackDelay, logger, metrics)
	s.recorder = NewRecorder(s.playback.Active, logger, metrics)
	s.bridge = NewToolBridge(registry, s.bus, s.tracker, BridgeOptions{
		Timeout:  config.ToolTimeout,
		OnResult: s.onToolResult,
		OnError:  s.reportError,
	}, logger, metrics)
	s.tasks = NewTaskList(s.backend, config.TaskRefresh, s.currentContext, logger)

	s.subs = append(s.subs,
		s.bus.Observe(s.recorder),
		s.bus.Subscribe(EventStream, s.handleStream),
		s.bus.Subscribe(EventToolRequest, s.handleToolRequest),
		s.bus.Subscribe(EventPlaybackStart, s.handlePlaybackStart),
		s.bus.Subscribe(EventPlayback, s.handlePlayback),
		s.bus.Subscribe(EventChatResponse, s.handleChatResponse),
	)
	if config.DebugMode {
		s.subs = append(s.subs, s.bus.Observe(NewEventLogger(logger, config)))
	}

	logger.WithFields(logrus.Fields{
		"tools":         len(registry.List()),
		"toolTimeout":   config.ToolTimeout,
		"playbackDelay": config.PlaybackDelay,
	}).Info("Session initialized")
	return s
}

// Accessors for the host API.
func (s *Session) Bus() *Bus                 { return s.bus }
func (s *Session) Aggregator() *Aggregator   { return s.aggregator }
func (s *Session) Recorder() *Recorder       { return s.recorder }
func (s *Session) Playback() *Playback       { return s.playback }
func (s *Session) Activity() *ActivityLog    { return s.activity }
func (s *Session) Bridge() *ToolBridge       { return s.bridge }
func (s *Session) Tasks() *TaskList          { return s.tasks }
func (s *Session) Registry() *tools.Registry { return s.registry }

// SetTransport attaches the backend connection.
func (s *Session) SetTransport(t Transport) {
	s.bus.SetTransport(t)
}

// Run dispatches bus events until ctx is canceled or Close is called.
func (s *Session) Run(ctx context.Context) error {
	return s.bus.Run(ctx)
}

// Close cancels running tools, waits for their results and stops the bus.
func (s *Session) Close() {
	s.cancel()
	s.bridge.Close()
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.bus.Close()
}

// Init announces the agent configuration and the client tools to the backend.
func (s *Session) Init(ctx context.Context) error {
	req, err := BuildInitRequest(s.config, s.registry, time.Now())
	if err != nil {
		return err
	}
	if err := s.backend.InitAgent(ctx, req); err != nil {
		s.reportError(err)
		return err
	}
	s.activity.Add(ActivityInfo, fmt.Sprintf("Agent %s initialized with %d tools", req.Name, len(req.Tools)), false)
	return nil
}

// Chat sends message and waits for the reply. A reply that still has work in
// progress is completed by later stream events.
func (s *Session) Chat(ctx context.Context, message string) (ChatResponse, error) {
	if s.playback.Active() {
		return ChatResponse{}, ErrPlaybackActive
	}
	req := s.prompt(message)
	s.activity.Add(ActivityPrompt, message, false)

	pending := s.aggregator.Expect()
	resp, err := s.backend.Chat(ctx, req)
	if err != nil {
		s.aggregator.Forget(pending, err)
		s.reportError(err)
		return ChatResponse{}, err
	}

	change, err := s.applyChatResponse(ctx, resp)
	if err != nil {
		s.aggregator.Forget(pending, err)
		return ChatResponse{}, err
	}

	switch {
	case change.Shape == ShapeRaw:
		s.aggregator.Forget(pending, nil)
		return ChatResponse{Response: string(change.Raw), Snapshot: s.aggregator.Snapshot(), Raw: true}, nil
	case change.Shape == ShapeMessage, change.Dropped, change.Snapshot.Status.Terminal():
		s.aggregator.Forget(pending, nil)
	default:
		snap, err := pending.Wait(ctx)
		if err != nil {
			s.aggregator.Forget(pending, err)
			s.reportError(fmt.Errorf("waiting for task %s: %w", change.Snapshot.TaskID, err))
			return ChatResponse{}, err
		}
		change.Snapshot = snap
	}

	reply, _ := ExtractReply(change.Snapshot)
	return ChatResponse{
		Response: reply,
		TaskID:   change.Snapshot.TaskID,
		Snapshot: change.Snapshot,
	}, nil
}

// applyChatResponse routes a chat reply through the bus so the aggregator is
// only mutated from the dispatch goroutine, then returns the resulting change.
func (s *Session) applyChatResponse(ctx context.Context, resp json.RawMessage) (Change, error) {
	ref := uuid.NewString()
	if err := s.bus.Emit(ctx, EventChatResponse, chatResponseEvent{Ref: ref, Response: resp}); err != nil {
		return Change{}, err
	}
	if err := s.bus.Sync(ctx); err != nil {
		return Change{}, err
	}
	v, ok := s.replies.LoadAndDelete(ref)
	if !ok {
		return Change{}, fmt.Errorf("chat response %s was not applied", ref)
	}
	return v.(Change), nil
}

// StreamChat sends message; progress arrives as stream events. The returned
// Pending resolves when the focused thread completes or fails.
func (s *Session) StreamChat(ctx context.Context, message string) (*Pending, error) {
	if s.playback.Active() {
		return nil, ErrPlaybackActive
	}
	req := s.prompt(message)
	s.activity.Add(ActivityPrompt, message, false)

	pending := s.aggregator.Expect()
	if err := s.backend.StreamChat(ctx, req); err != nil {
		s.aggregator.Forget(pending, err)
		s.reportError(err)
		return nil, err
	}
	return pending, nil
}

// prompt builds a request continuing the focused thread. A finished task id is
// still sent; the view follows whichever task the backend answers on.
func (s *Session) prompt(message string) PromptRequest {
	contextID, taskID := s.beginExchange()
	return PromptRequest{Message: message, ContextID: contextID, TaskID: taskID}
}

func (s *Session) beginExchange() (contextID, taskID string) {
	snap := s.aggregator.NextExchange()
	if snap.Status == StatusCanceled {
		return snap.ContextID, ""
	}
	return snap.ContextID, snap.TaskID
}

func (s *Session) currentContext() string {
	return s.aggregator.Snapshot().ContextID
}

// SelectTask focuses the thread of taskID, loading it from the backend when
// possible. An empty id starts a new conversation.
func (s *Session) SelectTask(ctx context.Context, taskID string) (TaskSnapshot, error) {
	if taskID == "" {
		return s.aggregator.Focus("", nil), nil
	}
	loaded, err := s.backend.GetTask(ctx, taskID)
	if err != nil {
		if held, ok := s.aggregator.Task(taskID); ok {
			s.logger.WithError(err).WithField("taskId", taskID).Warn("Using held task after get_task failed")
			return s.aggregator.Focus(taskID, &held), nil
		}
		s.reportError(err)
		return TaskSnapshot{}, err
	}
	return s.aggregator.Focus(taskID, &loaded), nil
}

// GetTask fetches a task from the backend without changing focus.
func (s *Session) GetTask(ctx context.Context, taskID string) (TaskSnapshot, error) {
	snap, err := s.backend.GetTask(ctx, taskID)
	if err != nil {
		s.reportError(err)
	}
	return snap, err
}

// CancelTask cancels taskID on the backend. Once acknowledged the task is
// terminal locally and later events for it are discarded.
func (s *Session) CancelTask(ctx context.Context, taskID string) (TaskSnapshot, error) {
	snap, err := s.backend.CancelTask(ctx, taskID)
	if err != nil {
		s.reportError(err)
		return TaskSnapshot{}, err
	}
	s.aggregator.MarkCanceled(taskID)
	s.activity.Add(ActivityInfo, "Task "+taskID+" canceled", false)
	_ = s.tasks.Refresh(ctx)
	return snap, nil
}

// SearchMemory queries the backend memory store.
func (s *Session) SearchMemory(ctx context.Context, req SearchMemoryRequest) ([]MemoryEntry, error) {
	entries, err := s.backend.SearchMemory(ctx, req)
	if err != nil {
		s.reportError(err)
	}
	return entries, err
}

// SaveMemory stores text in the backend memory store.
func (s *Session) SaveMemory(ctx context.Context, req SaveMemoryRequest) (string, error) {
	id, err := s.backend.SaveMemory(ctx, req)
	if err != nil {
		s.reportError(err)
	}
	return id, err
}

// DeleteMemory removes a memory entry.
func (s *Session) DeleteMemory(ctx context.Context, id string) (bool, error) {
	ok, err := s.backend.DeleteMemory(ctx, id)
	if err != nil {
		s.reportError(err)
	}
	return ok, err
}

// Replay starts playing a saved session in the background. The returned
// channel yields the outcome; failures are also added to the activity log.
func (s *Session) Replay(data []byte) (<-chan error, error) {
	done, err := s.playback.Start(s.ctx, data)
	if err != nil {
		s.reportError(err)
		return nil, err
	}
	out := make(chan error, 1)
	go func() {
		err := <-done
		if err != nil {
			s.reportError(fmt.Errorf("playback: %w", err))
		} else {
			s.activity.Add(ActivityInfo, "Playback finished", true)
		}
		out <- err
	}()
	return out, nil
}

// Status summarizes the session for the status endpoint.
func (s *Session) Status() map[string]interface{} {
	executions := s.bridge.Executions()
	return map[string]interface{}{
		"recorder":         s.recorder.State(),
		"recordedEntries":  len(s.recorder.Logs()),
		"playback":         s.playback.State(),
		"outstandingTools": s.bridge.Outstanding(),
		"activeExecutions": executions,
		"executionCount":   len(executions),
		"focusedTask":      s.aggregator.Snapshot().TaskID,
		"tasks":            s.tasks.Stats(),
		"activity":         s.activity.Stats(),
	}
}

func (s *Session) handleStream(ctx context.Context, evt Event) {
	s.aggregator.Apply(evt.Payload)
}

func (s *Session) handleToolRequest(ctx context.Context, evt Event) {
	s.activity.Add(ActivityToolCall, s.describeToolCall(evt.Payload), false)
	s.bridge.HandleEvent(ctx, evt)
}

func (s *Session) handlePlaybackStart(ctx context.Context, evt Event) {
	s.aggregator.Reset()
	cleared := s.activity.Clear()
	s.activity.Add(ActivityInfo, "Playback started", true)
	s.logger.WithField("clearedActivity", cleared).Debug("Session state cleared for playback")
}

// handlePlayback hands a replayed entry to the consumer of the live event.
// Tool calls and outputs are already resolved pairs; the bridge is bypassed.
func (s *Session) handlePlayback(ctx context.Context, evt Event) {
	var entry PlaybackEntry
	if err := json.Unmarshal(evt.Payload, &entry); err != nil {
		s.reportError(fmt.Errorf("%w: playback entry: %v", ErrMalformedPayload, err))
		return
	}

	switch entry.Kind {
	case LogPrompt:
		s.beginExchange()
		s.activity.Add(ActivityPrompt, promptText(entry.Data), true)
	case LogStream:
		s.aggregator.Apply(entry.Data)
	case LogToolCall:
		s.activity.Add(ActivityToolCall, s.describeToolCall(entry.Data), true)
	case LogToolOutput:
		s.activity.Add(ActivityToolOutput, s.describeToolOutput(entry.Data), true)
	default:
		s.logger.WithField("type", entry.Kind).Debug("Ignoring non-replayable playback entry")
	}
}

func (s *Session) handleChatResponse(ctx context.Context, evt Event) {
	var msg chatResponseEvent
	if err := json.Unmarshal(evt.Payload, &msg); err != nil {
		s.reportError(fmt.Errorf("%w: chat response: %v", ErrMalformedPayload, err))
		return
	}
	s.replies.Store(msg.Ref, s.aggregator.Apply(msg.Response))
}

func (s *Session) onToolResult(req ToolRequest, res ToolResult) {
	data, _ := json.Marshal(res)
	s.activity.Add(ActivityToolOutput, s.describeToolOutput(data), false)
}

// reportError makes a recovered failure visible: it is added to the activity
// log and emitted as an error event so recordings capture it. Transport
// failures are already captured by the bus observers.
func (s *Session) reportError(err error) {
	if err == nil {
		return
	}
	s.activity.Add(ActivityError, err.Error(), s.playback.Active())
	if errors.Is(err, ErrTransport) {
		return
	}
	s.bus.TryEmit(EventError, map[string]string{"message": err.Error()})
}

func (s *Session) describeToolCall(payload json.RawMessage) string {
	var call struct {
		RequestID string          `json:"requestId"`
		Name      string          `json:"name"`
		Args      json.RawMessage `json:"args"`
	}
	if err := json.Unmarshal(payload, &call); err != nil || call.Name == "" {
		return truncateForLog(string(payload), s.config.LogTruncateLength)
	}
	args := string(call.Args)
	if args == "" {
		args = "{}"
	}
	return truncateForLog(fmt.Sprintf("%s(%s) [%s]", call.Name, args, call.RequestID), s.config.LogTruncateLength)
}

func (s *Session) describeToolOutput(payload json.RawMessage) string {
	var res ToolResult
	if err := json.Unmarshal(payload, &res); err != nil || res.RequestID == "" {
		return truncateForLog(string(payload), s.config.LogTruncateLength)
	}
	text := fmt.Sprintf("[%s] %s", res.RequestID, strings.TrimSpace(string(res.Value)))
	if res.IsError {
		text += " (error)"
	}
	return truncateForLog(text, s.config.LogTruncateLength)
}

func promptText(data json.RawMessage) string {
	var req PromptRequest
	if json.Unmarshal(data, &req) == nil && req.Message != "" {
		return req.Message
	}
	return string(data)
}
