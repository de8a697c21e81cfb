package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Backend is the typed call surface of the agent runtime. Every call goes
// through the Sender (the bus), so observers see commands and failures.
type Backend struct {
	sender Sender
	logger *logrus.Entry
}

// NewBackend wraps sender with typed backend calls.
func NewBackend(sender Sender, logger *logrus.Logger) *Backend {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Backend{sender: sender, logger: logger.WithField("component", "backend")}
}

// InitAgent configures the backend agent.
func (b *Backend) InitAgent(ctx context.Context, req InitAgentRequest) error {
	if _, err := b.sender.Send(ctx, CommandInitAgent, req); err != nil {
		return err
	}
	b.logger.WithFields(logrus.Fields{
		"agent":    req.Name,
		"provider": req.LLM.Provider,
		"model":    req.LLM.Model,
		"tools":    len(req.Tools),
	}).Info("Agent initialized")
	return nil
}

// Chat sends a prompt and returns the backend's task or message unchanged.
func (b *Backend) Chat(ctx context.Context, req PromptRequest) (json.RawMessage, error) {
	return b.sender.Send(ctx, CommandChat, req)
}

// StreamChat sends a prompt whose progress arrives as stream events.
func (b *Backend) StreamChat(ctx context.Context, req PromptRequest) error {
	_, err := b.sender.Send(ctx, CommandStreamChat, req)
	return err
}

// SearchMemory queries the backend memory store. Results keep the backend's
// ranking.
func (b *Backend) SearchMemory(ctx context.Context, req SearchMemoryRequest) ([]MemoryEntry, error) {
	resp, err := b.sender.Send(ctx, CommandSearchMemory, req)
	if err != nil {
		return nil, err
	}

	raw := resp
	if isObject(resp) {
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal(resp, &wrapper); err == nil {
			if inner, ok := lookup(wrapper, "results", "entries", "memories"); ok {
				raw = inner
			}
		}
	}
	if isNull(raw) {
		return []MemoryEntry{}, nil
	}

	var entries []MemoryEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("%w: search_memory response: %v", ErrMalformedPayload, err)
	}
	return entries, nil
}

// SaveMemory stores an entry and returns its id.
func (b *Backend) SaveMemory(ctx context.Context, req SaveMemoryRequest) (string, error) {
	resp, err := b.sender.Send(ctx, CommandSaveMemory, req)
	if err != nil {
		return "", err
	}

	var id string
	if json.Unmarshal(resp, &id) == nil && id != "" {
		return id, nil
	}
	var obj map[string]json.RawMessage
	if json.Unmarshal(resp, &obj) == nil {
		if id := stringField(obj, "id", "memoryId"); id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: save_memory response has no id", ErrMalformedPayload)
}

// DeleteMemory removes an entry and reports whether it existed.
func (b *Backend) DeleteMemory(ctx context.Context, id string) (bool, error) {
	resp, err := b.sender.Send(ctx, CommandDeleteMemory, map[string]string{"id": id})
	if err != nil {
		return false, err
	}

	var ok bool
	if json.Unmarshal(resp, &ok) == nil {
		return ok, nil
	}
	var obj map[string]json.RawMessage
	if json.Unmarshal(resp, &obj) == nil {
		for _, key := range []string{"deleted", "success", "ok"} {
			if v, present := obj[key]; present && json.Unmarshal(v, &ok) == nil {
				return ok, nil
			}
		}
	}
	return false, fmt.Errorf("%w: delete_memory response is not a boolean", ErrMalformedPayload)
}

// ListTasks lists tasks, optionally scoped to one context. Entries that do not
// decode as tasks are skipped.
func (b *Backend) ListTasks(ctx context.Context, contextID string) ([]TaskSnapshot, error) {
	params := map[string]string{}
	if contextID != "" {
		params["contextId"] = contextID
	}
	resp, err := b.sender.Send(ctx, CommandListTasks, params)
	if err != nil {
		return nil, err
	}

	raw := resp
	if isObject(resp) {
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal(resp, &wrapper); err == nil {
			if inner, ok := lookup(wrapper, "tasks", "Tasks"); ok {
				raw = inner
			}
		}
	}
	if isNull(raw) {
		return []TaskSnapshot{}, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: list_tasks response: %v", ErrMalformedPayload, err)
	}
	tasks := make([]TaskSnapshot, 0, len(items))
	for _, item := range items {
		snap, ok := NormalizeTask(item)
		if !ok {
			b.logger.WithField("item", truncateForLog(string(item), 200)).Warn("Skipping unrecognized task in list")
			continue
		}
		tasks = append(tasks, snap)
	}
	return tasks, nil
}

// GetTask fetches one task snapshot.
func (b *Backend) GetTask(ctx context.Context, taskID string) (TaskSnapshot, error) {
	resp, err := b.sender.Send(ctx, CommandGetTask, map[string]string{"taskId": taskID})
	if err != nil {
		return TaskSnapshot{}, err
	}
	snap, ok := NormalizeTask(resp)
	if !ok {
		return TaskSnapshot{}, fmt.Errorf("%w: get_task response for %s", ErrMalformedPayload, taskID)
	}
	return snap, nil
}

// CancelTask cancels a task. When the acknowledgement carries no task, a
// canceled snapshot for taskID is returned.
func (b *Backend) CancelTask(ctx context.Context, taskID string) (TaskSnapshot, error) {
	resp, err := b.sender.Send(ctx, CommandCancelTask, map[string]string{"taskId": taskID})
	if err != nil {
		return TaskSnapshot{}, err
	}
	snap, ok := NormalizeTask(resp)
	if !ok || snap.TaskID != taskID {
		snap = TaskSnapshot{TaskID: taskID, History: []ConversationTurn{}}
	}
	snap.Status = StatusCanceled
	return snap, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
