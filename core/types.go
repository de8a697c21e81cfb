/*
Package core contains the data types shared by the event pipeline.

Key type categories:
- Tool correlation (ToolRequest, ToolResult)
- Conversation state (ConversationTurn, TaskSnapshot)
- Session capture (LogEntry)
- Backend call payloads (PromptRequest, InitAgentRequest, memory types)
- Host API payloads (ChatRequest, ChatResponse, StreamMessage)
*/
package core

import (
	"encoding/json"
	"strings"
	"time"

	"agentlink/tools"
)

// Backend event kinds and local pipeline events.
const (
	EventToolRequest   = "tool_execution_request"
	EventStream        = "stream_event"
	EventPlaybackStart = "playback_start"
	EventPlayback      = "playback_event"
	EventChatResponse  = "chat_response"
	EventError         = "error"
)

// Backend commands.
const (
	CommandInitAgent        = "init_agent"
	CommandChat             = "chat"
	CommandStreamChat       = "stream_chat"
	CommandSubmitToolOutput = "submit_tool_output"
	CommandSearchMemory     = "search_memory"
	CommandSaveMemory       = "save_memory"
	CommandDeleteMemory     = "delete_memory"
	CommandListTasks        = "list_tasks"
	CommandGetTask          = "get_task"
	CommandCancelTask       = "cancel_task"
)

// ToolRequest is a backend-issued tool execution request.
type ToolRequest struct {
	RequestID string         `json:"requestId"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"args"`
}

// ToolResult answers exactly one ToolRequest.
type ToolResult struct {
	RequestID string          `json:"requestId"`
	Value     json.RawMessage `json:"result"`
	IsError   bool            `json:"isError"`
}

// Role is the canonical author tag of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ConversationTurn is one finalized message in a thread.
type ConversationTurn struct {
	Role      Role     `json:"role"`
	Content   []string `json:"content"`
	MessageID string   `json:"messageId,omitempty"`
}

// Text concatenates the turn's fragments in order.
func (t ConversationTurn) Text() string {
	return strings.Join(t.Content, "")
}

func (t ConversationTurn) equal(o ConversationTurn) bool {
	if t.Role != o.Role || t.MessageID != o.MessageID || len(t.Content) != len(o.Content) {
		return false
	}
	for i := range t.Content {
		if t.Content[i] != o.Content[i] {
			return false
		}
	}
	return true
}

// TaskStatus is the canonical lifecycle state of a task.
type TaskStatus string

const (
	StatusWorking   TaskStatus = "working"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCanceled  TaskStatus = "canceled"
)

// Terminal reports whether no further progress is expected.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// TaskSnapshot is the merged view of one conversation thread.
// TaskID is empty until the backend assigns one.
type TaskSnapshot struct {
	TaskID    string             `json:"taskId,omitempty"`
	ContextID string             `json:"contextId,omitempty"`
	Status    TaskStatus         `json:"status"`
	History   []ConversationTurn `json:"history"`
}

// Clone returns a deep copy safe to hand to consumers.
func (s TaskSnapshot) Clone() TaskSnapshot {
	out := s
	out.History = make([]ConversationTurn, len(s.History))
	for i, turn := range s.History {
		turn.Content = append([]string(nil), turn.Content...)
		out.History[i] = turn
	}
	return out
}

// LogKind classifies a recorded entry.
type LogKind string

const (
	LogPrompt     LogKind = "prompt"
	LogStream     LogKind = "stream"
	LogToolCall   LogKind = "tool_call"
	LogToolOutput LogKind = "tool_output"
	LogResponse   LogKind = "response"
	LogError      LogKind = "error"
)

// Replayable reports whether playback delivers entries of this kind.
func (k LogKind) Replayable() bool {
	switch k {
	case LogPrompt, LogStream, LogToolCall, LogToolOutput:
		return true
	}
	return false
}

// LogEntry is one captured event. Saved sessions are a JSON array of entries.
type LogEntry struct {
	Timestamp time.Time       `json:"timestamp"`
	Kind      LogKind         `json:"type"`
	Data      json.RawMessage `json:"data"`
}

// PlaybackEntry is the payload of a playback_event.
type PlaybackEntry struct {
	Kind LogKind         `json:"type"`
	Data json.RawMessage `json:"data"`
}

// PromptRequest is the payload of chat and stream_chat.
type PromptRequest struct {
	Message   string `json:"message"`
	ContextID string `json:"contextId,omitempty"`
	TaskID    string `json:"taskId,omitempty"`
}

// InitAgentRequest configures the backend agent.
type InitAgentRequest struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	LLM         LLMConfig          `json:"llm"`
	Tools       []tools.Definition `json:"tools"`
}

// MemoryEntry is a ranked memory search hit.
type MemoryEntry struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SearchMemoryRequest queries the backend memory store.
type SearchMemoryRequest struct {
	Query    string   `json:"query"`
	Limit    int      `json:"limit,omitempty"`
	MinScore *float64 `json:"minScore,omitempty"`
}

// SaveMemoryRequest stores a new memory entry.
type SaveMemoryRequest struct {
	Text     string         `json:"text"`
	SourceID string         `json:"sourceId,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ChatRequest is the host API chat body.
type ChatRequest struct {
	Message string `json:"message"`
}

// ChatResponse is the host API reply to a chat request.
type ChatResponse struct {
	Response string       `json:"response"`
	TaskID   string       `json:"taskId,omitempty"`
	Snapshot TaskSnapshot `json:"snapshot"`
	Raw      bool         `json:"raw,omitempty"`
}

// StreamMessage is one server-sent event on the streaming chat endpoint.
// Type is one of "snapshot", "task_created", "completed", "raw", "error".
type StreamMessage struct {
	Type     string        `json:"type"`
	Content  string        `json:"content,omitempty"`
	Snapshot *TaskSnapshot `json:"snapshot,omitempty"`
	Complete bool          `json:"complete"`
}
