package core

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Shape tags the wire encoding a stream payload arrived in. Detection happens
// once, in Normalize; downstream code switches on the tag.
type Shape int

const (
	ShapeRaw Shape = iota
	ShapeTask
	ShapeFlatTask
	ShapeMessage
	ShapeStatus
)

func (s Shape) String() string {
	switch s {
	case ShapeTask:
		return "task"
	case ShapeFlatTask:
		return "flat_task"
	case ShapeMessage:
		return "message"
	case ShapeStatus:
		return "status"
	default:
		return "raw"
	}
}

// Update is a normalized stream payload.
type Update struct {
	Shape     Shape
	TaskID    string
	ContextID string
	// Status is empty when the payload carried none.
	Status TaskStatus
	// History is meaningful only when HasHistory is set; an explicit empty
	// history is distinct from an absent one.
	History    []ConversationTurn
	HasHistory bool
	// Message is set for ShapeMessage.
	Message *ConversationTurn
	// Raw holds the original payload for ShapeRaw.
	Raw json.RawMessage
}

type wireTask struct {
	ID           string          `json:"id"`
	TaskID       string          `json:"task_id"`
	TaskIDCamel  string          `json:"taskId"`
	ContextID    string          `json:"context_id"`
	ContextCamel string          `json:"contextId"`
	Status       json.RawMessage `json:"status"`
	History      json.RawMessage `json:"history"`
}

type wireMessage struct {
	Role         string            `json:"role"`
	Parts        []json.RawMessage `json:"parts"`
	Content      json.RawMessage   `json:"content"`
	MessageID    string            `json:"message_id"`
	MessageCamel string            `json:"messageId"`
	TaskID       string            `json:"task_id"`
	TaskIDCamel  string            `json:"taskId"`
	ContextID    string            `json:"context_id"`
	ContextCamel string            `json:"contextId"`
}

// Normalize maps any stream payload onto an Update. It never fails: payloads
// matching no known encoding come back as ShapeRaw carrying the input.
//
// Recognized encodings:
//   - {"Task": {...}} or {"task": {...}}
//   - {"Message": {...}} or {"message": {...}} with role or parts
//   - {"TaskStatusUpdate": {...}}, {"StatusUpdate": {...}} or kind "status-update"
//   - a flattened task with "history" at the top level
//   - a flattened message with kind "message"
func Normalize(payload json.RawMessage) Update {
	raw := Update{Shape: ShapeRaw, Raw: payload}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(payload, &top); err != nil || top == nil {
		return raw
	}

	if body, ok := lookup(top, "Task", "task"); ok && isObject(body) {
		if u, ok := decodeTask(body, ShapeTask); ok {
			return u
		}
		return raw
	}

	if body, ok := lookup(top, "Message", "message"); ok && isObject(body) {
		if u, ok := decodeMessage(body); ok {
			return u
		}
		return raw
	}

	if body, ok := lookup(top, "TaskStatusUpdate", "StatusUpdate", "statusUpdate", "status_update"); ok && isObject(body) {
		if u, ok := decodeStatus(body); ok {
			return u
		}
		return raw
	}

	kind := stringField(top, "kind")
	if kind == "status-update" {
		if u, ok := decodeStatus(payload); ok {
			return u
		}
		return raw
	}

	if _, ok := top["history"]; ok {
		if u, ok := decodeTask(payload, ShapeFlatTask); ok {
			return u
		}
		return raw
	}

	if kind == "message" {
		if u, ok := decodeMessage(payload); ok {
			return u
		}
	}

	return raw
}

// NormalizeTask decodes a backend task (wrapped or flat) into a snapshot.
// Used for getTask, cancelTask and listTasks responses.
func NormalizeTask(payload json.RawMessage) (TaskSnapshot, bool) {
	u := Normalize(payload)
	switch u.Shape {
	case ShapeTask, ShapeFlatTask, ShapeStatus:
	default:
		// Task listings may omit history.
		var ok bool
		if u, ok = decodeTask(payload, ShapeFlatTask); !ok {
			return TaskSnapshot{}, false
		}
	}
	if u.TaskID == "" {
		return TaskSnapshot{}, false
	}

	snap := TaskSnapshot{
		TaskID:    u.TaskID,
		ContextID: u.ContextID,
		Status:    u.Status,
		History:   u.History,
	}
	if snap.Status == "" {
		snap.Status = StatusWorking
	}
	return snap.Clone(), true
}

func decodeTask(body json.RawMessage, shape Shape) (Update, bool) {
	var t wireTask
	if err := json.Unmarshal(body, &t); err != nil {
		return Update{}, false
	}

	u := Update{
		Shape:     shape,
		TaskID:    firstNonEmpty(t.TaskID, t.TaskIDCamel, t.ID),
		ContextID: firstNonEmpty(t.ContextID, t.ContextCamel),
		Status:    decodeStatusValue(t.Status),
	}

	if len(t.History) > 0 && !bytes.Equal(bytes.TrimSpace(t.History), []byte("null")) {
		var msgs []json.RawMessage
		if err := json.Unmarshal(t.History, &msgs); err != nil {
			return Update{}, false
		}
		u.HasHistory = true
		u.History = make([]ConversationTurn, 0, len(msgs))
		for _, m := range msgs {
			turn, _, ok := decodeTurn(m)
			if !ok {
				continue
			}
			u.History = append(u.History, turn)
		}
	}
	return u, true
}

func decodeMessage(body json.RawMessage) (Update, bool) {
	turn, w, ok := decodeTurn(body)
	if !ok {
		return Update{}, false
	}
	if w.Role == "" && w.Parts == nil && len(w.Content) == 0 {
		return Update{}, false
	}
	return Update{
		Shape:     ShapeMessage,
		TaskID:    firstNonEmpty(w.TaskID, w.TaskIDCamel),
		ContextID: firstNonEmpty(w.ContextID, w.ContextCamel),
		Message:   &turn,
	}, true
}

func decodeStatus(body json.RawMessage) (Update, bool) {
	var t wireTask
	if err := json.Unmarshal(body, &t); err != nil {
		return Update{}, false
	}
	return Update{
		Shape:     ShapeStatus,
		TaskID:    firstNonEmpty(t.TaskID, t.TaskIDCamel, t.ID),
		ContextID: firstNonEmpty(t.ContextID, t.ContextCamel),
		Status:    decodeStatusValue(t.Status),
	}, true
}

func decodeTurn(body json.RawMessage) (ConversationTurn, wireMessage, bool) {
	var w wireMessage
	if err := json.Unmarshal(body, &w); err != nil {
		return ConversationTurn{}, w, false
	}

	turn := ConversationTurn{
		Role:      NormalizeRole(w.Role),
		MessageID: firstNonEmpty(w.MessageID, w.MessageCamel),
		Content:   []string{},
	}
	for _, part := range w.Parts {
		if text, ok := partText(part); ok {
			turn.Content = append(turn.Content, text)
		}
	}
	if len(w.Parts) == 0 && len(w.Content) > 0 {
		var s string
		if json.Unmarshal(w.Content, &s) == nil {
			turn.Content = append(turn.Content, s)
		}
	}
	return turn, w, true
}

// partText extracts text from {"text": "..."}, {"kind": "text", "text": "..."}
// or {"Text": {"text": "..."}}. Non-text parts yield false.
func partText(part json.RawMessage) (string, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(part, &fields); err != nil {
		var s string
		if json.Unmarshal(part, &s) == nil {
			return s, true
		}
		return "", false
	}
	for _, key := range []string{"text", "Text"} {
		v, ok := fields[key]
		if !ok {
			continue
		}
		var s string
		if json.Unmarshal(v, &s) == nil {
			return s, true
		}
		var inner map[string]json.RawMessage
		if json.Unmarshal(v, &inner) == nil {
			if t, ok := inner["text"]; ok && json.Unmarshal(t, &s) == nil {
				return s, true
			}
		}
	}
	return "", false
}

// NormalizeRole maps any capitalization or synonym of a role onto the
// canonical tag. Unknown roles are attributed to the assistant.
func NormalizeRole(role string) Role {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "user", "human":
		return RoleUser
	case "system":
		return RoleSystem
	case "tool", "function":
		return RoleTool
	default:
		return RoleAssistant
	}
}

// NormalizeStatus maps backend state names onto the four canonical statuses.
// An empty input yields an empty status (absent).
func NormalizeStatus(state string) TaskStatus {
	key := strings.ToLower(strings.TrimSpace(state))
	key = strings.NewReplacer("-", "", "_", "", " ", "").Replace(key)
	switch key {
	case "":
		return ""
	case "completed", "complete", "done", "succeeded":
		return StatusCompleted
	case "failed", "failure", "rejected", "error":
		return StatusFailed
	case "canceled", "cancelled":
		return StatusCanceled
	default:
		return StatusWorking
	}
}

func decodeStatusValue(raw json.RawMessage) TaskStatus {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return NormalizeStatus(s)
	}
	var obj map[string]json.RawMessage
	if json.Unmarshal(raw, &obj) == nil {
		return NormalizeStatus(stringField(obj, "state", "State"))
	}
	return ""
}

func lookup(m map[string]json.RawMessage, keys ...string) (json.RawMessage, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v, true
		}
	}
	return nil, false
}

func stringField(m map[string]json.RawMessage, keys ...string) string {
	v, ok := lookup(m, keys...)
	if !ok {
		return ""
	}
	var s string
	if json.Unmarshal(v, &s) != nil {
		return ""
	}
	return s
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
