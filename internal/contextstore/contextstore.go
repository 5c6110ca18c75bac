// Package contextstore holds the shared variables and message log of a running
// execution. Every execution gets an isolated namespace; nothing is visible
// across executions.
package contextstore

import (
	"context"
	"encoding/json"
	"time"
)

// ResultKey is the variable under which an agent's result is published.
func ResultKey(agentID string) string {
	return "agent:" + agentID + ":result"
}

// Entry is one shared variable.
type Entry struct {
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	LastWriter string          `json:"last_writer_agent_id"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Message is a log line written into the shared context by an agent.
type Message struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Type      string    `json:"message_type"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageFilter narrows GetMessages. Empty fields match everything.
type MessageFilter struct {
	AgentID string
	Type    string
}

func (f MessageFilter) match(m *Message) bool {
	if f.AgentID != "" && m.AgentID != f.AgentID {
		return false
	}
	if f.Type != "" && m.Type != f.Type {
		return false
	}
	return true
}

// Store is the per-execution key/value store and message log. Writes are
// last-writer-wins per key.
type Store interface {
	GetContext(ctx context.Context, executionID string) (map[string]Entry, error)
	GetVariable(ctx context.Context, executionID, key string) (*Entry, error)
	SetVariable(ctx context.Context, executionID, key string, value json.RawMessage, writer string) error
	DeleteVariable(ctx context.Context, executionID, key string) error
	AddMessage(ctx context.Context, executionID, agentID, msgType, content string) error
	// GetMessages returns the most recent messages first, at most limit of them.
	GetMessages(ctx context.Context, executionID string, limit int, filter MessageFilter) ([]*Message, error)
	// Drop removes everything stored for the execution.
	Drop(ctx context.Context, executionID string) error
}

// StringValue encodes s as a JSON value.
func StringValue(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

// AsString decodes a JSON string value, falling back to the raw text for
// other JSON types.
func (e *Entry) AsString() string {
	if e == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Value, &s); err == nil {
		return s
	}
	return string(e.Value)
}

const defaultMessageLimit = 50

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultMessageLimit
	}
	return limit
}
