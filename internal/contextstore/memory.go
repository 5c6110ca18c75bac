package contextstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryExecution struct {
	vars     map[string]Entry
	messages []*Message
}

// Memory is an in-process Store.
type Memory struct {
	mu   sync.RWMutex
	data map[string]*memoryExecution
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]*memoryExecution)}
}

func (m *Memory) execution(executionID string) *memoryExecution {
	e, ok := m.data[executionID]
	if !ok {
		e = &memoryExecution{vars: make(map[string]Entry)}
		m.data[executionID] = e
	}
	return e
}

func (m *Memory) GetContext(_ context.Context, executionID string) (map[string]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Entry)
	if e, ok := m.data[executionID]; ok {
		for k, v := range e.vars {
			out[k] = v
		}
	}
	return out, nil
}

func (m *Memory) GetVariable(_ context.Context, executionID, key string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.data[executionID]
	if !ok {
		return nil, nil
	}
	v, ok := e.vars[key]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (m *Memory) SetVariable(_ context.Context, executionID, key string, value json.RawMessage, writer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execution(executionID).vars[key] = Entry{
		Key:        key,
		Value:      append(json.RawMessage(nil), value...),
		LastWriter: writer,
		UpdatedAt:  time.Now(),
	}
	return nil
}

func (m *Memory) DeleteVariable(_ context.Context, executionID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.data[executionID]; ok {
		delete(e.vars, key)
	}
	return nil
}

func (m *Memory) AddMessage(_ context.Context, executionID, agentID, msgType, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.execution(executionID)
	e.messages = append(e.messages, &Message{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Type:      msgType,
		Content:   content,
		CreatedAt: time.Now(),
	})
	return nil
}

func (m *Memory) GetMessages(_ context.Context, executionID string, limit int, filter MessageFilter) ([]*Message, error) {
	limit = normalizeLimit(limit)
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.data[executionID]
	if !ok {
		return nil, nil
	}
	var out []*Message
	for i := len(e.messages) - 1; i >= 0 && len(out) < limit; i-- {
		if msg := e.messages[i]; filter.match(msg) {
			cp := *msg
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) Drop(_ context.Context, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, executionID)
	return nil
}
