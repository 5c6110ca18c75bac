package bus

import (
	"context"
	"strconv"
	"sync"
)

type memoryLog struct {
	msgs    []*Message
	changed chan struct{}
}

// MemoryBackend keeps message logs in process.
type MemoryBackend struct {
	mu   sync.Mutex
	logs map[string]*memoryLog
}

// NewMemoryBackend creates an empty in-process backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{logs: make(map[string]*memoryLog)}
}

func (m *MemoryBackend) log(executionID string) *memoryLog {
	l, ok := m.logs[executionID]
	if !ok {
		l = &memoryLog{changed: make(chan struct{})}
		m.logs[executionID] = l
	}
	return l
}

func (m *MemoryBackend) Append(_ context.Context, msg *Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.log(msg.ExecutionID)
	cp := *msg
	l.msgs = append(l.msgs, &cp)
	close(l.changed)
	l.changed = make(chan struct{})
	return strconv.Itoa(len(l.msgs) - 1), nil
}

func (m *MemoryBackend) List(_ context.Context, executionID string) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[executionID]
	if !ok {
		return nil, nil
	}
	out := make([]*Message, len(l.msgs))
	for i, msg := range l.msgs {
		cp := *msg
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryBackend) Follow(ctx context.Context, executionID, cursor string) (<-chan *Message, error) {
	next := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, err
		}
		next = n + 1
	}
	m.mu.Lock()
	followed := m.log(executionID)
	m.mu.Unlock()

	ch := make(chan *Message, 16)
	go func() {
		defer close(ch)
		for {
			m.mu.Lock()
			l, ok := m.logs[executionID]
			if !ok || l != followed {
				// dropped
				m.mu.Unlock()
				return
			}
			var pending []*Message
			if next < len(l.msgs) {
				for _, msg := range l.msgs[next:] {
					cp := *msg
					pending = append(pending, &cp)
				}
				next = len(l.msgs)
			}
			wait := l.changed
			m.mu.Unlock()

			for _, msg := range pending {
				select {
				case ch <- msg:
				case <-ctx.Done():
					return
				}
			}
			if len(pending) > 0 {
				continue
			}
			select {
			case <-wait:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (m *MemoryBackend) Drop(_ context.Context, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.logs[executionID]; ok {
		close(l.changed)
		delete(m.logs, executionID)
	}
	return nil
}
