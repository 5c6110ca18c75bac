package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ResponseType is the message type of replies created by RespondToRequest.
const ResponseType = "response"

var (
	// ErrTimeout is matched by every *TimeoutError.
	ErrTimeout         = errors.New("request timed out")
	ErrMessageNotFound = errors.New("message not found")
	ErrNotRequest      = errors.New("message is not a request")
)

// TimeoutError is returned by RequestResponse when no reply arrives in time.
type TimeoutError struct {
	RequestID string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no reply to request %s within %s", e.RequestID, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// Message is a directed or broadcast message between agents of one execution.
type Message struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"execution_id"`
	From        string    `json:"from_agent_id"`
	To          string    `json:"to_agent_id,omitempty"` // empty means broadcast
	Type        string    `json:"type"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
	InReplyTo   string    `json:"in_reply_to,omitempty"`
	IsRequest   bool      `json:"is_request,omitempty"`
}

// Broadcast reports whether the message is addressed to every agent.
func (m *Message) Broadcast() bool { return m.To == "" }

// Backend is the append-only per-execution message log.
type Backend interface {
	// Append stores msg and returns a cursor positioned at it.
	Append(ctx context.Context, msg *Message) (string, error)
	// List returns the whole log, oldest first.
	List(ctx context.Context, executionID string) ([]*Message, error)
	// Follow streams messages appended after cursor until ctx is done. An
	// empty cursor follows from the start of the log.
	Follow(ctx context.Context, executionID, cursor string) (<-chan *Message, error)
	Drop(ctx context.Context, executionID string) error
}

// Filter narrows an inbox read. Empty fields match everything.
type Filter struct {
	From string
	Type string
}

// Bus implements agent messaging on top of a Backend.
type Bus struct {
	backend Backend
	logger  *zap.Logger
}

// New creates a message bus.
func New(backend Backend, logger *zap.Logger) *Bus {
	return &Bus{backend: backend, logger: logger}
}

func (b *Bus) publish(ctx context.Context, msg *Message) (string, error) {
	msg.ID = uuid.New().String()
	msg.CreatedAt = time.Now()
	cursor, err := b.backend.Append(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	b.logger.Debug("published message",
		zap.String("execution", msg.ExecutionID),
		zap.String("from", msg.From),
		zap.String("to", msg.To),
		zap.String("type", msg.Type))
	return cursor, nil
}

// Send delivers a message to a single agent.
func (b *Bus) Send(ctx context.Context, executionID, from, to, msgType, content string) (string, error) {
	if to == "" {
		return "", errors.New("send requires a recipient")
	}
	msg := &Message{ExecutionID: executionID, From: from, To: to, Type: msgType, Content: content}
	if _, err := b.publish(ctx, msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// Broadcast delivers a message to every other agent of the execution.
func (b *Bus) Broadcast(ctx context.Context, executionID, from, msgType, content string) (string, error) {
	msg := &Message{ExecutionID: executionID, From: from, Type: msgType, Content: content}
	if _, err := b.publish(ctx, msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// GetMessages returns agentID's inbox, newest first: messages addressed to it
// and broadcasts sent by other agents.
func (b *Bus) GetMessages(ctx context.Context, executionID, agentID string, limit int, filter Filter) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}
	all, err := b.backend.List(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	var out []*Message
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		m := all[i]
		inbox := m.To == agentID || (m.Broadcast() && m.From != agentID)
		if !inbox {
			continue
		}
		if filter.From != "" && m.From != filter.From {
			continue
		}
		if filter.Type != "" && m.Type != filter.Type {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// RequestResponse sends a request and waits up to timeout for the reply
// addressed back to from.
func (b *Bus) RequestResponse(ctx context.Context, executionID, from, to, msgType, content string, timeout time.Duration) (*Message, error) {
	if to == "" {
		return nil, errors.New("request requires a recipient")
	}
	req := &Message{ExecutionID: executionID, From: from, To: to, Type: msgType, Content: content, IsRequest: true}
	cursor, err := b.publish(ctx, req)
	if err != nil {
		return nil, err
	}

	// The timeout covers the wait for a reply, not the send.
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	// Following from the request's own cursor means a reply appended before
	// the follow starts is still seen.
	replies, err := b.backend.Follow(waitCtx, executionID, cursor)
	if err != nil {
		if waitCtx.Err() != nil {
			return nil, b.waitErr(ctx, req.ID, timeout)
		}
		return nil, fmt.Errorf("follow replies: %w", err)
	}

	for {
		select {
		case m, ok := <-replies:
			if !ok {
				return nil, b.waitErr(ctx, req.ID, timeout)
			}
			if m.InReplyTo == req.ID && m.To == from {
				return m, nil
			}
		case <-waitCtx.Done():
			return nil, b.waitErr(ctx, req.ID, timeout)
		}
	}
}

func (b *Bus) waitErr(parent context.Context, requestID string, timeout time.Duration) error {
	if err := parent.Err(); err != nil {
		return err
	}
	b.logger.Debug("request timed out", zap.String("request", requestID), zap.Duration("timeout", timeout))
	return &TimeoutError{RequestID: requestID, Timeout: timeout}
}

// RespondToRequest replies to a request message on behalf of from.
func (b *Bus) RespondToRequest(ctx context.Context, executionID, requestID, from, content string) (string, error) {
	all, err := b.backend.List(ctx, executionID)
	if err != nil {
		return "", fmt.Errorf("list messages: %w", err)
	}
	var req *Message
	for _, m := range all {
		if m.ID == requestID {
			req = m
			break
		}
	}
	if req == nil {
		return "", fmt.Errorf("request %s: %w", requestID, ErrMessageNotFound)
	}
	if !req.IsRequest {
		return "", fmt.Errorf("message %s: %w", requestID, ErrNotRequest)
	}
	reply := &Message{
		ExecutionID: executionID,
		From:        from,
		To:          req.From,
		Type:        ResponseType,
		Content:     content,
		InReplyTo:   requestID,
	}
	if _, err := b.publish(ctx, reply); err != nil {
		return "", err
	}
	return reply.ID, nil
}

// Drop discards the execution's message log.
func (b *Bus) Drop(ctx context.Context, executionID string) error {
	return b.backend.Drop(ctx, executionID)
}
