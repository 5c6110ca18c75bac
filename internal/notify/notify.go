package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is a status change of an execution or of one of its steps.
type Event struct {
	ExecutionID string    `json:"execution_id"`
	TeamID      string    `json:"team_id,omitempty"`
	UserID      string    `json:"user_id,omitempty"`
	Status      string    `json:"status"`
	AgentID     string    `json:"agent_id,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	At          time.Time `json:"at"`
}

// Text renders the event as a single chat line.
func (e Event) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "execution %s", e.ExecutionID)
	if e.AgentID != "" {
		fmt.Fprintf(&b, " agent %s", e.AgentID)
	}
	fmt.Fprintf(&b, ": %s", e.Status)
	if e.Detail != "" {
		fmt.Fprintf(&b, " (%s)", e.Detail)
	}
	return b.String()
}

// Notifier delivers events to observers. Delivery is best-effort.
type Notifier interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Sink is one delivery target.
type Sink interface {
	Name() string
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Fanout publishes every event to all registered sinks.
type Fanout struct {
	mu     sync.RWMutex
	sinks  map[string]Sink
	logger *zap.Logger
}

// NewFanout creates an empty fan-out notifier.
func NewFanout(logger *zap.Logger) *Fanout {
	return &Fanout{sinks: make(map[string]Sink), logger: logger}
}

// Register adds a sink, replacing any sink with the same name.
func (f *Fanout) Register(s Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks[s.Name()] = s
	f.logger.Info("notify sink registered", zap.String("sink", s.Name()))
}

// Publish sends ev to every sink. A failing sink does not stop the others.
func (f *Fanout) Publish(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	f.mu.RLock()
	sinks := make([]Sink, 0, len(f.sinks))
	for _, s := range f.sinks {
		sinks = append(sinks, s)
	}
	f.mu.RUnlock()

	var errs []error
	for _, s := range sinks {
		if err := s.Publish(ctx, ev); err != nil {
			f.logger.Warn("notify failed",
				zap.String("sink", s.Name()),
				zap.String("execution", ev.ExecutionID),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Sinks returns the registered sink names in sorted order.
func (f *Fanout) Sinks() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.sinks))
	for n := range f.sinks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Close shuts down all sinks.
func (f *Fanout) Close() error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for name, s := range f.sinks {
		if err := s.Close(); err != nil {
			f.logger.Error("sink close failed", zap.String("sink", name), zap.Error(err))
		}
	}
	return nil
}
