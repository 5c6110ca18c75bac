package orchestrator

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var errShutdown = errors.New("server shutting down")

type task struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// scheduler owns the background goroutines of running executions.
type scheduler struct {
	base    context.Context
	stopAll context.CancelCauseFunc
	mu      sync.Mutex
	tasks   map[string]*task
	wg      sync.WaitGroup
	logger  *zap.Logger
}

func newScheduler(logger *zap.Logger) *scheduler {
	base, stop := context.WithCancelCause(context.Background())
	return &scheduler{
		base:    base,
		stopAll: stop,
		tasks:   make(map[string]*task),
		logger:  logger,
	}
}

// launch runs fn in its own goroutine under a cancellable context.
func (s *scheduler) launch(id string, fn func(ctx context.Context)) {
	ctx, cancel := context.WithCancelCause(s.base)
	t := &task{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.tasks[id] = t
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(t.done)
		defer func() {
			s.mu.Lock()
			delete(s.tasks, id)
			s.mu.Unlock()
			cancel(nil)
		}()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("execution panicked", zap.String("execution", id), zap.Any("panic", r))
			}
		}()
		fn(ctx)
	}()
}

// cancel interrupts a running execution. It reports whether one was found.
func (s *scheduler) cancel(id string, cause error) bool {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if ok {
		t.cancel(cause)
	}
	return ok
}

// wait blocks until the execution's goroutine exits or ctx ends.
func (s *scheduler) wait(ctx context.Context, id string) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-t.done:
	case <-ctx.Done():
		s.logger.Warn("execution did not stop in time", zap.String("execution", id))
	}
}

func (s *scheduler) running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	return ids
}

func (s *scheduler) shutdown(ctx context.Context) error {
	s.stopAll(errShutdown)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
