package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/teamexec/internal/execution"
	"github.com/nidhogg/teamexec/internal/team"
)

// Memory is an in-process repository with the same semantics as Store. It
// backs tests and deployments without PostgreSQL.
type Memory struct {
	mu         sync.RWMutex
	teams      map[string]*team.Config
	executions map[string]*execution.Execution
	agents     map[string]map[string]*execution.AgentExecution
	usage      []*execution.UsageRecord
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		teams:      make(map[string]*team.Config),
		executions: make(map[string]*execution.Execution),
		agents:     make(map[string]map[string]*execution.AgentExecution),
	}
}

func copyExecution(e *execution.Execution) *execution.Execution {
	cp := *e
	if e.Cost.Breakdown != nil {
		cp.Cost.Breakdown = make(map[string]float64, len(e.Cost.Breakdown))
		for k, v := range e.Cost.Breakdown {
			cp.Cost.Breakdown[k] = v
		}
	}
	return &cp
}

func (m *Memory) CreateTeam(_ context.Context, cfg *team.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	if _, ok := m.teams[cfg.ID]; ok {
		return fmt.Errorf("create team %s: already exists", cfg.ID)
	}
	now := time.Now().UTC()
	cfg.CreatedAt, cfg.UpdatedAt = now, now
	cp := *cfg
	m.teams[cfg.ID] = &cp
	return nil
}

func (m *Memory) GetTeam(_ context.Context, id string) (*team.Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.teams[id]
	if !ok {
		return nil, fmt.Errorf("team %s: %w", id, ErrNotFound)
	}
	cp := *cfg
	return &cp, nil
}

func (m *Memory) ListTeams(_ context.Context, ownerUserID string) ([]*team.Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*team.Config
	for _, cfg := range m.teams {
		if cfg.OwnerUserID == ownerUserID {
			cp := *cfg
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) CreateExecution(_ context.Context, e *execution.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[e.ID]; ok {
		return fmt.Errorf("create execution %s: already exists", e.ID)
	}
	m.executions[e.ID] = copyExecution(e)
	return nil
}

func (m *Memory) GetExecution(_ context.Context, id string) (*execution.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	return copyExecution(e), nil
}

func (m *Memory) ListExecutions(_ context.Context, f execution.Filter) ([]*execution.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*execution.Execution
	for _, e := range m.executions {
		if f.UserID != "" && e.UserID != f.UserID {
			continue
		}
		if f.TeamID != "" && e.TeamID != f.TeamID {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		out = append(out, copyExecution(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) ListExecutionsByDate(_ context.Context, userID string, start time.Time, end *time.Time) ([]*execution.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*execution.Execution
	for _, e := range m.executions {
		if e.UserID != userID || e.CreatedAt.Before(start) {
			continue
		}
		if end != nil && !e.CreatedAt.Before(*end) {
			continue
		}
		out = append(out, copyExecution(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) CountActiveExecutions(_ context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.executions {
		if e.UserID == userID && !e.Status.IsTerminal() {
			n++
		}
	}
	return n, nil
}

func (m *Memory) MarkExecutionRunning(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return false, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	if e.Status != execution.StatusPending {
		return false, nil
	}
	e.Status = execution.StatusRunning
	e.StartedAt = &at
	return true, nil
}

func (m *Memory) FinishExecution(_ context.Context, id string, out execution.Outcome, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return false, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	if e.Status.IsTerminal() {
		return false, nil
	}
	e.Status = out.Status
	e.FinalResult = out.FinalResult
	e.Error = out.Error
	e.CompletedAt = &at
	return true, nil
}

func (m *Memory) UpdateExecutionMetrics(_ context.Context, id string, usage execution.UsageMetrics, cost execution.CostMetrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	e.Usage = usage
	e.Cost = cost
	return nil
}

func (m *Memory) UpsertAgentExecution(_ context.Context, ae *execution.AgentExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	steps, ok := m.agents[ae.ExecutionID]
	if !ok {
		steps = make(map[string]*execution.AgentExecution)
		m.agents[ae.ExecutionID] = steps
	}
	cp := *ae
	if prev, ok := steps[ae.AgentID]; ok {
		cp.CostUSD = prev.CostUSD
	}
	steps[ae.AgentID] = &cp
	return nil
}

func (m *Memory) ListAgentExecutions(_ context.Context, executionID string) ([]*execution.AgentExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*execution.AgentExecution
	for _, ae := range m.agents[executionID] {
		cp := *ae
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out, nil
}

func (m *Memory) UpdateAgentExecutionCost(_ context.Context, executionID, agentID string, costUSD float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ae, ok := m.agents[executionID][agentID]; ok {
		ae.CostUSD = costUSD
	}
	return nil
}

func (m *Memory) AppendUsageLog(_ context.Context, rec *execution.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.usage = append(m.usage, &cp)
	return nil
}

// UsageLog returns a copy of the usage rows recorded so far.
func (m *Memory) UsageLog() []execution.UsageRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]execution.UsageRecord, len(m.usage))
	for i, r := range m.usage {
		out[i] = *r
	}
	return out
}
