package orchestrator

import (
	"time"

	"github.com/nidhogg/teamexec/internal/execution"
)

// Status is the live view of an execution's progress.
type Status struct {
	ExecutionID     string           `json:"execution_id"`
	TeamID          string           `json:"team_id"`
	Status          execution.Status `json:"status"`
	Progress        float64          `json:"progress"`
	CurrentStep     int              `json:"current_step"`
	TotalSteps      int              `json:"total_steps"`
	ActiveAgents    []string         `json:"active_agents"`
	CompletedAgents []string         `json:"completed_agents"`
	FailedAgents    []string         `json:"failed_agents"`
	Error           string           `json:"error,omitempty"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
}

// AgentResult is one step's outcome inside a Result.
type AgentResult struct {
	AgentID     string                 `json:"agent_id"`
	Status      execution.Status       `json:"status"`
	Result      string                 `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Usage       execution.UsageMetrics `json:"usage_metrics"`
	CostUSD     float64                `json:"cost_usd"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// Result is the outcome of a terminal execution.
type Result struct {
	ExecutionID     string                 `json:"execution_id"`
	TeamID          string                 `json:"team_id"`
	Status          execution.Status       `json:"status"`
	FinalResult     string                 `json:"final_result"`
	Error           string                 `json:"error,omitempty"`
	Agents          []AgentResult          `json:"agent_results"`
	Usage           execution.UsageMetrics `json:"usage_metrics"`
	Cost            execution.CostMetrics  `json:"cost_metrics"`
	CreatedAt       time.Time              `json:"created_at"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	Duration        time.Duration          `json:"-"`
	DurationSeconds float64                `json:"duration_seconds"`
}

func newStatus(e *execution.Execution, agents []*execution.AgentExecution) *Status {
	s := &Status{
		ExecutionID:     e.ID,
		TeamID:          e.TeamID,
		Status:          e.Status,
		Error:           e.Error,
		StartedAt:       e.StartedAt,
		ActiveAgents:    []string{},
		CompletedAgents: []string{},
		FailedAgents:    []string{},
	}
	if e.Plan != nil {
		s.TotalSteps = len(e.Plan.Steps)
	}
	terminal := 0
	for _, ae := range agents {
		switch ae.Status {
		case execution.StatusRunning, execution.StatusPending:
			s.ActiveAgents = append(s.ActiveAgents, ae.AgentID)
		case execution.StatusCompleted:
			s.CompletedAgents = append(s.CompletedAgents, ae.AgentID)
		case execution.StatusFailed:
			s.FailedAgents = append(s.FailedAgents, ae.AgentID)
		}
		if ae.Status.IsTerminal() {
			terminal++
		}
	}
	s.CurrentStep = len(agents)
	switch {
	case e.Status == execution.StatusCompleted:
		s.Progress = 1
	case s.TotalSteps > 0:
		s.Progress = float64(terminal) / float64(s.TotalSteps)
	}
	return s
}

func newResult(e *execution.Execution, agents []*execution.AgentExecution) *Result {
	r := &Result{
		ExecutionID: e.ID,
		TeamID:      e.TeamID,
		Status:      e.Status,
		FinalResult: e.FinalResult,
		Error:       e.Error,
		Agents:      make([]AgentResult, 0, len(agents)),
		Usage:       e.Usage,
		Cost:        e.Cost,
		CreatedAt:   e.CreatedAt,
		StartedAt:   e.StartedAt,
		CompletedAt: e.CompletedAt,
	}
	for _, ae := range agents {
		r.Agents = append(r.Agents, AgentResult{
			AgentID:     ae.AgentID,
			Status:      ae.Status,
			Result:      ae.Result,
			Error:       ae.Error,
			Usage:       ae.Usage,
			CostUSD:     ae.CostUSD,
			StartedAt:   ae.StartedAt,
			CompletedAt: ae.CompletedAt,
		})
	}
	if e.CompletedAt != nil {
		from := e.CreatedAt
		if e.StartedAt != nil {
			from = *e.StartedAt
		}
		r.Duration = e.CompletedAt.Sub(from)
		r.DurationSeconds = r.Duration.Seconds()
	}
	return r
}
