package execution

import (
	"time"

	"github.com/nidhogg/teamexec/internal/plan"
)

// Status tracks the lifecycle of an execution or of one of its steps.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CancelledByUser is the error recorded on executions stopped through the API.
const CancelledByUser = "Execution cancelled by user"

// UsageMetrics is the token accounting reported by the inference backend.
type UsageMetrics struct {
	ModelProvider string `json:"model_provider"`
	ModelName     string `json:"model_name"`
	TokensInput   int64  `json:"tokens_input"`
	TokensOutput  int64  `json:"tokens_output"`
	RequestCount  int64  `json:"request_count"`
}

// Add accumulates o into u. Model identity is kept from the first non-empty value.
func (u *UsageMetrics) Add(o UsageMetrics) {
	if u.ModelProvider == "" {
		u.ModelProvider = o.ModelProvider
	}
	if u.ModelName == "" {
		u.ModelName = o.ModelName
	}
	u.TokensInput += o.TokensInput
	u.TokensOutput += o.TokensOutput
	u.RequestCount += o.RequestCount
}

// CostMetrics holds the priced usage of an execution.
type CostMetrics struct {
	CostUSD   float64            `json:"cost_usd"`
	Breakdown map[string]float64 `json:"cost_breakdown,omitempty"`
}

// Execution is one run of a team against an initial prompt.
type Execution struct {
	ID            string       `json:"id"`
	TeamID        string       `json:"team_id"`
	UserID        string       `json:"user_id"`
	Status        Status       `json:"status"`
	InitialPrompt string       `json:"initial_prompt"`
	Plan          *plan.Plan   `json:"plan,omitempty"`
	FinalResult   string       `json:"final_result,omitempty"`
	Error         string       `json:"error,omitempty"`
	Usage         UsageMetrics `json:"usage_metrics"`
	Cost          CostMetrics  `json:"cost_metrics"`
	CreatedAt     time.Time    `json:"created_at"`
	StartedAt     *time.Time   `json:"started_at,omitempty"`
	CompletedAt   *time.Time   `json:"completed_at,omitempty"`
}

// AgentExecution is the record of a single step of an execution.
type AgentExecution struct {
	ExecutionID string       `json:"execution_id"`
	AgentID     string       `json:"agent_id"`
	Status      Status       `json:"status"`
	Input       string       `json:"input,omitempty"`
	Result      string       `json:"result,omitempty"`
	Error       string       `json:"error,omitempty"`
	Usage       UsageMetrics `json:"usage_metrics"`
	CostUSD     float64      `json:"cost_usd"`
	RunHandle   string       `json:"run_handle,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// Finish moves the agent execution into a terminal status.
func (a *AgentExecution) Finish(status Status, result, errMsg string) {
	now := time.Now()
	a.Status = status
	a.Result = result
	a.Error = errMsg
	a.CompletedAt = &now
}

// Outcome is what the engine reports when a run ends.
type Outcome struct {
	Status      Status
	FinalResult string
	Error       string
}

// UsageRecord is one immutable row of the per-user usage log.
type UsageRecord struct {
	UserID      string       `json:"user_id"`
	ExecutionID string       `json:"execution_id"`
	AgentID     string       `json:"agent_id"`
	Usage       UsageMetrics `json:"usage_metrics"`
	CostUSD     float64      `json:"cost_usd"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Filter narrows execution listings. Zero fields match everything.
type Filter struct {
	UserID string
	TeamID string
	Status Status
	Limit  int
}
