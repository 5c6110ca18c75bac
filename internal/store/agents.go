package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/nidhogg/teamexec/internal/execution"
)

type agentExecutionRow struct {
	ExecutionID string     `db:"execution_id"`
	AgentID     string     `db:"agent_id"`
	Status      string     `db:"status"`
	Input       string     `db:"input"`
	Result      string     `db:"result"`
	Error       string     `db:"error"`
	Usage       []byte     `db:"usage_metrics"`
	CostUSD     float64    `db:"cost_usd"`
	RunHandle   string     `db:"run_handle"`
	StartedAt   time.Time  `db:"started_at"`
	CompletedAt *time.Time `db:"completed_at"`
}

// UpsertAgentExecution inserts or updates a step record. The cost is owned by
// UpdateAgentExecutionCost and is never overwritten here.
func (s *Store) UpsertAgentExecution(ctx context.Context, ae *execution.AgentExecution) error {
	usage, err := json.Marshal(ae.Usage)
	if err != nil {
		return fmt.Errorf("marshal usage: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO agent_executions (execution_id, agent_id, status, input, result, error, usage_metrics, run_handle, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (execution_id, agent_id) DO UPDATE SET
			status = EXCLUDED.status,
			input = EXCLUDED.input,
			result = EXCLUDED.result,
			error = EXCLUDED.error,
			usage_metrics = EXCLUDED.usage_metrics,
			run_handle = EXCLUDED.run_handle,
			completed_at = EXCLUDED.completed_at`,
		ae.ExecutionID, ae.AgentID, string(ae.Status), ae.Input, ae.Result, ae.Error,
		usage, ae.RunHandle, ae.StartedAt, ae.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("save agent execution %s/%s: %w", ae.ExecutionID, ae.AgentID, err)
	}
	return nil
}

// ListAgentExecutions returns the step records of an execution in start order.
func (s *Store) ListAgentExecutions(ctx context.Context, executionID string) ([]*execution.AgentExecution, error) {
	var rows []agentExecutionRow
	err := pgxscan.Select(ctx, s.db, &rows, `
		SELECT execution_id, agent_id, status, input, result, error, usage_metrics, cost_usd, run_handle, started_at, completed_at
		FROM agent_executions WHERE execution_id = $1
		ORDER BY started_at, agent_id`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list agent executions of %s: %w", executionID, err)
	}
	out := make([]*execution.AgentExecution, 0, len(rows))
	for _, r := range rows {
		ae := &execution.AgentExecution{
			ExecutionID: r.ExecutionID,
			AgentID:     r.AgentID,
			Status:      execution.Status(r.Status),
			Input:       r.Input,
			Result:      r.Result,
			Error:       r.Error,
			CostUSD:     r.CostUSD,
			RunHandle:   r.RunHandle,
			StartedAt:   r.StartedAt,
			CompletedAt: r.CompletedAt,
		}
		if len(r.Usage) > 0 {
			if err := json.Unmarshal(r.Usage, &ae.Usage); err != nil {
				return nil, fmt.Errorf("decode usage of %s/%s: %w", r.ExecutionID, r.AgentID, err)
			}
		}
		out = append(out, ae)
	}
	return out, nil
}

// UpdateAgentExecutionCost stores the priced cost of one step.
func (s *Store) UpdateAgentExecutionCost(ctx context.Context, executionID, agentID string, costUSD float64) error {
	_, err := s.db.Exec(ctx,
		`UPDATE agent_executions SET cost_usd = $3 WHERE execution_id = $1 AND agent_id = $2`,
		executionID, agentID, costUSD,
	)
	if err != nil {
		return fmt.Errorf("update cost of %s/%s: %w", executionID, agentID, err)
	}
	return nil
}

// AppendUsageLog inserts one immutable usage row.
func (s *Store) AppendUsageLog(ctx context.Context, rec *execution.UsageRecord) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO usage_logs (user_id, execution_id, agent_id, model_provider, model_name,
			tokens_input, tokens_output, request_count, cost_usd, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.UserID, rec.ExecutionID, rec.AgentID, rec.Usage.ModelProvider, rec.Usage.ModelName,
		rec.Usage.TokensInput, rec.Usage.TokensOutput, rec.Usage.RequestCount, rec.CostUSD, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append usage log for %s/%s: %w", rec.ExecutionID, rec.AgentID, err)
	}
	return nil
}
