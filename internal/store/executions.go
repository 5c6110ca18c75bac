package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/nidhogg/teamexec/internal/execution"
	"github.com/nidhogg/teamexec/internal/plan"
)

var executionColumns = []string{
	"id",
	"team_id",
	"user_id",
	"status",
	"initial_prompt",
	"plan",
	"final_result",
	"error",
	"usage_metrics",
	"cost_metrics",
	"created_at",
	"started_at",
	"completed_at",
}

var activeStatuses = []string{string(execution.StatusPending), string(execution.StatusRunning)}

type executionRow struct {
	ID            string     `db:"id"`
	TeamID        string     `db:"team_id"`
	UserID        string     `db:"user_id"`
	Status        string     `db:"status"`
	InitialPrompt string     `db:"initial_prompt"`
	Plan          []byte     `db:"plan"`
	FinalResult   *string    `db:"final_result"`
	Error         *string    `db:"error"`
	Usage         []byte     `db:"usage_metrics"`
	Cost          []byte     `db:"cost_metrics"`
	CreatedAt     time.Time  `db:"created_at"`
	StartedAt     *time.Time `db:"started_at"`
	CompletedAt   *time.Time `db:"completed_at"`
}

func (r *executionRow) toExecution() (*execution.Execution, error) {
	e := &execution.Execution{
		ID:            r.ID,
		TeamID:        r.TeamID,
		UserID:        r.UserID,
		Status:        execution.Status(r.Status),
		InitialPrompt: r.InitialPrompt,
		CreatedAt:     r.CreatedAt,
		StartedAt:     r.StartedAt,
		CompletedAt:   r.CompletedAt,
	}
	if r.FinalResult != nil {
		e.FinalResult = *r.FinalResult
	}
	if r.Error != nil {
		e.Error = *r.Error
	}
	if len(r.Plan) > 0 {
		e.Plan = &plan.Plan{}
		if err := json.Unmarshal(r.Plan, e.Plan); err != nil {
			return nil, fmt.Errorf("decode plan of execution %s: %w", r.ID, err)
		}
	}
	if len(r.Usage) > 0 {
		if err := json.Unmarshal(r.Usage, &e.Usage); err != nil {
			return nil, fmt.Errorf("decode usage of execution %s: %w", r.ID, err)
		}
	}
	if len(r.Cost) > 0 {
		if err := json.Unmarshal(r.Cost, &e.Cost); err != nil {
			return nil, fmt.Errorf("decode cost of execution %s: %w", r.ID, err)
		}
	}
	return e, nil
}

func toExecutions(rows []executionRow) ([]*execution.Execution, error) {
	out := make([]*execution.Execution, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toExecution()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// CreateExecution inserts a new execution together with its plan.
func (s *Store) CreateExecution(ctx context.Context, e *execution.Execution) error {
	planJSON, err := json.Marshal(e.Plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	usage, _ := json.Marshal(e.Usage)
	cost, _ := json.Marshal(e.Cost)
	_, err = s.db.Exec(ctx, `
		INSERT INTO executions (id, team_id, user_id, status, initial_prompt, plan, usage_metrics, cost_metrics, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.TeamID, e.UserID, string(e.Status), e.InitialPrompt, planJSON, usage, cost, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create execution %s: %w", e.ID, err)
	}
	return nil
}

// GetExecution loads an execution by id.
func (s *Store) GetExecution(ctx context.Context, id string) (*execution.Execution, error) {
	query, args, err := psql.Select(executionColumns...).From("executions").
		Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var row executionRow
	if err := pgxscan.Get(ctx, s.db, &row, query, args...); err != nil {
		return nil, notFound(err, "execution", id)
	}
	return row.toExecution()
}

// ListExecutions returns executions matching f, newest first.
func (s *Store) ListExecutions(ctx context.Context, f execution.Filter) ([]*execution.Execution, error) {
	sb := psql.Select(executionColumns...).From("executions").OrderBy("created_at DESC")
	if f.UserID != "" {
		sb = sb.Where(squirrel.Eq{"user_id": f.UserID})
	}
	if f.TeamID != "" {
		sb = sb.Where(squirrel.Eq{"team_id": f.TeamID})
	}
	if f.Status != "" {
		sb = sb.Where(squirrel.Eq{"status": string(f.Status)})
	}
	if f.Limit > 0 {
		sb = sb.Limit(uint64(f.Limit))
	}
	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var rows []executionRow
	if err := pgxscan.Select(ctx, s.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return toExecutions(rows)
}

// ListExecutionsByDate returns the user's executions created in [start, end).
// A nil end leaves the range open.
func (s *Store) ListExecutionsByDate(ctx context.Context, userID string, start time.Time, end *time.Time) ([]*execution.Execution, error) {
	sb := psql.Select(executionColumns...).From("executions").
		Where(squirrel.Eq{"user_id": userID}).
		Where(squirrel.GtOrEq{"created_at": start}).
		OrderBy("created_at")
	if end != nil {
		sb = sb.Where(squirrel.Lt{"created_at": *end})
	}
	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var rows []executionRow
	if err := pgxscan.Select(ctx, s.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list executions by date: %w", err)
	}
	return toExecutions(rows)
}

// CountActiveExecutions counts the user's pending and running executions.
func (s *Store) CountActiveExecutions(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM executions WHERE user_id = $1 AND status = ANY($2)`,
		userID, activeStatuses,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active executions: %w", err)
	}
	return n, nil
}

// MarkExecutionRunning moves a pending execution to running. It reports
// false when the execution was no longer pending.
func (s *Store) MarkExecutionRunning(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE executions SET status = $2, started_at = $3 WHERE id = $1 AND status = $4`,
		id, string(execution.StatusRunning), at, string(execution.StatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("mark execution %s running: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// FinishExecution records a terminal outcome unless the execution is already
// terminal, in which case it reports false and changes nothing.
func (s *Store) FinishExecution(ctx context.Context, id string, out execution.Outcome, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE executions
		SET status = $2, final_result = NULLIF($3, ''), error = NULLIF($4, ''), completed_at = $5
		WHERE id = $1 AND status = ANY($6)`,
		id, string(out.Status), out.FinalResult, out.Error, at, activeStatuses,
	)
	if err != nil {
		return false, fmt.Errorf("finish execution %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateExecutionMetrics stores the aggregated usage and cost.
func (s *Store) UpdateExecutionMetrics(ctx context.Context, id string, usage execution.UsageMetrics, cost execution.CostMetrics) error {
	usageJSON, err := json.Marshal(usage)
	if err != nil {
		return fmt.Errorf("marshal usage: %w", err)
	}
	costJSON, err := json.Marshal(cost)
	if err != nil {
		return fmt.Errorf("marshal cost: %w", err)
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE executions SET usage_metrics = $2, cost_metrics = $3 WHERE id = $1`,
		id, usageJSON, costJSON,
	)
	if err != nil {
		return fmt.Errorf("update metrics of execution %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	return nil
}
