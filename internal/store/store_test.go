package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/teamexec/internal/execution"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewWithDB(mock, zap.NewNop()), mock
}

func TestGetExecution(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()
	result := "final answer"
	var noError *string
	var noTime *time.Time

	rows := mock.NewRows(executionColumns).AddRow(
		"exec-1", "team-1", "user-1", "completed", "hello",
		[]byte(`{"execution_id":"exec-1","workflow_type":"sequential","steps":[{"agent_id":"a","dependencies":[]}]}`),
		&result, noError,
		[]byte(`{"model_name":"gpt-4o","tokens_input":10,"tokens_output":4,"request_count":1}`),
		[]byte(`{"cost_usd":0.5,"cost_breakdown":{"a":0.5}}`),
		now, &now, noTime,
	)
	mock.ExpectQuery(`SELECT (.+) FROM executions WHERE id = \$1`).
		WithArgs("exec-1").
		WillReturnRows(rows)

	e, err := s.GetExecution(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, e.Status)
	assert.Equal(t, "final answer", e.FinalResult)
	assert.Empty(t, e.Error)
	require.NotNil(t, e.Plan)
	assert.Equal(t, "a", e.Plan.Steps[0].AgentID)
	assert.Equal(t, int64(10), e.Usage.TokensInput)
	assert.Equal(t, 0.5, e.Cost.Breakdown["a"])
	assert.Nil(t, e.CompletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetExecutionNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT (.+) FROM executions WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetExecution(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListExecutionsAppliesFilter(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT (.+) FROM executions WHERE team_id = \$1 AND status = \$2 ORDER BY created_at DESC LIMIT 5`).
		WithArgs("team-1", "running").
		WillReturnRows(mock.NewRows(executionColumns))

	out, err := s.ListExecutions(context.Background(), execution.Filter{TeamID: "team-1", Status: execution.StatusRunning, Limit: 5})
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountActiveExecutions(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM executions WHERE user_id = \$1 AND status = ANY\(\$2\)`).
		WithArgs("user-1", []string{"pending", "running"}).
		WillReturnRows(mock.NewRows([]string{"count"}).AddRow(3))

	n, err := s.CountActiveExecutions(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishExecutionNeverOverwritesTerminal(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Now()
	out := execution.Outcome{Status: execution.StatusFailed, Error: "agent a failed: boom"}

	mock.ExpectExec(`UPDATE executions\s+SET status = \$2`).
		WithArgs("exec-1", "failed", "", "agent a failed: boom", at, []string{"pending", "running"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := s.FinishExecution(context.Background(), "exec-1", out, at)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkExecutionRunning(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Now()
	mock.ExpectExec(`UPDATE executions SET status = \$2, started_at = \$3 WHERE id = \$1 AND status = \$4`).
		WithArgs("exec-1", "running", at, "pending").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ok, err := s.MarkExecutionRunning(context.Background(), "exec-1", at)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTeamDecodesWorkflow(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()
	rows := mock.NewRows([]string{"id", "owner_user_id", "name", "agent_ids", "workflow", "created_at", "updated_at"}).
		AddRow("team-1", "user-1", "writers", []byte(`["a","b"]`),
			[]byte(`{"type":"pipeline","agents":[{"agent_id":"a","input":{"type":"initial_prompt"}},{"agent_id":"b","input":{"type":"agent_result","agent_id":"a"}}]}`),
			now, now)
	mock.ExpectQuery(`SELECT (.+) FROM teams WHERE id = \$1`).WithArgs("team-1").WillReturnRows(rows)

	cfg, err := s.GetTeam(context.Background(), "team-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, cfg.AgentIDs)
	assert.Equal(t, "a", cfg.Workflow.Agents[1].Input.AgentID)
	assert.NoError(t, cfg.Validate())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendUsageLog(t *testing.T) {
	s, mock := newMockStore(t)
	rec := &execution.UsageRecord{
		UserID: "user-1", ExecutionID: "exec-1", AgentID: "a",
		Usage:   execution.UsageMetrics{ModelProvider: "openai", ModelName: "gpt-4o", TokensInput: 3, TokensOutput: 2, RequestCount: 1},
		CostUSD: 0.01, CreatedAt: time.Now(),
	}
	mock.ExpectExec(`INSERT INTO usage_logs`).
		WithArgs("user-1", "exec-1", "a", "openai", "gpt-4o", int64(3), int64(2), int64(1), 0.01, rec.CreatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.AppendUsageLog(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMemoryLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	e := &execution.Execution{ID: "exec-1", TeamID: "team-1", UserID: "user-1", Status: execution.StatusPending, CreatedAt: time.Now()}
	require.NoError(t, m.CreateExecution(ctx, e))

	n, err := m.CountActiveExecutions(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ok, err := m.MarkExecutionRunning(ctx, "exec-1", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.MarkExecutionRunning(ctx, "exec-1", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.FinishExecution(ctx, "exec-1", execution.Outcome{Status: execution.StatusCancelled, Error: execution.CancelledByUser}, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.FinishExecution(ctx, "exec-1", execution.Outcome{Status: execution.StatusFailed, Error: "late"}, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := m.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCancelled, got.Status)
	assert.Equal(t, execution.CancelledByUser, got.Error)

	n, err = m.CountActiveExecutions(ctx, "user-1")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = m.GetExecution(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryUpsertKeepsCost(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	ae := &execution.AgentExecution{ExecutionID: "exec-1", AgentID: "a", Status: execution.StatusRunning, StartedAt: time.Now()}
	require.NoError(t, m.UpsertAgentExecution(ctx, ae))
	require.NoError(t, m.UpdateAgentExecutionCost(ctx, "exec-1", "a", 0.25))

	ae.Finish(execution.StatusCompleted, "ok", "")
	require.NoError(t, m.UpsertAgentExecution(ctx, ae))

	steps, err := m.ListAgentExecutions(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, execution.StatusCompleted, steps[0].Status)
	assert.Equal(t, 0.25, steps[0].CostUSD)
}
