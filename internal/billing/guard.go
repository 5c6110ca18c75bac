package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/teamexec/internal/execution"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrQuotaExceeded is returned when a user may not start another execution.
var ErrQuotaExceeded = errors.New("quota exceeded")

var thousand = decimal.NewFromInt(1000)

// Repository is the persistence the guard needs.
type Repository interface {
	CountActiveExecutions(ctx context.Context, userID string) (int, error)
	ListExecutionsByDate(ctx context.Context, userID string, start time.Time, end *time.Time) ([]*execution.Execution, error)
	UpdateAgentExecutionCost(ctx context.Context, executionID, agentID string, costUSD float64) error
	AppendUsageLog(ctx context.Context, rec *execution.UsageRecord) error
}

// Limits are the per-user quotas.
type Limits struct {
	MaxConcurrent    int
	MonthlyBudgetUSD decimal.Decimal
}

// DefaultLimits allows five concurrent executions and $100 per month.
func DefaultLimits() Limits {
	return Limits{MaxConcurrent: 5, MonthlyBudgetUSD: decimal.NewFromInt(100)}
}

// MonthlyUsage is a user's consumption since the start of the month.
type MonthlyUsage struct {
	TokensInput  int64           `json:"tokens_input"`
	TokensOutput int64           `json:"tokens_output"`
	TotalCostUSD decimal.Decimal `json:"total_cost_usd"`
	Executions   int             `json:"executions"`
}

// Guard prices usage and enforces per-user limits.
type Guard struct {
	repo    Repository
	pricing *Pricing
	limits  Limits
	now     func() time.Time
	logger  *zap.Logger
}

// NewGuard creates a billing guard.
func NewGuard(repo Repository, pricing *Pricing, limits Limits, logger *zap.Logger) *Guard {
	if pricing == nil {
		pricing = NewPricing(nil)
	}
	return &Guard{repo: repo, pricing: pricing, limits: limits, now: time.Now, logger: logger}
}

// CheckUsageLimits rejects users at their concurrency or monthly budget limit.
func (g *Guard) CheckUsageLimits(ctx context.Context, userID string) error {
	active, err := g.repo.CountActiveExecutions(ctx, userID)
	if err != nil {
		return fmt.Errorf("count active executions: %w", err)
	}
	if g.limits.MaxConcurrent > 0 && active >= g.limits.MaxConcurrent {
		return fmt.Errorf("%w: %d of %d concurrent executions in use", ErrQuotaExceeded, active, g.limits.MaxConcurrent)
	}

	usage, err := g.GetMonthlyUsage(ctx, userID)
	if err != nil {
		return err
	}
	if g.limits.MonthlyBudgetUSD.IsPositive() && usage.TotalCostUSD.GreaterThanOrEqual(g.limits.MonthlyBudgetUSD) {
		return fmt.Errorf("%w: monthly spend $%s reached budget $%s",
			ErrQuotaExceeded, usage.TotalCostUSD.StringFixed(2), g.limits.MonthlyBudgetUSD.StringFixed(2))
	}
	return nil
}

// RecheckConcurrency repeats the concurrency check from inside a run that is
// already counted as active. Concurrent starts for one user can both pass
// admission; this catches most of those, but the limit stays a soft one.
func (g *Guard) RecheckConcurrency(ctx context.Context, userID string) error {
	active, err := g.repo.CountActiveExecutions(ctx, userID)
	if err != nil {
		return fmt.Errorf("count active executions: %w", err)
	}
	if g.limits.MaxConcurrent > 0 && active > g.limits.MaxConcurrent {
		return fmt.Errorf("%w: %d concurrent executions exceed limit %d", ErrQuotaExceeded, active, g.limits.MaxConcurrent)
	}
	return nil
}

// CalculateAgentCost prices a usage report. Unknown models use DefaultPrice.
func (g *Guard) CalculateAgentCost(usage execution.UsageMetrics) decimal.Decimal {
	p, known := g.pricing.Lookup(usage.ModelName)
	if !known {
		g.logger.Debug("no price for model, using default", zap.String("model", usage.ModelName))
	}
	in := decimal.NewFromInt(usage.TokensInput).Div(thousand).Mul(p.Input)
	out := decimal.NewFromInt(usage.TokensOutput).Div(thousand).Mul(p.Output)
	return in.Add(out)
}

// RegisterUsage prices an agent's usage, stores the cost on its agent
// execution and appends an immutable usage-log row.
func (g *Guard) RegisterUsage(ctx context.Context, exec *execution.Execution, agentID string, usage execution.UsageMetrics) (decimal.Decimal, error) {
	cost := g.CalculateAgentCost(usage)
	costUSD := cost.InexactFloat64()
	if err := g.repo.UpdateAgentExecutionCost(ctx, exec.ID, agentID, costUSD); err != nil {
		return cost, fmt.Errorf("store agent cost: %w", err)
	}
	rec := &execution.UsageRecord{
		UserID:      exec.UserID,
		ExecutionID: exec.ID,
		AgentID:     agentID,
		Usage:       usage,
		CostUSD:     costUSD,
		CreatedAt:   g.now(),
	}
	if err := g.repo.AppendUsageLog(ctx, rec); err != nil {
		return cost, fmt.Errorf("append usage log: %w", err)
	}
	return cost, nil
}

// GetMonthlyUsage sums the user's executions since the first day of the
// current calendar month (UTC).
func (g *Guard) GetMonthlyUsage(ctx context.Context, userID string) (*MonthlyUsage, error) {
	now := g.now().UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	execs, err := g.repo.ListExecutionsByDate(ctx, userID, start, nil)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	u := &MonthlyUsage{TotalCostUSD: decimal.Zero, Executions: len(execs)}
	for _, e := range execs {
		u.TokensInput += e.Usage.TokensInput
		u.TokensOutput += e.Usage.TokensOutput
		u.TotalCostUSD = u.TotalCostUSD.Add(decimal.NewFromFloat(e.Cost.CostUSD))
	}
	return u, nil
}
