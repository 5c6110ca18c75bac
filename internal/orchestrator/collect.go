package orchestrator

import (
	"context"
	"time"

	"github.com/nidhogg/teamexec/internal/execution"
	"github.com/nidhogg/teamexec/internal/notify"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// StepFinished forwards a terminal step to metrics and the push layer.
func (o *Orchestrator) StepFinished(ae *execution.AgentExecution, d time.Duration) {
	o.metrics.StepFinished(string(ae.Status), d)
	o.publish(notify.Event{
		ExecutionID: ae.ExecutionID,
		AgentID:     ae.AgentID,
		Status:      string(ae.Status),
		Detail:      ae.Error,
	})
}

// collect prices every step's usage, stores the totals on the execution and
// reports the outcome. It runs once per finished run; a call made while
// another collection of the same execution is in flight does nothing.
func (o *Orchestrator) collect(executionID, workflow string) {
	if _, busy := o.collecting.LoadOrStore(executionID, struct{}{}); busy {
		return
	}
	defer o.collecting.Delete(executionID)
	log := o.logger.With(zap.String("execution", executionID))
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.StopTimeout)
	defer cancel()

	exec, err := o.repo.GetExecution(ctx, executionID)
	if err != nil {
		log.Error("load execution for metrics", zap.Error(err))
		return
	}
	agents, err := o.repo.ListAgentExecutions(ctx, executionID)
	if err != nil {
		log.Error("list agent executions for metrics", zap.Error(err))
		return
	}

	var usage execution.UsageMetrics
	total := decimal.Zero
	breakdown := make(map[string]float64, len(agents))
	for _, ae := range agents {
		if ae.Usage.TokensInput == 0 && ae.Usage.TokensOutput == 0 && ae.Status != execution.StatusCompleted {
			continue
		}
		cost, err := o.guard.RegisterUsage(ctx, exec, ae.AgentID, ae.Usage)
		if err != nil {
			log.Error("register usage", zap.String("agent", ae.AgentID), zap.Error(err))
		}
		usage.Add(ae.Usage)
		total = total.Add(cost)
		breakdown[ae.AgentID] = cost.InexactFloat64()
		o.metrics.Usage(ae.Usage.ModelName, ae.Usage.TokensInput, ae.Usage.TokensOutput, cost.InexactFloat64())
	}

	cm := execution.CostMetrics{CostUSD: total.InexactFloat64(), Breakdown: breakdown}
	if err := o.repo.UpdateExecutionMetrics(ctx, executionID, usage, cm); err != nil {
		log.Error("store execution metrics", zap.Error(err))
	}

	o.metrics.ExecutionFinished(workflow, string(exec.Status))
	o.publish(notify.Event{
		ExecutionID: exec.ID,
		TeamID:      exec.TeamID,
		UserID:      exec.UserID,
		Status:      string(exec.Status),
		Detail:      exec.Error,
	})
	log.Info("execution metrics collected",
		zap.String("status", string(exec.Status)),
		zap.Int64("tokens_in", usage.TokensInput),
		zap.Int64("tokens_out", usage.TokensOutput),
		zap.String("cost_usd", total.StringFixed(6)))
}
