package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/teamexec/internal/billing"
	"github.com/nidhogg/teamexec/internal/engine"
	"github.com/nidhogg/teamexec/internal/execution"
	"github.com/nidhogg/teamexec/internal/metrics"
	"github.com/nidhogg/teamexec/internal/notify"
	"github.com/nidhogg/teamexec/internal/plan"
	"github.com/nidhogg/teamexec/internal/store"
	"github.com/nidhogg/teamexec/internal/team"
	"go.uber.org/zap"
)

var (
	// ErrForbidden is returned when the caller does not own the resource.
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound is returned for unknown teams and executions.
	ErrNotFound = store.ErrNotFound
	// ErrNotFinished is returned when a result is requested before the
	// execution reached a terminal status.
	ErrNotFinished = errors.New("execution not finished")
)

// Repository is the persistence the orchestrator needs.
type Repository interface {
	engine.Recorder
	CreateTeam(ctx context.Context, cfg *team.Config) error
	GetTeam(ctx context.Context, id string) (*team.Config, error)
	ListTeams(ctx context.Context, ownerUserID string) ([]*team.Config, error)
	CreateExecution(ctx context.Context, e *execution.Execution) error
	GetExecution(ctx context.Context, id string) (*execution.Execution, error)
	ListExecutions(ctx context.Context, f execution.Filter) ([]*execution.Execution, error)
	UpdateExecutionMetrics(ctx context.Context, id string, usage execution.UsageMetrics, cost execution.CostMetrics) error
	ListAgentExecutions(ctx context.Context, executionID string) ([]*execution.AgentExecution, error)
}

// Config holds orchestrator settings.
type Config struct {
	AdminUsers    []string
	StopTimeout   time.Duration
	NotifyTimeout time.Duration
	ListLimit     int
}

func (c Config) withDefaults() Config {
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = 5 * time.Second
	}
	if c.ListLimit <= 0 {
		c.ListLimit = 50
	}
	return c
}

// Orchestrator admits executions, runs them in the background and exposes
// their status, results and cancellation.
type Orchestrator struct {
	repo     Repository
	engine   *engine.Engine
	backend  engine.Backend
	guard    *billing.Guard
	metrics  *metrics.Metrics
	notifier notify.Notifier
	cfg      Config
	admins   map[string]bool
	logger   *zap.Logger

	userLocks  sync.Map
	collecting sync.Map
	sched      *scheduler
}

// New creates an orchestrator and registers it as the engine's step observer.
func New(repo Repository, eng *engine.Engine, backend engine.Backend, guard *billing.Guard, cfg Config, logger *zap.Logger) *Orchestrator {
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		repo:     repo,
		engine:   eng,
		backend:  backend,
		guard:    guard,
		notifier: notify.Nop{},
		cfg:      cfg,
		admins:   make(map[string]bool, len(cfg.AdminUsers)),
		logger:   logger,
		sched:    newScheduler(logger),
	}
	for _, u := range cfg.AdminUsers {
		o.admins[u] = true
	}
	eng.WithObserver(o)
	return o
}

// WithMetrics sets the metrics sink.
func (o *Orchestrator) WithMetrics(m *metrics.Metrics) *Orchestrator {
	o.metrics = m
	return o
}

// WithNotifier sets the push layer.
func (o *Orchestrator) WithNotifier(n notify.Notifier) *Orchestrator {
	if n != nil {
		o.notifier = n
	}
	return o
}

func (o *Orchestrator) isAdmin(userID string) bool { return o.admins[userID] }

func (o *Orchestrator) authorize(ownerID, userID string) error {
	if ownerID == userID || o.isAdmin(userID) {
		return nil
	}
	return ErrForbidden
}

func (o *Orchestrator) userLock(userID string) *sync.Mutex {
	mu, _ := o.userLocks.LoadOrStore(userID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// CreateTeam validates and stores a team owned by userID.
func (o *Orchestrator) CreateTeam(ctx context.Context, userID string, cfg *team.Config) (*team.Config, error) {
	cfg.OwnerUserID = userID
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := o.repo.CreateTeam(ctx, cfg); err != nil {
		return nil, fmt.Errorf("create team: %w", err)
	}
	o.logger.Info("team created", zap.String("team", cfg.ID), zap.String("user", userID))
	return cfg, nil
}

// GetTeam returns a team the caller owns.
func (o *Orchestrator) GetTeam(ctx context.Context, teamID, userID string) (*team.Config, error) {
	cfg, err := o.repo.GetTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if err := o.authorize(cfg.OwnerUserID, userID); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ListTeams returns the caller's teams.
func (o *Orchestrator) ListTeams(ctx context.Context, userID string) ([]*team.Config, error) {
	return o.repo.ListTeams(ctx, userID)
}

// StartExecution admits a new execution of teamID and runs it in the
// background. The returned execution is still pending.
func (o *Orchestrator) StartExecution(ctx context.Context, userID, teamID, prompt string) (*execution.Execution, error) {
	mu := o.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	if err := o.guard.CheckUsageLimits(ctx, userID); err != nil {
		if errors.Is(err, billing.ErrQuotaExceeded) {
			o.metrics.AdmissionRejected()
		}
		return nil, err
	}

	cfg, err := o.GetTeam(ctx, teamID, userID)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	p, err := plan.Build(cfg, id)
	if err != nil {
		return nil, err
	}

	exec := &execution.Execution{
		ID:            id,
		TeamID:        teamID,
		UserID:        userID,
		Status:        execution.StatusPending,
		InitialPrompt: prompt,
		Plan:          p,
		CreatedAt:     time.Now().UTC(),
	}
	if err := o.repo.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}

	o.metrics.ExecutionStarted()
	o.publish(notify.Event{ExecutionID: id, TeamID: teamID, UserID: userID, Status: string(execution.StatusPending)})
	o.logger.Info("execution admitted",
		zap.String("execution", id),
		zap.String("team", teamID),
		zap.String("user", userID),
		zap.String("workflow", string(p.WorkflowType)),
		zap.Int("steps", len(p.Steps)))

	snapshot := *exec
	o.sched.launch(id, func(ctx context.Context) { o.run(ctx, exec, p, cfg) })
	return &snapshot, nil
}

// run is the background task of one execution.
func (o *Orchestrator) run(ctx context.Context, exec *execution.Execution, p *plan.Plan, cfg *team.Config) {
	log := o.logger.With(zap.String("execution", exec.ID))
	defer o.collect(exec.ID, string(p.WorkflowType))

	// A cancelled run falls through so the engine records the cause.
	if err := o.guard.RecheckConcurrency(ctx, exec.UserID); err != nil && ctx.Err() == nil {
		log.Warn("concurrency limit exceeded after admission", zap.Error(err))
		out := execution.Outcome{Status: execution.StatusFailed, Error: err.Error()}
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.StopTimeout)
		defer cancel()
		if _, err := o.repo.FinishExecution(pctx, exec.ID, out, time.Now()); err != nil {
			log.Error("persist execution outcome", zap.Error(err))
		}
		return
	}

	o.engine.Run(ctx, exec, p, cfg)
}

// GetExecution returns the execution record if the caller may see it.
func (o *Orchestrator) GetExecution(ctx context.Context, executionID, userID string) (*execution.Execution, error) {
	e, err := o.repo.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if err := o.authorize(e.UserID, userID); err != nil {
		return nil, err
	}
	return e, nil
}

// GetExecutionStatus reports the progress of an execution.
func (o *Orchestrator) GetExecutionStatus(ctx context.Context, executionID, userID string) (*Status, error) {
	e, err := o.GetExecution(ctx, executionID, userID)
	if err != nil {
		return nil, err
	}
	agents, err := o.repo.ListAgentExecutions(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("list agent executions: %w", err)
	}
	return newStatus(e, agents), nil
}

// GetExecutionResult returns the outcome of a terminal execution.
func (o *Orchestrator) GetExecutionResult(ctx context.Context, executionID, userID string) (*Result, error) {
	e, err := o.GetExecution(ctx, executionID, userID)
	if err != nil {
		return nil, err
	}
	if !e.Status.IsTerminal() {
		return nil, fmt.Errorf("execution %s is %s: %w", executionID, e.Status, ErrNotFinished)
	}
	agents, err := o.repo.ListAgentExecutions(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("list agent executions: %w", err)
	}
	return newResult(e, agents), nil
}

// ListExecutions returns the caller's executions, newest first. Admins see
// every user's executions.
func (o *Orchestrator) ListExecutions(ctx context.Context, userID, teamID string) ([]*execution.Execution, error) {
	f := execution.Filter{UserID: userID, TeamID: teamID, Limit: o.cfg.ListLimit}
	if o.isAdmin(userID) {
		f.UserID = ""
	}
	return o.repo.ListExecutions(ctx, f)
}

// StopExecution cancels a pending or running execution. It returns false
// without changing anything when the execution is already terminal.
func (o *Orchestrator) StopExecution(ctx context.Context, executionID, userID string) (bool, error) {
	e, err := o.GetExecution(ctx, executionID, userID)
	if err != nil {
		return false, err
	}
	if e.Status.IsTerminal() {
		return false, nil
	}
	log := o.logger.With(zap.String("execution", executionID), zap.String("user", userID))

	// Cancel the local run first so no step is dispatched while the
	// cancelled status is being written.
	local := o.sched.cancel(executionID, engine.ErrCancelled)

	out := execution.Outcome{Status: execution.StatusCancelled, Error: execution.CancelledByUser}
	ok, err := o.repo.FinishExecution(ctx, executionID, out, time.Now())
	if err != nil {
		return false, fmt.Errorf("cancel execution: %w", err)
	}
	if !ok && !(local && o.cancelledByEngine(ctx, executionID)) {
		return false, nil
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.StopTimeout)
	defer cancel()

	agents, err := o.repo.ListAgentExecutions(sctx, executionID)
	if err != nil {
		log.Error("list agent executions", zap.Error(err))
	}
	for _, ae := range agents {
		if ae.Status.IsTerminal() || ae.RunHandle == "" {
			continue
		}
		if err := o.backend.StopRun(sctx, ae.RunHandle); err != nil {
			log.Warn("stop run failed", zap.String("agent", ae.AgentID), zap.String("run", ae.RunHandle), zap.Error(err))
		}
	}

	if local {
		o.sched.wait(sctx, executionID)
	}
	o.cancelLeftovers(sctx, executionID, log)
	if !local {
		// No run here will collect it.
		var workflow string
		if e.Plan != nil {
			workflow = string(e.Plan.WorkflowType)
		}
		o.collect(executionID, workflow)
	}

	log.Info("execution cancelled")
	return true, nil
}

// cancelledByEngine reports whether the local run already persisted the
// user cancellation before StopExecution's own write.
func (o *Orchestrator) cancelledByEngine(ctx context.Context, executionID string) bool {
	e, err := o.repo.GetExecution(ctx, executionID)
	return err == nil && e.Status == execution.StatusCancelled && e.Error == execution.CancelledByUser
}

// cancelLeftovers marks every step the engine did not terminate itself,
// which covers runs owned by another process or a timed-out stop.
func (o *Orchestrator) cancelLeftovers(ctx context.Context, executionID string, log *zap.Logger) {
	agents, err := o.repo.ListAgentExecutions(ctx, executionID)
	if err != nil {
		log.Error("list agent executions", zap.Error(err))
		return
	}
	for _, ae := range agents {
		if ae.Status.IsTerminal() {
			continue
		}
		ae.Finish(execution.StatusCancelled, "", execution.CancelledByUser)
		if err := o.repo.UpsertAgentExecution(ctx, ae); err != nil {
			log.Error("mark step cancelled", zap.String("agent", ae.AgentID), zap.Error(err))
		}
	}
}

// Running returns the ids of executions this process is running.
func (o *Orchestrator) Running() []string {
	ids := o.sched.running()
	slices.Sort(ids)
	return ids
}

// Shutdown interrupts every running execution and waits for them to
// persist their outcome or for ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	n := len(o.sched.running())
	if n > 0 {
		o.logger.Info("interrupting running executions", zap.Int("count", n))
	}
	return o.sched.shutdown(ctx)
}

func (o *Orchestrator) publish(ev notify.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.NotifyTimeout)
	defer cancel()
	if err := o.notifier.Publish(ctx, ev); err != nil {
		o.logger.Debug("notify", zap.String("execution", ev.ExecutionID), zap.Error(err))
	}
}
