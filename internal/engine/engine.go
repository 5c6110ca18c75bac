package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nidhogg/teamexec/internal/bus"
	"github.com/nidhogg/teamexec/internal/contextstore"
	"github.com/nidhogg/teamexec/internal/execution"
	"github.com/nidhogg/teamexec/internal/plan"
	"github.com/nidhogg/teamexec/internal/team"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrCancelled is the cancellation cause used when a user stops an execution.
var ErrCancelled = errors.New(execution.CancelledByUser)

var errRunPending = errors.New("run not finished")

// Names used for the engine's own messages.
const (
	SystemSender          = "system"
	MessageAgentResult    = "agent_result"
	MessageAgentCompleted = "agent_completed"
)

// StepError is a step whose backend call failed.
type StepError struct {
	AgentID string
	Err     error
}

func (e *StepError) Error() string { return fmt.Sprintf("agent %s failed: %v", e.AgentID, e.Err) }
func (e *StepError) Unwrap() error { return e.Err }

// Recorder persists status transitions. MarkExecutionRunning and
// FinishExecution report false when the execution was already terminal.
type Recorder interface {
	MarkExecutionRunning(ctx context.Context, executionID string, at time.Time) (bool, error)
	FinishExecution(ctx context.Context, executionID string, out execution.Outcome, at time.Time) (bool, error)
	UpsertAgentExecution(ctx context.Context, ae *execution.AgentExecution) error
}

// Observer is told about every step that reaches a terminal status.
type Observer interface {
	StepFinished(ae *execution.AgentExecution, d time.Duration)
}

// Config tunes dispatch and backend interaction.
type Config struct {
	MaxParallel    int
	StepRetries    int
	RetryBackoff   time.Duration
	PollInterval   time.Duration
	StopTimeout    time.Duration
	CallbackURL    string
	RecentMessages int
}

func (c Config) withDefaults() Config {
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	if c.RecentMessages <= 0 {
		c.RecentMessages = 20
	}
	if c.StepRetries < 0 {
		c.StepRetries = 0
	}
	return c
}

// Engine walks execution plans against the inference backend.
type Engine struct {
	backend  Backend
	store    contextstore.Store
	bus      *bus.Bus
	rec      Recorder
	cfg      Config
	observer Observer
	logger   *zap.Logger
}

// New creates an engine.
func New(backend Backend, store contextstore.Store, b *bus.Bus, rec Recorder, cfg Config, logger *zap.Logger) *Engine {
	return &Engine{
		backend: backend,
		store:   store,
		bus:     b,
		rec:     rec,
		cfg:     cfg.withDefaults(),
		logger:  logger,
	}
}

// WithObserver sets the step observer.
func (e *Engine) WithObserver(o Observer) *Engine {
	e.observer = o
	return e
}

// Run executes the plan and persists the terminal status. Cancelling ctx with
// cause ErrCancelled ends the run as cancelled; any other interruption ends
// it as failed.
func (e *Engine) Run(ctx context.Context, exec *execution.Execution, p *plan.Plan, cfg *team.Config) execution.Outcome {
	r := &run{
		e:       e,
		exec:    exec,
		plan:    p,
		team:    cfg,
		log:     e.logger.With(zap.String("execution", exec.ID)),
		status:  make(map[string]execution.Status, len(p.Steps)),
		results: make(map[string]string, len(p.Steps)),
	}
	out := r.execute(ctx)

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.StopTimeout)
	defer cancel()
	ok, err := e.rec.FinishExecution(pctx, exec.ID, out, time.Now())
	switch {
	case err != nil:
		r.log.Error("persist execution outcome", zap.String("status", string(out.Status)), zap.Error(err))
	case !ok:
		r.log.Debug("execution already terminal, outcome dropped", zap.String("status", string(out.Status)))
	default:
		r.log.Info("execution finished", zap.String("status", string(out.Status)))
	}
	return out
}

type run struct {
	e    *Engine
	exec *execution.Execution
	plan *plan.Plan
	team *team.Config
	log  *zap.Logger

	started bool

	mu      sync.Mutex
	status  map[string]execution.Status
	results map[string]string
}

func (r *run) execute(ctx context.Context) execution.Outcome {
	for {
		if ctx.Err() != nil {
			return r.interrupted(ctx)
		}
		ready := r.ready()
		if len(ready) == 0 {
			break
		}
		if !r.plan.Concurrent() {
			ready = ready[:1]
		}
		if !r.started {
			ok, err := r.e.rec.MarkExecutionRunning(ctx, r.exec.ID, time.Now())
			if err != nil {
				if ctx.Err() != nil {
					return r.interrupted(ctx)
				}
				return execution.Outcome{Status: execution.StatusFailed, Error: fmt.Sprintf("mark running: %v", err)}
			}
			if !ok {
				return execution.Outcome{Status: execution.StatusCancelled, Error: execution.CancelledByUser}
			}
			r.started = true
		}
		if err := r.dispatch(ctx, ready); err != nil {
			if ctx.Err() != nil {
				return r.interrupted(ctx)
			}
			return execution.Outcome{Status: execution.StatusFailed, Error: err.Error()}
		}
	}

	if stuck := r.notStarted(); len(stuck) > 0 {
		return execution.Outcome{
			Status: execution.StatusFailed,
			Error:  fmt.Sprintf("steps never became ready: %s", strings.Join(stuck, ", ")),
		}
	}
	return execution.Outcome{Status: execution.StatusCompleted, FinalResult: r.finalResult()}
}

func (r *run) interrupted(ctx context.Context) execution.Outcome {
	cause := context.Cause(ctx)
	if errors.Is(cause, ErrCancelled) {
		return execution.Outcome{Status: execution.StatusCancelled, Error: execution.CancelledByUser}
	}
	return execution.Outcome{Status: execution.StatusFailed, Error: fmt.Sprintf("execution interrupted: %v", cause)}
}

// ready returns the unstarted steps whose dependencies are all terminal, in
// plan order. A failed dependency only counts when it is optional; a
// required failure ends the run before this is consulted again.
func (r *run) ready() []plan.Step {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []plan.Step
	for _, s := range r.plan.Steps {
		if r.status[s.AgentID] != "" {
			continue
		}
		ok := true
		for _, dep := range s.Dependencies {
			switch r.status[dep] {
			case execution.StatusCompleted, execution.StatusFailed:
			default:
				ok = false
			}
		}
		if ok {
			out = append(out, s)
		}
	}
	return out
}

func (r *run) notStarted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, s := range r.plan.Steps {
		if r.status[s.AgentID] == "" {
			out = append(out, s.AgentID)
		}
	}
	return out
}

func (r *run) setStatus(agentID string, s execution.Status) {
	r.mu.Lock()
	r.status[agentID] = s
	r.mu.Unlock()
}

func (r *run) complete(agentID, result string) {
	r.mu.Lock()
	r.status[agentID] = execution.StatusCompleted
	r.results[agentID] = result
	r.mu.Unlock()
}

func (r *run) dispatch(ctx context.Context, steps []plan.Step) error {
	if len(steps) == 1 {
		return r.runStep(ctx, steps[0])
	}
	g, gctx := errgroup.WithContext(ctx)
	if r.e.cfg.MaxParallel > 0 {
		g.SetLimit(r.e.cfg.MaxParallel)
	}
	for _, s := range steps {
		g.Go(func() error { return r.runStep(gctx, s) })
	}
	return g.Wait()
}

func (r *run) runStep(ctx context.Context, step plan.Step) error {
	log := r.log.With(zap.String("agent", step.AgentID))
	if ctx.Err() != nil {
		r.setStatus(step.AgentID, execution.StatusCancelled)
		return ctx.Err()
	}
	r.setStatus(step.AgentID, execution.StatusRunning)
	spec, _ := r.team.Workflow.Agent(step.AgentID)

	ae := &execution.AgentExecution{
		ExecutionID: r.exec.ID,
		AgentID:     step.AgentID,
		Status:      execution.StatusRunning,
		StartedAt:   time.Now(),
	}
	input, err := r.resolveInput(ctx, spec)
	var res *RunResult
	if err == nil {
		ae.Input = input
		if err = r.e.rec.UpsertAgentExecution(ctx, ae); err != nil {
			err = fmt.Errorf("record step start: %w", err)
		}
	}
	if err == nil {
		log.Info("step started")
		res, err = r.invoke(ctx, ae, spec, input)
	}
	if err == nil {
		err = r.propagate(ctx, step.AgentID, res.Output)
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.e.cfg.StopTimeout)
	defer cancel()

	switch {
	case err == nil:
		ae.Usage = res.Usage
		ae.Finish(execution.StatusCompleted, res.Output, "")
		r.complete(step.AgentID, res.Output)
		r.record(pctx, ae, log)
		log.Info("step completed", zap.Int64("tokens_in", res.Usage.TokensInput), zap.Int64("tokens_out", res.Usage.TokensOutput))
		return nil

	case ctx.Err() != nil:
		r.stopRun(pctx, ae.RunHandle, log)
		ae.Finish(execution.StatusCancelled, "", cancelReason(ctx))
		r.setStatus(step.AgentID, execution.StatusCancelled)
		r.record(pctx, ae, log)
		log.Info("step cancelled", zap.String("reason", ae.Error))
		return ctx.Err()

	default:
		r.stopRun(pctx, ae.RunHandle, log)
		ae.Finish(execution.StatusFailed, "", err.Error())
		r.setStatus(step.AgentID, execution.StatusFailed)
		r.record(pctx, ae, log)
		if step.Optional {
			log.Warn("optional step failed, continuing", zap.Error(err))
			return nil
		}
		log.Error("step failed", zap.Error(err))
		return &StepError{AgentID: step.AgentID, Err: err}
	}
}

func cancelReason(ctx context.Context) string {
	cause := context.Cause(ctx)
	var se *StepError
	switch {
	case errors.Is(cause, ErrCancelled):
		return execution.CancelledByUser
	case errors.As(cause, &se):
		return fmt.Sprintf("stopped after agent %s failed", se.AgentID)
	default:
		return fmt.Sprintf("interrupted: %v", cause)
	}
}

func (r *run) record(ctx context.Context, ae *execution.AgentExecution, log *zap.Logger) {
	if err := r.e.rec.UpsertAgentExecution(ctx, ae); err != nil {
		log.Error("persist step outcome", zap.String("status", string(ae.Status)), zap.Error(err))
	}
	if r.e.observer != nil {
		r.e.observer.StepFinished(ae, time.Since(ae.StartedAt))
	}
}

func (r *run) stopRun(ctx context.Context, handle string, log *zap.Logger) {
	if handle == "" {
		return
	}
	if err := r.e.backend.StopRun(ctx, handle); err != nil {
		log.Warn("stop run failed", zap.String("run", handle), zap.Error(err))
	}
}

// invoke starts the run, waits for it and fetches its result.
func (r *run) invoke(ctx context.Context, ae *execution.AgentExecution, spec team.AgentSpec, input string) (*RunResult, error) {
	req := &RunRequest{
		AgentID: spec.AgentID,
		Input:   input,
		Model:   spec.Model,
		Context: r.contextHandle(ctx, spec.AgentID),
	}
	var handle string
	err := r.e.retry(ctx, func(ctx context.Context) error {
		h, err := r.e.backend.ExecuteAgent(ctx, req)
		if err != nil {
			return err
		}
		handle = h
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	ae.RunHandle = handle
	if err := r.e.rec.UpsertAgentExecution(ctx, ae); err != nil {
		return nil, fmt.Errorf("record run handle: %w", err)
	}

	state, err := r.e.await(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("await run %s: %w", handle, err)
	}
	switch state.Status {
	case RunFailed:
		if state.Error == "" {
			state.Error = "no error reported"
		}
		return nil, fmt.Errorf("run %s failed: %s", handle, state.Error)
	case RunStopped:
		return nil, fmt.Errorf("run %s was stopped by the backend", handle)
	}

	var res *RunResult
	err = r.e.retry(ctx, func(ctx context.Context) error {
		out, err := r.e.backend.GetRunResult(ctx, handle)
		if err != nil {
			return err
		}
		res = out
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch result of run %s: %w", handle, err)
	}
	if res.Usage.ModelName == "" {
		res.Usage.ModelName = spec.Model
	}
	if res.Usage.RequestCount == 0 {
		res.Usage.RequestCount = 1
	}
	return res, nil
}

// retry runs f, retrying temporary backend errors with exponential backoff.
func (e *Engine) retry(ctx context.Context, f retry.RetryFunc) error {
	b := retry.WithMaxRetries(uint64(e.cfg.StepRetries), retry.NewExponential(e.cfg.RetryBackoff))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := f(ctx)
		if err != nil && IsTemporary(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// await polls the run until it reaches a terminal status. Up to StepRetries
// consecutive temporary errors are tolerated.
func (e *Engine) await(ctx context.Context, handle string) (*RunState, error) {
	var state *RunState
	transient := 0
	err := retry.Do(ctx, retry.NewConstant(e.cfg.PollInterval), func(ctx context.Context) error {
		s, err := e.backend.GetRunStatus(ctx, handle)
		if err != nil {
			if IsTemporary(err) && transient < e.cfg.StepRetries {
				transient++
				return retry.RetryableError(err)
			}
			return err
		}
		transient = 0
		if !s.Status.IsTerminal() {
			return retry.RetryableError(errRunPending)
		}
		state = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (r *run) contextHandle(ctx context.Context, agentID string) ContextHandle {
	h := ContextHandle{ExecutionID: r.exec.ID, AgentID: agentID}
	if r.e.cfg.CallbackURL != "" {
		h.CallbackURL = strings.TrimRight(r.e.cfg.CallbackURL, "/") + "/api/executions/" + r.exec.ID
	}
	vars, err := r.e.store.GetContext(ctx, r.exec.ID)
	if err != nil {
		r.log.Warn("snapshot context", zap.Error(err))
	} else if len(vars) > 0 {
		h.Variables = make(map[string]json.RawMessage, len(vars))
		for k, v := range vars {
			h.Variables[k] = v.Value
		}
	}
	msgs, err := r.e.store.GetMessages(ctx, r.exec.ID, r.e.cfg.RecentMessages, contextstore.MessageFilter{})
	if err != nil {
		r.log.Warn("snapshot messages", zap.Error(err))
	} else {
		h.RecentMessages = msgs
	}
	return h
}

func (r *run) resolveInput(ctx context.Context, spec team.AgentSpec) (string, error) {
	switch spec.Input.Kind {
	case team.InputAgentResult:
		res, _, err := r.lookup(ctx, spec.Input.AgentID)
		return res, err
	case team.InputCombinedResults:
		var blocks []string
		for _, id := range spec.Input.AgentIDs {
			res, ok, err := r.lookup(ctx, id)
			if err != nil {
				return "", err
			}
			if ok {
				blocks = append(blocks, resultBlock(id, res))
			}
		}
		return strings.Join(blocks, resultSeparator), nil
	default:
		return r.exec.InitialPrompt, nil
	}
}

func (r *run) lookup(ctx context.Context, agentID string) (string, bool, error) {
	entry, err := r.e.store.GetVariable(ctx, r.exec.ID, contextstore.ResultKey(agentID))
	if err != nil {
		return "", false, fmt.Errorf("read result of %s: %w", agentID, err)
	}
	if entry == nil {
		return "", false, nil
	}
	return entry.AsString(), true, nil
}

func (r *run) propagate(ctx context.Context, agentID, output string) error {
	execID := r.exec.ID
	if err := r.e.store.SetVariable(ctx, execID, contextstore.ResultKey(agentID), contextstore.StringValue(output), agentID); err != nil {
		return fmt.Errorf("store result: %w", err)
	}
	if err := r.e.store.AddMessage(ctx, execID, agentID, MessageAgentCompleted, output); err != nil {
		r.log.Warn("append completion message", zap.String("agent", agentID), zap.Error(err))
	}
	payload, _ := json.Marshal(map[string]string{"agent_id": agentID, "result": output})
	if _, err := r.e.bus.Broadcast(ctx, execID, SystemSender, MessageAgentResult, string(payload)); err != nil {
		r.log.Warn("broadcast result", zap.String("agent", agentID), zap.Error(err))
	}
	return nil
}

const resultSeparator = "\n\n---\n\n"

func resultBlock(agentID, result string) string {
	return "[" + agentID + "]\n" + result
}

// finalResult picks the execution's result. Parallel runs prefer the first
// leader or coordinator in plan order and otherwise join every completed
// result in plan order; other workflows take the last completed step.
func (r *run) finalResult() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.plan.Concurrent() {
		for _, s := range r.plan.Steps {
			spec, _ := r.team.Workflow.Agent(s.AgentID)
			if spec.Role != team.RoleLeader && spec.Role != team.RoleCoordinator {
				continue
			}
			if r.status[s.AgentID] == execution.StatusCompleted {
				return r.results[s.AgentID]
			}
			break
		}
		var blocks []string
		for _, s := range r.plan.Steps {
			if r.status[s.AgentID] == execution.StatusCompleted {
				blocks = append(blocks, resultBlock(s.AgentID, r.results[s.AgentID]))
			}
		}
		return strings.Join(blocks, resultSeparator)
	}

	for i := len(r.plan.Steps) - 1; i >= 0; i-- {
		id := r.plan.Steps[i].AgentID
		if r.status[id] == execution.StatusCompleted {
			return r.results[id]
		}
	}
	return ""
}
