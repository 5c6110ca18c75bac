package engine

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/nidhogg/teamexec/internal/contextstore"
	"github.com/nidhogg/teamexec/internal/execution"
)

// RunStatus is the state of a single agent run on the inference backend.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunStopped   RunStatus = "stopped"
)

// IsTerminal reports whether the run will not change state again.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunStopped
}

// ContextHandle is what a running agent needs to reach the execution's
// shared state and message bus.
type ContextHandle struct {
	ExecutionID    string                     `json:"execution_id"`
	AgentID        string                     `json:"agent_id"`
	Variables      map[string]json.RawMessage `json:"variables,omitempty"`
	RecentMessages []*contextstore.Message    `json:"recent_messages,omitempty"`
	CallbackURL    string                     `json:"callback_url,omitempty"`
}

// RunRequest starts one agent on the backend.
type RunRequest struct {
	AgentID string        `json:"agent_id"`
	Input   string        `json:"input"`
	Model   string        `json:"model,omitempty"`
	Context ContextHandle `json:"context"`
}

// RunState is a polled run status.
type RunState struct {
	Status RunStatus `json:"status"`
	Error  string    `json:"error,omitempty"`
}

// RunResult is the output of a finished run.
type RunResult struct {
	Output string                 `json:"output"`
	Usage  execution.UsageMetrics `json:"usage"`
}

// Backend runs single agents. ExecuteAgent starts a run asynchronously and
// returns an opaque handle.
type Backend interface {
	ExecuteAgent(ctx context.Context, req *RunRequest) (string, error)
	GetRunStatus(ctx context.Context, handle string) (*RunState, error)
	GetRunResult(ctx context.Context, handle string) (*RunResult, error)
	StopRun(ctx context.Context, handle string) error
}

// IsTemporary reports whether err is a transient backend failure worth retrying.
func IsTemporary(err error) bool {
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && t.Temporary()
}
