package team

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidWorkflow is returned for malformed or cyclic workflow definitions.
var ErrInvalidWorkflow = errors.New("invalid workflow")

// WorkflowType defines how the agents of a team are scheduled.
type WorkflowType string

const (
	WorkflowSequential  WorkflowType = "sequential"
	WorkflowParallel    WorkflowType = "parallel"
	WorkflowConditional WorkflowType = "conditional"
	WorkflowPipeline    WorkflowType = "pipeline"
)

// Valid reports whether t is one of the known workflow types.
func (t WorkflowType) Valid() bool {
	switch t {
	case WorkflowSequential, WorkflowParallel, WorkflowConditional, WorkflowPipeline:
		return true
	}
	return false
}

func (t *WorkflowType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: workflow type: %v", ErrInvalidWorkflow, err)
	}
	wt := WorkflowType(s)
	if !wt.Valid() {
		return fmt.Errorf("%w: unknown workflow type %q", ErrInvalidWorkflow, s)
	}
	*t = wt
	return nil
}

// Role is an agent's position within a team.
type Role string

const (
	RoleLeader      Role = "leader"
	RoleCoordinator Role = "coordinator"
	RoleMember      Role = "member"
)

func (r *Role) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: role: %v", ErrInvalidWorkflow, err)
	}
	switch Role(s) {
	case RoleLeader, RoleCoordinator, RoleMember:
		*r = Role(s)
		return nil
	case "":
		*r = RoleMember
		return nil
	}
	return fmt.Errorf("%w: unknown role %q", ErrInvalidWorkflow, s)
}

// InputKind tags the InputSpec variant.
type InputKind string

const (
	InputInitialPrompt   InputKind = "initial_prompt"
	InputAgentResult     InputKind = "agent_result"
	InputCombinedResults InputKind = "combined_results"
)

// InputSpec describes where a step takes its input from. Exactly one variant is
// set: the initial prompt, the result of one agent, or the combined results of
// several agents.
type InputSpec struct {
	Kind     InputKind `json:"type"`
	AgentID  string    `json:"agent_id,omitempty"`
	AgentIDs []string  `json:"agent_ids,omitempty"`
}

// InitialPrompt returns an InputSpec reading the execution's prompt.
func InitialPrompt() InputSpec { return InputSpec{Kind: InputInitialPrompt} }

// AgentResult returns an InputSpec reading another agent's result.
func AgentResult(agentID string) InputSpec {
	return InputSpec{Kind: InputAgentResult, AgentID: agentID}
}

// CombinedResults returns an InputSpec merging several agents' results.
func CombinedResults(agentIDs ...string) InputSpec {
	return InputSpec{Kind: InputCombinedResults, AgentIDs: agentIDs}
}

// References returns the agent ids this input depends on.
func (s InputSpec) References() []string {
	switch s.Kind {
	case InputAgentResult:
		return []string{s.AgentID}
	case InputCombinedResults:
		out := make([]string, len(s.AgentIDs))
		copy(out, s.AgentIDs)
		return out
	}
	return nil
}

func (s *InputSpec) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*s = InitialPrompt()
		return nil
	}
	var raw struct {
		Kind     InputKind `json:"type"`
		AgentID  string    `json:"agent_id"`
		AgentIDs []string  `json:"agent_ids"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: input: %v", ErrInvalidWorkflow, err)
	}
	switch raw.Kind {
	case InputInitialPrompt, "":
		*s = InitialPrompt()
	case InputAgentResult:
		if raw.AgentID == "" {
			return fmt.Errorf("%w: agent_result input requires agent_id", ErrInvalidWorkflow)
		}
		*s = AgentResult(raw.AgentID)
	case InputCombinedResults:
		if len(raw.AgentIDs) == 0 {
			return fmt.Errorf("%w: combined_results input requires agent_ids", ErrInvalidWorkflow)
		}
		*s = CombinedResults(raw.AgentIDs...)
	default:
		return fmt.Errorf("%w: unknown input type %q", ErrInvalidWorkflow, raw.Kind)
	}
	return nil
}

// AgentSpec places one agent inside a workflow.
type AgentSpec struct {
	AgentID        string    `json:"agent_id" validate:"required"`
	Role           Role      `json:"role"`
	ExecutionOrder int       `json:"execution_order"`
	Input          InputSpec `json:"input"`
	Optional       bool      `json:"optional,omitempty"`
	Model          string    `json:"model,omitempty"`
}

// Workflow is the declarative ordering of a team's agents.
type Workflow struct {
	Type   WorkflowType `json:"type" validate:"required"`
	Agents []AgentSpec  `json:"agents" validate:"required,min=1,dive"`
}

// Agent returns the spec for agentID.
func (w *Workflow) Agent(agentID string) (AgentSpec, bool) {
	for _, a := range w.Agents {
		if a.AgentID == agentID {
			return a, true
		}
	}
	return AgentSpec{}, false
}

// Config is a team definition. It is treated as immutable once an execution
// references it.
type Config struct {
	ID          string    `json:"id"`
	OwnerUserID string    `json:"owner_user_id" validate:"required"`
	Name        string    `json:"name" validate:"required"`
	AgentIDs    []string  `json:"agent_ids" validate:"required,min=1,dive,required"`
	Workflow    Workflow  `json:"workflow"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
