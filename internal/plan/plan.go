package plan

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/nidhogg/teamexec/internal/team"
)

// Step is one agent's turn within a plan.
type Step struct {
	AgentID      string   `json:"agent_id"`
	Dependencies []string `json:"dependencies"`
	Optional     bool     `json:"optional,omitempty"`
}

// Plan is the ordered, dependency-annotated form of a workflow.
type Plan struct {
	ExecutionID  string            `json:"execution_id"`
	WorkflowType team.WorkflowType `json:"workflow_type"`
	Steps        []Step            `json:"steps"`
}

// Concurrent reports whether ready steps may be dispatched together.
func (p *Plan) Concurrent() bool {
	return p.WorkflowType == team.WorkflowParallel
}

// Build turns a validated team definition into an execution plan.
func Build(cfg *team.Config, executionID string) (*Plan, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	agents := slices.Clone(cfg.Workflow.Agents)
	// Declaration order breaks ties so plans are deterministic.
	sort.SliceStable(agents, func(i, j int) bool {
		return agents[i].ExecutionOrder < agents[j].ExecutionOrder
	})

	p := &Plan{ExecutionID: executionID, WorkflowType: cfg.Workflow.Type}
	switch cfg.Workflow.Type {
	case team.WorkflowSequential:
		for i, a := range agents {
			deps := []string{}
			if i > 0 {
				deps = append(deps, agents[i-1].AgentID)
			}
			p.Steps = append(p.Steps, Step{AgentID: a.AgentID, Dependencies: deps, Optional: a.Optional})
		}
	case team.WorkflowParallel:
		for _, a := range agents {
			p.Steps = append(p.Steps, Step{AgentID: a.AgentID, Dependencies: []string{}, Optional: a.Optional})
		}
	case team.WorkflowConditional, team.WorkflowPipeline:
		steps, err := topological(agents)
		if err != nil {
			return nil, err
		}
		p.Steps = steps
	default:
		return nil, fmt.Errorf("%w: unknown workflow type %q", team.ErrInvalidWorkflow, cfg.Workflow.Type)
	}
	return p, nil
}

// topological orders agents with Kahn's algorithm. Among ready agents the one
// that comes first in execution order is emitted first.
func topological(agents []team.AgentSpec) ([]Step, error) {
	index := make(map[string]int, len(agents))
	for i, a := range agents {
		index[a.AgentID] = i
	}

	deps := make(map[string][]string, len(agents))
	indegree := make(map[string]int, len(agents))
	dependents := make(map[string][]string, len(agents))
	for _, a := range agents {
		refs := a.Input.References()
		sort.Strings(refs)
		refs = slices.Compact(refs)
		if refs == nil {
			refs = []string{}
		}
		deps[a.AgentID] = refs
		indegree[a.AgentID] = len(refs)
		for _, r := range refs {
			dependents[r] = append(dependents[r], a.AgentID)
		}
	}

	var queue []string
	for _, a := range agents {
		if indegree[a.AgentID] == 0 {
			queue = append(queue, a.AgentID)
		}
	}

	steps := make([]Step, 0, len(agents))
	for len(queue) > 0 {
		best := 0
		for i := 1; i < len(queue); i++ {
			if index[queue[i]] < index[queue[best]] {
				best = i
			}
		}
		id := queue[best]
		queue = append(queue[:best], queue[best+1:]...)
		steps = append(steps, Step{
			AgentID:      id,
			Dependencies: deps[id],
			Optional:     agents[index[id]].Optional,
		})
		for _, d := range dependents[id] {
			indegree[d]--
			if indegree[d] == 0 {
				queue = append(queue, d)
			}
		}
	}

	if len(steps) != len(agents) {
		var stuck []string
		for _, a := range agents {
			if indegree[a.AgentID] > 0 {
				stuck = append(stuck, a.AgentID)
			}
		}
		return nil, fmt.Errorf("%w: dependency cycle among %s", team.ErrInvalidWorkflow, strings.Join(stuck, ", "))
	}
	return steps, nil
}
