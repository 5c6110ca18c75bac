package team

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the structural invariants of a team definition. Cycle
// detection is left to the plan builder, which needs the ordering anyway.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidWorkflow, describe(err))
	}
	if !c.Workflow.Type.Valid() {
		return fmt.Errorf("%w: unknown workflow type %q", ErrInvalidWorkflow, c.Workflow.Type)
	}

	members := make(map[string]struct{}, len(c.AgentIDs))
	for _, id := range c.AgentIDs {
		if _, dup := members[id]; dup {
			return fmt.Errorf("%w: duplicate agent %q", ErrInvalidWorkflow, id)
		}
		members[id] = struct{}{}
	}

	inWorkflow := make(map[string]struct{}, len(c.Workflow.Agents))
	orders := make(map[int]string, len(c.Workflow.Agents))
	for _, a := range c.Workflow.Agents {
		if _, ok := members[a.AgentID]; !ok {
			return fmt.Errorf("%w: agent %q is not a team member", ErrInvalidWorkflow, a.AgentID)
		}
		if _, dup := inWorkflow[a.AgentID]; dup {
			return fmt.Errorf("%w: agent %q appears twice in workflow", ErrInvalidWorkflow, a.AgentID)
		}
		inWorkflow[a.AgentID] = struct{}{}

		if c.Workflow.Type == WorkflowSequential {
			if other, tie := orders[a.ExecutionOrder]; tie {
				return fmt.Errorf("%w: agents %q and %q share execution_order %d",
					ErrInvalidWorkflow, other, a.AgentID, a.ExecutionOrder)
			}
			orders[a.ExecutionOrder] = a.AgentID
		}
	}

	for _, a := range c.Workflow.Agents {
		refs := a.Input.References()
		if c.Workflow.Type == WorkflowParallel && len(refs) > 0 {
			return fmt.Errorf("%w: parallel agent %q cannot depend on other agents", ErrInvalidWorkflow, a.AgentID)
		}
		for _, ref := range refs {
			if ref == a.AgentID {
				return fmt.Errorf("%w: agent %q references its own result", ErrInvalidWorkflow, a.AgentID)
			}
			if _, ok := inWorkflow[ref]; !ok {
				return fmt.Errorf("%w: agent %q references unknown agent %q", ErrInvalidWorkflow, a.AgentID, ref)
			}
			if c.Workflow.Type == WorkflowSequential {
				if r, _ := c.Workflow.Agent(ref); r.ExecutionOrder > a.ExecutionOrder {
					return fmt.Errorf("%w: agent %q references %q which runs later", ErrInvalidWorkflow, a.AgentID, ref)
				}
			}
		}
	}
	return nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
