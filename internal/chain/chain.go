package chain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoSteps is returned for chains that have nothing to execute.
	ErrNoSteps = errors.New("no workflow nodes in chain")
	// ErrInvalidChain wraps structural problems found before execution.
	ErrInvalidChain = errors.New("invalid chain")
)

// Chain is an ordered list of workflow steps executed one after another.
// The JSON layout matches what the mobile client stores: steps live under
// "nodes" and each step's job graph under "apiFormat".
type Chain struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []Step `json:"nodes" yaml:"nodes"`
	CreatedAt   string `json:"createdAt,omitempty" yaml:"createdAt,omitempty"`
	ModifiedAt  string `json:"modifiedAt,omitempty" yaml:"modifiedAt,omitempty"`

	// Extra keeps client-owned fields this package does not interpret.
	Extra map[string]any `json:"-" yaml:"-"`
}

// Step is one remote job submission plus the bindings that fill its inputs.
type Step struct {
	ID            string             `json:"id" yaml:"id"`
	Name          string             `json:"name,omitempty" yaml:"name,omitempty"`
	JobGraph      Graph              `json:"apiFormat" yaml:"apiFormat"`
	InputBindings map[string]Binding `json:"inputBindings,omitempty" yaml:"inputBindings,omitempty"`

	Extra map[string]any `json:"-" yaml:"-"`
}

// DisplayName returns the chain name or the placeholder used by the client.
func (c Chain) DisplayName() string {
	if name := strings.TrimSpace(c.Name); name != "" {
		return name
	}
	return "Unnamed Chain"
}

// DisplayName returns the step name or "Unnamed".
func (s Step) DisplayName() string {
	if name := strings.TrimSpace(s.Name); name != "" {
		return name
	}
	return "Unnamed"
}

// StepID returns the id of the step at index, or "" when out of range.
func (c Chain) StepID(index int) (string, bool) {
	if index < 0 || index >= len(c.Steps) {
		return "", false
	}
	return c.Steps[index].ID, true
}

// Validate checks the structure the executor relies on. It never inspects
// job graph contents; empty graphs are reported per step at run time.
func (c Chain) Validate() error {
	if len(c.Steps) == 0 {
		return ErrNoSteps
	}
	seen := make(map[string]int, len(c.Steps))
	for i, step := range c.Steps {
		id := strings.TrimSpace(step.ID)
		if id == "" {
			return fmt.Errorf("%w: node %d has no id", ErrInvalidChain, i+1)
		}
		if prev, ok := seen[id]; ok {
			return fmt.Errorf("%w: node %d reuses id %q of node %d", ErrInvalidChain, i+1, id, prev+1)
		}
		seen[id] = i
	}
	return nil
}

// Summary is the chain listing view without job graphs.
type Summary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"createdAt,omitempty"`
	ModifiedAt  string `json:"modifiedAt,omitempty"`
	NodeCount   int    `json:"nodeCount"`
}

func (c Chain) Summary() Summary {
	return Summary{
		ID:          c.ID,
		Name:        c.Name,
		Description: c.Description,
		CreatedAt:   c.CreatedAt,
		ModifiedAt:  c.ModifiedAt,
		NodeCount:   len(c.Steps),
	}
}

// Clone returns a copy that shares nothing mutable with c.
func (c Chain) Clone() Chain {
	out := c
	out.Extra = cloneMap(c.Extra)
	if c.Steps != nil {
		out.Steps = make([]Step, len(c.Steps))
		for i, s := range c.Steps {
			out.Steps[i] = s.Clone()
		}
	}
	return out
}

func (s Step) Clone() Step {
	out := s
	out.JobGraph = s.JobGraph.Clone()
	out.Extra = cloneMap(s.Extra)
	if s.InputBindings != nil {
		out.InputBindings = make(map[string]Binding, len(s.InputBindings))
		for k, b := range s.InputBindings {
			out.InputBindings[k] = b.clone()
		}
	}
	return out
}
