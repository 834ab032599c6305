package workflow

import (
	"encoding/json"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/stepflow/types"
)

// Definition is the YAML form of a workflow specification.
type Definition struct {
	Name        string           `yaml:"name"`
	Description string           `yaml:"description,omitempty"`
	Priority    int              `yaml:"priority,omitempty"`
	Steps       []StepDefinition `yaml:"steps"`
}

// StepDefinition is the YAML form of a single step.
type StepDefinition struct {
	ID    string `yaml:"id"`
	Agent string `yaml:"agent"`

	// Task is free-form YAML, re-encoded as JSON before it reaches the
	// engine so the payload stays opaque end to end.
	Task map[string]any `yaml:"task,omitempty"`

	Dependencies []string `yaml:"dependencies,omitempty"`
}

// ParseDefinition parses a YAML workflow definition into the specification
// form consumed by Build. The definition is validated structurally by Build;
// this only handles decoding.
func ParseDefinition(data []byte) (*types.WorkflowSpec, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, types.NewError(types.ErrInvalidSpec, "malformed workflow definition").WithCause(err)
	}
	return def.Spec()
}

// LoadDefinition reads and parses a YAML workflow definition file.
func LoadDefinition(path string) (*types.WorkflowSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.NewErrorf(types.ErrInvalidSpec, "read workflow definition %s", path).WithCause(err)
	}
	return ParseDefinition(data)
}

// Spec converts the definition into a WorkflowSpec.
func (d *Definition) Spec() (*types.WorkflowSpec, error) {
	spec := &types.WorkflowSpec{
		Name:        d.Name,
		Description: d.Description,
		Priority:    d.Priority,
		Steps:       make([]types.StepSpec, 0, len(d.Steps)),
	}
	for _, s := range d.Steps {
		var task json.RawMessage
		if len(s.Task) > 0 {
			data, err := json.Marshal(s.Task)
			if err != nil {
				return nil, types.NewErrorf(types.ErrInvalidSpec,
					"step %q task is not encodable", s.ID).WithCause(err)
			}
			task = data
		}
		spec.Steps = append(spec.Steps, types.StepSpec{
			ID:           s.ID,
			Agent:        s.Agent,
			Task:         task,
			Dependencies: append([]string(nil), s.Dependencies...),
		})
	}
	return spec, nil
}
