package domain

import (
	"errors"
	"fmt"
	"strings"
)

// LanguagePython is the only interpreter family tasks can target.
const LanguagePython = "python"

// TaskDefinition is a validated task document as served by the registry.
// It carries the executable payloads, the declared inputs and outputs, and
// the dependency manifest that selects the runtime environment.
type TaskDefinition struct {
	Enact        string                `json:"enact" yaml:"enact"`
	ID           string                `json:"id" yaml:"id"`
	Name         string                `json:"name" yaml:"name"`
	Description  string                `json:"description" yaml:"description"`
	Version      string                `json:"version" yaml:"version"`
	Type         string                `json:"type,omitempty" yaml:"type,omitempty"`
	Authors      []Author              `json:"authors,omitempty" yaml:"authors,omitempty"`
	Inputs       map[string]InputSpec  `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Tasks        []Payload             `json:"tasks" yaml:"tasks"`
	Flow         Flow                  `json:"flow,omitempty" yaml:"flow,omitempty"`
	Outputs      map[string]OutputSpec `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Dependencies Manifest              `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

// Author names a task author.
type Author struct {
	Name string `json:"name" yaml:"name"`
}

// InputSpec describes a single declared input.
// Default is embedded into the script when the caller omits the input.
type InputSpec struct {
	Type        string `json:"type" yaml:"type"`
	Description string `json:"description" yaml:"description"`
	Default     any    `json:"default,omitempty" yaml:"default,omitempty"`
}

// OutputSpec describes a single declared output.
type OutputSpec struct {
	Type        string `json:"type" yaml:"type"`
	Format      string `json:"format,omitempty" yaml:"format,omitempty"`
	Description string `json:"description" yaml:"description"`
}

// Payload is one executable unit of a task.
type Payload struct {
	ID       string `json:"id" yaml:"id"`
	Type     string `json:"type" yaml:"type"`
	Language string `json:"language" yaml:"language"`
	Code     string `json:"code" yaml:"code"`
}

// Flow orders the payloads of a task.
type Flow struct {
	Steps []FlowStep `json:"steps,omitempty" yaml:"steps,omitempty"`
}

// FlowStep references a payload by ID.
type FlowStep struct {
	Task string `json:"task" yaml:"task"`
}

// ErrInvalidTask is wrapped by every validation failure.
var ErrInvalidTask = errors.New("invalid task definition")

// Validate performs the structural checks a task must pass before it can be
// composed. It does not require a payload for any particular language; that
// is the composer's concern.
func (t *TaskDefinition) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidTask)
	}
	if len(t.Tasks) == 0 {
		return fmt.Errorf("%w: task %q declares no payloads", ErrInvalidTask, t.ID)
	}

	ids := make(map[string]struct{}, len(t.Tasks))
	for i, p := range t.Tasks {
		if strings.TrimSpace(p.Language) == "" {
			return fmt.Errorf("%w: payload %d has no language", ErrInvalidTask, i)
		}
		if strings.TrimSpace(p.Code) == "" {
			return fmt.Errorf("%w: payload %d has no code", ErrInvalidTask, i)
		}
		if p.ID != "" {
			ids[p.ID] = struct{}{}
		}
	}

	for _, step := range t.Flow.Steps {
		if _, ok := ids[step.Task]; !ok {
			return fmt.Errorf("%w: flow step references unknown payload %q", ErrInvalidTask, step.Task)
		}
	}

	return t.Dependencies.Validate()
}

// TaskType returns the declared task type, defaulting to "atomic".
func (t *TaskDefinition) TaskType() string {
	if t.Type == "" {
		return "atomic"
	}
	return t.Type
}
