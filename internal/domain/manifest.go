package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUnsupportedEcosystem is returned when a manifest names an ecosystem
// other than the supported interpreter family.
var ErrUnsupportedEcosystem = errors.New("unsupported dependency ecosystem")

// Manifest declares what a task needs from its runtime environment.
// It is a tagged variant with one arm per supported ecosystem; a zero
// Manifest means "no dependencies".
type Manifest struct {
	Python *PythonManifest `json:"python,omitempty" yaml:"python,omitempty"`
}

// PythonManifest is the manifest body for the python ecosystem.
type PythonManifest struct {
	// Version constrains the interpreter itself, e.g. ">=3.9,<3.13".
	Version string `json:"python_version,omitempty" yaml:"python_version,omitempty"`
	// Packages are installed in declared order by a single pip invocation.
	Packages []Package `json:"packages,omitempty" yaml:"packages,omitempty"`
}

// Package is a single package requirement.
type Package struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
}

// Requirement renders the package as a pip requirement string.
func (p Package) Requirement() string {
	return p.Name + p.Version
}

// IsEmpty reports whether the manifest is equivalent to "no dependencies".
func (m Manifest) IsEmpty() bool {
	return m.Python == nil || (strings.TrimSpace(m.Python.Version) == "" && len(m.Python.Packages) == 0)
}

// RuntimeConstraint returns the interpreter version constraint, if any.
func (m Manifest) RuntimeConstraint() string {
	if m.Python == nil {
		return ""
	}
	return strings.TrimSpace(m.Python.Version)
}

// Packages returns the declared package records.
func (m Manifest) Packages() []Package {
	if m.Python == nil {
		return nil
	}
	return m.Python.Packages
}

// Validate checks every package record names a package.
func (m Manifest) Validate() error {
	for i, p := range m.Packages() {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("%w: package %d has no name", ErrInvalidTask, i)
		}
		if strings.ContainsAny(p.Name+p.Version, "\n\r") {
			return fmt.Errorf("%w: package %q contains a line break", ErrInvalidTask, p.Name)
		}
	}
	return nil
}

// UnmarshalJSON rejects ecosystems other than python.
func (m *Manifest) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Manifest{}
	for key, body := range raw {
		if key != LanguagePython {
			return fmt.Errorf("%w: %q", ErrUnsupportedEcosystem, key)
		}
		if string(body) == "null" {
			continue
		}
		var pm PythonManifest
		if err := json.Unmarshal(body, &pm); err != nil {
			return fmt.Errorf("decoding %s manifest: %w", key, err)
		}
		m.Python = &pm
	}
	return nil
}

// UnmarshalYAML rejects ecosystems other than python.
func (m *Manifest) UnmarshalYAML(value *yaml.Node) error {
	*m = Manifest{}
	if value.Kind == yaml.ScalarNode && value.Tag == "!!null" {
		return nil
	}
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("dependencies must be a mapping (line %d)", value.Line)
	}
	for i := 0; i+1 < len(value.Content); i += 2 {
		key := value.Content[i].Value
		if key != LanguagePython {
			return fmt.Errorf("%w: %q", ErrUnsupportedEcosystem, key)
		}
		var pm PythonManifest
		if err := value.Content[i+1].Decode(&pm); err != nil {
			return fmt.Errorf("decoding %s manifest: %w", key, err)
		}
		m.Python = &pm
	}
	return nil
}
