// Package engine is a small state machine implementing trigger.WorkflowEngine.
// Each subject sits in exactly one place; transitions move it between places
// after the configured guards allow it.
package engine

import (
	"fmt"
	"strings"

	"github.com/goliatone/go-errors"
)

// ErrCodeInvalidDefinition marks workflow definitions that cannot be built.
const ErrCodeInvalidDefinition = "ENGINE_INVALID_DEFINITION"

// ErrCodeWorkflowNotFound is returned when no workflow governs a subject.
const ErrCodeWorkflowNotFound = "ENGINE_WORKFLOW_NOT_FOUND"

// Definition describes one workflow.
type Definition struct {
	Name         string       `yaml:"name"`
	Places       []string     `yaml:"places"`
	InitialPlace string       `yaml:"initial_place,omitempty"`
	Transitions  []Transition `yaml:"transitions"`
	// Supports lists the subject classes governed by the workflow. Empty
	// means any subject.
	Supports []string `yaml:"supports,omitempty"`
}

// Transition moves a subject from any of From to To.
type Transition struct {
	Name string   `yaml:"name"`
	From []string `yaml:"from"`
	To   string   `yaml:"to"`
}

// Validate checks places, transitions and the initial place.
func (d Definition) Validate() error {
	name := strings.TrimSpace(d.Name)
	if name == "" {
		return invalidDefinition("workflow name is required")
	}
	if len(d.Places) == 0 {
		return invalidDefinition("workflow %s requires at least one place", name)
	}
	places := make(map[string]bool, len(d.Places))
	for _, p := range d.Places {
		if strings.TrimSpace(p) == "" {
			return invalidDefinition("workflow %s has an empty place", name)
		}
		if places[p] {
			return invalidDefinition("workflow %s duplicate place %s", name, p)
		}
		places[p] = true
	}
	if d.InitialPlace != "" && !places[d.InitialPlace] {
		return invalidDefinition("workflow %s initial place %s is not a place", name, d.InitialPlace)
	}
	seen := make(map[string]bool, len(d.Transitions))
	for _, tr := range d.Transitions {
		if strings.TrimSpace(tr.Name) == "" {
			return invalidDefinition("workflow %s transition missing name", name)
		}
		if seen[tr.Name] {
			return invalidDefinition("workflow %s duplicate transition %s", name, tr.Name)
		}
		seen[tr.Name] = true
		if len(tr.From) == 0 || tr.To == "" {
			return invalidDefinition("workflow %s transition %s missing from/to", name, tr.Name)
		}
		for _, from := range tr.From {
			if !places[from] {
				return invalidDefinition("workflow %s transition %s references unknown from place %s", name, tr.Name, from)
			}
		}
		if !places[tr.To] {
			return invalidDefinition("workflow %s transition %s references unknown to place %s", name, tr.Name, tr.To)
		}
	}
	return nil
}

func (d Definition) initialPlace() string {
	if d.InitialPlace != "" {
		return d.InitialPlace
	}
	return d.Places[0]
}

func invalidDefinition(format string, args ...any) error {
	return errors.New(fmt.Sprintf(format, args...), errors.CategoryValidation).WithTextCode(ErrCodeInvalidDefinition)
}
