// Package project imports project definitions from YAML files.
//
// A definition names a project, its epics and their tasks. Tasks refer to
// each other by key, which is local to the file; every stored identifier is
// allocated at import time.
package project

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/taskweave/internal/graph"
	"github.com/ShayCichocki/taskweave/pkg/models"
)

// ErrInvalidDefinition indicates a definition failed validation.
var ErrInvalidDefinition = errors.New("invalid project definition")

// Definition is the top-level document of an import file.
type Definition struct {
	Project ProjectDef `yaml:"project"`
	Epics   []EpicDef  `yaml:"epics"`
}

// ProjectDef describes the project itself.
type ProjectDef struct {
	Name        string                `yaml:"name"`
	Description string                `yaml:"description"`
	Context     models.ProjectContext `yaml:"context"`
}

// EpicDef groups tasks.
type EpicDef struct {
	Title       string    `yaml:"title"`
	Description string    `yaml:"description"`
	Priority    string    `yaml:"priority"`
	Tasks       []TaskDef `yaml:"tasks"`
}

// TaskDef describes one task. Key defaults to the title.
type TaskDef struct {
	Key                string   `yaml:"key"`
	Title              string   `yaml:"title"`
	Description        string   `yaml:"description"`
	AcceptanceCriteria []string `yaml:"acceptance_criteria"`
	Type               string   `yaml:"type"`
	Priority           string   `yaml:"priority"`
	EstimatedHours     float64  `yaml:"estimated_hours"`
	DependsOn          []string `yaml:"depends_on"`
	Tags               []string `yaml:"tags"`
}

// key returns the task's file-local key.
func (t TaskDef) key() string {
	if k := strings.TrimSpace(t.Key); k != "" {
		return k
	}
	return strings.TrimSpace(t.Title)
}

// Parse decodes and validates a definition. Unknown fields are rejected.
func Parse(r io.Reader) (*Definition, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var def Definition
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidDefinition)
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks names, keys and dependency references, and rejects
// dependency cycles.
func (d *Definition) Validate() error {
	if strings.TrimSpace(d.Project.Name) == "" {
		return fmt.Errorf("%w: project name is required", ErrInvalidDefinition)
	}
	if len(d.Epics) == 0 {
		return fmt.Errorf("%w: at least one epic is required", ErrInvalidDefinition)
	}

	keys := make(map[string]bool)
	var nodes []*models.Task
	for i, e := range d.Epics {
		if strings.TrimSpace(e.Title) == "" {
			return fmt.Errorf("%w: epic %d has no title", ErrInvalidDefinition, i+1)
		}
		for _, t := range e.Tasks {
			if strings.TrimSpace(t.Title) == "" {
				return fmt.Errorf("%w: task without title in epic %q", ErrInvalidDefinition, e.Title)
			}
			k := t.key()
			if keys[k] {
				return fmt.Errorf("%w: duplicate task key %q", ErrInvalidDefinition, k)
			}
			if t.EstimatedHours < 0 {
				return fmt.Errorf("%w: task %q has negative estimate", ErrInvalidDefinition, k)
			}
			keys[k] = true
			nodes = append(nodes, &models.Task{ID: k, Dependencies: t.DependsOn, EstimatedHours: t.EstimatedHours})
		}
	}
	for _, n := range nodes {
		for _, dep := range n.Dependencies {
			if dep == n.ID {
				return fmt.Errorf("%w: task %q depends on itself", ErrInvalidDefinition, n.ID)
			}
			if !keys[dep] {
				return fmt.Errorf("%w: task %q depends on unknown key %q", ErrInvalidDefinition, n.ID, dep)
			}
		}
	}
	if _, err := graph.Build(nodes, nil); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}
	return nil
}
