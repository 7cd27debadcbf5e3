package models

import "time"

// Complexity is a coarse rating of a project's size and difficulty.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// ProjectContext is an immutable snapshot of a codebase, produced by an
// external analyzer and read during decomposition.
type ProjectContext struct {
	// Languages lists the programming languages in use.
	Languages []string `json:"languages,omitempty" yaml:"languages,omitempty"`
	// Frameworks lists notable frameworks and libraries.
	Frameworks []string `json:"frameworks,omitempty" yaml:"frameworks,omitempty"`
	// Layout lists top-level directories of the codebase.
	Layout []string `json:"layout,omitempty" yaml:"layout,omitempty"`
	// Complexity rates the project.
	Complexity Complexity `json:"complexity,omitempty" yaml:"complexity,omitempty"`
	// TeamSize is the number of contributors.
	TeamSize int `json:"team_size,omitempty" yaml:"team_size,omitempty"`
}

// Project groups epics and tasks under one codebase.
type Project struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Context     ProjectContext `json:"context"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Epic groups related tasks inside a project.
type Epic struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Priority    Priority  `json:"priority"`
	CreatedAt   time.Time `json:"created_at"`
}
