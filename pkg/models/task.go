package models

import (
	"strings"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has not started.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusInProgress indicates the task is being worked on.
	TaskStatusInProgress TaskStatus = "in_progress"
	// TaskStatusBlocked indicates the task cannot proceed.
	TaskStatusBlocked TaskStatus = "blocked"
	// TaskStatusDone indicates the task completed successfully.
	TaskStatusDone TaskStatus = "done"
	// TaskStatusFailed indicates the task failed.
	TaskStatusFailed TaskStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusBlocked, TaskStatusDone, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further work will happen on a task in this status.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusDone || s == TaskStatusFailed
}

// Priority ranks how urgent a task is.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank returns a sortable weight for the priority; higher is more urgent.
// Unknown priorities rank as medium.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityHigh:
		return 3
	case PriorityCritical:
		return 4
	default:
		return 2
	}
}

// Valid returns true if the priority is a known value.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	default:
		return false
	}
}

// ParsePriority maps free-form input onto a priority, defaulting to medium.
func ParsePriority(s string) Priority {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if p.Valid() {
		return p
	}
	return PriorityMedium
}

// TaskType categorizes the kind of work a task represents.
type TaskType string

const (
	TaskTypeDevelopment   TaskType = "development"
	TaskTypeTesting       TaskType = "testing"
	TaskTypeDocumentation TaskType = "documentation"
	TaskTypeResearch      TaskType = "research"
	TaskTypeDeployment    TaskType = "deployment"
	TaskTypeSetup         TaskType = "setup"
)

// Valid returns true if the type is a known value.
func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeDevelopment, TaskTypeTesting, TaskTypeDocumentation,
		TaskTypeResearch, TaskTypeDeployment, TaskTypeSetup:
		return true
	default:
		return false
	}
}

// ParseTaskType maps free-form input onto a task type, defaulting to development.
func ParseTaskType(s string) TaskType {
	t := TaskType(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case "feature", "bugfix", "refactor", "implementation":
		return TaskTypeDevelopment
	case "test":
		return TaskTypeTesting
	case "docs":
		return TaskTypeDocumentation
	}
	if t.Valid() {
		return t
	}
	return TaskTypeDevelopment
}

// Task represents an atomic unit of work in the system.
type Task struct {
	// ID is the unique identifier for this task (T0001 form).
	ID string `json:"id" yaml:"id"`
	// ParentID is the ID of the task this one was decomposed from, if any.
	ParentID string `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	// Title is the short description of the task.
	Title string `json:"title" yaml:"title"`
	// Description provides detailed information about the task.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// AcceptanceCriteria lists, in order, the conditions for completion.
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty" yaml:"acceptance_criteria,omitempty"`
	// Priority is how urgent the task is.
	Priority Priority `json:"priority" yaml:"priority"`
	// Type categorizes the work.
	Type TaskType `json:"type" yaml:"type"`
	// EstimatedHours is the expected effort.
	EstimatedHours float64 `json:"estimated_hours" yaml:"estimated_hours"`
	// ProjectID is the owning project.
	ProjectID string `json:"project_id" yaml:"project_id"`
	// EpicID is the owning epic.
	EpicID string `json:"epic_id" yaml:"epic_id"`
	// Dependencies lists, in order, task IDs that must complete before this task.
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status" yaml:"status"`
	// Tags are free-form labels. Tags of the form "cap:<name>" name a
	// capability an agent must have to run the task.
	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	// CompletedAt is when the task reached a terminal status, if applicable.
	CompletedAt *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	// Error contains the error message if the task failed.
	Error string `json:"error,omitempty" yaml:"error,omitempty"`
}

// CapabilityTagPrefix marks a tag as a required agent capability.
const CapabilityTagPrefix = "cap:"

// RequiredCapabilities returns the capabilities an agent needs to run the task:
// its type plus any "cap:" tags.
func (t *Task) RequiredCapabilities() []string {
	caps := []string{string(t.Type)}
	for _, tag := range t.Tags {
		if strings.HasPrefix(tag, CapabilityTagPrefix) {
			if c := strings.TrimPrefix(tag, CapabilityTagPrefix); c != "" {
				caps = append(caps, c)
			}
		}
	}
	return caps
}

// DependsOn reports whether id is among the task's dependencies.
func (t *Task) DependsOn(id string) bool {
	for _, dep := range t.Dependencies {
		if dep == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.AcceptanceCriteria = append([]string(nil), t.AcceptanceCriteria...)
	c.Dependencies = append([]string(nil), t.Dependencies...)
	c.Tags = append([]string(nil), t.Tags...)
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}
