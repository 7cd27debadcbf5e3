// Package policy defines configurable policy parameters for execution
// coordination. It centralizes the thresholds the coordinator consults so
// they can be configured and tested.
package policy

import (
	"time"

	"github.com/ShayCichocki/taskweave/internal/timeout"
	"github.com/ShayCichocki/taskweave/pkg/models"
)

// Config contains all configurable policy parameters for a coordinator run.
type Config struct {
	Scheduling SchedulingPolicy
	Loop       LoopPolicy
	Retention  RetentionPolicy
	// Dispatch bounds each agent dispatch.
	Dispatch timeout.Config
}

// SchedulingPolicy controls how tasks are admitted and how failures spread.
type SchedulingPolicy struct {
	// MaxConcurrency is the global ceiling on in-flight dispatches,
	// independent of per-agent capacity.
	MaxConcurrency int

	// CriticalPriority is the lowest priority whose failure blocks every
	// transitive dependent. Tasks on the critical path are critical
	// regardless of priority.
	CriticalPriority models.Priority
}

// LoopPolicy controls run loop behavior.
type LoopPolicy struct {
	// TickInterval wakes the loop when no completion arrives.
	TickInterval time.Duration
}

// RetentionPolicy controls reclamation of finished workflow records.
type RetentionPolicy struct {
	// Window is how long finished records are kept. Zero disables reclaim.
	Window time.Duration
}

// Default returns the default policy configuration.
func Default() *Config {
	return &Config{
		Scheduling: SchedulingPolicy{
			MaxConcurrency:   4,
			CriticalPriority: models.PriorityHigh,
		},
		Loop: LoopPolicy{
			TickInterval: time.Second,
		},
		Retention: RetentionPolicy{
			Window: 7 * 24 * time.Hour,
		},
		Dispatch: timeout.Config{
			BaseTimeout:            30 * time.Minute,
			MaxTimeout:             2 * time.Hour,
			MaxRetries:             1,
			BackoffBase:            5 * time.Second,
			BackoffFactor:          2,
			BackoffMax:             time.Minute,
			PartialResultThreshold: 0.9,
		},
	}
}

// Normalize returns a copy of c with out-of-range values replaced by
// defaults. c itself is left untouched.
func (c *Config) Normalize() *Config {
	d := Default()
	if c == nil {
		return d
	}
	n := *c
	if n.Scheduling.MaxConcurrency < 1 {
		n.Scheduling.MaxConcurrency = d.Scheduling.MaxConcurrency
	}
	if !n.Scheduling.CriticalPriority.Valid() {
		n.Scheduling.CriticalPriority = d.Scheduling.CriticalPriority
	}
	if n.Loop.TickInterval < 10*time.Millisecond {
		n.Loop.TickInterval = d.Loop.TickInterval
	}
	if n.Retention.Window < 0 {
		n.Retention.Window = 0
	}
	n.Dispatch = n.Dispatch.Normalize()
	return &n
}

// IsCritical reports whether a failure of task should block its dependents.
func (c *Config) IsCritical(task *models.Task, onCriticalPath bool) bool {
	return onCriticalPath || task.Priority.Rank() >= c.Scheduling.CriticalPriority.Rank()
}
