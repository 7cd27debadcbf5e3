package orchestrator

import (
	"errors"

	"github.com/ShayCichocki/taskweave/internal/agent"
)

var (
	// ErrNoCapableAgent indicates no registered agent can ever run a task.
	ErrNoCapableAgent = agent.ErrNoCapableAgent
	// ErrNoTasks indicates there is nothing to decompose or execute.
	ErrNoTasks = errors.New("no tasks")
	// ErrDecompositionIncomplete indicates Execute was called on a workflow
	// whose Decomposition phase has not completed.
	ErrDecompositionIncomplete = errors.New("decomposition not completed")
)
