package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ShayCichocki/taskweave/internal/exec"
	"github.com/ShayCichocki/taskweave/internal/timeout"
	"github.com/ShayCichocki/taskweave/pkg/models"
)

// Dispatcher runs one task on one agent. It returns once the task is done
// or ctx is cancelled, and reports progress through report.
type Dispatcher interface {
	Dispatch(ctx context.Context, h Handle, task *models.Task, report timeout.ProgressFunc) error
}

// outputTail bounds how much command output an error carries.
const outputTail = 512

// ExecDispatcher runs a shell command per task. The task is described to
// the command through TASKWEAVE_* environment variables; TASKWEAVE_TASK_JSON
// carries the whole task.
type ExecDispatcher struct {
	runner   exec.CommandRunner
	command  string
	commands map[string]string
	workDir  string
	logger   zerolog.Logger
}

var _ Dispatcher = (*ExecDispatcher)(nil)

// ExecOption configures an ExecDispatcher.
type ExecOption func(*ExecDispatcher)

// WithAgentCommand overrides the command for one agent.
func WithAgentCommand(agentID, command string) ExecOption {
	return func(d *ExecDispatcher) { d.commands[agentID] = command }
}

// WithWorkDir sets the working directory commands run in.
func WithWorkDir(dir string) ExecOption {
	return func(d *ExecDispatcher) { d.workDir = dir }
}

// WithExecLogger sets the dispatcher's logger.
func WithExecLogger(l zerolog.Logger) ExecOption {
	return func(d *ExecDispatcher) { d.logger = l }
}

// NewExecDispatcher creates a dispatcher running command through runner.
func NewExecDispatcher(runner exec.CommandRunner, command string, opts ...ExecOption) *ExecDispatcher {
	d := &ExecDispatcher{
		runner:   runner,
		command:  command,
		commands: make(map[string]string),
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch runs the agent's command for task.
func (d *ExecDispatcher) Dispatch(ctx context.Context, h Handle, task *models.Task, report timeout.ProgressFunc) error {
	command := d.command
	if c, ok := d.commands[h.ID]; ok {
		command = c
	}
	if strings.TrimSpace(command) == "" {
		return fmt.Errorf("no command configured for agent %s", h.ID)
	}

	env, err := taskEnv(h, task)
	if err != nil {
		return err
	}

	report(timeout.Progress{Completed: 0, Total: 1, Stage: "running"})
	start := time.Now()
	out, err := d.runner.RunShell(ctx, d.workDir, env, command)
	log := d.logger.With().Str("task", task.ID).Str("agent", h.ID).Dur("elapsed", time.Since(start)).Logger()
	if err != nil {
		log.Debug().Err(err).Bytes("output", tail(out)).Msg("task command failed")
		return fmt.Errorf("task %s on %s: %w: %s", task.ID, h.ID, err, tail(out))
	}
	report(timeout.Progress{Completed: 1, Total: 1, Stage: "done"})
	log.Debug().Msg("task command succeeded")
	return nil
}

func taskEnv(h Handle, task *models.Task) ([]string, error) {
	data, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("encode task %s: %w", task.ID, err)
	}
	return []string{
		"TASKWEAVE_AGENT_ID=" + h.ID,
		"TASKWEAVE_TASK_ID=" + task.ID,
		"TASKWEAVE_TASK_TITLE=" + task.Title,
		"TASKWEAVE_TASK_TYPE=" + string(task.Type),
		"TASKWEAVE_TASK_PRIORITY=" + string(task.Priority),
		"TASKWEAVE_PROJECT_ID=" + task.ProjectID,
		"TASKWEAVE_EPIC_ID=" + task.EpicID,
		"TASKWEAVE_TASK_JSON=" + string(data),
	}, nil
}

func tail(out []byte) []byte {
	out = []byte(strings.TrimSpace(string(out)))
	if len(out) > outputTail {
		return out[len(out)-outputTail:]
	}
	return out
}

// DryRunDispatcher pretends to run tasks. Each dispatch waits Delay and
// succeeds unless Fail reports otherwise.
type DryRunDispatcher struct {
	Delay time.Duration
	Fail  func(task *models.Task) bool
}

var _ Dispatcher = (*DryRunDispatcher)(nil)

// Dispatch waits for the configured delay.
func (d *DryRunDispatcher) Dispatch(ctx context.Context, h Handle, task *models.Task, report timeout.ProgressFunc) error {
	report(timeout.Progress{Completed: 0, Total: 1, Stage: "dry-run"})
	if d.Delay > 0 {
		t := time.NewTimer(d.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if d.Fail != nil && d.Fail(task) {
		return fmt.Errorf("dry run: task %s failed on %s", task.ID, h.ID)
	}
	report(timeout.Progress{Completed: 1, Total: 1, Stage: "done"})
	return nil
}
