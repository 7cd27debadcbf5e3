package exec

import (
	"context"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// DefaultWaitDelay is how long a cancelled command may keep its output
// pipes open after being signalled.
const DefaultWaitDelay = 5 * time.Second

// ExecRunner implements CommandRunner using os/exec. Cancelling the context
// sends SIGTERM, then SIGKILL after WaitDelay.
type ExecRunner struct {
	WaitDelay time.Duration
}

// NewRunner creates a new ExecRunner.
func NewRunner() *ExecRunner {
	return &ExecRunner{WaitDelay: DefaultWaitDelay}
}

// Run executes a command and returns combined stdout/stderr output.
func (r *ExecRunner) Run(ctx context.Context, workDir string, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if workDir != "" {
		cmd.Dir = workDir
	}
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.WaitDelay
	return cmd.CombinedOutput()
}

// RunShell executes a shell command through "sh -c".
func (r *ExecRunner) RunShell(ctx context.Context, workDir string, env []string, command string) ([]byte, error) {
	return r.Run(ctx, workDir, env, "sh", "-c", command)
}

// Verify ExecRunner implements CommandRunner at compile time.
var _ CommandRunner = (*ExecRunner)(nil)
